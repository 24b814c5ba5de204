package api

import "encoding/json"

// Change operation kinds on the wire.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Per-change result statuses in a sync response.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// EntryPayload is the journal entry snapshot carried in both directions.
// Timestamps are Unix nanoseconds.
type EntryPayload struct {
	Content    string `json:"content"`
	CreatedAt  int64  `json:"created_at"`
	ModifiedAt int64  `json:"modified_at"`
	Deleted    bool   `json:"deleted"`
}

// OutgoingChange is one queued local mutation in a sync request batch.
type OutgoingChange struct {
	Op              string          `json:"op"`
	EntryID         string          `json:"entry_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp int64           `json:"client_timestamp"`
}

// SyncRequest is the sync round wire request: the last-merged cursor token
// (empty string encodes "none") and the ordered batch of pending changes.
type SyncRequest struct {
	Cursor  string           `json:"cursor"`
	Changes []OutgoingChange `json:"changes"`
}

// DeltaEntry is one server-side entry created, updated, or deleted since the
// submitted cursor.
type DeltaEntry struct {
	EntryID  string          `json:"entry_id"`
	Payload  json.RawMessage `json:"payload"`
	Revision string          `json:"revision"`
	Deleted  bool            `json:"deleted"`
}

// ChangeResult reports the server's verdict for one outgoing change,
// aligned to the request batch by entry ID.
type ChangeResult struct {
	EntryID string `json:"entry_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// SyncResponse is the sync round wire response.
type SyncResponse struct {
	Cursor  string         `json:"cursor"`
	Delta   []DeltaEntry   `json:"delta"`
	Results []ChangeResult `json:"results"`
}

// loginRequest is the body for POST /api/login.
type loginRequest struct {
	Password string `json:"password"`
}

// loginResponse is the body returned by POST /api/login.
type loginResponse struct {
	Token string `json:"token"`
}
