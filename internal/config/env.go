package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "DAYBOOK_CONFIG"
	EnvServerURL = "DAYBOOK_SERVER_URL"
	EnvDataDir   = "DAYBOOK_DATA_DIR"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // DAYBOOK_CONFIG: override config file path
	ServerURL  string // DAYBOOK_SERVER_URL: server base URL override
	DataDir    string // DAYBOOK_DATA_DIR: data directory override
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		ServerURL:  os.Getenv(EnvServerURL),
		DataDir:    os.Getenv(EnvDataDir),
	}
}
