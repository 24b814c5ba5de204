package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShortID(t *testing.T) {
	assert.Equal(t, "1f2e3d4c", shortID("1f2e3d4c-5b6a-7988-0716-253443526170"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "first", firstLine("first\nsecond\nthird"))
	assert.Equal(t, "no newline", firstLine("no newline"))
	assert.Equal(t, "", firstLine("\nleading"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly te", truncate("exactly te", 10))
	assert.Equal(t, "this is a…", truncate("this is a long line", 10))

	// Rune-aware: multibyte content is not cut mid-character.
	assert.Equal(t, "ääää…", truncate("ääääää", 5))
}

func TestFormatTime(t *testing.T) {
	sameYear := time.Date(time.Now().Year(), time.March, 5, 14, 30, 0, 0, time.Local)
	assert.Equal(t, "Mar  5 14:30", formatTime(sameYear))

	otherYear := time.Date(2019, time.March, 5, 14, 30, 0, 0, time.Local)
	assert.Equal(t, "Mar  5  2019", formatTime(otherYear))
}

func TestPrintTable(t *testing.T) {
	var sb strings.Builder

	printTable(&sb, []string{"ID", "CONTENT"}, [][]string{
		{"abc", "hello"},
		{"defghi", "x"},
	})

	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "ID      CONTENT", lines[0])
	assert.Equal(t, "abc     hello", lines[1])
	assert.Equal(t, "defghi  x", lines[2])
}

func TestOrNoneAndYesNo(t *testing.T) {
	assert.Equal(t, "(none)", orNone(""))
	assert.Equal(t, "x", orNone("x"))
	assert.Equal(t, "yes", yesNo(true))
	assert.Equal(t, "no", yesNo(false))
}
