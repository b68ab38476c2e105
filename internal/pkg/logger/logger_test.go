package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactEmail(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"maria.lopez@example.com", "ma***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"a@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
		{"", "***@***"},
		{"two@ats@example.com", "***@***"},
		{"@example.com", "***@example.com"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, RedactEmail(c.in), "input %q", c.in)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{"info", INFO},
		{"warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{"", INFO},
		{"bogus", INFO},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ParseLevel(c.in), "input %q", c.in)
	}
}

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(DEBUG)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(INFO)
		SetRedactPII(true)
	})
	return &buf
}

func TestFieldsAreRedacted(t *testing.T) {
	buf := capture(t)

	Info("membership updated", "email", "maria.lopez@example.com", "tier", "GOLD")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "membership updated", entry["msg"])
	assert.Equal(t, "ma***@example.com", entry["email"])
	assert.Equal(t, "GOLD", entry["tier"])
}

func TestEmbeddedEmailsAreRedacted(t *testing.T) {
	buf := capture(t)

	Warn("skipping row", "reason", "duplicate of maria.lopez@example.com in page 3")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Contains(t, entry["reason"], "ma***@example.com")
	assert.NotContains(t, entry["reason"], "maria.lopez")
}

func TestLevelFilter(t *testing.T) {
	buf := capture(t)
	SetLevel(ERROR)

	Info("quiet")
	Error("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}
