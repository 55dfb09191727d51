package compose

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	now := time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC)

	assert.Equal(t, "E2E Test Email - 2025-03-14 09:26:53", Subject(now))
}

func TestBodyCarriesMarker(t *testing.T) {
	assert.Contains(t, Body(), BodyMarker)
}

func TestTestMessage(t *testing.T) {
	now := time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC)
	raw := TestMessage("sender@example.com", "test@example.com", now)

	header, body, found := strings.Cut(raw, "\r\n\r\n")
	require.True(t, found, "message must have a blank line between header and body")

	assert.Contains(t, header, "From: sender@example.com")
	assert.Contains(t, header, "To: test@example.com")
	assert.Contains(t, header, "Subject: "+Subject(now))
	assert.Contains(t, header, "Date: ")
	assert.Contains(t, body, BodyMarker)

	// Wire-ready: CRLF endings only.
	assert.NotContains(t, strings.ReplaceAll(raw, "\r\n", ""), "\n")
}

func TestWriteTestMessage(t *testing.T) {
	now := time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC)

	var buf bytes.Buffer
	require.NoError(t, WriteTestMessage(&buf, "sender@example.com", "test@example.com", now))

	raw := buf.String()
	assert.Contains(t, raw, "Subject: "+Subject(now))
	assert.Contains(t, raw, "sender@example.com")
	assert.Contains(t, raw, "test@example.com")
	assert.Contains(t, raw, BodyMarker)
}
