package imapcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdelfour/mailprobe/ftest"
)

func TestInboxStatus(t *testing.T) {
	addr, _ := ftest.StartIMAPServer(t, []string{
		"Subject: one\r\n\r\nfirst\r\n",
		"Subject: two\r\n\r\nsecond\r\n",
	})

	status, err := InboxStatus(addr, ftest.DefaultUser, ftest.DefaultPass)
	require.NoError(t, err)

	assert.Equal(t, "INBOX", status.Mailbox)
	assert.Equal(t, uint32(2), status.Messages)
	assert.NotZero(t, status.UIDValidity)
}

func TestInboxStatusEmpty(t *testing.T) {
	addr, _ := ftest.StartIMAPServer(t, nil)

	status, err := InboxStatus(addr, ftest.DefaultUser, ftest.DefaultPass)
	require.NoError(t, err)
	assert.Zero(t, status.Messages)
}

func TestInboxStatusBadCredentials(t *testing.T) {
	addr, _ := ftest.StartIMAPServer(t, nil)

	_, err := InboxStatus(addr, ftest.DefaultUser, "wrongpass")
	assert.Error(t, err)
}

func TestInboxStatusUnreachable(t *testing.T) {
	_, err := InboxStatus("127.0.0.1:1", ftest.DefaultUser, ftest.DefaultPass)
	assert.Error(t, err)
}
