// Package imapcheck verifies mailbox state through a real IMAP client
// library, as a cross-check on the raw wire harness.
package imapcheck

import (
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
)

// Status is a library-level view of the INBOX.
type Status struct {
	Mailbox     string
	Messages    uint32
	UIDValidity uint32
}

// InboxStatus dials addr in plaintext, logs in, selects INBOX and reports
// its state. The stack under test listens without TLS on its dev ports.
func InboxStatus(addr, user, pass string) (*Status, error) {
	client, err := imapclient.DialInsecure(addr, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	defer client.Close()

	if err := client.Login(user, pass).Wait(); err != nil {
		return nil, errors.Wrapf(err, "logging in as %s", user)
	}

	selected, err := client.Select("INBOX", nil).Wait()
	if err != nil {
		return nil, errors.Wrap(err, "selecting INBOX")
	}

	status := &Status{
		Mailbox:     "INBOX",
		Messages:    selected.NumMessages,
		UIDValidity: selected.UIDValidity,
	}

	if err := client.Logout().Wait(); err != nil {
		return status, errors.Wrap(err, "logging out")
	}
	return status, nil
}
