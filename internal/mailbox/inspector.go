// Package mailbox reads delivered messages from an on-disk maildir layout.
//
// The mail system under test writes one file per delivered message under
// <root>/<recipient>/new. The inspector is read-only and best-effort:
// concurrent delivery is tolerated by always picking the newest file.
package mailbox

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is reported when no message exists for the recipient under any
// configured root.
var ErrNotFound = errors.New("mailbox: no message found")

// Message is one delivered message read from disk.
type Message struct {
	Recipient string
	Path      string
	ModTime   time.Time
	Raw       []byte
}

// Inspector locates messages in per-recipient maildir directories. Roots are
// tried in order; the first root containing a non-empty directory for the
// recipient wins.
type Inspector struct {
	// Roots are candidate maildir base directories. The secondary entries
	// exist only for local development layouts; deployments should configure
	// a single root.
	Roots []string
	// Subdir is the per-recipient subdirectory holding freshly delivered
	// messages. Defaults to "new".
	Subdir string
}

// Latest returns the most recently modified message file for recipient,
// fully read into memory. Modification time stands in for creation time:
// delivered maildir files are written once and never touched, and Go has no
// portable birth-time stat.
func (in Inspector) Latest(recipient string) (*Message, error) {
	subdir := in.Subdir
	if subdir == "" {
		subdir = "new"
	}

	for _, root := range in.Roots {
		dir := filepath.Join(root, recipient, subdir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "listing %s", dir)
		}

		var (
			newestPath string
			newestTime time.Time
		)
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return nil, errors.Wrapf(err, "stat %s", filepath.Join(dir, entry.Name()))
			}
			if newestPath == "" || info.ModTime().After(newestTime) {
				newestPath = filepath.Join(dir, entry.Name())
				newestTime = info.ModTime()
			}
		}
		if newestPath == "" {
			continue
		}

		raw, err := os.ReadFile(newestPath)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", newestPath)
		}
		return &Message{
			Recipient: recipient,
			Path:      newestPath,
			ModTime:   newestTime,
			Raw:       raw,
		}, nil
	}

	return nil, errors.Wrapf(ErrNotFound, "recipient %s under %v", recipient, in.Roots)
}
