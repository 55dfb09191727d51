package mailbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMessage(t *testing.T, root, recipient, name, body string, mtime time.Time) string {
	t.Helper()

	dir := filepath.Join(root, recipient, "new")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestLatestPicksNewestFile(t *testing.T) {
	root := t.TempDir()
	base := time.Now().Add(-time.Hour)

	writeMessage(t, root, "admin@delfour.co", "1000.old", "old body", base)
	newest := writeMessage(t, root, "admin@delfour.co", "2000.new", "new body", base.Add(time.Minute))
	writeMessage(t, root, "admin@delfour.co", "1500.mid", "mid body", base.Add(30*time.Second))

	inspector := Inspector{Roots: []string{root}}
	msg, err := inspector.Latest("admin@delfour.co")
	require.NoError(t, err)

	assert.Equal(t, newest, msg.Path)
	assert.Equal(t, "new body", string(msg.Raw))
	assert.Equal(t, "admin@delfour.co", msg.Recipient)
	assert.WithinDuration(t, base.Add(time.Minute), msg.ModTime, time.Second)
}

func TestLatestFallsBackAcrossRoots(t *testing.T) {
	primary := t.TempDir()
	secondary := t.TempDir()

	writeMessage(t, secondary, "admin@delfour.co", "3000.msg", "from fallback", time.Now())

	inspector := Inspector{Roots: []string{primary, secondary}}
	msg, err := inspector.Latest("admin@delfour.co")
	require.NoError(t, err)
	assert.Equal(t, "from fallback", string(msg.Raw))
}

func TestLatestPrefersEarlierRoot(t *testing.T) {
	primary := t.TempDir()
	secondary := t.TempDir()

	// The secondary copy is newer, but root order wins.
	writeMessage(t, primary, "admin@delfour.co", "1.msg", "primary", time.Now().Add(-time.Hour))
	writeMessage(t, secondary, "admin@delfour.co", "2.msg", "secondary", time.Now())

	inspector := Inspector{Roots: []string{primary, secondary}}
	msg, err := inspector.Latest("admin@delfour.co")
	require.NoError(t, err)
	assert.Equal(t, "primary", string(msg.Raw))
}

func TestLatestSkipsEmptyDirectory(t *testing.T) {
	primary := t.TempDir()
	secondary := t.TempDir()

	// An existing but empty maildir in the primary root must not shadow
	// the secondary.
	require.NoError(t, os.MkdirAll(filepath.Join(primary, "admin@delfour.co", "new"), 0o755))
	writeMessage(t, secondary, "admin@delfour.co", "1.msg", "found", time.Now())

	inspector := Inspector{Roots: []string{primary, secondary}}
	msg, err := inspector.Latest("admin@delfour.co")
	require.NoError(t, err)
	assert.Equal(t, "found", string(msg.Raw))
}

func TestLatestIgnoresSubdirectories(t *testing.T) {
	root := t.TempDir()
	writeMessage(t, root, "admin@delfour.co", "1.msg", "real", time.Now().Add(-time.Minute))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "admin@delfour.co", "new", "nested"), 0o755))

	inspector := Inspector{Roots: []string{root}}
	msg, err := inspector.Latest("admin@delfour.co")
	require.NoError(t, err)
	assert.Equal(t, "real", string(msg.Raw))
}

func TestLatestNotFound(t *testing.T) {
	inspector := Inspector{Roots: []string{t.TempDir(), t.TempDir()}}

	_, err := inspector.Latest("nobody@delfour.co")
	assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
}

func TestLatestCustomSubdir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "admin@delfour.co", "cur")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.msg"), []byte("seen"), 0o644))

	inspector := Inspector{Roots: []string{root}, Subdir: "cur"}
	msg, err := inspector.Latest("admin@delfour.co")
	require.NoError(t, err)
	assert.Equal(t, "seen", string(msg.Raw))
}
