// Package ftest boots throwaway in-process SMTP and IMAP servers for
// functional tests, so scenarios can run end to end without any
// external mail stack.
package ftest

import (
	"bytes"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/emersion/go-maildir"
	"github.com/emersion/go-smtp"
	"github.com/pkg/errors"
)

const (
	DefaultUser = "test@example.com"
	DefaultPass = "password123"
)

type literalReader struct {
	*bytes.Reader
}

func (r literalReader) Size() int64 {
	return r.Reader.Size()
}

// StartIMAPServer runs an in-memory IMAP server on a loopback port,
// pre-seeded with rawMessages in DefaultUser's INBOX. It returns the
// listen address and the backing user so tests can append more mail
// mid-flight.
func StartIMAPServer(t *testing.T, rawMessages []string) (string, *imapmemserver.User) {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(DefaultUser, DefaultPass)
	memServer.AddUser(user)

	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("creating INBOX: %v", err)
	}
	for _, raw := range rawMessages {
		AppendMessage(t, user, raw)
	}

	server := imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		InsecureAuth: true,
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	return listener.Addr().String(), user
}

// AppendMessage stores one raw RFC 822 message in the user's INBOX.
func AppendMessage(t *testing.T, user *imapmemserver.User, raw string) {
	t.Helper()

	literal := literalReader{bytes.NewReader([]byte(raw))}
	_, err := user.Append("INBOX", literal, &imap.AppendOptions{Time: time.Now()})
	if err != nil {
		t.Fatalf("appending message: %v", err)
	}
}

// SMTPOptions controls where the fake SMTP server delivers accepted mail.
type SMTPOptions struct {
	// MaildirRoot, when set, receives one maildir per recipient at
	// <root>/<recipient>/{new,cur,tmp}.
	MaildirRoot string

	// Mailstore, when set, also gets every accepted message appended
	// to its INBOX.
	Mailstore *imapmemserver.User

	// AuthResults, when set, is prepended to every delivered message
	// as an Authentication-Results header.
	AuthResults string
}

// StartSMTPServer runs a plaintext SMTP server on a loopback port and
// returns its listen address.
func StartSMTPServer(t *testing.T, opts SMTPOptions) string {
	t.Helper()

	backend := &smtpBackend{opts: opts}
	server := smtp.NewServer(backend)
	server.Domain = "localhost"
	server.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	return listener.Addr().String()
}

type smtpBackend struct {
	opts SMTPOptions
}

func (b *smtpBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{opts: b.opts}, nil
}

type smtpSession struct {
	opts  SMTPOptions
	from  string
	rcpts []string
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.opts.AuthResults != "" {
		stamped := make([]byte, 0, len(body)+len(s.opts.AuthResults)+32)
		stamped = append(stamped, "Authentication-Results: "...)
		stamped = append(stamped, s.opts.AuthResults...)
		stamped = append(stamped, "\r\n"...)
		stamped = append(stamped, body...)
		body = stamped
	}

	for _, rcpt := range s.rcpts {
		if err := s.deliver(rcpt, body); err != nil {
			return err
		}
	}
	return nil
}

func (s *smtpSession) deliver(rcpt string, body []byte) error {
	if s.opts.MaildirRoot != "" {
		dir := maildir.Dir(filepath.Join(s.opts.MaildirRoot, rcpt))
		if err := dir.Init(); err != nil {
			return errors.Wrapf(err, "initializing maildir for %s", rcpt)
		}
		delivery, err := maildir.NewDelivery(string(dir))
		if err != nil {
			return errors.Wrapf(err, "opening delivery for %s", rcpt)
		}
		if _, err := delivery.Write(body); err != nil {
			_ = delivery.Abort()
			return errors.Wrapf(err, "writing delivery for %s", rcpt)
		}
		if err := delivery.Close(); err != nil {
			return errors.Wrapf(err, "closing delivery for %s", rcpt)
		}
	}

	if s.opts.Mailstore != nil {
		literal := literalReader{bytes.NewReader(body)}
		if _, err := s.opts.Mailstore.Append("INBOX", literal, &imap.AppendOptions{Time: time.Now()}); err != nil {
			return errors.Wrap(err, "appending to mailstore")
		}
	}
	return nil
}

func (s *smtpSession) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *smtpSession) Logout() error {
	return nil
}
