// Package smtpwire drives a raw SMTP submission over a line session.
//
// Replies are single status-code lines, except EHLO which continues with
// "250-" lines; a reply is complete once a line carries the code followed by
// a space.
package smtpwire

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kdelfour/mailprobe/internal/facts"
	"github.com/kdelfour/mailprobe/internal/lineproto"
)

// ErrUnexpectedReply is reported when the server answers with a status code
// other than the one the exchange requires.
var ErrUnexpectedReply = errors.New("smtpwire: unexpected reply")

// Envelope is one message submission.
type Envelope struct {
	From string
	To   []string
	// Data is the full RFC 822 message. Lines may use LF or CRLF; the
	// client normalizes and dot-stuffs before sending.
	Data string
}

// Client drives SMTP commands over an open session.
type Client struct {
	sess *lineproto.Session

	ReceiveSize int
	Wait        time.Duration
	Deadline    time.Duration
}

// NewClient wraps an open session.
func NewClient(sess *lineproto.Session) *Client {
	return &Client{
		sess:        sess,
		ReceiveSize: lineproto.DefaultReceiveSize,
		Wait:        500 * time.Millisecond,
		Deadline:    10 * time.Second,
	}
}

// Greeting reads the server banner and requires a 220.
func (c *Client) Greeting(ctx context.Context) (string, error) {
	return c.readReply(ctx, "220")
}

// Hello issues EHLO and consumes the multi-line capability reply.
func (c *Client) Hello(ctx context.Context, name string) error {
	_, err := c.cmd(ctx, "EHLO "+name, "250")
	return err
}

// Submit runs the MAIL FROM / RCPT TO / DATA sequence for env.
func (c *Client) Submit(ctx context.Context, env Envelope) error {
	if _, err := c.cmd(ctx, "MAIL FROM:<"+env.From+">", "250"); err != nil {
		return err
	}
	for _, rcpt := range env.To {
		if _, err := c.cmd(ctx, "RCPT TO:<"+rcpt+">", "250"); err != nil {
			return err
		}
	}
	if _, err := c.cmd(ctx, "DATA", "354"); err != nil {
		return err
	}
	if err := c.sess.SendRaw(dotStuff(env.Data)); err != nil {
		return err
	}
	if _, err := c.readReply(ctx, "250"); err != nil {
		return err
	}
	return nil
}

// Quit ends the session politely. A missing 221 is not fatal to the
// submission that already completed.
func (c *Client) Quit(ctx context.Context) {
	_, _ = c.cmd(ctx, "QUIT", "221")
}

func (c *Client) cmd(ctx context.Context, line, wantCode string) (string, error) {
	if err := c.sess.Send(line); err != nil {
		return "", err
	}
	return c.readReply(ctx, wantCode)
}

// readReply accumulates chunks until the final reply line (status code not
// continued by "-") arrives, then checks the code.
func (c *Client) readReply(ctx context.Context, wantCode string) (string, error) {
	deadline := time.Now().Add(c.Deadline)
	var buf strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return buf.String(), err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf.String(), errors.Wrapf(lineproto.ErrTimeout,
				"awaiting %s reply to %q", wantCode, c.sess.LastCommand())
		}

		wait := c.Wait
		if remaining < wait {
			wait = remaining
		}
		chunk, err := c.sess.Receive(c.ReceiveSize, wait)
		if err != nil {
			if errors.Is(err, lineproto.ErrTimeout) {
				continue
			}
			return buf.String(), err
		}
		buf.WriteString(chunk)

		reply := buf.String()
		if code, done := finalReplyCode(reply); done {
			if code != wantCode {
				return reply, errors.Wrapf(ErrUnexpectedReply,
					"want %s, got %s (%q)", wantCode, code, strings.TrimSpace(reply))
			}
			return reply, nil
		}
	}
}

// finalReplyCode scans the complete lines of reply for the terminal status
// line: three digits followed by a space or end of line, not a dash.
func finalReplyCode(reply string) (string, bool) {
	idx := strings.LastIndexByte(reply, '\n')
	if idx < 0 {
		return "", false
	}
	for _, line := range facts.Lines(reply[:idx+1]) {
		if len(line) < 3 || !isDigits(line[:3]) {
			continue
		}
		if len(line) == 3 || line[3] == ' ' {
			return line[:3], true
		}
	}
	return "", false
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// dotStuff normalizes data to CRLF line endings, escapes leading dots, and
// appends the terminating "." line.
func dotStuff(data string) []byte {
	normalized := strings.ReplaceAll(data, "\r\n", "\n")
	lines := strings.Split(normalized, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	var buf strings.Builder
	for _, line := range lines {
		if strings.HasPrefix(line, ".") {
			buf.WriteString(".")
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	buf.WriteString(".\r\n")
	return []byte(buf.String())
}
