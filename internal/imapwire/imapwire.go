// Package imapwire paces tagged IMAP exchanges over a raw line session.
package imapwire

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kdelfour/mailprobe/internal/facts"
	"github.com/kdelfour/mailprobe/internal/lineproto"
)

var (
	// ErrTimeout is reported when no tagged completion arrives within the
	// exchange deadline.
	ErrTimeout = errors.New("imapwire: no tagged completion within deadline")
	// ErrTagMismatch is reported when the server completes a tag the client
	// never issued for this exchange. This is a protocol violation, never
	// ignored.
	ErrTagMismatch = errors.New("imapwire: completion for unexpected tag")
)

// Correlator hands out command tags. Tags are strictly increasing within a
// session and never reused.
type Correlator struct {
	next int
}

// NewCorrelator returns a Correlator whose first tag is A001.
func NewCorrelator() *Correlator {
	return &Correlator{next: 1}
}

// NextTag returns the next tag and advances the counter.
func (c *Correlator) NextTag() string {
	tag := fmt.Sprintf("A%03d", c.next)
	c.next++
	return tag
}

var taggedLinePattern = regexp.MustCompile(`^(A\d{3}) (OK|NO|BAD)\b`)

// Conn drives one IMAP session: it tags outbound commands and reads until
// the matching completion line arrives.
type Conn struct {
	sess *lineproto.Session
	tags *Correlator

	// ReceiveSize bounds each read. FETCH responses carry whole message
	// bodies, so this should be generous.
	ReceiveSize int
	// Wait bounds each individual receive call.
	Wait time.Duration
	// Deadline bounds a whole exchange across repeated receives.
	Deadline time.Duration
}

// NewConn wraps an open session.
func NewConn(sess *lineproto.Session) *Conn {
	return &Conn{
		sess:        sess,
		tags:        NewCorrelator(),
		ReceiveSize: 16384,
		Wait:        500 * time.Millisecond,
		Deadline:    10 * time.Second,
	}
}

// Greeting reads the server's untagged greeting line.
func (c *Conn) Greeting(ctx context.Context) (string, error) {
	deadline := time.Now().Add(c.Deadline)
	var buf strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return buf.String(), err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf.String(), errors.Wrap(ErrTimeout, "waiting for greeting")
		}
		chunk, err := c.sess.Receive(c.ReceiveSize, minDuration(c.Wait, remaining))
		if err != nil && !errors.Is(err, lineproto.ErrTimeout) {
			return buf.String(), err
		}
		buf.WriteString(chunk)
		for _, line := range completeLines(buf.String()) {
			if strings.HasPrefix(line, "* ") {
				return buf.String(), nil
			}
		}
	}
}

// Exchange sends "<tag> <verb>" and reads until a line beginning with the
// issued tag completes the command. Untagged "*" lines received before the
// completion are kept in the returned response text; FETCH, LIST and EXISTS
// data all arrive untagged.
func (c *Conn) Exchange(ctx context.Context, verb string) (tag, response string, err error) {
	tag = c.tags.NextTag()
	if err := c.sess.Send(tag + " " + verb); err != nil {
		return tag, "", err
	}

	deadline := time.Now().Add(c.Deadline)
	var buf strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return tag, buf.String(), err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return tag, buf.String(), errors.Wrapf(ErrTimeout, "command %q", verb)
		}

		chunk, err := c.sess.Receive(c.ReceiveSize, minDuration(c.Wait, remaining))
		if err != nil {
			if errors.Is(err, lineproto.ErrTimeout) {
				continue
			}
			return tag, buf.String(), err
		}
		buf.WriteString(chunk)

		response = buf.String()
		for _, line := range completeLines(response) {
			match := taggedLinePattern.FindStringSubmatch(line)
			if match == nil {
				continue
			}
			if match[1] != tag {
				return tag, response, errors.Wrapf(ErrTagMismatch,
					"sent %s, server completed %s", tag, match[1])
			}
			return tag, response, nil
		}
	}
}

// ExchangeOK runs Exchange and additionally requires a tagged OK completion.
func (c *Conn) ExchangeOK(ctx context.Context, verb string) (string, error) {
	tag, response, err := c.Exchange(ctx, verb)
	if err != nil {
		return response, err
	}
	if status, _ := facts.TaggedStatus(response, tag); status != facts.StatusOK {
		return response, errors.Errorf("command %q completed %s", verb, status)
	}
	return response, nil
}

// completeLines returns only the fully received lines of text, dropping a
// trailing partial line. Completion checks must not fire on half a tag.
func completeLines(text string) []string {
	idx := strings.LastIndexByte(text, '\n')
	if idx < 0 {
		return nil
	}
	return facts.Lines(text[:idx+1])
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
