// Package compose builds the test messages the harness submits.
package compose

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

// BodyMarker is the phrase every test message body carries. Retrieval checks
// look for it verbatim.
const BodyMarker = "full stack is working"

const subjectPrefix = "E2E Test Email - "

// Subject returns the unique subject line for a test message sent at now.
func Subject(now time.Time) string {
	return subjectPrefix + now.Format("2006-01-02 15:04:05")
}

// Body returns the test message body.
func Body() string {
	return strings.Join([]string{
		"Hello!",
		"",
		"This is an end-to-end test email.",
		"",
		"If you can read this, SMTP reception, maildir storage and IMAP",
		"retrieval are all in good shape.",
		"",
		"Congratulations! The " + BodyMarker + ".",
		"",
		"Best regards,",
		"The mailprobe suite",
	}, "\r\n")
}

// TestMessage renders the raw RFC 822 test message used for wire-level
// submission. CRLF line endings throughout.
func TestMessage(from, to string, now time.Time) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", Subject(now))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	buf.WriteString("\r\n")
	buf.WriteString(Body())
	buf.WriteString("\r\n")
	return buf.String()
}

// WriteTestMessage writes the test message to w using the message library,
// for submissions that go through a real SMTP client rather than the raw
// wire driver.
func WriteTestMessage(w io.Writer, from, to string, now time.Time) error {
	var header mail.Header
	header.SetDate(now)
	header.SetAddressList("From", []*mail.Address{{Address: from}})
	header.SetAddressList("To", []*mail.Address{{Address: to}})
	header.SetSubject(Subject(now))

	body, err := mail.CreateSingleInlineWriter(w, header)
	if err != nil {
		return errors.Wrap(err, "creating message writer")
	}
	if _, err := io.WriteString(body, Body()); err != nil {
		return errors.Wrap(err, "writing message body")
	}
	return errors.Wrap(body.Close(), "finishing message")
}
