// Package facts extracts structured facts from raw mail protocol responses.
//
// Everything in here is a pure function over response text. Protocol quirks
// (EXISTS counts, tagged completions, folded headers) are handled in one
// place so scenarios never pattern-match on the wire format themselves.
package facts

import (
	"regexp"
	"strconv"
	"strings"
)

// Status is the tagged completion result of an IMAP command.
type Status string

const (
	StatusOK  Status = "OK"
	StatusNo  Status = "NO"
	StatusBad Status = "BAD"
)

var existsPattern = regexp.MustCompile(`\* (\d+) EXISTS`)

// MessageCount extracts N from an untagged "* N EXISTS" line. The second
// return value is false when no such line is present.
func MessageCount(response string) (int, bool) {
	match := existsPattern.FindStringSubmatch(response)
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// TaggedStatus finds the completion line for tag and returns its status.
// Only a line that begins with the exact tag counts; an "OK" inside a
// message body never does.
func TaggedStatus(response, tag string) (Status, bool) {
	for _, line := range Lines(response) {
		rest, found := strings.CutPrefix(line, tag+" ")
		if !found {
			continue
		}
		word, _, _ := strings.Cut(rest, " ")
		switch Status(word) {
		case StatusOK, StatusNo, StatusBad:
			return Status(word), true
		}
	}
	return "", false
}

// IsOK reports whether the completion line for tag carries OK.
func IsOK(response, tag string) bool {
	status, found := TaggedStatus(response, tag)
	return found && status == StatusOK
}

// ContainsToken reports whether needle occurs in text. Case-preserving.
func ContainsToken(text, needle string) bool {
	return strings.Contains(text, needle)
}

// ApproximateMessageCount counts untagged data lines (those beginning with
// "* ") in a response. It is an approximation: any untagged informational
// line inflates the count. A response with no untagged lines yields 0; the
// count is never negative.
func ApproximateMessageCount(response string) int {
	count := 0
	for _, line := range Lines(response) {
		if strings.HasPrefix(line, "* ") {
			count++
		}
	}
	return count
}

// AuthenticationResults returns the Authentication-Results header block of a
// raw RFC 822 message, including folded continuation lines, without the
// header name. The second return value is false when the header is absent.
func AuthenticationResults(raw string) (string, bool) {
	header := headerSection(raw)

	var block []string
	inBlock := false
	for _, line := range Lines(header) {
		if inBlock {
			if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
				block = append(block, strings.TrimSpace(line))
				continue
			}
			break
		}
		if rest, found := cutPrefixFold(line, "Authentication-Results:"); found {
			block = append(block, strings.TrimSpace(rest))
			inBlock = true
		}
	}
	if !inBlock {
		return "", false
	}
	return strings.Join(block, " "), true
}

// HasAuthResult reports whether the Authentication-Results header of raw
// contains token (e.g. "spf=" or "dkim="), case-insensitively, anywhere in
// its folded continuation lines.
func HasAuthResult(raw, token string) bool {
	block, found := AuthenticationResults(raw)
	if !found {
		return false
	}
	return strings.Contains(strings.ToLower(block), strings.ToLower(token))
}

// Lines splits response text into lines, tolerating both CRLF and bare LF,
// and drops a trailing empty line.
func Lines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}

func headerSection(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	header, _, _ := strings.Cut(normalized, "\n\n")
	return header
}

func cutPrefixFold(line, prefix string) (string, bool) {
	if len(line) < len(prefix) {
		return "", false
	}
	if !strings.EqualFold(line[:len(prefix)], prefix) {
		return "", false
	}
	return line[len(prefix):], true
}
