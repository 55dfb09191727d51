package scenario

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdelfour/mailprobe/ftest"
)

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// stackEnv boots an in-process SMTP+IMAP pair wired together: mail accepted
// over SMTP lands both on disk and in the IMAP user's INBOX.
func stackEnv(t *testing.T, authResults string) Env {
	t.Helper()

	imapAddr, user := ftest.StartIMAPServer(t, nil)

	maildirRoot := t.TempDir()
	smtpAddr := ftest.StartSMTPServer(t, ftest.SMTPOptions{
		MaildirRoot: maildirRoot,
		Mailstore:   user,
		AuthResults: authResults,
	})

	smtpHost, smtpPort := splitAddr(t, smtpAddr)
	imapHost, imapPort := splitAddr(t, imapAddr)

	return Env{
		SMTPHost:     smtpHost,
		SMTPPort:     smtpPort,
		IMAPHost:     imapHost,
		IMAPPort:     imapPort,
		User:         ftest.DefaultUser,
		Pass:         ftest.DefaultPass,
		From:         "sender@example.com",
		To:           ftest.DefaultUser,
		AuthProbeTo:  "admin@delfour.co",
		MaildirRoots: []string{maildirRoot},
		Wait:         100 * time.Millisecond,
		Deadline:     5 * time.Second,
	}
}

func runOne(t *testing.T, sc Scenario) (Result, string) {
	t.Helper()

	var out bytes.Buffer
	runner := &Runner{Out: &out, Deadline: 30 * time.Second}
	result := runner.Run(context.Background(), sc)
	return result, out.String()
}

func TestRoundTripScenario(t *testing.T) {
	env := stackEnv(t, "")

	result, out := runOne(t, RoundTrip(env))
	assert.True(t, result.Passed, "output:\n%s", out)
	for _, step := range result.Steps {
		assert.Equal(t, StepPassed, step.Status, "step %q: %v", step.Name, step.Err)
	}
}

func TestSessionFlowScenario(t *testing.T) {
	env := stackEnv(t, "")

	// Seed one message through the SMTP front door so FETCH 1:* has
	// something to return.
	seed, out := runOne(t, RoundTrip(env))
	require.True(t, seed.Passed, "seeding round trip failed:\n%s", out)

	result, out := runOne(t, SessionFlow(env))
	assert.True(t, result.Passed, "output:\n%s", out)
}

func TestRejectBadLoginScenario(t *testing.T) {
	env := stackEnv(t, "")

	result, out := runOne(t, RejectBadLogin(env))
	assert.True(t, result.Passed, "output:\n%s", out)
}

func TestRejectBadLoginIsIdempotent(t *testing.T) {
	env := stackEnv(t, "")

	// Rejection must hold on every repeat against the same stack, not
	// just on a fresh one.
	for i := 0; i < 2; i++ {
		result, out := runOne(t, RejectBadLogin(env))
		require.True(t, result.Passed, "run %d output:\n%s", i+1, out)
	}

	// Failed logins must leave no server-side state behind: a valid
	// login on a fresh session against the same server still works.
	seed, out := runOne(t, RoundTrip(env))
	require.True(t, seed.Passed, "round trip after rejected logins failed:\n%s", out)

	result, out := runOne(t, SessionFlow(env))
	assert.True(t, result.Passed, "session flow after rejected logins failed:\n%s", out)
}

func TestAuthResultsHeaderScenario(t *testing.T) {
	env := stackEnv(t, "mx.delfour.co; spf=pass smtp.mailfrom=example.com; dkim=pass header.d=example.com")

	result, out := runOne(t, AuthResultsHeader(env))
	assert.True(t, result.Passed, "output:\n%s", out)
}

func TestAuthResultsHeaderScenarioFailsWithoutHeader(t *testing.T) {
	env := stackEnv(t, "")

	result, out := runOne(t, AuthResultsHeader(env))
	assert.False(t, result.Passed, "output:\n%s", out)

	// The submission itself succeeds; the header assertion is what fails.
	var failed string
	for _, step := range result.Steps {
		if step.Status == StepFailed {
			failed = step.Name
		}
	}
	assert.Equal(t, "authentication results header", failed)
}

func TestRoundTripScenarioFailsOnBadPassword(t *testing.T) {
	env := stackEnv(t, "")
	env.Pass = "not-the-password"

	result, _ := runOne(t, RoundTrip(env))
	assert.False(t, result.Passed)

	var failed string
	for _, step := range result.Steps {
		if step.Status == StepFailed {
			failed = step.Name
			break
		}
	}
	assert.Equal(t, "login", failed)
}

func TestCatalogOrder(t *testing.T) {
	catalog := Catalog(Env{})
	require.Len(t, catalog, 4)
	assert.Equal(t, "smtp-imap-roundtrip", catalog[0].Name)
	assert.Equal(t, "imap-session-flow", catalog[1].Name)
	assert.Equal(t, "imap-reject-bad-login", catalog[2].Name)
	assert.Equal(t, "auth-results-header", catalog[3].Name)
}
