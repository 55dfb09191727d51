package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kdelfour/mailprobe/internal/compose"
	"github.com/kdelfour/mailprobe/internal/facts"
	"github.com/kdelfour/mailprobe/internal/imapwire"
	"github.com/kdelfour/mailprobe/internal/lineproto"
	"github.com/kdelfour/mailprobe/internal/mailbox"
	"github.com/kdelfour/mailprobe/internal/smtpwire"
)

// Env carries everything the canonical scenarios need to reach the stack
// under test.
type Env struct {
	SMTPHost string
	SMTPPort int
	IMAPHost string
	IMAPPort int

	// User and Pass authenticate the IMAP retrieval session.
	User string
	Pass string

	// From and To are the round-trip submission envelope; To must be a
	// mailbox User can read.
	From string
	To   string

	// AuthProbeTo receives the message whose on-disk copy is checked for an
	// Authentication-Results header.
	AuthProbeTo string

	// MaildirRoots are tried in order when inspecting delivered mail.
	MaildirRoots []string

	// Wait bounds one receive call, Deadline one command exchange.
	Wait     time.Duration
	Deadline time.Duration

	Logger *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Env) smtpClient(sess *lineproto.Session) *smtpwire.Client {
	c := smtpwire.NewClient(sess)
	if e.Wait > 0 {
		c.Wait = e.Wait
	}
	if e.Deadline > 0 {
		c.Deadline = e.Deadline
	}
	return c
}

func (e Env) imapConn(sess *lineproto.Session) *imapwire.Conn {
	c := imapwire.NewConn(sess)
	if e.Wait > 0 {
		c.Wait = e.Wait
	}
	if e.Deadline > 0 {
		c.Deadline = e.Deadline
	}
	return c
}

func (e Env) dial(ctx context.Context, cleanup *Cleanup, host string, port int) (*lineproto.Session, error) {
	sess, err := lineproto.Dial(ctx, host, port, lineproto.WithLogger(e.logger()))
	if err != nil {
		return nil, err
	}
	cleanup.Add(func() { _ = sess.Close() })
	return sess, nil
}

// Catalog returns the canonical scenarios in execution order.
func Catalog(env Env) []Scenario {
	return []Scenario{
		RoundTrip(env),
		SessionFlow(env),
		RejectBadLogin(env),
		AuthResultsHeader(env),
	}
}

// Named returns the catalog scenarios matching names, in catalog order. An
// unknown name is an error; an empty list selects everything.
func Named(env Env, names []string) ([]Scenario, error) {
	catalog := Catalog(env)
	if len(names) == 0 {
		return catalog, nil
	}

	known := make(map[string]bool, len(catalog))
	for _, sc := range catalog {
		known[sc.Name] = true
	}
	for _, name := range names {
		if !known[name] {
			return nil, errors.Errorf("unknown scenario %q", name)
		}
	}

	selected := make([]Scenario, 0, len(names))
	for _, sc := range catalog {
		for _, name := range names {
			if sc.Name == name {
				selected = append(selected, sc)
				break
			}
		}
	}
	return selected, nil
}

// RoundTrip submits a uniquely-tagged message over raw SMTP, then retrieves
// it over a separate raw IMAP session and checks the subject and body marker
// came through verbatim.
func RoundTrip(env Env) Scenario {
	return Scenario{
		Name: "smtp-imap-roundtrip",
		Steps: func(ctx context.Context, cleanup *Cleanup) ([]Step, error) {
			now := time.Now()
			subject := compose.Subject(now)
			message := compose.TestMessage(env.From, env.To, now)

			var (
				smtpSess *lineproto.Session
				imapSess *lineproto.Session
				imap     *imapwire.Conn
				count    int
			)

			return []Step{
				{
					Name:   "connect smtp",
					Expect: "220 greeting",
					Do: func(ctx context.Context) (string, error) {
						sess, err := env.dial(ctx, cleanup, env.SMTPHost, env.SMTPPort)
						if err != nil {
							return "", err
						}
						smtpSess = sess
						greeting, err := env.smtpClient(sess).Greeting(ctx)
						if err != nil {
							return "", wireErr(sess, err)
						}
						return firstLine(greeting), nil
					},
				},
				{
					Name:   "submit message",
					Expect: "message accepted for " + env.To,
					Do: func(ctx context.Context) (string, error) {
						client := env.smtpClient(smtpSess)
						if err := client.Hello(ctx, "mailprobe"); err != nil {
							return "", wireErr(smtpSess, err)
						}
						err := client.Submit(ctx, smtpwire.Envelope{
							From: env.From,
							To:   []string{env.To},
							Data: message,
						})
						if err != nil {
							return "", wireErr(smtpSess, err)
						}
						client.Quit(ctx)
						return fmt.Sprintf("subject %q accepted", subject), nil
					},
				},
				{
					Name:   "connect imap",
					Expect: "untagged greeting",
					Do: func(ctx context.Context) (string, error) {
						sess, err := env.dial(ctx, cleanup, env.IMAPHost, env.IMAPPort)
						if err != nil {
							return "", err
						}
						imapSess = sess
						imap = env.imapConn(sess)
						greeting, err := imap.Greeting(ctx)
						if err != nil {
							return "", wireErr(sess, err)
						}
						return firstLine(greeting), nil
					},
				},
				{
					Name:   "login",
					Expect: "tagged OK",
					Do: func(ctx context.Context) (string, error) {
						_, err := imap.ExchangeOK(ctx, "LOGIN "+env.User+" "+env.Pass)
						if err != nil {
							return "", wireErr(imapSess, err)
						}
						return "logged in as " + env.User, nil
					},
				},
				{
					Name:   "select inbox",
					Expect: "tagged OK with EXISTS >= 1",
					Do: func(ctx context.Context) (string, error) {
						response, err := imap.ExchangeOK(ctx, "SELECT INBOX")
						if err != nil {
							return "", wireErr(imapSess, err)
						}
						n, found := facts.MessageCount(response)
						if err := Check(found, "an untagged EXISTS line", excerpt(response)); err != nil {
							return "", err
						}
						if err := Check(n >= 1, "EXISTS >= 1", fmt.Sprintf("EXISTS = %d", n)); err != nil {
							return "", err
						}
						count = n
						return fmt.Sprintf("%d messages", n), nil
					},
				},
				{
					Name:   "fetch latest message",
					Expect: fmt.Sprintf("body contains %q and %q", subject, compose.BodyMarker),
					Do: func(ctx context.Context) (string, error) {
						response, err := imap.ExchangeOK(ctx, fmt.Sprintf("FETCH %d BODY[]", count))
						if err != nil {
							return "", wireErr(imapSess, err)
						}
						if err := Check(facts.ContainsToken(response, subject),
							fmt.Sprintf("subject %q in fetched content", subject), excerpt(response)); err != nil {
							return "", err
						}
						if err := Check(facts.ContainsToken(response, compose.BodyMarker),
							fmt.Sprintf("marker %q in fetched content", compose.BodyMarker), excerpt(response)); err != nil {
							return "", err
						}
						return "subject and marker present", nil
					},
				},
				{
					Name:   "logout",
					Expect: "tagged OK",
					Do: func(ctx context.Context) (string, error) {
						_, err := imap.ExchangeOK(ctx, "LOGOUT")
						if err != nil {
							return "", wireErr(imapSess, err)
						}
						return "", nil
					},
				},
			}, nil
		},
	}
}

// SessionFlow walks a full authenticated IMAP session: LOGIN, SELECT,
// FETCH 1:*, LIST, LOGOUT, each completing tagged OK.
func SessionFlow(env Env) Scenario {
	return Scenario{
		Name: "imap-session-flow",
		Steps: func(ctx context.Context, cleanup *Cleanup) ([]Step, error) {
			var (
				sess *lineproto.Session
				imap *imapwire.Conn
			)

			return []Step{
				{
					Name:   "connect imap",
					Expect: "untagged greeting",
					Do: func(ctx context.Context) (string, error) {
						s, err := env.dial(ctx, cleanup, env.IMAPHost, env.IMAPPort)
						if err != nil {
							return "", err
						}
						sess = s
						imap = env.imapConn(s)
						greeting, err := imap.Greeting(ctx)
						if err != nil {
							return "", wireErr(s, err)
						}
						return firstLine(greeting), nil
					},
				},
				{
					Name:   "login",
					Expect: "tagged OK",
					Do: func(ctx context.Context) (string, error) {
						_, err := imap.ExchangeOK(ctx, "LOGIN "+env.User+" "+env.Pass)
						return "", wireErr(sess, err)
					},
				},
				{
					Name:   "select inbox",
					Expect: "tagged OK",
					Do: func(ctx context.Context) (string, error) {
						response, err := imap.ExchangeOK(ctx, "SELECT INBOX")
						if err != nil {
							return "", wireErr(sess, err)
						}
						if n, found := facts.MessageCount(response); found {
							return fmt.Sprintf("%d messages", n), nil
						}
						return "", nil
					},
				},
				{
					Name:   "fetch all messages",
					Expect: "tagged OK",
					Do: func(ctx context.Context) (string, error) {
						response, err := imap.ExchangeOK(ctx, "FETCH 1:* BODY[]")
						if err != nil {
							return "", wireErr(sess, err)
						}
						return fmt.Sprintf("~%d data lines", facts.ApproximateMessageCount(response)), nil
					},
				},
				{
					Name:   "list mailboxes",
					Expect: "tagged OK with INBOX listed",
					Do: func(ctx context.Context) (string, error) {
						response, err := imap.ExchangeOK(ctx, `LIST "" "*"`)
						if err != nil {
							return "", wireErr(sess, err)
						}
						if err := Check(facts.ContainsToken(response, "INBOX"),
							"INBOX in LIST response", excerpt(response)); err != nil {
							return "", err
						}
						return "", nil
					},
				},
				{
					Name:   "logout",
					Expect: "tagged OK",
					Do: func(ctx context.Context) (string, error) {
						_, err := imap.ExchangeOK(ctx, "LOGOUT")
						return "", wireErr(sess, err)
					},
				},
			}, nil
		},
	}
}

// RejectBadLogin checks that invalid credentials complete tagged non-OK and
// that the unauthenticated session cannot SELECT afterwards. Running it
// never mutates server-side state, so it is safe to repeat.
func RejectBadLogin(env Env) Scenario {
	return Scenario{
		Name: "imap-reject-bad-login",
		Steps: func(ctx context.Context, cleanup *Cleanup) ([]Step, error) {
			var (
				sess *lineproto.Session
				imap *imapwire.Conn
			)

			return []Step{
				{
					Name:   "connect imap",
					Expect: "untagged greeting",
					Do: func(ctx context.Context) (string, error) {
						s, err := env.dial(ctx, cleanup, env.IMAPHost, env.IMAPPort)
						if err != nil {
							return "", err
						}
						sess = s
						imap = env.imapConn(s)
						greeting, err := imap.Greeting(ctx)
						if err != nil {
							return "", wireErr(s, err)
						}
						return firstLine(greeting), nil
					},
				},
				{
					Name:   "capability",
					Expect: "tagged OK",
					Do: func(ctx context.Context) (string, error) {
						_, err := imap.ExchangeOK(ctx, "CAPABILITY")
						return "", wireErr(sess, err)
					},
				},
				{
					Name:   "noop",
					Expect: "tagged OK",
					Do: func(ctx context.Context) (string, error) {
						_, err := imap.ExchangeOK(ctx, "NOOP")
						return "", wireErr(sess, err)
					},
				},
				{
					Name:   "login with wrong password",
					Expect: "tagged NO",
					Do: func(ctx context.Context) (string, error) {
						tag, response, err := imap.Exchange(ctx, "LOGIN "+env.User+" wrongpass")
						if err != nil {
							return "", wireErr(sess, err)
						}
						status, found := facts.TaggedStatus(response, tag)
						if err := Check(found, "a tagged completion", excerpt(response)); err != nil {
							return "", err
						}
						if err := Check(status != facts.StatusOK,
							"tagged NO or BAD", "tagged "+string(status)); err != nil {
							return "", err
						}
						return "rejected with " + string(status), nil
					},
				},
				{
					Name:   "select without login",
					Expect: "tagged NO or BAD",
					Do: func(ctx context.Context) (string, error) {
						tag, response, err := imap.Exchange(ctx, "SELECT INBOX")
						if err != nil {
							return "", wireErr(sess, err)
						}
						status, found := facts.TaggedStatus(response, tag)
						if err := Check(found, "a tagged completion", excerpt(response)); err != nil {
							return "", err
						}
						if err := Check(status != facts.StatusOK,
							"access denied", "tagged OK"); err != nil {
							return "", err
						}
						return "denied with " + string(status), nil
					},
				},
				{
					Name:   "logout",
					Expect: "tagged completion",
					Do: func(ctx context.Context) (string, error) {
						_, _, err := imap.Exchange(ctx, "LOGOUT")
						return "", wireErr(sess, err)
					},
				},
			}, nil
		},
	}
}

// AuthResultsHeader submits a message and checks the delivered file on disk
// carries an Authentication-Results header with an spf= or dkim= result.
func AuthResultsHeader(env Env) Scenario {
	return Scenario{
		Name: "auth-results-header",
		Steps: func(ctx context.Context, cleanup *Cleanup) ([]Step, error) {
			started := time.Now()
			message := compose.TestMessage(env.From, env.AuthProbeTo, started)
			inspector := mailbox.Inspector{Roots: env.MaildirRoots}

			var (
				sess      *lineproto.Session
				delivered *mailbox.Message
			)

			return []Step{
				{
					Name:   "connect smtp",
					Expect: "220 greeting",
					Do: func(ctx context.Context) (string, error) {
						s, err := env.dial(ctx, cleanup, env.SMTPHost, env.SMTPPort)
						if err != nil {
							return "", err
						}
						sess = s
						greeting, err := env.smtpClient(s).Greeting(ctx)
						if err != nil {
							return "", wireErr(s, err)
						}
						return firstLine(greeting), nil
					},
				},
				{
					Name:   "submit probe message",
					Expect: "message accepted for " + env.AuthProbeTo,
					Do: func(ctx context.Context) (string, error) {
						client := env.smtpClient(sess)
						if err := client.Hello(ctx, "mailprobe"); err != nil {
							return "", wireErr(sess, err)
						}
						err := client.Submit(ctx, smtpwire.Envelope{
							From: env.From,
							To:   []string{env.AuthProbeTo},
							Data: message,
						})
						if err != nil {
							return "", wireErr(sess, err)
						}
						client.Quit(ctx)
						return "accepted", nil
					},
				},
				{
					Name:   "locate delivered message",
					Expect: "a fresh file in the recipient mailbox",
					Do: func(ctx context.Context) (string, error) {
						msg, err := waitForDelivery(ctx, inspector, env.AuthProbeTo, started, env.deliveryDeadline())
						if err != nil {
							return "", err
						}
						delivered = msg
						return msg.Path, nil
					},
				},
				{
					Name:   "authentication results header",
					Expect: "Authentication-Results with spf= and/or dkim=",
					Do: func(ctx context.Context) (string, error) {
						raw := string(delivered.Raw)
						block, found := facts.AuthenticationResults(raw)
						if err := Check(found, "an Authentication-Results header", "header absent"); err != nil {
							return "", err
						}
						spf := facts.HasAuthResult(raw, "spf=")
						dkim := facts.HasAuthResult(raw, "dkim=")
						if err := Check(spf || dkim,
							"spf= and/or dkim= in the header", block); err != nil {
							return "", err
						}
						return fmt.Sprintf("spf=%t dkim=%t", spf, dkim), nil
					},
				},
			}, nil
		},
	}
}

func (e Env) deliveryDeadline() time.Duration {
	if e.Deadline > 0 {
		return e.Deadline
	}
	return 10 * time.Second
}

// waitForDelivery polls the mailbox until a message newer than submittedAt
// shows up, instead of sleeping a fixed interval and hoping.
func waitForDelivery(ctx context.Context, inspector mailbox.Inspector, recipient string, submittedAt time.Time, budget time.Duration) (*mailbox.Message, error) {
	deadline := time.Now().Add(budget)
	// A coarse filesystem clock must not make a just-delivered file look
	// stale next to the submission timestamp.
	cutoff := submittedAt.Add(-2 * time.Second)

	for {
		msg, err := inspector.Latest(recipient)
		switch {
		case err == nil && msg.ModTime.After(cutoff):
			return msg, nil
		case err != nil && !errors.Is(err, mailbox.ErrNotFound):
			return nil, err
		}

		if time.Now().After(deadline) {
			if err != nil {
				return nil, err
			}
			return nil, Check(false, "a message delivered after submission",
				fmt.Sprintf("newest file %s from %s", msg.Path, msg.ModTime.Format(time.RFC3339)))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// wireErr decorates err with the last command/response seen on the session,
// so a failure can be diagnosed without re-running.
func wireErr(sess *lineproto.Session, err error) error {
	if err == nil {
		return nil
	}
	if cmd := sess.LastCommand(); cmd != "" {
		return errors.Wrapf(err, "last command %q, last response %q",
			cmd, strings.TrimSpace(sess.LastResponse()))
	}
	return err
}

func firstLine(text string) string {
	lines := facts.Lines(text)
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}

// excerpt trims a response for inclusion in a failure message.
func excerpt(response string) string {
	trimmed := strings.TrimSpace(response)
	if len(trimmed) > 200 {
		return trimmed[:200] + "..."
	}
	if trimmed == "" {
		return "(empty response)"
	}
	return trimmed
}
