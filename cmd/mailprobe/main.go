// Command mailprobe drives a live SMTP/IMAP stack through end-to-end
// conformance scenarios and reports a verdict through its exit code.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/kdelfour/mailprobe/internal/compose"
	"github.com/kdelfour/mailprobe/internal/config"
	"github.com/kdelfour/mailprobe/internal/imapcheck"
	"github.com/kdelfour/mailprobe/internal/mailbox"
	"github.com/kdelfour/mailprobe/internal/scenario"
	"github.com/kdelfour/mailprobe/internal/telemetry"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "mailprobe",
		Usage: "end-to-end conformance checks for a live SMTP/IMAP mail stack",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"MAILPROBE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "load environment variables from this file before anything else",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			sendCommand(),
			statusCommand(),
			inspectCommand(),
			validateCommand(),
		},
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	if envFile := c.String("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return config.Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	cfg, err = config.FromEnv(cfg)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func scenarioEnv(cfg config.Config, logger *slog.Logger) scenario.Env {
	return scenario.Env{
		SMTPHost:     cfg.SMTP.Host,
		SMTPPort:     cfg.SMTP.Port,
		IMAPHost:     cfg.IMAP.Host,
		IMAPPort:     cfg.IMAP.Port,
		User:         cfg.Login.User,
		Pass:         cfg.Login.Pass,
		From:         cfg.Message.From,
		To:           cfg.Message.To,
		AuthProbeTo:  cfg.Message.AuthProbeTo,
		MaildirRoots: cfg.Maildir.Roots,
		Wait:         cfg.ReceiveTimeout(),
		Deadline:     cfg.ExchangeTimeout(),
		Logger:       logger,
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run conformance scenarios (all by default)",
		ArgsUsage: "[scenario...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "list",
				Usage: "list available scenarios and exit",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			ctx := c.Context
			if ctx == nil {
				ctx = context.Background()
			}

			shutdown, err := telemetry.Setup(ctx, c.App.Writer)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(shutdownCtx)
			}()

			logger := telemetry.Logger()
			env := scenarioEnv(cfg, logger)

			if c.Bool("list") {
				for _, sc := range scenario.Catalog(env) {
					fmt.Fprintln(c.App.Writer, sc.Name)
				}
				return nil
			}

			selected, err := scenario.Named(env, c.Args().Slice())
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			runner := &scenario.Runner{
				Out:      c.App.Writer,
				Logger:   logger,
				Deadline: cfg.ScenarioTimeout(),
			}
			results, allPassed := runner.RunAll(ctx, selected)

			fmt.Fprintln(c.App.Writer)
			for _, result := range results {
				fmt.Fprintln(c.App.Writer, result.Summary())
			}
			if !allPassed {
				return cli.Exit("one or more scenarios failed", 1)
			}
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "submit a single test message through the SMTP client library",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			now := time.Now()
			if err := sendTestMessage(cfg, now); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Fprintf(c.App.Writer, "sent %q from %s to %s via %s\n",
				compose.Subject(now), cfg.Message.From, cfg.Message.To, cfg.SMTP.Addr())
			return nil
		},
	}
}

func sendTestMessage(cfg config.Config, now time.Time) error {
	client, err := smtp.Dial(cfg.SMTP.Addr())
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.SMTP.Addr(), err)
	}
	defer client.Close()

	if err := client.Hello("mailprobe"); err != nil {
		return err
	}
	if err := client.Mail(cfg.Message.From, nil); err != nil {
		return err
	}
	if err := client.Rcpt(cfg.Message.To, nil); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if err := compose.WriteTestMessage(w, cfg.Message.From, cfg.Message.To, now); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "report INBOX state through the IMAP client library",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			status, err := imapcheck.InboxStatus(cfg.IMAP.Addr(), cfg.Login.User, cfg.Login.Pass)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Fprintf(c.App.Writer, "%s: %d messages (uidvalidity %d)\n",
				status.Mailbox, status.Messages, status.UIDValidity)
			return nil
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "print the newest delivered message for a recipient",
		ArgsUsage: "<recipient>",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			recipient := c.Args().First()
			if recipient == "" {
				recipient = cfg.Message.AuthProbeTo
			}

			inspector := mailbox.Inspector{Roots: cfg.Maildir.Roots}
			msg, err := inspector.Latest(recipient)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Fprintf(c.App.Writer, "# %s (%s)\n", msg.Path, msg.ModTime.Format(time.RFC3339))
			fmt.Fprintln(c.App.Writer, string(msg.Raw))
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "validate the configuration and print a summary",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			fmt.Fprintln(c.App.Writer, config.Summary(cfg))
			return nil
		},
	}
}
