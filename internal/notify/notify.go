// Package notify delivers best-effort email notifications about task
// completion. Delivery failures are logged by callers, never fatal.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"
	gomail "github.com/wneessen/go-mail"
)

// Notifier sends a plain-text message to one recipient.
type Notifier interface {
	Notify(ctx context.Context, recipient, subject, body string) error
}

// Options configure the SMTP notifier. An empty Host disables notifications.
type Options struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// Enabled reports whether a notifier can be built from the options.
func (o Options) Enabled() bool {
	return o.Host != "" && o.From != ""
}

type smtpNotifier struct {
	opts Options
}

// New builds the SMTP notifier, or nil when notifications are disabled.
func New(opts Options) Notifier {
	if !opts.Enabled() {
		return nil
	}
	return &smtpNotifier{opts: opts}
}

const sendAttempts = 3

func (n *smtpNotifier) Notify(ctx context.Context, recipient, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.From(n.opts.From); err != nil {
		return fmt.Errorf("bad sender address: %w", err)
	}
	if err := msg.To(recipient); err != nil {
		return fmt.Errorf("bad recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	clientOpts := []gomail.Option{gomail.WithPort(n.opts.Port)}
	if n.opts.Username != "" {
		clientOpts = append(clientOpts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(n.opts.Username),
			gomail.WithPassword(n.opts.Password),
		)
	} else {
		clientOpts = append(clientOpts, gomail.WithTLSPolicy(gomail.NoTLS))
	}

	client, err := gomail.NewClient(n.opts.Host, clientOpts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	err = retry.Do(
		func() error { return client.DialAndSendWithContext(ctx, msg) },
		retry.Attempts(sendAttempts),
		retry.Delay(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warn().Uint("attempt", attempt).Err(err).Str("recipient", recipient).Msg("notification send retry")
		}),
	)
	if err != nil {
		return fmt.Errorf("send notification to %s: %w", recipient, err)
	}
	return nil
}
