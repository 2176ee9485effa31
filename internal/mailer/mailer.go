// Package mailer is the outbound-mail collaborator for the email task
// kinds. The default implementation writes structured log lines instead of
// delivering anything; a real provider slots in behind the same interface.
package mailer

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrEmptyRecipient rejects messages with nowhere to go.
var ErrEmptyRecipient = errors.New("message has no recipient")

// Message is one outbound mail.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer records deliveries in the log. Useful for development and for
// deployments that have not wired a provider yet.
type LogMailer struct {
	log zerolog.Logger
}

func NewLogMailer(logger zerolog.Logger) *LogMailer {
	return &LogMailer{log: logger.With().Str("component", "mailer").Logger()}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrEmptyRecipient
	}
	m.log.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Int("body_bytes", len(msg.Body)).
		Msg("mail sent")
	return nil
}
