// Package mailer delivers one rendered email per call.
package mailer

import (
	"context"

	"github.com/campaign-sendqueue/internal/logging"
)

// Attachment is a file attached to an outgoing message
type Attachment struct {
	Filename    string
	ContentType string
	Path        string
}

// Message is one personalized email
type Message struct {
	To          string
	Subject     string
	HTMLBody    string
	SenderName  string
	SenderEmail string
	Attachments []Attachment
	Headers     map[string]string
}

// Transport sends one message. A nil error means the message was accepted for delivery;
// any failure, including a timeout, is returned as an error.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, msg *Message) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// LogTransport logs messages instead of sending them
type LogTransport struct {
	logger *logging.Logger
}

// NewLogTransport creates a dry-run transport
func NewLogTransport(logger *logging.Logger) *LogTransport {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LogTransport{logger: logger}
}

// Send implements Transport.
func (t *LogTransport) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.logger.WithFields(map[string]interface{}{
		"to":          msg.To,
		"subject":     msg.Subject,
		"from":        msg.SenderEmail,
		"attachments": len(msg.Attachments),
		"bodyBytes":   len(msg.HTMLBody),
	}).Info("Dry-run email")
	return nil
}
