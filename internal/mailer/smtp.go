package mailer

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/campaign-sendqueue/internal/circuitbreaker"
	"github.com/campaign-sendqueue/internal/config"
	apperrors "github.com/campaign-sendqueue/internal/errors"
)

const transportName = "smtp"

// smtpReply matches the reply code gomail folds into its error text
var smtpReply = regexp.MustCompile(`\b([245])\d\d\b`)

// Sender delivers a composed gomail message
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPTransport sends through an SMTP relay with a per-attempt timeout and a circuit breaker
type SMTPTransport struct {
	sender  Sender
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
}

// NewSMTPTransport creates a transport for cfg
func NewSMTPTransport(cfg config.SMTPConfig, timeout time.Duration) *SMTPTransport {
	return NewSMTPTransportWithSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), timeout)
}

// NewSMTPTransportWithSender creates a transport over an existing sender
func NewSMTPTransportWithSender(sender Sender, timeout time.Duration) *SMTPTransport {
	cbConfig := circuitbreaker.DefaultConfig(transportName)
	cbConfig.Ignore = apperrors.IsPermanentTransportError
	return &SMTPTransport{
		sender:  sender,
		timeout: timeout,
		breaker: circuitbreaker.NewCircuitBreaker(cbConfig),
	}
}

// Breaker exposes the transport's circuit breaker state
func (t *SMTPTransport) Breaker() *circuitbreaker.CircuitBreaker {
	return t.breaker
}

// Send implements Transport.
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	m := compose(msg)

	err := t.breaker.Execute(ctx, func() error {
		return t.sendWithTimeout(ctx, m)
	})
	switch err {
	case nil:
		return nil
	case circuitbreaker.ErrCircuitOpen, circuitbreaker.ErrTooManyRequests:
		return apperrors.NewTransportError(transportName, false, err)
	}
	return err
}

// sendWithTimeout bounds one dial-and-send. gomail has no context support, so an
// abandoned attempt finishes in the background.
func (t *SMTPTransport) sendWithTimeout(ctx context.Context, m *gomail.Message) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- t.sender.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return classify(err)
		}
		return nil
	case <-ctx.Done():
		return apperrors.NewTransportTimeoutError(transportName)
	}
}

// classify marks 5xx replies permanent and everything else temporary
func classify(err error) error {
	match := smtpReply.FindStringSubmatch(err.Error())
	permanent := len(match) == 2 && match[1] == "5"
	return apperrors.NewTransportError(transportName, permanent, err)
}

func compose(msg *Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.SenderEmail, msg.SenderName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}
	m.SetBody("text/html", msg.HTMLBody)

	for _, a := range msg.Attachments {
		settings := []gomail.FileSetting{gomail.Rename(a.Filename)}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {fmt.Sprintf("%s; name=%q", a.ContentType, a.Filename)},
			}))
		}
		m.Attach(a.Path, settings...)
	}
	return m
}
