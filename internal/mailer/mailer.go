// Package mailer renders an evaluation as e-mail content and hands it to the
// transactional mail service. Nothing in the submission pipeline depends on
// the outcome of a send.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog/log"
)

// Message is one outgoing e-mail. Content is HTML.
type Message struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Content   string `json:"content"`
}

// Response reports the outcome of a dispatch in the shape the web client
// expects.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	ID      string `json:"id,omitempty"`
}

// Sender delivers a Message and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// ErrNotConfigured is returned when no mail provider key is available.
var ErrNotConfigured = errors.New("mail sending is not configured")

// Validate checks a message before it is sent.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Recipient) == "" {
		return errors.New("recipient is required")
	}
	if _, err := mail.ParseAddress(m.Recipient); err != nil {
		return fmt.Errorf("recipient %q is not a valid address", m.Recipient)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return errors.New("subject is required")
	}
	if strings.TrimSpace(m.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}

// Dispatch validates msg and sends it, folding any failure into the Response.
func Dispatch(ctx context.Context, s Sender, msg Message) Response {
	if s == nil {
		return Response{Error: ErrNotConfigured.Error()}
	}
	if err := msg.Validate(); err != nil {
		return Response{Error: err.Error()}
	}
	id, err := s.Send(ctx, msg)
	if err != nil {
		log.Warn().Err(err).Int("contentBytes", len(msg.Content)).Msg("Evaluation e-mail failed")
		return Response{Error: err.Error()}
	}
	log.Info().Str("messageId", id).Msg("Evaluation e-mail sent")
	return Response{Success: true, ID: id}
}

// ResendSender sends through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

// NewResendSender creates a sender using apiKey. It returns ErrNotConfigured
// when apiKey is empty.
func NewResendSender(apiKey, from string) (*ResendSender, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNotConfigured
	}
	return &ResendSender{client: resend.NewClient(apiKey), from: from}, nil
}

// Send delivers msg as an HTML e-mail.
func (s *ResendSender) Send(ctx context.Context, msg Message) (string, error) {
	resp, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{msg.Recipient},
		Subject: msg.Subject,
		Html:    msg.Content,
	})
	if err != nil {
		return "", fmt.Errorf("resend: %w", err)
	}
	return resp.Id, nil
}
