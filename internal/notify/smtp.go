package notify

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/pipeord/pipeord/internal/config"
)

// SMTPSender mails the announcement. Plain unauthenticated SMTP aimed at an
// internal relay; credentials belong on the relay, not here.
type SMTPSender struct {
	Config config.SMTPConfig
}

func (s *SMTPSender) Name() string { return "smtp" }

func (s *SMTPSender) Send(ctx context.Context, message string) error {
	port := s.Config.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", s.Config.Host, port)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Pipeline job update\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		s.Config.From, s.Config.To, message)

	// net/smtp has no context support; honor cancellation around the call.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, nil, s.Config.From, []string{s.Config.To}, []byte(msg))
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
