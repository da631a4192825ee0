package notify

import (
	"context"
	"fmt"
	"html"

	"github.com/resend/resend-go/v2"

	"QuorumVault/internal/models"
)

// EmailSender is the slice of the Resend client the sink uses.
type EmailSender interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// EmailSink mails operators about executions that need a human.
type EmailSink struct {
	sender EmailSender
	from   string
	to     []string
	types  map[models.NotificationType]bool
}

func NewEmailSink(apiKey, from string, to []string) *EmailSink {
	return newEmailSink(resend.NewClient(apiKey).Emails, from, to)
}

func newEmailSink(sender EmailSender, from string, to []string) *EmailSink {
	if from == "" {
		from = "onboarding@resend.dev"
	}
	return &EmailSink{
		sender: sender,
		from:   from,
		to:     to,
		types: map[models.NotificationType]bool{
			models.NotificationExecutionFailed:    true,
			models.NotificationExecutionAmbiguous: true,
		},
	}
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Deliver(ctx context.Context, evt Event) error {
	if !s.types[evt.Type] || len(s.to) == 0 {
		return nil
	}
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      s.to,
		Subject: fmt.Sprintf("[QuorumVault] %s: escrow %s", evt.Title, evt.EscrowID),
		Html: fmt.Sprintf(`<h2>%s</h2>
<p>%s</p>
<table>
<tr><td>Escrow</td><td>%s</td></tr>
<tr><td>Vault</td><td>%s</td></tr>
<tr><td>Policy</td><td>%s</td></tr>
<tr><td>State</td><td>%s</td></tr>
</table>`,
			html.EscapeString(evt.Title),
			html.EscapeString(evt.Message),
			html.EscapeString(evt.EscrowID),
			html.EscapeString(evt.VaultID),
			html.EscapeString(evt.PolicyID),
			html.EscapeString(string(evt.State)),
		),
	}
	if _, err := s.sender.Send(params); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
