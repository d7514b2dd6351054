package monitoring

import (
	"context"
	"fmt"
	"net/smtp"
)

// EmailProvider delivers alerts over SMTP. No example repo in the pack
// carries a mail-sending library, so this channel is built on
// net/smtp — the one ambient concern in this package without
// third-party grounding (see DESIGN.md).
type EmailProvider struct {
	addr string
	from string
	to   []string
	auth smtp.Auth
}

// NewEmailProvider builds an SMTP channel. auth may be nil for
// unauthenticated relays.
func NewEmailProvider(smtpAddr, from string, to []string, auth smtp.Auth) *EmailProvider {
	return &EmailProvider{addr: smtpAddr, from: from, to: to, auth: auth}
}

func (e *EmailProvider) Name() string { return "email" }

func (e *EmailProvider) Send(_ context.Context, a *Alert) error {
	subject := fmt.Sprintf("Subject: [%s] %s\r\n", a.Severity, a.Title)
	body := fmt.Sprintf("%s\r\n\r\n%s\r\n\r\nsource: %s\r\ntype: %s\r\n", subject, a.Description, a.Source, a.Type)
	return smtp.SendMail(e.addr, e.auth, e.from, e.to, []byte(body))
}
