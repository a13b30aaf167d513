// Package verify dispatches verification mails for unverified addresses.
// Confirming a token is handled by the external verification flow.
package verify

import (
	"context"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"

	"github.com/and161185/mailkeeper/internal/model"
)

// Audience marks verification tokens so they are not accepted as access tokens.
const Audience = "email-verification"

// Dispatcher sends a verification mail for an email.
type Dispatcher interface {
	Resend(ctx context.Context, email model.Email) error
}

// LinkBuilder produces the link the recipient follows to verify.
type LinkBuilder interface {
	Link(email model.Email) (string, error)
}

// JWTLinks builds baseURL?token=<jwt> links with an HS256 token whose subject is the email id.
type JWTLinks struct {
	baseURL string
	key     []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewJWTLinks constructs a JWTLinks. Non-positive ttl defaults to 24h.
func NewJWTLinks(baseURL string, key []byte, ttl time.Duration) *JWTLinks {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTLinks{baseURL: baseURL, key: key, ttl: ttl, now: time.Now}
}

// Link implements LinkBuilder.
func (l *JWTLinks) Link(email model.Email) (string, error) {
	u, err := url.Parse(l.baseURL)
	if err != nil {
		return "", fmt.Errorf("verify: base url: %w", err)
	}
	now := l.now()
	claims := jwt.RegisteredClaims{
		Subject:   email.ID.String(),
		Audience:  jwt.ClaimStrings{Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(l.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.key)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", signed)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Sender is the part of the Resend client used here; resend.Client.Emails satisfies it.
type Sender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

var body = template.Must(template.New("verify").Parse(
	`<p>Confirm that {{.Address}} belongs to you:</p><p><a href="{{.Link}}">Verify email</a></p>`))

// ResendDispatcher sends verification mails through the Resend API.
type ResendDispatcher struct {
	sender  Sender
	from    string
	subject string
	links   LinkBuilder
	log     *zap.Logger
}

var _ Dispatcher = (*ResendDispatcher)(nil)

// NewResendDispatcher creates a dispatcher backed by a Resend API client.
func NewResendDispatcher(apiKey, from string, links LinkBuilder, log *zap.Logger) *ResendDispatcher {
	return NewResendDispatcherWithSender(resend.NewClient(apiKey).Emails, from, links, log)
}

// NewResendDispatcherWithSender is NewResendDispatcher over an existing sender.
func NewResendDispatcherWithSender(sender Sender, from string, links LinkBuilder, log *zap.Logger) *ResendDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &ResendDispatcher{sender: sender, from: from, subject: "Verify your email address", links: links, log: log}
}

// Resend implements Dispatcher.
func (d *ResendDispatcher) Resend(ctx context.Context, email model.Email) error {
	link, err := d.links.Link(email)
	if err != nil {
		return err
	}
	var html strings.Builder
	if err := body.Execute(&html, struct{ Address, Link string }{email.Address, link}); err != nil {
		return err
	}
	sent, err := d.sender.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    d.from,
		To:      []string{email.Address},
		Subject: d.subject,
		Html:    html.String(),
	})
	if err != nil {
		d.log.Error("verification send failed", zap.String("email_id", email.ID.String()), zap.Error(err))
		return fmt.Errorf("resend send failed: %w", err)
	}
	d.log.Info("verification sent", zap.String("email_id", email.ID.String()), zap.String("message_id", sent.Id))
	return nil
}

// LogDispatcher only logs the link; used without an API key.
type LogDispatcher struct {
	links LinkBuilder
	log   *zap.Logger
}

var _ Dispatcher = (*LogDispatcher)(nil)

// NewLogDispatcher constructs a LogDispatcher.
func NewLogDispatcher(links LinkBuilder, log *zap.Logger) *LogDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogDispatcher{links: links, log: log}
}

// Resend implements Dispatcher.
func (d *LogDispatcher) Resend(_ context.Context, email model.Email) error {
	link, err := d.links.Link(email)
	if err != nil {
		return err
	}
	d.log.Info("verification requested",
		zap.String("email_id", email.ID.String()),
		zap.String("address", email.Address),
		zap.String("link", link),
	)
	return nil
}
