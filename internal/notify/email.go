package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/gomail.v2"
)

// EmailConfig configures SMTP delivery and the role directory.
type EmailConfig struct {
	Host          string              `mapstructure:"host"`
	Port          int                 `mapstructure:"port"`
	User          string              `mapstructure:"user"`
	Pass          string              `mapstructure:"pass"`
	From          string              `mapstructure:"from"`
	TLSSkipVerify bool                `mapstructure:"tls_skip_verify"`
	Roles         map[string][]string `mapstructure:"roles"`
	BaseURL       string              `mapstructure:"base_url"`
}

// Enabled reports whether enough is configured to attempt delivery.
func (c EmailConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

// MailSender sends a composed message. *gomail.Dialer satisfies it.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier mails messages flagged SendEmail to the addresses of their roles.
type EmailNotifier struct {
	cfg    EmailConfig
	sender MailSender
}

// NewEmailNotifier builds an SMTP notifier from cfg.
func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass)
	if cfg.TLSSkipVerify {
		d.TLSConfig = &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: true}
	}
	return &EmailNotifier{cfg: cfg, sender: d}
}

// NewEmailNotifierWithSender is used when the transport is supplied externally.
func NewEmailNotifierWithSender(cfg EmailConfig, sender MailSender) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, sender: sender}
}

func (n *EmailNotifier) Notify(_ context.Context, msg Message) error {
	if !msg.SendEmail {
		return nil
	}
	to := n.recipients(msg.Roles)
	if len(to) == 0 {
		return nil
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", n.cfg.From, "")
	m.SetHeader("To", to...)
	m.SetHeader("Subject", msg.Title)
	m.SetBody("text/plain", n.body(msg))

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email %q: %w", msg.Title, err)
	}
	return nil
}

func (n *EmailNotifier) recipients(roles []string) []string {
	var out []string
	for _, role := range roles {
		for _, addr := range n.cfg.Roles[role] {
			if !slices.Contains(out, addr) {
				out = append(out, addr)
			}
		}
	}
	return out
}

func (n *EmailNotifier) body(msg Message) string {
	if msg.ActionURL == "" {
		return msg.Message
	}
	url := msg.ActionURL
	if n.cfg.BaseURL != "" && strings.HasPrefix(url, "/") {
		url = strings.TrimSuffix(n.cfg.BaseURL, "/") + url
	}
	return msg.Message + "\n\n" + url
}
