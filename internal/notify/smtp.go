package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"account-security/internal/config"
	"account-security/internal/util"
)

// mailSender is the part of *mail.Client used for delivery.
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

type SMTPNotifier struct {
	sender   mailSender
	fromName string
	from     string
	logger   *zap.Logger
}

func NewSMTPNotifier(cfg config.SMTPConfig, logger *zap.Logger) (*SMTPNotifier, error) {
	policy := mail.TLSOpportunistic
	if cfg.UseTLS {
		policy = mail.TLSMandatory
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(policy),
		mail.WithTimeout(10 * time.Second),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	util.Info("SMTP notifier initialized",
		util.String("host", cfg.Host),
		util.Int("port", cfg.Port),
		util.Bool("tls_required", cfg.UseTLS))

	return newSMTPNotifier(client, cfg.FromName, cfg.FromEmail, logger), nil
}

func newSMTPNotifier(sender mailSender, fromName, from string, logger *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{sender: sender, fromName: fromName, from: from, logger: logger.Named("smtp_notifier")}
}

func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	m := mail.NewMsg()
	if err := m.FromFormat(n.fromName, n.from); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetMessageID()
	m.SetDate()
	if msg.IsHTML {
		m.SetBodyString(mail.TypeTextHTML, msg.Body)
	} else {
		m.SetBodyString(mail.TypeTextPlain, msg.Body)
	}

	if err := n.sender.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}

	n.logger.Debug("Mail sent", util.Email(msg.To), util.String("subject", msg.Subject))
	return nil
}
