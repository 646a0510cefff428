package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"account-security/internal/util"
)

// Message is a rendered notification ready for delivery.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	IsHTML  bool   `json:"is_html"`
}

var ErrInvalidMessage = errors.New("notification has no destination")

// Notifier delivers a message. Callers treat delivery as fire-and-forget.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

func (m Message) validate() error {
	if m.To == "" {
		return ErrInvalidMessage
	}
	return nil
}

// LogNotifier writes notifications to the log instead of delivering them.
// Development only: the body contains the code.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("log_notifier")}
}

func (n *LogNotifier) Send(_ context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	n.logger.Info("Notification (not delivered)",
		util.Email(msg.To),
		util.String("subject", msg.Subject),
		util.String("body", msg.Body),
	)
	return nil
}
