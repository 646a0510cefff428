package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"account-security/internal/models"
)

func TestRenderOtp(t *testing.T) {
	tests := []struct {
		name    string
		purpose models.OtpPurpose
		subject string
	}{
		{name: "activation", purpose: models.PurposeActivation, subject: "Your OTP Code"},
		{name: "password reset", purpose: models.PurposePasswordReset, subject: "Your password reset code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := RenderOtp("alice@example.com", tt.purpose, "042917", 15*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "alice@example.com", msg.To)
			assert.Equal(t, tt.subject, msg.Subject)
			assert.True(t, msg.IsHTML)
			assert.Contains(t, msg.Body, "042917")
			assert.Contains(t, msg.Body, "15 minutes")
		})
	}

	_, err := RenderOtp("alice@example.com", models.OtpPurpose(9), "042917", time.Minute)
	assert.Error(t, err)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.Send(context.Background(), Message{To: "alice@example.com", Subject: "hi", Body: "123456"}))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "hi", logs.All()[0].ContextMap()["subject"])

	assert.ErrorIs(t, n.Send(context.Background(), Message{}), ErrInvalidMessage)
}

type recordingProducer struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
	err     error
}

func (p *recordingProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.topic, p.key, p.value, p.headers = topic, key, value, headers
	return p.err
}

func TestKafkaNotifierPublishesJSON(t *testing.T) {
	p := &recordingProducer{}
	n := NewKafkaNotifier(p, "account-notifications", zaptest.NewLogger(t))

	msg := Message{To: "alice@example.com", Subject: "Your OTP Code", Body: "<p>123456</p>", IsHTML: true}
	require.NoError(t, n.Send(context.Background(), msg))

	assert.Equal(t, "account-notifications", p.topic)
	assert.Equal(t, []byte("alice@example.com"), p.key)
	assert.Equal(t, "application/json", p.headers[contentTypeHeader])

	var wire map[string]any
	require.NoError(t, json.Unmarshal(p.value, &wire))
	assert.Equal(t, "alice@example.com", wire["to"])

	decoded, err := DecodeMessage(p.value)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestKafkaNotifierErrors(t *testing.T) {
	p := &recordingProducer{err: errors.New("broker down")}
	n := NewKafkaNotifier(p, "topic", zaptest.NewLogger(t))

	err := n.Send(context.Background(), Message{To: "alice@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	assert.ErrorIs(t, n.Send(context.Background(), Message{Subject: "no recipient"}), ErrInvalidMessage)
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte("{not json"))
	assert.Error(t, err)

	_, err = DecodeMessage([]byte(`{"subject":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

type capturingSender struct {
	sent []*mail.Msg
	err  error
}

func (s *capturingSender) DialAndSendWithContext(_ context.Context, messages ...*mail.Msg) error {
	s.sent = append(s.sent, messages...)
	return s.err
}

func TestSMTPNotifierBuildsMessage(t *testing.T) {
	s := &capturingSender{}
	n := newSMTPNotifier(s, "Account Security", "no-reply@example.com", zaptest.NewLogger(t))

	err := n.Send(context.Background(), Message{To: "alice@example.com", Subject: "Your OTP Code", Body: "<p>1</p>", IsHTML: true})
	require.NoError(t, err)
	require.Len(t, s.sent, 1)

	m := s.sent[0]
	require.Len(t, m.GetToString(), 1)
	assert.Contains(t, m.GetToString()[0], "alice@example.com")
	assert.Equal(t, []string{"Your OTP Code"}, m.GetGenHeader(mail.HeaderSubject))
	require.Len(t, m.GetFromString(), 1)
	assert.Contains(t, m.GetFromString()[0], "no-reply@example.com")
}

func TestSMTPNotifierErrors(t *testing.T) {
	s := &capturingSender{err: errors.New("connection refused")}
	n := newSMTPNotifier(s, "Account Security", "no-reply@example.com", zaptest.NewLogger(t))

	err := n.Send(context.Background(), Message{To: "alice@example.com", Subject: "x", Body: "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	err = n.Send(context.Background(), Message{To: "not an address", Subject: "x", Body: "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid recipient")
	assert.Len(t, s.sent, 1, "invalid recipient never reaches the sender")
}

func TestRenderOtpRoundsRemainingMinutesUp(t *testing.T) {
	msg, err := RenderOtp("alice@example.com", models.PurposeActivation, "042917", 90*time.Second)
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "expires in 2 minutes")

	msg, err = RenderOtp("alice@example.com", models.PurposeActivation, "042917", 2*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "expires in 2 minutes")
}
