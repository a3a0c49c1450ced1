package email

import (
	"context"
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/jmehdipour/onboarding/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSMTPSender_Send(t *testing.T) {
	s := NewSMTP(config.SMTPConfig{Host: "mail.local", Port: "2525", From: "noreply@x.io", Username: "u", Password: "p"})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	var gotAuth smtp.Auth
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, string(msg)
		return nil
	}

	require.NoError(t, s.Send(context.Background(), "a@x.io", "Hello", "body text"))
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, "noreply@x.io", gotFrom)
	assert.Equal(t, []string{"a@x.io"}, gotTo)
	assert.Contains(t, gotMsg, "To: a@x.io\r\n")
	assert.Contains(t, gotMsg, "Subject: Hello\r\n")
	assert.Contains(t, gotMsg, "\r\n\r\nbody text")
}

func TestSMTPSender_Errors(t *testing.T) {
	s := NewSMTP(config.SMTPConfig{Host: "mail.local", Port: "25"})
	s.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }

	err := s.Send(context.Background(), "a@x.io", "Hi", "b")
	assert.ErrorContains(t, err, "refused")

	err = s.Send(context.Background(), "a@x.io\r\nBcc: evil@x.io", "Hi", "b")
	assert.ErrorContains(t, err, "header injection")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, "a@x.io", "Hi", "b"), context.Canceled)
}

func TestNew_PicksLogSenderWithoutHost(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := New(config.SMTPConfig{}, zap.New(core))
	require.IsType(t, &LogSender{}, s)

	require.NoError(t, s.Send(context.Background(), "a@x.io", "Hi", "code 123456"))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "a@x.io", logs.All()[0].ContextMap()["to"])

	assert.IsType(t, &SMTPSender{}, New(config.SMTPConfig{Host: "h"}, nil))
}

func TestVerificationMessage(t *testing.T) {
	subject, body := VerificationMessage("Ann", "123456", 10*time.Minute)
	assert.Equal(t, "Your verification code", subject)
	assert.Contains(t, body, "123456")
	assert.Contains(t, body, "10 minutes")
}
