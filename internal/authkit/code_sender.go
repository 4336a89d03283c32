package authkit

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LogCodeSender writes codes to the log; intended for local development.
type LogCodeSender struct {
	logger *zap.Logger
}

// NewLogCodeSender constructs a LogCodeSender.
func NewLogCodeSender(logger *zap.Logger) *LogCodeSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogCodeSender{logger: logger}
}

// SendCode logs the code.
func (sender *LogCodeSender) SendCode(ctx context.Context, email string, code string, purpose OTPPurpose) error {
	sender.logger.Info("one-time code issued",
		zap.String("code", "auth.otp.issued"),
		zap.String("email", email),
		zap.String("purpose", string(purpose)),
		zap.String("otp", code))
	return nil
}

// MemoryCodeSender keeps the last code per email; used by tests and local tooling.
type MemoryCodeSender struct {
	mutex sync.Mutex
	codes map[string]string
}

// NewMemoryCodeSender constructs an empty MemoryCodeSender.
func NewMemoryCodeSender() *MemoryCodeSender {
	return &MemoryCodeSender{codes: make(map[string]string)}
}

// SendCode records the code.
func (sender *MemoryCodeSender) SendCode(ctx context.Context, email string, code string, purpose OTPPurpose) error {
	sender.mutex.Lock()
	defer sender.mutex.Unlock()
	sender.codes[strings.ToLower(strings.TrimSpace(email))] = code
	return nil
}

// LastCode returns the most recent code sent to email.
func (sender *MemoryCodeSender) LastCode(email string) (string, bool) {
	sender.mutex.Lock()
	defer sender.mutex.Unlock()
	code, ok := sender.codes[strings.ToLower(strings.TrimSpace(email))]
	return code, ok
}

// SMTPConfig configures SMTPCodeSender.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// SMTPCodeSender mails codes through an SMTP relay.
type SMTPCodeSender struct {
	config SMTPConfig
	send   func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPCodeSender constructs an SMTPCodeSender.
func NewSMTPCodeSender(config SMTPConfig) *SMTPCodeSender {
	if config.From == "" {
		config.From = config.Username
	}
	return &SMTPCodeSender{config: config, send: smtp.SendMail}
}

var codeEmailTemplate = template.Must(template.New("code").Parse(`<!DOCTYPE html>
<html><body>
<p>{{if eq .Purpose "signup"}}Confirm your tradehub account{{else}}Sign in to tradehub{{end}} with this code:</p>
<p style="font-size:24px;letter-spacing:4px"><strong>{{.Code}}</strong></p>
<p>If you did not request it you can ignore this email.</p>
</body></html>`))

// SendCode renders the code email and relays it.
func (sender *SMTPCodeSender) SendCode(ctx context.Context, email string, code string, purpose OTPPurpose) error {
	var body bytes.Buffer
	if err := codeEmailTemplate.Execute(&body, struct {
		Code    string
		Purpose string
	}{Code: code, Purpose: string(purpose)}); err != nil {
		return fmt.Errorf("auth.smtp.render: %w", err)
	}
	subject := "Your tradehub sign-in code"
	if purpose == OTPPurposeSignUp {
		subject = "Confirm your tradehub account"
	}
	message := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s",
		sender.config.From, email, subject, body.String()))
	auth := smtp.PlainAuth("", sender.config.Username, sender.config.Password, sender.config.Host)
	if err := sender.send(sender.config.Host+":"+sender.config.Port, auth, sender.config.From, []string{email}, message); err != nil {
		return fmt.Errorf("auth.smtp.send: %w", err)
	}
	return nil
}
