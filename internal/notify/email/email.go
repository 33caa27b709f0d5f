// Package email delivers the scanned workbook over SMTP with STARTTLS.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// DefaultSubject is used when Config.Subject is empty.
const DefaultSubject = "Retail Selector: Updated Retail Arbitrage Targeting List"

const xlsxContentType = mail.ContentType("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")

// Config holds SMTP settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	Subject  string
	Timeout  time.Duration
}

// Attachment is an in-memory file.
type Attachment struct {
	Name string
	Data []byte
}

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Mailer sends workbook notifications.
type Mailer struct {
	cfg    Config
	client sender
	logger *zap.Logger
}

// New validates cfg and builds a Mailer with a mandatory-TLS SMTP client.
func New(cfg Config, logger *zap.Logger) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("email: smtp host is required")
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("email: from and to addresses are required")
	}
	opts := []mail.Option{
		mail.WithTLSPolicy(mail.TLSMandatory),
	}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
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
		return nil, fmt.Errorf("email: create smtp client: %w", err)
	}
	return newMailer(cfg, client, logger), nil
}

func newMailer(cfg Config, client sender, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	return &Mailer{cfg: cfg, client: client, logger: logger}
}

// Message builds the notification for a workbook generated at generatedAt.
func (m *Mailer) Message(generatedAt time.Time, attachment Attachment) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("email: from address: %w", err)
	}
	if err := msg.To(m.cfg.To...); err != nil {
		return nil, fmt.Errorf("email: to address: %w", err)
	}
	msg.Subject(m.cfg.Subject)
	msg.SetDateWithValue(generatedAt)
	msg.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(
		"Attached is the latest updated copy of your Retail Arbitrage Targeting List.\n\nGenerated at %s",
		generatedAt.UTC().Format(time.RFC3339),
	))
	if err := msg.AttachReader(attachment.Name, bytes.NewReader(attachment.Data),
		mail.WithFileContentType(xlsxContentType)); err != nil {
		return nil, fmt.Errorf("email: attach %s: %w", attachment.Name, err)
	}
	return msg, nil
}

// SendWorkbook mails the workbook to the configured recipients.
func (m *Mailer) SendWorkbook(ctx context.Context, generatedAt time.Time, attachment Attachment) error {
	if len(attachment.Data) == 0 {
		return errors.New("email: attachment is empty")
	}
	msg, err := m.Message(generatedAt, attachment)
	if err != nil {
		return err
	}
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	m.logger.Info("email sent",
		zap.Strings("to", m.cfg.To),
		zap.String("attachment", attachment.Name),
	)
	return nil
}
