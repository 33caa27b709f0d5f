package email

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
)

type fakeSender struct {
	sent []*mail.Msg
	err  error
}

func (f *fakeSender) DialAndSendWithContext(_ context.Context, messages ...*mail.Msg) error {
	f.sent = append(f.sent, messages...)
	return f.err
}

func testConfig() Config {
	return Config{Host: "smtp.test", From: "bot@example.com", To: []string{"ops@example.com"}}
}

func TestSendWorkbook(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newMailer(testConfig(), sender, nil)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err := m.SendWorkbook(context.Background(), at, Attachment{Name: "targets.xlsx", Data: []byte("xlsx-bytes")})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	var buf bytes.Buffer
	_, err = sender.sent[0].WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	require.Contains(t, raw, "Subject: "+DefaultSubject)
	require.Contains(t, raw, "To: <ops@example.com>")
	require.Contains(t, raw, "Generated at 2024-05-01T12:00:00Z")
	require.Contains(t, raw, `filename="targets.xlsx"`)
	require.Contains(t, raw, string(xlsxContentType))
}

func TestSendWorkbookErrors(t *testing.T) {
	t.Parallel()

	m := newMailer(testConfig(), &fakeSender{err: errors.New("connection refused")}, nil)
	err := m.SendWorkbook(context.Background(), time.Now(), Attachment{Name: "a.xlsx", Data: []byte("x")})
	require.ErrorContains(t, err, "connection refused")

	err = m.SendWorkbook(context.Background(), time.Now(), Attachment{Name: "a.xlsx"})
	require.ErrorContains(t, err, "attachment is empty")

	bad := testConfig()
	bad.From = "not an address"
	_, err = newMailer(bad, &fakeSender{}, nil).Message(time.Now(), Attachment{Name: "a.xlsx", Data: []byte("x")})
	require.Error(t, err)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{Host: "smtp.test"}, nil)
	require.Error(t, err)

	m, err := New(Config{Host: "smtp.test", Port: 587, Username: "u", Password: "p", From: "a@b.test", To: []string{"c@d.test"}}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSubject, m.cfg.Subject)
}
