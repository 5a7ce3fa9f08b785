package smtp_test

import (
	"os"
	"testing"
	"time"

	"github.com/canopyhost/alertd/services/diagnostic"
	"github.com/canopyhost/alertd/services/smtp"
	"github.com/canopyhost/alertd/services/smtp/smtptest"
	"github.com/stretchr/testify/require"
)

func TestService_SendMail(t *testing.T) {
	ts, err := smtptest.NewServer()
	require.NoError(t, err)
	defer ts.Close()

	c := smtp.NewConfig()
	c.Enabled = true
	c.Host = ts.Host
	c.Port = ts.Port
	c.From = "alertd@example.com"

	diag := diagnostic.NewService(diagnostic.NewConfig(), os.Stderr, os.Stderr)
	require.NoError(t, diag.Open())
	defer diag.Close()

	s := smtp.NewService(c, diag.NewSMTPHandler())
	require.NoError(t, s.Open())
	defer s.Close()

	require.NoError(t, s.SendMail(
		[]string{"oncall@example.com"},
		"app errors",
		"the app is down\n",
	))

	msgs, err := ts.WaitForMessages(1, 5*time.Second)
	require.NoError(t, err)

	m := msgs[0]
	require.Equal(t, "alertd@example.com", m.Header.Get("From"))
	require.Equal(t, "oncall@example.com", m.Header.Get("To"))
	require.Equal(t, "app errors", m.Header.Get("Subject"))
	require.Contains(t, m.Body, "the app is down")

	for _, err := range ts.Errors() {
		t.Errorf("smtp server error: %v", err)
	}
}

func TestService_SendMail_DefaultRecipients(t *testing.T) {
	ts, err := smtptest.NewServer()
	require.NoError(t, err)
	defer ts.Close()

	c := smtp.NewConfig()
	c.Enabled = true
	c.Host = ts.Host
	c.Port = ts.Port
	c.From = "alertd@example.com"
	c.To = []string{"fallback@example.com"}

	diag := diagnostic.NewService(diagnostic.NewConfig(), os.Stderr, os.Stderr)
	require.NoError(t, diag.Open())
	defer diag.Close()

	s := smtp.NewService(c, diag.NewSMTPHandler())
	require.NoError(t, s.Open())
	defer s.Close()

	require.NoError(t, s.SendMail(nil, "subject", "body"))

	msgs, err := ts.WaitForMessages(1, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "fallback@example.com", msgs[0].Header.Get("To"))
}

func TestService_SendMail_NotEnabled(t *testing.T) {
	c := smtp.NewConfig()

	diag := diagnostic.NewService(diagnostic.NewConfig(), os.Stderr, os.Stderr)
	require.NoError(t, diag.Open())
	defer diag.Close()

	s := smtp.NewService(c, diag.NewSMTPHandler())
	require.NoError(t, s.Open())
	defer s.Close()

	err := s.SendMail([]string{"oncall@example.com"}, "subject", "body")
	require.Error(t, err)
}

func TestService_SendMail_NoRecipients(t *testing.T) {
	c := smtp.NewConfig()
	c.Enabled = true

	diag := diagnostic.NewService(diagnostic.NewConfig(), os.Stderr, os.Stderr)
	require.NoError(t, diag.Open())
	defer diag.Close()

	s := smtp.NewService(c, diag.NewSMTPHandler())
	require.NoError(t, s.Open())
	defer s.Close()

	err := s.SendMail(nil, "subject", "body")
	require.Equal(t, smtp.ErrNoRecipients, err)
}

func TestService_Update(t *testing.T) {
	ts, err := smtptest.NewServer()
	require.NoError(t, err)
	defer ts.Close()

	c := smtp.NewConfig()
	c.Enabled = true
	c.Host = ts.Host
	c.Port = ts.Port
	c.From = "alertd@example.com"

	diag := diagnostic.NewService(diagnostic.NewConfig(), os.Stderr, os.Stderr)
	require.NoError(t, diag.Open())
	defer diag.Close()

	s := smtp.NewService(c, diag.NewSMTPHandler())
	require.NoError(t, s.Open())
	defer s.Close()

	require.NoError(t, s.SendMail([]string{"oncall@example.com"}, "before", "body"))
	_, err = ts.WaitForMessages(1, 5*time.Second)
	require.NoError(t, err)

	// Update the from address, the mailer reconnects with the new config.
	c.From = "noreply@example.com"
	require.NoError(t, s.Update(c))

	require.NoError(t, s.SendMail([]string{"oncall@example.com"}, "after", "body"))
	msgs, err := ts.WaitForMessages(2, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "noreply@example.com", msgs[1].Header.Get("From"))
}
