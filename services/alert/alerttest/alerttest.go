// Package alerttest provides test fixtures for the collaborators of the
// alert service.
package alerttest

import "sync"

// Mail is one mail captured by a Mailer.
type Mail struct {
	To      []string
	Subject string
	Body    string
}

// Mailer captures every mail sent through it.
type Mailer struct {
	mu    sync.Mutex
	err   error
	mails []Mail
}

func NewMailer() *Mailer {
	return &Mailer{}
}

// Fail makes every subsequent SendMail call return err.
func (m *Mailer) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *Mailer) SendMail(to []string, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.mails = append(m.mails, Mail{
		To:      append([]string(nil), to...),
		Subject: subject,
		Body:    body,
	})
	return nil
}

// Mails returns the captured mail in send order.
func (m *Mailer) Mails() []Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mail(nil), m.mails...)
}

// ConfigSource serves a handler configuration that tests can swap at
// runtime.
type ConfigSource struct {
	mu  sync.Mutex
	cfg map[string]interface{}
}

func NewConfigSource(cfg map[string]interface{}) *ConfigSource {
	return &ConfigSource{cfg: cfg}
}

func (s *ConfigSource) Set(cfg map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *ConfigSource) AlertConfig() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}
