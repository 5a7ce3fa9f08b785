package smtp

import (
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopyhost/alertd/keyvalue"
	"github.com/pkg/errors"
	"gopkg.in/gomail.v2"
)

// Mail submissions are buffered so a slow or unreachable SMTP server
// does not stall the callers composing mail. Used when the configured
// queue size is zero.
const defaultMailQueueSize = 128

var (
	ErrNoRecipients = errors.New("not sending email, no recipients defined")
	ErrQueueFull    = errors.New("mail queue is full")
)

type Diagnostic interface {
	WithContext(ctx ...keyvalue.T) Diagnostic
	Error(msg string, err error)
}

type Service struct {
	mu          sync.Mutex
	configValue atomic.Value
	mail        chan *gomail.Message
	updates     chan bool
	diag        Diagnostic
	wg          sync.WaitGroup
	opened      bool
}

func NewService(c Config, d Diagnostic) *Service {
	s := &Service{
		updates: make(chan bool),
		diag:    d,
	}
	s.configValue.Store(c)
	return s
}

func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	s.opened = true

	queueSize := s.config().QueueSize
	if queueSize == 0 {
		queueSize = defaultMailQueueSize
	}
	s.mail = make(chan *gomail.Message, queueSize)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runMailer()
	}()

	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false

	close(s.mail)
	s.wg.Wait()

	return nil
}

func (s *Service) config() Config {
	return s.configValue.Load().(Config)
}

// Update replaces the service configuration.
// An open mailer drops its current connection and dials with the new
// settings on the next send.
func (s *Service) Update(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.configValue.Store(c)
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()
	if opened {
		// Signal to create new dialer
		s.updates <- true
	}
	return nil
}

func (s *Service) Enabled() bool {
	c := s.config()
	return c.Enabled
}

func (s *Service) dialer() (d *gomail.Dialer, idleTimeout time.Duration) {
	c := s.config()
	if c.Username == "" {
		d = &gomail.Dialer{Host: c.Host, Port: c.Port}
	} else {
		d = gomail.NewPlainDialer(c.Host, c.Port, c.Username, c.Password)
	}
	if c.NoVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	idleTimeout = time.Duration(c.IdleTimeout)
	return
}

func (s *Service) runMailer() {
	var idleTimeout time.Duration
	var d *gomail.Dialer
	d, idleTimeout = s.dialer()

	var conn gomail.SendCloser
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	var err error
	open := false
	for {
		timer := time.NewTimer(idleTimeout)
		select {
		case <-s.updates:
			// Close old connection
			if conn != nil {
				if err := conn.Close(); err != nil {
					s.diag.Error("error closing old connection to SMTP server", err)
				}
				conn = nil
			}
			// Create new dialer
			d, idleTimeout = s.dialer()
			open = false
		case m, ok := <-s.mail:
			if !ok {
				return
			}
			if !open {
				if conn, err = d.Dial(); err != nil {
					s.diag.Error("error connecting to SMTP server", err)
					break
				}
				open = true
			}
			if err := gomail.Send(conn, m); err != nil {
				s.diag.Error("error sending email", err)
			}
		// Close the connection to the SMTP server if no email was sent in
		// the last IdleTimeout duration.
		case <-timer.C:
			if open {
				if err := conn.Close(); err != nil {
					s.diag.Error("error closing connection to SMTP server", err)
				}
				open = false
			}
		}
		timer.Stop()
	}
}

// SendMail queues a mail for delivery and returns without waiting for it
// to be sent. ErrQueueFull is returned if the queue has no room, the
// mail is not sent in that case.
func (s *Service) SendMail(to []string, subject, body string) error {
	m, err := s.prepareMessage(to, subject, body)
	if err != nil {
		return err
	}
	select {
	case s.mail <- m:
	default:
		return ErrQueueFull
	}
	return nil
}

func (s *Service) prepareMessage(to []string, subject, body string) (*gomail.Message, error) {
	c := s.config()
	if !c.Enabled {
		return nil, errors.New("service is not enabled")
	}
	if len(to) == 0 {
		to = c.To
	}
	if len(to) == 0 {
		return nil, ErrNoRecipients
	}
	m := gomail.NewMessage()
	m.SetHeader("From", c.From)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	return m, nil
}
