// Package smtptest provides a simplified SMTP server for use in tests.
// It captures the messages delivered to it so tests can assert on them.
package smtptest

import (
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/textproto"
	"strconv"
	"sync"
	"time"
)

type Message struct {
	Header mail.Header
	Body   string
}

type Server struct {
	Host string
	Port int
	Err  error

	l            *net.TCPListener
	wg           sync.WaitGroup
	mu           sync.Mutex
	sentMessages []*Message
	errors       []error
}

func NewServer() (*Server, error) {
	laddr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return nil, err
	}
	l, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return nil, err
	}

	addr := l.Addr()
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseInt(portStr, 10, 64)
	if err != nil {
		return nil, err
	}
	s := &Server{
		Host: host,
		Port: int(port),
		l:    l,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	return s, nil
}

func (s *Server) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := make([]error, len(s.errors))
	copy(errs, s.errors)
	return errs
}

func (s *Server) SentMessages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]*Message, len(s.sentMessages))
	copy(msgs, s.sentMessages)
	return msgs
}

// WaitForMessages blocks until the server has captured at least n messages
// or the timeout elapses, whichever comes first.
func (s *Server) WaitForMessages(n int, timeout time.Duration) ([]*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		msgs := s.SentMessages()
		if len(msgs) >= n {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return msgs, fmt.Errorf("timed out waiting for %d messages, got %d", n, len(msgs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Server) Close() error {
	s.l.Close()
	s.wg.Wait()
	return nil
}

func (s *Server) run() {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

const replyGreeting = "220 hello"
const replyOK = "250 Ok"
const replyData = "354 Go ahead"
const replyGoodbye = "221 Goodbye"

// handleConn takes a connection and implements a simplified SMTP protocol,
// while capturing the message contents.
func (s *Server) handleConn(conn net.Conn) {
	var err error
	var line string
	tc := textproto.NewConn(conn)
	err = tc.PrintfLine(replyGreeting)
	if err != nil {
		goto FAIL
	}
	for {
		line, err = tc.ReadLine()
		if err != nil {
			goto FAIL
		}
		if len(line) < 4 {
			err = fmt.Errorf("unexpected data %q", line)
			goto FAIL
		}
		switch line[:4] {
		case "EHLO", "MAIL", "RCPT":
			tc.PrintfLine(replyOK)
		case "DATA":
			var message *mail.Message
			var body []byte
			err = tc.PrintfLine(replyData)
			if err != nil {
				goto FAIL
			}
			dotReader := tc.DotReader()
			message, err = mail.ReadMessage(dotReader)
			if err != nil {
				goto FAIL
			}
			body, err = io.ReadAll(message.Body)
			if err != nil {
				goto FAIL
			}
			s.mu.Lock()
			s.sentMessages = append(s.sentMessages, &Message{
				Header: message.Header,
				Body:   string(body),
			})
			s.mu.Unlock()
			err = tc.PrintfLine(replyOK)
			if err != nil {
				goto FAIL
			}
		case "QUIT":
			err = tc.PrintfLine(replyGoodbye)
			if err != nil {
				goto FAIL
			}
			return
		}
	}
FAIL:
	tc.PrintfLine(replyGoodbye)
	s.mu.Lock()
	s.errors = append(s.errors, err)
	s.mu.Unlock()
}
