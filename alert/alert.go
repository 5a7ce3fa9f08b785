package alert

import (
	"strings"
	"time"
)

// Message is a single alert event flowing through the bus.
// Text may span multiple lines; the first line is the headline.
// A Message is immutable once created.
type Message struct {
	Time time.Time
	Text string
}

// Headline returns the first line of the message text.
func (m Message) Headline() string {
	head := m.Text
	if i := strings.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	return strings.TrimSuffix(head, "\r")
}

// Handler is responsible for taking action on a message.
type Handler interface {
	Handle(m Message)
}
