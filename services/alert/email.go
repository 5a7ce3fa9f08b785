package alert

import (
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopyhost/alertd/alert"
	"github.com/canopyhost/alertd/bufpool"
	kexpvar "github.com/canopyhost/alertd/expvar"
	"github.com/pkg/errors"
)

// Defaults applied to email handler options that are not set.
const (
	defaultFastInterval    = time.Minute
	defaultDelayedInterval = 10 * time.Minute
	defaultErrorsPerBody   = 10
)

// EmailHandlerConfig are the options of a single email handler instance.
// Durations decode from duration strings ("90s") or plain numbers, which
// are interpreted as seconds.
type EmailHandlerConfig struct {
	// Recipients of every mail the handler sends.
	To []string `mapstructure:"to"`

	// Wait after the first message of an idle handler before the first
	// flush.
	FastInterval time.Duration `mapstructure:"fast_interval"`

	// Wait after a flush before the next flush, or the return to idle if
	// nothing new arrived.
	DelayedInterval time.Duration `mapstructure:"delayed_interval"`

	// Maximum number of messages rendered in full per mail body. Messages
	// beyond it contribute a single headline line each.
	ErrorsPerBody int `mapstructure:"errors_per_body"`
}

func newDefaultEmailHandlerConfig() EmailHandlerConfig {
	return EmailHandlerConfig{
		FastInterval:    defaultFastInterval,
		DelayedInterval: defaultDelayedInterval,
		ErrorsPerBody:   defaultErrorsPerBody,
	}
}

func (c EmailHandlerConfig) Validate() error {
	if len(c.To) == 0 {
		return errors.New("must specify at least one recipient")
	}
	for _, to := range c.To {
		if _, err := mail.ParseAddress(to); err != nil {
			return errors.Wrapf(err, "invalid recipient address %q", to)
		}
	}
	if c.FastInterval <= 0 {
		return errors.New("fast_interval must be positive")
	}
	if c.DelayedInterval <= 0 {
		return errors.New("delayed_interval must be positive")
	}
	if c.ErrorsPerBody < 1 {
		return errors.New("errors_per_body must be at least 1")
	}
	return nil
}

// emailHandler buffers messages and mails them out in batches.
//
// The first message after an idle period arms a flush timer with the
// fast interval, so an isolated error is reported promptly. Each flush
// arms the next timer with the delayed interval, throttling mail during
// sustained bursts. A delayed interval that passes without any buffered
// messages returns the handler to idle.
type emailHandler struct {
	c     EmailHandlerConfig
	epoch int64

	mailer Mailer
	diag   HandlerDiagnostic
	clock  clock.Clock
	bufs   *bufpool.Pool
	stats  *kexpvar.Map

	mu     sync.Mutex
	buf    []alert.Message // most recent first
	busy   bool
	timer  *clock.Timer
	closed bool
}

func (s *Service) newEmailHandler(c EmailHandlerConfig, epoch int64, d HandlerDiagnostic, stats *kexpvar.Map) *emailHandler {
	return &emailHandler{
		c:      c,
		epoch:  epoch,
		mailer: s.SMTPService,
		diag:   d,
		clock:  s.clock,
		bufs:   s.bufs,
		stats:  stats,
	}
}

func (h *emailHandler) Handle(m alert.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	// The most recent message sits at the front of the buffer.
	h.buf = append(h.buf, alert.Message{})
	copy(h.buf[1:], h.buf)
	h.buf[0] = m
	h.stats.Add(statMessagesBuffered, 1)

	if !h.busy {
		h.busy = true
		h.schedule(h.c.FastInterval)
	}
}

// schedule arms the flush timer. The caller must hold h.mu.
func (h *emailHandler) schedule(d time.Duration) {
	epoch := h.epoch
	h.timer = h.clock.AfterFunc(d, func() {
		h.timerFired(epoch)
	})
}

func (h *emailHandler) timerFired(epoch int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if epoch != h.epoch {
		// The handler was closed after this timer was armed, the fire
		// is stale.
		return
	}
	h.timer = nil

	if len(h.buf) == 0 {
		// A full delayed interval passed without a single message.
		h.busy = false
		return
	}

	h.flush()
	h.schedule(h.c.DelayedInterval)
}

// flush mails out all buffered messages as one batch. A transport
// failure is logged and the batch is dropped, not retried. The caller
// must hold h.mu.
func (h *emailHandler) flush() {
	// The buffer holds the most recent message first, the mail presents
	// them oldest first.
	msgs := make([]alert.Message, len(h.buf))
	for i, m := range h.buf {
		msgs[len(msgs)-1-i] = m
	}
	h.buf = nil

	subject, body := h.render(msgs)
	h.stats.Add(statFlushes, 1)
	if err := h.mailer.SendMail(h.c.To, subject, body); err != nil {
		h.stats.Add(statMailErrors, 1)
		h.diag.Error("failed to send alert mail", err)
		return
	}
	h.stats.Add(statMailsEnqueued, 1)
}

// render composes the mail for a batch of messages in chronological
// order. The first errors_per_body messages are rendered in full, any
// beyond that as a single headline line each.
func (h *emailHandler) render(msgs []alert.Message) (subject, body string) {
	buf := h.bufs.Get()
	defer h.bufs.Put(buf)

	full := h.c.ErrorsPerBody
	if len(msgs) < full {
		full = len(msgs)
	}
	for _, m := range msgs[:full] {
		buf.WriteString(m.Time.UTC().Format(time.RFC3339))
		buf.WriteByte(' ')
		buf.WriteString(m.Headline())
		buf.WriteByte('\n')
		if rest := messageRest(m.Text); rest != "" {
			buf.WriteString(rest)
			if !strings.HasSuffix(rest, "\n") {
				buf.WriteByte('\n')
			}
		}
		buf.WriteByte('\n')
	}
	for _, m := range msgs[full:] {
		buf.WriteString(m.Time.UTC().Format(time.RFC3339))
		buf.WriteByte(' ')
		buf.WriteString(m.Headline())
		buf.WriteByte('\n')
	}

	subject = msgs[0].Headline()
	if n := len(msgs); n > h.c.ErrorsPerBody {
		subject = fmt.Sprintf("%s [and other %d error(s)]", subject, n-h.c.ErrorsPerBody)
	}
	return subject, buf.String()
}

// messageRest returns everything after the headline line of text.
func messageRest(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[i+1:]
	}
	return ""
}

// State reports whether the handler is inside a batch window and how
// many messages it has buffered.
func (h *emailHandler) State() (busy bool, buffered int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busy, len(h.buf)
}

// Close stops the flush timer and discards any buffered messages
// without flushing them.
func (h *emailHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	// Invalidate any in-flight timer fire.
	h.epoch++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.buf = nil
	h.busy = false
}
