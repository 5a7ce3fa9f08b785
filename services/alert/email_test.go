package alert

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopyhost/alertd/alert"
	"github.com/canopyhost/alertd/bufpool"
	kexpvar "github.com/canopyhost/alertd/expvar"
	"github.com/canopyhost/alertd/services/alert/alerttest"
)

func assertEmailState(t *testing.T, s *Service, busy bool, buffered int) {
	t.Helper()
	for _, info := range s.Handlers() {
		if info.Kind != emailKind {
			continue
		}
		if info.Busy != busy || info.Buffered != buffered {
			t.Fatalf("got busy=%v buffered=%d, expected busy=%v buffered=%d",
				info.Busy, info.Buffered, busy, buffered)
		}
		return
	}
	t.Fatal("email handler not installed")
}

func TestEmailHandler_BatchScenario(t *testing.T) {
	s, mailer, mock := newTestService(t)
	t0 := mock.Now()

	s.Reconcile(map[string]interface{}{
		"email": map[string]interface{}{
			"to":               []interface{}{"oncall@example.com"},
			"fast_interval":    "1s",
			"delayed_interval": "2s",
			"errors_per_body":  1,
		},
	})

	s.Notify("test_body1\nsecond line1")
	assertEmailState(t, s, true, 1)

	// Nothing goes out before the fast interval elapses.
	mock.Add(900 * time.Millisecond)
	if got := len(mailer.Mails()); got != 0 {
		t.Fatalf("got %d mails before the fast interval elapsed", got)
	}

	// The first flush arrives one fast interval after the first message.
	mock.Add(200 * time.Millisecond)
	mails := mailer.Mails()
	if got, exp := len(mails), 1; got != exp {
		t.Fatalf("got %d mails, expected %d", got, exp)
	}
	if got, exp := mails[0].Subject, "test_body1"; got != exp {
		t.Errorf("unexpected subject: got %q exp %q", got, exp)
	}
	if got, exp := len(mails[0].To), 1; got != exp || mails[0].To[0] != "oncall@example.com" {
		t.Errorf("unexpected recipients: got %v", mails[0].To)
	}
	expBody := t0.Format(time.RFC3339) + " test_body1\nsecond line1\n\n"
	if got := mails[0].Body; got != expBody {
		t.Errorf("unexpected body:\ngot %q\nexp %q", got, expBody)
	}
	// Flushed but still inside the delayed window.
	assertEmailState(t, s, true, 0)

	// Messages arriving during the window accumulate without sending.
	s.Notify("test_body2")
	mock.Add(400 * time.Millisecond)
	s.Notify("test_body3")
	s.Notify("test_body4")
	assertEmailState(t, s, true, 3)
	if got := len(mailer.Mails()); got != 1 {
		t.Fatalf("got %d mails during the delayed window, expected 1", got)
	}

	// The second flush arrives one delayed interval after the first.
	mock.Add(1600 * time.Millisecond)
	mails = mailer.Mails()
	if got, exp := len(mails), 2; got != exp {
		t.Fatalf("got %d mails, expected %d", got, exp)
	}
	if got, exp := mails[1].Subject, "test_body2 [and other 2 error(s)]"; got != exp {
		t.Errorf("unexpected subject: got %q exp %q", got, exp)
	}
	ts2 := t0.Add(1100 * time.Millisecond).Format(time.RFC3339)
	ts34 := t0.Add(1500 * time.Millisecond).Format(time.RFC3339)
	expBody = ts2 + " test_body2\n\n" +
		ts34 + " test_body3\n" +
		ts34 + " test_body4\n"
	if got := mails[1].Body; got != expBody {
		t.Errorf("unexpected body:\ngot %q\nexp %q", got, expBody)
	}

	// With nothing new buffered the next delayed interval returns the
	// handler to idle and no further mail is sent.
	mock.Add(2 * time.Second)
	if got := len(mailer.Mails()); got != 2 {
		t.Fatalf("got %d mails, expected no third mail", got)
	}
	assertEmailState(t, s, false, 0)

	// The cycle restarts cleanly from idle.
	s.Notify("after idle")
	assertEmailState(t, s, true, 1)
	mock.Add(1100 * time.Millisecond)
	mails = mailer.Mails()
	if got, exp := len(mails), 3; got != exp {
		t.Fatalf("got %d mails, expected %d", got, exp)
	}
	if got, exp := mails[2].Subject, "after idle"; got != exp {
		t.Errorf("unexpected subject: got %q exp %q", got, exp)
	}
}

func TestEmailHandler_Render(t *testing.T) {
	base := time.Date(2023, time.May, 4, 12, 0, 0, 0, time.UTC)
	ts := base.Format(time.RFC3339)
	msg := func(text string) alert.Message {
		return alert.Message{Time: base, Text: text}
	}

	cases := []struct {
		name    string
		k       int
		msgs    []alert.Message
		subject string
		body    string
	}{
		{
			name:    "single message",
			k:       1,
			msgs:    []alert.Message{msg("db down")},
			subject: "db down",
			body:    ts + " db down\n\n",
		},
		{
			name:    "multi line message",
			k:       1,
			msgs:    []alert.Message{msg("db down\nhost pg-1\nretrying")},
			subject: "db down",
			body:    ts + " db down\nhost pg-1\nretrying\n\n",
		},
		{
			name:    "trailing newline kept",
			k:       1,
			msgs:    []alert.Message{msg("db down\nhost pg-1\n")},
			subject: "db down",
			body:    ts + " db down\nhost pg-1\n\n",
		},
		{
			name:    "exactly errors per body",
			k:       2,
			msgs:    []alert.Message{msg("first"), msg("second\ndetail")},
			subject: "first",
			body:    ts + " first\n\n" + ts + " second\ndetail\n\n",
		},
		{
			name: "overflow abbreviates",
			k:    2,
			msgs: []alert.Message{
				msg("disk failure\nvolume /dev/sda1"),
				msg("oom kill\napp web-1"),
				msg("timeout"),
				msg("timeout"),
				msg("crash loop\napp web-2"),
			},
			subject: "disk failure [and other 3 error(s)]",
			body: ts + " disk failure\nvolume /dev/sda1\n\n" +
				ts + " oom kill\napp web-1\n\n" +
				ts + " timeout\n" +
				ts + " timeout\n" +
				ts + " crash loop\n",
		},
		{
			name:    "crlf headline",
			k:       1,
			msgs:    []alert.Message{msg("db down\r\nhost pg-1"), msg("late\r\nerror")},
			subject: "db down [and other 1 error(s)]",
			body:    ts + " db down\nhost pg-1\n\n" + ts + " late\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &emailHandler{
				c:    EmailHandlerConfig{ErrorsPerBody: tc.k},
				bufs: bufpool.New(),
			}
			subject, body := h.render(tc.msgs)
			if subject != tc.subject {
				t.Errorf("unexpected subject: got %q exp %q", subject, tc.subject)
			}
			if body != tc.body {
				t.Errorf("unexpected body:\ngot %q\nexp %q", body, tc.body)
			}
		})
	}
}

func newTestEmailHandler(mailer Mailer, mock *clock.Mock) *emailHandler {
	return &emailHandler{
		c: EmailHandlerConfig{
			To:              []string{"oncall@example.com"},
			FastInterval:    time.Second,
			DelayedInterval: 2 * time.Second,
			ErrorsPerBody:   10,
		},
		epoch:  1,
		mailer: mailer,
		diag:   &testDiag{},
		clock:  mock,
		bufs:   bufpool.New(),
		stats:  new(kexpvar.Map).Init(),
	}
}

func TestEmailHandler_BufferOrder(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2023, time.May, 4, 12, 0, 0, 0, time.UTC))
	mailer := alerttest.NewMailer()
	h := newTestEmailHandler(mailer, mock)

	h.Handle(alert.Message{Time: mock.Now(), Text: "first"})
	mock.Add(100 * time.Millisecond)
	h.Handle(alert.Message{Time: mock.Now(), Text: "second"})
	mock.Add(100 * time.Millisecond)
	h.Handle(alert.Message{Time: mock.Now(), Text: "third"})

	// Newest first in the buffer.
	if got, exp := h.buf[0].Text, "third"; got != exp {
		t.Fatalf("got %q at the buffer front, expected %q", got, exp)
	}
	if got, exp := h.buf[2].Text, "first"; got != exp {
		t.Fatalf("got %q at the buffer back, expected %q", got, exp)
	}

	// Oldest first in the mail.
	mock.Add(time.Second)
	mails := mailer.Mails()
	if got, exp := len(mails), 1; got != exp {
		t.Fatalf("got %d mails, expected %d", got, exp)
	}
	if got, exp := mails[0].Subject, "first"; got != exp {
		t.Errorf("unexpected subject: got %q exp %q", got, exp)
	}
}

func TestEmailHandler_StaleTimerFire(t *testing.T) {
	mock := clock.NewMock()
	mailer := alerttest.NewMailer()
	h := newTestEmailHandler(mailer, mock)
	h.epoch = 3

	h.Handle(alert.Message{Time: mock.Now(), Text: "pending"})

	// A fire tagged with a superseded epoch is ignored outright.
	h.timerFired(2)
	if got := len(mailer.Mails()); got != 0 {
		t.Fatalf("got %d mails from a stale timer fire", got)
	}
	if busy, buffered := h.State(); !busy || buffered != 1 {
		t.Fatalf("got busy=%v buffered=%d, expected the buffer untouched", busy, buffered)
	}

	// The current epoch flushes as usual.
	h.timerFired(3)
	if got := len(mailer.Mails()); got != 1 {
		t.Fatalf("got %d mails, expected 1", got)
	}

	// After close even the current epoch is stale.
	h.Close()
	h.Handle(alert.Message{Time: mock.Now(), Text: "ignored"})
	h.timerFired(3)
	if got := len(mailer.Mails()); got != 1 {
		t.Fatalf("got %d mails after close, expected 1", got)
	}
}

func TestEmailHandler_CloseDiscardsBuffer(t *testing.T) {
	mock := clock.NewMock()
	mailer := alerttest.NewMailer()
	h := newTestEmailHandler(mailer, mock)

	h.Handle(alert.Message{Time: mock.Now(), Text: "one"})
	h.Handle(alert.Message{Time: mock.Now(), Text: "two"})
	h.Close()

	if busy, buffered := h.State(); busy || buffered != 0 {
		t.Fatalf("got busy=%v buffered=%d, expected an idle empty handler", busy, buffered)
	}

	mock.Add(10 * time.Second)
	if got := len(mailer.Mails()); got != 0 {
		t.Fatalf("got %d mails, expected the buffer to be dropped unflushed", got)
	}
}

func TestEmailHandler_SendFailure(t *testing.T) {
	mock := clock.NewMock()
	mailer := alerttest.NewMailer()
	h := newTestEmailHandler(mailer, mock)

	mailer.Fail(errors.New("smtp unreachable"))
	h.Handle(alert.Message{Time: mock.Now(), Text: "lost"})
	mock.Add(time.Second)

	// The batch is dropped, not restored, and the cadence continues.
	if got := len(mailer.Mails()); got != 0 {
		t.Fatalf("got %d mails, expected the failed batch to be dropped", got)
	}
	if busy, buffered := h.State(); !busy || buffered != 0 {
		t.Fatalf("got busy=%v buffered=%d, expected an empty busy handler", busy, buffered)
	}
	d := h.diag.(*testDiag)
	d.mu.Lock()
	errCount := len(d.handlerErr)
	d.mu.Unlock()
	if errCount != 1 {
		t.Fatalf("got %d error diagnostics, expected 1", errCount)
	}

	// Later messages flush normally once the transport recovers.
	mailer.Fail(nil)
	h.Handle(alert.Message{Time: mock.Now(), Text: "recovered"})
	mock.Add(2 * time.Second)
	mails := mailer.Mails()
	if got, exp := len(mails), 1; got != exp {
		t.Fatalf("got %d mails, expected %d", got, exp)
	}
	if got, exp := mails[0].Subject, "recovered"; got != exp {
		t.Errorf("unexpected subject: got %q exp %q", got, exp)
	}
}

func TestEmailHandlerConfig_Validate(t *testing.T) {
	cases := []struct {
		name      string
		change    func(*EmailHandlerConfig)
		expectErr bool
	}{
		{
			name:   "valid",
			change: func(c *EmailHandlerConfig) {},
		},
		{
			name: "multiple recipients",
			change: func(c *EmailHandlerConfig) {
				c.To = append(c.To, "dev@example.com")
			},
		},
		{
			name: "no recipients",
			change: func(c *EmailHandlerConfig) {
				c.To = nil
			},
			expectErr: true,
		},
		{
			name: "empty recipients",
			change: func(c *EmailHandlerConfig) {
				c.To = []string{}
			},
			expectErr: true,
		},
		{
			name: "invalid address",
			change: func(c *EmailHandlerConfig) {
				c.To = []string{"invalid-email-address"}
			},
			expectErr: true,
		},
		{
			name: "one invalid among valid",
			change: func(c *EmailHandlerConfig) {
				c.To = append(c.To, "not an address")
			},
			expectErr: true,
		},
		{
			name: "zero fast interval",
			change: func(c *EmailHandlerConfig) {
				c.FastInterval = 0
			},
			expectErr: true,
		},
		{
			name: "negative delayed interval",
			change: func(c *EmailHandlerConfig) {
				c.DelayedInterval = -time.Second
			},
			expectErr: true,
		},
		{
			name: "zero errors per body",
			change: func(c *EmailHandlerConfig) {
				c.ErrorsPerBody = 0
			},
			expectErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newDefaultEmailHandlerConfig()
			c.To = []string{"oncall@example.com"}
			tc.change(&c)
			err := c.Validate()
			if tc.expectErr && err == nil {
				t.Fatal("expected a validation error")
			}
			if !tc.expectErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
