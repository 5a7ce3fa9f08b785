package alert

import (
	"encoding"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopyhost/alertd"
	"github.com/canopyhost/alertd/alert"
	"github.com/canopyhost/alertd/bufpool"
	kexpvar "github.com/canopyhost/alertd/expvar"
	"github.com/canopyhost/alertd/keyvalue"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const (
	// emailKind is the buffering email handler, installed whenever the
	// configuration source carries a valid "email" section.
	emailKind = "email"

	// errorCounterName names the baseline counter handler. It is installed
	// on Open and survives every reconcile.
	errorCounterName = "error-counter"
	errorCounterKind = "error-counter"
)

const (
	statNotifies         = "notifies"
	statReconciles       = "reconciles"
	statHandlerPanics    = "handler_panics"
	statMessagesBuffered = "messages_buffered"
	statFlushes          = "flushes"
	statMailsEnqueued    = "mails_enqueued"
	statMailErrors       = "mail_errors"
	statErrorsCounted    = "errors_counted"
)

type Diagnostic interface {
	WithHandlerContext(ctx ...keyvalue.T) HandlerDiagnostic

	InstalledHandler(name, kind string)
	UninstalledHandler(name string)
	InvalidHandlerConfig(name string, err error)
	HandlerPanic(name string, err error)

	Error(msg string, err error, ctx ...keyvalue.T)
}

// HandlerDiagnostic is the write side of diagnostics handed to each
// handler instance.
type HandlerDiagnostic interface {
	Error(msg string, err error, ctx ...keyvalue.T)
}

// Mailer sends the mail composed by email handlers.
type Mailer interface {
	SendMail(to []string, subject, body string) error
}

// HandlerSpec describes one desired handler: its registry name, its kind
// and the raw options the kind's config decodes from.
type HandlerSpec struct {
	Name    string
	Kind    string
	Options map[string]interface{}
}

// Equal reports whether two specs would produce the same handler.
func (s HandlerSpec) Equal(o HandlerSpec) bool {
	return s.Name == o.Name && s.Kind == o.Kind && reflect.DeepEqual(s.Options, o.Options)
}

// handler couples a live handler instance with the spec that created it.
type handler struct {
	Spec     HandlerSpec
	Handler  alert.Handler
	statsKey string
}

// HandlerInfo describes one installed handler.
type HandlerInfo struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Busy     bool   `json:"busy"`
	Buffered int    `json:"buffered"`
	Count    int64  `json:"count,omitempty"`
}

type closer interface {
	Close()
}

// Service owns the alert bus. It delivers every notification to the
// installed handlers and keeps the handler set reconciled against the
// configuration source.
type Service struct {
	mu      sync.Mutex
	opened  bool
	closing chan struct{}
	wg      sync.WaitGroup

	config   Config
	handlers map[string]handler
	epoch    int64

	clock clock.Clock
	bufs  *bufpool.Pool

	statsKey string
	statMap  *kexpvar.Map

	diag Diagnostic

	SMTPService  Mailer
	ConfigSource interface {
		AlertConfig() map[string]interface{}
	}
}

func NewService(c Config, d Diagnostic) *Service {
	s := &Service{
		config:   c,
		handlers: make(map[string]handler),
		clock:    clock.New(),
		bufs:     bufpool.New(),
		diag:     d,
	}
	s.statsKey, s.statMap = alertd.NewStatistics("alert_bus", nil)
	return s
}

func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	s.opened = true

	// The baseline counter handler is always present.
	if err := s.installHandler(HandlerSpec{Name: errorCounterName, Kind: errorCounterKind}); err != nil {
		return errors.Wrap(err, "failed to install baseline handler")
	}

	if s.ConfigSource != nil {
		s.reconcile(s.ConfigSource.AlertConfig())

		if interval := time.Duration(s.config.ReconcileInterval); interval > 0 {
			s.closing = make(chan struct{})
			closing := s.closing
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.run(interval, closing)
			}()
		}
	}
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = false
	if s.closing != nil {
		close(s.closing)
		s.closing = nil
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.handlers {
		s.uninstallHandler(name)
	}
	alertd.DeleteStatistics(s.statsKey)
	return nil
}

func (s *Service) run(interval time.Duration, closing <-chan struct{}) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-closing:
			return
		case <-ticker.C:
			s.ReconcileFromSource()
		}
	}
}

// ReconcileFromSource reconciles against the current snapshot of the
// configuration source. It is a no-op when no source is configured.
func (s *Service) ReconcileFromSource() {
	if s.ConfigSource == nil {
		return
	}
	s.Reconcile(s.ConfigSource.AlertConfig())
}

// Notify timestamps text and delivers the resulting message to every
// installed handler in arrival order. It never fails: a handler that
// panics is logged and replaced with a fresh instance built from its
// own spec.
func (s *Service) Notify(text string) {
	m := alert.Message{
		Time: s.clock.Now().UTC(),
		Text: text,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.statMap.Add(statNotifies, 1)

	// Deliver from a snapshot so a mid-delivery reset cannot hand the
	// message to the replacement instance a second time.
	targets := make([]handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		targets = append(targets, h)
	}
	for _, h := range targets {
		s.deliver(h.Spec.Name, h.Handler, m)
	}
}

// deliver hands m to a single handler, isolating the bus from panics.
// The caller must hold s.mu.
func (s *Service) deliver(name string, h alert.Handler, m alert.Message) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("%v", r)
		}
		s.statMap.Add(statHandlerPanics, 1)
		s.diag.HandlerPanic(name, err)
		s.resetHandler(name)
	}()
	h.Handle(m)
}

// resetHandler replaces the named handler with a fresh instance built
// from the same spec, discarding any buffered state. The caller must
// hold s.mu.
func (s *Service) resetHandler(name string) {
	old, ok := s.handlers[name]
	if !ok {
		return
	}
	s.uninstallHandler(name)
	if err := s.installHandler(old.Spec); err != nil {
		// The spec validated when it was first installed, so a failure
		// here leaves the handler out until the next reconcile.
		s.diag.InvalidHandlerConfig(name, err)
	}
}

// Reconcile applies the desired handler configuration to the registry.
// Handlers present in config but not installed are installed, installed
// handlers absent from config are uninstalled, and handlers whose
// options changed are replaced wholesale. An invalid handler
// configuration is logged and skipped, it never fails the reconcile.
func (s *Service) Reconcile(config map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return
	}
	s.reconcile(config)
}

// reconcile is Reconcile without the lock. The caller must hold s.mu.
func (s *Service) reconcile(config map[string]interface{}) {
	s.statMap.Add(statReconciles, 1)

	desired := s.desiredSpecs(config)

	for name := range s.handlers {
		if _, ok := desired[name]; !ok {
			s.uninstallHandler(name)
		}
	}

	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := desired[name]
		if existing, ok := s.handlers[name]; ok {
			if existing.Spec.Equal(spec) {
				continue
			}
			// Changed options replace the instance wholesale, dropping
			// any buffered state.
			s.uninstallHandler(name)
		}
		if err := s.installHandler(spec); err != nil {
			s.diag.InvalidHandlerConfig(spec.Name, err)
		}
	}

	alertd.NumHandlersVar.Set(int64(len(s.handlers)))
}

// desiredSpecs derives the desired handler set from a raw configuration
// mapping. Each key names the handler kind to install. The baseline
// counter handler is always desired and cannot be overridden.
func (s *Service) desiredSpecs(config map[string]interface{}) map[string]HandlerSpec {
	desired := map[string]HandlerSpec{
		errorCounterName: {Name: errorCounterName, Kind: errorCounterKind},
	}
	for name, raw := range config {
		if name == errorCounterName {
			s.diag.InvalidHandlerConfig(name, errors.New("handler name is reserved"))
			continue
		}
		options, ok := raw.(map[string]interface{})
		if !ok {
			s.diag.InvalidHandlerConfig(name, errors.Errorf("handler options must be a mapping, got %T", raw))
			continue
		}
		desired[name] = HandlerSpec{Name: name, Kind: name, Options: options}
	}
	return desired
}

// installHandler creates and registers a handler from spec. The caller
// must hold s.mu.
func (s *Service) installHandler(spec HandlerSpec) error {
	h, err := s.createHandler(spec)
	if err != nil {
		return err
	}
	s.handlers[spec.Name] = h
	s.diag.InstalledHandler(spec.Name, spec.Kind)
	return nil
}

// uninstallHandler closes and removes the named handler. Buffered state
// is discarded, not flushed. The caller must hold s.mu.
func (s *Service) uninstallHandler(name string) {
	h, ok := s.handlers[name]
	if !ok {
		return
	}
	if c, ok := h.Handler.(closer); ok {
		c.Close()
	}
	alertd.DeleteStatistics(h.statsKey)
	delete(s.handlers, name)
	s.diag.UninstalledHandler(name)
}

func (s *Service) createHandler(spec HandlerSpec) (h handler, err error) {
	key, statMap := alertd.NewStatistics("handlers", map[string]string{
		"handler": spec.Name,
		"kind":    spec.Kind,
	})
	defer func() {
		if err != nil {
			alertd.DeleteStatistics(key)
		}
	}()

	var ah alert.Handler
	switch spec.Kind {
	case emailKind:
		if s.SMTPService == nil {
			return handler{}, errors.New("no mail transport configured")
		}
		c := newDefaultEmailHandlerConfig()
		if err := decodeOptions(spec.Options, &c); err != nil {
			return handler{}, err
		}
		if err := c.Validate(); err != nil {
			return handler{}, err
		}
		s.epoch++
		d := s.diag.WithHandlerContext(keyvalue.KV("handler", spec.Name))
		ah = s.newEmailHandler(c, s.epoch, d, statMap)
	case errorCounterKind:
		ah = newErrorCounterHandler(statMap)
	default:
		return handler{}, errors.Errorf("unsupported handler kind %q", spec.Kind)
	}
	return handler{Spec: spec, Handler: ah, statsKey: key}, nil
}

// Handlers reports the installed handlers sorted by name.
func (s *Service) Handlers() []HandlerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]HandlerInfo, 0, len(s.handlers))
	for _, h := range s.handlers {
		info := HandlerInfo{
			Name: h.Spec.Name,
			Kind: h.Spec.Kind,
		}
		switch ah := h.Handler.(type) {
		case *emailHandler:
			info.Busy, info.Buffered = ah.State()
		case *errorCounterHandler:
			info.Count = ah.Count()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func decodeOptions(options map[string]interface{}, c interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      c,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			decodeNumberToDuration,
			mapstructure.StringToTimeDurationHookFunc(),
			decodeStringToTextUnmarshaler,
		),
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize mapstructure decoder")
	}
	if err := dec.Decode(options); err != nil {
		return errors.Wrapf(err, "failed to decode options into %T", c)
	}
	return nil
}

var (
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
	durationType        = reflect.TypeOf(time.Duration(0))
)

// decodeNumberToDuration decodes plain numbers into duration typed
// fields, interpreting the number as a count of seconds.
func decodeNumberToDuration(f, t reflect.Type, data interface{}) (interface{}, error) {
	if t != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int32:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return data, nil
	}
}

// decodeStringToTextUnmarshaler will decode a string value into any type
// that implements the encoding.TextUnmarshaler interface.
func decodeStringToTextUnmarshaler(f, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	isPtr := true
	if t.Kind() != reflect.Ptr {
		isPtr = false
		t = reflect.PtrTo(t)
	}
	if t.Implements(textUnmarshalerType) {
		value := reflect.New(t.Elem())
		tum := value.Interface().(encoding.TextUnmarshaler)
		str := data.(string)
		err := tum.UnmarshalText([]byte(str))
		if err != nil {
			return nil, err
		}

		if isPtr {
			return value.Interface(), nil
		}
		return reflect.Indirect(value).Interface(), nil
	}
	return data, nil
}
