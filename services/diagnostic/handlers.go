package diagnostic

import (
	"log"
	"runtime"
	"time"

	"github.com/canopyhost/alertd/keyvalue"
	alertservice "github.com/canopyhost/alertd/services/alert"
	"github.com/canopyhost/alertd/services/smtp"
	"github.com/pkg/errors"
)

func Err(l Logger, msg string, err error, ctx []keyvalue.T) {
	if len(ctx) == 0 {
		l.Error(msg, Error(err))
		return
	}

	if len(ctx) == 1 {
		el := ctx[0]
		l.Error(msg, Error(err), String(el.Key, el.Value))
		return
	}

	if len(ctx) == 2 {
		x := ctx[0]
		y := ctx[1]
		l.Error(msg, Error(err), String(x.Key, x.Value), String(y.Key, y.Value))
		return
	}

	// Use the allocation version for any length
	fields := make([]Field, len(ctx)+1) // +1 for error
	fields[0] = Error(err)
	for i := 1; i < len(fields); i++ {
		kv := ctx[i-1]
		fields[i] = String(kv.Key, kv.Value)
	}

	l.Error(msg, fields...)
}

func Info(l Logger, msg string, ctx []keyvalue.T) {
	if len(ctx) == 0 {
		l.Info(msg)
		return
	}

	if len(ctx) == 1 {
		el := ctx[0]
		l.Info(msg, String(el.Key, el.Value))
		return
	}

	if len(ctx) == 2 {
		x := ctx[0]
		y := ctx[1]
		l.Info(msg, String(x.Key, x.Value), String(y.Key, y.Value))
		return
	}

	// Use the allocation version for any length
	fields := make([]Field, len(ctx))
	for i, kv := range ctx {
		fields[i] = String(kv.Key, kv.Value)
	}

	l.Info(msg, fields...)
}

func Debug(l Logger, msg string, ctx []keyvalue.T) {
	if len(ctx) == 0 {
		l.Debug(msg)
		return
	}

	if len(ctx) == 1 {
		el := ctx[0]
		l.Debug(msg, String(el.Key, el.Value))
		return
	}

	if len(ctx) == 2 {
		x := ctx[0]
		y := ctx[1]
		l.Debug(msg, String(x.Key, x.Value), String(y.Key, y.Value))
		return
	}

	// Use the allocation version for any length
	fields := make([]Field, len(ctx))
	for i, kv := range ctx {
		fields[i] = String(kv.Key, kv.Value)
	}

	l.Debug(msg, fields...)
}

func logFieldsFromContext(ctx []keyvalue.T) []Field {
	fields := make([]Field, len(ctx))
	for i, kv := range ctx {
		fields[i] = String(kv.Key, kv.Value)
	}

	return fields
}

// Alert Service Handler

type AlertServiceHandler struct {
	L Logger
}

func (s *Service) NewAlertServiceHandler() *AlertServiceHandler {
	return &AlertServiceHandler{
		L: s.logger.With(String("service", "alert")),
	}
}

func (h *AlertServiceHandler) WithHandlerContext(ctx ...keyvalue.T) alertservice.HandlerDiagnostic {
	fields := logFieldsFromContext(ctx)

	return &AlertServiceHandler{
		L: h.L.With(fields...),
	}
}

func (h *AlertServiceHandler) InstalledHandler(name, kind string) {
	h.L.Info("installed alert handler", String("handler", name), String("kind", kind))
}

func (h *AlertServiceHandler) UninstalledHandler(name string) {
	h.L.Info("uninstalled alert handler", String("handler", name))
}

func (h *AlertServiceHandler) InvalidHandlerConfig(name string, err error) {
	h.L.Warn("invalid alert handler config, handler not installed", String("handler", name), Error(err))
}

func (h *AlertServiceHandler) HandlerPanic(name string, err error) {
	h.L.Error("alert handler panicked, resetting it", String("handler", name), Error(err))
}

func (h *AlertServiceHandler) Error(msg string, err error, ctx ...keyvalue.T) {
	Err(h.L, msg, err, ctx)
}

// SMTP Handler

type SMTPHandler struct {
	l Logger
}

func (s *Service) NewSMTPHandler() *SMTPHandler {
	return &SMTPHandler{
		l: s.logger.With(String("service", "smtp")),
	}
}

func (h *SMTPHandler) WithContext(ctx ...keyvalue.T) smtp.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &SMTPHandler{
		l: h.l.With(fields...),
	}
}

func (h *SMTPHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

// Config Handler

type ConfigHandler struct {
	l Logger
}

func (s *Service) NewConfigHandler() *ConfigHandler {
	return &ConfigHandler{
		l: s.logger.With(String("service", "config")),
	}
}

func (h *ConfigHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *ConfigHandler) ReloadedHandlersFile(file string) {
	h.l.Info("reloaded alert handlers file", String("file", file))
}

func (h *ConfigHandler) MissingHandlersFile(file string) {
	h.l.Debug("alert handlers file does not exist, serving an empty configuration", String("file", file))
}

// HTTPD Handler

type HTTPDHandler struct {
	l Logger
}

func (s *Service) NewHTTPDHandler() *HTTPDHandler {
	return &HTTPDHandler{
		l: s.logger.With(String("service", "http")),
	}
}

func (h *HTTPDHandler) NewHTTPServerErrorLogger() *log.Logger {
	s := &StaticLevelHandler{
		l:     h.l.With(String("service", "httpd-server-errors")),
		level: llError,
	}

	return log.New(s, "", log.LstdFlags)
}

func (h *HTTPDHandler) StartingService() {
	h.l.Info("starting HTTP service")
}

func (h *HTTPDHandler) StoppedService() {
	h.l.Info("closed HTTP service")
}

func (h *HTTPDHandler) ShutdownTimeout() {
	h.l.Error("shutdown timedout, forcefully closing all remaining connections")
}

func (h *HTTPDHandler) ListeningOn(addr string, proto string) {
	h.l.Info("listening on", String("addr", addr), String("protocol", proto))
}

func (h *HTTPDHandler) HTTP(
	host string,
	start time.Time,
	method string,
	uri string,
	proto string,
	status int,
	referer string,
	userAgent string,
	reqID string,
	duration time.Duration,
) {
	h.l.Info("http request",
		String("host", host),
		Time("start", start),
		String("method", method),
		String("uri", uri),
		String("protocol", proto),
		Int("status", status),
		String("referer", referer),
		String("user-agent", userAgent),
		String("request-id", reqID),
		Duration("duration", duration),
	)
}

func (h *HTTPDHandler) RecoveryError(
	msg string,
	err string,
	host string,
	start time.Time,
	method string,
	uri string,
	proto string,
	status int,
	referer string,
	userAgent string,
	reqID string,
	duration time.Duration,
) {
	h.l.Error(msg,
		String("err", err),
		String("host", host),
		Time("start", start),
		String("method", method),
		String("uri", uri),
		String("protocol", proto),
		Int("status", status),
		String("referer", referer),
		String("user-agent", userAgent),
		String("request-id", reqID),
		Duration("duration", duration),
	)
}

func (h *HTTPDHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

// Server Handler

type ServerHandler struct {
	l Logger
}

func (s *Service) NewServerHandler() *ServerHandler {
	return &ServerHandler{
		l: s.logger.With(String("source", "srv")),
	}
}

func (h *ServerHandler) Error(msg string, err error, ctx ...keyvalue.T) {
	Err(h.l, msg, err, ctx)
}

func (h *ServerHandler) Info(msg string, ctx ...keyvalue.T) {
	Info(h.l, msg, ctx)
}

func (h *ServerHandler) Debug(msg string, ctx ...keyvalue.T) {
	Debug(h.l, msg, ctx)
}

// Cmd Handler

type CmdHandler struct {
	l Logger
}

func (s *Service) NewCmdHandler() *CmdHandler {
	return &CmdHandler{
		l: s.logger.With(String("source", "run")),
	}
}

func (h *CmdHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *CmdHandler) AlertdStarting(version, branch, commit string) {
	h.l.Info("alertd starting",
		String("version", version),
		String("branch", branch),
		String("commit", commit),
	)
}

func (h *CmdHandler) GoVersion() {
	h.l.Info("go version", String("version", runtime.Version()))
}

func (h *CmdHandler) Info(msg string) {
	h.l.Info(msg)
}

// Static Level Handler, forwards log lines of a fixed level to the
// shared logger. Satisfies io.Writer so it can back a *log.Logger.

type logLevel int

const (
	llInvalid logLevel = iota
	llDebug
	llError
	llInfo
	llWarn
)

type StaticLevelHandler struct {
	l     Logger
	level logLevel
}

func (h *StaticLevelHandler) Write(buf []byte) (int, error) {
	switch h.level {
	case llDebug:
		h.l.Debug(string(buf))
	case llError:
		h.l.Error(string(buf))
	case llInfo:
		h.l.Info(string(buf))
	case llWarn:
		h.l.Warn(string(buf))
	default:
		return 0, errors.New("invalid log level")
	}

	return len(buf), nil
}
