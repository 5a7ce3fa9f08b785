package httpd

import (
	"encoding/json"
	"expvar"
	"fmt"
	"net/http"
	"strings"
	"time"

	kexpvar "github.com/canopyhost/alertd/expvar"
	alertservice "github.com/canopyhost/alertd/services/alert"
	"github.com/google/uuid"
	"github.com/influxdata/httprouter"
)

// statistics gathered by the httpd package.
const (
	statRequest          = "req"           // Number of HTTP requests served.
	statPingRequest      = "ping_req"      // Number of ping requests served.
	statNotifyRequest    = "notify_req"    // Number of notification requests served.
	statReconcileRequest = "reconcile_req" // Number of reconcile requests served.
)

const BasePath = "/alertd/v1"

type Route struct {
	Method      string
	Pattern     string
	HandlerFunc http.HandlerFunc
}

// Handler represents an HTTP handler for the alertd API server.
type Handler struct {
	mux *httprouter.Router

	Version string

	AlertService interface {
		Notify(text string)
		ReconcileFromSource()
		Handlers() []alertservice.HandlerInfo
	}

	// Log every HTTP access.
	loggingEnabled bool

	diag    Diagnostic
	statMap *kexpvar.Map
}

// NewHandler returns a new instance of handler with routes.
func NewHandler(loggingEnabled bool, statMap *kexpvar.Map, d Diagnostic) *Handler {
	h := &Handler{
		mux:            httprouter.New(),
		loggingEnabled: loggingEnabled,
		diag:           d,
		statMap:        statMap,
	}

	// Anything unmatched gets the formatted 404, never the router's
	// plain text responses.
	h.mux.HandleMethodNotAllowed = false
	h.mux.NotFound = h.wrap(http.HandlerFunc(h.serve404))

	h.addRoutes([]Route{
		{
			// Ping
			Method:      "GET",
			Pattern:     "/ping",
			HandlerFunc: h.servePing,
		},
		{
			// Ping
			Method:      "HEAD",
			Pattern:     "/ping",
			HandlerFunc: h.servePing,
		},
		{
			// Submit a new notification to the alert handlers.
			Method:      "POST",
			Pattern:     "/notify",
			HandlerFunc: h.serveNotify,
		},
		{
			// Display the currently installed alert handlers.
			Method:      "GET",
			Pattern:     "/handlers",
			HandlerFunc: h.serveHandlers,
		},
		{
			// Force a reconcile against the configuration source.
			Method:      "POST",
			Pattern:     "/reconcile",
			HandlerFunc: h.serveReconcile,
		},
		{
			Method:      "GET",
			Pattern:     "/debug/vars",
			HandlerFunc: serveExpvar,
		},
	})

	return h
}

func (h *Handler) addRoutes(routes []Route) {
	for _, r := range routes {
		h.addRoute(r)
	}
}

func (h *Handler) addRoute(r Route) {
	h.mux.Handler(r.Method, BasePath+r.Pattern, h.wrap(r.HandlerFunc))
}

// wrap sets the common handlers for all routes. The recovery handler is
// always outermost so a panic anywhere in the chain is logged.
func (h *Handler) wrap(inner http.Handler) http.Handler {
	handler := jsonContent(inner)
	handler = versionHeader(handler, h)
	handler = cors(handler)
	handler = requestID(handler)
	if h.loggingEnabled {
		handler = h.logHandler(handler)
	}
	handler = h.recovery(handler)
	return handler
}

// ServeHTTP responds to HTTP request to the handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.statMap.Add(statRequest, 1)
	h.mux.ServeHTTP(w, r)
}

// serve404 returns a formatted 404 error
func (h *Handler) serve404(w http.ResponseWriter, r *http.Request) {
	HttpError(w, "Not Found", true, http.StatusNotFound)
}

// servePing returns a simple response to let the client know the server is running.
func (h *Handler) servePing(w http.ResponseWriter, r *http.Request) {
	h.statMap.Add(statPingRequest, 1)
	w.WriteHeader(http.StatusNoContent)
}

// NotifyOptions is the request payload of the notify endpoint.
type NotifyOptions struct {
	Text string `json:"text"`
}

// serveNotify accepts a notification and hands it to the alert service.
// The response does not wait for handler delivery.
func (h *Handler) serveNotify(w http.ResponseWriter, r *http.Request) {
	h.statMap.Add(statNotifyRequest, 1)

	var opt NotifyOptions
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&opt); err != nil {
		HttpError(w, "invalid json: "+err.Error(), true, http.StatusBadRequest)
		return
	}

	h.AlertService.Notify(opt.Text)
	w.WriteHeader(http.StatusNoContent)
}

// serveHandlers returns the set of installed alert handlers.
func (h *Handler) serveHandlers(w http.ResponseWriter, r *http.Request) {
	type handlersResponse struct {
		Handlers []alertservice.HandlerInfo `json:"handlers"`
	}

	handlers := h.AlertService.Handlers()
	if handlers == nil {
		handlers = []alertservice.HandlerInfo{}
	}
	w.Write(MarshalJSON(handlersResponse{Handlers: handlers}, true))
}

// serveReconcile forces a reconcile against the current configuration.
func (h *Handler) serveReconcile(w http.ResponseWriter, r *http.Request) {
	h.statMap.Add(statReconcileRequest, 1)

	h.AlertService.ReconcileFromSource()
	w.WriteHeader(http.StatusNoContent)
}

// MarshalJSON will marshal v to JSON. Pretty prints if pretty is true.
func MarshalJSON(v interface{}, pretty bool) []byte {
	var b []byte
	var err error
	if pretty {
		b, err = json.MarshalIndent(v, "", "    ")
	} else {
		b, err = json.Marshal(v)
	}

	if err != nil {
		type errResponse struct {
			Error string `json:"error"`
		}
		er := errResponse{Error: err.Error()}
		b, _ = json.Marshal(er)
	}
	return b
}

// serveExpvar serves registered expvar information over HTTP.
func serveExpvar(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// HttpError writes an error to the client in a standard format.
func HttpError(w http.ResponseWriter, err string, pretty bool, code int) {
	w.WriteHeader(code)

	type errResponse struct {
		Error string `json:"error"`
	}

	response := errResponse{Error: err}
	var b []byte
	if pretty {
		b, _ = json.MarshalIndent(response, "", "    ")
	} else {
		b, _ = json.Marshal(response)
	}
	w.Write(b)
}

// Filters and filter helpers

func jsonContent(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		inner.ServeHTTP(w, r)
	})
}

// versionHeader takes a HTTP handler and returns a HTTP handler
// and adds the X-AlertD-Version header to outgoing responses.
func versionHeader(inner http.Handler, h *Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("X-AlertD-Version", h.Version)
		inner.ServeHTTP(w, r)
	})
}

// cors responds to incoming requests and adds the appropriate cors headers
func cors(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set(`Access-Control-Allow-Origin`, origin)
			w.Header().Set(`Access-Control-Allow-Methods`, strings.Join([]string{
				`DELETE`,
				`GET`,
				`OPTIONS`,
				`POST`,
				`PATCH`,
			}, ", "))

			w.Header().Set(`Access-Control-Allow-Headers`, strings.Join([]string{
				`Accept`,
				`Accept-Encoding`,
				`Authorization`,
				`Content-Length`,
				`Content-Type`,
				`X-CSRF-Token`,
				`X-HTTP-Method-Override`,
			}, ", "))
		}

		if r.Method == "OPTIONS" {
			return
		}

		inner.ServeHTTP(w, r)
	})
}

func requestID(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := uuid.New()
		r.Header.Set("Request-Id", uid.String())
		w.Header().Set("Request-Id", r.Header.Get("Request-Id"))

		inner.ServeHTTP(w, r)
	})
}

func (h *Handler) logHandler(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := &responseLogger{w: w}
		inner.ServeHTTP(l, r)

		h.diag.HTTP(
			r.Host,
			start,
			r.Method,
			r.URL.RequestURI(),
			r.Proto,
			l.Status(),
			r.Referer(),
			r.UserAgent(),
			r.Header.Get("Request-Id"),
			time.Since(start),
		)
	})
}

func (h *Handler) recovery(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := &responseLogger{w: w}

		defer func() {
			if err := recover(); err != nil {
				h.diag.RecoveryError(
					"panic while serving request",
					fmt.Sprintf("%v", err),
					r.Host,
					start,
					r.Method,
					r.URL.RequestURI(),
					r.Proto,
					l.Status(),
					r.Referer(),
					r.UserAgent(),
					r.Header.Get("Request-Id"),
					time.Since(start),
				)
				if l.Status() == 0 {
					// Headers were not written yet, surface the failure
					// to the client.
					HttpError(l, fmt.Sprintf("unexpected error: %v", err), true, http.StatusInternalServerError)
				}
			}
		}()

		inner.ServeHTTP(l, r)
	})
}
