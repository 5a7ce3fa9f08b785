// This package is a set of convenience helpers and structs to make integration testing easier
package server_test

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/canopyhost/alertd/server"
	alertservice "github.com/canopyhost/alertd/services/alert"
	"github.com/canopyhost/alertd/services/diagnostic"
)

// Server represents a test wrapper for server.Server.
type Server struct {
	*server.Server
	Config    *server.Config
	buildInfo server.BuildInfo
	ds        *diagnostic.Service
}

// NewServer returns a new instance of Server.
func NewServer(c *server.Config) *Server {
	buildInfo := server.BuildInfo{
		Version: "testServer",
		Commit:  "testCommit",
		Branch:  "testBranch",
	}
	c.HTTP.LogEnabled = testing.Verbose()
	ds := diagnostic.NewService(diagnostic.NewConfig(), os.Stderr, os.Stderr)
	if err := ds.Open(); err != nil {
		panic(err)
	}
	srv, err := server.New(c, buildInfo, ds)
	if err != nil {
		panic(err)
	}
	s := Server{
		Server:    srv,
		Config:    c,
		buildInfo: buildInfo,
		ds:        ds,
	}
	return &s
}

// OpenDefaultServer opens a test server with a default configuration.
func OpenDefaultServer() *Server {
	c := NewConfig()
	return OpenServer(c)
}

// OpenServer opens a test server.
func OpenServer(c *server.Config) *Server {
	s := NewServer(c)
	if err := s.Open(); err != nil {
		panic(err.Error())
	}
	return s
}

// Open opens the underlying server and records the bound address so the
// server can be restarted on the same port.
func (s *Server) Open() error {
	err := s.Server.Open()
	if err != nil {
		return err
	}
	u, err := url.Parse(s.URL())
	if err != nil {
		return err
	}
	s.Config.HTTP.BindAddress = u.Host
	return nil
}

// Restart stops then starts the server again using the same configuration.
func (s *Server) Restart() {
	s.Server.Close()
	srv, err := server.New(s.Config, s.buildInfo, s.ds)
	if err != nil {
		panic(err.Error())
	}
	if err := srv.Open(); err != nil {
		panic(err.Error())
	}
	s.Server = srv
}

// Close shuts down the server and removes all temporary paths.
func (s *Server) Close() {
	s.Server.Close()
	s.ds.Close()
	os.RemoveAll(filepath.Dir(s.Config.Handlers.File))
	os.RemoveAll(s.Config.DataDir)
}

// URL returns the base URL for the httpd endpoint.
func (s *Server) URL() string {
	if s.HTTPDService != nil {
		return s.HTTPDService.URL()
	}
	panic("httpd server not found in services")
}

// Ping sends a ping request to the server.
func (s *Server) Ping() (string, error) {
	resp, err := http.Get(s.URL() + "/ping")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return "", fmt.Errorf("invalid status code: code=%d, body=%s", resp.StatusCode, MustReadAll(resp.Body))
	}
	return resp.Header.Get("X-Alertd-Version"), nil
}

// Notify posts a notification message to the server.
func (s *Server) Notify(text string) error {
	body := fmt.Sprintf(`{"text":%q}`, text)
	resp, err := http.Post(s.URL()+"/notify", "application/json", strings.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("invalid status code: code=%d, body=%s", resp.StatusCode, MustReadAll(resp.Body))
	}
	return nil
}

// Reconcile forces a reconcile pass against the current handler configuration.
func (s *Server) Reconcile() error {
	resp, err := http.Post(s.URL()+"/reconcile", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("invalid status code: code=%d, body=%s", resp.StatusCode, MustReadAll(resp.Body))
	}
	return nil
}

// Handlers fetches the list of installed handlers from the server.
func (s *Server) Handlers() ([]alertservice.HandlerInfo, error) {
	resp, err := http.Get(s.URL() + "/handlers")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("invalid status code: code=%d, body=%s", resp.StatusCode, MustReadAll(resp.Body))
	}
	var result struct {
		Handlers []alertservice.HandlerInfo `json:"handlers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Handlers, nil
}

// Handler fetches info for a single handler by name.
func (s *Server) Handler(name string) (alertservice.HandlerInfo, bool, error) {
	handlers, err := s.Handlers()
	if err != nil {
		return alertservice.HandlerInfo{}, false, err
	}
	for _, h := range handlers {
		if h.Name == name {
			return h, true, nil
		}
	}
	return alertservice.HandlerInfo{}, false, nil
}

// WaitForHandler polls the handler list until the named handler is installed,
// or not installed when exists is false.
func (s *Server) WaitForHandler(name string, exists bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_, ok, err := s.Handler(name)
		if err != nil {
			return err
		}
		if ok == exists {
			return nil
		}
		if time.Now().After(deadline) {
			if exists {
				return fmt.Errorf("handler %q was not installed before timeout", name)
			}
			return fmt.Errorf("handler %q was not removed before timeout", name)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// DebugVars fetches the expvar debug data from the server.
func (s *Server) DebugVars() (map[string]interface{}, error) {
	resp, err := http.Get(s.URL() + "/debug/vars")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("invalid status code: code=%d, body=%s", resp.StatusCode, MustReadAll(resp.Body))
	}
	vars := make(map[string]interface{})
	if err := json.NewDecoder(resp.Body).Decode(&vars); err != nil {
		return nil, err
	}
	return vars, nil
}

// WriteHandlersFile replaces the contents of the live handlers file.
func (s *Server) WriteHandlersFile(contents string) {
	if err := ioutil.WriteFile(s.Config.Handlers.File, []byte(contents), 0644); err != nil {
		panic(err)
	}
}

// MustReadAll reads all the bytes from r. Panic on error.
func MustReadAll(r io.Reader) []byte {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		panic(err)
	}
	return b
}

// MustTempDir creates a temporary directory. Panic on error.
func MustTempDir() string {
	d, err := ioutil.TempDir("", "alertd-server-test")
	if err != nil {
		panic(err)
	}
	return d
}

// NewConfig returns the default config with temporary paths.
func NewConfig() *server.Config {
	c := server.NewConfig()
	c.DataDir = MustTempDir()
	c.Handlers.File = filepath.Join(MustTempDir(), "handlers.toml")
	c.Handlers.Watch = false
	c.HTTP.BindAddress = "127.0.0.1:0"
	return c
}
