// Provides a server type for starting and configuring an alertd server.
package server

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/canopyhost/alertd"
	"github.com/canopyhost/alertd/keyvalue"
	alertservice "github.com/canopyhost/alertd/services/alert"
	"github.com/canopyhost/alertd/services/config"
	"github.com/canopyhost/alertd/services/diagnostic"
	"github.com/canopyhost/alertd/services/httpd"
	"github.com/canopyhost/alertd/services/smtp"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const serverIDFilename = "server.id"

type Diagnostic interface {
	Error(msg string, err error, ctx ...keyvalue.T)
	Info(msg string, ctx ...keyvalue.T)
	Debug(msg string, ctx ...keyvalue.T)
}

// BuildInfo represents the build details for the server code.
type BuildInfo struct {
	Version string
	Commit  string
	Branch  string
}

// Server represents a container for the alertd services.
// It is built using a Config and it manages the startup and shutdown of all
// services in the proper order.
type Server struct {
	dataDir  string
	hostname string

	config *Config

	err chan error

	mu      sync.Mutex
	closing chan struct{}

	DiagService   *diagnostic.Service
	SMTPService   *smtp.Service
	ConfigService *config.Service
	AlertService  *alertservice.Service
	HTTPDService  *httpd.Service

	// List of services in startup order
	Services []Service
	// Map of service name to index in Services list
	ServicesByName map[string]int

	BuildInfo BuildInfo
	ServerID  uuid.UUID

	// Profiling
	CPUProfile string
	MemProfile string

	diag Diagnostic
}

// New returns a new instance of Server built from a config.
func New(c *Config, buildInfo BuildInfo, diagService *diagnostic.Service) (*Server, error) {
	err := c.Validate()
	if err != nil {
		return nil, fmt.Errorf("%s. To generate a valid configuration file run `alertd config > alertd.generated.conf`.", err)
	}
	s := &Server{
		config:         c,
		BuildInfo:      buildInfo,
		dataDir:        c.DataDir,
		hostname:       c.Hostname,
		err:            make(chan error),
		closing:        make(chan struct{}),
		DiagService:    diagService,
		diag:           diagService.NewServerHandler(),
		ServicesByName: make(map[string]int),
	}
	s.diag.Info("alertd hostname", keyvalue.KV("hostname", s.hostname))

	// Setup IDs
	err = s.setupIDs()
	if err != nil {
		return nil, err
	}

	// Set published vars
	alertd.ServerIDVar.Set(s.ServerID.String())
	alertd.HostVar.Set(s.hostname)
	alertd.ProductVar.Set(alertd.Product)
	alertd.VersionVar.Set(s.BuildInfo.Version)
	s.diag.Info("alertd server", keyvalue.KV("server_id", s.ServerID.String()))

	// Append alertd services in startup order.
	s.initHTTPDService()
	s.appendSMTPService()
	s.appendConfigService()
	s.appendAlertService()

	// Append HTTPD Service last so that the API is not listening till
	// everything else succeeded.
	s.appendHTTPDService()

	return s, nil
}

func (s *Server) AppendService(name string, srv Service) {
	if _, ok := s.ServicesByName[name]; ok {
		// Should be unreachable code
		panic("cannot append service twice")
	}
	i := len(s.Services)
	s.Services = append(s.Services, srv)
	s.ServicesByName[name] = i
}

func (s *Server) initHTTPDService() {
	srv := httpd.NewService(s.config.HTTP, s.hostname, s.DiagService.NewHTTPDHandler())
	srv.Handler.Version = s.BuildInfo.Version

	s.HTTPDService = srv
}

func (s *Server) appendHTTPDService() {
	s.AppendService("httpd", s.HTTPDService)
}

func (s *Server) appendSMTPService() {
	c := s.config.SMTP
	srv := smtp.NewService(c, s.DiagService.NewSMTPHandler())

	s.SMTPService = srv
	s.AppendService("smtp", srv)
}

func (s *Server) appendConfigService() {
	c := s.config.Handlers
	srv := config.NewService(c, s.DiagService.NewConfigHandler())

	s.ConfigService = srv
	s.AppendService("config", srv)
}

func (s *Server) appendAlertService() {
	c := s.config.Alert
	srv := alertservice.NewService(c, s.DiagService.NewAlertServiceHandler())

	srv.SMTPService = s.SMTPService
	if s.config.Handlers.Enabled {
		srv.ConfigSource = s.ConfigService
	}

	s.AlertService = srv
	s.HTTPDService.Handler.AlertService = srv
	s.AppendService("alert", srv)
}

// Err returns an error channel that multiplexes all out of band errors received from all services.
func (s *Server) Err() <-chan error { return s.err }

// Open opens all the services.
func (s *Server) Open() error {

	// Start profiling, if set.
	if err := s.startProfile(s.CPUProfile, s.MemProfile); err != nil {
		return err
	}

	if err := s.startServices(); err != nil {
		s.Close()
		return err
	}

	go s.watchServices()
	go s.watchHandlerUpdates()

	return nil
}

func (s *Server) startServices() error {
	for _, service := range s.Services {
		s.diag.Debug("opening service", keyvalue.KV("service", fmt.Sprintf("%T", service)))
		if err := service.Open(); err != nil {
			return fmt.Errorf("open service %T: %s", service, err)
		}
		s.diag.Debug("opened service", keyvalue.KV("service", fmt.Sprintf("%T", service)))
	}
	return nil
}

// Watch if something dies
func (s *Server) watchServices() {
	var err error
	select {
	case err = <-s.HTTPDService.Err():
	}
	s.err <- err
}

// watchHandlerUpdates reconciles the alert service after every reload of
// the handlers file.
func (s *Server) watchHandlerUpdates() {
	for {
		select {
		case <-s.closing:
			return
		case <-s.ConfigService.Updates():
			s.AlertService.ReconcileFromSource()
		}
	}
}

// Reload re-reads the handlers file. A successful reload triggers a
// reconcile of the alert service. Called on SIGHUP.
func (s *Server) Reload() {
	if err := s.ConfigService.Reload(); err != nil {
		s.diag.Error("failed to reload handlers file", err)
	}
}

// Close shuts down all services.
func (s *Server) Close() error {
	s.stopProfile()

	s.mu.Lock()
	if s.closing != nil {
		close(s.closing)
		s.closing = nil
	}
	s.mu.Unlock()

	// Close services in reverse order of startup. The HTTP API goes down
	// first so nothing new arrives while the rest drain.
	for i := len(s.Services) - 1; i >= 0; i-- {
		service := s.Services[i]
		s.diag.Debug("closing service", keyvalue.KV("service", fmt.Sprintf("%T", service)))
		err := service.Close()
		if err != nil {
			s.diag.Error("error closing service", err, keyvalue.KV("service", fmt.Sprintf("%T", service)))
		}
		s.diag.Debug("closed service", keyvalue.KV("service", fmt.Sprintf("%T", service)))
	}

	return nil
}

func (s *Server) setupIDs() error {
	// Create the data dir if not exists
	if f, err := os.Stat(s.dataDir); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(s.dataDir, 0755); err != nil {
				return errors.Wrapf(err, "data_dir %q does not exist, failed to create it", s.dataDir)
			}
		} else {
			return errors.Wrapf(err, "failed to stat data dir %q", s.dataDir)
		}
	} else if !f.IsDir() {
		return fmt.Errorf("path data_dir %s exists and is not a directory", s.dataDir)
	}

	serverIDPath := filepath.Join(s.dataDir, serverIDFilename)
	serverID, err := s.readID(serverIDPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if serverID == uuid.Nil {
		serverID = uuid.New()
		if err := s.writeID(serverIDPath, serverID); err != nil {
			return errors.Wrap(err, "failed to save server ID")
		}
	}
	s.ServerID = serverID

	return nil
}

func (s *Server) readID(file string) (uuid.UUID, error) {
	f, err := os.Open(file)
	if err != nil {
		return uuid.Nil, err
	}
	defer f.Close()
	b, err := ioutil.ReadAll(f)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.ParseBytes(b)
}

func (s *Server) writeID(file string, id uuid.UUID) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(id.String()))
	if err != nil {
		return err
	}
	return nil
}

// Service represents a service attached to the server.
type Service interface {
	Open() error
	Close() error
}

// prof stores the file locations of active profiles.
var prof struct {
	cpu *os.File
	mem *os.File
}

// StartProfile initializes the cpu and memory profile, if specified.
func (s *Server) startProfile(cpuprofile, memprofile string) error {
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			return fmt.Errorf("cpuprofile: %v", err)
		}
		s.diag.Info("writing CPU profile", keyvalue.KV("file", cpuprofile))
		prof.cpu = f
		if err := pprof.StartCPUProfile(prof.cpu); err != nil {
			return fmt.Errorf("start cpu profile: %v", err)
		}
	}

	if memprofile != "" {
		f, err := os.Create(memprofile)
		if err != nil {
			return fmt.Errorf("memprofile: %v", err)
		}
		s.diag.Info("writing mem profile", keyvalue.KV("file", memprofile))
		prof.mem = f
		runtime.MemProfileRate = 4096
	}
	return nil
}

// StopProfile closes the cpu and memory profiles if they are running.
func (s *Server) stopProfile() {
	if prof.cpu != nil {
		pprof.StopCPUProfile()
		prof.cpu.Close()
		prof.cpu = nil
		s.diag.Info("CPU profile stopped")
	}
	if prof.mem != nil {
		if err := pprof.Lookup("heap").WriteTo(prof.mem, 0); err != nil {
			s.diag.Error("failed to write mem profile", err)
		}
		prof.mem.Close()
		prof.mem = nil
		s.diag.Info("mem profile stopped")
	}
}
