// Package config loads the live alert handler configuration from a TOML
// file and serves snapshots of it to the alert service.
package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

type Diagnostic interface {
	Error(msg string, err error)

	ReloadedHandlersFile(file string)
	MissingHandlersFile(file string)
}

// Service caches the decoded handlers file. When watching is enabled it
// reloads the file on filesystem changes and signals every successful
// reload on the Updates channel.
type Service struct {
	config Config
	file   string
	diag   Diagnostic

	mu  sync.RWMutex
	cfg map[string]interface{}

	updates chan struct{}
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	opened  bool
}

func NewService(c Config, d Diagnostic) *Service {
	return &Service{
		config:  c,
		file:    filepath.Clean(c.File),
		diag:    d,
		updates: make(chan struct{}, 1),
	}
}

func (s *Service) Open() error {
	if s.opened || !s.config.Enabled {
		return nil
	}
	s.opened = true

	cfg, err := s.load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	if s.config.Watch {
		// Watch the directory, not the file: editors and config
		// management tools replace files by rename, which drops a watch
		// placed on the file itself.
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return errors.Wrap(err, "failed to create filesystem watcher")
		}
		if err := watcher.Add(filepath.Dir(s.file)); err != nil {
			watcher.Close()
			return errors.Wrapf(err, "failed to watch %q", filepath.Dir(s.file))
		}
		s.watcher = watcher
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watch()
		}()
	}
	return nil
}

func (s *Service) Close() error {
	if !s.opened {
		return nil
	}
	s.opened = false
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.wg.Wait()
	return nil
}

// Updates signals after every successful reload of the handlers file.
func (s *Service) Updates() <-chan struct{} {
	return s.updates
}

// AlertConfig returns the current handler configuration snapshot. The
// returned mapping is replaced wholesale on reload, never mutated, so
// callers may hold on to it.
func (s *Service) AlertConfig() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reload re-reads the handlers file and signals an update. It is the
// explicit arm of the reload path, used on SIGHUP.
func (s *Service) Reload() error {
	if !s.opened {
		return nil
	}
	cfg, err := s.load()
	if err != nil {
		return err
	}
	s.swap(cfg)
	return nil
}

// load decodes the handlers file. A missing file is an empty
// configuration, not an error, so a handlers file can be created after
// the daemon starts.
func (s *Service) load() (map[string]interface{}, error) {
	raw := map[string]interface{}{}
	if _, err := toml.DecodeFile(s.file, &raw); err != nil {
		if os.IsNotExist(err) {
			s.diag.MissingHandlersFile(s.file)
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to load handlers file %q", s.file)
	}
	return raw, nil
}

func (s *Service) swap(cfg map[string]interface{}) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.diag.ReloadedHandlersFile(s.file)
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Service) watch() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.file {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := s.load()
			if err != nil {
				// Keep serving the previous snapshot.
				s.diag.Error("failed to reload handlers file", err)
				continue
			}
			s.swap(cfg)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.diag.Error("filesystem watcher error", err)
		}
	}
}
