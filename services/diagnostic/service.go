package diagnostic

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service owns the process wide structured logger and hands out the
// narrow diagnostic handlers the other services depend on.
type Service struct {
	c Config

	stdout io.Writer
	stderr io.Writer

	level zap.AtomicLevel

	mu     sync.Mutex
	opened bool
	f      io.WriteCloser
	logger Logger
}

func NewService(c Config, stdout, stderr io.Writer) *Service {
	return &Service{
		c:      c,
		stdout: stdout,
		stderr: stderr,
		level:  zap.NewAtomicLevel(),
	}
}

func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}

	var w io.Writer
	switch s.c.File {
	case "STDERR":
		w = s.stderr
	case "STDOUT":
		w = s.stdout
	default:
		dir := filepath.Dir(s.c.File)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
		}
		f, err := os.OpenFile(s.c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return err
		}
		s.f = f
		w = f
	}

	if err := s.setLogLevelFromName(s.c.Level); err != nil {
		return err
	}

	encConfig := zap.NewProductionEncoderConfig()
	encConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encConfig.EncodeDuration = zapcore.StringDurationEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encConfig),
		zapcore.Lock(zapcore.AddSync(w)),
		s.level,
	)
	s.logger = zapLogger{zap.New(core)}

	s.opened = true
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}

// SetLogLevelFromName changes the level below which log lines are
// discarded. Valid names are DEBUG, INFO, WARN and ERROR, matching is
// case insensitive.
func (s *Service) SetLogLevelFromName(lvl string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLogLevelFromName(lvl)
}

func (s *Service) setLogLevelFromName(lvl string) error {
	switch strings.ToUpper(lvl) {
	case "DEBUG":
		s.level.SetLevel(zapcore.DebugLevel)
	case "INFO":
		s.level.SetLevel(zapcore.InfoLevel)
	case "WARN":
		s.level.SetLevel(zapcore.WarnLevel)
	case "ERROR":
		s.level.SetLevel(zapcore.ErrorLevel)
	default:
		return errors.Errorf("unknown log level %q", lvl)
	}
	return nil
}

// BootstrapMainHandler returns a handler usable before the daemon
// configuration has been loaded.
func BootstrapMainHandler() *CmdHandler {
	s := NewService(NewConfig(), os.Stdout, os.Stderr)
	// Service is always created with a valid default config.
	_ = s.Open()

	return s.NewCmdHandler()
}
