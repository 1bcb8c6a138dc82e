// Package logging builds the zap logger shared by every core component.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the daily rotating file logger plus stderr mirror.
type Config struct {
	// Dir is the directory the daily log file is created in ("logs" by default).
	Dir string
	// Detailed toggles the atomic level between Info and Debug. It mirrors
	// OPCUA_ENABLE_DETAILED_LOGGING.
	Detailed bool
}

// New builds a production zap.Logger writing JSON to a daily file named
// logs/okuma_connect_<yyyyMMdd>.log, re-opened once per calendar day, and
// console-formatted lines to stderr. The returned AtomicLevel can be flipped at runtime.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("logging: create log dir: %w", err)
	}

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Detailed {
		level.SetLevel(zap.DebugLevel)
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	syncer := newDailySyncer(dir, time.Now)
	if err := syncer.ensureOpen(); err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), syncer, level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stderr), level),
	)

	logger := zap.New(core, zap.AddCaller())
	return logger, level, nil
}

// dailySyncer is a zapcore.WriteSyncer that checks the calendar day on
// every write and re-opens the file when midnight has passed, so a process
// running across days appends to the right file.
type dailySyncer struct {
	mu   sync.Mutex
	dir  string
	now  func() time.Time
	day  string
	file *os.File
}

func newDailySyncer(dir string, now func() time.Time) *dailySyncer {
	return &dailySyncer{dir: dir, now: now}
}

func (s *dailySyncer) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureOpenLocked()
}

func (s *dailySyncer) ensureOpenLocked() error {
	day := s.now().Format("20060102")
	if s.file != nil && day == s.day {
		return nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.dir, dailyLogName(day))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", path, err)
	}
	s.file = file
	s.day = day
	return nil
}

func (s *dailySyncer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return 0, err
	}
	return s.file.Write(p)
}

func (s *dailySyncer) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func dailyLogName(day string) string {
	return fmt.Sprintf("okuma_connect_%s.log", day)
}
