//go:build !windows && !plan9

package audit

import (
	"fmt"
	"log/syslog"

	"github.com/rs/zerolog"
)

// Ensure SyslogLogger implements Logger interface
var _ Logger = (*SyslogLogger)(nil)

type SyslogOptions struct {
	Network  string `json:"network"`  // "tcp", "udp", ""
	Address  string `json:"address"`  // "localhost:514"
	Priority int    `json:"priority"` // syslog.LOG_INFO, etc.
	Tag      string `json:"tag"`
}

// SyslogLogger writes audit events to syslog, mapping zerolog levels to syslog severities
type SyslogLogger struct {
	config     *Config
	syslogOpts SyslogOptions
	writer     *syslog.Writer
	logger     zerolog.Logger
}

// NewSyslogLogger creates a new syslog audit logger with options
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var syslogOpts SyslogOptions
	if err := parseOptions(config.Options, &syslogOpts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}

	if syslogOpts.Priority == 0 {
		syslogOpts.Priority = int(syslog.LOG_INFO | syslog.LOG_AUTHPRIV)
	}
	if syslogOpts.Tag == "" {
		syslogOpts.Tag = "coffer-audit"
	}

	var writer *syslog.Writer
	var err error

	if syslogOpts.Network != "" && syslogOpts.Address != "" {
		writer, err = syslog.Dial(syslogOpts.Network, syslogOpts.Address,
			syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	} else {
		writer, err = syslog.New(syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return &SyslogLogger{
		config:     config,
		syslogOpts: syslogOpts,
		writer:     writer,
		logger:     zerolog.New(zerolog.SyslogLevelWriter(writer)).Level(level),
	}, nil
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	if s.writer == nil {
		return fmt.Errorf("syslog writer not initialized")
	}

	event := newEvent(action, success, metadata)
	if event.Source == "" {
		event.Source = "coffer"
	}

	// master key events are never filtered by level
	logger := s.logger
	if isSecurityCriticalAction(event.Action) {
		logger = logger.Level(zerolog.DebugLevel)
	}
	write(logger, event)
	return nil
}

func (s *SyslogLogger) Close() error {
	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		return err
	}
	return nil
}

// Query is not supported, syslog is write-only from this side
func (s *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, fmt.Errorf("syslog logger does not support querying historical data")
}
