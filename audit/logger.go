package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled"`
	Type     ConfigType             `json:"type"`    // "file", "syslog" or empty for no-op
	Options  map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Well known metadata keys lifted into Event fields
const (
	KeyRequestID = "request_id"
	KeyFileID    = "file_id"
	KeyOwnerID   = "owner_id"
	KeyDuration  = "duration_ms"
	KeyError     = "error"
	KeySource    = "source"
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID        string                 `json:"id"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	FileID    string                 `json:"file_id,omitempty"`
	OwnerID   int64                  `json:"owner_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Since          *time.Time
	Until          *time.Time
	Action         string
	Success        *bool // nil = all, true = only success, false = only failures
	FileID         string
	OwnerID        int64 // 0 = all owners
	Limit          int
	Offset         int
	PasswordAccess bool // only unlock, lock and password events
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		fl, err := NewFileLogger(config)
		if err != nil {
			return nil, err
		}
		return fl, nil
	case SyslogAuditType:
		sl, err := NewSyslogLogger(config)
		if err != nil {
			return nil, err
		}
		return sl, nil
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent lifts the well known keys out of metadata so they can be filtered on
func newEvent(action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
	}

	rest := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		switch k {
		case KeyRequestID:
			event.RequestID = fmt.Sprint(v)
		case KeyFileID:
			event.FileID = fmt.Sprint(v)
		case KeyOwnerID:
			event.OwnerID = toInt64(v)
		case KeyDuration:
			event.Duration = toInt64(v)
		case KeyError:
			event.Error = fmt.Sprint(v)
		case KeySource:
			event.Source = fmt.Sprint(v)
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		event.Metadata = rest
	}
	return event
}

// write emits the event through a zerolog logger using the Event JSON field names
func write(logger zerolog.Logger, event Event) {
	var e *zerolog.Event
	switch {
	case !event.Success && event.Error != "":
		e = logger.Error()
	case !event.Success:
		e = logger.Warn()
	default:
		e = logger.Info()
	}

	e = e.Str("id", event.ID).
		Str("timestamp", event.Timestamp.Format(time.RFC3339Nano)).
		Str("action", event.Action).
		Bool("success", event.Success)

	if event.RequestID != "" {
		e = e.Str(KeyRequestID, event.RequestID)
	}
	if event.FileID != "" {
		e = e.Str(KeyFileID, event.FileID)
	}
	if event.OwnerID != 0 {
		e = e.Int64(KeyOwnerID, event.OwnerID)
	}
	if event.Duration != 0 {
		e = e.Int64(KeyDuration, event.Duration)
	}
	if event.Error != "" {
		e = e.Str(KeyError, event.Error)
	}
	if event.Source != "" {
		e = e.Str(KeySource, event.Source)
	}
	if len(event.Metadata) > 0 {
		e = e.Dict("metadata", zerolog.Dict().Fields(event.Metadata))
	}
	e.Send()
}

func matchesFilter(event Event, options QueryOptions) bool {
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.Success != nil && event.Success != *options.Success {
		return false
	}
	if options.FileID != "" && event.FileID != options.FileID {
		return false
	}
	if options.OwnerID != 0 && event.OwnerID != options.OwnerID {
		return false
	}
	if options.PasswordAccess && !isSecurityCriticalAction(event.Action) {
		return false
	}
	return true
}

// isSecurityCriticalAction reports whether an action touches the master key
func isSecurityCriticalAction(action string) bool {
	for _, prefix := range []string{"VAULT_UNLOCK", "VAULT_LOCK", "VAULT_PROVISION", "PASSWORD_ROTATE", "VAULT_AUTO_LOCK"} {
		if strings.HasPrefix(action, prefix) {
			return true
		}
	}
	return false
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint32:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case time.Duration:
		return n.Milliseconds()
	default:
		return 0
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
