package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled"`
	VaultID  string                 `json:"vault_id"`
	Type     ConfigType             `json:"type"`    // "file", "syslog", "zerolog"
	Options  map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType    ConfigType = "file"
	SyslogAuditType  ConfigType = "syslog"
	ZerologAuditType ConfigType = "zerolog"
	NoOp             ConfigType = ""
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
	VaultID   string                 `json:"vault_id"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	EntryID   string                 `json:"entry_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Source    string                 `json:"source,omitempty"` // hostname, CLI, app
	SessionID string                 `json:"session_id,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	VaultID    string
	Since      *time.Time
	Until      *time.Time
	Action     string
	Success    *bool // nil = all, true = only success, false = only failures
	EntryID    string
	Limit      int
	Offset     int
	AuthEvents bool // only PIN, biometric and wipe events
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
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case ZerologAuditType:
		return NewZerologLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent lifts the well-known metadata keys into typed event fields
func newEvent(vaultID, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		VaultID:   vaultID,
		Action:    action,
		Success:   success,
		Metadata:  make(map[string]interface{}, len(metadata)),
	}

	for k, v := range metadata {
		s, isString := v.(string)
		switch {
		case k == "request_id" && isString:
			event.RequestID = s
		case k == "error" && isString:
			event.Error = s
		case k == "entry_id" && isString:
			event.EntryID = s
		case k == "session_id" && isString:
			event.SessionID = s
		case k == "source" && isString:
			event.Source = s
		case k == "vault_id" && isString:
			if s != "" {
				event.VaultID = s
			}
		case k == "timestamp":
		default:
			event.Metadata[k] = v
		}
	}
	return event
}

var authActions = []string{"SETUP", "UNLOCK", "PIN", "BIOMETRIC", "WIPE", "IMPORT"}

func isAuthAction(action string) bool {
	upper := strings.ToUpper(action)
	for _, a := range authActions {
		if strings.Contains(upper, a) {
			return true
		}
	}
	return false
}

func matchesFilter(event Event, options QueryOptions) bool {
	if options.VaultID != "" && event.VaultID != options.VaultID {
		return false
	}
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
	if options.EntryID != "" && event.EntryID != options.EntryID {
		return false
	}
	if options.AuthEvents && !isAuthAction(event.Action) {
		return false
	}
	return true
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
