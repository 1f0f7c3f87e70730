//go:build !windows && !plan9

package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
	"strings"
)

var _ Logger = (*SyslogLogger)(nil)

// SyslogOptions are read from Config.Options. An empty Network writes to the
// local daemon.
type SyslogOptions struct {
	Network  string `json:"network"`
	Address  string `json:"address"`
	Facility string `json:"facility"` // auth (default), authpriv, user, local0-local7
	Tag      string `json:"tag"`
}

var syslogFacilities = map[string]syslog.Priority{
	"auth":     syslog.LOG_AUTH,
	"authpriv": syslog.LOG_AUTHPRIV,
	"user":     syslog.LOG_USER,
	"local0":   syslog.LOG_LOCAL0,
	"local1":   syslog.LOG_LOCAL1,
	"local2":   syslog.LOG_LOCAL2,
	"local3":   syslog.LOG_LOCAL3,
	"local4":   syslog.LOG_LOCAL4,
	"local5":   syslog.LOG_LOCAL5,
	"local6":   syslog.LOG_LOCAL6,
	"local7":   syslog.LOG_LOCAL7,
}

var securityCriticalActions = map[string]bool{
	"VAULT_SETUP":          true,
	"VAULT_WIPED":          true,
	"VAULT_SELF_DESTRUCT":  true,
	"VAULT_IMPORTED":       true,
	"PIN_CHANGED":          true,
	"UNLOCK_PIN_REJECTED":  true,
	"MAX_ATTEMPTS_CHANGED": true,
	"BIOMETRIC_ENABLED":    true,
	"BIOMETRIC_DISABLED":   true,
}

func isSecurityCriticalAction(action string) bool {
	return securityCriticalActions[action]
}

// syslogSeverity is the level an event is written at
type syslogSeverity int

const (
	severitySkip syslogSeverity = iota
	severityInfo
	severityNotice
	severityWarning
	severityErr
)

// SyslogLogger forwards audit events to a syslog daemon. It cannot be queried.
type SyslogLogger struct {
	config *Config
	writer *syslog.Writer
}

func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var opts SyslogOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}

	facility, err := parseFacility(opts.Facility)
	if err != nil {
		return nil, err
	}
	if opts.Tag == "" {
		opts.Tag = "provisionkey-audit"
	}

	var writer *syslog.Writer
	if opts.Network != "" && opts.Address != "" {
		writer, err = syslog.Dial(opts.Network, opts.Address, facility|syslog.LOG_INFO, opts.Tag)
	} else {
		writer, err = syslog.New(facility|syslog.LOG_INFO, opts.Tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}

	return &SyslogLogger{config: config, writer: writer}, nil
}

func parseFacility(name string) (syslog.Priority, error) {
	if name == "" {
		return syslog.LOG_AUTH, nil
	}
	facility, ok := syslogFacilities[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown syslog facility %q", name)
	}
	return facility, nil
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	if !s.config.Enabled {
		return nil
	}
	if s.writer == nil {
		return fmt.Errorf("syslog logger is closed")
	}

	event := newEvent(s.config.VaultID, action, success, metadata)
	severity := severityFor(event, s.config.LogLevel)
	if severity == severitySkip {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	msg := "PROVISIONKEY_AUDIT: " + string(payload)

	switch severity {
	case severityErr:
		return s.writer.Err(msg)
	case severityWarning:
		return s.writer.Warning(msg)
	case severityNotice:
		return s.writer.Notice(msg)
	default:
		return s.writer.Info(msg)
	}
}

// severityFor ranks failures above vault-destroying or credential-changing
// actions, which rank above routine reads. At "warn" and "error" levels the
// routine events are dropped.
func severityFor(event Event, level string) syslogSeverity {
	switch {
	case !event.Success && event.Error != "":
		return severityErr
	case !event.Success:
		return severityWarning
	case isSecurityCriticalAction(event.Action):
		return severityNotice
	case level == "error" || level == "warn":
		return severitySkip
	default:
		return severityInfo
	}
}

func (s *SyslogLogger) Query(QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, fmt.Errorf("syslog logger does not support querying historical data")
}

func (s *SyslogLogger) Close() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}
