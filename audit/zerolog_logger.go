package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

var _ Logger = (*ZerologLogger)(nil)

type ZerologOptions struct {
	FilePath string `json:"file_path"` // empty writes to stderr
	Format   string `json:"format"`    // "json" (default) or "console"
}

// ZerologLogger emits audit events as structured zerolog records. It cannot be queried.
type ZerologLogger struct {
	vaultID string
	logger  zerolog.Logger
	closer  io.Closer
	mu      sync.Mutex
}

func NewZerologLogger(config *Config) (*ZerologLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var opts ZerologOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid zerolog logger options: %w", err)
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer
	)
	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		out, closer = f, f
	}

	return newZerologLogger(config, opts.Format, out, closer), nil
}

// NewZerologLoggerWithWriter sends audit records to w
func NewZerologLoggerWithWriter(config *Config, w io.Writer) *ZerologLogger {
	return newZerologLogger(config, "json", w, nil)
}

func newZerologLogger(config *Config, format string, out io.Writer, closer io.Closer) *ZerologLogger {
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out}
	}

	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil || config.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	return &ZerologLogger{
		vaultID: config.VaultID,
		logger: zerolog.New(out).Level(level).With().
			Timestamp().
			Str("component", "audit").
			Logger(),
		closer: closer,
	}
}

func (z *ZerologLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := newEvent(z.vaultID, action, success, metadata)

	z.mu.Lock()
	defer z.mu.Unlock()

	var e *zerolog.Event
	switch {
	case !success && event.Error != "":
		e = z.logger.Error()
	case !success:
		e = z.logger.Warn()
	default:
		e = z.logger.Info()
	}

	e = e.Str("event_id", event.ID).
		Str("vault_id", event.VaultID).
		Str("action", event.Action).
		Bool("success", event.Success)
	if event.RequestID != "" {
		e = e.Str("request_id", event.RequestID)
	}
	if event.EntryID != "" {
		e = e.Str("entry_id", event.EntryID)
	}
	if event.Error != "" {
		e = e.Str("error", event.Error)
	}
	if event.Source != "" {
		e = e.Str("source", event.Source)
	}
	if len(event.Metadata) > 0 {
		e = e.Interface("metadata", event.Metadata)
	}
	e.Msg("audit")
	return nil
}

func (z *ZerologLogger) Query(QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, fmt.Errorf("zerolog logger does not support querying historical data")
}

func (z *ZerologLogger) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.closer != nil {
		err := z.closer.Close()
		z.closer = nil
		return err
	}
	return nil
}
