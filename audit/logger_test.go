package audit

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	fl, err := NewFileLogger(&Config{
		Enabled: true,
		VaultID: "test-vault",
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fl.Close() })
	return fl, path
}

func TestNewLogger(t *testing.T) {
	t.Run("nil config is a no-op", func(t *testing.T) {
		l, err := NewLogger(nil)
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, l)
	})

	t.Run("disabled config is a no-op", func(t *testing.T) {
		l, err := NewLogger(&Config{Enabled: false, Type: FileAuditType})
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, l)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: "kafka"})
		assert.Error(t, err)
	})

	t.Run("file logger requires a path", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: FileAuditType})
		assert.Error(t, err)
	})

	t.Run("zerolog logger", func(t *testing.T) {
		l, err := NewLogger(&Config{
			Enabled: true,
			Type:    ZerologAuditType,
			Options: map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "a.log")},
		})
		require.NoError(t, err)
		assert.IsType(t, &ZerologLogger{}, l)
		assert.NoError(t, l.Close())
	})
}

func TestNewEventLiftsKnownKeys(t *testing.T) {
	event := newEvent("v1", "ENTRY_ADDED", false, map[string]interface{}{
		"request_id": "req-1",
		"error":      "boom",
		"entry_id":   "1700000000000",
		"timestamp":  "ignored",
		"count":      3,
	})

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "v1", event.VaultID)
	assert.Equal(t, "req-1", event.RequestID)
	assert.Equal(t, "boom", event.Error)
	assert.Equal(t, "1700000000000", event.EntryID)
	assert.Equal(t, map[string]interface{}{"count": 3}, event.Metadata)
}

func TestFileLogger_LogAndQuery(t *testing.T) {
	fl, _ := newTestFileLogger(t)

	require.NoError(t, fl.Log("VAULT_SETUP", true, map[string]interface{}{"request_id": "r1"}))
	require.NoError(t, fl.Log("UNLOCK_PIN_REJECTED", false, map[string]interface{}{"error": "wrong pin"}))
	require.NoError(t, fl.Log("ENTRY_ADDED", true, map[string]interface{}{"entry_id": "42"}))

	all, err := fl.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.TotalCount)
	assert.Len(t, all.Events, 3)

	failed := false
	failures, err := fl.Query(QueryOptions{Success: &failed})
	require.NoError(t, err)
	require.Len(t, failures.Events, 1)
	assert.Equal(t, "UNLOCK_PIN_REJECTED", failures.Events[0].Action)

	auth, err := fl.Query(QueryOptions{AuthEvents: true})
	require.NoError(t, err)
	assert.Len(t, auth.Events, 2)

	byEntry, err := fl.Query(QueryOptions{EntryID: "42"})
	require.NoError(t, err)
	require.Len(t, byEntry.Events, 1)
	assert.Equal(t, "ENTRY_ADDED", byEntry.Events[0].Action)

	paged, err := fl.Query(QueryOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, paged.Events, 2)
	assert.True(t, paged.HasMore)

	future := time.Now().Add(time.Hour)
	none, err := fl.Query(QueryOptions{Since: &future})
	require.NoError(t, err)
	assert.Empty(t, none.Events)
}

func TestFileLogger_Recent(t *testing.T) {
	fl, _ := newTestFileLogger(t)

	for _, action := range []string{"A", "B", "C"} {
		require.NoError(t, fl.Log(action, true, nil))
	}

	recent := fl.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "C", recent[0].Action)
	assert.Equal(t, "B", recent[1].Action)
}

func TestFileLogger_ReopensAfterClose(t *testing.T) {
	fl, _ := newTestFileLogger(t)

	require.NoError(t, fl.Log("A", true, nil))
	require.NoError(t, fl.Close())
	require.NoError(t, fl.Log("B", true, nil))

	res, err := fl.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Events, 2)
}

func TestZerologLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZerologLoggerWithWriter(&Config{VaultID: "v1"}, &buf)

	require.NoError(t, zl.Log("PIN_CHANGED", true, map[string]interface{}{
		"request_id":  "r1",
		"entry_count": 2,
	}))

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "info", record["level"])
	assert.Equal(t, "audit", record["component"])
	assert.Equal(t, "PIN_CHANGED", record["action"])
	assert.Equal(t, "v1", record["vault_id"])
	assert.Equal(t, "r1", record["request_id"])
	assert.Equal(t, true, record["success"])

	_, err := zl.Query(QueryOptions{})
	assert.Error(t, err)
}

func TestZerologLogger_FailureLevels(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZerologLoggerWithWriter(&Config{VaultID: "v1"}, &buf)

	require.NoError(t, zl.Log("UNLOCK_PIN_REJECTED", false, map[string]interface{}{"error": "wrong pin"}))

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "error", record["level"])
	assert.Equal(t, "wrong pin", record["error"])
}

func TestNoOpLogger(t *testing.T) {
	l := NewNoOpLogger()
	assert.NoError(t, l.Log("X", true, nil))
	res, err := l.Query(QueryOptions{})
	assert.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.NoError(t, l.Close())
}
