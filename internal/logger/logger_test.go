package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesDailyJSON(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	dir := filepath.Join(t.TempDir(), "logs")
	day := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	log, err := New(Options{Dir: dir, Level: "warn", Now: func() time.Time { return day }})
	require.NoError(t, err)

	log.Info("dropped")
	zap.L().Warn("tenant pool cleanup failed", zap.String("tenant_id", "acme-id"))
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(filepath.Join(dir, "2026-03-14.log"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, "warn", ev["level"])
	assert.Equal(t, "acme-id", ev["tenant_id"])
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Options{Dir: t.TempDir(), Level: "loud"})
	assert.Error(t, err)
}
