package logging

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clawars/backend/internal/config"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		records = append(records, record)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestScopedLoggersCarryDomainFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "api-server.log")
	logger, closeLog, err := New("api-server", config.LogConfig{Level: "debug", Format: "json", Output: "file", FilePath: path})
	require.NoError(t, err)

	ingest := Component(logger, "ingest")
	Agent(ingest, "alpha").Info("agent marked offline")
	Feed(logger, "agent:alpha", "sub-1").Debug("feed connection opened")
	require.NoError(t, closeLog())

	records := readRecords(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, "api-server", records[0][KeyService])
	assert.Equal(t, "ingest", records[0][KeyComponent])
	assert.Equal(t, "alpha", records[0][KeyAgentID])
	assert.Equal(t, "agent:alpha", records[1][KeyChannel])
	assert.Equal(t, "sub-1", records[1][KeySubscriberID])
	assert.Equal(t, "DEBUG", records[1]["level"])
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	cases := map[string]config.LogConfig{
		"level":  {Level: "loud"},
		"format": {Format: "xml"},
		"output": {Output: "syslog"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := New("api-server", cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		" DEBUG ": slog.LevelDebug,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := parseLevel(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestNilLoggerFallsBackToDefault(t *testing.T) {
	assert.NotNil(t, Agent(nil, "alpha"))
	assert.NotNil(t, Component(nil, "risk"))
}
