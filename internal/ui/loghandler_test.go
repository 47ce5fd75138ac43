package ui_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/reel/internal/ui"
)

// newLogPair mirrors the CLI setup: terse text on the terminal and a
// full JSON log file.
func newLogPair(level slog.Level) (*slog.Logger, *bytes.Buffer, *bytes.Buffer) {
	var text, js bytes.Buffer
	h := ui.NewMultiHandler(
		slog.NewTextHandler(&text, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(&js, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	return slog.New(h), &text, &js
}

func jsonRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var recs []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		recs = append(recs, rec)
	}
	return recs
}

func TestMultiHandlerEventsOnlyInJSON(t *testing.T) {
	t.Parallel()

	logger, text, js := newLogPair(slog.LevelWarn)
	logger.Debug("reel.event", "type", "MemberCompleted", "path", "a.txt", "volume", 1)
	logger.Warn("file shrank, padding with zeros", "member", "b.txt")

	assert.NotContains(t, text.String(), "reel.event")
	assert.Contains(t, text.String(), "member=b.txt")

	recs := jsonRecords(t, js)
	require.Len(t, recs, 2)
	assert.Equal(t, "reel.event", recs[0]["msg"])
	assert.Equal(t, "a.txt", recs[0]["path"])
	assert.InDelta(t, 1, recs[0]["volume"], 0)
	assert.Equal(t, "WARN", recs[1]["level"])
}

func TestMultiHandlerEnabled(t *testing.T) {
	t.Parallel()

	quiet := ui.NewMultiHandler(
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	ctx := context.Background()
	assert.False(t, quiet.Enabled(ctx, slog.LevelInfo))
	assert.True(t, quiet.Enabled(ctx, slog.LevelWarn))

	logger, _, _ := newLogPair(slog.LevelWarn)
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug), "JSON log takes debug records")
}

func TestMultiHandlerAttrsAndGroups(t *testing.T) {
	t.Parallel()

	logger, text, js := newLogPair(slog.LevelInfo)
	logger.With("archive", "backup.tar").WithGroup("volume").Info("volume changed", "number", 2)

	assert.Contains(t, text.String(), "archive=backup.tar")
	assert.Contains(t, text.String(), "volume.number=2")

	recs := jsonRecords(t, js)
	require.Len(t, recs, 1)
	assert.Equal(t, "backup.tar", recs[0]["archive"])
	group, ok := recs[0]["volume"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 2, group["number"], 0)
}
