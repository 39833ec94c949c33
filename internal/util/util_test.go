package util

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogWriterSplitsLines(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w := NewLogWriter(logger, slog.LevelDebug, "component", "ffmpeg")

	_, err := w.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "first line")
	assert.NotContains(t, out.String(), "second")

	_, err = w.Write([]byte("half\n\n"))
	require.NoError(t, err)
	assert.Contains(t, out.String(), `msg="second half"`)
	assert.Equal(t, 2, strings.Count(out.String(), "component=ffmpeg"))

	_, _ = w.Write([]byte("tail"))
	w.Flush()
	assert.Contains(t, out.String(), "msg=tail")
}

func TestRecordingFileName(t *testing.T) {
	ts := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	name := RecordingFileName("", ts, ".mkv")
	assert.True(t, strings.HasPrefix(name, "rec-20240102-150405-"), name)
	assert.True(t, strings.HasSuffix(name, ".mkv"), name)
	assert.Len(t, name, len("rec-20240102-150405-abcd.mkv"))
}

func TestGenerateRandomString(t *testing.T) {
	for _, n := range []int{1, 4, 7, 16} {
		assert.Len(t, GenerateRandomString(n), n)
	}
}

func TestTableFprint(t *testing.T) {
	table := Table{
		Columns: []TableColumn{
			{Header: "NAME", Key: "name"},
			{Header: "SIZE", Key: "size", Right: true},
			{Header: "NOTE", Key: "note"},
		},
		Empty: "No recordings found",
	}

	var out bytes.Buffer
	table.Fprint(&out, []map[string]interface{}{
		{"name": "a.mp4", "size": 10},
		{"name": "\033[32mlonger.mkv\033[0m", "size": 2048, "note": "x"},
	})

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "NAME        SIZE  NOTE", lines[0])
	assert.Equal(t, "----------  ----  ----", lines[1])
	assert.Equal(t, "a.mp4         10", lines[2])
	assert.Equal(t, "\033[32mlonger.mkv\033[0m  2048  x", lines[3])

	out.Reset()
	table.Fprint(&out, nil)
	assert.Equal(t, "No recordings found\n", out.String())
}
