package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/recorder/internal/codec/codectest"
	"github.com/babelcloud/gbox/packages/recorder/internal/container"
)

func testRecordOptions(dir string) *RecordOptions {
	return &RecordOptions{
		Output:     filepath.Join(dir, "clip.mp4"),
		Duration:   time.Second,
		Width:      64,
		Height:     48,
		FrameRate:  30,
		SampleRate: 44100,
		Channels:   2,
		Audio:      true,
		Container:  container.FormatMP4,
		Fast:       true,
		Plain:      true,
	}
}

func TestRunRecordWritesManifest(t *testing.T) {
	dir := t.TempDir()
	opts := testRecordOptions(dir)
	opts.Manifest = true

	var out bytes.Buffer
	m, err := runRecord(context.Background(), &out, opts, &codectest.Factory{})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Saved "+opts.Output)

	// The first frame of each kind only completes the format snapshot.
	assert.Equal(t, 29, m.Video.Samples)
	require.NotNil(t, m.Audio)
	assert.Equal(t, 29, m.Audio.Samples)
	assert.False(t, m.FormatChanged)
	assert.FileExists(t, opts.Output)

	saved, err := readManifest(filepath.Join(dir, "clip.toml"))
	require.NoError(t, err)
	assert.Equal(t, m.ID, saved.ID)
	assert.Equal(t, "clip.mp4", saved.File)
	assert.Equal(t, 64, saved.Video.Width)
	assert.Equal(t, 44100, saved.Audio.SampleRate)
	assert.True(t, m.StartedAt.Equal(saved.StartedAt))
}

func TestRunRecordDrift(t *testing.T) {
	opts := testRecordOptions(t.TempDir())
	opts.Audio = false
	opts.DriftAfter = 500 * time.Millisecond

	var out bytes.Buffer
	m, err := runRecord(context.Background(), &out, opts, &codectest.Factory{})
	require.NoError(t, err)
	assert.True(t, m.FormatChanged)
	assert.Equal(t, 15, m.Video.Samples)
	assert.Nil(t, m.Audio)
	assert.Contains(t, out.String(), "format changed")
}

func TestRunRecordFailureDeletesOutput(t *testing.T) {
	opts := testRecordOptions(t.TempDir())
	f := &codectest.Factory{Configure: func(s *codectest.Session) { s.QueueErr = assert.AnError }}

	var out bytes.Buffer
	_, err := runRecord(context.Background(), &out, opts, f)
	require.ErrorIs(t, err, assert.AnError)
	assert.NoFileExists(t, opts.Output)
	assert.Contains(t, out.String(), "Recording failed")
}

func TestResolveRecordOptions(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GBOX_RECORDER_OUTPUT_DIR", dir)

	cmd := NewRecordCommand()
	opts := &RecordOptions{Output: "clip.mkv"}
	require.NoError(t, resolveRecordOptions(cmd, opts))
	assert.Equal(t, container.FormatMKV, opts.Container)
	assert.Equal(t, 30, opts.FrameRate)

	opts = &RecordOptions{}
	require.NoError(t, resolveRecordOptions(cmd, opts))
	assert.Equal(t, container.FormatMP4, opts.Container)
	assert.Equal(t, dir, filepath.Dir(opts.Output))
	assert.True(t, strings.HasPrefix(filepath.Base(opts.Output), "rec-"))
	assert.Equal(t, ".mp4", filepath.Ext(opts.Output))

	t.Setenv("GBOX_RECORDER_CONTAINER", "avi")
	opts = &RecordOptions{}
	assert.ErrorIs(t, resolveRecordOptions(cmd, opts), container.ErrUnknownFormat)
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestListCommand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.mp4"), 2048)
	writeFile(t, filepath.Join(dir, "b.mkv"), 10)
	writeFile(t, filepath.Join(dir, "notes.txt"), 10)
	require.NoError(t, writeManifest(filepath.Join(dir, "a.toml"), &Manifest{
		ID:            "id-a",
		File:          "a.mp4",
		FormatChanged: true,
		Video:         ManifestVideo{Samples: 150},
		Audio:         &ManifestAudio{Samples: 215},
	}))

	cmd := NewListCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--dir", dir})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "NAME")
	assert.Contains(t, text, "a.mp4")
	assert.Contains(t, text, "b.mkv")
	assert.Contains(t, text, "150/215")
	assert.Contains(t, text, "2.0 KiB")
	assert.Contains(t, text, "format changed")
	assert.NotContains(t, text, "notes.txt")

	cmd = NewListCommand()
	out.Reset()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--dir", dir, "--output", "json"})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Data []RecordingEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	for _, r := range resp.Data {
		if r.Name == "a.mp4" {
			require.NotNil(t, r.Manifest)
			assert.Equal(t, "id-a", r.Manifest.ID)
		} else {
			assert.Nil(t, r.Manifest)
			assert.Equal(t, container.FormatMKV, r.Format)
		}
	}
}

func TestListMissingDirectory(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runList(&out, &ListOptions{Dir: filepath.Join(t.TempDir(), "missing")}))
	assert.Equal(t, "No recordings found\n", out.String())
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "1.5 KiB", humanSize(1536))
	assert.Equal(t, "3.0 MiB", humanSize(3<<20))
}

func TestManifestPath(t *testing.T) {
	assert.Equal(t, "/tmp/x/rec-1.toml", manifestPath("/tmp/x/rec-1.mp4"))
	assert.Equal(t, "clip.toml", manifestPath("clip"))
}

func TestVersionCommandJSON(t *testing.T) {
	cmd := NewVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--output", "json"})
	require.NoError(t, cmd.Execute())

	var info map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "go_version")
}
