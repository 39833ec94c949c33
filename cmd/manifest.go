package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

const manifestExt = ".toml"

// Manifest is the sidecar written next to a finished recording.
type Manifest struct {
	ID            string         `toml:"id"`
	File          string         `toml:"file"`
	Container     string         `toml:"container"`
	StartedAt     time.Time      `toml:"started_at"`
	FinishedAt    time.Time      `toml:"finished_at"`
	FormatChanged bool           `toml:"format_changed"`
	Dropped       int64          `toml:"dropped_frames"`
	Video         ManifestVideo  `toml:"video"`
	Audio         *ManifestAudio `toml:"audio,omitempty"`
}

type ManifestVideo struct {
	Width     int `toml:"width"`
	Height    int `toml:"height"`
	FrameRate int `toml:"frame_rate"`
	BitRate   int `toml:"bitrate"`
	Samples   int `toml:"samples"`
}

type ManifestAudio struct {
	SampleRate int `toml:"sample_rate"`
	Channels   int `toml:"channels"`
	BitRate    int `toml:"bitrate"`
	Samples    int `toml:"samples"`
}

func manifestPath(recording string) string {
	return strings.TrimSuffix(recording, filepath.Ext(recording)) + manifestExt
}

func writeManifest(path string, m *Manifest) error {
	data, err := toml.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write manifest")
	}
	return nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "decode manifest %s", path)
	}
	return &m, nil
}
