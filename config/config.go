package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	setup()
}

func setup() {
	v = viper.New()

	// Recording output
	v.SetDefault("recorder.output_dir", filepath.Join(xdg.UserDirs.Videos, "gbox"))
	v.SetDefault("recorder.container", "mp4")
	v.SetDefault("recorder.audio.enabled", true)

	// Encoder parameters
	v.SetDefault("recorder.video.bitrate", 1_000_000)
	v.SetDefault("recorder.video.frame_rate", 30)
	v.SetDefault("recorder.video.gop", 150)
	v.SetDefault("recorder.audio.bitrate", 128_000)
	v.SetDefault("recorder.encoder.ffmpeg_path", "ffmpeg")
	v.SetDefault("recorder.encoder.input_slots", 4)

	// Pipeline tuning
	v.SetDefault("recorder.dequeue_timeout", 10*time.Millisecond)
	v.SetDefault("recorder.wait_to_end_timeout", 10*time.Second)
	v.SetDefault("recorder.eos_retries", 100)
	v.SetDefault("recorder.eos_retry_interval", 10*time.Millisecond)
	v.SetDefault("recorder.queue_size", 256)
	v.SetDefault("recorder.min_output_samples", 30)
	v.SetDefault("recorder.part_duration", time.Second)

	v.SetDefault("metrics.addr", "") // empty disables the HTTP endpoint

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("recorder.output_dir", "GBOX_RECORDER_OUTPUT_DIR")
	v.BindEnv("recorder.container", "GBOX_RECORDER_CONTAINER")
	v.BindEnv("recorder.audio.enabled", "GBOX_RECORDER_AUDIO")
	v.BindEnv("recorder.encoder.ffmpeg_path", "GBOX_FFMPEG_PATH")
	v.BindEnv("metrics.addr", "GBOX_METRICS_ADDR")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.gbox",
		"/etc/gbox",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// BindFlag lets a command line flag override key when it is set.
func BindFlag(key string, flag *pflag.Flag) error {
	return v.BindPFlag(key, flag)
}

// ConfigFileUsed returns the config file that was read, if any.
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}

// GetOutputDir returns the directory recordings are written to
func GetOutputDir() string {
	return v.GetString("recorder.output_dir")
}

// GetContainer returns the container format name, "mp4" or "mkv"
func GetContainer() string {
	return v.GetString("recorder.container")
}

func AudioEnabled() bool {
	return v.GetBool("recorder.audio.enabled")
}

func GetVideoBitRate() int {
	return v.GetInt("recorder.video.bitrate")
}

func GetFrameRate() int {
	return v.GetInt("recorder.video.frame_rate")
}

// GetGOP returns the key frame interval in frames
func GetGOP() int {
	return v.GetInt("recorder.video.gop")
}

func GetAudioBitRate() int {
	return v.GetInt("recorder.audio.bitrate")
}

// GetFFmpegPath returns the ffmpeg binary used by the encoder sessions
func GetFFmpegPath() string {
	return v.GetString("recorder.encoder.ffmpeg_path")
}

func GetInputSlots() int {
	return v.GetInt("recorder.encoder.input_slots")
}

func GetDequeueTimeout() time.Duration {
	return v.GetDuration("recorder.dequeue_timeout")
}

func GetWaitToEndTimeout() time.Duration {
	return v.GetDuration("recorder.wait_to_end_timeout")
}

func GetEOSRetries() int {
	return v.GetInt("recorder.eos_retries")
}

func GetEOSRetryInterval() time.Duration {
	return v.GetDuration("recorder.eos_retry_interval")
}

// GetQueueSize returns the capacity of a pipeline's task queue
func GetQueueSize() int {
	return v.GetInt("recorder.queue_size")
}

// GetMinOutputSamples returns how many video samples a failed recording
// needs before it is no longer classified as too little output
func GetMinOutputSamples() int {
	return v.GetInt("recorder.min_output_samples")
}

// GetPartDuration returns the fMP4 fragment length
func GetPartDuration() time.Duration {
	return v.GetDuration("recorder.part_duration")
}

// GetMetricsAddr returns the listen address of the metrics server
func GetMetricsAddr() string {
	return v.GetString("metrics.addr")
}
