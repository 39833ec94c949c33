// Package media holds the raw frame types exchanged between a frame source
// and the recorder.
package media

import "fmt"

// Kind distinguishes the two tracks of a recording.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// FrameListener receives raw frames from a source. Buffers are only valid for
// the duration of the call; implementations copy what they keep.
type FrameListener interface {
	OnVideoFrame(buf []byte, ptsSeconds float64, format PixelFormat, width, height int)
	OnAudioFrame(buf []byte, ptsSeconds float64, sampleRate int, layout ChannelLayout)
}

// SecondsToMicros converts a source timestamp by truncation.
func SecondsToMicros(seconds float64) int64 {
	return int64(seconds * 1e6)
}

// VideoParams describes a raw video stream.
type VideoParams struct {
	Format PixelFormat
	Width  int
	Height int
}

// AudioParams describes a raw PCM16 audio stream.
type AudioParams struct {
	SampleRate int
	Layout     ChannelLayout
}

// FormatSnapshot is the most recently observed format of each raw stream.
// The zero value is not ready; use NewFormatSnapshot.
type FormatSnapshot struct {
	VideoFormat        PixelFormat
	VideoWidth         int
	VideoHeight        int
	AudioSampleRate    int
	AudioChannelLayout ChannelLayout
}

// NewFormatSnapshot returns a snapshot with both halves unknown.
func NewFormatSnapshot() FormatSnapshot {
	return FormatSnapshot{VideoFormat: FormatInvalid}
}

// VideoKnown reports whether a video frame has been observed.
func (s FormatSnapshot) VideoKnown() bool {
	return s.VideoFormat != FormatInvalid && s.VideoWidth > 0 && s.VideoHeight > 0
}

// AudioKnown reports whether an audio frame has been observed.
func (s FormatSnapshot) AudioKnown() bool {
	return s.AudioSampleRate > 0 && s.AudioChannelLayout != LayoutUnknown
}

// Ready reports whether recording can start. Audio is only required when enabled.
func (s FormatSnapshot) Ready(audioEnabled bool) bool {
	if !s.VideoKnown() {
		return false
	}
	return !audioEnabled || s.AudioKnown()
}

func (s FormatSnapshot) Video() VideoParams {
	return VideoParams{Format: s.VideoFormat, Width: s.VideoWidth, Height: s.VideoHeight}
}

func (s FormatSnapshot) Audio() AudioParams {
	return AudioParams{SampleRate: s.AudioSampleRate, Layout: s.AudioChannelLayout}
}

// MatchesVideo reports whether a frame with the given parameters belongs to
// the stream this snapshot describes.
func (s FormatSnapshot) MatchesVideo(p VideoParams) bool {
	return s.Video() == p
}

func (s FormatSnapshot) MatchesAudio(p AudioParams) bool {
	return s.Audio() == p
}

func (s FormatSnapshot) String() string {
	return fmt.Sprintf("video=%v %dx%d audio=%dHz %v",
		s.VideoFormat, s.VideoWidth, s.VideoHeight, s.AudioSampleRate, s.AudioChannelLayout)
}
