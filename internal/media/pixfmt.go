package media

import (
	"fmt"

	"github.com/pkg/errors"
)

// PixelFormat identifies the layout of a raw video frame. Values follow
// libavutil's AVPixelFormat numbering, with FormatRV32 using SDL's fourcc.
type PixelFormat int

const (
	FormatInvalid  PixelFormat = -1
	FormatYUV420P  PixelFormat = 0
	FormatRGB24    PixelFormat = 2
	FormatBGR24    PixelFormat = 3
	FormatYUV422P  PixelFormat = 4
	FormatYUV444P  PixelFormat = 5
	FormatGray8    PixelFormat = 8
	FormatYUVJ420P PixelFormat = 12
	FormatNV12     PixelFormat = 23
	FormatNV21     PixelFormat = 24
	FormatRV32     PixelFormat = 'R' | 'V'<<8 | '3'<<16 | '2'<<24
)

// ErrUnsupportedPixelFormat is returned for formats the recorder cannot encode.
var ErrUnsupportedPixelFormat = errors.New("unsupported pixel format")

var pixelFormatNames = map[PixelFormat]string{
	FormatInvalid:  "invalid",
	FormatYUV420P:  "yuv420p",
	FormatRGB24:    "rgb24",
	FormatBGR24:    "bgr24",
	FormatYUV422P:  "yuv422p",
	FormatYUV444P:  "yuv444p",
	FormatGray8:    "gray",
	FormatYUVJ420P: "yuvj420p",
	FormatNV12:     "nv12",
	FormatNV21:     "nv21",
	FormatRV32:     "rv32",
}

func (f PixelFormat) String() string {
	if name, ok := pixelFormatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("pixfmt(%d)", int(f))
}

// Valid reports whether f is a known, non-sentinel format.
func (f PixelFormat) Valid() bool {
	_, ok := pixelFormatNames[f]
	return ok && f != FormatInvalid
}

// FrameSize returns the number of bytes a tightly packed frame of the given
// dimensions occupies.
func (f PixelFormat) FrameSize(width, height int) (int, error) {
	if width <= 0 || height <= 0 {
		return 0, errors.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	pixels := width * height
	chroma := ((width + 1) / 2) * ((height + 1) / 2)
	switch f {
	case FormatYUV420P, FormatYUVJ420P, FormatNV12, FormatNV21:
		return pixels + 2*chroma, nil
	case FormatYUV422P:
		return pixels + 2*((width+1)/2)*height, nil
	case FormatYUV444P, FormatRGB24, FormatBGR24:
		return pixels * 3, nil
	case FormatGray8:
		return pixels, nil
	case FormatRV32:
		return pixels * 4, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedPixelFormat, "%v", f)
}
