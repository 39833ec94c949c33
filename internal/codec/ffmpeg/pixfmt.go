package ffmpeg

import (
	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
)

// pixFmts maps recorder pixel formats to ffmpeg -pix_fmt names.
var pixFmts = func() *bimap.BiMap[media.PixelFormat, string] {
	m := bimap.NewBiMap[media.PixelFormat, string]()
	m.Insert(media.FormatYUV420P, "yuv420p")
	m.Insert(media.FormatRGB24, "rgb24")
	m.Insert(media.FormatBGR24, "bgr24")
	m.Insert(media.FormatYUV422P, "yuv422p")
	m.Insert(media.FormatYUV444P, "yuv444p")
	m.Insert(media.FormatGray8, "gray")
	m.Insert(media.FormatYUVJ420P, "yuvj420p")
	m.Insert(media.FormatNV12, "nv12")
	m.Insert(media.FormatNV21, "nv21")
	m.Insert(media.FormatRV32, "rgb0")
	return m
}()

// PixFmtName returns the ffmpeg input pixel format for f.
func PixFmtName(f media.PixelFormat) (string, error) {
	name, ok := pixFmts.Get(f)
	if !ok {
		return "", errors.Wrapf(media.ErrUnsupportedPixelFormat, "no ffmpeg pix_fmt for %v", f)
	}
	return name, nil
}

// PixelFormatByName is the inverse of PixFmtName.
func PixelFormatByName(name string) (media.PixelFormat, error) {
	f, ok := pixFmts.GetInverse(name)
	if !ok {
		return media.FormatInvalid, errors.Wrapf(media.ErrUnsupportedPixelFormat, "unknown pix_fmt %q", name)
	}
	return f, nil
}
