package media

import (
	"fmt"

	"github.com/pkg/errors"
)

// ChannelLayout is a libavutil channel mask.
type ChannelLayout uint64

const (
	LayoutUnknown ChannelLayout = 0
	LayoutMono    ChannelLayout = 0x4
	LayoutStereo  ChannelLayout = 0x3
)

// ErrUnsupportedChannelLayout is returned for anything other than mono or stereo.
var ErrUnsupportedChannelLayout = errors.New("unsupported channel layout")

// ChannelCount maps the layout to a channel count.
func (l ChannelLayout) ChannelCount() (int, error) {
	switch l {
	case LayoutMono:
		return 1, nil
	case LayoutStereo:
		return 2, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedChannelLayout, "0x%x", uint64(l))
}

// LayoutForChannels is the inverse of ChannelCount.
func LayoutForChannels(n int) (ChannelLayout, error) {
	switch n {
	case 1:
		return LayoutMono, nil
	case 2:
		return LayoutStereo, nil
	}
	return LayoutUnknown, errors.Wrapf(ErrUnsupportedChannelLayout, "%d channels", n)
}

func (l ChannelLayout) String() string {
	switch l {
	case LayoutMono:
		return "mono"
	case LayoutStereo:
		return "stereo"
	case LayoutUnknown:
		return "unknown"
	}
	return fmt.Sprintf("layout(0x%x)", uint64(l))
}
