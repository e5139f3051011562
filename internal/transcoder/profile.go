package transcoder

import (
	"fmt"
	"math"
)

// Profile is the fixed output format artifacts are encoded to.
type Profile struct {
	Container     string
	VideoCodec    string
	VideoQuality  int
	PixelFormat   string
	FrameRate     int
	MaxPixels     int
	AudioCodec    string
	AudioRate     int
	AudioChannels int
	// ThousandsColors quantizes to RGB565 first, which matches what a
	// 16-bit display shows and compresses better at the same quality.
	ThousandsColors bool
	// Fragmented writes a fragmented movie (moof/mdat pairs after an empty
	// moov) that only ever grows, so it can be streamed while encoding.
	// QuickTime before 7 cannot play it.
	Fragmented bool
}

// LegacyProfile returns the QuickTime profile vintage clients can play.
func LegacyProfile() Profile {
	return Profile{
		Container:       "mov",
		VideoCodec:      "mpeg4",
		VideoQuality:    5,
		PixelFormat:     "yuv420p",
		FrameRate:       19,
		MaxPixels:       346 * 260,
		AudioCodec:      "adpcm_ima_qt",
		AudioRate:       44100,
		AudioChannels:   1,
		ThousandsColors: true,
	}
}

// ID is a stable identifier for the profile, mixed into cache keys.
func (p Profile) ID() string {
	id := fmt.Sprintf("%s-%sq%d-%s-%s%dx%d-%dpx-%dfps",
		p.Container, p.VideoCodec, p.VideoQuality, p.PixelFormat,
		p.AudioCodec, p.AudioRate, p.AudioChannels, p.MaxPixels, p.FrameRate)
	if p.ThousandsColors {
		id += "-rgb565"
	}
	if p.Fragmented {
		id += "-frag"
	}
	return id
}

// AppendOnly reports whether the final pass only appends to its output.
// A faststart movie is rewritten when the muxer finishes.
func (p Profile) AppendOnly() bool {
	return p.Fragmented
}

// FitDimensions scales w x h down to at most maxPixels, keeping the aspect
// ratio and even sizes. Unknown input yields -2x260, which tells ffmpeg to
// pick the width from the aspect ratio.
func FitDimensions(w, h, maxPixels int) (int, int) {
	if w <= 0 || h <= 0 || maxPixels <= 0 {
		return -2, 260
	}
	if w*h <= maxPixels {
		return w / 2 * 2, h / 2 * 2
	}
	ar := float64(w) / float64(h)
	nh := int(math.Sqrt(float64(maxPixels)/ar)/2) * 2
	nw := int(float64(nh)*ar/2) * 2
	return nw, nh
}

// videoFilter returns the -vf chain for the given output size.
func (p Profile) videoFilter(w, h int) string {
	scale := fmt.Sprintf("scale=%d:%d", w, h)
	if p.ThousandsColors {
		return "format=rgb565,format=yuv420p," + scale
	}
	return scale
}
