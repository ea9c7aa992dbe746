package hls

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const (
	// DefaultPlaylistFilename is the rolling playlist each rendition directory holds.
	DefaultPlaylistFilename = "playlist.m3u8"

	// DefaultSegmentDuration is the target segment length in seconds.
	DefaultSegmentDuration = 1
)

// LadderStep is one configured resolution/bitrate pair.
type LadderStep struct {
	Label            string `toml:"label"`
	Width            int    `toml:"width"`
	Height           int    `toml:"height"`
	VideoBitrateKbps int    `toml:"video_bitrate_kbps"`
}

// Ladder is the ordered set of renditions produced for every stream, highest
// bitrate first by convention.
type Ladder []LadderStep

// ErrInvalidLadder is returned by Validate for unusable ladders.
var ErrInvalidLadder = errors.New("invalid rendition ladder")

// DefaultLadder returns the three-step 1080p/720p/480p ladder.
func DefaultLadder() Ladder {
	return Ladder{
		{Label: "1080p", Width: 1920, Height: 1080, VideoBitrateKbps: 5000},
		{Label: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 3000},
		{Label: "480p", Width: 854, Height: 480, VideoBitrateKbps: 1500},
	}
}

type ladderFile struct {
	Renditions []LadderStep `toml:"rendition"`
}

// LoadLadder reads a TOML ladder definition:
//
//	[[rendition]]
//	label = "1080p"
//	width = 1920
//	height = 1080
//	video_bitrate_kbps = 5000
func LoadLadder(path string) (Ladder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ladder: %w", err)
	}
	var file ladderFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse ladder: %w", err)
	}
	ladder := Ladder(file.Renditions)
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	return ladder, nil
}

// Validate checks that the ladder is non-empty, labels are unique and usable as
// directory names and key components, and every dimension is positive.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("%w: no renditions", ErrInvalidLadder)
	}
	seen := make(map[string]struct{}, len(l))
	for i, step := range l {
		if !validLabel(step.Label) {
			return fmt.Errorf("%w: rendition %d has label %q", ErrInvalidLadder, i, step.Label)
		}
		if _, dup := seen[step.Label]; dup {
			return fmt.Errorf("%w: duplicate label %q", ErrInvalidLadder, step.Label)
		}
		seen[step.Label] = struct{}{}
		if step.Width <= 0 || step.Height <= 0 {
			return fmt.Errorf("%w: rendition %q has size %dx%d", ErrInvalidLadder, step.Label, step.Width, step.Height)
		}
		if step.VideoBitrateKbps <= 0 {
			return fmt.Errorf("%w: rendition %q has bitrate %d", ErrInvalidLadder, step.Label, step.VideoBitrateKbps)
		}
	}
	return nil
}

func validLabel(label string) bool {
	if label == "" {
		return false
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

// Renditions expands the ladder into the renditions of one stream, each with its
// own directory <root>/<stream>/<label>.
func (l Ladder) Renditions(root string, stream StreamName, segmentDuration int) []Rendition {
	if segmentDuration <= 0 {
		segmentDuration = DefaultSegmentDuration
	}
	out := make([]Rendition, 0, len(l))
	for _, step := range l {
		out = append(out, Rendition{
			Label:            step.Label,
			Width:            step.Width,
			Height:           step.Height,
			VideoBitrateKbps: step.VideoBitrateKbps,
			OutputDir:        filepath.Join(root, string(stream), step.Label),
			SegmentDuration:  segmentDuration,
			PlaylistFilename: DefaultPlaylistFilename,
			SegmentPattern:   fmt.Sprintf("%s_%s_segment%%03d.ts", stream, step.Label),
		})
	}
	return out
}
