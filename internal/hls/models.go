package hls

import (
	"fmt"
	"strings"
)

// StreamName is a sanitized live stream identifier: ASCII letters only, lowercase.
type StreamName string

// Rendition is one output profile of a stream. It is immutable once a job starts.
type Rendition struct {
	Label            string
	Width            int
	Height           int
	VideoBitrateKbps int
	OutputDir        string

	// SegmentDuration is the target segment length in seconds.
	SegmentDuration  int
	PlaylistFilename string
	SegmentPattern   string
}

// Resolution returns the rendition size as "<width>x<height>".
func (r Rendition) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Bandwidth returns the advertised bandwidth in bits per second.
func (r Rendition) Bandwidth() int {
	return r.VideoBitrateKbps * 1000
}

// ArtifactEvent is a detected media file, created by a watcher and consumed once
// by the dispatcher.
type ArtifactEvent struct {
	Stream    StreamName
	Rendition string
	FileName  string
	Path      string // absolute
}

// ArtifactKind distinguishes the two media artifacts the pipeline publishes.
type ArtifactKind int

const (
	KindUnknown ArtifactKind = iota
	KindSegment
	KindPlaylist
)

func (k ArtifactKind) String() string {
	switch k {
	case KindSegment:
		return "segment"
	case KindPlaylist:
		return "playlist"
	default:
		return "unknown"
	}
}

const (
	SegmentExt  = ".ts"
	PlaylistExt = ".m3u8"
)

// KindOf classifies a file name by suffix.
func KindOf(fileName string) ArtifactKind {
	switch {
	case strings.HasSuffix(fileName, SegmentExt):
		return KindSegment
	case strings.HasSuffix(fileName, PlaylistExt):
		return KindPlaylist
	default:
		return KindUnknown
	}
}

// IsArtifact reports whether fileName is a segment or playlist file.
func IsArtifact(fileName string) bool {
	return KindOf(fileName) != KindUnknown
}
