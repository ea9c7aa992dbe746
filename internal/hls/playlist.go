package hls

import (
	"fmt"
	"strings"
)

// BuildMasterPlaylist renders the multivariant playlist for a stream. Variants
// appear in the order of renditions and reference each rendition playlist by
// its remote key.
func BuildMasterPlaylist(stream StreamName, renditions []Rendition) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	for _, r := range renditions {
		b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n", r.Bandwidth(), r.Resolution()))
		b.WriteString(SegmentKey(stream, r.Label, r.PlaylistFilename))
		b.WriteString("\n")
	}

	return b.String()
}
