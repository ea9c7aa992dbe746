package hls

// SegmentKey derives the remote key of a rendition artifact. It depends only on
// its arguments, so a re-upload of the same file overwrites the same key.
func SegmentKey(stream StreamName, rendition, fileName string) string {
	return string(stream) + "_" + rendition + "_" + fileName
}

// MasterKey derives the remote key of a stream's master playlist.
func MasterKey(stream StreamName) string {
	return string(stream) + "_playlist.m3u8"
}

// KeyFor derives the remote key of a detected artifact.
func KeyFor(ev ArtifactEvent) string {
	return SegmentKey(ev.Stream, ev.Rendition, ev.FileName)
}
