// Package hls reads the live sliding-window manifests produced by the
// stream transcoders and maintains the bounded per-episode playlists that
// the frame extractor later consumes. Bounded playlists are append-only
// text logs finalized by a single ENDLIST marker.
package hls

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// DefaultTargetDuration is assumed when a live manifest omits
// EXT-X-TARGETDURATION.
const DefaultTargetDuration = 2

// EndList is the HLS playlist terminator.
const EndList = "#EXT-X-ENDLIST"

var segmentIndexRe = regexp.MustCompile(`stream(\d+)\.ts$`)

// Live is a snapshot of a camera's sliding-window manifest.
type Live struct {
	TargetDuration int
	FirstSegment   int
	LastSegment    int
}

// ReadLive parses the live manifest at path and extracts the segment index
// range and target duration.
func ReadLive(path string) (*Live, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading live manifest: %w", err)
	}
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing live manifest %s: %w", path, err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("live manifest %s is not a media playlist", path)
	}

	live := &Live{TargetDuration: media.TargetDuration, FirstSegment: -1, LastSegment: -1}
	if live.TargetDuration <= 0 {
		live.TargetDuration = DefaultTargetDuration
	}
	for _, seg := range media.Segments {
		idx, ok := SegmentIndex(seg.URI)
		if !ok {
			continue
		}
		if live.FirstSegment < 0 || idx < live.FirstSegment {
			live.FirstSegment = idx
		}
		if idx > live.LastSegment {
			live.LastSegment = idx
		}
	}
	if live.LastSegment < 0 {
		return nil, fmt.Errorf("live manifest %s lists no stream segments", path)
	}
	return live, nil
}

// SegmentIndex extracts N from a stream<N>.ts URI.
func SegmentIndex(uri string) (int, bool) {
	m := segmentIndexRe.FindStringSubmatch(uri)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// SegmentPath returns the absolute path of segment idx under mediaDir.
func SegmentPath(mediaDir string, idx int) string {
	return fmt.Sprintf("%s/stream%d.ts", mediaDir, idx)
}

// WriteBounded creates a new bounded playlist at path covering segments
// [startSegment, lastSegment] of mediaDir, each declared at targetDuration
// seconds. Segment URIs are absolute paths so the extractor can read them
// from anywhere.
func WriteBounded(path, mediaDir string, targetDuration, startSegment, lastSegment int) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", startSegment)
	for i := startSegment; i <= lastSegment; i++ {
		fmt.Fprintf(&b, "#EXTINF:%d.0,\n%s\n", targetDuration, SegmentPath(mediaDir, i))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing bounded playlist: %w", err)
	}
	return nil
}

// AppendSegments appends segments [firstNew, lastSegment] to the bounded
// playlist at path.
func AppendSegments(path, mediaDir string, targetDuration, firstNew, lastSegment int) error {
	if lastSegment < firstNew {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening bounded playlist for append: %w", err)
	}
	defer f.Close()
	for i := firstNew; i <= lastSegment; i++ {
		if _, err := fmt.Fprintf(f, "#EXTINF:%d.0,\n%s\n", targetDuration, SegmentPath(mediaDir, i)); err != nil {
			return fmt.Errorf("appending to bounded playlist: %w", err)
		}
	}
	return nil
}

// Finalize appends the ENDLIST marker if the playlist does not already
// contain one. Safe to call more than once.
func Finalize(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading bounded playlist: %w", err)
	}
	if strings.Contains(string(data), EndList) {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening bounded playlist for finalize: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString("\n" + EndList + "\n"); err != nil {
		return fmt.Errorf("finalizing bounded playlist: %w", err)
	}
	return nil
}

// SegmentURIs returns the .ts segment paths listed in a bounded playlist.
func SegmentURIs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bounded playlist: %w", err)
	}
	var uris []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasSuffix(line, ".ts") {
			uris = append(uris, line)
		}
	}
	return uris, nil
}
