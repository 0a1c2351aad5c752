package hls

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrMasterPlaylist = errors.New("master playlists are not supported; pass a media playlist")
	ErrInvalidBase    = errors.New("manifest base url must be absolute")
)

/*
*	Minimal media playlist reader: every non-empty line that is not a tag or
*	comment is a segment URI. Variant selection for master playlists is not
*	done here; callers reject them with IsMasterPlaylist first.
 */

// ParseSegments returns the absolute segment URLs of a media playlist, in
// playlist order. Relative URIs are resolved against base, the manifest's own URL.
func ParseSegments(manifest string, base string) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil || !baseURL.IsAbs() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBase, base)
	}

	segments := make([]string, 0)
	for line := range strings.SplitSeq(manifest, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if strings.HasPrefix(line, "http") {
			segments = append(segments, line)
			continue
		}
		ref, err := url.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("invalid segment uri %q: %w", line, err)
		}
		segments = append(segments, baseURL.ResolveReference(ref).String())
	}
	return segments, nil
}

// IsMasterPlaylist reports whether the playlist lists variant streams instead
// of segments.
func IsMasterPlaylist(manifest string) bool {
	for line := range strings.SplitSeq(manifest, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#EXT-X-STREAM-INF") {
			return true
		}
	}
	return false
}

// ParseMediaPlaylist rejects master playlists, then parses segments.
func ParseMediaPlaylist(manifest string, base string) ([]string, error) {
	if IsMasterPlaylist(manifest) {
		return nil, ErrMasterPlaylist
	}
	return ParseSegments(manifest, base)
}
