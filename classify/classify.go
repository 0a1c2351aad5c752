// Package classify decides, from a request URL and the platform's
// resource-type headers, which caching strategy a request gets. It has no
// side effects.
package classify

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
)

type Kind string

const (
	KindHLS      Kind = "hls"
	KindAPI      Kind = "api"
	KindStatic   Kind = "static-asset"
	KindDocument Kind = "document"
	KindImage    Kind = "image"
	KindOther    Kind = "other"
)

var (
	videoIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`/videos/([^/?#]+)/hls`),
		regexp.MustCompile(`[?&]videoId=([^&#]+)`),
		regexp.MustCompile(`/hls/([^/?#]+)`),
	}

	defaultStaticExtensions = []string{".js", ".css", ".woff2", ".woff"}
	imageExtensions         = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".avif", ".ico"}
)

// Result is the classification of a single request.
type Result struct {
	Kind       Kind
	VideoID    string
	HasVideoID bool
}

// Rules are the configurable parts of classification.
type Rules struct {
	api              []*regexp.Regexp
	staticPrefixes   []string
	staticExtensions []string
}

// NewRules compiles the API allowlist patterns.
func NewRules(apiPatterns, staticPrefixes []string) (*Rules, error) {
	rules := &Rules{
		staticPrefixes:   append([]string(nil), staticPrefixes...),
		staticExtensions: defaultStaticExtensions,
	}
	for _, pattern := range apiPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile api pattern %q: %w", pattern, err)
		}
		rules.api = append(rules.api, re)
	}
	return rules, nil
}

// Classify inspects u and the Sec-Fetch-* headers of the original request.
// HLS is checked first so a .ts segment is never taken for a static asset.
func (r *Rules) Classify(u *url.URL, header http.Header) Result {
	if IsHLS(u) {
		id, ok := ExtractVideoID(u.String())
		return Result{Kind: KindHLS, VideoID: id, HasVideoID: ok}
	}
	switch {
	case r.IsAPI(u):
		return Result{Kind: KindAPI}
	case r.IsStatic(u):
		return Result{Kind: KindStatic}
	case IsDocument(header):
		return Result{Kind: KindDocument}
	case IsImage(u, header):
		return Result{Kind: KindImage}
	default:
		return Result{Kind: KindOther}
	}
}

// IsHLS matches manifests and segments: a .m3u8 or .ts path, an /hls/ path
// segment, or an m3u8 query key.
func IsHLS(u *url.URL) bool {
	if u == nil {
		return false
	}
	p := strings.ToLower(u.Path)
	if strings.HasSuffix(p, ".m3u8") || strings.HasSuffix(p, ".ts") {
		return true
	}
	if strings.Contains(p, "/hls/") {
		return true
	}
	_, ok := u.Query()["m3u8"]
	return ok
}

// IsManifest reports whether u names a playlist rather than a segment.
func IsManifest(u *url.URL) bool {
	if u == nil {
		return false
	}
	if strings.HasSuffix(strings.ToLower(u.Path), ".m3u8") {
		return true
	}
	_, ok := u.Query()["m3u8"]
	return ok
}

// ExtractVideoID tries /videos/<id>/hls, then videoId=<id>, then /hls/<id>.
// The first match wins.
func ExtractVideoID(rawURL string) (string, bool) {
	for _, re := range videoIDPatterns {
		match := re.FindStringSubmatch(rawURL)
		if len(match) < 2 || match[1] == "" {
			continue
		}
		id := match[1]
		if unescaped, err := url.QueryUnescape(id); err == nil {
			id = unescaped
		}
		return id, true
	}
	return "", false
}

func (r *Rules) IsAPI(u *url.URL) bool {
	if r == nil || u == nil {
		return false
	}
	for _, re := range r.api {
		if re.MatchString(u.Path) {
			return true
		}
	}
	return false
}

func (r *Rules) IsStatic(u *url.URL) bool {
	if r == nil || u == nil {
		return false
	}
	for _, prefix := range r.staticPrefixes {
		if prefix != "" && strings.HasPrefix(u.Path, prefix) {
			return true
		}
	}
	return hasExtension(u.Path, r.staticExtensions)
}

// IsDocument relies on the platform's resource-type signal, not on the URL.
func IsDocument(header http.Header) bool {
	if header == nil {
		return false
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Dest"), "document") {
		return true
	}
	return strings.EqualFold(header.Get("Sec-Fetch-Mode"), "navigate")
}

func IsImage(u *url.URL, header http.Header) bool {
	if header != nil && strings.EqualFold(header.Get("Sec-Fetch-Dest"), "image") {
		return true
	}
	return u != nil && hasExtension(u.Path, imageExtensions)
}

func hasExtension(p string, extensions []string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, candidate := range extensions {
		if ext == candidate {
			return true
		}
	}
	return false
}
