package classify

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func defaultRules(t *testing.T) *Rules {
	t.Helper()
	rules, err := NewRules([]string{`^/api/videos`, `^/api/creators`, `^/api/search`}, []string{"/static/"})
	require.NoError(t, err)
	return rules
}

func TestExtractVideoID_Precedence(t *testing.T) {
	cases := []struct {
		url    string
		wantID string
		wantOK bool
	}{
		{"https://x/videos/abc123/hls/seg1.ts", "abc123", true},
		{"https://x/videos/abc123/hls/seg1.ts?videoId=other", "abc123", true},
		{"https://x/stream/master.m3u8?videoId=q%2F1", "q/1", true},
		{"https://x/stream/hls/zz9/seg.ts?videoId=fromquery", "fromquery", true},
		{"https://x/hls/zz9/seg.ts", "zz9", true},
		{"https://cdn/v1/master.m3u8", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			id, ok := ExtractVideoID(tc.url)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantID, id)
		})
	}
}

func TestIsHLS(t *testing.T) {
	assert.True(t, IsHLS(mustParse(t, "https://cdn/v1/master.m3u8")))
	assert.True(t, IsHLS(mustParse(t, "https://cdn/v1/seg0.TS")))
	assert.True(t, IsHLS(mustParse(t, "https://cdn/live/hls/chunk")))
	assert.True(t, IsHLS(mustParse(t, "https://cdn/play?m3u8")))
	assert.False(t, IsHLS(mustParse(t, "https://cdn/hlsfile.mp4")))
	assert.False(t, IsHLS(nil))
}

func TestClassify_Kinds(t *testing.T) {
	rules := defaultRules(t)
	doc := http.Header{"Sec-Fetch-Dest": []string{"document"}}
	nav := http.Header{"Sec-Fetch-Mode": []string{"navigate"}}
	img := http.Header{"Sec-Fetch-Dest": []string{"image"}}

	cases := []struct {
		name   string
		url    string
		header http.Header
		want   Kind
	}{
		{"segment beats static extension rule", "https://app/static/seg.ts", nil, KindHLS},
		{"api allowlist", "https://app/api/videos/42", nil, KindAPI},
		{"api not allowlisted", "https://app/api/payments", nil, KindOther},
		{"static prefix", "https://app/static/logo.bin", nil, KindStatic},
		{"static extension", "https://app/chunk.css", nil, KindStatic},
		{"font", "https://app/fonts/inter.woff2", nil, KindStatic},
		{"document by dest", "https://app/feed", doc, KindDocument},
		{"document by mode", "https://app/shorts", nav, KindDocument},
		{"document url is not enough", "https://app/feed", nil, KindOther},
		{"image by dest", "https://img/avatar", img, KindImage},
		{"image by extension", "https://img/thumb.webp", nil, KindImage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := rules.Classify(mustParse(t, tc.url), tc.header)
			assert.Equal(t, tc.want, got.Kind)
		})
	}
}

func TestClassify_HLSVideoID(t *testing.T) {
	rules := defaultRules(t)

	got := rules.Classify(mustParse(t, "https://cdn/videos/v1/hls/seg0.ts"), nil)
	assert.Equal(t, Result{Kind: KindHLS, VideoID: "v1", HasVideoID: true}, got)

	got = rules.Classify(mustParse(t, "https://cdn/live/stream.m3u8"), nil)
	assert.Equal(t, Result{Kind: KindHLS}, got)
}

func TestIsManifest(t *testing.T) {
	assert.True(t, IsManifest(mustParse(t, "https://cdn/videos/v1/hls/master.m3u8")))
	assert.True(t, IsManifest(mustParse(t, "https://cdn/play?m3u8=1")))
	assert.False(t, IsManifest(mustParse(t, "https://cdn/videos/v1/hls/seg0.ts")))
}

func TestNewRules_InvalidPattern(t *testing.T) {
	_, err := NewRules([]string{"("}, nil)
	assert.Error(t, err)
}
