package hls

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSegments_ResolvesRelativeLines(t *testing.T) {
	manifest := "#EXTM3U\nseg0.ts\n#EXTINF:10,\nseg1.ts\n"

	segments, err := ParseSegments(manifest, "https://cdn.example/videos/v1/hls/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://cdn.example/videos/v1/hls/seg0.ts",
		"https://cdn.example/videos/v1/hls/seg1.ts",
	}, segments)
}

func TestParseSegments_MixedReferences(t *testing.T) {
	manifest := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-TARGETDURATION:6",
		"",
		"#EXTINF:6.0,",
		"  https://edge.example/abs/seg0.ts  ",
		"#EXTINF:6.0,",
		"../shared/seg1.ts",
		"#EXTINF:6.0,",
		"/root/seg2.ts?token=abc",
		"#EXT-X-ENDLIST",
	}, "\r\n")

	segments, err := ParseSegments(manifest, "https://cdn.example/videos/v1/hls/index.m3u8?sig=1")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://edge.example/abs/seg0.ts",
		"https://cdn.example/videos/v1/shared/seg1.ts",
		"https://cdn.example/root/seg2.ts?token=abc",
	}, segments)
}

func TestParseSegments_CountMatchesURILines(t *testing.T) {
	for n := 0; n < 25; n++ {
		var b strings.Builder
		b.WriteString("#EXTM3U\n")
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "#EXTINF:4,\nchunk_%03d.ts\n", i)
		}
		segments, err := ParseSegments(b.String(), "https://cdn/v/playlist.m3u8")
		require.NoError(t, err)
		require.Len(t, segments, n)
		for i, segment := range segments {
			assert.Equal(t, fmt.Sprintf("https://cdn/v/chunk_%03d.ts", i), segment)
		}
	}
}

func TestParseSegments_RequiresAbsoluteBase(t *testing.T) {
	_, err := ParseSegments("seg0.ts", "/relative/master.m3u8")
	assert.ErrorIs(t, err, ErrInvalidBase)
}

func TestParseMediaPlaylist_RejectsMaster(t *testing.T) {
	master := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\nlow/index.m3u8\n"

	assert.True(t, IsMasterPlaylist(master))
	_, err := ParseMediaPlaylist(master, "https://cdn/v1/master.m3u8")
	assert.ErrorIs(t, err, ErrMasterPlaylist)

	segments, err := ParseMediaPlaylist("#EXTM3U\na.ts\n", "https://cdn/v1/media.m3u8")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/v1/a.ts"}, segments)
}
