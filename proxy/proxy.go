package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/bariiss/hls-offline/cachestore"
	"github.com/bariiss/hls-offline/classify"
	"github.com/bariiss/hls-offline/hls"
	"github.com/bariiss/hls-offline/model"
	"github.com/bariiss/hls-offline/parsing"
	"github.com/bariiss/hls-offline/strategy"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const CacheSourceHeader = "X-Cache-Source"

// RouteInfoKey is the echo context key under which Fetch records how it
// answered a request.
const RouteInfoKey = "route_info"

type RouteInfo struct {
	Source        strategy.Source
	Kind          classify.Kind
	Partition     string
	VideoID       string
	BytesUpstream int64
}

// request headers forwarded upstream and used for classification
var forwardHeaders = []string{"Range", "Accept", "Accept-Language", "Sec-Fetch-Dest", "Sec-Fetch-Mode"}

// stored response headers replayed to the page
var replayHeaders = []string{"Content-Type", "Content-Range", "Cache-Control", "ETag", "Last-Modified"}

// Fetch answers an intercepted request. The target is carried base64 encoded
// in the path, as url|referer|origin. Playlists are rewritten so the player
// requests their segments through Fetch too.
func (s *Server) Fetch(c echo.Context) error {
	switch c.Param("input") {
	case "favicon.ico", "apple-touch-icon.png", "apple-touch-icon-precomposed.png":
		return echo.NewHTTPError(http.StatusNotFound, "resource not available")
	}

	input, err := parsing.ParseInputUrl(c.Param("input"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	target, err := url.Parse(input.Url)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed URL in request")
	}

	req := strategy.Request{URL: target, Header: buildHeaders(c.Request().Header, input)}
	result, route, err := s.worker.Fetch(c.Request().Context(), req)
	info := &RouteInfo{Kind: route.Kind, Partition: route.Partition}
	if route.Offline {
		info.VideoID = route.VideoID
	}
	c.Set(RouteInfoKey, info)
	if err != nil {
		log.WithFields(log.Fields{"url": input.Url, "kind": route.Kind}).Warnf("request failed: %v", err)
		return echo.NewHTTPError(http.StatusBadGateway, "upstream unavailable")
	}

	resp := result.Response
	info.Source = result.Source
	if result.Source == strategy.SourceNetwork {
		info.BytesUpstream = resp.Size()
	}

	body := resp.Body
	upstreamType := resp.Header.Get("Content-Type")
	if resp.OK() && isPlaylist(target, resp) {
		proxyBase := c.Scheme() + "://" + c.Request().Host
		rewritten, err := hls.Rewrite(string(body), input.Url, proxyBase, input.Referer, input.Origin)
		if err != nil {
			log.WithField("url", input.Url).Warnf("manifest rewrite failed: %v", err)
			return echo.NewHTTPError(http.StatusBadGateway, "unreadable manifest")
		}
		body = []byte(rewritten)
		if !strings.Contains(strings.ToLower(upstreamType), "mpegurl") {
			upstreamType = detectContentType(".m3u8")
		}
	}

	writeHeaders(c, resp)
	c.Response().Header().Set(CacheSourceHeader, string(result.Source))
	contentType := setContentTypeHeader(c, target.Path, upstreamType)
	return c.Blob(resp.Status, contentType, body)
}

func isPlaylist(target *url.URL, resp *cachestore.Response) bool {
	if classify.IsManifest(target) {
		return true
	}
	return strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "mpegurl")
}

func buildHeaders(incoming http.Header, input *model.Input) http.Header {
	header := http.Header{}
	for _, name := range forwardHeaders {
		if value := incoming.Get(name); value != "" {
			header.Set(name, value)
		}
	}
	addBaseHeaders(header, input)
	return header
}

func addBaseHeaders(header http.Header, input *model.Input) {
	if input.Referer != "" {
		header.Set("Referer", input.Referer)
	}
	if input.Origin != "" {
		header.Set("Origin", input.Origin)
	}
}

func writeHeaders(c echo.Context, resp *cachestore.Response) {
	for _, name := range replayHeaders {
		if value := resp.Header.Get(name); value != "" {
			c.Response().Header().Set(name, value)
		}
	}
}

func setContentTypeHeader(c echo.Context, name string, override string) string {
	contentType := override
	if contentType == "" {
		contentType = detectContentType(name)
	}
	c.Response().Header().Set(echo.HeaderContentType, contentType)
	return contentType
}

func detectContentType(name string) string {
	lname := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lname, ".aac"):
		return "audio/aac"
	case strings.HasSuffix(lname, ".m4a"):
		return "audio/mp4"
	case strings.HasSuffix(lname, ".m4s"), strings.HasSuffix(lname, ".mp4"), strings.HasSuffix(lname, ".m4v"):
		return "video/mp4"
	case strings.HasSuffix(lname, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(lname, ".m3u8"), strings.HasSuffix(lname, ".m3u"):
		return "application/vnd.apple.mpegurl"
	case strings.HasSuffix(lname, ".ts"):
		return "video/mp2t"
	case strings.HasSuffix(lname, ".html"), lname == "" || strings.HasSuffix(lname, "/"):
		return echo.MIMETextHTMLCharsetUTF8
	case strings.HasSuffix(lname, ".json"):
		return echo.MIMEApplicationJSON
	default:
		return echo.MIMEOctetStream
	}
}
