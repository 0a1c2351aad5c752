package parsing

import (
	"errors"
	"net/url"
	"strings"

	"github.com/bariiss/hls-offline/model"
	"github.com/cristalhq/base64"
)

var (
	ErrInvalidEncoding = errors.New("invalid base64 input")
	ErrMissingURL      = errors.New("missing url in input")
	ErrNotAbsolute     = errors.New("url must be absolute http(s)")
)

// ParseInputUrl decodes the `/fetch/:input` path parameter: base64 of
// "url|referer|origin", where referer and origin are optional.
func ParseInputUrl(inputString string) (*model.Input, error) {
	s := strings.TrimSpace(inputString)

	decodedBytes, err := decode(s)
	if err != nil {
		return nil, ErrInvalidEncoding
	}

	parts := strings.Split(string(decodedBytes), "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	out := &model.Input{Encoded: s, Url: parts[0]}
	if len(parts) > 1 {
		out.Referer = parts[1]
	}
	if len(parts) > 2 {
		out.Origin = parts[2]
	}

	if out.Url == "" {
		return nil, ErrMissingURL
	}

	parsed, err := url.Parse(out.Url)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, ErrNotAbsolute
	}

	return out, nil
}

// EncodeInput is the inverse of ParseInputUrl, using the URL-safe alphabet.
func EncodeInput(input model.Input) string {
	raw := input.Url
	if input.Referer != "" || input.Origin != "" {
		raw += "|" + input.Referer
	}
	if input.Origin != "" {
		raw += "|" + input.Origin
	}
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decode(s string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
