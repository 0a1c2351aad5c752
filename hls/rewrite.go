package hls

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/bariiss/hls-offline/model"
	"github.com/bariiss/hls-offline/parsing"
)

var uriAttr = regexp.MustCompile(`(?i)URI=["']([^"']+)["']`)

/*
*	Rewrites a playlist so every URI it references (segments, variant
*	playlists, EXT-X-KEY, EXT-X-MAP and EXT-X-MEDIA URIs) is requested through
*	the proxy's /fetch endpoint. Cached copies keep the upstream text; only the
*	copy handed to the player is rewritten, so cache keys stay upstream URLs.
 */

// Rewrite returns manifest with its URIs replaced by proxy URLs under
// proxyBase (scheme and host of the proxy). referer and origin travel along
// with every rewritten URI.
func Rewrite(manifest string, manifestURL string, proxyBase string, referer, origin string) (string, error) {
	base, err := url.Parse(manifestURL)
	if err != nil || !base.IsAbs() {
		return "", fmt.Errorf("%w: %q", ErrInvalidBase, manifestURL)
	}
	proxyBase = strings.TrimRight(proxyBase, "/")

	proxied := func(ref string) (string, error) {
		abs, err := resolve(base, ref)
		if err != nil {
			return "", err
		}
		return proxyBase + "/fetch/" + parsing.EncodeInput(model.Input{Url: abs, Referer: referer, Origin: origin}), nil
	}

	var out strings.Builder
	out.Grow(len(manifest) * 2)
	for line := range strings.SplitSeq(strings.TrimRight(manifest, "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case trimmed[0] == '#':
			match := uriAttr.FindStringSubmatchIndex(trimmed)
			if match == nil {
				out.WriteString(trimmed)
				break
			}
			target, err := proxied(trimmed[match[2]:match[3]])
			if err != nil {
				return "", err
			}
			out.WriteString(trimmed[:match[2]] + target + trimmed[match[3]:])
		default:
			target, err := proxied(trimmed)
			if err != nil {
				return "", err
			}
			out.WriteString(target)
		}
		out.WriteString("\n")
	}
	return out.String(), nil
}

func resolve(base *url.URL, ref string) (string, error) {
	if strings.HasPrefix(ref, "http") {
		return ref, nil
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid uri %q: %w", ref, err)
	}
	return base.ResolveReference(parsed).String(), nil
}
