// Package magnet builds and parses magnet links for resolved torrents.
// Query construction uses stdlib net/url only — no third-party library
// offers a magnet-link codec, and this is a handful of lines of escaping.
package magnet

import (
	"fmt"
	"net/url"
	"strings"
)

// Build constructs a magnet link for an info-hash, optionally naming the
// torrent and listing trackers.
func Build(infoHashHex, displayName string, trackers []string) string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+infoHashHex)
	if displayName != "" {
		v.Set("dn", displayName)
	}
	link := "magnet:?" + v.Encode()
	for _, tr := range trackers {
		link += "&tr=" + url.QueryEscape(tr)
	}
	return link
}

// ParseInfoHash extracts the 40-hex info-hash from a magnet link's
// xt=urn:btih: parameter.
func ParseInfoHash(magnetLink string) (string, error) {
	u, err := url.Parse(magnetLink)
	if err != nil {
		return "", fmt.Errorf("magnet: parse: %w", err)
	}
	xt := u.Query().Get("xt")
	const prefix = "urn:btih:"
	idx := strings.Index(strings.ToLower(xt), prefix)
	if idx < 0 {
		return "", fmt.Errorf("magnet: missing urn:btih: in xt parameter")
	}
	hash := xt[idx+len(prefix):]
	if len(hash) != 40 {
		return "", fmt.Errorf("magnet: info-hash %q is not 40 hex characters", hash)
	}
	return strings.ToLower(hash), nil
}
