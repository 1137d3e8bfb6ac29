package engine

import (
	"fmt"
	"net/url"
	"strings"
)

// normalizeURL is the frontier key for rawURL: lowercased scheme and host,
// default port and fragment removed, query parameters sorted. Only absolute
// http(s) URLs are accepted.
func normalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	u.Host = strings.TrimSuffix(u.Host, defaultPort[u.Scheme])
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}

var defaultPort = map[string]string{"http": ":80", "https": ":443"}
