package siteurl

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var (
	secretSegmentPattern = regexp.MustCompile(`(?i)(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*|session[_-]?id)`)
	longOpaquePattern    = regexp.MustCompile(`^[A-Za-z0-9_\-]{32,}$`)
)

// Domain returns the attribution domain of rawURL and whether it is
// trackable. Only http and https pages count; hosts that are themselves a
// public suffix (including localhost and bare TLDs) are not trackable.
func Domain(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", false
	}
	host = strings.TrimPrefix(host, "www.")
	if isIP(host) {
		return host, true
	}
	suffix, _ := publicsuffix.PublicSuffix(host)
	if suffix == host {
		return "", false
	}
	return host, true
}

// Redact strips credentials, query and fragment from a URL and masks path
// segments that look like secrets, for logging.
func Redact(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return ""
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return "[REDACTED_URL]"
	}
	out := u.Scheme + "://" + u.Host
	segments := strings.Split(u.EscapedPath(), "/")
	for i, seg := range segments {
		if secretSegmentPattern.MatchString(seg) || longOpaquePattern.MatchString(seg) {
			segments[i] = "[REDACTED]"
		}
	}
	out += strings.Join(segments, "/")
	if u.RawQuery != "" {
		out += "?[REDACTED]"
	}
	return out
}

func isIP(host string) bool {
	return net.ParseIP(host) != nil
}
