package credentials

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeDomain reduces a URL or bare host[:port] to the key credentials
// are filed under: scheme, userinfo, path, query and fragment are dropped,
// the host is lowercased (and converted to its ASCII form when it is an
// internationalized name) and an explicit port is kept.
//
// The function is total and idempotent: NormalizeDomain(NormalizeDomain(x))
// == NormalizeDomain(x) for every input.
func NormalizeDomain(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if i := strings.Index(s, "://"); i >= 0 && !strings.ContainsAny(s[:i], "/?#") {
		s = s[i+3:]
	} else if strings.HasPrefix(s, "//") {
		s = s[2:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)

	host, port := splitHostPort(s)
	host = strings.ToLower(strings.TrimSpace(host))
	port = strings.TrimSpace(port)
	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		host = ascii
	}
	host = strings.TrimRight(host, ".")
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func splitHostPort(s string) (host, port string) {
	if h, p, err := net.SplitHostPort(s); err == nil {
		return h, p
	}
	// Bracketed IPv6 without a port.
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return s[1 : len(s)-1], ""
	}
	// Trailing colon with an empty port.
	return strings.TrimSuffix(s, ":"), ""
}

// Origin returns scheme://host[:port] for a URL, defaulting the scheme to
// https when raw is a bare host.
func Origin(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}
