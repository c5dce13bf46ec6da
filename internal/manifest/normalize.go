package manifest

import (
	"net"
	"net/url"
	"strings"
)

// loopbackHosts are the hosts a manifest may use to mean "this service".
var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"0.0.0.0":   true,
	"::1":       true,
}

// IsLoopback reports whether host (without port) is a loopback alias.
func IsLoopback(host string) bool {
	h := strings.ToLower(strings.Trim(host, "[]"))
	if loopbackHosts[h] || strings.HasSuffix(h, ".localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// RewriteLoopback replaces the scheme and host of every absolute http(s) URL
// in raw that points at a loopback address with origin, keeping path, query
// and fragment. Nothing is rewritten when origin is itself loopback. It
// returns the number of substitutions.
func RewriteLoopback(raw map[string]interface{}, origin string) int {
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" || IsLoopback(o.Hostname()) {
		return 0
	}
	count := 0
	rewriteValue(raw, o, &count)
	return count
}

func rewriteValue(v interface{}, origin *url.URL, count *int) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			t[k] = rewriteValue(child, origin, count)
		}
		return t
	case []interface{}:
		for i, child := range t {
			t[i] = rewriteValue(child, origin, count)
		}
		return t
	case string:
		if rewritten, ok := rewriteURL(t, origin); ok {
			*count++
			return rewritten
		}
		return t
	default:
		return v
	}
}

func rewriteURL(s string, origin *url.URL) (string, bool) {
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "", false
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || !IsLoopback(u.Hostname()) {
		return "", false
	}
	// Splice the original string so path templates like {id} keep their exact form.
	rest := s[strings.Index(s, "://")+3:]
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[i:]
	} else {
		rest = ""
	}
	return origin.Scheme + "://" + origin.Host + rest, true
}

// WithOrigin rewrites loopback URLs in m against origin and rebuilds the
// typed view. It returns the rewritten manifest and the substitution count.
func (m *Manifest) WithOrigin(origin string) (*Manifest, int, error) {
	count := RewriteLoopback(m.Raw, origin)
	out := m
	if count > 0 {
		rebuilt, err := FromRaw(m.Raw)
		if err != nil {
			return nil, 0, err
		}
		out = rebuilt
	}
	out.Origin = origin
	return out, count, nil
}
