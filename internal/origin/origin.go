// Package origin implements the browser Origin policy shared by the chat
// socket upgrader and the HTTP endpoints.
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header value and returns it in
// canonical form (lowercase scheme and host, default port dropped) together
// with its host[:port] authority.
//
// "null" is accepted and returned with an empty host.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may talk to requestHost.
//
// A non-empty allowlist holds "*" or normalized origins. An empty allowlist
// means same host[:port] only. Scheme is not compared so the relay can sit
// behind a TLS-terminating proxy.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		return false
	}

	normalizedRequestHost, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return false
	}
	return originHost == normalizedRequestHost
}

// CheckRequest applies the policy to r. Requests without an Origin header
// (non-browser clients) are allowed; the returned origin is then empty.
func CheckRequest(r *http.Request, allowedOrigins []string) (normalizedOrigin string, ok bool) {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return "", true
	}
	normalizedOrigin, host, ok := NormalizeHeader(raw)
	if !ok {
		return "", false
	}
	return normalizedOrigin, IsAllowed(normalizedOrigin, host, r.Host, allowedOrigins)
}

// canonicalHost lowercases the hostname of an authority and drops the
// scheme's default port. IPv6 literals must be bracketed.
func canonicalHost(authority, scheme string) (string, bool) {
	hostname, rawPort := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		if p == "" {
			return "", false
		}
		hostname, rawPort = h, p
	} else if strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]") {
		hostname = authority[1 : len(authority)-1]
	} else if strings.ContainsAny(authority, ":[]") {
		return "", false
	}

	hostname = strings.ToLower(hostname)
	if hostname == "" || strings.ContainsAny(hostname, "[]") {
		return "", false
	}

	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if !(scheme == "http" && n == 80) && !(scheme == "https" && n == 443) {
			return net.JoinHostPort(hostname, strconv.FormatUint(n, 10)), true
		}
	}
	if strings.Contains(hostname, ":") {
		return "[" + hostname + "]", true
	}
	return hostname, true
}
