// Package origin decides which browser Origins may open a sync WebSocket.
//
// The store server is meant to sit on the same host as the web app that uses
// it, so the default policy is same-host. Deployments that terminate TLS or
// serve the app elsewhere list explicit origins instead.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Policy is an Origin allowlist. With no entries, only same-host requests
// (and requests without an Origin header, i.e. non-browser clients) pass.
type Policy struct {
	allowAll bool
	allowed  map[string]bool
}

// NewPolicy builds a Policy from configured origins. Each entry is either
// "*" or an origin like "https://app.example.com"; entries are normalized so
// default ports and case differences do not matter. Malformed entries are
// dropped.
func NewPolicy(origins []string) *Policy {
	p := &Policy{allowed: make(map[string]bool)}
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			p.allowAll = true
			continue
		}
		if norm, _, ok := Normalize(o); ok {
			p.allowed[norm] = true
		}
	}
	return p
}

// CheckRequest is shaped for websocket.Upgrader.CheckOrigin.
func (p *Policy) CheckRequest(r *http.Request) bool {
	return p.Allow(r.Header.Get("Origin"), r.Host)
}

// Allow reports whether the given Origin header value may talk to a server
// reached as requestHost.
func (p *Policy) Allow(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		// No Origin header: not a browser. The API key gate still applies.
		return true
	}
	norm, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	if p.allowAll || p.allowed[norm] {
		return true
	}
	if len(p.allowed) > 0 || norm == "null" {
		return false
	}

	// Default same-host policy. Scheme is deliberately not compared: behind
	// a TLS-terminating proxy the request looks like HTTP while the browser
	// Origin is HTTPS.
	scheme := norm[:strings.IndexByte(norm, ':')]
	reqHost, ok := normalizeHost(requestHost, scheme)
	if !ok {
		return false
	}
	return host == reqHost
}

// Normalize validates an Origin header value and returns it in canonical
// scheme://host[:port] form plus the bare host[:port], with default ports
// stripped. The sandboxed-iframe value "null" is returned as-is.
func Normalize(originHeader string) (normalized, host string, ok bool) {
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
	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeHost lowercases a host[:port], validates the port, and strips it
// when it is the scheme's default.
func normalizeHost(rawHost, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(rawHost)))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port]. IPv6 literals come back
// without brackets; the port is returned unvalidated and empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}
	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		i := strings.IndexByte(rawHost, ':')
		if i == 0 || i == len(rawHost)-1 {
			return "", "", false
		}
		return rawHost[:i], rawHost[i+1:], true
	default:
		// Unbracketed IPv6 literals are not valid authority components.
		return "", "", false
	}
}
