package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may open a transport.
//
// Localhost and private-network origins are always admitted: the host serves
// its own UI from the loopback or the LAN, and those origins cannot be spoofed
// by a remote page. Everything else must match the allow list. A single "*"
// entry admits every origin.
type OriginPolicy struct {
	Allowed       []string // Extra allowed origins (see Allows for forms).
	AllowNoOrigin bool     // Whether to admit requests without an Origin header.
}

// Allows validates an Origin header value against the policy.
//
// Allow-list entries support:
//   - "*" (admit everything)
//   - Full Origin values with scheme, e.g. "https://example.com"
//   - Hostnames, e.g. "example.com"
//   - host:port, e.g. "example.com:5173"
//   - Wildcard hostnames, e.g. "*.example.com" (matches the base and subdomains)
//   - Exact non-standard Origin values, e.g. "null"
func (p OriginPolicy) Allows(origin string) bool {
	if origin == "" {
		return p.AllowNoOrigin
	}
	parsed, err := url.Parse(origin)
	host := ""
	hostname := ""
	if err == nil {
		host = parsed.Host
		hostname = parsed.Hostname()
	}
	if isLocalOrPrivateHost(hostname) {
		return true
	}
	for _, entry := range p.Allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		// Entries with a scheme are full Origin value matches.
		if strings.Contains(entry, "://") {
			if origin == entry {
				return true
			}
			continue
		}
		// Wildcard hostname entries match the base domain and any subdomain.
		if strings.HasPrefix(entry, "*.") {
			base := strings.TrimPrefix(entry, "*.")
			if hostname != "" && base != "" {
				if hostname == base || strings.HasSuffix(hostname, "."+base) {
					return true
				}
			}
			continue
		}
		// host:port entries compare against the parsed Host.
		if host != "" {
			if _, _, err := net.SplitHostPort(entry); err == nil {
				if host == entry {
					return true
				}
				continue
			}
		}
		if hostname != "" && hostname == entry {
			return true
		}
		// Exact matches cover non-standard Origin values such as "null".
		if origin == entry {
			return true
		}
	}
	return false
}

// CheckRequest validates r's Origin header against the policy.
func (p OriginPolicy) CheckRequest(r *http.Request) bool {
	return p.Allows(r.Header.Get("Origin"))
}

// isLocalOrPrivateHost reports whether hostname is loopback or inside the
// RFC 1918 / RFC 4193 private ranges.
func isLocalOrPrivateHost(hostname string) bool {
	if hostname == "" {
		return false
	}
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
