package sandbox

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// NetworkPolicy enforces spec.md §4.3's outbound network safety rule set:
// scheme allowlist, private/loopback/link-local hostname denial, a header
// allowlist for user-supplied headers, and a response size cap.
//
// Grounded on yesoreyeram-thaiyyal/backend/http_security.go's
// isAllowedURL/isInternalIP/isPrivateOrSpecialIP (a pack repo covering the
// SSRF-guard concern the teacher does not) adapted to return the
// Sandbox's typed *ExecError instead of a bare error.
type NetworkPolicy struct {
	AllowPrivateNetworks bool
	AllowedHeaders       map[string]struct{}
	MaxResponseBytes     int64
}

// DefaultAllowedHeaders is the whitelist applied to user-supplied headers
// when a node's HTTP call config does not declare its own.
var DefaultAllowedHeaders = map[string]struct{}{
	"Content-Type":  {},
	"Accept":        {},
	"Authorization": {},
	"User-Agent":    {},
}

// CheckURL validates rawURL against the policy before any request is
// issued.
func (p *NetworkPolicy) CheckURL(rawURL string) *ExecError {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Wrap(KindValidation, "invalid URL: "+rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Wrap(KindSecurity, fmt.Sprintf("scheme %q is not allowed", parsed.Scheme), nil)
	}
	if parsed.Hostname() == "" {
		return Wrap(KindValidation, "URL must have a hostname", nil)
	}
	if !p.AllowPrivateNetworks && isInternalHost(parsed.Hostname()) {
		return ErrBlockedURL
	}
	return nil
}

// FilterHeaders drops any user-supplied header not on the allowlist.
func (p *NetworkPolicy) FilterHeaders(headers map[string]string) http.Header {
	allowed := p.AllowedHeaders
	if allowed == nil {
		allowed = DefaultAllowedHeaders
	}
	out := make(http.Header, len(headers))
	for k, v := range headers {
		if _, ok := allowed[http.CanonicalHeaderKey(k)]; ok {
			out.Set(k, v)
		}
	}
	return out
}

// CheckResponseSize reports ErrResponseTooLarge once contentLength exceeds
// the cap. contentLength of -1 (unknown) is allowed through; callers must
// still bound the actual read with LimitReader.
func (p *NetworkPolicy) CheckResponseSize(contentLength int64) *ExecError {
	if p.MaxResponseBytes > 0 && contentLength > p.MaxResponseBytes {
		return ErrResponseTooLarge
	}
	return nil
}

func isInternalHost(hostname string) bool {
	if ip := net.ParseIP(hostname); ip != nil {
		return isPrivateOrSpecialIP(ip)
	}
	ips, err := net.LookupIP(hostname)
	if err != nil {
		// Unresolvable: deny to be safe.
		return true
	}
	for _, ip := range ips {
		if isPrivateOrSpecialIP(ip) {
			return true
		}
	}
	return false
}

func isPrivateOrSpecialIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return true
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		case ip4[0] == 169 && ip4[1] == 254:
			return true
		}
		return false
	}
	// Unique Local Addresses fc00::/7
	if len(ip) == net.IPv6len && (ip[0]&0xfe) == 0xfc {
		return true
	}
	return false
}
