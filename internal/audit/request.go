package audit

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"asset-alerting/internal/auth"
)

// FromRequest starts an entry for an API mutation with the caller's identity
// and origin filled in.
func FromRequest(r *http.Request, action, resourceType, resourceID string) Entry {
	entry := Entry{
		ID:           NewID(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
	if r == nil {
		return entry
	}
	entry.Actor = auth.SubjectFromContext(r.Context())
	entry.Role = string(auth.RoleFromContext(r.Context()))
	entry.IP = clientIP(r)
	entry.UserAgent = r.UserAgent()
	return entry
}

// WithMetadata attaches metadata and its digest. Unencodable values are
// dropped.
func (e Entry) WithMetadata(metadata any) Entry {
	if metadata == nil {
		return e
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return e
	}
	e.Metadata = raw
	e.PayloadDigest = DigestJSON(raw)
	return e
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := stripPort(strings.TrimSpace(first)); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
