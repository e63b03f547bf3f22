package header

import "strings"

// Canonical header names used by the engine.
const (
	NameVia                     = "Via"
	NameTo                      = "To"
	NameFrom                    = "From"
	NameCallID                  = "Call-ID"
	NameCSeq                    = "CSeq"
	NameContact                 = "Contact"
	NameRoute                   = "Route"
	NameRecordRoute             = "Record-Route"
	NameMaxForwards             = "Max-Forwards"
	NameContentLength           = "Content-Length"
	NameContentType             = "Content-Type"
	NameWWWAuthenticate         = "WWW-Authenticate"
	NameProxyAuthenticate       = "Proxy-Authenticate"
	NameAuthorization           = "Authorization"
	NameProxyAuthorization      = "Proxy-Authorization"
	NameAuthenticationInfo      = "Authentication-Info"
	NameProxyAuthenticationInfo = "Proxy-Authentication-Info"
)

var compactToName = map[string]string{
	"i": NameCallID,
	"m": NameContact,
	"e": "Content-Encoding",
	"l": NameContentLength,
	"c": NameContentType,
	"f": NameFrom,
	"s": "Subject",
	"k": "Supported",
	"t": NameTo,
	"v": NameVia,
}

var nameToCompact = func() map[string]string {
	m := make(map[string]string, len(compactToName))
	for c, n := range compactToName {
		m[strings.ToLower(n)] = c
	}
	return m
}()

var canonicNames = func() map[string]string {
	names := []string{
		NameVia, NameTo, NameFrom, NameCallID, NameCSeq, NameContact, NameRoute, NameRecordRoute,
		NameMaxForwards, NameContentLength, NameContentType, NameWWWAuthenticate, NameProxyAuthenticate,
		NameAuthorization, NameProxyAuthorization, NameAuthenticationInfo, NameProxyAuthenticationInfo,
		"Content-Encoding", "Subject", "Supported", "Allow", "Expires", "User-Agent", "Server",
		"Accept", "Require", "Proxy-Require", "Unsupported", "Min-Expires", "Retry-After",
		"Timestamp", "Organization", "Priority", "Reply-To", "Warning", "Date", "MIME-Version",
		"Error-Info", "Call-Info", "Alert-Info", "In-Reply-To", "Content-Disposition",
		"Content-Language", "Accept-Encoding", "Accept-Language",
	}
	m := make(map[string]string, len(names))
	for _, n := range names {
		m[strings.ToLower(n)] = n
	}
	return m
}()

// ExpandCompact returns the full header name for a compact form or the name itself.
func ExpandCompact(name string) string {
	if len(name) == 1 {
		if n, ok := compactToName[strings.ToLower(name)]; ok {
			return n
		}
	}
	return name
}

// CompactName returns the compact form of a header name if it has one.
func CompactName(name string) (string, bool) {
	c, ok := nameToCompact[strings.ToLower(name)]
	return c, ok
}

// CanonicName returns the canonical spelling of a header name.
// Compact forms are expanded, unknown names are title-cased per dash-separated word.
func CanonicName(name string) string {
	name = strings.TrimSpace(ExpandCompact(name))
	if n, ok := canonicNames[strings.ToLower(name)]; ok {
		return n
	}
	parts := strings.Split(strings.ToLower(name), "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}
