// Package reqopts carries the per-request metadata plugins attach to
// outgoing calls (endpoint tag, traffic profile, canonical parameters,
// auth scope) and canonicalizes query parameters into a deterministic
// string used to derive cache keys and dedup fingerprints.
package reqopts

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Options is the well-known metadata bag attached to every outgoing
// request. It becomes a typed context value rather than a reflective
// "options bag" keyed by interface{}.
type Options struct {
	// Endpoint is a logical tag for the call, e.g. "/search".
	Endpoint string
	// Profile selects a resilience configuration, e.g. "search", "detail", "download".
	Profile string
	// Parameters is the canonical query string produced by Canonicalize.
	Parameters string
	// AuthScope optionally identifies the credential/account the call is
	// scoped to, e.g. "user:abc". Only consulted when a CachePolicy opts in.
	AuthScope string
}

type optionsKey struct{}

// WithOptions attaches o to ctx, replacing any previously attached Options.
func WithOptions(ctx context.Context, o Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, o)
}

// FromContext retrieves the Options attached to ctx, if any.
func FromContext(ctx context.Context) (Options, bool) {
	o, ok := ctx.Value(optionsKey{}).(Options)
	return o, ok
}

// Attach is a convenience for attaching o to req's context and returning
// the rebuilt request, mirroring the way http.Request carries context.
func Attach(req *http.Request, o Options) *http.Request {
	return req.WithContext(WithOptions(req.Context(), o))
}

// Canonicalize serializes a query parameter mapping into a deterministic
// string: pairs are grouped by key, multi-valued keys have their values
// sorted by ordinal byte order and joined with a literal comma, groups are
// emitted sorted by key, and both sides are percent-encoded with lowercase
// hex and space encoded as %20 (never +). The result is "" for an empty
// mapping. The output is bit-exact and stable across processes and input
// orderings — tests in this package pin the exact encoding.
func Canonicalize(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		vals := append([]string(nil), values[k]...)
		sort.Strings(vals)

		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(encodeComponent(k))
		b.WriteByte('=')
		b.WriteString(encodeComponent(strings.Join(vals, ",")))
	}
	return b.String()
}

// encodeComponent percent-encodes s the way Canonicalize requires: space
// becomes %20 (not +), all hex digits are lowercase, and the literal comma
// introduced by Canonicalize as a multi-value separator is itself encoded
// (so a single value containing a real comma, "a,b", is indistinguishable
// from the two values a and b — both encode as a%2cb).
func encodeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		if c == ' ' {
			b.WriteString("%20")
			continue
		}
		b.WriteByte('%')
		b.WriteByte(lowerHex(c >> 4))
		b.WriteByte(lowerHex(c & 0x0f))
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	}
	return false
}

func lowerHex(nibble byte) byte {
	const digits = "0123456789abcdef"
	return digits[nibble]
}

// DefaultSensitiveParams is the deny-list of query parameter names whose
// values are redacted in logs. Matching is case-insensitive.
var DefaultSensitiveParams = map[string]struct{}{
	"token":         {},
	"apikey":        {},
	"api_key":       {},
	"authorization": {},
	"refresh_token": {},
	"access_token":  {},
	"cookie":        {},
	"secret":        {},
	"client_secret": {},
	"password":      {},
}

// RedactedURL renders u for logging: every query parameter whose name
// matches the deny-list (case-insensitively) has its value replaced with
// "[redacted]"; all other values are kept but the intent is to preserve
// cardinality (key names) without leaking secrets carried in values.
func RedactedURL(u *url.URL, denylist map[string]struct{}) string {
	if denylist == nil {
		denylist = DefaultSensitiveParams
	}
	if u.RawQuery == "" {
		return u.String()
	}

	values := u.Query()
	for key := range values {
		if _, sensitive := denylist[strings.ToLower(key)]; sensitive {
			for i := range values[key] {
				values[key][i] = "[redacted]"
			}
		}
	}

	redacted := *u
	redacted.RawQuery = values.Encode()
	return redacted.String()
}
