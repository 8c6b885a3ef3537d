// Package headerforward implements the header-forwarding policy of
// spec.md §4.13: every header name is classified into a group, and
// each group is forwarded, dropped, or mangled according to a
// per-group mode.
package headerforward

import (
	"net/netip"
	"strings"

	"go4.org/netipx"

	"github.com/CM4all/beng-proxy/internal/headers"
)

// Group discriminates the header classes spec.md §4.13 names.
type Group int

const (
	GroupOther Group = iota
	GroupIdentity
	GroupCapabilities
	GroupCookie
	GroupForward
	GroupCors
	GroupSecure
	GroupSSL
	GroupSsl
	GroupTransformation
	GroupAuth
	GroupLink
)

// Mode is the per-group forwarding behaviour.
type Mode int

const (
	// ModeNo drops every header in the group.
	ModeNo Mode = iota
	// ModeYes forwards every header in the group verbatim.
	ModeYes
	// ModeBoth forwards the group's headers and also mangles them (e.g.
	// appends local identity to Via).
	ModeBoth
	// ModeMangle replaces the group's headers with a derived value
	// instead of forwarding the original.
	ModeMangle
)

// Policy maps each Group to the Mode that applies to it.
type Policy map[Group]Mode

// DefaultPolicy is a reasonable starting point: identity and secure
// (X-CM4all-Beng-*) headers are mangled (fresh Via/X-Forwarded-For, no
// client-supplied X-CM4all-Beng-* survives untouched), cookies and auth
// are forwarded verbatim by default, capabilities/link/cors/
// transformation/other pass through, and
// the raw SSL/Ssl client-certificate groups are dropped unless a
// caller opts in.
func DefaultPolicy() Policy {
	return Policy{
		GroupOther:          ModeYes,
		GroupIdentity:       ModeMangle,
		GroupCapabilities:   ModeYes,
		GroupCookie:         ModeYes,
		GroupForward:        ModeYes,
		GroupCors:           ModeYes,
		GroupSecure:         ModeMangle,
		GroupSSL:            ModeNo,
		GroupSsl:            ModeNo,
		GroupTransformation: ModeYes,
		GroupAuth:           ModeYes,
		GroupLink:           ModeYes,
	}
}

// hopByHop lists the headers RFC 2616 §13.5.1 calls connection-scoped;
// these are always dropped regardless of group/mode.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

var groupOf = map[string]Group{
	"via":                  GroupIdentity,
	"x-forwarded-for":      GroupIdentity,
	"user-agent":           GroupCapabilities,
	"server":               GroupCapabilities,
	"host":                 GroupForward,
	"referer":              GroupLink,
	"location":             GroupLink,
	"content-location":     GroupLink,
	"authorization":        GroupAuth,
	"www-authenticate":     GroupAuth,
	"authentication-info":  GroupAuth,
}

var groupPrefixes = []struct {
	prefix string
	group  Group
}{
	{"cookie", GroupCookie},
	{"set-cookie", GroupCookie},
	{"access-control-", GroupCors},
	{"x-cm4all-beng-", GroupSecure},
	{"x-cm4all-https", GroupSSL},
	{"ssl-", GroupSsl},
	{"x-cm4all-transformation", GroupTransformation},
}

// ClassifyHeader returns the Group a header name belongs to, per
// spec.md §4.13's group table. Unrecognized headers are GroupOther.
func ClassifyHeader(name string) Group {
	ln := strings.ToLower(name)
	if g, ok := groupOf[ln]; ok {
		return g
	}
	for _, p := range groupPrefixes {
		if strings.HasPrefix(ln, p.prefix) {
			return p.group
		}
	}
	return GroupOther
}

// isWebSocketUpgrade reports whether name is Upgrade or a
// Sec-WebSocket-* header, which spec.md §4.13 requires to be forwarded
// verbatim on an upgrade request even though Upgrade is otherwise
// hop-by-hop.
func isWebSocketUpgrade(lname string) bool {
	return lname == "upgrade" || strings.HasPrefix(lname, "sec-websocket-")
}

// Context carries the per-request inputs Mangle mode needs.
type Context struct {
	LocalIdentity  string // appended to Via under ModeBoth, the whole Via value under ModeMangle
	RemoteAddr     string
	IsUpgrade      bool
	IsCacheCaller  bool   // If-* headers are only forwarded when the caller is HttpCache itself
	AuthUser       string // non-empty injects X-CM4all-Beng-User
	RevealUser     bool
	TrustedProxies *netipx.IPSet // XFF chains from these peers are trusted and passed through unmangled
}

// Forward applies policy to in, returning a new Map with exactly the
// headers that should cross the boundary.
func Forward(in *headers.Map, policy Policy, ctx Context) *headers.Map {
	out := headers.New()
	xffSeen := false
	trustedUpstream := trusted(ctx)

	in.ForEachAll(func(k, v string) {
		if hopByHop[k] && !(ctx.IsUpgrade && isWebSocketUpgrade(k)) {
			return
		}
		if strings.HasPrefix(k, "if-") && !ctx.IsCacheCaller {
			return
		}

		g := ClassifyHeader(k)
		mode := policy[g]
		switch mode {
		case ModeNo:
			return
		case ModeYes:
			out.Add(k, v)
		case ModeBoth:
			out.Add(k, v)
			mangleGroup(out, g, k, v, ctx)
		case ModeMangle:
			if k == "x-forwarded-for" {
				xffSeen = true
				if trustedUpstream {
					// a trusted upstream proxy's XFF chain is forwarded as-is
					// instead of being replaced with RemoteAddr below.
					out.Add(k, v)
				}
			}
			// every other mangled value is intentionally dropped here;
			// applyIdentityMangle/applySecureMangle derive the replacement.
		}
	})

	if policy[GroupIdentity] == ModeMangle {
		applyIdentityMangle(out, ctx, xffSeen, trustedUpstream)
	}
	if policy[GroupSecure] == ModeMangle {
		applySecureMangle(out, ctx)
	}
	return out
}

// mangleGroup runs under ModeBoth, where the original header (already
// added to out by the caller) is kept and a derived value is appended
// alongside it rather than replacing it.
func mangleGroup(out *headers.Map, g Group, k, v string, ctx Context) {
	switch g {
	case GroupIdentity:
		if k == "via" {
			out.Add("via", v+", "+ctx.LocalIdentity)
		}
	case GroupSecure:
		applySecureMangle(out, ctx)
	}
}

// applyIdentityMangle runs under ModeMangle, where spec.md §4.13 calls
// for a fresh Via/X-Forwarded-For rather than an append to the
// original (that append behaviour is ModeBoth's, handled in
// mangleGroup instead).
func applyIdentityMangle(out *headers.Map, ctx Context, xffSeen, trustedUpstream bool) {
	out.Set("via", ctx.LocalIdentity)

	if trustedUpstream {
		return // trusted upstream proxy's XFF chain was already forwarded as-is above
	}
	out.Set("x-forwarded-for", ctx.RemoteAddr)
}

func trusted(ctx Context) bool {
	if ctx.TrustedProxies == nil || ctx.RemoteAddr == "" {
		return false
	}
	addr, err := netip.ParseAddr(ctx.RemoteAddr)
	if err != nil {
		return false
	}
	return ctx.TrustedProxies.Contains(addr)
}

// applySecureMangle removes any X-CM4all-Beng-User already in out (under
// ModeMangle, Forward has already dropped every client-supplied
// X-CM4all-Beng-* header; under ModeBoth the others stay) and, if the
// request carries an authenticated user and RevealUser is set,
// re-asserts X-CM4all-Beng-User with the trusted value — mirroring
// the translation response's reveal_user flag.
func applySecureMangle(out *headers.Map, ctx Context) {
	out.RemoveAll("x-cm4all-beng-user")
	if ctx.RevealUser && ctx.AuthUser != "" {
		out.Add("x-cm4all-beng-user", ctx.AuthUser)
	}
}
