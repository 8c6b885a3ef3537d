package xlatecache

import (
	"net/url"
	"strings"

	"github.com/CM4all/beng-proxy/internal/translate"
)

// deriveKey computes the translation-cache lookup key for req, per
// spec.md §4.8's "[W_?] [|CHECK=esc(check)] [|WFU=esc(want_full_uri)]
// [host ":"] URI" rule. A widget-class lookup (req.WidgetClass set)
// uses the class name verbatim instead.
func deriveKey(req *translate.Request) string {
	if req.WidgetClass != "" {
		return req.WidgetClass
	}

	var b strings.Builder
	if len(req.Want) > 0 {
		b.WriteString("W_")
	}
	if len(req.Check) > 0 {
		b.WriteString("|CHECK=")
		b.WriteString(url.QueryEscape(string(req.Check)))
	}
	if len(req.WantFullURI) > 0 {
		b.WriteString("|WFU=")
		b.WriteString(url.QueryEscape(string(req.WantFullURI)))
	}
	if req.Host != "" {
		b.WriteString(req.Host)
		b.WriteByte(':')
	}
	b.WriteString(req.URI)
	return b.String()
}

// deriveKeyForURI is deriveKey with the URI component overridden,
// used by the BASE-prefix retry loop in Lookup.
func deriveKeyForURI(req *translate.Request, uri string) string {
	clone := *req
	clone.URI = uri
	return deriveKey(&clone)
}

// basePrefixes returns every "/"-terminated prefix of uri, from
// longest to shortest, per spec.md §4.8's "retry with progressively
// shorter URI prefixes (cut at the last '/')" rule.
func basePrefixes(uri string) []string {
	var out []string
	for {
		idx := strings.LastIndex(uri, "/")
		if idx < 0 {
			break
		}
		uri = uri[:idx+1]
		out = append(out, uri)
		if idx == 0 {
			break
		}
		uri = uri[:idx]
	}
	return out
}
