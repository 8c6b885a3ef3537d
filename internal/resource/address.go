// Package resource implements ResourceAddress, the tagged union
// describing how a translation response says a request should be
// fetched, and the BASE-prefix folding operations the translation
// cache needs to share one cached address across many URIs.
package resource

import (
	"fmt"
	"strings"
)

// Kind discriminates the ResourceAddress variants of spec.md §3.
type Kind int

const (
	KindNone Kind = iota
	KindLocal
	KindHttp
	KindAjp
	KindLhttp
	KindCgi
	KindFcgi
	KindWas
	KindPipe
	KindNfs
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindLocal:
		return "local"
	case KindHttp:
		return "http"
	case KindAjp:
		return "ajp"
	case KindLhttp:
		return "lhttp"
	case KindCgi:
		return "cgi"
	case KindFcgi:
		return "fcgi"
	case KindWas:
		return "was"
	case KindPipe:
		return "pipe"
	case KindNfs:
		return "nfs"
	default:
		return "unknown"
	}
}

// Local is a static file served directly off disk, grounded on
// original_source's file_address.cxx.
type Local struct {
	Path          string
	ContentType   string
	Delegate      string
	DocumentRoot  string
	ExpandPath    string // regex-expandable variant of Path, filled on cache hit
	Deflated      string // path to a pre-compressed .gz sibling
	Gzipped       string
	AutoGzipped   bool
}

// Http is an HTTP/1.1 or AJP upstream address; a non-empty Addresses
// satisfies the spec's "Http/Ajp addresses always carry at least one
// socket address" invariant. Grounded on http_address.cxx.
type Http struct {
	Scheme      string // "http", "https", "unix"
	SSL         bool
	HostAndPort string
	Path        string
	ExpandPath  string
	Addresses   []string // resolved socket addresses, at least one
}

// Ajp reuses the Http shape: AJPv13 addresses a container the same
// way an HTTP upstream does (host/port + URI), the wire protocol is
// simply different (see internal/ajp).
type Ajp = Http

// ChildAddress is the shared field set for process-spawning variants
// (CGI, FastCGI, WAS, LHTTP, Pipe): an executable, its arguments,
// environment, and working directory. Grounded on cgi_address.cxx /
// lhttp_address.cxx field layout.
type ChildAddress struct {
	Path         string
	Args         []string
	Env          []string
	DocumentRoot string
}

// Cgi is a classic fork/exec CGI invocation.
type Cgi struct {
	ChildAddress
	URI             string
	ScriptName      string
	PathInfo        string
	QueryString     string
	ExpandPath      string
	ExpandURI       string
	ExpandPathInfo  string
}

// Fcgi is a FastCGI upstream reached via a pooled connection to a
// spawned or pre-existing socket.
type Fcgi struct {
	ChildAddress
	Host string // non-empty selects a pre-existing TCP FastCGI server instead of spawning
}

// Was is a Web Application Socket upstream (CM4all's FastCGI
// successor); contract-only here per the translation-cache Non-goal
// that excludes implementing the wire protocol itself.
type Was struct {
	ChildAddress
	ParamEnv []string
}

// Lhttp is a "local HTTP" worker: a spawned child that speaks
// HTTP/1.1 over a private socket, pooled as a MultiStock item since
// one worker may serve several concurrent leases (concurrency field).
type Lhttp struct {
	ChildAddress
	URI         string
	HostAndPort string
	Concurrency int
	Blocking    bool
}

// Pipe spawns a filter program and streams the response body through
// it; grounded on original_source's pipe filter invocation (no
// dedicated pipe_address.cxx was in the retrieval pack, so the fields
// are exactly ChildAddress's; there is no pipe-specific field).
type Pipe struct {
	ChildAddress
}

// Nfs addresses a file exported over NFS; contract-only (the NFS
// client itself is out of scope per spec.md Non-goals — only the
// address shape and GetId key derivation are implemented).
type Nfs struct {
	Server      string
	Export      string
	Path        string
	ExpandPath  string
	ContentType string
}

// Address is the ResourceAddress tagged union. Exactly one of the
// typed fields is valid, selected by Kind; the others are the zero
// value. A single struct (rather than an interface) keeps
// translation-cache storage and BASE-folding operations plain value
// copies. It is not comparable with ==, since several variants carry
// slice fields.
type Address struct {
	Kind  Kind
	Local Local
	Http  Http
	Lhttp Lhttp
	Cgi   Cgi
	Fcgi  Fcgi
	Was   Was
	Pipe  Pipe
	Nfs   Nfs
}

// IsValidBase reports whether this address can serve as a BASE entry:
// either it is itself "expandable" (carries a regex-expand field) or
// its tail-bearing field already ends in a path separator, matching
// file_address::IsValidBase / CgiAddress equivalents.
func (a Address) IsValidBase() bool {
	switch a.Kind {
	case KindLocal:
		return a.Local.ExpandPath != "" || strings.HasSuffix(a.Local.Path, "/")
	case KindHttp, KindAjp:
		return a.Http.ExpandPath != "" || strings.HasSuffix(a.Http.Path, "/")
	case KindCgi:
		return a.Cgi.ExpandURI != "" || strings.HasSuffix(a.Cgi.URI, "/")
	case KindNfs:
		return a.Nfs.ExpandPath != "" || strings.HasSuffix(a.Nfs.Path, "/")
	default:
		return false
	}
}

// SaveBase strips suffix from the address's tail-bearing field,
// returning a copy suitable for storing as a BASE cache entry; it
// mirrors file_address::SaveBase / CgiAddress::SaveBase. ok is false
// if suffix is not actually a suffix of the relevant field.
func (a Address) SaveBase(suffix string) (Address, bool) {
	out := a
	switch a.Kind {
	case KindLocal:
		if !strings.HasSuffix(a.Local.Path, suffix) {
			return Address{}, false
		}
		out.Local.Path = strings.TrimSuffix(a.Local.Path, suffix)
		return out, true
	case KindHttp, KindAjp:
		if !strings.HasSuffix(a.Http.Path, suffix) {
			return Address{}, false
		}
		out.Http.Path = strings.TrimSuffix(a.Http.Path, suffix)
		return out, true
	case KindCgi:
		if !strings.HasSuffix(a.Cgi.URI, suffix) {
			return Address{}, false
		}
		out.Cgi.URI = strings.TrimSuffix(a.Cgi.URI, suffix)
		return out, true
	case KindNfs:
		if !strings.HasSuffix(a.Nfs.Path, suffix) {
			return Address{}, false
		}
		out.Nfs.Path = strings.TrimSuffix(a.Nfs.Path, suffix)
		return out, true
	default:
		return Address{}, false
	}
}

// LoadBase reconstructs a full address from a BASE-folded entry by
// appending tail to the stored (stripped) field, rejecting any tail
// that would escape the base via "..", per spec.md §4.8 BASE
// semantics.
func (a Address) LoadBase(tail string) (Address, bool) {
	if strings.Contains(tail, "..") {
		return Address{}, false
	}
	out := a
	switch a.Kind {
	case KindLocal:
		out.Local.Path = a.Local.Path + tail
		return out, true
	case KindHttp, KindAjp:
		out.Http.Path = a.Http.Path + tail
		return out, true
	case KindCgi:
		out.Cgi.URI = a.Cgi.URI + tail
		return out, true
	case KindNfs:
		out.Nfs.Path = a.Nfs.Path + tail
		return out, true
	default:
		return Address{}, false
	}
}

// GetID returns a stable, human-readable identity string used as a
// resource/filter cache tag component, mirroring the GetId()/
// GetServerId() methods on the original address types (e.g.
// nfs_address::GetId joining server:export:path with colons).
func (a Address) GetID() string {
	switch a.Kind {
	case KindNone:
		return "none"
	case KindLocal:
		return "local:" + a.Local.Path
	case KindHttp:
		return fmt.Sprintf("http:%s:%s", a.Http.HostAndPort, a.Http.Path)
	case KindAjp:
		return fmt.Sprintf("ajp:%s:%s", a.Http.HostAndPort, a.Http.Path)
	case KindLhttp:
		return fmt.Sprintf("lhttp:%s:%s", a.Lhttp.Path, a.Lhttp.URI)
	case KindCgi:
		return fmt.Sprintf("cgi:%s:%s", a.Cgi.Path, a.Cgi.URI)
	case KindFcgi:
		return fmt.Sprintf("fcgi:%s", a.Fcgi.Path)
	case KindWas:
		return fmt.Sprintf("was:%s", a.Was.Path)
	case KindPipe:
		return fmt.Sprintf("pipe:%s", a.Pipe.Path)
	case KindNfs:
		return fmt.Sprintf("%s:%s:%s", a.Nfs.Server, a.Nfs.Export, a.Nfs.Path)
	default:
		return "?"
	}
}
