package translate

import (
	"io"
	"regexp"
	"time"

	"github.com/CM4all/beng-proxy/internal/resource"
)

// TransformKind distinguishes the four Transformation variants
// spec.md §3 names.
type TransformKind int

const (
	TransformProcess TransformKind = iota
	TransformProcessCSS
	TransformProcessText
	TransformFilter
)

// Transformation is one step of a TranslateResponse's filter chain.
type Transformation struct {
	Kind       TransformKind
	Address    resource.Address // only set for TransformFilter
	CacheTag   string           // only set for TransformFilter
	RevealUser bool             // only set for TransformFilter
}

// ValidateMtime is an external freshness proof: the cache entry is
// dropped on hit if Path's mtime no longer equals Mtime or the path is
// no longer a regular file.
type ValidateMtime struct {
	Path  string
	Mtime time.Time
}

// Response is a decoded TranslateResponse: how to fetch the resource,
// plus every piece of metadata the cache and pipeline need.
type Response struct {
	Address resource.Address

	Base         string
	Regex        *regexp.Regexp
	InverseRegex *regexp.Regexp
	RegexTail    bool
	EasyBase     bool
	UnsafeBase   bool

	Vary       []Command
	Invalidate []Command

	MaxAge          time.Duration
	ExpiresRelative time.Duration

	User        string
	UserMaxAge  time.Duration
	Session     []byte
	Realm       string
	Check       []byte
	Auth        []byte
	Status      int

	ValidateMtime *ValidateMtime

	Transformations []Transformation

	AutoBase     bool
	Stateful     bool
	SecureCookie bool
	Transparent  bool
	WidgetInfo   bool
	DumpHeaders  bool
	Filter4xx    bool

	// WWWAuthenticate/AuthenticationInfo, if set, make the response
	// uncacheable regardless of MaxAge — spec.md §4.8's store rule.
	WWWAuthenticate    string
	AuthenticationInfo string

	// Redirect/Bounce, if set, tell the pipeline to emit a redirect
	// response immediately instead of dispatching Address — spec.md
	// §4.12 step 2. RedirectQueryString appends the original request's
	// query string to Redirect.
	Redirect            string
	Bounce              string
	RedirectQueryString bool

	// Expandable is true iff any transformation or address field carries
	// an expand_* capture-group placeholder — spec.md §4.8's "Regex
	// handling" rule for when capture groups must be retained.
	Expandable bool
}

// Decode reads packets from r until END, assembling a Response. A
// fresh child-address accumulator tracks which of Cgi/Fcgi/Was/Lhttp/
// Pipe is being built, since their fields (Path, Args via repeated
// CmdAppend, document root) arrive as a flat packet sequence rather
// than a nested structure.
func Decode(r io.Reader) (*Response, error) {
	resp := &Response{}
	var pendingKind resource.Kind = resource.KindNone
	var child resource.ChildAddress
	var cgi resource.Cgi // CGI-only fields, applied when the address is flushed

	flushChild := func() {
		switch pendingKind {
		case resource.KindCgi:
			cgi.ChildAddress = child
			resp.Address = resource.Address{Kind: resource.KindCgi, Cgi: cgi}
		case resource.KindFcgi:
			resp.Address = resource.Address{Kind: resource.KindFcgi, Fcgi: resource.Fcgi{ChildAddress: child}}
		case resource.KindWas:
			resp.Address = resource.Address{Kind: resource.KindWas, Was: resource.Was{ChildAddress: child}}
		case resource.KindLhttp:
			resp.Address = resource.Address{Kind: resource.KindLhttp, Lhttp: resource.Lhttp{ChildAddress: child}}
		case resource.KindPipe:
			resp.Address = resource.Address{Kind: resource.KindPipe, Pipe: resource.Pipe{ChildAddress: child}}
		}
	}

	for {
		pkt, err := readPacket(r)
		if err != nil {
			return nil, err
		}
		switch pkt.cmd {
		case CmdEnd:
			flushChild()
			return resp, nil

		case CmdPath:
			switch pendingKind {
			case resource.KindNone:
				resp.Address = resource.Address{Kind: resource.KindLocal, Local: resource.Local{Path: string(pkt.payload)}}
			default:
				child.Path = string(pkt.payload)
			}
		case CmdContentType:
			if resp.Address.Kind == resource.KindLocal {
				resp.Address.Local.ContentType = string(pkt.payload)
			}
		case CmdDocumentRoot:
			if resp.Address.Kind == resource.KindLocal {
				resp.Address.Local.DocumentRoot = string(pkt.payload)
			} else {
				child.DocumentRoot = string(pkt.payload)
			}
		case CmdHttp:
			resp.Address = resource.Address{Kind: resource.KindHttp, Http: resource.Http{HostAndPort: string(pkt.payload)}}
		case CmdAjp:
			resp.Address = resource.Address{Kind: resource.KindAjp, Http: resource.Http{HostAndPort: string(pkt.payload)}}
		case CmdCgi:
			pendingKind = resource.KindCgi
			child = resource.ChildAddress{Path: string(pkt.payload)}
			cgi = resource.Cgi{}
		case CmdFastCGI:
			pendingKind = resource.KindFcgi
			child = resource.ChildAddress{Path: string(pkt.payload)}
		case CmdWas:
			pendingKind = resource.KindWas
			child = resource.ChildAddress{Path: string(pkt.payload)}
		case CmdLhttp:
			pendingKind = resource.KindLhttp
			child = resource.ChildAddress{Path: string(pkt.payload)}
		case CmdPipe:
			pendingKind = resource.KindPipe
			child = resource.ChildAddress{Path: string(pkt.payload)}
		case CmdAppend:
			child.Args = append(child.Args, string(pkt.payload))
		case CmdScriptName:
			if pendingKind == resource.KindCgi {
				cgi.ScriptName = string(pkt.payload)
			}
		case CmdPathInfo:
			if pendingKind == resource.KindCgi {
				cgi.PathInfo = string(pkt.payload)
			}
		case CmdExpandPath:
			if pendingKind == resource.KindCgi {
				cgi.ExpandPath = string(pkt.payload)
				resp.Expandable = true
			}
		case CmdNfsServer:
			resp.Address = resource.Address{Kind: resource.KindNfs, Nfs: resource.Nfs{Server: string(pkt.payload)}}
		case CmdNfsExport:
			if resp.Address.Kind == resource.KindNfs {
				resp.Address.Nfs.Export = string(pkt.payload)
			}

		case CmdBase:
			resp.Base = string(pkt.payload)
		case CmdRegex:
			re, err := regexp.Compile("(?s)" + string(pkt.payload))
			if err != nil {
				return nil, &ErrProtocol{Detail: "malformed REGEX: " + err.Error()}
			}
			resp.Regex = re
		case CmdInverseRegex:
			re, err := regexp.Compile("(?s)" + string(pkt.payload))
			if err != nil {
				return nil, &ErrProtocol{Detail: "malformed INVERSE_REGEX: " + err.Error()}
			}
			resp.InverseRegex = re
		case CmdRegexTail:
			resp.RegexTail = true
		case CmdEasyBase:
			resp.EasyBase = true
		case CmdUnsafeBase:
			resp.UnsafeBase = true
		case CmdVary:
			resp.Vary = decodeCommandList(pkt.payload)
		case CmdInvalidate:
			resp.Invalidate = decodeCommandList(pkt.payload)
		case CmdMaxAge:
			resp.MaxAge = time.Duration(decodeU32(pkt.payload)) * time.Second
		case CmdExpiresRelative:
			resp.ExpiresRelative = time.Duration(decodeU32(pkt.payload)) * time.Second
		case CmdUser:
			resp.User = string(pkt.payload)
		case CmdUserMaxAge:
			resp.UserMaxAge = time.Duration(decodeU32(pkt.payload)) * time.Second
		case CmdSession:
			resp.Session = pkt.payload
		case CmdRealm:
			resp.Realm = string(pkt.payload)
		case CmdCheck:
			resp.Check = pkt.payload
		case CmdAuth:
			resp.Auth = pkt.payload
		case CmdStatus:
			resp.Status = int(decodeU16(pkt.payload))
		case CmdValidateMtime:
			if len(pkt.payload) < 8 {
				return nil, &ErrProtocol{Detail: "truncated VALIDATE_MTIME"}
			}
			resp.ValidateMtime = &ValidateMtime{
				Mtime: time.Unix(int64(decodeU64(pkt.payload[:8])), 0),
				Path:  string(pkt.payload[8:]),
			}
		case CmdCacheTag:
			if len(resp.Transformations) > 0 {
				resp.Transformations[len(resp.Transformations)-1].CacheTag = string(pkt.payload)
			}
		case CmdFilter:
			resp.Transformations = append(resp.Transformations, Transformation{Kind: TransformFilter})
		case CmdProcess:
			resp.Transformations = append(resp.Transformations, Transformation{Kind: TransformProcess})
		case CmdProcessCSS:
			resp.Transformations = append(resp.Transformations, Transformation{Kind: TransformProcessCSS})
		case CmdProcessText:
			resp.Transformations = append(resp.Transformations, Transformation{Kind: TransformProcessText})
		case CmdAutoBase:
			resp.AutoBase = true
		case CmdStateful:
			resp.Stateful = true
		case CmdSecureCookie:
			resp.SecureCookie = true
		case CmdTransparent:
			resp.Transparent = true
		case CmdWidgetInfo:
			resp.WidgetInfo = true
		case CmdDumpHeaders:
			resp.DumpHeaders = true
		case CmdFilter4xx:
			resp.Filter4xx = true
		case CmdWWWAuthenticate:
			resp.WWWAuthenticate = string(pkt.payload)
		case CmdAuthenticationInfo:
			resp.AuthenticationInfo = string(pkt.payload)
		case CmdRedirect:
			resp.Redirect = string(pkt.payload)
		case CmdBounce:
			resp.Bounce = string(pkt.payload)
		case CmdRedirectQueryString:
			resp.RedirectQueryString = true
		}
	}
}

func decodeCommandList(b []byte) []Command {
	out := make([]Command, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		out = append(out, Command(b[i])|Command(b[i+1])<<8)
	}
	return out
}

func decodeU16(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return uint16(b[0]) | uint16(b[1])<<8
}

func decodeU32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func decodeU64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
