// Package translate implements the translation-server wire protocol:
// a binary request/response exchange over a Unix stream socket that
// maps an incoming request to a resource.Address plus caching/transform
// metadata. internal/xlatecache wraps a Client with the lookup,
// store, and invalidation machinery described for the cache.
package translate

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command identifies a packet's field within a translate request or
// response. Numeric values are this module's own assignment (the
// upstream C++ enum's numeric table was not available in the retrieval
// pack — only field names, via translation/Vary.cxx's switch over
// TranslationCommand); only the field names and packet shape
// (length-prefixed, command-tagged payloads terminated by END) are
// normative here.
type Command uint16

const (
	CmdBegin Command = iota
	CmdEnd

	// request fields
	CmdURI
	CmdHost
	CmdSession
	CmdParam
	CmdRemoteHost
	CmdLocalAddress
	CmdLanguage
	CmdUserAgent
	CmdUAClass
	CmdQueryString
	CmdCheck
	CmdWantFullURI
	CmdWant

	// response: resource address variants
	CmdPath // Local
	CmdContentType
	CmdDocumentRoot
	CmdHttp
	CmdAjp
	CmdLhttp
	CmdCgi
	CmdFastCGI
	CmdWas
	CmdPipe
	CmdNfsServer
	CmdNfsExport
	CmdScriptName
	CmdPathInfo
	CmdExpandPath
	CmdAppend // child process argv entries

	// response: cache/transform metadata
	CmdBase
	CmdRegex
	CmdInverseRegex
	CmdRegexTail
	CmdEasyBase
	CmdUnsafeBase
	CmdVary
	CmdInvalidate
	CmdMaxAge
	CmdExpiresRelative
	CmdValidateMtime
	CmdFilter
	CmdProcess
	CmdProcessCSS
	CmdProcessText
	CmdCacheTag
	CmdAutoBase
	CmdUser
	CmdUserMaxAge
	CmdRealm
	CmdAuth
	CmdStatus
	CmdStateful
	CmdSecureCookie
	CmdTransparent
	CmdWidgetInfo
	CmdDumpHeaders
	CmdFilter4xx
	CmdWWWAuthenticate
	CmdAuthenticationInfo
	CmdRedirect
	CmdBounce
	CmdRedirectQueryString
)

// packet is one decoded (or pending-encode) wire unit: a command tag
// plus its raw payload. Framing is {length:u16be, command:u16be,
// payload[length]}; length counts only the payload, per spec.md §6.
type packet struct {
	cmd     Command
	payload []byte
}

func writePacket(w io.Writer, cmd Command, payload []byte) error {
	if len(payload) > 0xFFFF {
		return fmt.Errorf("translate: payload for command %d too long (%d bytes)", cmd, len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(len(payload)))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(cmd))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readPacket(r io.Reader) (packet, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return packet{}, err
	}
	length := binary.BigEndian.Uint16(hdr[0:2])
	cmd := Command(binary.BigEndian.Uint16(hdr[2:4]))
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return packet{}, fmt.Errorf("translate: short packet body for command %d: %w", cmd, err)
		}
	}
	return packet{cmd: cmd, payload: payload}, nil
}

func stringPayload(s string) []byte { return []byte(s) }
