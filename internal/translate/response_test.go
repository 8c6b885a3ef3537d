package translate

import (
	"bytes"
	"testing"
	"time"

	"github.com/CM4all/beng-proxy/internal/resource"
)

func TestDecodeLocalAddressWithMaxAge(t *testing.T) {
	var buf bytes.Buffer
	writePacket(&buf, CmdBegin, nil)
	writePacket(&buf, CmdPath, []byte("/var/www/index.html"))
	writePacket(&buf, CmdContentType, []byte("text/html"))
	writePacket(&buf, CmdMaxAge, encodeU32(60))
	writePacket(&buf, CmdEnd, nil)

	resp, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Address.Kind != resource.KindLocal {
		t.Fatalf("Kind = %v, want KindLocal", resp.Address.Kind)
	}
	if resp.Address.Local.Path != "/var/www/index.html" {
		t.Fatalf("Path = %q", resp.Address.Local.Path)
	}
	if resp.Address.Local.ContentType != "text/html" {
		t.Fatalf("ContentType = %q", resp.Address.Local.ContentType)
	}
	if resp.MaxAge != 60*time.Second {
		t.Fatalf("MaxAge = %v, want 60s", resp.MaxAge)
	}
}

func TestDecodeCgiAddressWithAppendArgs(t *testing.T) {
	var buf bytes.Buffer
	writePacket(&buf, CmdBegin, nil)
	writePacket(&buf, CmdCgi, []byte("/usr/bin/php-cgi"))
	writePacket(&buf, CmdAppend, []byte("-dsafe_mode=0"))
	writePacket(&buf, CmdAppend, []byte("-dshort_open_tag=1"))
	writePacket(&buf, CmdScriptName, []byte("/index.php"))
	writePacket(&buf, CmdEnd, nil)

	resp, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Address.Kind != resource.KindCgi {
		t.Fatalf("Kind = %v, want KindCgi", resp.Address.Kind)
	}
	if resp.Address.Cgi.Path != "/usr/bin/php-cgi" {
		t.Fatalf("Path = %q", resp.Address.Cgi.Path)
	}
	if len(resp.Address.Cgi.Args) != 2 || resp.Address.Cgi.Args[1] != "-dshort_open_tag=1" {
		t.Fatalf("Args = %v", resp.Address.Cgi.Args)
	}
	if resp.Address.Cgi.ScriptName != "/index.php" {
		t.Fatalf("ScriptName = %q", resp.Address.Cgi.ScriptName)
	}
}

func TestDecodeVaryAndInvalidateLists(t *testing.T) {
	var buf bytes.Buffer
	writePacket(&buf, CmdBegin, nil)
	writePacket(&buf, CmdPath, []byte("/x"))
	writePacket(&buf, CmdVary, encodeCommandList([]Command{CmdHost, CmdUserAgent}))
	writePacket(&buf, CmdInvalidate, encodeCommandList([]Command{CmdHost}))
	writePacket(&buf, CmdEnd, nil)

	resp, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Vary) != 2 || resp.Vary[0] != CmdHost || resp.Vary[1] != CmdUserAgent {
		t.Fatalf("Vary = %v", resp.Vary)
	}
	if len(resp.Invalidate) != 1 || resp.Invalidate[0] != CmdHost {
		t.Fatalf("Invalidate = %v", resp.Invalidate)
	}
}

func TestDecodeMalformedRegexIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	writePacket(&buf, CmdBegin, nil)
	writePacket(&buf, CmdPath, []byte("/x"))
	writePacket(&buf, CmdRegex, []byte("(unterminated"))
	writePacket(&buf, CmdEnd, nil)

	_, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected an error for a malformed regex")
	}
	if _, ok := err.(*ErrProtocol); !ok {
		t.Fatalf("err = %T, want *ErrProtocol", err)
	}
}

func encodeU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func encodeCommandList(cmds []Command) []byte {
	out := make([]byte, 0, len(cmds)*2)
	for _, c := range cmds {
		out = append(out, byte(c), byte(c>>8))
	}
	return out
}
