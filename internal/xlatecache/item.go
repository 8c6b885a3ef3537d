package xlatecache

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/CM4all/beng-proxy/internal/translate"
)

// item is one cached TranslateResponse plus the exact request-field
// values its Vary set pinned at store time, per spec.md §4.8's
// TranslateCacheItem.
type item struct {
	key        string
	resp       *translate.Response
	varyValues map[translate.Command]string
	expiresAt  time.Time
}

func (it *item) expired(now time.Time) bool { return now.After(it.expiresAt) }

// varyMatches reports whether req agrees with it on every field named
// in it.resp.Vary.
func (it *item) varyMatches(req *translate.Request) bool {
	for _, cmd := range it.resp.Vary {
		if requestFieldValue(req, cmd) != it.varyValues[cmd] {
			return false
		}
	}
	return true
}

// regexMatches applies the inverse-regex/regex predicates of
// spec.md §4.8's lookup step 2/3 against uri (already tail-stripped if
// RegexTail applies).
func (it *item) regexMatches(uri string) bool {
	if it.resp.InverseRegex != nil && it.resp.InverseRegex.MatchString(uri) {
		return false
	}
	if it.resp.Regex != nil && !it.resp.Regex.MatchString(uri) {
		return false
	}
	return true
}

// validateMtimeStillValid re-checks an external freshness proof (spec.md §4.8's
// store rule); an entry is dropped if the path is gone, not a regular
// file, or its mtime changed.
func (it *item) validateMtimeStillValid() bool {
	vm := it.resp.ValidateMtime
	if vm == nil {
		return true
	}
	st, err := os.Stat(vm.Path)
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	return st.ModTime().Equal(vm.Mtime)
}

func requestFieldValue(req *translate.Request, cmd translate.Command) string {
	switch cmd {
	case translate.CmdHost:
		return req.Host
	case translate.CmdLanguage:
		return req.Language
	case translate.CmdUserAgent:
		return req.UserAgent
	case translate.CmdUAClass:
		return req.UAClass
	case translate.CmdQueryString:
		return req.QueryString
	case translate.CmdRemoteHost:
		return req.RemoteHost
	case translate.CmdLocalAddress:
		return req.LocalAddress
	case translate.CmdSession:
		return string(req.Session)
	default:
		return ""
	}
}

// captureExpand substitutes regex capture groups from uri (matched
// against it.resp.Regex) into a placeholder of the form "\1", "\2", …
// found in template, per spec.md §4.8's "substitute capture groups
// into each expand_* field" rule.
func captureExpand(re *regexp.Regexp, uri, template string) string {
	groups := re.FindStringSubmatch(uri)
	if groups == nil {
		return template
	}
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		if template[i] == '\\' && i+1 < len(template) && template[i+1] >= '0' && template[i+1] <= '9' {
			n, _ := strconv.Atoi(string(template[i+1]))
			if n < len(groups) {
				b.WriteString(groups[n])
			}
			i++
			continue
		}
		b.WriteByte(template[i])
	}
	return b.String()
}
