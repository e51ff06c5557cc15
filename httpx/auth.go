package httpx

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Credentials answer an authentication challenge.
type Credentials struct {
	User     string
	Password string
}

// Challenge is a server's or proxy's demand for credentials.
type Challenge struct {
	Proxy  bool
	Scheme string // Basic or Digest
	Realm  string
	Params map[string]string
	// URL is the request URL, or the proxy URL for proxy challenges.
	URL *url.URL
}

func parseChallenges(values []string, proxy bool) []Challenge {
	var out []Challenge
	for _, v := range values {
		var cur *Challenge
		s := v
		for {
			s = strings.TrimLeft(s, " \t,")
			if s == "" {
				break
			}
			tok, rest := readToken(s)
			if tok == "" {
				break
			}
			after := strings.TrimLeft(rest, " \t")
			if cur != nil && strings.HasPrefix(after, "=") {
				val, next, ok := readValue(strings.TrimLeft(after[1:], " \t"))
				if !ok {
					break
				}
				cur.Params[strings.ToLower(tok)] = val
				s = next
				continue
			}
			out = append(out, Challenge{Proxy: proxy, Scheme: canonicalScheme(tok), Params: map[string]string{}})
			cur = &out[len(out)-1]
			s = rest
		}
	}
	for i := range out {
		out[i].Realm = out[i].Params["realm"]
	}
	return out
}

func readToken(s string) (string, string) {
	i := 0
	for i < len(s) && httpguts.IsTokenRune(rune(s[i])) {
		i++
	}
	return s[:i], s[i:]
}

func readValue(s string) (string, string, bool) {
	if !strings.HasPrefix(s, `"`) {
		tok, rest := readToken(s)
		return tok, rest, tok != ""
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case '"':
			return b.String(), s[i+1:], true
		default:
			b.WriteByte(c)
		}
	}
	return "", "", false
}

func canonicalScheme(s string) string {
	switch strings.ToLower(s) {
	case "basic":
		return "Basic"
	case "digest":
		return "Digest"
	}
	return s
}

// pickChallenge prefers Digest over Basic and skips schemes this
// package cannot answer.
func pickChallenge(chs []Challenge) *Challenge {
	var basic *Challenge
	for i := range chs {
		switch chs[i].Scheme {
		case "Digest":
			if digestHash(chs[i].Params["algorithm"]) != nil {
				return &chs[i]
			}
		case "Basic":
			if basic == nil {
				basic = &chs[i]
			}
		}
	}
	return basic
}

func digestHash(alg string) func() hash.Hash {
	switch strings.ToUpper(alg) {
	case "", "MD5", "MD5-SESS":
		return md5.New
	case "SHA-256", "SHA-256-SESS":
		return sha256.New
	}
	return nil
}

// authEntry is one cached credential and the challenge it answers.
type authEntry struct {
	key       string
	challenge Challenge
	creds     Credentials
	// space is the path prefix the credentials are sent to unprompted.
	space string
	nc    uint32
}

func (e *authEntry) refresh(ch Challenge) {
	e.challenge = ch
	e.nc = 0
}

func (e *authEntry) authorization(method, uri string, cnonce func() string) string {
	if e.challenge.Scheme == "Basic" {
		return basicAuth(e.creds.User, e.creds.Password)
	}
	p := e.challenge.Params
	newHash := digestHash(p["algorithm"])
	h := func(parts ...string) string {
		d := newHash()
		d.Write([]byte(strings.Join(parts, ":")))
		return hex.EncodeToString(d.Sum(nil))
	}
	nonce := p["nonce"]
	cn := cnonce()
	ha1 := h(e.creds.User, e.challenge.Realm, e.creds.Password)
	if strings.HasSuffix(strings.ToUpper(p["algorithm"]), "-SESS") {
		ha1 = h(ha1, nonce, cn)
	}
	ha2 := h(method, uri)

	qop := ""
	for _, q := range strings.Split(p["qop"], ",") {
		if strings.TrimSpace(q) == "auth" {
			qop = "auth"
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s"`, e.creds.User, e.challenge.Realm, nonce, uri)
	if alg := p["algorithm"]; alg != "" {
		fmt.Fprintf(&b, ", algorithm=%s", alg)
	}
	if qop != "" {
		e.nc++
		nc := fmt.Sprintf("%08x", e.nc)
		fmt.Fprintf(&b, `, response="%s", qop=%s, nc=%s, cnonce="%s"`, h(ha1, nonce, nc, cn, qop, ha2), qop, nc, cn)
	} else {
		fmt.Fprintf(&b, `, response="%s"`, h(ha1, nonce, ha2))
	}
	if opaque, ok := p["opaque"]; ok {
		fmt.Fprintf(&b, `, opaque="%s"`, opaque)
	}
	return b.String()
}

// authCache holds credentials for one Manager, keyed by realm for the
// origin and by address for the proxy.
type authCache struct {
	entries map[string]*authEntry
	cnonce  func() string
}

func newAuthCache() *authCache {
	return &authCache{
		entries: make(map[string]*authEntry),
		cnonce:  func() string { return randomHex(8) },
	}
}

func authKey(ch Challenge) string {
	if ch.Proxy {
		return "proxy"
	}
	return "realm=" + ch.Realm
}

func (c *authCache) get(key string) *authEntry { return c.entries[key] }

func (c *authCache) put(ch Challenge, creds Credentials, u *url.URL) *authEntry {
	e := &authEntry{key: authKey(ch), challenge: ch, creds: creds}
	if !ch.Proxy && u != nil {
		e.space = protectionSpace(u.Path)
	}
	c.entries[e.key] = e
	return e
}

func (c *authCache) drop(key string) { delete(c.entries, key) }

// forRequest finds origin credentials whose protection space covers u.
func (c *authCache) forRequest(u *url.URL) *authEntry {
	var best *authEntry
	p := u.Path
	if p == "" {
		p = "/"
	}
	for _, e := range c.entries {
		if e.challenge.Proxy || !strings.HasPrefix(p, e.space) {
			continue
		}
		if best == nil || len(e.space) > len(best.space) {
			best = e
		}
	}
	return best
}

func protectionSpace(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "/"
	}
	if strings.HasSuffix(p, "/") {
		return p
	}
	dir := path.Dir(p)
	if dir == "/" {
		return "/"
	}
	return dir + "/"
}
