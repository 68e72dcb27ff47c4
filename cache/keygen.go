package cache

import (
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Key identifies a cached response. Build it with NewKey so that equal
// requests always produce equal keys.
type Key struct {
	Method string
	Path   string
	Query  string
}

// NewKey normalizes a request into a Key: upper-cased method (GET when empty),
// cleaned path without a trailing slash, and a query string with sorted keys and
// sorted values.
func NewKey(method, p string, params url.Values) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, Path: cleanPath(p), Query: canonicalQuery(params)}
}

// String renders the key path first so that every key of a family shares the
// family as a prefix.
func (k Key) String() string {
	if k.Query == "" {
		return k.Path + " " + k.Method
	}
	return k.Path + " " + k.Method + " " + k.Query
}

// Family returns the resource family a path belongs to: the path without a
// trailing id segment. /courses/1/assignments/42 and /courses/1/assignments
// share the family /courses/1/assignments.
func Family(p string) string {
	p = cleanPath(p)
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		if isIDSegment(p[1:]) {
			return "/"
		}
		return p
	}
	if isIDSegment(p[i+1:]) {
		return p[:i]
	}
	return p
}

// InFamily reports whether p is family itself or lies below it.
func InFamily(p, family string) bool {
	p = cleanPath(p)
	family = cleanPath(family)
	if family == "/" {
		return true
	}
	return p == family || strings.HasPrefix(p, family+"/")
}

// prefixes lists every segment prefix of p, including p itself.
func prefixes(p string) []string {
	p = cleanPath(p)
	out := []string{"/"}
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	if p != "/" {
		out = append(out, p)
	}
	return out
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return path.Clean("/" + p)
}

func canonicalQuery(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// isIDSegment matches numeric Canvas ids and SIS-style ids such as sis_course_id:ABC.
func isIDSegment(s string) bool {
	if s == "" {
		return false
	}
	if strings.Contains(s, ":") {
		return true
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
