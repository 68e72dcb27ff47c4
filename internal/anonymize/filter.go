// Package anonymize rewrites decoded Canvas payloads so that no real personal
// identifier survives.
//
// Each resource has a static schema naming the role of every known field. Fields
// the schema does not cover are handled fail-closed: identity-shaped keys go to the
// identity mapper, detectable PII in strings is scrubbed, and anything else is
// dropped and reported as a PolicyViolation.
package anonymize

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/canvasgpt/internal/identity"
	"github.com/briangreenhill/canvasgpt/internal/metrics"
	"github.com/briangreenhill/canvasgpt/internal/scrub"
)

const (
	// minSweepLen is the shortest identity value that is also swept out of other strings.
	minSweepLen = 3
	// minNumericSweepLen applies to values made only of digits. Shorter numbers
	// are too likely to be scores, dates or course numbers; a short user id
	// quoted in free text is left in place.
	minNumericSweepLen = 5
)

var (
	// ErrNoMapper is returned by New when an enabled filter has no identity mapper.
	ErrNoMapper = errors.New("anonymize: identity mapper is required")
	// ErrPolicyViolation matches every *PolicyViolation with errors.Is.
	ErrPolicyViolation = errors.New("anonymize: policy violation")

	emailValue = regexp.MustCompile(`(?i)^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`)
)

// PolicyViolation reports a field that no rule covered. The field is dropped from
// the output; the violation carries its location but never its value.
type PolicyViolation struct {
	Resource Resource
	Path     string
}

func (v *PolicyViolation) Error() string {
	return fmt.Sprintf("anonymize: no rule covers %s field %q, field dropped", v.Resource, v.Path)
}

func (v *PolicyViolation) Is(target error) bool {
	return target == ErrPolicyViolation
}

// Options configures a Filter.
type Options struct {
	Mapper   *identity.Mapper
	Scrubber *scrub.Scrubber
	Enabled  bool
	// ScrubKeys extends the key names always treated as identity fields.
	ScrubKeys []string
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Filter applies the resource schemas. It is safe for concurrent use.
type Filter struct {
	mapper    *identity.Mapper
	scrubber  *scrub.Scrubber
	enabled   bool
	scrubKeys map[string]identity.Kind
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

// New builds a Filter. A disabled filter passes payloads through untouched.
func New(opts Options) (*Filter, error) {
	if opts.Enabled && opts.Mapper == nil {
		return nil, ErrNoMapper
	}
	scrubber := opts.Scrubber
	if scrubber == nil {
		scrubber = scrub.MustDefault()
	}

	keys := make(map[string]identity.Kind)
	for _, k := range append(append([]string{}, defaultScrubKeys...), opts.ScrubKeys...) {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		keys[k] = kindForKey(k)
	}

	return &Filter{
		mapper:    opts.Mapper,
		scrubber:  scrubber,
		enabled:   opts.Enabled,
		scrubKeys: keys,
		log:       opts.Logger.With().Str("component", "anonymize").Logger(),
		metrics:   opts.Metrics,
	}, nil
}

// Enabled reports whether the filter rewrites payloads.
func (f *Filter) Enabled() bool {
	return f.enabled
}

// Scope names what the filter's output depends on: "raw" when disabled,
// otherwise the mapper's salt epoch. Cached output is only valid within the
// scope that produced it.
func (f *Filter) Scope() string {
	if !f.enabled {
		return "raw"
	}
	return "anon:" + f.mapper.Epoch()
}

// Anonymize returns an anonymized copy of payload, decoded JSON made of
// map[string]any, []any and scalars, interpreted as res. The input is not modified.
func (f *Filter) Anonymize(payload any, res Resource) (any, []*PolicyViolation) {
	if !f.enabled {
		return payload, nil
	}
	if _, ok := schemas[res]; !ok {
		res = ResourceUnknown
	}

	w := &walker{f: f, known: make(map[string]string)}
	out := w.node(payload, res, "")
	if sw := w.newSweeper(); sw != nil {
		out = sweepStrings(out, sw)
	}
	return out, w.violations
}

func kindForKey(k string) identity.Kind {
	if strings.Contains(k, "email") {
		return identity.KindEmail
	}
	return identity.KindUser
}

// identityKey reports whether an undeclared key is identity-shaped.
func (f *Filter) identityKey(key string) (identity.Kind, bool) {
	k := strings.ToLower(key)
	if kind, ok := f.scrubKeys[k]; ok {
		return kind, true
	}
	switch {
	case strings.HasSuffix(k, "_email"):
		return identity.KindEmail, true
	case strings.HasSuffix(k, "user_id"), strings.HasSuffix(k, "_name"):
		return identity.KindUser, true
	}
	return "", false
}

// walker holds the state of one Anonymize call.
type walker struct {
	f          *Filter
	known      map[string]string // real value -> pseudonym, for the leak sweep
	violations []*PolicyViolation
}

func (w *walker) node(v any, res Resource, path string) any {
	switch t := v.(type) {
	case map[string]any:
		return w.record(t, res, path)
	case []any:
		out := make([]any, 0, len(t))
		for i, el := range t {
			p := fmt.Sprintf("%s[%d]", path, i)
			switch el.(type) {
			case map[string]any, []any:
				out = append(out, w.node(el, res, p))
			default:
				if val, keep := w.scalar(el, res, p); keep {
					out = append(out, val)
				}
			}
		}
		return out
	default:
		val, _ := w.scalar(v, res, path)
		return val
	}
}

func (w *walker) record(m map[string]any, res Resource, path string) map[string]any {
	schema := schemas[res]
	anchor := anchorOf(m, schema.Anchor)

	out := make(map[string]any, len(m))
	for k, v := range m {
		p := joinPath(path, k)
		field, ok := schema.Fields[k]
		if !ok {
			if kind, isIdentity := w.f.identityKey(k); isIdentity {
				out[k] = w.identity(v, Field{Role: RoleIdentity, Kind: kind}, "", p)
				continue
			}
			switch v.(type) {
			case map[string]any, []any:
				out[k] = w.node(v, ResourceUnknown, p)
			default:
				if val, keep := w.scalar(v, res, p); keep {
					out[k] = val
				}
			}
			continue
		}

		switch field.Role {
		case RolePass:
			out[k] = deepCopy(v)
		case RoleIdentity:
			out[k] = w.identity(v, field, anchor, p)
		case RoleFreeText:
			out[k] = w.freeText(v, p)
		case RoleRedact:
			if v == nil {
				out[k] = nil
			} else {
				out[k] = scrub.Placeholder
			}
		case RoleNested:
			out[k] = w.node(v, field.Nested, p)
		}
	}
	return out
}

// scalar applies the fail-closed heuristics to a value without a schema entry.
func (w *walker) scalar(v any, res Resource, path string) (any, bool) {
	switch t := v.(type) {
	case nil, bool:
		return t, true
	case string:
		if t == "" {
			return t, true
		}
		if w.f.scrubber.Detect(t) {
			if emailValue.MatchString(strings.TrimSpace(t)) {
				return w.identity(t, Field{Role: RoleIdentity, Kind: identity.KindEmail}, "", path), true
			}
			return w.f.scrubber.Scrub(t), true
		}
	}
	w.violate(res, path)
	return nil, false
}

func (w *walker) identity(v any, field Field, anchor, path string) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = w.identity(el, field, anchor, fmt.Sprintf("%s[%d]", path, i))
		}
		return out
	case map[string]any:
		return w.node(t, ResourceUnknown, path)
	}

	raw, ok := stringify(v)
	if !ok {
		return v
	}
	if raw == "" {
		return ""
	}
	src := raw
	if field.Anchored && anchor != "" {
		src = anchor
	}
	pseudonym := w.f.mapper.Pseudonymize(src, field.Kind)
	w.remember(raw, pseudonym, field.Kind)
	return pseudonym
}

func (w *walker) freeText(v any, path string) any {
	switch t := v.(type) {
	case string:
		return w.f.scrubber.Scrub(t)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = w.freeText(el, fmt.Sprintf("%s[%d]", path, i))
		}
		return out
	case map[string]any:
		return w.node(t, ResourceUnknown, path)
	default:
		return t
	}
}

func (w *walker) remember(raw, pseudonym string, kind identity.Kind) {
	w.rememberOne(raw, pseudonym)
	// Names are also matched by their parts, so "Jane" in a post is caught
	// once "Jane Doe" or "Doe, Jane" has been seen.
	if kind == identity.KindUser && strings.ContainsAny(raw, " ,") {
		for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
			return unicode.IsSpace(r) || r == ','
		}) {
			w.rememberOne(part, pseudonym)
		}
	}
}

func (w *walker) rememberOne(raw, pseudonym string) {
	raw = strings.TrimSpace(raw)
	n := utf8.RuneCountInString(raw)
	if n < minSweepLen || (n < minNumericSweepLen && allDigits(raw)) {
		return
	}
	key := strings.ToLower(raw)
	if _, ok := w.known[key]; !ok {
		w.known[key] = pseudonym
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func (w *walker) violate(res Resource, path string) {
	v := &PolicyViolation{Resource: res, Path: path}
	w.violations = append(w.violations, v)
	w.f.metrics.PolicyViolation(string(res))
	w.f.log.Warn().Str("resource", string(res)).Str("path", path).Msg("field dropped: no anonymization rule covers it")
}

// sweeper matches every identity value seen during the walk, word-bounded and
// case-insensitively. Values are indexed by their leading word, so each
// string is scanned once and only values sharing a word with it are compared.
type sweeper struct {
	known map[string]string   // lower-cased value -> pseudonym
	index map[string][]string // lower-cased leading word -> values, longest first
}

// newSweeper returns nil when there is nothing to sweep.
func (w *walker) newSweeper() *sweeper {
	if len(w.known) == 0 {
		return nil
	}
	sw := &sweeper{known: w.known, index: make(map[string][]string)}
	for v := range w.known {
		lead := leadingWord(v)
		sw.index[lead] = append(sw.index[lead], v)
	}
	// Longest first so "jane doe" wins over "jane".
	for _, values := range sw.index {
		sort.Slice(values, func(i, j int) bool {
			if len(values[i]) != len(values[j]) {
				return len(values[i]) > len(values[j])
			}
			return values[i] < values[j]
		})
	}
	return sw
}

// sweep replaces every known value in s with its pseudonym.
func (sw *sweeper) sweep(s string) string {
	var b strings.Builder
	copied, replaced := 0, false
	for i := 0; i < len(s); {
		end := i + wordEnd(s[i:])
		if end == i {
			_, size := utf8.DecodeRuneInString(s[i:])
			end = i + size
		}
		j, pseudonym, ok := sw.match(s, i, strings.ToLower(s[i:end]))
		if !ok {
			i = end
			continue
		}
		if !replaced {
			b.Grow(len(s))
			replaced = true
		}
		b.WriteString(s[copied:i])
		b.WriteString(pseudonym)
		i, copied = j, j
	}
	if !replaced {
		return s
	}
	b.WriteString(s[copied:])
	return b.String()
}

// match tries the values led by lead at offset i of s and returns the end of
// the match.
func (sw *sweeper) match(s string, i int, lead string) (int, string, bool) {
	for _, v := range sw.index[lead] {
		j := i + len(v)
		if j > len(s) || !strings.EqualFold(s[i:j], v) {
			continue
		}
		if last, _ := utf8.DecodeLastRuneInString(v); isWordRune(last) && j < len(s) {
			if next, _ := utf8.DecodeRuneInString(s[j:]); isWordRune(next) {
				continue
			}
		}
		return j, sw.known[v], true
	}
	return 0, "", false
}

// leadingWord is the first word of v, or its first rune when v does not
// start with a word character.
func leadingWord(v string) string {
	if n := wordEnd(v); n > 0 {
		return v[:n]
	}
	_, size := utf8.DecodeRuneInString(v)
	return v[:size]
}

// wordEnd returns the length of the word at the start of s.
func wordEnd(s string) int {
	n := 0
	for n < len(s) {
		r, size := utf8.DecodeRuneInString(s[n:])
		if !isWordRune(r) {
			break
		}
		n += size
	}
	return n
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

// sweepStrings rewrites every string in v. v must be owned by the caller.
func sweepStrings(v any, sw *sweeper) any {
	switch t := v.(type) {
	case string:
		return sw.sweep(t)
	case map[string]any:
		for k, el := range t {
			t[k] = sweepStrings(el, sw)
		}
		return t
	case []any:
		for i, el := range t {
			t[i] = sweepStrings(el, sw)
		}
		return t
	default:
		return v
	}
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return "", false
	}
}

// anchorOf resolves a schema anchor, possibly a dotted path, in m.
func anchorOf(m map[string]any, anchor string) string {
	if anchor == "" {
		return ""
	}
	var v any = m
	for _, key := range strings.Split(anchor, ".") {
		rec, ok := v.(map[string]any)
		if !ok {
			return ""
		}
		v = rec[key]
	}
	s, _ := stringify(v)
	return s
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[k] = deepCopy(el)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = deepCopy(el)
		}
		return out
	default:
		return v
	}
}
