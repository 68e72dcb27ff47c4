package anonymize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/briangreenhill/canvasgpt/internal/identity"
	"github.com/briangreenhill/canvasgpt/internal/metrics"
)

func newTestFilter(t testing.TB, opts Options) (*Filter, *identity.Mapper) {
	t.Helper()
	m, err := identity.New(identity.Options{Salt: []byte("filter-test")})
	require.NoError(t, err)
	opts.Mapper = m
	opts.Enabled = true
	f, err := New(opts)
	require.NoError(t, err)
	return f, m
}

func decode(t testing.TB, doc string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))
	return v
}

func TestAnonymizeNameAndComment(t *testing.T) {
	f, _ := newTestFilter(t, Options{})

	out, violations := f.Anonymize(decode(t, `{"name": "Jane Doe", "comment": "call me at 555-123-4567"}`), ResourceUnknown)
	assert.Empty(t, violations)

	rec := out.(map[string]any)
	assert.Regexp(t, `^Student_[0-9a-f]{8}$`, rec["name"])
	assert.Equal(t, "call me at [REDACTED]", rec["comment"])
}

func TestAnchoredFieldsShareOnePseudonym(t *testing.T) {
	f, m := newTestFilter(t, Options{})

	user := decode(t, `{
		"id": 1001,
		"name": "Jane Doe",
		"sortable_name": "Doe, Jane",
		"login_id": "jdoe",
		"email": "jdoe@school.edu",
		"avatar_url": "https://canvas.example.edu/images/thumbnails/1001",
		"pronouns": null,
		"bio": "I'm Jane Doe, call 555-123-4567",
		"created_at": "2024-08-20T10:00:00Z"
	}`)
	out, violations := f.Anonymize(user, ResourceUser)
	require.Empty(t, violations)

	rec := out.(map[string]any)
	want := m.Pseudonymize("1001", identity.KindUser)
	for _, k := range []string{"id", "name", "sortable_name", "login_id"} {
		assert.Equal(t, want, rec[k], k)
	}
	assert.Equal(t, m.Pseudonymize("jdoe@school.edu", identity.KindEmail), rec["email"])
	assert.Equal(t, "[REDACTED]", rec["avatar_url"])
	assert.Nil(t, rec["pronouns"])
	assert.Equal(t, "I'm "+want+", call [REDACTED]", rec["bio"])
	assert.Equal(t, "2024-08-20T10:00:00Z", rec["created_at"])

	entry := decode(t, `{"id": 7, "user_id": 1001, "user_name": "Jane Doe", "message": "<p>Done</p>"}`)
	out, violations = f.Anonymize(entry, ResourceDiscussionEntry)
	require.Empty(t, violations)
	assert.Equal(t, want, out.(map[string]any)["user_name"])
	assert.Equal(t, want, out.(map[string]any)["user_id"])
}

func TestLeakSweepAcrossRecords(t *testing.T) {
	f, m := newTestFilter(t, Options{})

	entries := decode(t, `[
		{"id": 1, "user_id": 2002, "user_name": "Sam Rivera", "message": "Thanks jane doe! Jane, see you Monday."},
		{"id": 2, "user_id": 1001, "user_name": "Jane Doe", "message": "Replying to Sam Rivera"}
	]`)
	out, violations := f.Anonymize(entries, ResourceDiscussionEntry)
	require.Empty(t, violations)

	jane := m.Pseudonymize("1001", identity.KindUser)
	sam := m.Pseudonymize("2002", identity.KindUser)
	list := out.([]any)
	assert.Equal(t, "Thanks "+jane+"! "+jane+", see you Monday.", list[0].(map[string]any)["message"])
	assert.Equal(t, "Replying to "+sam, list[1].(map[string]any)["message"])
}

func TestTopicUserNameMatchesAuthor(t *testing.T) {
	f, m := newTestFilter(t, Options{})

	topic := decode(t, `{
		"id": 12,
		"title": "Week 1",
		"user_name": "Prof Oak",
		"author": {"id": 3003, "display_name": "Prof Oak"}
	}`)
	out, violations := f.Anonymize(topic, ResourceDiscussionTopic)
	require.Empty(t, violations)

	rec := out.(map[string]any)
	author := rec["author"].(map[string]any)
	want := m.Pseudonymize("3003", identity.KindUser)
	assert.Equal(t, want, author["id"])
	assert.Equal(t, want, author["display_name"])
	assert.Equal(t, author["id"], rec["user_name"])
}

func TestShortNumbersStayInText(t *testing.T) {
	f, m := newTestFilter(t, Options{})

	users := decode(t, `[
		{"id": 100, "name": "Jane Doe", "bio": "I scored 100 in BIO 101"},
		{"id": 123456, "name": "Sam Rivera", "bio": "Ticket 123456 is mine"}
	]`)
	out, violations := f.Anonymize(users, ResourceUser)
	require.Empty(t, violations)

	list := out.([]any)
	assert.Equal(t, "I scored 100 in BIO 101", list[0].(map[string]any)["bio"])
	sam := m.Pseudonymize("123456", identity.KindUser)
	assert.Equal(t, "Ticket "+sam+" is mine", list[1].(map[string]any)["bio"])
}

func largeCourse(n int) []any {
	users := make([]any, n)
	for i := range users {
		next := (i + 1) % n
		users[i] = map[string]any{
			"id":            json.Number(strconv.Itoa(100000 + i)),
			"name":          fmt.Sprintf("First%d Last%d", i, i),
			"sortable_name": fmt.Sprintf("Last%d, First%d", i, i),
			"login_id":      fmt.Sprintf("user%d", i),
			"email":         fmt.Sprintf("user%d@school.edu", i),
			"bio":           fmt.Sprintf("Study group with First%d Last%d and user%d", next, next, next),
		}
	}
	return users
}

func TestLeakSweepLargeCourse(t *testing.T) {
	f, m := newTestFilter(t, Options{})
	const n = 2000

	start := time.Now()
	out, violations := f.Anonymize(largeCourse(n), ResourceUser)
	elapsed := time.Since(start)
	require.Empty(t, violations)
	assert.Less(t, elapsed, 5*time.Second)

	list := out.([]any)
	require.Len(t, list, n)
	for _, i := range []int{0, 1, n / 2, n - 1} {
		next := m.Pseudonymize(strconv.Itoa(100000+(i+1)%n), identity.KindUser)
		assert.Equal(t, "Study group with "+next+" and "+next, list[i].(map[string]any)["bio"])
	}
}

func BenchmarkAnonymizeLargeCourse(b *testing.B) {
	f, _ := newTestFilter(b, Options{})
	for _, n := range []int{100, 1000} {
		b.Run(strconv.Itoa(n), func(b *testing.B) {
			users := largeCourse(n)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				f.Anonymize(users, ResourceUser)
			}
		})
	}
}

func TestUncoveredFieldsFailClosed(t *testing.T) {
	reg := metrics.New(nil)
	f, m := newTestFilter(t, Options{Metrics: reg, ScrubKeys: []string{"nickname"}})

	entry := decode(t, `{
		"id": 9,
		"user_id": 1001,
		"message": "hi",
		"reviewer_email": "ta@school.edu",
		"student_name": "Jane Doe",
		"nickname": "JD the great",
		"flagged": true,
		"mystery_score": 42,
		"note": "plain words",
		"contact": "reach me at 555-123-4567",
		"extra": {"teacher_name": "Prof Oak", "weight": 3}
	}`)
	out, violations := f.Anonymize(entry, ResourceDiscussionEntry)
	rec := out.(map[string]any)

	assert.Equal(t, m.Pseudonymize("ta@school.edu", identity.KindEmail), rec["reviewer_email"])
	assert.Equal(t, m.Pseudonymize("Jane Doe", identity.KindUser), rec["student_name"])
	assert.Equal(t, m.Pseudonymize("JD the great", identity.KindUser), rec["nickname"])
	assert.Equal(t, true, rec["flagged"])
	assert.Equal(t, "reach me at [REDACTED]", rec["contact"])
	assert.NotContains(t, rec, "mystery_score")
	assert.NotContains(t, rec, "note")

	extra := rec["extra"].(map[string]any)
	assert.Equal(t, m.Pseudonymize("Prof Oak", identity.KindUser), extra["teacher_name"])
	assert.NotContains(t, extra, "weight")

	paths := make([]string, 0, len(violations))
	for _, v := range violations {
		assert.True(t, errors.Is(v, ErrPolicyViolation))
		assert.NotContains(t, v.Error(), "42")
		paths = append(paths, v.Path)
	}
	assert.ElementsMatch(t, []string{"mystery_score", "note", "extra.weight"}, paths)
	assert.Equal(t, float64(2), testutil.ToFloat64(reg.PolicyViolations.WithLabelValues(string(ResourceDiscussionEntry))))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.PolicyViolations.WithLabelValues(string(ResourceUnknown))))
}

func TestNestedResources(t *testing.T) {
	f, m := newTestFilter(t, Options{})

	sub := decode(t, `{
		"id": 55,
		"user_id": 1001,
		"grader_id": 3003,
		"score": 9.5,
		"body": "My number is 555-123-4567",
		"submission_comments": [
			{"id": 1, "author_id": 3003, "author_name": "Prof Oak", "comment": "Nice work", "created_at": "2024-09-01T00:00:00Z"}
		],
		"user": {"id": 1001, "name": "Jane Doe"}
	}`)
	out, violations := f.Anonymize(sub, ResourceSubmission)
	require.Empty(t, violations)
	rec := out.(map[string]any)

	oak := m.Pseudonymize("3003", identity.KindUser)
	assert.Equal(t, oak, rec["grader_id"])
	assert.Equal(t, json.Number("9.5"), rec["score"])
	assert.Equal(t, "My number is [REDACTED]", rec["body"])

	comment := rec["submission_comments"].([]any)[0].(map[string]any)
	assert.Equal(t, oak, comment["author_name"])
	assert.Equal(t, "Nice work", comment["comment"])

	user := rec["user"].(map[string]any)
	assert.Equal(t, m.Pseudonymize("1001", identity.KindUser), user["name"])
}

func TestAnonymizeLeavesInputUntouched(t *testing.T) {
	f, _ := newTestFilter(t, Options{})

	doc := `{"id": 1, "name": "Intro", "teachers": [{"id": 4, "display_name": "Prof Oak"}], "syllabus_body": "Office: Prof Oak"}`
	in := decode(t, doc)
	before := decode(t, doc)

	out, _ := f.Anonymize(in, ResourceCourse)
	assert.Equal(t, before, in)
	assert.NotEqual(t, in, out)
	assert.NotContains(t, out.(map[string]any)["syllabus_body"], "Oak")
}

func TestDisabledFilterPassesThrough(t *testing.T) {
	f, err := New(Options{})
	require.NoError(t, err)
	assert.False(t, f.Enabled())

	in := decode(t, `{"name": "Jane Doe"}`)
	out, violations := f.Anonymize(in, ResourceUser)
	assert.Equal(t, in, out)
	assert.Nil(t, violations)
}

func TestEnabledFilterRequiresMapper(t *testing.T) {
	_, err := New(Options{Enabled: true})
	require.ErrorIs(t, err, ErrNoMapper)
}

// Letters outside the hex alphabet and the "Student" label, so a name can never
// appear inside a pseudonym by accident.
const nameLetters = "ghijklmopqrvwxyz"

func drawName(t *rapid.T, label string) string {
	word := func(l string) string {
		s := rapid.StringOfN(rapid.RuneFrom([]rune(nameLetters)), 3, 8, -1).Draw(t, l)
		return strings.ToUpper(s[:1]) + s[1:]
	}
	return word(label+"-first") + " " + word(label+"-last")
}

func TestNoIdentityLeaksProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f, _ := newTestFilter(t, Options{})

		n := rapid.IntRange(1, 5).Draw(rt, "people")
		names := make([]string, n)
		emails := make([]string, n)
		entries := make([]any, n)
		for i := range names {
			names[i] = drawName(rt, "name")
			emails[i] = strings.ToLower(strings.ReplaceAll(names[i], " ", ".")) + "@school.edu"
			mention := names[(i+1)%n]
			entries[i] = map[string]any{
				"id":        json.Number("1"),
				"user_id":   json.Number(rapid.StringMatching(`[1-9][0-9]{3,6}`).Draw(rt, "id")),
				"user_name": names[i],
				"message":   "Thanks " + mention + ", mail me at " + emails[i] + " please",
				"author":    map[string]any{"email": emails[i]},
			}
		}

		out, _ := f.Anonymize(entries, ResourceDiscussionEntry)
		for _, s := range collectStrings(out) {
			for i := range names {
				if strings.Contains(s, names[i]) || strings.Contains(s, emails[i]) {
					rt.Fatalf("output string %q leaks an identity value", s)
				}
				for _, part := range strings.Fields(names[i]) {
					if strings.Contains(s, part) {
						rt.Fatalf("output string %q leaks name part %q", s, part)
					}
				}
			}
		}
	})
}

func collectStrings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]any:
		var out []string
		for _, el := range t {
			out = append(out, collectStrings(el)...)
		}
		return out
	case []any:
		var out []string
		for _, el := range t {
			out = append(out, collectStrings(el)...)
		}
		return out
	default:
		return nil
	}
}
