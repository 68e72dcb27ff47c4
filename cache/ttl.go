package cache

import "time"

// Category groups resources that share a freshness policy.
type Category string

const (
	CategoryCourse     Category = "course"
	CategoryUser       Category = "user"
	CategoryAssignment Category = "assignment"
	CategoryDiscussion Category = "discussion"
	CategorySubmission Category = "submission"
	CategoryDefault    Category = "default"
)

// DefaultTTL applies when neither the category nor CategoryDefault is configured.
const DefaultTTL = 5 * time.Minute

// TTLs maps categories to entry lifetimes.
type TTLs map[Category]time.Duration

// DefaultTTLs returns the stock lifetimes: slow-moving course data lives
// longest, submissions the shortest.
func DefaultTTLs() TTLs {
	return TTLs{
		CategoryCourse:     time.Hour,
		CategoryUser:       15 * time.Minute,
		CategoryAssignment: 10 * time.Minute,
		CategoryDiscussion: 2 * time.Minute,
		CategorySubmission: time.Minute,
		CategoryDefault:    DefaultTTL,
	}
}

// For returns the lifetime of c, falling back to the default category.
func (t TTLs) For(c Category) time.Duration {
	if d, ok := t[c]; ok && d > 0 {
		return d
	}
	if d, ok := t[CategoryDefault]; ok && d > 0 {
		return d
	}
	return DefaultTTL
}
