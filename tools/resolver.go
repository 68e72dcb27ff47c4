package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// CourseResolver maps course codes such as badm_554_120251_246794 to Canvas
// ids. The mapping is refreshed from every course listing that passes
// through the course tools.
type CourseResolver struct {
	src Source

	mu     sync.RWMutex
	byCode map[string]string
	byID   map[string]string
}

func NewCourseResolver(src Source) *CourseResolver {
	return &CourseResolver{
		src:    src,
		byCode: make(map[string]string),
		byID:   make(map[string]string),
	}
}

// Resolve returns the Canvas id for a course id, SIS reference or course code.
// Unknown codes trigger one refresh from the course listing.
func (r *CourseResolver) Resolve(ctx context.Context, ident string) (string, error) {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return "", fmt.Errorf("%w: course_identifier is required", ErrInvalidArgs)
	}
	if isNumeric(ident) || strings.HasPrefix(ident, "sis_course_id:") {
		return ident, nil
	}
	if id, ok := r.lookup(ident); ok {
		return id, nil
	}
	res, err := r.src.Get(ctx, coursesDescriptor(false, true), 0)
	if err != nil {
		return "", err
	}
	r.Observe(res.Data)
	if id, ok := r.lookup(ident); ok {
		return id, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownCourse, ident)
}

// Code returns the course code last seen for id.
func (r *CourseResolver) Code(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	code, ok := r.byID[id]
	return code, ok
}

// Remember records one id and code pair.
func (r *CourseResolver) Remember(id, code string) {
	if id == "" || code == "" {
		return
	}
	r.mu.Lock()
	r.byCode[code] = id
	r.byID[id] = code
	r.mu.Unlock()
}

// Observe records every course in a course payload, which may be a list or
// a single course.
func (r *CourseResolver) Observe(data any) {
	if m, ok := data.(map[string]any); ok {
		r.Remember(str(m, "id", ""), str(m, "course_code", ""))
		return
	}
	for _, c := range records(data) {
		r.Remember(str(c, "id", ""), str(c, "course_code", ""))
	}
}

func (r *CourseResolver) lookup(code string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCode[code]
	return id, ok
}
