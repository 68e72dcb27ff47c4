package tools

import (
	"context"
	"time"

	"github.com/briangreenhill/canvasgpt/internal/pipeline"
)

// Source is the privacy pipeline as seen by the tools.
type Source interface {
	Get(ctx context.Context, d pipeline.Descriptor, ttlHint time.Duration) (*pipeline.Result, error)
	Mutate(ctx context.Context, d pipeline.Descriptor, body any) (*pipeline.Result, error)
}

// RegisterAll adds every Canvas tool to reg.
func RegisterAll(reg *Registry, src Source, resolver *CourseResolver) {
	for _, t := range []Tool{
		listCourses(src, resolver),
		getCourseDetails(src, resolver),
		getCourseContentOverview(src, resolver),
		listAssignments(src, resolver),
		updateAssignment(src, resolver),
		listDiscussionEntries(src, resolver),
	} {
		reg.Register(t)
	}
}
