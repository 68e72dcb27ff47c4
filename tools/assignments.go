package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/briangreenhill/canvasgpt/cache"
	"github.com/briangreenhill/canvasgpt/internal/anonymize"
	"github.com/briangreenhill/canvasgpt/internal/pipeline"
)

var assignmentBuckets = []string{"past", "overdue", "undated", "ungraded", "unsubmitted", "upcoming", "future"}

func assignmentsPath(courseID string) string {
	return "/courses/" + url.PathEscape(courseID) + "/assignments"
}

// assignmentListing is the read list_assignments issues, so a write can warm
// the exact entry the next listing will look up.
func assignmentListing(courseID string, params url.Values) pipeline.Descriptor {
	q := url.Values{"order_by": {"due_at"}}
	for k, v := range params {
		q[k] = v
	}
	return pipeline.Descriptor{
		Path:     assignmentsPath(courseID),
		Params:   q,
		Resource: anonymize.ResourceAssignment,
		Category: cache.CategoryAssignment,
	}
}

func listAssignments(src Source, resolver *CourseResolver) Tool {
	return &tool{
		name:        "list_assignments",
		description: "List assignments in a course ordered by due date.",
		params: []Param{
			courseParam,
			{Name: "bucket", Type: "string", Description: "Filter: " + strings.Join(assignmentBuckets, ", ") + "."},
			{Name: "search_term", Type: "string", Description: "Only assignments whose name contains this text."},
		},
		call: func(ctx context.Context, raw json.RawMessage) (string, error) {
			const action = "fetching assignments"
			var args struct {
				courseArgs
				Bucket     string `json:"bucket"`
				SearchTerm string `json:"search_term"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", failed(action, err)
			}
			params := url.Values{}
			if args.Bucket != "" {
				if !slices.Contains(assignmentBuckets, args.Bucket) {
					return "", failed(action, fmt.Errorf("%w: bucket must be one of %s", ErrInvalidArgs, strings.Join(assignmentBuckets, ", ")))
				}
				params.Set("bucket", args.Bucket)
			}
			if args.SearchTerm != "" {
				params.Set("search_term", args.SearchTerm)
			}
			id, err := resolver.Resolve(ctx, args.CourseIdentifier.String())
			if err != nil {
				return "", failed(action, err)
			}

			res, err := src.Get(ctx, assignmentListing(id, params), 0)
			if err != nil {
				return "", failed(action, err)
			}
			list := records(res.Data)
			if len(list) == 0 {
				return "No assignments found.", nil
			}
			info := make([]string, 0, len(list))
			for _, a := range list {
				info = append(info, describeAssignment(a))
			}
			display, ok := resolver.Code(id)
			if !ok {
				display = args.CourseIdentifier.String()
			}
			return fmt.Sprintf("Assignments for %s:\n\n%s", display, strings.Join(info, "\n")), nil
		},
	}
}

func describeAssignment(a map[string]any) string {
	return fmt.Sprintf("Name: %s\nID: %s\nDue: %s\nPoints: %s\nPublished: %t\n",
		str(a, "name", "Untitled"), str(a, "id", ""), formatDate(a["due_at"]),
		str(a, "points_possible", "N/A"), flag(a, "published"))
}

type assignmentUpdate struct {
	courseArgs
	AssignmentID   Identifier `json:"assignment_id"`
	Name           *string    `json:"name"`
	DueAt          *string    `json:"due_at"`
	PointsPossible *float64   `json:"points_possible"`
	Published      *bool      `json:"published"`
	Description    *string    `json:"description"`
}

// fields returns the Canvas assignment attributes to change.
func (u assignmentUpdate) fields() (map[string]any, error) {
	out := make(map[string]any)
	if u.Name != nil {
		if strings.TrimSpace(*u.Name) == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidArgs)
		}
		out["name"] = *u.Name
	}
	if u.DueAt != nil {
		if *u.DueAt == "" {
			out["due_at"] = nil
		} else {
			if _, err := time.Parse(time.RFC3339, *u.DueAt); err != nil {
				return nil, fmt.Errorf("%w: due_at must be an RFC 3339 timestamp", ErrInvalidArgs)
			}
			out["due_at"] = *u.DueAt
		}
	}
	if u.PointsPossible != nil {
		if *u.PointsPossible < 0 {
			return nil, fmt.Errorf("%w: points_possible cannot be negative", ErrInvalidArgs)
		}
		out["points_possible"] = *u.PointsPossible
	}
	if u.Published != nil {
		out["published"] = *u.Published
	}
	if u.Description != nil {
		out["description"] = *u.Description
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidArgs)
	}
	return out, nil
}

func updateAssignment(src Source, resolver *CourseResolver) Tool {
	return &tool{
		name:        "update_assignment",
		description: "Update an assignment's name, due date, points, description or published state.",
		params: []Param{
			courseParam,
			{Name: "assignment_id", Type: "string", Required: true, Description: "The Canvas assignment ID."},
			{Name: "name", Type: "string", Description: "New assignment name."},
			{Name: "due_at", Type: "string", Description: "New due date as an RFC 3339 timestamp; empty clears it."},
			{Name: "points_possible", Type: "number", Description: "New maximum score."},
			{Name: "published", Type: "boolean", Description: "Publish or unpublish."},
			{Name: "description", Type: "string", Description: "New description (HTML)."},
		},
		call: func(ctx context.Context, raw json.RawMessage) (string, error) {
			const action = "updating assignment"
			var args assignmentUpdate
			if err := decodeArgs(raw, &args); err != nil {
				return "", failed(action, err)
			}
			if err := requireNumeric("assignment_id", args.AssignmentID); err != nil {
				return "", failed(action, err)
			}
			changes, err := args.fields()
			if err != nil {
				return "", failed(action, err)
			}
			id, err := resolver.Resolve(ctx, args.CourseIdentifier.String())
			if err != nil {
				return "", failed(action, err)
			}

			listing := assignmentListing(id, nil)
			res, err := src.Mutate(ctx, pipeline.Descriptor{
				Method:   http.MethodPut,
				Path:     assignmentsPath(id) + "/" + args.AssignmentID.String(),
				Resource: anonymize.ResourceAssignment,
				Category: cache.CategoryAssignment,
				Refresh:  &listing,
			}, map[string]any{"assignment": changes})
			if err != nil {
				return "", failed(action, err)
			}
			a, _ := res.Data.(map[string]any)
			return "Assignment updated:\n\n" + describeAssignment(a), nil
		},
	}
}
