package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/canvasgpt/cache"
	"github.com/briangreenhill/canvasgpt/internal/anonymize"
	"github.com/briangreenhill/canvasgpt/internal/pipeline"
)

const (
	overviewModuleLimit   = 10
	overviewStructureSize = 3
	overviewRecentPages   = 5
	overviewConcurrency   = 4
)

func coursesDescriptor(includeConcluded, includeAll bool) pipeline.Descriptor {
	params := url.Values{"include[]": {"term", "teachers", "total_students"}}
	if !includeAll {
		params.Set("enrollment_type", "teacher")
	}
	if includeConcluded {
		params["state[]"] = []string{"available", "completed"}
	} else {
		params["state[]"] = []string{"available"}
	}
	return pipeline.Descriptor{
		Path:     "/courses",
		Params:   params,
		Resource: anonymize.ResourceCourse,
		Category: cache.CategoryCourse,
	}
}

func courseDescriptor(id string) pipeline.Descriptor {
	return pipeline.Descriptor{
		Path:     "/courses/" + url.PathEscape(id),
		Resource: anonymize.ResourceCourse,
		Category: cache.CategoryCourse,
	}
}

func listCourses(src Source, resolver *CourseResolver) Tool {
	return &tool{
		name:        "list_courses",
		description: "List courses for the authenticated user.",
		params: []Param{
			{Name: "include_concluded", Type: "boolean", Description: "Also list completed courses."},
			{Name: "include_all", Type: "boolean", Description: "List every enrollment, not only teaching ones."},
		},
		call: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				IncludeConcluded bool `json:"include_concluded"`
				IncludeAll       bool `json:"include_all"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", failed("fetching courses", err)
			}
			res, err := src.Get(ctx, coursesDescriptor(args.IncludeConcluded, args.IncludeAll), 0)
			if err != nil {
				return "", failed("fetching courses", err)
			}
			resolver.Observe(res.Data)

			courses := records(res.Data)
			if len(courses) == 0 {
				return "No courses found.", nil
			}
			info := make([]string, 0, len(courses))
			for _, c := range courses {
				info = append(info, fmt.Sprintf("Code: %s\nName: %s\nID: %s\n",
					str(c, "course_code", "No code"), str(c, "name", "Unnamed course"), str(c, "id", "")))
			}
			return "Courses:\n\n" + strings.Join(info, "\n"), nil
		},
	}
}

type courseArgs struct {
	CourseIdentifier Identifier `json:"course_identifier"`
}

var courseParam = Param{
	Name:        "course_identifier",
	Type:        "string",
	Required:    true,
	Description: "The Canvas course code (e.g., badm_554_120251_246794) or ID.",
}

func getCourseDetails(src Source, resolver *CourseResolver) Tool {
	return &tool{
		name:        "get_course_details",
		description: "Get detailed information about a specific course.",
		params:      []Param{courseParam},
		call: func(ctx context.Context, raw json.RawMessage) (string, error) {
			const action = "fetching course details"
			var args courseArgs
			if err := decodeArgs(raw, &args); err != nil {
				return "", failed(action, err)
			}
			id, err := resolver.Resolve(ctx, args.CourseIdentifier.String())
			if err != nil {
				return "", failed(action, err)
			}
			res, err := src.Get(ctx, courseDescriptor(id), 0)
			if err != nil {
				return "", failed(action, err)
			}
			resolver.Observe(res.Data)

			course, _ := res.Data.(map[string]any)
			details := []string{
				"Code: " + str(course, "course_code", "N/A"),
				"Name: " + str(course, "name", "N/A"),
				"Start Date: " + formatDate(course["start_at"]),
				"End Date: " + formatDate(course["end_at"]),
				"Time Zone: " + str(course, "time_zone", "N/A"),
				"Default View: " + str(course, "default_view", "N/A"),
				fmt.Sprintf("Public: %t", flag(course, "is_public")),
				fmt.Sprintf("Blueprint: %t", flag(course, "blueprint")),
			}
			display := str(course, "course_code", args.CourseIdentifier.String())
			return fmt.Sprintf("Course Details for %s:\n\n%s", display, strings.Join(details, "\n")), nil
		},
	}
}

func getCourseContentOverview(src Source, resolver *CourseResolver) Tool {
	return &tool{
		name:        "get_course_content_overview",
		description: "Get an overview of course content including pages and modules.",
		params: []Param{
			courseParam,
			{Name: "include_pages", Type: "boolean", Description: "Include pages information (default true)."},
			{Name: "include_modules", Type: "boolean", Description: "Include modules and their items (default true)."},
		},
		call: func(ctx context.Context, raw json.RawMessage) (string, error) {
			const action = "fetching course content overview"
			args := struct {
				courseArgs
				IncludePages   bool `json:"include_pages"`
				IncludeModules bool `json:"include_modules"`
			}{IncludePages: true, IncludeModules: true}
			if err := decodeArgs(raw, &args); err != nil {
				return "", failed(action, err)
			}
			id, err := resolver.Resolve(ctx, args.CourseIdentifier.String())
			if err != nil {
				return "", failed(action, err)
			}

			var sections []string
			if res, err := src.Get(ctx, courseDescriptor(id), 0); err == nil {
				resolver.Observe(res.Data)
				course, _ := res.Data.(map[string]any)
				sections = append(sections, "Course: "+str(course, "name", "Unknown Course"))
			}
			if args.IncludePages {
				sections = append(sections, pagesSummary(ctx, src, id))
			}
			if args.IncludeModules {
				sections = append(sections, modulesSummary(ctx, src, id))
			}

			display, ok := resolver.Code(id)
			if !ok {
				display = args.CourseIdentifier.String()
			}
			return fmt.Sprintf("Content Overview for Course %s:\n%s", display, strings.Join(sections, "\n")), nil
		},
	}
}

func pagesSummary(ctx context.Context, src Source, courseID string) string {
	res, err := src.Get(ctx, pipeline.Descriptor{
		Path:     "/courses/" + url.PathEscape(courseID) + "/pages",
		Resource: anonymize.ResourcePage,
		Category: cache.CategoryCourse,
	}, 0)
	if err != nil {
		return "\nPages Summary:\n  Unavailable: " + pipeline.Explain(err).Message
	}
	pages := records(res.Data)
	var published []map[string]any
	front := 0
	for _, p := range pages {
		if flag(p, "published") {
			published = append(published, p)
		}
		if flag(p, "front_page") {
			front++
		}
	}
	lines := []string{
		"\nPages Summary:",
		fmt.Sprintf("  Total Pages: %d", len(pages)),
		fmt.Sprintf("  Published: %d", len(published)),
		fmt.Sprintf("  Unpublished: %d", len(pages)-len(published)),
		fmt.Sprintf("  Front Pages: %d", front),
	}
	if len(published) > 0 {
		sort.SliceStable(published, func(i, j int) bool {
			return str(published[i], "updated_at", "") > str(published[j], "updated_at", "")
		})
		lines = append(lines, "\nRecent Published Pages:")
		for _, p := range published[:min(len(published), overviewRecentPages)] {
			lines = append(lines, fmt.Sprintf("    %s (Updated: %s)", str(p, "title", "Untitled"), formatDate(p["updated_at"])))
		}
	}
	return strings.Join(lines, "\n")
}

func modulesSummary(ctx context.Context, src Source, courseID string) string {
	base := "/courses/" + url.PathEscape(courseID) + "/modules"
	res, err := src.Get(ctx, pipeline.Descriptor{Path: base, Resource: anonymize.ResourceModule, Category: cache.CategoryCourse}, 0)
	if err != nil {
		return "\nModules Summary:\n  Unavailable: " + pipeline.Explain(err).Message
	}
	modules := records(res.Data)

	// Item listings cost one request per module, so only the first few are read.
	sample := modules[:min(len(modules), overviewModuleLimit)]
	items := make([][]map[string]any, len(sample))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(overviewConcurrency)
	for i, m := range sample {
		moduleID := str(m, "id", "")
		if moduleID == "" {
			continue
		}
		g.Go(func() error {
			res, err := src.Get(gctx, pipeline.Descriptor{
				Path:     base + "/" + url.PathEscape(moduleID) + "/items",
				Resource: anonymize.ResourceModuleItem,
				Category: cache.CategoryCourse,
			}, 0)
			if err != nil {
				// A module whose items cannot be read is left out of the counts.
				return nil
			}
			items[i] = records(res.Data)
			return nil
		})
	}
	_ = g.Wait()

	counts := make(map[string]int)
	total := 0
	for _, list := range items {
		total += len(list)
		for _, it := range list {
			counts[str(it, "type", "Unknown")]++
		}
	}

	lines := []string{
		"\nModules Summary:",
		fmt.Sprintf("  Total Modules: %d", len(modules)),
		fmt.Sprintf("  Total Items Analyzed: %d", total),
	}
	if len(counts) > 0 {
		types := make([]string, 0, len(counts))
		for t := range counts {
			types = append(types, t)
		}
		sort.Strings(types)
		lines = append(lines, "  Item Types:")
		for _, t := range types {
			lines = append(lines, fmt.Sprintf("    %s: %d", t, counts[t]))
		}
	}
	if len(modules) > 0 {
		lines = append(lines, fmt.Sprintf("\nModule Structure (first %d):", overviewStructureSize))
		for _, m := range modules[:min(len(modules), overviewStructureSize)] {
			lines = append(lines, fmt.Sprintf("    %s (Status: %s)", str(m, "name", "Unnamed"), str(m, "state", "unknown")))
		}
	}
	return strings.Join(lines, "\n")
}
