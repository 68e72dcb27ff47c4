package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/briangreenhill/canvasgpt/cache"
	"github.com/briangreenhill/canvasgpt/internal/anonymize"
	"github.com/briangreenhill/canvasgpt/internal/pipeline"
)

func listDiscussionEntries(src Source, resolver *CourseResolver) Tool {
	return &tool{
		name:        "list_discussion_entries",
		description: "List the top level entries of a discussion topic. Authors appear as pseudonyms.",
		params: []Param{
			courseParam,
			{Name: "topic_id", Type: "string", Required: true, Description: "The Canvas discussion topic ID."},
		},
		call: func(ctx context.Context, raw json.RawMessage) (string, error) {
			const action = "fetching discussion entries"
			var args struct {
				courseArgs
				TopicID Identifier `json:"topic_id"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", failed(action, err)
			}
			if err := requireNumeric("topic_id", args.TopicID); err != nil {
				return "", failed(action, err)
			}
			id, err := resolver.Resolve(ctx, args.CourseIdentifier.String())
			if err != nil {
				return "", failed(action, err)
			}

			res, err := src.Get(ctx, pipeline.Descriptor{
				Path:     "/courses/" + url.PathEscape(id) + "/discussion_topics/" + args.TopicID.String() + "/entries",
				Resource: anonymize.ResourceDiscussionEntry,
				Category: cache.CategoryDiscussion,
			}, 0)
			if err != nil {
				return "", failed(action, err)
			}
			entries := records(res.Data)
			if len(entries) == 0 {
				return "No discussion entries found.", nil
			}

			out := make([]string, 0, len(entries))
			for _, e := range entries {
				if flag(e, "deleted") {
					continue
				}
				var b strings.Builder
				fmt.Fprintf(&b, "%s (%s):\n", str(e, "user_name", str(e, "user_id", "Unknown")), formatDate(e["created_at"]))
				fmt.Fprintf(&b, "  %s\n", plainText(str(e, "message", "")))
				if replies := len(records(e["recent_replies"])); replies > 0 || flag(e, "has_more_replies") {
					more := ""
					if flag(e, "has_more_replies") {
						more = "+"
					}
					fmt.Fprintf(&b, "  Replies: %d%s\n", replies, more)
				}
				out = append(out, b.String())
			}
			return fmt.Sprintf("Discussion entries (%d):\n\n%s", len(out), strings.Join(out, "\n")), nil
		},
	}
}
