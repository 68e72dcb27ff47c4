package anonymize

import "github.com/briangreenhill/canvasgpt/internal/identity"

// Resource names a Canvas payload shape with a declared field schema.
type Resource string

const (
	ResourceCourse            Resource = "course"
	ResourceTerm              Resource = "term"
	ResourceUser              Resource = "user"
	ResourceEnrollment        Resource = "enrollment"
	ResourceGrades            Resource = "grades"
	ResourceAssignment        Resource = "assignment"
	ResourceSubmission        Resource = "submission"
	ResourceSubmissionComment Resource = "submission_comment"
	ResourceAttachment        Resource = "attachment"
	ResourceDiscussionTopic   Resource = "discussion_topic"
	ResourceDiscussionEntry   Resource = "discussion_entry"
	ResourcePage              Resource = "page"
	ResourceModule            Resource = "module"
	ResourceModuleItem        Resource = "module_item"
	ResourceRequirement       Resource = "completion_requirement"
	ResourceContentDetails    Resource = "content_details"
	// ResourceUnknown has no declared fields; everything goes through the fail-closed heuristics.
	ResourceUnknown Resource = "unknown"
)

// Role is what the filter does with a field.
type Role int

const (
	// RolePass marks a field as explicitly non-identifying.
	RolePass Role = iota
	// RoleIdentity routes the value through the identity mapper.
	RoleIdentity
	// RoleFreeText routes the value through the PII scrubber.
	RoleFreeText
	// RoleRedact replaces any non-null value with a placeholder.
	RoleRedact
	// RoleNested walks the value with another resource schema.
	RoleNested
)

// Field declares the role of one payload key.
type Field struct {
	Role Role
	Kind identity.Kind
	// Anchored identity fields take their pseudonym from the record's anchor id,
	// so a user's id, name and login all render as the same token.
	Anchored bool
	Nested   Resource
}

// Schema is the static field table of a resource.
type Schema struct {
	// Anchor is the key of the record's user id. A dotted path reaches into a
	// nested object, as in "author.id".
	Anchor string
	Fields map[string]Field
}

var (
	pass      = Field{Role: RolePass}
	text      = Field{Role: RoleFreeText}
	redact    = Field{Role: RoleRedact}
	userID    = Field{Role: RoleIdentity, Kind: identity.KindUser}
	personal  = Field{Role: RoleIdentity, Kind: identity.KindUser, Anchored: true}
	emailAddr = Field{Role: RoleIdentity, Kind: identity.KindEmail}
)

func nested(r Resource) Field {
	return Field{Role: RoleNested, Nested: r}
}

func fields(base map[string]Field, keys ...string) map[string]Field {
	for _, k := range keys {
		base[k] = pass
	}
	return base
}

// schemas is the audited table of every field that may reach a consumer.
var schemas = map[Resource]Schema{
	ResourceCourse: {
		Fields: fields(map[string]Field{
			"public_description": text,
			"syllabus_body":      text,
			"term":               nested(ResourceTerm),
			"teachers":           nested(ResourceUser),
			"enrollments":        nested(ResourceEnrollment),
		},
			"id", "name", "course_code", "original_name", "workflow_state", "account_id", "root_account_id",
			"enrollment_term_id", "start_at", "end_at", "created_at", "time_zone", "default_view", "is_public",
			"is_public_to_auth_users", "public_syllabus", "blueprint", "total_students", "sis_course_id", "uuid",
			"license", "hide_final_grades", "apply_assignment_group_weights", "grading_standard_id",
			"restrict_enrollments_to_course_dates", "course_format", "storage_quota_mb", "locale",
		),
	},
	ResourceTerm: {
		Fields: fields(map[string]Field{}, "id", "name", "start_at", "end_at", "workflow_state", "sis_term_id"),
	},
	ResourceUser: {
		Anchor: "id",
		Fields: fields(map[string]Field{
			"id":               userID,
			"name":             personal,
			"sortable_name":    personal,
			"short_name":       personal,
			"first_name":       personal,
			"last_name":        personal,
			"display_name":     personal,
			"login_id":         personal,
			"sis_user_id":      personal,
			"integration_id":   personal,
			"email":            emailAddr,
			"avatar_url":       redact,
			"avatar_image_url": redact,
			"html_url":         redact,
			"pronouns":         redact,
			"bio":              text,
			"enrollments":      nested(ResourceEnrollment),
		},
			"created_at", "locale", "effective_locale", "time_zone", "last_login", "anonymous_id",
		),
	},
	ResourceEnrollment: {
		Anchor: "user_id",
		Fields: fields(map[string]Field{
			"user_id":     userID,
			"sis_user_id": personal,
			"html_url":    redact,
			"grades":      nested(ResourceGrades),
			"user":        nested(ResourceUser),
		},
			"id", "course_id", "course_section_id", "sis_course_id", "sis_section_id", "type", "role", "role_id",
			"enrollment_state", "created_at", "updated_at", "start_at", "end_at", "last_activity_at",
			"last_attended_at", "total_activity_time", "limit_privileges_to_course_section",
		),
	},
	ResourceGrades: {
		Fields: fields(map[string]Field{"html_url": redact},
			"current_score", "final_score", "current_grade", "final_grade", "unposted_current_score",
			"unposted_final_score", "unposted_current_grade", "unposted_final_grade",
		),
	},
	ResourceAssignment: {
		Fields: fields(map[string]Field{
			"description": text,
			"submission":  nested(ResourceSubmission),
		},
			"id", "name", "course_id", "due_at", "lock_at", "unlock_at", "points_possible", "grading_type",
			"submission_types", "html_url", "published", "position", "assignment_group_id", "created_at",
			"updated_at", "has_submitted_submissions", "needs_grading_count", "allowed_attempts", "muted",
			"omit_from_final_grade", "workflow_state", "anonymous_grading", "peer_reviews", "group_category_id",
			"allowed_extensions", "locked_for_user", "only_visible_to_overrides",
		),
	},
	ResourceSubmission: {
		Anchor: "user_id",
		Fields: fields(map[string]Field{
			"user_id":             userID,
			"grader_id":           userID,
			"body":                text,
			"url":                 redact,
			"preview_url":         redact,
			"submission_comments": nested(ResourceSubmissionComment),
			"attachments":         nested(ResourceAttachment),
			"user":                nested(ResourceUser),
			"assignment":          nested(ResourceAssignment),
		},
			"id", "assignment_id", "score", "grade", "entered_score", "entered_grade", "submitted_at",
			"graded_at", "posted_at", "workflow_state", "late", "missing", "excused", "attempt",
			"submission_type", "seconds_late", "points_deducted", "grade_matches_current_submission",
			"late_policy_status", "cached_due_date",
		),
	},
	ResourceSubmissionComment: {
		Anchor: "author_id",
		Fields: fields(map[string]Field{
			"author_id":   userID,
			"author_name": personal,
			"author":      nested(ResourceUser),
			"comment":     text,
			"attachments": nested(ResourceAttachment),
		},
			"id", "created_at", "edited_at",
		),
	},
	ResourceAttachment: {
		Fields: fields(map[string]Field{
			"display_name":  text,
			"filename":      text,
			"url":           redact,
			"thumbnail_url": redact,
		},
			"id", "content-type", "size", "created_at", "updated_at", "locked", "hidden", "mime_class",
		),
	},
	ResourceDiscussionTopic: {
		Anchor: "author.id",
		Fields: fields(map[string]Field{
			"title":       text,
			"message":     text,
			"user_name":   personal,
			"author":      nested(ResourceUser),
			"attachments": nested(ResourceAttachment),
			"podcast_url": redact,
		},
			"id", "html_url", "posted_at", "last_reply_at", "delayed_post_at", "discussion_subentry_count",
			"published", "locked", "pinned", "assignment_id", "discussion_type", "read_state", "unread_count",
			"require_initial_post", "is_announcement", "todo_date", "position", "subscribed", "allow_rating",
		),
	},
	ResourceDiscussionEntry: {
		Anchor: "user_id",
		Fields: fields(map[string]Field{
			"user_id":        userID,
			"user_name":      personal,
			"editor_id":      userID,
			"message":        text,
			"replies":        nested(ResourceDiscussionEntry),
			"recent_replies": nested(ResourceDiscussionEntry),
			"attachment":     nested(ResourceAttachment),
			"attachments":    nested(ResourceAttachment),
		},
			"id", "parent_id", "created_at", "updated_at", "read_state", "forced_read_state", "rating_count",
			"rating_sum", "has_more_replies", "deleted",
		),
	},
	ResourcePage: {
		Fields: fields(map[string]Field{
			"body":           text,
			"last_edited_by": nested(ResourceUser),
		},
			"page_id", "url", "title", "created_at", "updated_at", "published", "front_page",
			"hide_from_students", "editing_roles", "html_url", "locked_for_user", "todo_date",
		),
	},
	ResourceModule: {
		Fields: fields(map[string]Field{"items": nested(ResourceModuleItem)},
			"id", "name", "position", "unlock_at", "require_sequential_progress", "published", "items_count",
			"items_url", "state", "completed_at", "workflow_state", "prerequisite_module_ids", "publish_final_grade",
		),
	},
	ResourceModuleItem: {
		Fields: fields(map[string]Field{
			"completion_requirement": nested(ResourceRequirement),
			"content_details":        nested(ResourceContentDetails),
		},
			"id", "module_id", "position", "title", "indent", "type", "content_id", "html_url", "url",
			"page_url", "external_url", "new_tab", "published",
		),
	},
	ResourceRequirement: {
		Fields: fields(map[string]Field{}, "type", "min_score", "completed"),
	},
	ResourceContentDetails: {
		Fields: fields(map[string]Field{},
			"points_possible", "due_at", "unlock_at", "lock_at", "locked_for_user", "lock_explanation",
		),
	},
	ResourceUnknown: {Fields: map[string]Field{}},
}

// defaultScrubKeys are always treated as identity fields, even on resources
// whose schema does not mention them.
var defaultScrubKeys = []string{
	"name", "display_name", "sortable_name", "short_name", "first_name", "last_name", "full_name",
	"user_name", "author_name", "student_name", "login", "login_id", "username", "sis_user_id",
	"integration_id", "email", "user_id",
}

// SchemaFor returns the declared schema of r.
func SchemaFor(r Resource) (Schema, bool) {
	s, ok := schemas[r]
	return s, ok
}
