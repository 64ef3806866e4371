package schema

import "fmt"

// IssueLevel indicates whether a validation issue blocks registration.
type IssueLevel string

const (
	IssueError   IssueLevel = "error"
	IssueWarning IssueLevel = "warning"
)

// ValidationIssue is one problem found in a catalog entry. Path locates it,
// e.g. "pipelines[plan].stages[1].depends_on[0]".
type ValidationIssue struct {
	Path    string     `json:"path"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Level   IssueLevel `json:"level"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues found while checking definitions,
// pipelines and the catalog as a whole. Warnings never block registration.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Level: IssueError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Level: IssueWarning})
}

// Merge appends other's issues unchanged.
func (r *ValidationResult) Merge(other *ValidationResult) {
	r.MergeAt("", other)
}

// MergeAt appends other's issues with their paths nested under prefix, so
// a result produced for one pipeline can be reported against the catalog.
func (r *ValidationResult) MergeAt(prefix string, other *ValidationResult) {
	if other == nil {
		return
	}
	for _, issue := range other.Errors {
		issue.Path = joinPath(prefix, issue.Path)
		r.Errors = append(r.Errors, issue)
	}
	for _, issue := range other.Warnings {
		issue.Path = joinPath(prefix, issue.Path)
		r.Warnings = append(r.Warnings, issue)
	}
}

func joinPath(prefix, path string) string {
	switch {
	case prefix == "":
		return path
	case path == "" || path == "/":
		return prefix
	case path[0] == '[':
		return prefix + path
	default:
		return prefix + "." + path
	}
}

// ToError returns nil for a valid result. A single error keeps its own code;
// several collapse into VALIDATION_ERROR naming the first one. Every issue is
// kept in the details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	code, msg := first.Code, first.Message
	if n := len(r.Errors); n > 1 {
		code = ErrCodeValidation
		msg = fmt.Sprintf("validation failed with %d errors, first: %s", n, first)
	}

	return NewError(code, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
