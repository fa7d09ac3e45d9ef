package statestore

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/kaptinlin/jsonschema"
)

type jsonschemaResult = jsonschema.EvaluationResult

// ValidationError is one structural problem found in document content.
type ValidationError struct {
	// Path locates the problem inside the document (JSON pointer style, "" for the root).
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// Validate checks content against the store's schema and checkers. It never
// fails; callers decide whether the returned problems are fatal.
func (s *Store) Validate(content []byte) []ValidationError {
	if !json.Valid(content) {
		return []ValidationError{{Message: "content is not well-formed JSON"}}
	}

	var problems []ValidationError
	if s.schema != nil {
		result := s.schema.ValidateJSON(content)
		if !result.IsValid() {
			problems = append(problems, flattenSchemaErrors(result)...)
		}
	}
	for _, check := range s.opts.Checkers {
		problems = append(problems, check(content)...)
	}
	return problems
}

// flattenSchemaErrors walks the evaluation tree and reports the leaf errors,
// which name the offending keyword at the deepest instance location. Under a
// oneOf or anyOf, alternatives that fail only on "type" are skipped when another
// alternative of the right type explains the failure.
func flattenSchemaErrors(result *jsonschemaResult) []ValidationError {
	var out []ValidationError
	var walk func(r *jsonschemaResult)
	walk = func(r *jsonschemaResult) {
		if r == nil || r.Valid {
			return
		}
		failed := failedDetails(r)
		for _, d := range failed {
			walk(d)
		}
		if len(failed) > 0 {
			return
		}
		keywords := make([]string, 0, len(r.Errors))
		for k := range r.Errors {
			keywords = append(keywords, k)
		}
		sort.Strings(keywords)
		for _, k := range keywords {
			out = append(out, ValidationError{
				Path:    r.InstanceLocation,
				Message: fmt.Sprintf("%s: %v", k, r.Errors[k]),
			})
		}
	}
	walk(result)
	if len(out) == 0 {
		out = append(out, ValidationError{Message: "content does not match schema"})
	}
	return out
}

var alternativePath = regexp.MustCompile(`/(oneOf|anyOf)/\d+$`)

// failedDetails returns the invalid children of r, minus type-mismatch
// alternatives that a sibling alternative makes irrelevant.
func failedDetails(r *jsonschemaResult) []*jsonschemaResult {
	var failed, typeOnly []*jsonschemaResult
	kept := 0
	for _, d := range r.Details {
		if d == nil || d.Valid {
			continue
		}
		if alternativePath.MatchString(d.EvaluationPath) && onlyTypeErrors(d) {
			typeOnly = append(typeOnly, d)
			continue
		}
		if alternativePath.MatchString(d.EvaluationPath) {
			kept++
		}
		failed = append(failed, d)
	}
	if kept == 0 {
		failed = append(failed, typeOnly...)
	}
	return failed
}

// onlyTypeErrors reports whether every leaf error under r is a "type" mismatch.
func onlyTypeErrors(r *jsonschemaResult) bool {
	leaf := true
	for _, d := range r.Details {
		if d == nil || d.Valid {
			continue
		}
		leaf = false
		if !onlyTypeErrors(d) {
			return false
		}
	}
	if !leaf {
		return true
	}
	for k := range r.Errors {
		if k != "type" {
			return false
		}
	}
	return len(r.Errors) > 0
}
