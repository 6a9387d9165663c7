// Package template resolves ${var} references in step parameters against run
// variables. Resolution is permissive at run time (unresolved references pass
// through verbatim) and strict at publish time (ValidateRefs rejects any
// reference that no declared variable or action result can satisfy).
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/heraerp/playbook/pkg/models"
)

var refPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_.]*)\}`)

// Render substitutes every ${var} reference in the input string. When the
// whole input is a single reference, the variable's value is returned with
// its type intact; otherwise values are stringified into the surrounding
// text. Unresolved references are left verbatim.
func Render(input string, variables map[string]any) any {
	matches := refPattern.FindAllStringSubmatchIndex(input, -1)
	if len(matches) == 0 {
		return input
	}

	// A lone reference spanning the whole string keeps the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(input) {
		value, ok := lookup(variables, input[matches[0][2]:matches[0][3]])
		if !ok {
			return input
		}

		return value
	}

	return refPattern.ReplaceAllStringFunc(input, func(ref string) string {
		path := ref[2 : len(ref)-1]

		value, ok := lookup(variables, path)
		if !ok {
			return ref
		}

		return fmt.Sprintf("%v", value)
	})
}

// RenderString is Render for callers that need a string back regardless of
// the variable's type.
func RenderString(input string, variables map[string]any) string {
	rendered := Render(input, variables)
	if s, ok := rendered.(string); ok {
		return s
	}

	return fmt.Sprintf("%v", rendered)
}

// RenderMap substitutes references in every string value of the map,
// recursing into nested maps and slices.
func RenderMap(input map[string]any, variables map[string]any) map[string]any {
	if input == nil {
		return nil
	}

	rendered := make(map[string]any, len(input))
	for key, value := range input {
		rendered[key] = renderValue(value, variables)
	}

	return rendered
}

func renderValue(value any, variables map[string]any) any {
	switch v := value.(type) {
	case string:
		return Render(v, variables)
	case map[string]any:
		return RenderMap(v, variables)
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = renderValue(item, variables)
		}

		return items
	}

	return value
}

// lookup resolves a dotted path through nested maps.
func lookup(variables map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")

	var current any = variables

	for _, part := range parts {
		scope, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = scope[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Refs returns the distinct top-level variable names referenced in the
// input, sorted.
func Refs(input string) []string {
	seen := make(map[string]bool)

	for _, match := range refPattern.FindAllStringSubmatch(input, -1) {
		root, _, _ := strings.Cut(match[1], ".")
		seen[root] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// UnresolvedRefError reports a reference that nothing in the definition can
// satisfy, with the step it occurs in.
type UnresolvedRefError struct {
	StepID   string
	Variable string
}

func (e *UnresolvedRefError) Error() string {
	return fmt.Sprintf("step %q references undeclared variable %q", e.StepID, e.Variable)
}

// ValidateRefs walks every string parameter of the definition's steps and
// rejects references that neither a declared variable nor an earlier action's
// result variable can satisfy. Run at publish so broken references never
// reach a live run.
func ValidateRefs(definition *models.Definition) error {
	declared := make(map[string]bool, len(definition.Variables))
	for name := range definition.Variables {
		declared[name] = true
	}

	// Built-ins available to every run.
	declared["run_id"] = true
	declared["subject_entity_id"] = true
	declared["organization_id"] = true

	for _, step := range definition.Steps {
		if step.Loop != nil {
			declared[step.Loop.ItemVariable] = true
		}

		for _, ref := range stepRefs(step) {
			if !declared[ref] {
				return &UnresolvedRefError{StepID: step.ID, Variable: ref}
			}
		}

		for _, action := range allActions(step) {
			if name := resultVariable(action); name != "" {
				declared[name] = true
			}
		}
	}

	return nil
}

func stepRefs(step models.Step) []string {
	var refs []string

	refs = append(refs, Refs(step.Condition)...)

	for _, action := range allActions(step) {
		refs = append(refs, actionRefs(action)...)
	}

	return refs
}

func allActions(step models.Step) []models.ActionSpec {
	actions := make([]models.ActionSpec, 0, len(step.Actions))
	actions = append(actions, step.Actions...)

	for _, branch := range step.Branches {
		actions = append(actions, branch.Actions...)
	}

	return actions
}

func actionRefs(action models.ActionSpec) []string {
	var refs []string

	collect := func(inputs ...string) {
		for _, input := range inputs {
			refs = append(refs, Refs(input)...)
		}
	}

	collectMap := func(input map[string]any) {
		for _, value := range input {
			if s, ok := value.(string); ok {
				collect(s)
			}
		}
	}

	switch {
	case action.CreateEntity != nil:
		collect(action.CreateEntity.Name, action.CreateEntity.SmartCode)
		collectMap(action.CreateEntity.Metadata)
	case action.CreateRelationship != nil:
		collect(action.CreateRelationship.FromEntityID, action.CreateRelationship.ToEntityID)
		collectMap(action.CreateRelationship.Metadata)
	case action.SetStatus != nil:
		collect(action.SetStatus.SubjectEntityID, action.SetStatus.StatusSmartCode)
	case action.CreateTransaction != nil:
		collect(action.CreateTransaction.SourceEntityID, action.CreateTransaction.TargetEntityID)
		collectMap(action.CreateTransaction.Metadata)
	case action.SendNotification != nil:
		collect(action.SendNotification.Recipient, action.SendNotification.Subject, action.SendNotification.Body)
		collectMap(action.SendNotification.Data)
	case action.CallExternalAPI != nil:
		collect(action.CallExternalAPI.URL)

		for _, header := range action.CallExternalAPI.Headers {
			collect(header)
		}

		collectMap(action.CallExternalAPI.Body)
	case action.SetVariable != nil:
		if s, ok := action.SetVariable.Value.(string); ok {
			collect(s)
		}
	}

	return refs
}

func resultVariable(action models.ActionSpec) string {
	switch {
	case action.CreateEntity != nil:
		return action.CreateEntity.ResultVariable
	case action.CreateTransaction != nil:
		return action.CreateTransaction.ResultVariable
	case action.CallExternalAPI != nil:
		return action.CallExternalAPI.ResultVariable
	case action.SetVariable != nil:
		return action.SetVariable.Name
	}

	return ""
}
