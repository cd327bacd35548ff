package planner

import (
	"fmt"

	"github.com/t77yq/agent-planner/internal/model"
)

// ViolationKind classifies a dependency problem
type ViolationKind string

const (
	ViolationUnknown  ViolationKind = "unknown_dependency"
	ViolationSelf     ViolationKind = "self_dependency"
	ViolationCycle    ViolationKind = "circular_dependency"
	ViolationOrdering ViolationKind = "dependency_after_dependent"
)

// Violation describes one dependency that list order does not honor.
// Dependencies are informational; the engine reports violations but never
// reorders tasks.
type Violation struct {
	Kind         ViolationKind
	TaskID       string
	DependencyID string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: task %s -> %s", v.Kind, v.TaskID, v.DependencyID)
}

// CheckDependencies inspects the dependency graph of an ordered task list
func CheckDependencies(tasks []*model.Task) []Violation {
	position := make(map[string]int, len(tasks))
	graph := make(map[string][]string, len(tasks))
	for i, t := range tasks {
		position[t.ID] = i
		graph[t.ID] = t.Dependencies
	}

	var violations []Violation
	for i, t := range tasks {
		for _, dep := range t.Dependencies {
			switch pos, ok := position[dep]; {
			case dep == t.ID:
				violations = append(violations, Violation{ViolationSelf, t.ID, dep})
			case !ok:
				violations = append(violations, Violation{ViolationUnknown, t.ID, dep})
			case pos > i:
				violations = append(violations, Violation{ViolationOrdering, t.ID, dep})
			}
		}
	}

	visited := make(map[string]bool)
	path := make(map[string]bool)
	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		if path[id] {
			return id, true
		}
		if visited[id] {
			return "", false
		}
		visited[id] = true
		path[id] = true
		for _, dep := range graph[id] {
			if dep == id {
				continue
			}
			if _, ok := graph[dep]; !ok {
				continue
			}
			if at, found := visit(dep); found {
				return at, true
			}
		}
		path[id] = false
		return "", false
	}

	for _, t := range tasks {
		if visited[t.ID] {
			continue
		}
		if at, found := visit(t.ID); found {
			violations = append(violations, Violation{ViolationCycle, t.ID, at})
		}
		// an aborted walk leaves entries behind
		path = make(map[string]bool)
	}

	return violations
}
