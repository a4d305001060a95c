package questions

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// CycleError reports questions whose dependencies form a cycle
type CycleError struct {
	Slugs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("question dependencies form a cycle among: %s", strings.Join(e.Slugs, ", "))
}

// Warning flags a registry problem that does not stop evaluation
type Warning struct {
	Question   string
	Dependency string
	Message    string
}

func (w Warning) String() string {
	if w.Dependency != "" {
		return fmt.Sprintf("%s -> %s: %s", w.Question, w.Dependency, w.Message)
	}
	return fmt.Sprintf("%s: %s", w.Question, w.Message)
}

// Registry is an immutable, dependency-ordered view of active questions
type Registry struct {
	dimensions []Dimension
	dimBySlug  map[string]Dimension
	order      []Question
	bySlug     map[string]Question
	deps       map[string][]string
	Warnings   []Warning
}

// NewRegistry keeps active questions and orders them so every question
// follows its dependencies. Ties are broken by dimension order, then
// question order, then slug.
func NewRegistry(dimensions []Dimension, questions []Question) (*Registry, error) {
	r := &Registry{
		dimBySlug: make(map[string]Dimension, len(dimensions)),
		bySlug:    make(map[string]Question),
		deps:      make(map[string][]string),
	}

	r.dimensions = append(r.dimensions, dimensions...)
	sort.SliceStable(r.dimensions, func(i, j int) bool {
		if r.dimensions[i].Order != r.dimensions[j].Order {
			return r.dimensions[i].Order < r.dimensions[j].Order
		}
		return r.dimensions[i].Slug < r.dimensions[j].Slug
	})
	for _, d := range r.dimensions {
		r.dimBySlug[d.Slug] = d
	}

	var active []Question
	for _, q := range questions {
		if !q.Active {
			continue
		}
		if _, dup := r.bySlug[q.Slug]; dup {
			r.Warnings = append(r.Warnings, Warning{Question: q.Slug, Message: "duplicate slug ignored"})
			continue
		}
		if _, ok := r.dimBySlug[q.DimensionSlug]; !ok {
			r.Warnings = append(r.Warnings, Warning{Question: q.Slug, Message: fmt.Sprintf("unknown dimension %q", q.DimensionSlug)})
		}
		r.bySlug[q.Slug] = q
		active = append(active, q)
	}

	for _, q := range active {
		for _, dep := range q.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				continue
			}
			if _, ok := r.bySlug[dep]; !ok {
				r.Warnings = append(r.Warnings, Warning{Question: q.Slug, Dependency: dep, Message: "unknown or inactive dependency ignored"})
				continue
			}
			r.deps[q.Slug] = append(r.deps[q.Slug], dep)
		}
	}

	order, err := r.topoSort(active)
	if err != nil {
		return nil, err
	}
	r.order = order
	return r, nil
}

func (r *Registry) less(a, b Question) bool {
	da, db := r.dimensionRank(a.DimensionSlug), r.dimensionRank(b.DimensionSlug)
	if da != db {
		return da < db
	}
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.Slug < b.Slug
}

func (r *Registry) dimensionRank(slug string) int {
	if d, ok := r.dimBySlug[slug]; ok {
		return d.Order
	}
	return math.MaxInt
}

// topoSort is Kahn's algorithm with a deterministic ready set
func (r *Registry) topoSort(active []Question) ([]Question, error) {
	indegree := make(map[string]int, len(active))
	dependents := make(map[string][]string)
	for _, q := range active {
		indegree[q.Slug] += 0
		for _, dep := range r.deps[q.Slug] {
			indegree[q.Slug]++
			dependents[dep] = append(dependents[dep], q.Slug)
		}
	}

	var ready []Question
	for _, q := range active {
		if indegree[q.Slug] == 0 {
			ready = append(ready, q)
		}
	}

	order := make([]Question, 0, len(active))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return r.less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, slug := range dependents[next.Slug] {
			indegree[slug]--
			if indegree[slug] == 0 {
				ready = append(ready, r.bySlug[slug])
			}
		}
	}

	if len(order) != len(active) {
		var stuck []string
		for _, q := range active {
			if indegree[q.Slug] > 0 {
				stuck = append(stuck, q.Slug)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Slugs: stuck}
	}
	return order, nil
}

// Order returns questions in evaluation order
func (r *Registry) Order() []Question {
	out := make([]Question, len(r.order))
	copy(out, r.order)
	return out
}

// Dimensions returns dimensions sorted by their order
func (r *Registry) Dimensions() []Dimension {
	out := make([]Dimension, len(r.dimensions))
	copy(out, r.dimensions)
	return out
}

// Dimension looks up a dimension by slug
func (r *Registry) Dimension(slug string) (Dimension, bool) {
	d, ok := r.dimBySlug[slug]
	return d, ok
}

// Question looks up an active question by slug
func (r *Registry) Question(slug string) (Question, bool) {
	q, ok := r.bySlug[slug]
	return q, ok
}

// Dependencies returns the resolved dependency slugs of a question
func (r *Registry) Dependencies(slug string) []string {
	return r.deps[slug]
}

// Len returns the number of active questions
func (r *Registry) Len() int {
	return len(r.order)
}
