// Package crews defines the executable unit behind each phase and the
// registry the dispatcher resolves crew names through.
package crews

import (
	"context"
	"encoding/json"
)

// Crew is an executable unit of work bound to one or more phases. Run
// receives the accumulated project context and returns the raw output
// the validator normalizes into a result envelope.
type Crew interface {
	Name() string
	Run(ctx context.Context, input Input) (map[string]any, error)
}

// CrewRegistry is the lookup surface the workflow engine resolves crew
// names through. *Registry is the canonical implementation.
type CrewRegistry interface {
	Get(name string) (Crew, error)
	Has(name string) bool
}

// Input is the data handed to a crew at execution time.
type Input struct {
	ProjectID string         `json:"project_id"`
	Phase     string         `json:"phase"`
	Idea      string         `json:"idea,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Attempt   int            `json:"attempt"`
}

// Info is a summary of a registered crew for listing.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Manifest    json.RawMessage `json:"manifest,omitempty"`
}

// Describer is optionally implemented by crews that publish a
// description and manifest for listings.
type Describer interface {
	Describe() Info
}
