// Package catalog is the static model registry backing the
// advertised catalogue (spec §6.1 GET /v1/models) and the
// thinking-eligibility / schema-casing decisions the converters need
// (SPEC_FULL.md §5.11). Grounded on the teacher's per-provider
// model_ids.go files (e.g. pkg/providers/google/model_ids.go).
package catalog

// Model describes one publicly advertised model alias.
type Model struct {
	PublicID       string // the id clients request, e.g. "claude-sonnet-4-5"
	UpstreamModel  string // the id sent to the upstream generateContent call
	SupportsThinking bool
	IsClaudeFamily   bool // governs lowercase schema casing + toolu_ id conventions
}

var builtins = []Model{
	{PublicID: "gemini-2.5-pro", UpstreamModel: "gemini-2.5-pro", SupportsThinking: true, IsClaudeFamily: false},
	{PublicID: "gemini-2.5-flash", UpstreamModel: "gemini-2.5-flash", SupportsThinking: true, IsClaudeFamily: false},
	{PublicID: "gemini-2.0-flash", UpstreamModel: "gemini-2.0-flash", SupportsThinking: false, IsClaudeFamily: false},
	{PublicID: "claude-opus-4-5", UpstreamModel: "claude-opus-4-5", SupportsThinking: true, IsClaudeFamily: true},
	{PublicID: "claude-sonnet-4-5", UpstreamModel: "claude-sonnet-4-5", SupportsThinking: true, IsClaudeFamily: true},
	{PublicID: "claude-haiku-4-5", UpstreamModel: "claude-haiku-4-5", SupportsThinking: false, IsClaudeFamily: true},
}

// Registry is a small lookup service over the built-in model list. It
// is safe for concurrent reads (the map is never mutated after New).
type Registry struct {
	byID map[string]Model
}

// New builds a Registry from the built-in catalogue, optionally
// extended/overridden by extra.
func New(extra ...Model) *Registry {
	r := &Registry{byID: map[string]Model{}}
	for _, m := range builtins {
		r.byID[m.PublicID] = m
	}
	for _, m := range extra {
		r.byID[m.PublicID] = m
	}
	return r
}

// Lookup returns the Model for a public id. If the id is unknown, it
// returns a best-guess Model (pass-through upstream id, no thinking,
// non-Claude) so callers always get a usable value rather than an
// error — catalogue misses should not block a request from a model
// the operator simply hasn't listed yet.
func (r *Registry) Lookup(publicID string) Model {
	if m, ok := r.byID[publicID]; ok {
		return m
	}
	return Model{PublicID: publicID, UpstreamModel: publicID, SupportsThinking: false, IsClaudeFamily: false}
}

// List returns every advertised model, sorted is not guaranteed.
func (r *Registry) List() []Model {
	out := make([]Model, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m)
	}
	return out
}
