// Package router implements the Semantic Router (spec §4.4): intent
// parsing, vector retrieval over the Skill Registry's embeddings, and
// scored, chained SkillCandidate output.
package router

import (
	"context"
	"sort"
	"strings"

	"github.com/cis-node/cis/internal/cerr"
	"github.com/cis-node/cis/internal/vectorindex"
)

// Candidate is a ranked skill suggestion (spec §3 SkillCandidate).
type Candidate struct {
	SkillID         string
	SkillName       string
	Confidence      float64
	ExtractedParams map[string]string
	SuggestedChain  []string
	NeedsClarify    bool // confidence < cutoff (spec §4.4 step 6)
}

// Weights are the scoring coefficients from spec §4.4 step 4: "Score each
// candidate = α·vector_score + β·action_type_match + γ·permission_bonus;
// weights α,β,γ documented and sum to 1." Chosen to weight semantic
// similarity most heavily while still rewarding an exact action-type match
// and a skill that already holds the permissions its own manifest needs.
var Weights = struct {
	Vector     float64
	ActionType float64
	Permission float64
}{Vector: 0.6, ActionType: 0.3, Permission: 0.1}

// ConfidenceCutoff is the spec §4.4 step 6 threshold below which candidates
// are still returned but flagged for clarification.
const ConfidenceCutoff = 0.5

// DefaultK is the default top-k retrieved from the Vector Index (spec §4.4
// step 3: "k >= 10 by default").
const DefaultK = 10

// SkillsCollection is the Vector Index collection name skills are embedded
// into (spec §4.4 step 3).
const SkillsCollection = "skills"

// ActionType is the normalized verb class extracted from an intent (spec
// §4.4 step 1).
type ActionType string

const (
	ActionCreate  ActionType = "create"
	ActionRead    ActionType = "read"
	ActionUpdate  ActionType = "update"
	ActionDelete  ActionType = "delete"
	ActionSearch  ActionType = "search"
	ActionExecute ActionType = "execute"
	ActionPipeline ActionType = "pipeline"
	ActionUnknown ActionType = "unknown"
)

// Embedder turns normalized intent text into a query vector. The concrete
// embedding model is out of the node's core scope (spec §1 Non-goals); this
// package depends only on the interface, matching memoryguard's AIMerger
// pattern for the same reason.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CandidateMeta is the subset of SkillMeta the router needs to score and
// chain a candidate, decoupled from skillplane.Registry so this package
// doesn't import it back (the registry is the caller; it supplies this view
// per retrieved skill id).
type CandidateMeta struct {
	Name               string
	HasPermissions     bool // true if the skill's manifest permission set is non-empty and already granted
	SuggestedFollowups []string
}

// Router resolves raw user text to an ordered list of SkillCandidate (spec
// §4.4).
type Router struct {
	index    *vectorindex.Index
	embedder Embedder
	metaFor  func(skillID string) (CandidateMeta, bool)
}

// New constructs a Router. metaFor resolves a retrieved skill id to the
// metadata needed for scoring/chaining (normally skillplane.Registry.Lookup
// adapted to CandidateMeta).
func New(index *vectorindex.Index, embedder Embedder, metaFor func(string) (CandidateMeta, bool)) *Router {
	return &Router{index: index, embedder: embedder, metaFor: metaFor}
}

// Route runs the full pipeline from spec §4.4.
func (r *Router) Route(ctx context.Context, text string, projectScope string) ([]Candidate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, cerr.New(cerr.KindInvalidInput, "skillplane/router", "empty intent text")
	}

	normalized := normalize(text)
	action := classifyAction(normalized)

	if r.embedder == nil {
		return nil, cerr.New(cerr.KindInvalidState, "skillplane/router", "no embedder configured")
	}
	queryVec, err := r.embedder.Embed(ctx, normalized)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindUnavailable, "skillplane/router", "embed intent", err)
	}

	hits, err := r.index.Search(ctx, SkillsCollection, queryVec, DefaultK, 0)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindInternal, "skillplane/router", "vector search", err)
	}

	chainRequested := impliesChain(normalized) || action == ActionPipeline

	candidates := make([]Candidate, 0, len(hits))
	for _, hit := range hits {
		if projectScope != "" {
			if scope, ok := hit.Metadata["project_scope"].(string); ok && scope != "" && scope != projectScope {
				continue
			}
		}
		meta, ok := r.metaFor(hit.ID)
		if !ok {
			continue
		}

		actionMatch := 0.0
		if metaAction, ok := hit.Metadata["action_type"].(string); ok && ActionType(metaAction) == action {
			actionMatch = 1.0
		}
		permBonus := 0.0
		if meta.HasPermissions {
			permBonus = 1.0
		}

		score := Weights.Vector*float64(hit.Score) + Weights.ActionType*actionMatch + Weights.Permission*permBonus

		c := Candidate{
			SkillID:      hit.ID,
			SkillName:    meta.Name,
			Confidence:   score,
			NeedsClarify: score < ConfidenceCutoff,
		}
		if chainRequested && len(meta.SuggestedFollowups) > 0 {
			c.SuggestedChain = append([]string{hit.ID}, meta.SuggestedFollowups...)
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].SkillID < candidates[j].SkillID
	})
	return candidates, nil
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

var sequentialMarkers = []string{"then", "and then", "after that", "next,"}

// impliesChain reports whether the intent text contains a sequential marker
// (spec §4.4 step 5: "then", "and then", sequential markers).
func impliesChain(normalized string) bool {
	for _, marker := range sequentialMarkers {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}

var actionVerbs = map[string]ActionType{
	"create": ActionCreate, "add": ActionCreate, "make": ActionCreate,
	"read": ActionRead, "get": ActionRead, "show": ActionRead, "view": ActionRead,
	"update": ActionUpdate, "edit": ActionUpdate, "change": ActionUpdate, "modify": ActionUpdate,
	"delete": ActionDelete, "remove": ActionDelete,
	"search": ActionSearch, "find": ActionSearch, "lookup": ActionSearch,
	"execute": ActionExecute, "run": ActionExecute, "invoke": ActionExecute,
}

// classifyAction extracts the leading action verb from normalized text
// (spec §4.4 step 1). Falls back to ActionUnknown.
func classifyAction(normalized string) ActionType {
	for _, word := range strings.Fields(normalized) {
		if action, ok := actionVerbs[word]; ok {
			return action
		}
	}
	if impliesChain(normalized) {
		return ActionPipeline
	}
	return ActionUnknown
}
