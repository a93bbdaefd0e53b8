package resolver

import (
	"slices"

	"scoperoute/internal/knowledge"
)

// Stage names one step of the resolution workflow.
type Stage string

const (
	StageIdentify             Stage = "identify"
	StageRetrieveContext      Stage = "retrieve_context"
	StageComposeClarification Stage = "compose_clarification"
)

// Match records which identification path produced the result, and so how
// Confidence should be read.
type Match string

const (
	// MatchExplicit: the question named the scope; Confidence is 1.
	MatchExplicit Match = "explicit"
	// MatchKeyword: keyword overlap; Confidence is matched/known keywords of the scope.
	MatchKeyword Match = "keyword"
	// MatchNone: nothing matched; NeedsClarification is set.
	MatchNone Match = "none"
)

// State is the resolution record for one question. It is passed by value
// between stages and never shared across questions.
type State struct {
	Question              string              `json:"question"`
	Scope                 string              `json:"scope,omitempty"`
	Cubes                 []string            `json:"cubes,omitempty"`
	Confidence            float64             `json:"confidence"`
	Match                 Match               `json:"match"`
	Context               []knowledge.Passage `json:"context,omitempty"`
	NeedsClarification    bool                `json:"needs_clarification"`
	ClarificationQuestion string              `json:"clarification_question,omitempty"`
	IsVisualization       bool                `json:"is_visualization"`
	// Stages lists the stages that did work, in order.
	Stages []Stage `json:"stages"`
}

// Resolved reports whether a scope was assigned.
func (s State) Resolved() bool {
	return s.Scope != ""
}

// Ran reports whether the given stage did work for this state.
func (s State) Ran(stage Stage) bool {
	return slices.Contains(s.Stages, stage)
}

// record appends a stage without writing into a backing array another State may share.
func (s State) record(stage Stage) State {
	s.Stages = append(slices.Clip(s.Stages), stage)
	return s
}
