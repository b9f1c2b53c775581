package query

import (
	"fmt"

	"github.com/OFFIS-RIT/dygrag/pkg/ai"
)

// ModeDynamic is the only supported retrieval mode.
const ModeDynamic = "dynamic"

// TimeConstraints bound the facts a query may use. Empty bounds are open.
type TimeConstraints struct {
	StartTime string `json:"start_time" yaml:"start_time"`
	EndTime   string `json:"end_time" yaml:"end_time"`
}

// Param configures one query.
type Param struct {
	Mode string `json:"mode" yaml:"mode"`
	// OnlyNeedContext returns the assembled context instead of an answer.
	OnlyNeedContext bool   `json:"only_need_context" yaml:"only_need_context"`
	ResponseType    string `json:"response_type" yaml:"response_type"`
	// Level is the deepest community level used for ranking.
	Level int `json:"level" yaml:"level" validate:"min=0"`
	// TopK caps the ranked text units before budgeting.
	TopK int `json:"top_k" yaml:"top_k" validate:"min=0"`
	// EntityTopK is the number of entities retrieved by similarity.
	EntityTopK int `json:"et_top_k" yaml:"et_top_k" validate:"min=0"`
	// CandidateTopK is the number of text units retrieved by similarity.
	CandidateTopK       int             `json:"topk1" yaml:"topk1" validate:"min=0"`
	MaxTokenForTextUnit int             `json:"max_token_for_text_unit" yaml:"max_token_for_text_unit" validate:"min=0"`
	TimeConstraints     TimeConstraints `json:"time_constraints" yaml:"time_constraints"`
	// Entities restricts the context to what is reachable from these
	// entities. Empty means no restriction.
	Entities []string `json:"entities" yaml:"entities"`
	// History is inserted between the system prompt and the question.
	History []ai.ChatMessage `json:"history,omitempty" yaml:"-"`
}

func DefaultParam() Param {
	return Param{
		Mode:                ModeDynamic,
		ResponseType:        "short and concise answer",
		Level:               2,
		TopK:                20,
		EntityTopK:          20,
		CandidateTopK:       500,
		MaxTokenForTextUnit: 12000,
	}
}

func (p Param) validate() error {
	if p.Mode != "" && p.Mode != ModeDynamic {
		return fmt.Errorf("%w: unsupported mode %q", ErrInvalidParam, p.Mode)
	}
	if p.Level < 0 || p.TopK < 0 || p.EntityTopK < 0 || p.CandidateTopK < 0 || p.MaxTokenForTextUnit < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidParam)
	}
	return nil
}
