package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"horse.fit/sieve/internal/types"
)

// State is the immutable value carried between steps. Each step receives the
// previous step's output state and returns a new one.
type State struct {
	Article    types.Article         `json:"article"`
	JunkScore  *float64              `json:"junk_score,omitempty"`
	Ranking    *types.Ranking        `json:"ranking,omitempty"`
	Extraction *types.Extraction     `json:"extraction,omitempty"`
	Rules      []types.DetectionRule `json:"rules,omitempty"`
	Scored     []ScoredRule          `json:"scored,omitempty"`
	Queued     []string              `json:"queued,omitempty"`
	Discarded  []string              `json:"discarded,omitempty"`
}

// ScoredRule is the matcher outcome for one generated rule.
type ScoredRule struct {
	RuleID   string                  `json:"rule_id"`
	Coverage types.Coverage          `json:"coverage"`
	Best     float64                 `json:"best"`
	Matches  []types.SimilarityMatch `json:"matches"`
}

// Snapshot is a content-addressed serialized State.
type Snapshot struct {
	Ref     string
	Payload []byte
}

func encodeState(state State) (Snapshot, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode state: %w", err)
	}
	sum := sha256.Sum256(payload)
	return Snapshot{Ref: hex.EncodeToString(sum[:]), Payload: payload}, nil
}

func decodeState(payload []byte) (State, error) {
	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

func (s State) rule(id string) (types.DetectionRule, bool) {
	for _, rule := range s.Rules {
		if rule.ID == id {
			return rule, true
		}
	}
	return types.DetectionRule{}, false
}
