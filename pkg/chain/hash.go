package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// genesisHash seeds the chain before any row exists.
const genesisHash = "genesis"

// hashView is the canonical field set bound by chain_hash. The stored
// chain_hash itself is excluded; everything else, including the assigned
// sequence, participates.
type hashView struct {
	SequenceID     uint64          `json:"sequence_id"`
	ActionID       string          `json:"action_id"`
	ActionType     ActionType      `json:"action_type"`
	PlanID         string          `json:"plan_id"`
	IntentID       string          `json:"intent_id"`
	SessionID      string          `json:"session_id"`
	ParentActionID string          `json:"parent_action_id"`
	FunctionName   string          `json:"function_name"`
	Timestamp      int64           `json:"timestamp"`
	Data           json.RawMessage `json:"data"`
}

// canonicalBytes returns the RFC 8785 canonical form of the row's hashable
// fields. dataJSON must be the serialized Data payload; canonicalization
// makes the result independent of map iteration order, so recomputing the
// hash from reloaded rows is deterministic.
func canonicalBytes(a Action, dataJSON []byte) ([]byte, error) {
	view := hashView{
		SequenceID:     a.SequenceID,
		ActionID:       a.ActionID,
		ActionType:     a.Type,
		PlanID:         a.PlanID,
		IntentID:       a.IntentID,
		SessionID:      a.SessionID,
		ParentActionID: a.ParentActionID,
		FunctionName:   a.FunctionName,
		Timestamp:      a.Timestamp,
		Data:           json.RawMessage(dataJSON),
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("chain: marshal hash view: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("chain: canonicalize hash view: %w", err)
	}
	return canonical, nil
}

// chainHash folds one row into the chain: sha256(prev || canonical).
func chainHash(prev string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(canonical)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// computeChainHash is the full per-row fold used by both append and verify.
func computeChainHash(prev string, a Action, dataJSON []byte) (string, error) {
	canonical, err := canonicalBytes(a, dataJSON)
	if err != nil {
		return "", err
	}
	return chainHash(prev, canonical), nil
}
