package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/condfmt/internal/types"
)

// RuleRequest is the body shared by every rule method. Fields a method does
// not use are ignored.
type RuleRequest struct {
	DocID   string            `json:"docId"`
	TableID string            `json:"tableId"`
	Target  types.Target      `json:"target"`
	Index   *int              `json:"index,omitempty"`
	Rule    *types.RuleInput  `json:"rule,omitempty"`
	Rules   []types.RuleInput `json:"rules,omitempty"`
}

// decodeRequest converts a Struct body into a RuleRequest. Unknown keys are
// rejected so that typos in field names surface as INVALID_ARGUMENT.
func decodeRequest(in *structpb.Struct) (*RuleRequest, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: empty body", errBadRequest)
	}
	raw, err := in.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var req RuleRequest
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if req.DocID == "" {
		return nil, fmt.Errorf("%w: docId is required", errBadRequest)
	}
	return &req, nil
}

// requireIndex returns the rule index of methods that address one rule.
func (r *RuleRequest) requireIndex() (int, error) {
	if r.Index == nil {
		return 0, fmt.Errorf("%w: index is required", errBadRequest)
	}
	return *r.Index, nil
}

// requireRule returns the rule body of add and update.
func (r *RuleRequest) requireRule() (types.RuleInput, error) {
	if r.Rule == nil {
		return types.RuleInput{}, fmt.Errorf("%w: rule is required", errBadRequest)
	}
	return *r.Rule, nil
}

// encodeResponse converts any JSON-shaped result into a Struct body.
func encodeResponse(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

// EncodeRequest builds a request body; used by clients and tests.
func EncodeRequest(req RuleRequest) (*structpb.Struct, error) {
	return encodeResponse(req)
}

// DecodeResult converts a response body into dest (a *types.RuleOperationResult
// or *types.RuleRemoveResult).
func DecodeResult(in *structpb.Struct, dest interface{}) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
