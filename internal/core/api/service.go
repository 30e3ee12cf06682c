// Package api provides the gRPC rule service over the conditional formatting manager.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/condfmt/internal/core/auth"
	"github.com/solatis/condfmt/internal/core/config"
	"github.com/solatis/condfmt/internal/types"
)

// RuleManager is the rule operation surface; implemented by *rules.Service.
type RuleManager interface {
	ListRules(ctx context.Context, docID, tableID string, target types.Target) (*types.RuleOperationResult, error)
	AddRule(ctx context.Context, docID, tableID string, target types.Target, in types.RuleInput) (*types.RuleOperationResult, error)
	UpdateRule(ctx context.Context, docID, tableID string, target types.Target, index int, in types.RuleInput) (*types.RuleOperationResult, error)
	RemoveRule(ctx context.Context, docID, tableID string, target types.Target, index int) (*types.RuleRemoveResult, error)
	ReplaceAllRules(ctx context.Context, docID, tableID string, target types.Target, rules []types.RuleInput) (*types.RuleOperationResult, error)
}

// RuleAPIService implements RuleServiceServer.
// Thin orchestration layer: decode, delegate to the manager, audit, map errors.
type RuleAPIService struct {
	rules  RuleManager
	audit  *AuditLog
	cfg    *config.ServerConfig
	logger *slog.Logger
}

// NewRuleAPIService creates service instance with dependencies.
// audit may be nil, which disables the audit trail.
func NewRuleAPIService(rules RuleManager, audit *AuditLog, cfg *config.ServerConfig, logger *slog.Logger) (*RuleAPIService, error) {
	if rules == nil {
		return nil, fmt.Errorf("rules cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("cfg cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleAPIService{
		rules:  rules,
		audit:  audit,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// ListRules returns the rules of the requested target.
func (s *RuleAPIService) ListRules(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.handle(ctx, "list", in, func(ctx context.Context, req *RuleRequest) (interface{}, int, error) {
		res, err := s.rules.ListRules(ctx, req.DocID, req.TableID, req.Target)
		return res, totalOf(res), err
	})
}

// AddRule appends one rule.
func (s *RuleAPIService) AddRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.handle(ctx, "add", in, func(ctx context.Context, req *RuleRequest) (interface{}, int, error) {
		rule, err := req.requireRule()
		if err != nil {
			return nil, 0, err
		}
		res, err := s.rules.AddRule(ctx, req.DocID, req.TableID, req.Target, rule)
		return res, totalOf(res), err
	})
}

// UpdateRule replaces the formula and style of the rule at index.
func (s *RuleAPIService) UpdateRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.handle(ctx, "update", in, func(ctx context.Context, req *RuleRequest) (interface{}, int, error) {
		index, err := req.requireIndex()
		if err != nil {
			return nil, 0, err
		}
		rule, err := req.requireRule()
		if err != nil {
			return nil, 0, err
		}
		res, err := s.rules.UpdateRule(ctx, req.DocID, req.TableID, req.Target, index, rule)
		return res, totalOf(res), err
	})
}

// RemoveRule deletes the rule at index.
func (s *RuleAPIService) RemoveRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.handle(ctx, "remove", in, func(ctx context.Context, req *RuleRequest) (interface{}, int, error) {
		index, err := req.requireIndex()
		if err != nil {
			return nil, 0, err
		}
		res, err := s.rules.RemoveRule(ctx, req.DocID, req.TableID, req.Target, index)
		if err != nil {
			return nil, 0, err
		}
		return res, res.RemainingRules, nil
	})
}

// ReplaceAllRules swaps the whole rule set, bounded by max_batch_size.
func (s *RuleAPIService) ReplaceAllRules(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.handle(ctx, "replace", in, func(ctx context.Context, req *RuleRequest) (interface{}, int, error) {
		if len(req.Rules) > s.cfg.MaxBatchSize {
			return nil, 0, fmt.Errorf("%w: %d rules exceeds max_batch_size %d", errBadRequest, len(req.Rules), s.cfg.MaxBatchSize)
		}
		res, err := s.rules.ReplaceAllRules(ctx, req.DocID, req.TableID, req.Target, req.Rules)
		return res, totalOf(res), err
	})
}

type operation func(ctx context.Context, req *RuleRequest) (result interface{}, total int, err error)

// handle runs op with the request deadline, records the audit entry and
// converts the result into a response body.
func (s *RuleAPIService) handle(ctx context.Context, name string, in *structpb.Struct, op operation) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, toStatus(err)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	result, total, err := op(opCtx, req)
	s.record(ctx, name, req, total, err)
	if err != nil {
		s.logger.Debug("rule operation failed",
			"operation", name,
			"doc_id", req.DocID,
			"table_id", req.TableID,
			"scope", req.Target.Scope,
			"error", err)
		return nil, toStatus(err)
	}

	out, err := encodeResponse(result)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

// record writes the audit entry for one operation. Requests that never named
// a valid scope are not audited; audit failures are logged, not returned.
func (s *RuleAPIService) record(ctx context.Context, name string, req *RuleRequest, total int, opErr error) {
	if s.audit == nil || !req.Target.Scope.Valid() {
		return
	}
	entry := AuditEntry{
		Principal:  auth.PrincipalFromContext(ctx),
		DocID:      req.DocID,
		TableID:    req.TableID,
		Scope:      string(req.Target.Scope),
		Operation:  name,
		Outcome:    "ok",
		TotalRules: total,
		CreatedAt:  time.Now().UTC(),
	}
	if req.Index != nil {
		idx := int64(*req.Index)
		entry.RuleIndex = &idx
	}
	if opErr != nil {
		entry.Outcome = "error"
		entry.Error = opErr.Error()
	}
	// The audit write must outlive a request deadline that cut the operation short.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.audit.Record(auditCtx, entry); err != nil {
		s.logger.Warn("audit write failed", "operation", name, "doc_id", req.DocID, "error", err)
	}
}

func totalOf(res *types.RuleOperationResult) int {
	if res == nil {
		return 0
	}
	return res.TotalRules
}
