// internal/rules/service.go
package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/solatis/condfmt/internal/core/await"
	"github.com/solatis/condfmt/internal/types"
)

/*
 * Conditional formatting service.
 *
 * Add workflow (one attempt; up to MaxAddAttempts):
 *   1. resolve the owner record
 *   2. concurrently predict the next helper column id and read current state
 *   3. submit one bundle: AddEmptyRule, ModifyColumn(predicted id), UpdateRecord(styles)
 *   4. on a prediction mismatch the bundle was rejected whole; start over
 *   5. poll until the rules list has grown by one, then list
 *
 * AddEmptyRule is the only writer that grows the rules list; this service is
 * the only writer of the style list. Every operation re-reads the store
 * immediately before writing and never caches rule state.
 */

// MaxAddAttempts bounds the predict-submit loop (one initial try plus two retries).
const MaxAddAttempts = 3

// Recorder receives operation telemetry. Implemented by metrics.Metrics.
type Recorder interface {
	ObserveOperation(op string, scope types.Scope, err error)
	PredictionMismatch(scope types.Scope)
	ConsistencyWait(scope types.Scope, polls int, satisfied bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, types.Scope, error) {}
func (nopRecorder) PredictionMismatch(types.Scope)              {}
func (nopRecorder) ConsistencyWait(types.Scope, int, bool)      {}

// Service implements add/update/remove/list/replace-all over a DocAPI.
type Service struct {
	api      DocAPI
	logger   *slog.Logger
	recorder Recorder
	schedule await.Schedule
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger; the default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithWaitSchedule overrides the consistency wait schedule.
func WithWaitSchedule(schedule await.Schedule) Option {
	return func(s *Service) {
		s.schedule = schedule
	}
}

// NewService creates a rule manager over api.
func NewService(api DocAPI, opts ...Option) (*Service, error) {
	if api == nil {
		return nil, fmt.Errorf("api cannot be nil")
	}
	s := &Service{
		api:      api,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		recorder: nopRecorder{},
		schedule: await.DefaultSchedule(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// owner validates the request coordinates and selects the strategy.
func (s *Service) owner(tableID string, target types.Target) (RuleOwner, error) {
	if strings.TrimSpace(tableID) == "" {
		return nil, fmt.Errorf("%w: tableId is required", types.ErrInvalidTarget)
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return NewRuleOwner(target.Scope, s.api)
}

// validateInput runs every local check of a rule before any network call.
func validateInput(in types.RuleInput) error {
	if err := ValidateFormula(in.Formula); err != nil {
		return err
	}
	return ValidateStyle(in.Style)
}

// ListRules returns the current rules of target, recomputed from the store.
func (s *Service) ListRules(ctx context.Context, docID, tableID string, target types.Target) (result *types.RuleOperationResult, err error) {
	defer func() { s.recorder.ObserveOperation("list", target.Scope, err) }()

	owner, err := s.owner(tableID, target)
	if err != nil {
		return nil, err
	}
	ownerRef, err := owner.OwnerRef(ctx, docID, tableID, target)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, owner, docID, tableID, target, ownerRef)
}

func (s *Service) list(ctx context.Context, owner RuleOwner, docID, tableID string, target types.Target, ownerRef int64) (*types.RuleOperationResult, error) {
	state, err := owner.RulesAndStyles(ctx, docID, ownerRef)
	if err != nil {
		return nil, err
	}

	result := &types.RuleOperationResult{
		DocID:   docID,
		TableID: tableID,
		Scope:   target.Scope,
		Target:  target.String(),
		Rules:   []types.Rule{},
	}
	if state.Len() == 0 {
		return result, nil
	}

	formulas, err := owner.HelperColumnFormulas(ctx, docID, state.HelperColRefs)
	if err != nil {
		return nil, err
	}

	rules := make([]types.Rule, state.Len())
	for i := range state.HelperColRefs {
		rules[i] = types.Rule{Index: i, Formula: formulas[i], Style: state.Styles[i]}
	}
	result.Rules = rules
	result.TotalRules = len(rules)
	return result, nil
}

// AddRule appends one rule to target.
func (s *Service) AddRule(ctx context.Context, docID, tableID string, target types.Target, in types.RuleInput) (result *types.RuleOperationResult, err error) {
	defer func() { s.recorder.ObserveOperation("add", target.Scope, err) }()

	if err := validateInput(in); err != nil {
		return nil, err
	}
	owner, err := s.owner(tableID, target)
	if err != nil {
		return nil, err
	}
	return s.addRule(ctx, owner, docID, tableID, target, in)
}

func (s *Service) addRule(ctx context.Context, owner RuleOwner, docID, tableID string, target types.Target, in types.RuleInput) (*types.RuleOperationResult, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxAddAttempts; attempt++ {
		ownerRef, before, err := s.submitAdd(ctx, owner, docID, tableID, target, in)
		if err == nil {
			stale, err := s.awaitRuleCount(ctx, owner, docID, ownerRef, before+1)
			if err != nil {
				return nil, err
			}
			result, err := s.list(ctx, owner, docID, tableID, target, ownerRef)
			if err != nil {
				return nil, err
			}
			result.Stale = stale
			return result, nil
		}
		if !errors.Is(err, types.ErrPredictionMismatch) {
			return nil, err
		}

		lastErr = err
		s.recorder.PredictionMismatch(target.Scope)
		s.logger.Debug("helper column prediction missed, retrying",
			"doc_id", docID, "table_id", tableID, "target", target.String(),
			"attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("%w: add rule to %s after %d attempts: %v", types.ErrRetriesExhausted, target, MaxAddAttempts, lastErr)
}

// submitAdd performs one attempt and returns the owner and its rule count before the add.
// A rejected prediction is reported as types.ErrPredictionMismatch.
func (s *Service) submitAdd(ctx context.Context, owner RuleOwner, docID, tableID string, target types.Target, in types.RuleInput) (int64, int, error) {
	ownerRef, err := owner.OwnerRef(ctx, docID, tableID, target)
	if err != nil {
		return 0, 0, err
	}

	var predicted string
	var state types.RulesAndStyles
	var blob map[string]any
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		predicted, err = owner.PredictNextHelperColID(gctx, docID, tableID)
		return err
	})
	g.Go(func() error {
		var err error
		state, err = owner.RulesAndStyles(gctx, docID, ownerRef)
		return err
	})
	g.Go(func() error {
		var err error
		blob, err = owner.OptionsBlob(gctx, docID, ownerRef)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	fieldRef, colRef := owner.AddEmptyRuleParams(ownerRef)
	styles := append(append([]types.StyleOptions{}, state.Styles...), in.Style)
	merged, err := mergeRulesOptions(blob, styles)
	if err != nil {
		return 0, 0, err
	}

	bundle := []types.Action{
		addEmptyRuleAction(tableID, fieldRef, colRef),
		formulaAction(tableID, predicted, in.Formula),
		stylesAction(owner.Config(), ownerRef, merged),
	}
	if _, err := s.api.ApplyActions(ctx, docID, bundle); err != nil {
		if IsPredictionMismatch(err, predicted) {
			return 0, 0, fmt.Errorf("%w: %q: %v", types.ErrPredictionMismatch, predicted, err)
		}
		return 0, 0, fmt.Errorf("add rule to %s: %w", target, err)
	}
	return ownerRef, state.Len(), nil
}

// awaitRuleCount polls until the owner reports want rules. It never fails on
// exhaustion; it reports stale=true instead.
func (s *Service) awaitRuleCount(ctx context.Context, owner RuleOwner, docID string, ownerRef int64, want int) (bool, error) {
	out, err := await.Until(ctx, s.schedule, func(ctx context.Context) (bool, error) {
		state, err := owner.RulesAndStyles(ctx, docID, ownerRef)
		if err != nil {
			return false, err
		}
		return state.Len() == want, nil
	})
	if err != nil {
		return false, err
	}

	scope := owner.Config().Scope
	s.recorder.ConsistencyWait(scope, out.Polls, out.Satisfied)
	if !out.Satisfied {
		s.logger.Warn("rule list did not reflect the add in time; returning current state",
			"doc_id", docID, "scope", scope, "owner_ref", ownerRef,
			"want_rules", want, "polls", out.Polls, "max_wait", s.schedule.MaxWait())
	}
	return !out.Satisfied, nil
}

// IsPredictionMismatch reports whether err is the document service rejecting
// an action that addressed the predicted helper column id because no such
// column exists.
func IsPredictionMismatch(err error, predicted string) bool {
	var applyErr *types.ApplyError
	if predicted == "" || !errors.As(err, &applyErr) {
		return false
	}
	if applyErr.Action != "" && applyErr.Action != actionModifyCol {
		return false
	}

	msg := applyErr.Message
	if !strings.Contains(strings.ToLower(msg), strings.ToLower(predicted)) {
		return false
	}
	for _, marker := range []string{"KeyError", "Invalid column", "not found", "does not exist", "No such column"} {
		if strings.Contains(strings.ToLower(msg), strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// checkIndex rejects index outside [0, total).
func checkIndex(index, total int) error {
	if index < 0 || index >= total {
		return &types.BoundsError{Index: index, Total: total}
	}
	return nil
}

// UpdateRule replaces the formula and style of the rule at index.
func (s *Service) UpdateRule(ctx context.Context, docID, tableID string, target types.Target, index int, in types.RuleInput) (result *types.RuleOperationResult, err error) {
	defer func() { s.recorder.ObserveOperation("update", target.Scope, err) }()

	if err := validateInput(in); err != nil {
		return nil, err
	}
	owner, err := s.owner(tableID, target)
	if err != nil {
		return nil, err
	}
	ownerRef, err := owner.OwnerRef(ctx, docID, tableID, target)
	if err != nil {
		return nil, err
	}
	state, err := owner.RulesAndStyles(ctx, docID, ownerRef)
	if err != nil {
		return nil, err
	}
	if err := checkIndex(index, state.Len()); err != nil {
		return nil, err
	}

	helperRef := state.HelperColRefs[index]
	if _, err := s.api.ApplyActions(ctx, docID, []types.Action{formulaByRefAction(helperRef, in.Formula)}); err != nil {
		return nil, fmt.Errorf("update formula of rule %d: %w", index, err)
	}

	styles := append([]types.StyleOptions{}, state.Styles...)
	styles[index] = in.Style
	next := types.RulesAndStyles{HelperColRefs: state.HelperColRefs, Styles: styles}
	if err := owner.UpdateRulesAndStyles(ctx, docID, ownerRef, next); err != nil {
		return nil, err
	}

	return s.list(ctx, owner, docID, tableID, target, ownerRef)
}

// RemoveRule deletes the rule at index; later rules shift down by one.
// The helper column itself is left in the document.
func (s *Service) RemoveRule(ctx context.Context, docID, tableID string, target types.Target, index int) (result *types.RuleRemoveResult, err error) {
	defer func() { s.recorder.ObserveOperation("remove", target.Scope, err) }()

	owner, err := s.owner(tableID, target)
	if err != nil {
		return nil, err
	}
	ownerRef, err := owner.OwnerRef(ctx, docID, tableID, target)
	if err != nil {
		return nil, err
	}
	state, err := owner.RulesAndStyles(ctx, docID, ownerRef)
	if err != nil {
		return nil, err
	}
	if err := checkIndex(index, state.Len()); err != nil {
		return nil, err
	}

	next := spliceRules(state, index)
	if err := owner.UpdateRulesAndStyles(ctx, docID, ownerRef, next); err != nil {
		return nil, err
	}

	return &types.RuleRemoveResult{
		Message:        fmt.Sprintf("Removed rule %d from %s of table %q", index, target, tableID),
		RemainingRules: next.Len(),
	}, nil
}

// ReplaceAllRules clears target and adds rules in order. It is not atomic:
// a failure part-way returns *types.PartialReplaceError and leaves the rules
// added so far in place.
func (s *Service) ReplaceAllRules(ctx context.Context, docID, tableID string, target types.Target, rules []types.RuleInput) (result *types.RuleOperationResult, err error) {
	defer func() { s.recorder.ObserveOperation("replace", target.Scope, err) }()

	for i, in := range rules {
		if err := validateInput(in); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	owner, err := s.owner(tableID, target)
	if err != nil {
		return nil, err
	}
	ownerRef, err := owner.OwnerRef(ctx, docID, tableID, target)
	if err != nil {
		return nil, err
	}
	state, err := owner.RulesAndStyles(ctx, docID, ownerRef)
	if err != nil {
		return nil, err
	}
	if state.Len() > 0 {
		if err := owner.UpdateRulesAndStyles(ctx, docID, ownerRef, types.RulesAndStyles{}); err != nil {
			return nil, err
		}
	}

	result, err = s.list(ctx, owner, docID, tableID, target, ownerRef)
	if err != nil {
		return nil, err
	}
	for i, in := range rules {
		result, err = s.addRule(ctx, owner, docID, tableID, target, in)
		if err != nil {
			return nil, &types.PartialReplaceError{Added: i, Requested: len(rules), Err: err}
		}
	}
	return result, nil
}
