package rules

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/condfmt/internal/core/await"
	"github.com/solatis/condfmt/internal/core/docstore"
	"github.com/solatis/condfmt/internal/types"
)

type fixture struct {
	store *docstore.Store
	docID string
	api   DocAPI
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := docstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	docID, err := store.CreateDoc(ctx)
	require.NoError(t, err)
	require.NoError(t, store.AddTable(ctx, docID, "Orders", "Amount", "Price", "Status"))
	require.NoError(t, store.AddTable(ctx, docID, "Customers", "Name"))

	return &fixture{store: store, docID: docID, api: store}
}

func (f *fixture) service(t *testing.T, api DocAPI, opts ...Option) *Service {
	t.Helper()
	if api == nil {
		api = f.api
	}
	svc, err := NewService(api, opts...)
	require.NoError(t, err)
	return svc
}

func (f *fixture) rawSection(t *testing.T, tableID string) int64 {
	t.Helper()
	rows, err := f.store.QuerySQL(context.Background(), f.docID,
		"SELECT rawViewSectionRef FROM _grist_Tables WHERE tableId = ?", tableID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]["rawViewSectionRef"].(int64)
}

func (f *fixture) columnCount(t *testing.T, tableID string) int {
	t.Helper()
	columns, err := f.store.ListColumns(context.Background(), f.docID, tableID)
	require.NoError(t, err)
	return len(columns)
}

func columnTarget(colID string) types.Target {
	return types.Target{Scope: types.ScopeColumn, ColID: colID}
}

func red() types.StyleOptions {
	return types.StyleOptions{FillColor: types.Ptr("#FF0000")}
}

func TestService_AddThenList(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	ctx := context.Background()

	result, err := svc.AddRule(ctx, f.docID, "Orders", columnTarget("Price"),
		types.RuleInput{Formula: "$Price > 100", Style: red()})
	require.NoError(t, err)
	assert.False(t, result.Stale)
	require.Equal(t, 1, result.TotalRules)

	listed, err := svc.ListRules(ctx, f.docID, "Orders", columnTarget("Price"))
	require.NoError(t, err)
	require.Len(t, listed.Rules, 1)
	assert.Equal(t, 0, listed.Rules[0].Index)
	assert.Equal(t, "$Price > 100", listed.Rules[0].Formula)
	assert.Equal(t, "#FF0000", *listed.Rules[0].Style.FillColor)
	assert.Equal(t, `column "Price"`, listed.Target)
	assert.Equal(t, types.ScopeColumn, listed.Scope)
}

func TestService_SequentialAddsUseDistinctHelpers(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	ctx := context.Background()
	target := columnTarget("Amount")

	_, err := svc.AddRule(ctx, f.docID, "Orders", target, types.RuleInput{Formula: "$Amount > 100", Style: red()})
	require.NoError(t, err)
	_, err = svc.AddRule(ctx, f.docID, "Orders", target, types.RuleInput{Formula: "$Amount < 0",
		Style: types.StyleOptions{TextColor: types.Ptr("#0000FF"), FontBold: types.Ptr(true)}})
	require.NoError(t, err)

	owner, err := NewRuleOwner(types.ScopeColumn, f.api)
	require.NoError(t, err)
	ref, err := owner.OwnerRef(ctx, f.docID, "Orders", target)
	require.NoError(t, err)
	state, err := owner.RulesAndStyles(ctx, f.docID, ref)
	require.NoError(t, err)
	require.Equal(t, 2, state.Len())
	assert.NotEqual(t, state.HelperColRefs[0], state.HelperColRefs[1])

	listed, err := svc.ListRules(ctx, f.docID, "Orders", target)
	require.NoError(t, err)
	require.Len(t, listed.Rules, 2)
	assert.Equal(t, []int{0, 1}, []int{listed.Rules[0].Index, listed.Rules[1].Index})
	assert.Equal(t, "$Amount > 100", listed.Rules[0].Formula)
	assert.Equal(t, "$Amount < 0", listed.Rules[1].Formula)
	assert.True(t, *listed.Rules[1].Style.FontBold)
}

func TestService_RemoveShiftsLaterRulesDown(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	ctx := context.Background()
	target := columnTarget("Amount")

	for _, formula := range []string{"$Amount > 100", "$Amount < 0"} {
		_, err := svc.AddRule(ctx, f.docID, "Orders", target, types.RuleInput{Formula: formula, Style: red()})
		require.NoError(t, err)
	}
	columnsBefore := f.columnCount(t, "Orders")

	removed, err := svc.RemoveRule(ctx, f.docID, "Orders", target, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed.RemainingRules)
	assert.Contains(t, removed.Message, "Removed rule 0")

	listed, err := svc.ListRules(ctx, f.docID, "Orders", target)
	require.NoError(t, err)
	require.Len(t, listed.Rules, 1)
	assert.Equal(t, 0, listed.Rules[0].Index)
	assert.Equal(t, "$Amount < 0", listed.Rules[0].Formula)

	// Helper columns are not deleted.
	assert.Equal(t, columnsBefore, f.columnCount(t, "Orders"))
}

func TestService_InvalidFormulaMakesNoCalls(t *testing.T) {
	f := newFixture(t)
	counter := &countingAPI{DocAPI: f.api}
	svc := f.service(t, counter)
	columnsBefore := f.columnCount(t, "Orders")

	_, err := svc.AddRule(context.Background(), f.docID, "Orders", columnTarget("Amount"),
		types.RuleInput{Formula: "$Amount > 100))", Style: red()})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidFormula)
	assert.Contains(t, err.Error(), "unbalanced parentheses")

	assert.Zero(t, counter.calls())
	assert.Equal(t, columnsBefore, f.columnCount(t, "Orders"))
}

func TestService_InvalidStyleRejected(t *testing.T) {
	f := newFixture(t)
	counter := &countingAPI{DocAPI: f.api}
	svc := f.service(t, counter)

	_, err := svc.AddRule(context.Background(), f.docID, "Orders", columnTarget("Amount"),
		types.RuleInput{Formula: "$Amount > 1", Style: types.StyleOptions{FillColor: types.Ptr("red")}})
	assert.ErrorIs(t, err, types.ErrInvalidStyle)
	assert.Zero(t, counter.calls())
}

func TestService_AddPreservesUnrelatedOptions(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	ctx := context.Background()

	columns, err := f.store.ListColumns(ctx, f.docID, "Orders")
	require.NoError(t, err)
	var amountRef int64
	for _, c := range columns {
		if c.ID == "Amount" {
			amountRef = c.Ref
		}
	}
	_, err = f.store.ApplyActions(ctx, f.docID, []types.Action{{"UpdateRecord", "_grist_Tables_column", amountRef,
		map[string]any{"widgetOptions": `{"alignment":"right","decimals":2,"numMode":"currency"}`}}})
	require.NoError(t, err)

	_, err = svc.AddRule(ctx, f.docID, "Orders", columnTarget("Amount"), types.RuleInput{Formula: "$Amount > 100", Style: red()})
	require.NoError(t, err)

	rows, err := f.store.QuerySQL(ctx, f.docID, "SELECT widgetOptions FROM _grist_Tables_column WHERE id = ?", amountRef)
	require.NoError(t, err)
	blob, err := parseOptionsBlob(rows[0]["widgetOptions"])
	require.NoError(t, err)
	assert.Equal(t, "right", blob["alignment"])
	assert.Equal(t, "currency", blob["numMode"])
	assert.Equal(t, json.Number("2"), blob["decimals"])
	assert.Len(t, DecodeStyles(blob[rulesOptionsKey]), 1)
}

func TestService_UpdateRule(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	ctx := context.Background()
	target := columnTarget("Status")

	for _, formula := range []string{"$Status == 'Open'", "$Status == 'Late'"} {
		_, err := svc.AddRule(ctx, f.docID, "Orders", target, types.RuleInput{Formula: formula, Style: red()})
		require.NoError(t, err)
	}

	updated, err := svc.UpdateRule(ctx, f.docID, "Orders", target, 1, types.RuleInput{
		Formula: "$Status == 'Closed'",
		Style:   types.StyleOptions{FontItalic: types.Ptr(true)},
	})
	require.NoError(t, err)
	require.Len(t, updated.Rules, 2)
	assert.Equal(t, "$Status == 'Open'", updated.Rules[0].Formula)
	assert.Equal(t, "#FF0000", *updated.Rules[0].Style.FillColor)
	assert.Equal(t, "$Status == 'Closed'", updated.Rules[1].Formula)
	assert.Nil(t, updated.Rules[1].Style.FillColor)
	assert.True(t, *updated.Rules[1].Style.FontItalic)
}

func TestService_IndexOutOfRange(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	ctx := context.Background()
	target := columnTarget("Amount")

	_, err := svc.RemoveRule(ctx, f.docID, "Orders", target, 0)
	assert.ErrorIs(t, err, types.ErrRuleIndexOutOfRange)
	assert.Contains(t, err.Error(), "no rules")

	_, err = svc.AddRule(ctx, f.docID, "Orders", target, types.RuleInput{Formula: "$Amount > 1", Style: red()})
	require.NoError(t, err)

	for _, index := range []int{-1, 1, 5} {
		_, err := svc.UpdateRule(ctx, f.docID, "Orders", target, index, types.RuleInput{Formula: "True", Style: red()})
		var bounds *types.BoundsError
		require.ErrorAs(t, err, &bounds)
		assert.Equal(t, 1, bounds.Total)
		assert.Contains(t, err.Error(), "valid range is 0..0")

		_, err = svc.RemoveRule(ctx, f.docID, "Orders", target, index)
		assert.ErrorIs(t, err, types.ErrRuleIndexOutOfRange)
	}

	listed, err := svc.ListRules(ctx, f.docID, "Orders", target)
	require.NoError(t, err)
	assert.Equal(t, 1, listed.TotalRules)
}

func TestService_ListIsIdempotent(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	ctx := context.Background()

	_, err := svc.AddRule(ctx, f.docID, "Orders", columnTarget("Amount"), types.RuleInput{Formula: "$Amount > 1", Style: red()})
	require.NoError(t, err)

	first, err := svc.ListRules(ctx, f.docID, "Orders", columnTarget("Amount"))
	require.NoError(t, err)
	second, err := svc.ListRules(ctx, f.docID, "Orders", columnTarget("Amount"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	empty, err := svc.ListRules(ctx, f.docID, "Orders", columnTarget("Price"))
	require.NoError(t, err)
	assert.Empty(t, empty.Rules)
	assert.Zero(t, empty.TotalRules)
}

func TestService_ScopesAreIndependent(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	ctx := context.Background()

	rowTarget := types.Target{Scope: types.ScopeRow}
	fieldTarget := types.Target{Scope: types.ScopeField, SectionID: f.rawSection(t, "Orders"), FieldColID: "Amount"}

	_, err := svc.AddRule(ctx, f.docID, "Orders", columnTarget("Amount"), types.RuleInput{Formula: "$Amount > 1", Style: red()})
	require.NoError(t, err)
	_, err = svc.AddRule(ctx, f.docID, "Orders", rowTarget, types.RuleInput{Formula: "$Status == 'Late'",
		Style: types.StyleOptions{FontStrikethrough: types.Ptr(true)}})
	require.NoError(t, err)
	_, err = svc.AddRule(ctx, f.docID, "Orders", fieldTarget, types.RuleInput{Formula: "$Amount < 0",
		Style: types.StyleOptions{TextColor: types.Ptr("#00FF00")}})
	require.NoError(t, err)
	_, err = svc.AddRule(ctx, f.docID, "Orders", fieldTarget, types.RuleInput{Formula: "$Amount == 0", Style: red()})
	require.NoError(t, err)

	for _, tc := range []struct {
		target  types.Target
		want    int
		formula string
	}{
		{columnTarget("Amount"), 1, "$Amount > 1"},
		{rowTarget, 1, "$Status == 'Late'"},
		{fieldTarget, 2, "$Amount < 0"},
	} {
		listed, err := svc.ListRules(ctx, f.docID, "Orders", tc.target)
		require.NoError(t, err)
		assert.Equal(t, tc.want, listed.TotalRules, tc.target.String())
		assert.Equal(t, tc.formula, listed.Rules[0].Formula, tc.target.String())
	}

	// Row rules get their own helper prefix.
	columns, err := f.store.ListColumns(ctx, f.docID, "Orders")
	require.NoError(t, err)
	var helpers []string
	for _, c := range columns {
		if strings.HasPrefix(c.ID, "gristHelper_") {
			helpers = append(helpers, c.ID)
		}
	}
	assert.ElementsMatch(t, []string{
		"gristHelper_ConditionalRule", "gristHelper_RowConditionalRule",
		"gristHelper_ConditionalRule2", "gristHelper_ConditionalRule3",
	}, helpers)
}

func TestService_NotFound(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	ctx := context.Background()
	in := types.RuleInput{Formula: "True", Style: red()}

	_, err := svc.AddRule(ctx, f.docID, "Orders", columnTarget("Missing"), in)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = svc.ListRules(ctx, f.docID, "Nope", types.Target{Scope: types.ScopeRow})
	assert.ErrorIs(t, err, types.ErrNotFound)

	// A section of another table never resolves.
	other := types.Target{Scope: types.ScopeField, SectionID: f.rawSection(t, "Customers"), FieldColID: "Amount"}
	_, err = svc.ListRules(ctx, f.docID, "Orders", other)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = svc.ListRules(ctx, f.docID, "Orders", types.Target{Scope: types.ScopeField, FieldColID: "Amount"})
	assert.ErrorIs(t, err, types.ErrInvalidTarget)

	_, err = svc.ListRules(ctx, f.docID, "", columnTarget("Amount"))
	assert.ErrorIs(t, err, types.ErrInvalidTarget)
}

func TestService_ReplaceAll(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	ctx := context.Background()
	target := columnTarget("Amount")

	for _, formula := range []string{"$Amount > 1", "$Amount > 2"} {
		_, err := svc.AddRule(ctx, f.docID, "Orders", target, types.RuleInput{Formula: formula, Style: red()})
		require.NoError(t, err)
	}

	// A bad rule anywhere in the batch leaves the current rules untouched.
	_, err := svc.ReplaceAllRules(ctx, f.docID, "Orders", target, []types.RuleInput{
		{Formula: "$Amount > 10", Style: red()},
		{Formula: "$Amount >", Style: types.StyleOptions{FillColor: types.Ptr("#12345")}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule 1")
	listed, err := svc.ListRules(ctx, f.docID, "Orders", target)
	require.NoError(t, err)
	assert.Equal(t, 2, listed.TotalRules)

	replaced, err := svc.ReplaceAllRules(ctx, f.docID, "Orders", target, []types.RuleInput{
		{Formula: "$Amount > 10", Style: red()},
		{Formula: "$Amount > 20", Style: red()},
		{Formula: "$Amount > 30", Style: red()},
	})
	require.NoError(t, err)
	require.Equal(t, 3, replaced.TotalRules)
	for i, want := range []string{"$Amount > 10", "$Amount > 20", "$Amount > 30"} {
		assert.Equal(t, i, replaced.Rules[i].Index)
		assert.Equal(t, want, replaced.Rules[i].Formula)
	}

	cleared, err := svc.ReplaceAllRules(ctx, f.docID, "Orders", target, nil)
	require.NoError(t, err)
	assert.Zero(t, cleared.TotalRules)
	assert.NotNil(t, cleared.Rules)
}

func TestService_ReplaceAllReportsPartialProgress(t *testing.T) {
	f := newFixture(t)
	failing := &failingAPI{DocAPI: f.api, allowBundles: 1}
	svc := f.service(t, failing)
	ctx := context.Background()
	target := columnTarget("Amount")

	_, err := svc.ReplaceAllRules(ctx, f.docID, "Orders", target, []types.RuleInput{
		{Formula: "$Amount > 1", Style: red()},
		{Formula: "$Amount > 2", Style: red()},
		{Formula: "$Amount > 3", Style: red()},
	})
	var partial *types.PartialReplaceError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 1, partial.Added)
	assert.Equal(t, 3, partial.Requested)
	assert.ErrorIs(t, err, types.ErrPartialReplace)

	listed, err := f.service(t, nil).ListRules(ctx, f.docID, "Orders", target)
	require.NoError(t, err)
	assert.Equal(t, 1, listed.TotalRules)
}

func TestService_RetriesPredictionMismatch(t *testing.T) {
	f := newFixture(t)
	rec := &recordingRecorder{}
	api := &phantomHelperAPI{DocAPI: f.api, lies: 1}
	svc := f.service(t, api, WithRecorder(rec))

	result, err := svc.AddRule(context.Background(), f.docID, "Orders", columnTarget("Amount"),
		types.RuleInput{Formula: "$Amount > 100", Style: red()})
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalRules)
	assert.Equal(t, "$Amount > 100", result.Rules[0].Formula)
	assert.Equal(t, 1, rec.mismatchCount())
}

func TestService_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	api := &phantomHelperAPI{DocAPI: f.api, lies: MaxAddAttempts}
	svc := f.service(t, api)
	columnsBefore := f.columnCount(t, "Orders")

	_, err := svc.AddRule(context.Background(), f.docID, "Orders", columnTarget("Amount"),
		types.RuleInput{Formula: "$Amount > 100", Style: red()})
	assert.ErrorIs(t, err, types.ErrRetriesExhausted)

	// Every rejected bundle was rolled back whole.
	assert.Equal(t, columnsBefore, f.columnCount(t, "Orders"))
}

func TestService_AddReturnsOtherRejectionsWithoutRetry(t *testing.T) {
	tests := []struct {
		name   string
		reject *types.ApplyError
	}{
		{"read-only document", &types.ApplyError{ActionIndex: 0, Action: actionAddRule,
			Message: "document is read-only", Status: 403}},
		{"helper named without missing-column marker", &types.ApplyError{ActionIndex: 1, Action: actionModifyCol,
			Message: "permission denied for gristHelper_ConditionalRule", Status: 403}},
		{"missing other column", &types.ApplyError{ActionIndex: 1, Action: actionModifyCol,
			Message: "KeyError: 'Amount' not found", Status: 500}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := &recordingRecorder{}
			api := &rejectingAPI{DocAPI: f.api, reject: tt.reject}
			svc := f.service(t, api, WithRecorder(rec))

			_, err := svc.AddRule(context.Background(), f.docID, "Orders", columnTarget("Amount"),
				types.RuleInput{Formula: "$Amount > 100", Style: red()})
			require.Error(t, err)

			var applyErr *types.ApplyError
			require.ErrorAs(t, err, &applyErr)
			assert.Equal(t, tt.reject.Message, applyErr.Message)
			assert.NotErrorIs(t, err, types.ErrRetriesExhausted)
			assert.Equal(t, 1, api.calls(), "bundle submitted once")
			assert.Zero(t, rec.mismatchCount())
		})
	}
}

func TestService_StaleReadIsReported(t *testing.T) {
	f := newFixture(t)
	rec := &recordingRecorder{}
	api := &laggingAPI{DocAPI: f.api}
	fast := await.Schedule{Tiers: []await.Tier{{Delay: time.Millisecond}}, MaxPolls: 3}
	svc := f.service(t, api, WithRecorder(rec), WithWaitSchedule(fast))

	result, err := svc.AddRule(context.Background(), f.docID, "Orders", columnTarget("Amount"),
		types.RuleInput{Formula: "$Amount > 100", Style: red()})
	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.Equal(t, []bool{false}, rec.waits())

	// The add itself was committed.
	listed, err := f.service(t, nil).ListRules(context.Background(), f.docID, "Orders", columnTarget("Amount"))
	require.NoError(t, err)
	assert.Equal(t, 1, listed.TotalRules)
}

func TestIsPredictionMismatch(t *testing.T) {
	predicted := "gristHelper_ConditionalRule2"
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"key error", &types.ApplyError{ActionIndex: 1, Action: "ModifyColumn",
			Message: "KeyError: 'gristHelper_ConditionalRule2' not found in table 'Orders'"}, true},
		{"invalid column", &types.ApplyError{ActionIndex: -1,
			Message: "Invalid column \"gristHelper_ConditionalRule2\""}, true},
		{"wrapped", errors.Join(errors.New("apply"), &types.ApplyError{ActionIndex: 1, Action: "ModifyColumn",
			Message: "column gristhelper_conditionalrule2 does not exist"}), true},
		{"other column", &types.ApplyError{ActionIndex: 1, Action: "ModifyColumn",
			Message: "KeyError: 'Amount' not found"}, false},
		{"other action", &types.ApplyError{ActionIndex: 2, Action: "UpdateRecord",
			Message: "KeyError: 'gristHelper_ConditionalRule2' not found"}, false},
		{"no marker", &types.ApplyError{ActionIndex: 1, Action: "ModifyColumn",
			Message: "permission denied for gristHelper_ConditionalRule2"}, false},
		{"plain error", errors.New("KeyError: 'gristHelper_ConditionalRule2' not found"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPredictionMismatch(tt.err, predicted))
		})
	}
}

func TestNextHelperColID(t *testing.T) {
	assert.Equal(t, "gristHelper_ConditionalRule", nextHelperColID(helperPrefix, nil))
	assert.Equal(t, "gristHelper_ConditionalRule2", nextHelperColID(helperPrefix, []string{"gristHelper_ConditionalRule"}))
	assert.Equal(t, "gristHelper_ConditionalRule2", nextHelperColID(helperPrefix,
		[]string{"GRISTHELPER_CONDITIONALRULE", "gristHelper_ConditionalRule3"}))
}

// countingAPI counts calls reaching the document service.
type countingAPI struct {
	DocAPI
	mu sync.Mutex
	n  int
}

func (c *countingAPI) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingAPI) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *countingAPI) ApplyActions(ctx context.Context, docID string, actions []types.Action) (*types.ApplyResult, error) {
	c.inc()
	return c.DocAPI.ApplyActions(ctx, docID, actions)
}

func (c *countingAPI) QuerySQL(ctx context.Context, docID, query string, args ...any) ([]types.Row, error) {
	c.inc()
	return c.DocAPI.QuerySQL(ctx, docID, query, args...)
}

func (c *countingAPI) ListColumns(ctx context.Context, docID, tableID string) ([]types.Column, error) {
	c.inc()
	return c.DocAPI.ListColumns(ctx, docID, tableID)
}

// failingAPI rejects every add bundle after the first allowBundles.
type failingAPI struct {
	DocAPI
	mu           sync.Mutex
	allowBundles int
}

func (f *failingAPI) ApplyActions(ctx context.Context, docID string, actions []types.Action) (*types.ApplyResult, error) {
	if len(actions) > 0 && actions[0].Name() == actionAddRule {
		f.mu.Lock()
		allowed := f.allowBundles > 0
		f.allowBundles--
		f.mu.Unlock()
		if !allowed {
			return nil, &types.ApplyError{ActionIndex: 0, Action: actionAddRule, Message: "document is read-only", Status: 403}
		}
	}
	return f.DocAPI.ApplyActions(ctx, docID, actions)
}

// rejectingAPI rejects every bundle with reject and counts the attempts.
type rejectingAPI struct {
	DocAPI
	reject *types.ApplyError
	mu     sync.Mutex
	n      int
}

func (r *rejectingAPI) ApplyActions(ctx context.Context, docID string, actions []types.Action) (*types.ApplyResult, error) {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
	return nil, r.reject
}

func (r *rejectingAPI) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// phantomHelperAPI reports a helper column that does not exist, so the
// prediction names a column the service never creates.
type phantomHelperAPI struct {
	DocAPI
	mu   sync.Mutex
	lies int
}

func (p *phantomHelperAPI) QuerySQL(ctx context.Context, docID, query string, args ...any) ([]types.Row, error) {
	rows, err := p.DocAPI.QuerySQL(ctx, docID, query, args...)
	if err != nil || !strings.Contains(query, "LIKE") {
		return rows, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lies > 0 {
		p.lies--
		prefix := strings.TrimSuffix(args[len(args)-1].(string), "%")
		rows = append(rows, types.Row{"colId": prefix})
	}
	return rows, nil
}

// laggingAPI hides rules lists once a bundle has been applied.
type laggingAPI struct {
	DocAPI
	mu      sync.Mutex
	applied bool
}

func (l *laggingAPI) ApplyActions(ctx context.Context, docID string, actions []types.Action) (*types.ApplyResult, error) {
	res, err := l.DocAPI.ApplyActions(ctx, docID, actions)
	l.mu.Lock()
	l.applied = true
	l.mu.Unlock()
	return res, err
}

func (l *laggingAPI) QuerySQL(ctx context.Context, docID, query string, args ...any) ([]types.Row, error) {
	rows, err := l.DocAPI.QuerySQL(ctx, docID, query, args...)
	l.mu.Lock()
	applied := l.applied
	l.mu.Unlock()
	if err != nil || !applied || !strings.Contains(query, "AS rules") {
		return rows, err
	}
	for _, row := range rows {
		row["rules"] = nil
	}
	return rows, nil
}

type recordingRecorder struct {
	mu         sync.Mutex
	mismatches int
	waitResult []bool
}

func (r *recordingRecorder) ObserveOperation(string, types.Scope, error) {}

func (r *recordingRecorder) PredictionMismatch(types.Scope) {
	r.mu.Lock()
	r.mismatches++
	r.mu.Unlock()
}

func (r *recordingRecorder) ConsistencyWait(_ types.Scope, _ int, satisfied bool) {
	r.mu.Lock()
	r.waitResult = append(r.waitResult, satisfied)
	r.mu.Unlock()
}

func (r *recordingRecorder) mismatchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mismatches
}

func (r *recordingRecorder) waits() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.waitResult...)
}
