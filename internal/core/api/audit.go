package api

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/solatis/condfmt/internal/types"
)

// AuditQueries is the subset of *db.Queries the audit trail needs.
type AuditQueries interface {
	ExecContext(ctx context.Context, name string, args ...interface{}) (sql.Result, error)
	SelectContext(ctx context.Context, name string, dest interface{}, args ...interface{}) error
}

// AuditEntry is one recorded rule operation.
type AuditEntry struct {
	RequestID  string    `db:"request_id" json:"requestId"`
	Principal  string    `db:"principal" json:"principal"`
	DocID      string    `db:"doc_id" json:"docId"`
	TableID    string    `db:"table_id" json:"tableId"`
	Scope      string    `db:"scope" json:"scope"`
	Operation  string    `db:"operation" json:"operation"`
	RuleIndex  *int64    `db:"rule_index" json:"ruleIndex,omitempty"`
	Outcome    string    `db:"outcome" json:"outcome"`
	Error      string    `db:"error" json:"error,omitempty"`
	TotalRules int       `db:"total_rules" json:"totalRules"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// AuditLog writes and reads the rule_audit table of the control database.
type AuditLog struct {
	queries AuditQueries
}

// NewAuditLog creates an audit log over queries.
func NewAuditLog(queries AuditQueries) *AuditLog {
	return &AuditLog{queries: queries}
}

// Record stores entry. RequestID and CreatedAt are filled when empty.
func (l *AuditLog) Record(ctx context.Context, entry AuditEntry) error {
	if entry.RequestID == "" {
		entry.RequestID = types.NewRequestID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var ruleIndex interface{}
	if entry.RuleIndex != nil {
		ruleIndex = *entry.RuleIndex
	}
	_, err := l.queries.ExecContext(ctx, "insert-rule-audit",
		entry.RequestID, entry.Principal, entry.DocID, entry.TableID, entry.Scope,
		entry.Operation, ruleIndex, entry.Outcome, entry.Error, entry.TotalRules, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// List returns the newest entries for docID, at most limit.
func (l *AuditLog) List(ctx context.Context, docID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []AuditEntry
	if err := l.queries.SelectContext(ctx, "list-rule-audit", &entries, docID, limit); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
