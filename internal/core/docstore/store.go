// Package docstore is a local document engine that speaks the same action
// bundle, metadata query and column listing contract as the remote document
// service.
//
// Each document is one SQLite file holding the service's metadata tables.
// An action bundle runs in one transaction, so it is applied all-or-nothing
// exactly as the service does. The CLI's local backend and the rule manager's
// integration tests run against it.
package docstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/qustavo/dotsql"

	"github.com/solatis/condfmt/internal/core/db"
	"github.com/solatis/condfmt/internal/types"
)

//go:embed queries/*.sql
var queriesFS embed.FS

// docExt is the file extension of local documents.
const docExt = ".grist"

// Store manages the documents under one data directory.
type Store struct {
	dir  string
	dot  *dotsql.DotSql
	mu   sync.Mutex
	docs map[string]*sqlx.DB
}

// Open prepares a store rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dot, err := db.LoadDotSQL(queriesFS, "queries")
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, dot: dot, docs: make(map[string]*sqlx.DB)}, nil
}

// Close closes every open document.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, doc := range s.docs {
		if err := doc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(s.docs, id)
	}
	return errors.Join(errs...)
}

// CreateDoc creates an empty document and returns its id.
func (s *Store) CreateDoc(ctx context.Context) (string, error) {
	id := types.NewDocID()
	if _, err := s.open(id, true); err != nil {
		return "", err
	}
	return id, nil
}

// Docs lists the ids of documents in the data directory.
func (s *Store) Docs() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+docExt))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), docExt))
	}
	return ids, nil
}

func (s *Store) open(docID string, create bool) (*sqlx.DB, error) {
	if !types.ValidDocID(docID) {
		return nil, fmt.Errorf("%w: invalid document id %q", types.ErrNotFound, docID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.docs[docID]; ok {
		return doc, nil
	}

	path := filepath.Join(s.dir, docID+docExt)
	if !create {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: document %q", types.ErrNotFound, docID)
			}
			return nil, err
		}
	}

	doc, err := db.OpenDocument(path)
	if err != nil {
		return nil, err
	}
	s.docs[docID] = doc
	return doc, nil
}

func (s *Store) query(name string) string {
	q, err := s.dot.Raw(name)
	if err != nil {
		// Query names are compile-time constants backed by the embedded file.
		panic(fmt.Sprintf("docstore: missing query %q", name))
	}
	return q
}

// AddTable is a convenience wrapper applying a single AddTable action.
func (s *Store) AddTable(ctx context.Context, docID, tableID string, colIDs ...string) error {
	cols := make([]any, len(colIDs))
	for i, id := range colIDs {
		cols[i] = map[string]any{"id": id}
	}
	_, err := s.ApplyActions(ctx, docID, []types.Action{{"AddTable", tableID, cols}})
	return err
}

// QuerySQL runs a read-only SELECT over document metadata.
func (s *Store) QuerySQL(ctx context.Context, docID, query string, args ...any) ([]types.Row, error) {
	if err := checkReadOnly(query); err != nil {
		return nil, err
	}
	doc, err := s.open(docID, false)
	if err != nil {
		return nil, err
	}

	rows, err := doc.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []types.Row
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, types.Row(row))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// checkReadOnly accepts a single SELECT (or WITH ... SELECT) statement.
func checkReadOnly(query string) error {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	if strings.Contains(q, ";") {
		return fmt.Errorf("only a single statement is allowed")
	}
	upper := strings.ToUpper(q)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("only SELECT statements are allowed")
	}
	return nil
}

// ListColumns lists every column of tableID, helper columns included.
func (s *Store) ListColumns(ctx context.Context, docID, tableID string) ([]types.Column, error) {
	doc, err := s.open(docID, false)
	if err != nil {
		return nil, err
	}

	var table tableRow
	if err := doc.GetContext(ctx, &table, s.query("get-table"), tableID); err != nil {
		return nil, tableLookupError(tableID, err)
	}

	var rows []struct {
		ID            int64  `db:"id"`
		ColID         string `db:"colId"`
		Type          string `db:"type"`
		Formula       string `db:"formula"`
		IsFormula     bool   `db:"isFormula"`
		WidgetOptions string `db:"widgetOptions"`
	}
	if err := doc.SelectContext(ctx, &rows, s.query("list-columns"), table.ID); err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}

	columns := make([]types.Column, len(rows))
	for i, r := range rows {
		columns[i] = types.Column{
			ID:            r.ColID,
			Ref:           r.ID,
			Type:          r.Type,
			Formula:       r.Formula,
			IsFormula:     r.IsFormula,
			WidgetOptions: r.WidgetOptions,
		}
	}
	return columns, nil
}
