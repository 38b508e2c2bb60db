package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/docbase/docbase/engine"
)

// Prepare compiles a statement against the file.
func (df *DataFile) Prepare(text string) (engine.Statement, error) {
	stmt, err := df.db.Prepare(text)
	if err != nil {
		return nil, engine.Wrap(engine.StatusInvalidConfig, err)
	}
	return &statement{df: df, stmt: stmt, text: text}, nil
}

// TableExists reports whether a table or view with the given name exists.
func (df *DataFile) TableExists(name string) (bool, error) {
	var found string
	err := df.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?`,
		name).Scan(&found)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, engine.Wrap(engine.StatusIOError, err)
	}
	return true, nil
}

// QueryPlan explains a statement.
func (df *DataFile) QueryPlan(text string) ([]engine.PlanRow, error) {
	rows, err := df.db.Query(`EXPLAIN QUERY PLAN ` + text)
	if err != nil {
		return nil, engine.Wrap(engine.StatusInvalidConfig, err)
	}
	defer func() { _ = rows.Close() }()

	var plan []engine.PlanRow
	for rows.Next() {
		var row engine.PlanRow
		if err := rows.Scan(&row.ID, &row.Parent, &row.Aux, &row.Detail); err != nil {
			return nil, engine.Wrap(engine.StatusCorrupt, err)
		}
		plan = append(plan, row)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.Wrap(engine.StatusIOError, err)
	}
	return plan, nil
}

// EnsureExpirationIndex creates the expiration index for a store if missing.
func (df *DataFile) EnsureExpirationIndex(store engine.Store) error {
	s, ok := store.(*Store)
	if !ok {
		return engine.Errf(engine.StatusInvalidConfig, "foreign store handle")
	}
	_, err := df.db.Exec(fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_by_exp ON %s (expiration) WHERE expiration > 0`,
		s.table(), s.table()))
	if err != nil {
		return engine.Wrap(engine.StatusIOError, err)
	}
	return nil
}

// statement is a compiled sqlite statement.
type statement struct {
	df   *DataFile
	stmt *sql.Stmt
	text string
}

func (s *statement) Text() string { return s.text }

// ColumnCount is unknown before the first run; callers take the count from
// Rows.
func (s *statement) ColumnCount() int { return 0 }

func (s *statement) Run(args []engine.NamedArg) (engine.Rows, error) {
	named := make([]interface{}, 0, len(args))
	for _, a := range args {
		if a.Name == "" {
			named = append(named, a.Value)
		} else {
			named = append(named, sql.Named(a.Name, a.Value))
		}
	}
	rows, err := s.stmt.Query(named...)
	if err != nil {
		return nil, engine.Wrap(engine.StatusInvalidConfig, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, engine.Wrap(engine.StatusIOError, err)
	}
	return &stmtRows{rows: rows, ncols: len(cols)}, nil
}

func (s *statement) Close() error {
	return s.stmt.Close()
}

// stmtRows adapts sql.Rows to the engine row surface.
type stmtRows struct {
	rows  *sql.Rows
	ncols int
	cur   []interface{}
	done  bool
}

func (r *stmtRows) Step() (bool, error) {
	if r.done {
		return false, nil
	}
	if !r.rows.Next() {
		r.done = true
		if err := r.rows.Err(); err != nil {
			return false, engine.Wrap(engine.StatusIOError, err)
		}
		return false, nil
	}

	r.cur = make([]interface{}, r.ncols)
	ptrs := make([]interface{}, r.ncols)
	for i := range r.cur {
		ptrs[i] = &r.cur[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return false, engine.Wrap(engine.StatusCorrupt, err)
	}
	return true, nil
}

func (r *stmtRows) ColumnCount() int { return r.ncols }

func (r *stmtRows) Column(i int) engine.Column {
	if i < 0 || i >= len(r.cur) {
		return engine.Column{Type: engine.ColumnNull}
	}
	switch v := r.cur[i].(type) {
	case nil:
		return engine.Column{Type: engine.ColumnNull}
	case int64:
		return engine.Column{Type: engine.ColumnInteger, Int: v}
	case bool:
		n := int64(0)
		if v {
			n = 1
		}
		return engine.Column{Type: engine.ColumnInteger, Int: n}
	case float64:
		return engine.Column{Type: engine.ColumnFloat, Float: v}
	case string:
		return engine.Column{Type: engine.ColumnText, Text: v}
	case []byte:
		return engine.Column{Type: engine.ColumnBlob, Blob: v}
	case time.Time:
		return engine.Column{Type: engine.ColumnText, Text: v.Format(time.RFC3339Nano)}
	default:
		return engine.Column{Type: engine.ColumnText, Text: fmt.Sprint(v)}
	}
}

func (r *stmtRows) Close() error {
	r.done = true
	return r.rows.Close()
}
