package query

import (
	"fmt"
	"strings"

	"github.com/bluele/gcache"

	"github.com/docbase/docbase/database"
	"github.com/docbase/docbase/engine"
	"github.com/docbase/docbase/log"
)

// optionalParamPrefix marks parameters that may stay unbound without a
// warning.
const optionalParamPrefix = "opt_"

// A Query wraps a compiled statement against a keystore.
type Query struct {
	ks       database.KeyStore
	compiled *Compiled
	stmt     engine.Statement

	// requiredParams is the parameter set minus optional ones; allParams
	// keeps the full set for bind-name validation.
	requiredParams map[string]struct{}
	allParams      map[string]struct{}

	matchedTextStmt engine.Statement
}

// New compiles selector against ks using compiler.
func New(ks database.KeyStore, compiler Compiler, selector string) (*Query, error) {
	log.Infof("query: compiling selector: %s", selector)
	compiled, err := compiler.Compile(selector, ks)
	if err != nil {
		return nil, err
	}
	return NewCompiled(ks, compiled)
}

// NewCompiled wraps an already compiled statement.
func NewCompiled(ks database.KeyStore, compiled *Compiled) (*Query, error) {
	db := ks.Database()

	q := &Query{
		ks:             ks,
		compiled:       compiled,
		requiredParams: make(map[string]struct{}),
		allParams:      make(map[string]struct{}),
	}
	for _, p := range compiled.Parameters {
		q.allParams[p] = struct{}{}
		if !strings.HasPrefix(p, optionalParamPrefix) {
			q.requiredParams[p] = struct{}{}
		}
	}

	for _, ftsTable := range compiled.FTSTables {
		ok, err := db.File().TableExists(ftsTable)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNoSuchIndex
		}
	}

	if compiled.UsesExpiration {
		if err := db.File().EnsureExpirationIndex(ks.Store()); err != nil {
			return nil, err
		}
	}

	log.Infof("query: compiled as %s", compiled.Statement)
	stmt, err := db.File().Prepare(compiled.Statement)
	if err != nil {
		return nil, err
	}
	q.stmt = stmt
	return q, nil
}

// KeyStore returns the originating keystore.
func (q *Query) KeyStore() database.KeyStore { return q.ks }

// Compiled returns the compiler output backing this query.
func (q *Query) Compiled() *Compiled { return q.compiled }

// ColumnTitles returns the result column titles.
func (q *Query) ColumnTitles() []string { return q.compiled.ColumnTitles }

// LastSequence returns the keystore's current high-water sequence.
func (q *Query) LastSequence() (engine.Sequence, error) {
	return q.ks.LastSequence()
}

// Close releases the compiled statement.
func (q *Query) Close() error {
	if q.matchedTextStmt != nil {
		_ = q.matchedTextStmt.Close()
		q.matchedTextStmt = nil
	}
	if q.stmt == nil {
		return nil
	}
	stmt := q.stmt
	q.stmt = nil
	return stmt.Close()
}

// GetMatchedText looks up the original matched text of a full-text term.
// An unknown row is not an error; it logs a warning and returns nil.
func (q *Query) GetMatchedText(term FullTextTerm) ([]byte, error) {
	if len(q.compiled.FTSTables) == 0 {
		return nil, ErrNoSuchIndex
	}
	ftsTable := q.compiled.FTSTables[0]

	if q.matchedTextStmt == nil {
		stmt, err := q.ks.Database().File().Prepare(
			fmt.Sprintf(`SELECT * FROM "%s" WHERE docid=?`, ftsTable))
		if err != nil {
			return nil, err
		}
		q.matchedTextStmt = stmt
	}

	rows, err := q.matchedTextStmt.Run([]engine.NamedArg{
		{Value: int64(term.DataSource)},
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ok, err := rows.Step()
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Warningf("query: FTS index %s has no row for docid %d", ftsTable, term.DataSource)
		return nil, nil
	}

	col := rows.Column(int(term.KeyIndex))
	switch col.Type {
	case engine.ColumnText:
		return []byte(col.Text), nil
	case engine.ColumnBlob:
		return col.Blob, nil
	default:
		return nil, nil
	}
}

// Explain returns the statement text, the engine's query plan and the
// original selector.
func (q *Query) Explain() (string, error) {
	var b strings.Builder
	b.WriteString(q.compiled.Statement)
	b.WriteString("\n\n")

	plan, err := q.ks.Database().File().QueryPlan(q.compiled.Statement)
	if err != nil {
		return "", err
	}
	for _, row := range plan {
		fmt.Fprintf(&b, "%d|%d|%d| %s\n", row.ID, row.Parent, row.Aux, row.Detail)
	}

	b.WriteString("\n")
	b.WriteString(q.compiled.Selector)
	b.WriteString("\n")
	return b.String(), nil
}

// Options control enumerator creation.
type Options struct {
	// ParamBindings is either a brace-wrapped JSON object or an encoded
	// binary document mapping parameter names to values.
	ParamBindings []byte
	// OneShot enumerators hold the live statement and must drain before a
	// writer may proceed.
	OneShot bool
}

// CreateEnumerator executes the query and returns an enumerator over its
// results.
func (q *Query) CreateEnumerator(opts *Options) (*Enumerator, error) {
	return q.createEnumerator(opts, 0)
}

// createEnumerator returns nil when lastSeq is nonzero and the keystore has
// not changed since, meaning the caller's results are already up to date.
func (q *Query) createEnumerator(opts *Options, lastSeq engine.Sequence) (*Enumerator, error) {
	// The read-only transaction keeps lastSequence consistent with the
	// query's result snapshot.
	t, err := q.ks.Database().BeginReadOnlyTransaction()
	if err != nil {
		return nil, err
	}
	defer func() { _ = t.End() }()

	curSeq, err := q.ks.LastSequence()
	if err != nil {
		return nil, err
	}
	if lastSeq > 0 && lastSeq == curSeq {
		return nil, nil
	}
	return newEnumerator(q, opts, curSeq)
}

// A Cache memoizes compiled queries by selector text.
type Cache struct {
	ks       database.KeyStore
	compiler Compiler
	lru      gcache.Cache
}

// NewCache creates a compiled-query cache of the given capacity.
func NewCache(ks database.KeyStore, compiler Compiler, size int) *Cache {
	c := &Cache{ks: ks, compiler: compiler}
	c.lru = gcache.New(size).LRU().
		EvictedFunc(func(_, value interface{}) {
			_ = value.(*Query).Close()
		}).
		Build()
	return c
}

// Get returns the cached query for selector, compiling it on a miss.
func (c *Cache) Get(selector string) (*Query, error) {
	if cached, err := c.lru.Get(selector); err == nil {
		return cached.(*Query), nil
	}
	q, err := New(c.ks, c.compiler, selector)
	if err != nil {
		return nil, err
	}
	_ = c.lru.Set(selector, q)
	return q, nil
}
