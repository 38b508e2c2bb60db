package query

import (
	"bytes"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/tevino/abool"

	"github.com/docbase/docbase/engine"
	"github.com/docbase/docbase/formats/bindoc"
	"github.com/docbase/docbase/log"
)

// Number of rows to record per page.
const kPageSize = 50

var rowsRecorded = metrics.NewCounter("docbase_query_rows_recorded_total")

// A FullTextTerm locates one matched term of a full-text result row.
type FullTextTerm struct {
	// DataSource is the FTS rowid the term was found in.
	DataSource uint64
	// KeyIndex is the index of the matched key (text column).
	KeyIndex uint32
	// TermIndex is the index of the matched term in the query.
	TermIndex uint32
	// Start and Length locate the match in the source text, in bytes.
	Start  uint32
	Length uint32
}

// An Enumerator executes a compiled statement and iterates its result rows.
// Rows are recorded into self-contained pages; a one-shot enumerator keeps
// the statement open and registers as a pre-transaction observer so it can
// drain before a writer proceeds.
type Enumerator struct {
	query        *Query
	options      Options
	lastSequence engine.Sequence

	rows  engine.Rows
	nCols int

	enc      *bindoc.Encoder
	rowCount int64
	curRow   int64

	cur, next, old *playback

	unbound   map[string]struct{}
	observing *abool.AtomicBool
}

func newEnumerator(q *Query, opts *Options, lastSequence engine.Sequence) (*Enumerator, error) {
	e := &Enumerator{
		query:        q,
		lastSequence: lastSequence,
		curRow:       -1,
		observing:    abool.New(),
	}
	if opts != nil {
		e.options = *opts
	}

	args, err := e.bindParameters(e.options.ParamBindings)
	if err != nil {
		return nil, err
	}
	if len(e.unbound) > 0 {
		var names []string
		for p := range e.unbound {
			names = append(names, "$"+p)
		}
		sort.Strings(names)
		log.Warningf("query: parameters left unbound and will be MISSING: %s",
			strings.Join(names, " "))
	}

	rows, err := q.stmt.Run(args)
	if err != nil {
		return nil, err
	}
	e.rows = rows
	e.nCols = rows.ColumnCount()

	// The result encoder gets its own shared keys, because result rows may
	// carry keys that are not in the database's document keys table.
	e.enc = bindoc.NewEncoder()
	e.enc.SetSharedKeys(bindoc.NewSharedKeys())

	if e.options.OneShot {
		// Observe transactions starting, so the remaining result rows are
		// read before the database changes underneath.
		q.ks.Database().FileState().AddPreTransactionObserver(e)
		e.observing.Set()
	} else {
		if err := e.fastForward(); err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	return e, nil
}

// bindParameters parses the caller's bindings and produces the statement
// argument list. Every known parameter is present in the list; unbound ones
// bind NULL and surface as MISSING.
func (e *Enumerator) bindParameters(bindings []byte) ([]engine.NamedArg, error) {
	e.unbound = make(map[string]struct{}, len(e.query.requiredParams))
	for p := range e.query.requiredParams {
		e.unbound[p] = struct{}{}
	}

	bound := make(map[string]interface{})
	if len(bindings) > 0 {
		var doc *bindoc.Doc
		var err error
		trimmed := bytes.TrimSpace(bindings)
		if len(trimmed) >= 2 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}' {
			doc, err = bindoc.ConvertJSON(trimmed, nil)
		} else {
			doc, err = bindoc.FromData(bindings, nil)
		}
		if err != nil {
			return nil, ErrInvalidParameter
		}
		root := doc.Root()
		if root.Type != bindoc.TypeMap {
			return nil, ErrInvalidParameter
		}

		for _, entry := range root.Map() {
			if _, known := e.query.allParams[entry.Key]; !known {
				return nil, &InvalidQueryParamError{Name: entry.Key}
			}
			delete(e.unbound, entry.Key)

			val := entry.Value
			switch val.Type {
			case bindoc.TypeNull:
				// Leave unbound; it will be MISSING in results.
			case bindoc.TypeBool:
				n := int64(0)
				if val.Bool() {
					n = 1
				}
				bound[entry.Key] = n
			case bindoc.TypeInt:
				bound[entry.Key] = val.Int()
			case bindoc.TypeUInt, bindoc.TypeFloat:
				bound[entry.Key] = val.Float()
			case bindoc.TypeString:
				bound[entry.Key] = val.String()
			default:
				// Encode other types as a binary document blob.
				enc := bindoc.NewEncoder()
				if err := enc.WriteValue(val); err != nil {
					return nil, err
				}
				blob, err := enc.FinishDoc()
				if err != nil {
					return nil, err
				}
				bound[entry.Key] = blob.Data()
			}
		}
	}

	args := make([]engine.NamedArg, 0, len(e.query.allParams))
	for p := range e.query.allParams {
		args = append(args, engine.NamedArg{Name: "_" + p, Value: bound[p]})
	}
	return args, nil
}

// LastSequence returns the sequence snapshot the results are consistent
// with.
func (e *Enumerator) LastSequence() engine.Sequence { return e.lastSequence }

func (e *Enumerator) endObserving() {
	if e.observing.IsSet() {
		e.observing.UnSet()
		e.query.ks.Database().FileState().RemovePreTransactionObserver(e)
	}
}

// PreTransaction drains the remaining rows before a writer proceeds.
func (e *Enumerator) PreTransaction() {
	e.observing.UnSet()
	if err := e.fastForward(); err != nil {
		log.Errorf("query: fast-forward before transaction failed: %s", err)
	}
}

func (e *Enumerator) stepStatement() (bool, error) {
	if e.rows == nil {
		return false, nil
	}
	ok, err := e.rows.Step()
	if err != nil {
		return false, err
	}
	if ok {
		e.rowCount++
		return true, nil
	}
	// End of the result set: the statement is released for good.
	_ = e.rows.Close()
	e.rows = nil
	e.endObserving()
	return false, nil
}

// Next advances to the next result row, returning false at the end.
func (e *Enumerator) Next() (bool, error) {
	switch {
	case e.cur != nil && e.cur.next():
	case e.next != nil:
		e.cur = e.next
		e.next = nil
	default:
		if !e.options.OneShot {
			e.old = e.cur // kept for refresh comparison
		}
		page, err := e.recordRows(kPageSize)
		if err != nil {
			return false, err
		}
		e.cur = page
	}

	if e.cur == nil {
		return false, nil
	}
	e.curRow++
	return true, nil
}

// Columns returns the current row's user-visible column values.
func (e *Enumerator) Columns() []*bindoc.Value {
	return e.cur.columns()
}

// MissingColumns returns the current row's missing-column bitmap: bit i is
// set when column i was reported NULL by the engine.
func (e *Enumerator) MissingColumns() uint64 {
	return e.cur.missingColumns()
}

// HasFullText reports whether the query uses full-text matching.
func (e *Enumerator) HasFullText() bool {
	return len(e.query.compiled.FTSTables) > 0
}

// FullTextTerms parses the current row's FTS offsets column: groups of four
// whitespace-separated integers per matched term.
func (e *Enumerator) FullTextTerms() []FullTextTerm {
	raw := e.cur.rawColumns()
	if len(raw) <= ftsOffsetsCol {
		return nil
	}
	dataSource := raw[ftsRowidCol].UInt()
	fields := strings.Fields(raw[ftsOffsetsCol].String())

	var terms []FullTextTerm
	for i := 0; i+3 < len(fields); i += 4 {
		var n [4]uint32
		ok := true
		for j := 0; j < 4; j++ {
			v, err := strconv.ParseUint(fields[i+j], 10, 32)
			if err != nil {
				ok = false
				break
			}
			n[j] = uint32(v)
		}
		if !ok {
			break
		}
		terms = append(terms, FullTextTerm{
			DataSource: dataSource,
			KeyIndex:   n[0],
			TermIndex:  n[1],
			Start:      n[2],
			Length:     n[3],
		})
	}
	return terms
}

// RowCount fast-forwards to the end and returns the total number of rows.
func (e *Enumerator) RowCount() (int64, error) {
	if err := e.fastForward(); err != nil {
		return 0, err
	}
	return e.rowCount, nil
}

// Seek positions the enumerator on an absolute row index.
func (e *Enumerator) Seek(rowIndex int64) error {
	if rowIndex == e.curRow {
		return nil
	}
	if e.cur != nil && e.cur.seek(rowIndex) {
		e.curRow = rowIndex
		return nil
	}

	if rowIndex < e.curRow {
		// Seeking back across the page boundary is only legal to just
		// before the current page's first row.
		if e.cur != nil && rowIndex+1 == e.cur.firstRow {
			e.cur.seek(e.cur.firstRow)
			e.next = e.cur
			e.cur = nil
		} else {
			return ErrUnsupported
		}
	} else {
		// Seek forward past the end of the current page.
		if e.next != nil {
			// If there's a prerecorded next page, it must have the row.
			if !e.next.seek(rowIndex) {
				return ErrInvalidParameter
			}
			e.cur = e.next
			e.next = nil
		} else {
			e.cur = nil
			for e.rowCount < rowIndex {
				ok, err := e.stepStatement()
				if err != nil {
					return err
				}
				if !ok {
					return ErrInvalidParameter
				}
			}
			page, err := e.recordRows(kPageSize)
			if err != nil {
				return err
			}
			if page == nil {
				return ErrInvalidParameter
			}
			e.cur = page
		}
	}
	e.curRow = rowIndex
	return nil
}

// Refresh re-executes the query with the same options. It returns nil when
// the results are unchanged, or a fresh enumerator when they differ.
func (e *Enumerator) Refresh() (*Enumerator, error) {
	if e.options.OneShot {
		return nil, ErrUnsupported
	}
	newEnum, err := e.query.createEnumerator(&e.options, e.lastSequence)
	if err != nil {
		return nil, err
	}
	if newEnum == nil {
		return nil, nil
	}
	if e.hasEqualContents(newEnum) {
		// Same results under a newer snapshot; adopt it and keep these
		// pages.
		e.lastSequence = newEnum.lastSequence
		_ = newEnum.Close()
		return nil, nil
	}
	return newEnum, nil
}

func (e *Enumerator) hasEqualContents(other *Enumerator) bool {
	p1 := e.cur
	if p1 == nil {
		p1 = e.next
	}
	if p1 == nil {
		p1 = e.old
	}
	p2 := other.cur
	if p2 == nil {
		p2 = other.next
	}
	if p1 == nil || p2 == nil {
		return p1 == p2
	}
	return p1.hasEqualContents(p2)
}

// recordRows records up to maxRows rows into a fresh page. It returns nil
// when the statement is exhausted.
func (e *Enumerator) recordRows(maxRows int64) (*playback, error) {
	if e.rows == nil {
		return nil, nil
	}
	firstRow := e.rowCount

	e.enc.BeginArray(0)
	var numRows int64
	for numRows = 0; numRows < maxRows; numRows++ {
		ok, err := e.stepStatement()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := e.encodeRow(); err != nil {
			return nil, err
		}
	}
	if err := e.enc.EndArray(); err != nil {
		return nil, err
	}
	page, err := e.enc.FinishDoc()
	if err != nil {
		return nil, err
	}
	if numRows == 0 {
		return nil, nil
	}
	rowsRecorded.Add(int(numRows))
	log.Debugf("query: recorded %d rows (%d bytes)", numRows, len(page.Data()))
	return newPlayback(e.query, page, firstRow), nil
}

// fastForward drains all remaining rows into a single page.
func (e *Enumerator) fastForward() error {
	if e.rows == nil {
		return nil
	}
	if e.next != nil {
		panic("query: fast-forward with a prerecorded page")
	}
	page, err := e.recordRows(math.MaxInt64)
	if err != nil {
		return err
	}
	e.next = page
	return nil
}

func (e *Enumerator) encodeRow() error {
	var missingCols uint64
	e.enc.BeginArray(e.nCols)
	for i := 0; i < e.nCols; i++ {
		present, err := e.encodeColumn(i)
		if err != nil {
			return err
		}
		if !present && i < 64 {
			missingCols |= 1 << uint(i)
		}
	}
	if err := e.enc.EndArray(); err != nil {
		return err
	}
	// A bitmap of which columns are missing/undefined follows each row.
	return e.enc.WriteUInt(missingCols)
}

func (e *Enumerator) encodeColumn(i int) (bool, error) {
	col := e.rows.Column(i)
	switch col.Type {
	case engine.ColumnNull:
		return false, e.enc.WriteNull()
	case engine.ColumnInteger:
		return true, e.enc.WriteInt(col.Int)
	case engine.ColumnFloat:
		return true, e.enc.WriteDouble(col.Float)
	case engine.ColumnBlob:
		if i >= e.query.compiled.FirstCustomColumn {
			// Custom columns hold encoded documents under the database's
			// document keys; re-encode them into the result.
			doc, err := bindoc.FromData(col.Blob, e.query.ks.Database().DocumentKeys())
			if err != nil {
				return false, ErrCorruptData
			}
			return true, e.enc.WriteValue(doc.Root())
		}
		return true, e.enc.WriteString(string(col.Blob))
	default:
		return true, e.enc.WriteString(col.Text)
	}
}

// Close releases the enumerator and its statement.
func (e *Enumerator) Close() error {
	e.endObserving()
	if e.rows != nil {
		_ = e.rows.Close()
		e.rows = nil
	}
	e.cur, e.next, e.old = nil, nil, nil
	return nil
}
