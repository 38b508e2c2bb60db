package query

import (
	"bytes"

	"github.com/docbase/docbase/formats/bindoc"
)

// Implicit columns in a full-text query result.
const (
	ftsRowidCol   = 0
	ftsOffsetsCol = 1
)

// A playback reads prerecorded result rows from a page document. The page
// holds an array of 2N entries: per row, a columns array followed by the
// missing-columns bitmap.
type playback struct {
	query    *Query
	page     *bindoc.Doc
	entries  []*bindoc.Value
	pos      int
	firstRow int64
}

func newPlayback(query *Query, page *bindoc.Doc, firstRow int64) *playback {
	return &playback{
		query:    query,
		page:     page,
		entries:  page.Root().Array(),
		firstRow: firstRow,
	}
}

func (p *playback) numRows() int64 {
	return int64(len(p.entries) / 2)
}

func (p *playback) hasEqualContents(other *playback) bool {
	return bytes.Equal(p.page.Data(), other.page.Data())
}

// seek positions the playback on the absolute rowIndex, if this page covers
// it.
func (p *playback) seek(rowIndex int64) bool {
	rel := rowIndex - p.firstRow
	if rel < 0 || rel >= p.numRows() {
		return false
	}
	p.pos = int(rel)
	return true
}

func (p *playback) next() bool {
	if int64(p.pos)+1 >= p.numRows() {
		return false
	}
	p.pos++
	return true
}

// columns returns the current row's column values, starting at the first
// user-visible column.
func (p *playback) columns() []*bindoc.Value {
	cols := p.entries[p.pos*2].Array()
	first := p.query.compiled.FirstCustomColumn
	if first > len(cols) {
		first = len(cols)
	}
	return cols[first:]
}

// rawColumns returns the current row's column values without skipping the
// implicit columns.
func (p *playback) rawColumns() []*bindoc.Value {
	return p.entries[p.pos*2].Array()
}

func (p *playback) missingColumns() uint64 {
	return p.entries[p.pos*2+1].UInt()
}
