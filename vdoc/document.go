package vdoc

import (
	"sort"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/docbase/docbase/engine"
)

// RevFlags describe a single revision.
type RevFlags uint8

// Revision flags.
const (
	RevDeleted RevFlags = 1 << iota
	RevLeaf
)

// Deleted reports whether the deleted flag is set.
func (f RevFlags) Deleted() bool { return f&RevDeleted != 0 }

// A Revision is one node of a document's revision tree.
type Revision struct {
	RevID  string   `msgpack:"r"`
	Parent int      `msgpack:"p"` // index into the tree, -1 for roots
	Flags  RevFlags `msgpack:"f"`
	Body   []byte   `msgpack:"b"`
}

// revTree is the stored form of a document's revisions.
type revTree struct {
	Current int        `msgpack:"c"` // index of the current revision
	Revs    []Revision `msgpack:"t"`
}

// A Document is a versioned document: a docID plus its revision tree. The
// selected revision is a cursor over the tree.
type Document struct {
	DocID    string
	Sequence engine.Sequence
	Flags    engine.Flags
	Exists   bool

	tree     revTree
	selected int
}

// Generation returns the decimal generation prefix of a revision ID. A
// malformed ID yields zero.
func Generation(revID string) uint64 {
	end := 0
	for end < len(revID) && revID[end] >= '0' && revID[end] <= '9' {
		end++
	}
	gen, _ := strconv.ParseUint(revID[:end], 10, 64)
	return gen
}

func decodeDocument(rec *engine.Record) (*Document, error) {
	doc := &Document{
		DocID:    string(rec.Key),
		Sequence: rec.Sequence,
		Flags:    rec.Flags,
		Exists:   rec.Exists,
		selected: -1,
	}
	if !rec.Exists {
		doc.tree.Current = -1
		return doc, nil
	}
	if err := msgpack.Unmarshal(rec.Body, &doc.tree); err != nil {
		return nil, engine.Wrap(engine.StatusCorrupt, err)
	}
	doc.selected = doc.tree.Current
	return doc, nil
}

func (doc *Document) encode() ([]byte, error) {
	return msgpack.Marshal(&doc.tree)
}

// CurrentRevID returns the document's current (winning) revision ID.
func (doc *Document) CurrentRevID() string {
	if doc.tree.Current < 0 {
		return ""
	}
	return doc.tree.Revs[doc.tree.Current].RevID
}

// SelectedRev returns the currently selected revision, or nil.
func (doc *Document) SelectedRev() *Revision {
	if doc.selected < 0 || doc.selected >= len(doc.tree.Revs) {
		return nil
	}
	return &doc.tree.Revs[doc.selected]
}

func (doc *Document) findRev(revID string) int {
	for i := range doc.tree.Revs {
		if doc.tree.Revs[i].RevID == revID {
			return i
		}
	}
	return -1
}

// SelectRevision selects the revision with the given ID. A missing revision
// returns an engine not-found error.
func (doc *Document) SelectRevision(revID string) error {
	i := doc.findRev(revID)
	if i < 0 {
		return engine.Errf(engine.StatusNotFound, "no revision %s of %s", revID, doc.DocID)
	}
	doc.selected = i
	return nil
}

// SelectParentRevision moves the selection to the parent of the selected
// revision. It reports whether a parent exists.
func (doc *Document) SelectParentRevision() bool {
	rev := doc.SelectedRev()
	if rev == nil || rev.Parent < 0 {
		return false
	}
	doc.selected = rev.Parent
	return true
}

// PossibleAncestorsOf returns revision IDs of this document that could be
// ancestors of revID: all revisions of a lower generation, newest first,
// capped at max.
func (doc *Document) PossibleAncestorsOf(revID string, max int) []string {
	gen := Generation(revID)
	var candidates []string
	for i := range doc.tree.Revs {
		if Generation(doc.tree.Revs[i].RevID) < gen {
			candidates = append(candidates, doc.tree.Revs[i].RevID)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		gi, gj := Generation(candidates[i]), Generation(candidates[j])
		if gi != gj {
			return gi > gj
		}
		return candidates[i] < candidates[j]
	})
	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

// History returns the selected revision's ancestor chain as revision IDs,
// selected revision first.
func (doc *Document) History() []string {
	var ids []string
	for i := doc.selected; i >= 0; i = doc.tree.Revs[i].Parent {
		ids = append(ids, doc.tree.Revs[i].RevID)
	}
	return ids
}

// insertHistory grafts a revision history (leaf first) onto the tree,
// returning the index of the leaf, or -1 when the leaf already existed.
func (doc *Document) insertHistory(history []string, flags RevFlags, body []byte) int {
	if len(history) == 0 {
		return -1
	}
	if doc.findRev(history[0]) >= 0 {
		return -1
	}

	// Find the deepest ancestor already present.
	known := len(history)
	for i := 1; i < len(history); i++ {
		if doc.findRev(history[i]) >= 0 {
			known = i
			break
		}
	}

	// Insert the missing chain bottom-up. The graft point stops being a
	// leaf.
	parent := -1
	if known < len(history) {
		parent = doc.findRev(history[known])
		if parent >= 0 {
			doc.tree.Revs[parent].Flags &^= RevLeaf
		}
	}
	for i := known - 1; i >= 1; i-- {
		doc.tree.Revs = append(doc.tree.Revs, Revision{
			RevID:  history[i],
			Parent: parent,
		})
		parent = len(doc.tree.Revs) - 1
	}
	doc.tree.Revs = append(doc.tree.Revs, Revision{
		RevID:  history[0],
		Parent: parent,
		Flags:  flags | RevLeaf,
		Body:   body,
	})
	leaf := len(doc.tree.Revs) - 1

	if parent >= 0 {
		doc.tree.Revs[parent].Flags &^= RevLeaf
	}
	doc.updateCurrent(leaf)
	return leaf
}

// updateCurrent keeps the winning revision. A rev that stopped being a leaf
// always loses; among leaves, a live one beats a deleted one, then the
// higher generation wins, then the higher revID.
func (doc *Document) updateCurrent(candidate int) {
	if doc.tree.Current < 0 || doc.tree.Revs[doc.tree.Current].Flags&RevLeaf == 0 {
		doc.tree.Current = candidate
		return
	}
	cur := doc.tree.Revs[doc.tree.Current]
	cand := doc.tree.Revs[candidate]

	if cur.Flags.Deleted() != cand.Flags.Deleted() {
		if cur.Flags.Deleted() {
			doc.tree.Current = candidate
		}
		return
	}
	cg, ng := Generation(cur.RevID), Generation(cand.RevID)
	if ng > cg || (ng == cg && strings.Compare(cand.RevID, cur.RevID) > 0) {
		doc.tree.Current = candidate
	}
}
