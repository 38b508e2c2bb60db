package engine

// Sequence is the monotonically-increasing identifier assigned to each stored
// record by its store's sequence generator. Stores that share a generator
// (ShareSequencesWith) never hand out the same sequence; stores with separate
// generators can, so a sequence is not unique across the whole file.
type Sequence uint64

// Flags is the record flag bitset.
type Flags uint8

// Record flags.
const (
	FlagDeleted Flags = 1 << iota
	FlagConflicted
	FlagHasAttachments
)

// Deleted reports whether the deleted flag is set.
func (f Flags) Deleted() bool { return f&FlagDeleted != 0 }

// A Record is the logical tuple stored in a keystore.
type Record struct {
	Key        []byte
	Version    []byte
	Body       []byte
	Flags      Flags
	Sequence   Sequence
	Expiration int64

	// Exists reports whether the record was present when read.
	Exists bool
}
