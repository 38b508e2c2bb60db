package engine

// SortOption controls enumeration order.
type SortOption int

// Enumeration orders.
const (
	SortAscending SortOption = iota
	SortDescending
	SortUnsorted
)

// EnumeratorOptions control record enumeration.
type EnumeratorOptions struct {
	Sort           SortOption
	IncludeDeleted bool
	MetaOnly       bool
}

// An Enumerator walks records of a store in key or sequence order.
type Enumerator interface {
	// Next advances to the next record. It returns false at the end.
	Next() (bool, error)
	// Key returns the current record's key.
	Key() []byte
	// Sequence returns the current record's sequence.
	Sequence() Sequence
	// Read fills rec with the current record.
	Read(rec *Record) error
	// Close releases the enumerator.
	Close() error
}

// A Store is a low-level handle to a named keystore within a data file.
type Store interface {
	Name() string
	Close() error

	Count() (uint64, error)
	LastSequence() (Sequence, error)
	NextExpiration() (int64, error)

	// ShareSequencesWith makes this store draw sequences from other's
	// generator, so sequences are unique across both.
	ShareSequencesWith(other Store) error

	// Get reads the record stored under key. A missing record is reported
	// through Record.Exists, not an error. With metaOnly, the body is not
	// loaded.
	Get(key []byte, metaOnly bool) (Record, error)

	// Set stores rec, assigning and returning a new sequence.
	Set(rec *Record) (Sequence, error)

	// SetReplacing stores rec only if the current stored sequence equals
	// replacing (0 = record must not exist). It returns 0 on a mismatch.
	// With newSequence false the record keeps its sequence.
	SetReplacing(rec *Record, replacing Sequence, newSequence bool) (Sequence, error)

	// Delete removes the record under key. With a non-nil precondition, the
	// stored sequence must match. Returns whether a record was removed.
	Delete(key []byte, replacing *Sequence) (bool, error)

	// NewEnumerator enumerates records by key, or by sequence starting
	// strictly after since.
	NewEnumerator(bySequence bool, since Sequence, opts EnumeratorOptions) (Enumerator, error)
}

// ColumnType describes a statement result column value.
type ColumnType int

// Column types.
const (
	ColumnNull ColumnType = iota
	ColumnInteger
	ColumnFloat
	ColumnText
	ColumnBlob
)

// Column is one result column value of a statement row.
type Column struct {
	Type  ColumnType
	Int   int64
	Float float64
	Text  string
	Blob  []byte
}

// NamedArg is a named statement parameter binding.
type NamedArg struct {
	Name  string
	Value interface{}
}

// Rows is a running statement producing result rows.
type Rows interface {
	// Step advances to the next result row, returning false at the end.
	Step() (bool, error)
	ColumnCount() int
	Column(i int) Column
	Close() error
}

// A Statement is a compiled query statement.
type Statement interface {
	Text() string
	ColumnCount() int
	// Run executes the statement with the given bindings.
	Run(args []NamedArg) (Rows, error)
	Close() error
}

// PlanRow is one row of an engine query plan.
type PlanRow struct {
	ID     int
	Parent int
	Aux    int
	Detail string
}

// FileInfo describes an open data file.
type FileInfo struct {
	Filename string
	FileSize int64
}

// LogCallback receives engine log messages. The handle identifies the
// reporting file handle for correlation.
type LogCallback func(status Status, message string, handle interface{})

// ReadTx is a read snapshot against a data file.
type ReadTx interface {
	// End closes the read snapshot.
	End() error
}

// A DataFile is an open engine file holding named keystores.
type DataFile interface {
	Filename() string
	ReadOnly() bool
	Info() (FileInfo, error)
	SetLogCallback(cb LogCallback)

	OpenStore(name string) (Store, error)
	RemoveStore(name string) error

	// Begin starts the underlying writer transaction at read-committed
	// isolation. Commit and Abort end it.
	Begin() error
	Commit() error
	Abort() error

	// BeginRead opens a read snapshot.
	BeginRead() (ReadTx, error)

	// Prepare compiles a statement. Statements run against the file's
	// current committed state.
	Prepare(text string) (Statement, error)
	// TableExists reports whether an auxiliary table (e.g. an FTS table)
	// exists in the file.
	TableExists(name string) (bool, error)
	// QueryPlan explains a statement.
	QueryPlan(text string) ([]PlanRow, error)
	// EnsureExpirationIndex creates the expiration index for a store if it
	// is missing.
	EnsureExpirationIndex(store Store) error

	// Flush persists committed state to durable storage.
	Flush() error
	Compact() error
	CopyToFile(dstPath string, encryptionKey []byte) error
	Close() error
}

// DefaultStoreName is the name of a data file's default keystore.
const DefaultStoreName = "default"
