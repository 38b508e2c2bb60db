package query

import (
	"github.com/docbase/docbase/database"
)

// Compiled is the output of a structured query compiler: everything the
// query layer needs to run a selector against the engine.
type Compiled struct {
	// Selector is the original structured selector text.
	Selector string
	// Statement is the compiled statement text.
	Statement string
	// Parameters are the bindable parameter names, without the "_" statement
	// prefix; optional ones keep their "opt_" prefix.
	Parameters []string
	// FTSTables are the full-text tables the statement reads.
	FTSTables []string
	// ColumnTitles are the result column titles.
	ColumnTitles []string
	// FirstCustomColumn is the index of the first user-visible column.
	FirstCustomColumn int
	// UsesExpiration reports whether the statement reads expirations.
	UsesExpiration bool
}

// A Compiler translates a structured selector into a Compiled statement for
// a keystore.
type Compiler interface {
	Compile(selector string, ks database.KeyStore) (*Compiled, error)
}
