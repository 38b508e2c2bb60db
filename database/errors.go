package database

import (
	"errors"
)

// Errors.
var (
	ErrNotFound = errors.New("database: entry could not be found")
	ErrReadOnly = errors.New("database: database is read only")
	ErrDeleted  = errors.New("database: database has been deleted")
)
