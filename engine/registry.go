package engine

import (
	"errors"
	"sync"
)

// Config holds the options a data file is opened with.
type Config struct {
	ReadOnly      bool
	EncryptionKey []byte
}

// A Backend provides an engine implementation.
type Backend struct {
	// Open opens or creates the data file at path.
	Open func(path string, cfg Config) (DataFile, error)
	// Destroy removes the data file at path. The file must be closed.
	Destroy func(path string, cfg Config) error
	// RegisterEncryptionKey registers the key to use when the engine
	// internally (re)opens the file at path.
	RegisterEncryptionKey func(path string, key []byte)
}

var (
	backends     = make(map[string]*Backend)
	backendsLock sync.Mutex
)

// Register registers an engine backend under a name.
func Register(name string, backend *Backend) error {
	backendsLock.Lock()
	defer backendsLock.Unlock()

	_, ok := backends[name]
	if ok {
		return errors.New("engine: backend with this name already exists")
	}
	backends[name] = backend
	return nil
}

// GetBackend returns the backend registered under name.
func GetBackend(name string) (*Backend, error) {
	backendsLock.Lock()
	defer backendsLock.Unlock()

	backend, ok := backends[name]
	if !ok {
		return nil, Errf(StatusInvalidConfig, "no engine backend named %q", name)
	}
	return backend, nil
}
