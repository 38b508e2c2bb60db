package database

import (
	"path/filepath"
	"sync"
)

// A PreTransactionObserver is notified synchronously before a writer
// transaction begins on a file. Observers are one-shot: firing removes
// them, so an observer that wants the next transaction too must register
// again. They must be safe to call from the writer's goroutine.
type PreTransactionObserver interface {
	PreTransaction()
}

// FileState is the process-wide coordination object for one file path. All
// Databases open on the same path share a FileState, so the writer slot is
// held by at most one transaction per file across the whole process.
type FileState struct {
	mu     sync.Mutex
	cond   *sync.Cond
	writer *Transaction

	observersLock sync.Mutex
	observers     []PreTransactionObserver
}

func newFileState() *FileState {
	fs := &FileState{}
	fs.cond = sync.NewCond(&fs.mu)
	return fs
}

// AddPreTransactionObserver registers obs to be fired before the next writer
// transaction begins.
func (fs *FileState) AddPreTransactionObserver(obs PreTransactionObserver) {
	fs.observersLock.Lock()
	defer fs.observersLock.Unlock()

	fs.observers = append(fs.observers, obs)
}

// RemovePreTransactionObserver unregisters obs.
func (fs *FileState) RemovePreTransactionObserver(obs PreTransactionObserver) {
	fs.observersLock.Lock()
	defer fs.observersLock.Unlock()

	for i, o := range fs.observers {
		if o == obs {
			fs.observers = append(fs.observers[:i], fs.observers[i+1:]...)
			return
		}
	}
}

func (fs *FileState) firePreTransactionObservers() {
	// Fire-and-remove: observers fire once, otherwise every drained
	// enumerator would be retained here for the life of the process.
	fs.observersLock.Lock()
	observers := fs.observers
	fs.observers = nil
	fs.observersLock.Unlock()

	for _, obs := range observers {
		obs.PreTransaction()
	}
}

// The file registry maps canonicalized paths to their FileState. FileStates
// live for the rest of the process once created.
var (
	fileStates     = make(map[string]*FileState)
	fileStatesLock sync.Mutex
)

func fileStateForPath(path string) *FileState {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	fileStatesLock.Lock()
	defer fileStatesLock.Unlock()

	fs, ok := fileStates[path]
	if !ok {
		fs = newFileState()
		fileStates[path] = fs
	}
	return fs
}
