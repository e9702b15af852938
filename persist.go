package touchview

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/golang/snappy"
)

// How long to wait after an in-memory change before saving to disk
const kSaveInterval = 2 * time.Second

// Writes the store to a temp file and renames it over the real one. MUST be called while
// holding the lock!
func (store *MemoryStore) _save() error {
	if store.path == "" {
		return nil
	}
	file, err := os.CreateTemp(filepath.Dir(store.path), "touchviewtemp")
	if err != nil {
		return err
	}
	defer os.Remove(file.Name())

	writer := snappy.NewBufferedWriter(file)
	err = gob.NewEncoder(writer).Encode(store.memoryData)
	if err == nil {
		err = writer.Close()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	err = os.Rename(file.Name(), store.path)
	if err == nil {
		store.lastSeqSaved = store.LastSeq
	}
	return err
}

// Save writes any unsaved changes to disk now.
func (store *MemoryStore) Save() error {
	store.lock.Lock()
	defer store.lock.Unlock()
	store.assertNotClosed()
	if store.lastSeqSaved == store.LastSeq {
		return nil
	}
	store.saving = false // defuse pending save goroutine (see _saveSoon)
	return store._save()
}

func load(path string) (*MemoryStore, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	store := &MemoryStore{path: path}
	decoder := gob.NewDecoder(snappy.NewReader(file))
	err = decoder.Decode(&store.memoryData)
	if err != nil {
		logg("Decode error: %v", err)
		return nil, err
	}
	if store.Docs == nil {
		store.Docs = map[string]*memoryDoc{}
	}
	store.lastSeqSaved = store.LastSeq
	runtime.SetFinalizer(store, (*MemoryStore).Close)
	logg("Loaded document store from %s", path)
	return store, nil
}

func loadOrNew(path string, name string) (*MemoryStore, error) {
	store, err := load(path)
	if os.IsNotExist(err) {
		store = NewMemoryStore(name)
		store.path = path
		logg("New document store for new path %s", path)
		return store, nil
	}
	return store, err
}

// Schedules a save for the near future. MUST be called while holding a write lock!
func (store *MemoryStore) _saveSoon() {
	if !store.saving && store.path != "" {
		store.saving = true
		go func() {
			// Spin off a goroutine to wait and then save:
			time.Sleep(kSaveInterval)

			store.lock.Lock()
			defer store.lock.Unlock()
			if store.saving && store.Docs != nil {
				store.saving = false
				logg("Saving document store to %s", store.path)
				if err := store._save(); err != nil {
					logg("Warning: Couldn't save document store: %v", err)
				}
			}
		}()
	}
}

// Loads or creates a persistent document store in the given filesystem directory.
// The store's backing file is named "name.docs".
func NewPersistentStore(dir, name string) (*MemoryStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	store, err := loadOrNew(filepath.Join(dir, name+".docs"), name)
	if err != nil {
		return nil, err
	}
	store.name = name
	return store, nil
}

func (store *MemoryStore) _closePersist() error {
	if !store.saving && store.lastSeqSaved == store.LastSeq {
		return nil
	}
	store.saving = false // defuse pending save goroutine (see _saveSoon)
	return store._save()
}
