package blockqueue

import (
	"bytes"
	"sort"
	"sync"
)

// MemoryDatabase is a non-persistent Database backed by a plain map. It
// exists for tests - in this package and others that just need a ready
// BlockQueue via NewWithDatabase - that shouldn't have to stand up a real
// RocksDB instance.
type MemoryDatabase struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryDatabase returns an empty MemoryDatabase.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{data: make(map[string][]byte)}
}

func (m *MemoryDatabase) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryDatabase) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemoryDatabase) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryDatabase) Has(key []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *MemoryDatabase) NewIteratorWithPrefix(prefix []byte) Iterator {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &memoryIterator{keys: keys}
}

func (m *MemoryDatabase) NewBatch() Batch { return &memoryBatch{db: m} }

func (m *MemoryDatabase) Close() error { return nil }

type memoryIterator struct {
	keys []string
	pos  int
}

func (it *memoryIterator) Next() { it.pos++ }

func (it *memoryIterator) ValidForPrefix(prefix []byte) bool {
	return it.pos < len(it.keys) && bytes.HasPrefix([]byte(it.keys[it.pos]), prefix)
}

func (it *memoryIterator) Key() []byte { return []byte(it.keys[it.pos]) }

func (it *memoryIterator) Close() {}

type memoryBatch struct {
	db  *MemoryDatabase
	put map[string][]byte
	del map[string]bool
}

func (b *memoryBatch) Put(key, value []byte) error {
	if b.put == nil {
		b.put = make(map[string][]byte)
	}
	b.put[string(key)] = append([]byte(nil), value...)
	return nil
}

func (b *memoryBatch) Delete(key []byte) error {
	if b.del == nil {
		b.del = make(map[string]bool)
	}
	b.del[string(key)] = true
	return nil
}

func (b *memoryBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for k, v := range b.put {
		b.db.data[k] = v
	}
	for k := range b.del {
		delete(b.db.data, k)
	}
	return nil
}

func (b *memoryBatch) ValueSize() int { return len(b.put) + len(b.del) }

func (b *memoryBatch) Reset() { b.put = nil; b.del = nil }
