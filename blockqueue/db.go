package blockqueue

import (
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/pkg/errors"
	"github.com/tecbot/gorocksdb"
)

// ErrStorage wraps any failure returned by the underlying persistent store.
// Callers that cannot recover locally should surface it rather than block.
var ErrStorage = errors.New("blockqueue: storage error")

// Putter wraps the database write operation supported by both batches and
// regular databases.
type Putter interface {
	Put(key, value []byte) error
}

// Deleter wraps the database delete operation supported by both batches and
// regular databases.
type Deleter interface {
	Delete(key []byte) error
}

// Database is the persistent key-value store BlockQueue commits to. All
// methods are safe for concurrent use.
type Database interface {
	Putter
	Deleter
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	NewIteratorWithPrefix(prefix []byte) Iterator
	NewBatch() Batch
	Close() error
}

// Iterator walks a key range in ascending order. It is a narrow view over
// gorocksdb.Iterator so BlockQueue's tests can substitute an in-memory
// fake instead of standing up a real store.
type Iterator interface {
	Next()
	ValidForPrefix(prefix []byte) bool
	Key() []byte
	Close()
}

// Batch is a write-only database that commits changes to its host database
// when Write is called. A batch cannot be used concurrently.
type Batch interface {
	Putter
	Deleter
	Write() error
	ValueSize() int
	Reset()
}

// ldb is the RocksDB-backed Database, grounded on qkcdb.LDBDatabase: same
// file-descriptor and write-buffer tuning, same registered-meter pattern for
// observability, but with qkcdb's rocksdb.stats scraping dropped - that's
// operational polish the block queue itself doesn't need.
type ldb struct {
	fn string
	db *gorocksdb.DB
	ro *gorocksdb.ReadOptions
	wo *gorocksdb.WriteOptions

	putMeter    metrics.Meter
	commitMeter metrics.Meter

	log log.Logger
}

// openDB opens (or creates) a RocksDB instance at the given directory.
func openDB(file string, cache int) (*ldb, error) {
	logger := log.New("database", file)

	if cache < 16 {
		cache = 16
	}
	opts := gorocksdb.NewDefaultOptions()
	opts.SetMaxFileOpeningThreads(4096)
	opts.SetMaxTotalWalSize(uint64(cache * 1024 * 1024))
	opts.SetMaxWriteBufferNumber(3)
	opts.SetTargetFileSizeBase(6710886)
	opts.SetCreateIfMissing(true)

	db, err := gorocksdb.OpenDb(opts, file)
	if err != nil {
		return nil, errors.Wrap(err, "open blockqueue store")
	}

	logger.Info("Opened block queue store", "path", file, "cache", cache)

	return &ldb{
		fn:          file,
		db:          db,
		ro:          gorocksdb.NewDefaultReadOptions(),
		wo:          gorocksdb.NewDefaultWriteOptions(),
		putMeter:    metrics.NewRegisteredMeter("blockqueue/db/put", nil),
		commitMeter: metrics.NewRegisteredMeter("blockqueue/db/commit", nil),
		log:         logger,
	}, nil
}

func (d *ldb) Put(key, value []byte) error {
	d.putMeter.Mark(1)
	if err := d.db.Put(d.wo, key, value); err != nil {
		return errors.Wrap(ErrStorage, err.Error())
	}
	return nil
}

func (d *ldb) Get(key []byte) ([]byte, error) {
	v, err := d.db.Get(d.ro, key)
	if err != nil {
		return nil, errors.Wrap(ErrStorage, err.Error())
	}
	defer v.Free()
	if !v.Exists() {
		return nil, nil
	}
	out := make([]byte, len(v.Data()))
	copy(out, v.Data())
	return out, nil
}

func (d *ldb) Has(key []byte) (bool, error) {
	v, err := d.Get(key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (d *ldb) Delete(key []byte) error {
	if err := d.db.Delete(d.wo, key); err != nil {
		return errors.Wrap(ErrStorage, err.Error())
	}
	return nil
}

func (d *ldb) NewIteratorWithPrefix(prefix []byte) Iterator {
	it := d.db.NewIterator(d.ro)
	it.Seek(prefix)
	return &rocksIterator{it}
}

// rocksIterator adapts *gorocksdb.Iterator to the Iterator interface,
// copying key bytes out of the iterator's internal slice so callers can
// hold onto them past a Next()/Close() call.
type rocksIterator struct {
	it *gorocksdb.Iterator
}

func (r *rocksIterator) Next()                                { r.it.Next() }
func (r *rocksIterator) ValidForPrefix(prefix []byte) bool     { return r.it.ValidForPrefix(prefix) }
func (r *rocksIterator) Close()                                { r.it.Close() }

func (r *rocksIterator) Key() []byte {
	k := r.it.Key()
	defer k.Free()
	out := make([]byte, len(k.Data()))
	copy(out, k.Data())
	return out
}

func (d *ldb) NewBatch() Batch {
	return &ldbBatch{db: d.db, wo: d.wo, w: gorocksdb.NewWriteBatch(), commitMeter: d.commitMeter}
}

func (d *ldb) Close() error {
	d.db.Close()
	d.log.Info("Closed block queue store")
	return nil
}

type ldbBatch struct {
	db          *gorocksdb.DB
	wo          *gorocksdb.WriteOptions
	w           *gorocksdb.WriteBatch
	commitMeter metrics.Meter
}

func (b *ldbBatch) Put(key, value []byte) error {
	b.w.Put(key, value)
	return nil
}

func (b *ldbBatch) Delete(key []byte) error {
	b.w.Delete(key)
	return nil
}

func (b *ldbBatch) Write() error {
	b.commitMeter.Mark(1)
	if err := b.db.Write(b.wo, b.w); err != nil {
		return errors.Wrap(ErrStorage, err.Error())
	}
	return nil
}

func (b *ldbBatch) ValueSize() int {
	return b.w.Count()
}

func (b *ldbBatch) Reset() {
	b.w.Clear()
}
