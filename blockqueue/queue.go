// Package blockqueue implements the durable, ordered, blocking queue of
// pending blocks that hands downloaded blocks off from the sync core to the
// (external) chain importer.
package blockqueue

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/chaincore-go/syncnode/block"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"
)

const (
	blockPrefix = 'b'
	hashPrefix  = 'h'
)

// Config holds the queue's own option: whether to wipe the store on open.
// The hashes-per-request ceiling is not here; it lives in sync.Config.
type Config struct {
	DatabaseReset bool
}

// BlockQueue is the persistent, ordered, deduplicated queue described in
// spec.md 4.3. It is safe for concurrent use by arbitrary producer and
// consumer goroutines.
type BlockQueue struct {
	cfg Config
	dir string

	initOnce sync.Once
	initMu   sync.Mutex
	initCond *sync.Cond
	initDone bool
	initErr  error

	takeMu   sync.Mutex
	takeCond *sync.Cond

	mu    sync.Mutex // guards db + index: the "monitor on the queue instance" from spec.md 4.3/5
	db    Database
	index []uint64 // sorted ascending

	hashStore *HashStore

	sizeGauge metrics.Gauge
	addMeter  metrics.Meter
	pollMeter metrics.Meter

	log log.Logger
}

// New returns a BlockQueue that will open its backing store under dir.
// Open must be called before any other method.
func New(dir string, cfg Config) *BlockQueue {
	q := &BlockQueue{
		cfg:       cfg,
		dir:       dir,
		hashStore: NewHashStore(),
		sizeGauge: metrics.NewRegisteredGauge("blockqueue/size", nil),
		addMeter:  metrics.NewRegisteredMeter("blockqueue/add", nil),
		pollMeter: metrics.NewRegisteredMeter("blockqueue/poll", nil),
		log:       log.New("module", "blockqueue"),
	}
	q.initCond = sync.NewCond(&q.initMu)
	q.takeCond = sync.NewCond(&q.takeMu)
	return q
}

// HashStore returns the companion hash store.
func (q *BlockQueue) HashStore() *HashStore {
	return q.hashStore
}

// NewWithDatabase builds a BlockQueue already wired to db, skipping
// Open/openDB entirely. It is meant for callers supplying their own store -
// most commonly an in-memory Database fake in tests for packages that just
// need a ready queue, without pulling in a real RocksDB instance.
func NewWithDatabase(db Database) *BlockQueue {
	q := New("", Config{})
	q.db = db
	q.finishInit(nil)
	return q
}

// Open starts initialization on a background goroutine and returns
// immediately; every other public method awaits its completion before
// acting, per spec.md 4.3.
func (q *BlockQueue) Open() {
	q.initOnce.Do(func() {
		go q.initialize()
	})
}

func (q *BlockQueue) initialize() {
	db, err := openDB(q.dir, 64)
	if err != nil {
		q.finishInit(errors.Wrap(err, "open block queue database"))
		return
	}

	q.mu.Lock()
	q.db = db
	if q.cfg.DatabaseReset {
		if err := q.resetLocked(); err != nil {
			q.mu.Unlock()
			q.finishInit(err)
			return
		}
	}
	index, err := q.loadIndexLocked()
	if err != nil {
		q.mu.Unlock()
		q.finishInit(err)
		return
	}
	q.index = index
	q.sizeGauge.Update(int64(len(index)))
	q.mu.Unlock()

	q.log.Info("Block queue initialized", "pending", len(index), "reset", q.cfg.DatabaseReset)
	q.finishInit(nil)
}

func (q *BlockQueue) finishInit(err error) {
	q.initMu.Lock()
	q.initErr = err
	q.initDone = true
	q.initCond.Broadcast()
	q.initMu.Unlock()
}

// resetLocked clears both persisted collections. Caller holds q.mu.
func (q *BlockQueue) resetLocked() error {
	it := q.db.NewIteratorWithPrefix([]byte{blockPrefix})
	defer it.Close()
	batch := q.db.NewBatch()
	for ; it.ValidForPrefix([]byte{blockPrefix}); it.Next() {
		batch.Delete(it.Key())
	}
	it2 := q.db.NewIteratorWithPrefix([]byte{hashPrefix})
	defer it2.Close()
	for ; it2.ValidForPrefix([]byte{hashPrefix}); it2.Next() {
		batch.Delete(it2.Key())
	}
	return batch.Write()
}

// loadIndexLocked rebuilds the in-memory sorted index from the persisted
// block key set. Caller holds q.mu.
func (q *BlockQueue) loadIndexLocked() ([]uint64, error) {
	var index []uint64
	it := q.db.NewIteratorWithPrefix([]byte{blockPrefix})
	defer it.Close()
	for ; it.ValidForPrefix([]byte{blockPrefix}); it.Next() {
		key := it.Key()
		if len(key) != 9 {
			continue
		}
		index = append(index, binary.BigEndian.Uint64(key[1:]))
	}
	sort.Slice(index, func(i, j int) bool { return index[i] < index[j] })
	return index, nil
}

func (q *BlockQueue) awaitInit() error {
	q.initMu.Lock()
	defer q.initMu.Unlock()
	for !q.initDone {
		q.initCond.Wait()
	}
	return q.initErr
}

func blockKey(number uint64) []byte {
	k := make([]byte, 9)
	k[0] = blockPrefix
	binary.BigEndian.PutUint64(k[1:], number)
	return k
}

func hashKey(h common.Hash) []byte {
	k := make([]byte, 1+common.HashLength)
	k[0] = hashPrefix
	copy(k[1:], h[:])
	return k
}

// indexOfLocked returns the position of number in the sorted index, and
// whether it is present. Caller holds q.mu.
func (q *BlockQueue) indexOfLocked(number uint64) (int, bool) {
	i := sort.Search(len(q.index), func(i int) bool { return q.index[i] >= number })
	if i < len(q.index) && q.index[i] == number {
		return i, true
	}
	return i, false
}

// insertLocked inserts number at its sorted position, keeping index sorted
// in O(log n) search + O(n) shift - the ordered-structure substitution
// spec.md 4.3/9 permits in place of a full re-sort per insert. Caller holds
// q.mu.
func (q *BlockQueue) insertLocked(number uint64) {
	i, present := q.indexOfLocked(number)
	if present {
		return
	}
	q.index = append(q.index, 0)
	copy(q.index[i+1:], q.index[i:])
	q.index[i] = number
}

// Add inserts a block wrapper, ignoring it if its number is already queued.
func (q *BlockQueue) Add(bw *block.Wrapper) error {
	if err := q.awaitInit(); err != nil {
		return err
	}
	q.takeMu.Lock()
	defer q.takeMu.Unlock()

	added, err := q.addLocked(bw)
	if err != nil {
		return err
	}
	if added {
		q.takeCond.Broadcast()
	}
	return nil
}

// AddAll inserts a batch of wrappers in a single commit; duplicates by
// number, either against the existing queue or within the batch itself, are
// ignored.
func (q *BlockQueue) AddAll(bws []*block.Wrapper) error {
	if err := q.awaitInit(); err != nil {
		return err
	}
	q.takeMu.Lock()
	defer q.takeMu.Unlock()

	q.mu.Lock()
	batch := q.db.NewBatch()
	anyAdded := false
	for _, bw := range bws {
		if _, present := q.indexOfLocked(bw.Number); present {
			continue
		}
		raw, err := rlp.EncodeToBytes(bw)
		if err != nil {
			q.mu.Unlock()
			return errors.Wrap(err, "encode block wrapper")
		}
		batch.Put(blockKey(bw.Number), raw)
		batch.Put(hashKey(bw.Hash), []byte{1})
		q.insertLocked(bw.Number)
		anyAdded = true
	}
	if anyAdded {
		if err := batch.Write(); err != nil {
			q.mu.Unlock()
			return err
		}
		q.addMeter.Mark(int64(len(bws)))
		q.sizeGauge.Update(int64(len(q.index)))
	}
	q.mu.Unlock()

	if anyAdded {
		q.takeCond.Broadcast()
	}
	return nil
}

// addLocked performs a single add under takeMu; it acquires mu itself.
func (q *BlockQueue) addLocked(bw *block.Wrapper) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, present := q.indexOfLocked(bw.Number); present {
		return false, nil
	}
	raw, err := rlp.EncodeToBytes(bw)
	if err != nil {
		return false, errors.Wrap(err, "encode block wrapper")
	}
	batch := q.db.NewBatch()
	batch.Put(blockKey(bw.Number), raw)
	batch.Put(hashKey(bw.Hash), []byte{1})
	if err := batch.Write(); err != nil {
		return false, err
	}
	q.insertLocked(bw.Number)
	q.addMeter.Mark(1)
	q.sizeGauge.Update(int64(len(q.index)))
	return true, nil
}

// Poll removes and returns the lowest-numbered block, or nil if the queue
// is empty. It does not block.
func (q *BlockQueue) Poll() (*block.Wrapper, error) {
	if err := q.awaitInit(); err != nil {
		return nil, err
	}
	return q.pollLocked()
}

func (q *BlockQueue) pollLocked() (*block.Wrapper, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.index) == 0 {
		return nil, nil
	}
	number := q.index[0]
	raw, err := q.db.Get(blockKey(number))
	if err != nil {
		return nil, err
	}
	var bw block.Wrapper
	if raw != nil {
		if err := rlp.DecodeBytes(raw, &bw); err != nil {
			return nil, errors.Wrap(err, "decode block wrapper")
		}
	}

	batch := q.db.NewBatch()
	batch.Delete(blockKey(number))
	batch.Delete(hashKey(bw.Hash))
	if err := batch.Write(); err != nil {
		return nil, err
	}
	q.index = q.index[1:]
	q.pollMeter.Mark(1)
	q.sizeGauge.Update(int64(len(q.index)))
	return &bw, nil
}

// Peek returns the lowest-numbered block without removing it, or nil if
// empty.
func (q *BlockQueue) Peek() (*block.Wrapper, error) {
	if err := q.awaitInit(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.index) == 0 {
		return nil, nil
	}
	raw, err := q.db.Get(blockKey(q.index[0]))
	if err != nil {
		return nil, err
	}
	var bw block.Wrapper
	if raw != nil {
		if err := rlp.DecodeBytes(raw, &bw); err != nil {
			return nil, errors.Wrap(err, "decode block wrapper")
		}
	}
	return &bw, nil
}

// Take blocks until at least one block is present, then polls it.
func (q *BlockQueue) Take() (*block.Wrapper, error) {
	if err := q.awaitInit(); err != nil {
		return nil, err
	}
	q.takeMu.Lock()
	defer q.takeMu.Unlock()

	for {
		q.mu.Lock()
		empty := len(q.index) == 0
		q.mu.Unlock()
		if !empty {
			break
		}
		q.takeCond.Wait()
	}
	return q.pollLocked()
}

// Size returns the number of pending blocks.
func (q *BlockQueue) Size() (int, error) {
	if err := q.awaitInit(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index), nil
}

// IsEmpty reports whether the queue has no pending blocks.
func (q *BlockQueue) IsEmpty() (bool, error) {
	size, err := q.Size()
	return size == 0, err
}

// Clear drops every pending block.
func (q *BlockQueue) Clear() error {
	if err := q.awaitInit(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.resetLocked(); err != nil {
		return err
	}
	q.index = nil
	q.sizeGauge.Update(0)
	return nil
}

// FilterExisting returns the subset of hashList not already present in the
// persisted hash set.
func (q *BlockQueue) FilterExisting(hashList []common.Hash) ([]common.Hash, error) {
	if err := q.awaitInit(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]common.Hash, 0, len(hashList))
	for _, h := range hashList {
		ok, err := q.db.Has(hashKey(h))
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, h)
		}
	}
	return out, nil
}

// Hashes returns every hash currently queued.
func (q *BlockQueue) Hashes() ([]common.Hash, error) {
	if err := q.awaitInit(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []common.Hash
	it := q.db.NewIteratorWithPrefix([]byte{hashPrefix})
	defer it.Close()
	for ; it.ValidForPrefix([]byte{hashPrefix}); it.Next() {
		key := it.Key()
		if len(key) != 1+common.HashLength {
			continue
		}
		out = append(out, common.BytesToHash(key[1:]))
	}
	return out, nil
}

// SyncWasInterrupted reports whether the queue still has pending blocks
// from a prior, incomplete BLOCK_RETRIEVING run - the signal
// change_state(HASH_RETRIEVING) uses (spec.md 4.1) to recurse straight back
// into BLOCK_RETRIEVING instead of restarting hash retrieval from scratch.
func (q *BlockQueue) SyncWasInterrupted() (bool, error) {
	return !q.IsEmptyOrInit(), nil
}

// IsEmptyOrInit is a small helper so SyncWasInterrupted reads naturally;
// it's just IsEmpty with the error discarded into "not interrupted".
func (q *BlockQueue) IsEmptyOrInit() bool {
	empty, err := q.IsEmpty()
	if err != nil {
		return true
	}
	return empty
}

// Close awaits initialization, closes the backing store, and marks the
// queue uninitialized. Per spec.md 7, a failed Open surfaces its error
// instead of hanging forever; Close is a no-op error-wise if Open never
// completed successfully.
func (q *BlockQueue) Close() error {
	if err := q.awaitInit(); err != nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.initMu.Lock()
	q.initDone = false
	q.initMu.Unlock()

	if q.db == nil {
		return nil
	}
	return q.db.Close()
}
