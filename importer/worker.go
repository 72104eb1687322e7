// Package importer wires the persisted block queue to the chain importer
// and back into the sync core, the external "worker thread" spec.md's
// glossary describes: it drains BlockQueue, hands each wrapper to an
// Importer, and reports the outcome back to sync.Manager so gap recovery
// and the DONE_SYNC transition can react to it.
package importer

import (
	"context"

	"github.com/chaincore-go/syncnode/block"
	"github.com/chaincore-go/syncnode/blockqueue"
	"github.com/ethereum/go-ethereum/log"
)

// Importer applies a downloaded block to the local chain. It is the
// boundary to the (out of scope) block-processing pipeline.
type Importer interface {
	Import(w *block.Wrapper) error
}

// SyncFeedback is the subset of sync.Manager the worker reports back to.
type SyncFeedback interface {
	RecoverGap(w *block.Wrapper)
	NotifyNewBlockImported(w *block.Wrapper)
}

// Worker drains a BlockQueue and imports each block in order, feeding
// results back into the sync core.
type Worker struct {
	queue    *blockqueue.BlockQueue
	importer Importer
	sync     SyncFeedback
	log      log.Logger
}

// NewWorker constructs an import worker over an already-open queue.
func NewWorker(queue *blockqueue.BlockQueue, importer Importer, sync SyncFeedback) *Worker {
	return &Worker{queue: queue, importer: importer, sync: sync, log: log.New("module", "importer")}
}

// Run blocks, taking and importing blocks one at a time until ctx is
// canceled. Any import failure is reported to the sync core as a missing
// parent, triggering gap recovery rather than aborting the worker.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		bw, err := w.take(ctx)
		if err != nil {
			return err
		}
		if bw == nil {
			continue
		}

		if err := w.importer.Import(bw); err != nil {
			w.log.Info("Import failed, recovering gap", "number", bw.Number, "hash", bw.Hash, "err", err)
			w.sync.RecoverGap(bw)
			continue
		}

		w.log.Info("Block imported", "number", bw.Number, "hash", bw.Hash)
		if bw.IsNewBlock {
			w.sync.NotifyNewBlockImported(bw)
		}
	}
}

// take polls Take on a goroutine so a ctx cancellation can interrupt a
// blocked wait; BlockQueue.Take has no context-aware variant since it is
// meant to be driven by a single long-lived worker, matching the "worker
// thread" its Java counterpart assumes. If ctx is canceled while Take is
// still waiting, that goroutine stays blocked until the next block arrives;
// the block it then takes is added back to the queue so it is not lost.
func (w *Worker) take(ctx context.Context) (*block.Wrapper, error) {
	type result struct {
		bw  *block.Wrapper
		err error
	}
	done := make(chan result, 1)
	go func() {
		bw, err := w.queue.Take()
		done <- result{bw, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil && r.bw != nil {
				if err := w.queue.Add(r.bw); err != nil {
					w.log.Info("Re-queueing block after cancel failed", "number", r.bw.Number, "err", err)
				}
			}
		}()
		return nil, nil
	case r := <-done:
		return r.bw, r.err
	}
}
