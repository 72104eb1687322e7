package importer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaincore-go/syncnode/block"
	"github.com/chaincore-go/syncnode/blockqueue"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImporter struct {
	imported []*block.Wrapper
	failOn   uint64
}

func (f *fakeImporter) Import(w *block.Wrapper) error {
	if w.Number == f.failOn {
		return errImportFailed
	}
	f.imported = append(f.imported, w)
	return nil
}

var errImportFailed = errors.New("import failed")

type fakeFeedback struct {
	gapRecovered []*block.Wrapper
	newImported  []*block.Wrapper
}

func (f *fakeFeedback) RecoverGap(w *block.Wrapper)            { f.gapRecovered = append(f.gapRecovered, w) }
func (f *fakeFeedback) NotifyNewBlockImported(w *block.Wrapper) { f.newImported = append(f.newImported, w) }

func TestWorker_ImportsAndNotifiesNewBlocks(t *testing.T) {
	queue := blockqueue.NewWithDatabase(blockqueue.NewMemoryDatabase())
	imp := &fakeImporter{}
	fb := &fakeFeedback{}
	w := NewWorker(queue, imp, fb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	bw := block.New(1, common.BytesToHash([]byte{1}), common.Hash{}, true)
	require.NoError(t, queue.Add(bw))

	require.Eventually(t, func() bool { return len(imp.imported) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(fb.newImported) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, fb.gapRecovered)
}

func TestWorker_FailedImportTriggersGapRecovery(t *testing.T) {
	queue := blockqueue.NewWithDatabase(blockqueue.NewMemoryDatabase())
	imp := &fakeImporter{failOn: 7}
	fb := &fakeFeedback{}
	w := NewWorker(queue, imp, fb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	bw := block.New(7, common.BytesToHash([]byte{7}), common.Hash{}, false)
	require.NoError(t, queue.Add(bw))

	require.Eventually(t, func() bool { return len(fb.gapRecovered) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, imp.imported)
}
