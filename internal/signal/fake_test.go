package signal

import (
	"context"
	"sync"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// fakeInserter records inserted events and returns queued errors in order.
type fakeInserter struct {
	mu     sync.Mutex
	events []domain.SignalEvent
	errs   []error
	calls  int
}

func (f *fakeInserter) InsertSignalEvent(_ context.Context, ev domain.SignalEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeInserter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
