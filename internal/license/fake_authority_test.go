package license

import (
	"context"
	"sync"
	"sync/atomic"
)

// fakeAuthority is a scriptable Authority. While blocked every call signals
// entered and waits until release or the end of its context.
type fakeAuthority struct {
	mu          sync.Mutex
	snapshot    Snapshot
	fetchErr    error
	result      ActivationResult
	activateErr error
	gate        chan struct{}
	entered     chan struct{}

	fetches     atomic.Int32
	activations atomic.Int32
	lastRequest ActivationRequest
}

func newFakeAuthority(snap Snapshot) *fakeAuthority {
	return &fakeAuthority{snapshot: snap, entered: make(chan struct{}, 16)}
}

func (f *fakeAuthority) block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

func (f *fakeAuthority) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

func (f *fakeAuthority) wait(ctx context.Context) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()

	if gate == nil {
		return nil
	}
	select {
	case f.entered <- struct{}{}:
	default:
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return &TransportError{Op: "fake", Err: ctx.Err()}
	}
}

func (f *fakeAuthority) FetchStatus(ctx context.Context) (Snapshot, error) {
	f.fetches.Add(1)
	if err := f.wait(ctx); err != nil {
		return Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return Snapshot{}, f.fetchErr
	}
	return f.snapshot, nil
}

func (f *fakeAuthority) Activate(ctx context.Context, req ActivationRequest) (ActivationResult, error) {
	f.activations.Add(1)
	if err := f.wait(ctx); err != nil {
		return ActivationResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRequest = req
	if f.activateErr != nil {
		return ActivationResult{}, f.activateErr
	}
	return f.result, nil
}

func (f *fakeAuthority) set(fn func(f *fakeAuthority)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func activeSnapshot() Snapshot {
	return NewSnapshot(StatusActive, nil, 120, "License active",
		map[string]Entitlement{"export": {Licensed: true, Message: "Included"}},
		map[string]Entitlement{"reports": {Licensed: true, Message: "Included"}},
	)
}

func expiredSnapshot() Snapshot {
	return NewSnapshot(StatusExpired, nil, 0, "License expired",
		map[string]Entitlement{"export": {Licensed: false, Message: "Export requires an active license"}},
		map[string]Entitlement{"reports": {Licensed: false, Message: "Reports require an active license"}},
	)
}
