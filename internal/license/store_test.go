package license

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := map[string]Status{
		"active":        StatusActive,
		" ACTIVE ":      StatusActive,
		"expiring_soon": StatusExpiringSoon,
		"expired":       StatusExpired,
		"no_license":    StatusNoLicense,
		"unknown":       StatusUnknown,
		"":              StatusUnknown,
		"suspended":     StatusUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseStatus(in), "input %q", in)
	}
}

func TestNewSnapshot_CopiesInputs(t *testing.T) {
	expires := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
	features := map[string]Entitlement{"export": {Licensed: true}}

	snap := NewSnapshot(StatusActive, &expires, 100, "ok", features, nil)
	features["export"] = Entitlement{Licensed: false}
	expires = expires.Add(time.Hour)

	e, ok := snap.Feature("export")
	require.True(t, ok)
	assert.True(t, e.Licensed)
	assert.Equal(t, 3, int(snap.ExpiresAt.Month()))
	assert.Equal(t, 0, snap.ExpiresAt.Hour())
	assert.NotNil(t, snap.Modules)
}

func TestSnapshots_Validity(t *testing.T) {
	assert.False(t, UnknownSnapshot().Valid)
	assert.Equal(t, StatusUnknown, UnknownSnapshot().Status)

	open := FailOpenSnapshot("dial tcp: connection refused")
	assert.True(t, open.Valid)
	assert.Equal(t, StatusUnknown, open.Status)
	assert.Contains(t, open.Message, "connection refused")

	for _, s := range []Status{StatusNoLicense, StatusExpired, StatusUnknown} {
		assert.False(t, NewSnapshot(s, nil, 0, "", nil, nil).Valid, "%s", s)
	}
	for _, s := range []Status{StatusActive, StatusExpiringSoon} {
		assert.True(t, NewSnapshot(s, nil, 0, "", nil, nil).Valid, "%s", s)
	}
}

func TestActivatedSnapshot_CarriesEntitlements(t *testing.T) {
	prev := expiredSnapshot()
	next := activatedSnapshot(prev, ActivationResult{DaysRemaining: 30, Message: "Activated"})

	assert.Equal(t, StatusActive, next.Status)
	assert.True(t, next.Valid)
	assert.Equal(t, 30, next.DaysRemaining)
	assert.Equal(t, prev.Modules, next.Modules)
	assert.Equal(t, prev.Features, next.Features)
}

func TestStore_SwapAndLoad(t *testing.T) {
	s := NewStore()
	assert.Equal(t, StatusUnknown, s.Load().Status)

	s.Swap(activeSnapshot())
	assert.Equal(t, StatusActive, s.Load().Status)
}

func TestStore_SubscribersSeeLatest(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Swap(expiredSnapshot())
	s.Swap(activeSnapshot())

	select {
	case got := <-ch:
		assert.Equal(t, StatusActive, got.Status, "slow subscribers skip to the newest snapshot")
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestStore_CancelClosesChannel(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	s.Swap(activeSnapshot())
}

func TestStore_CloseAll(t *testing.T) {
	s := NewStore()
	a, cancelA := s.Subscribe()
	b, _ := s.Subscribe()

	s.closeAll()
	cancelA()

	_, openA := <-a
	_, openB := <-b
	assert.False(t, openA)
	assert.False(t, openB)
}

func TestStore_ConcurrentReaders(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if (i+j)%2 == 0 {
					s.Swap(activeSnapshot())
				} else {
					s.Swap(expiredSnapshot())
				}
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := s.Load()
				// a snapshot is never torn: status and validity always agree
				assert.Equal(t, snap.Status.IsValid(), snap.Valid)
			}
		}()
	}
	wg.Wait()
}
