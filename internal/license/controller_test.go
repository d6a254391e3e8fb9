package license

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Controller lifecycle
// =============================================================================

func newTestController(t *testing.T, auth Authority, cfg ControllerConfig) *Controller {
	t.Helper()
	c := NewController(auth, cfg, nil)
	t.Cleanup(c.Stop)
	return c
}

func waitSettled(t *testing.T, c *Controller) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == StateSettled },
		2*time.Second, 5*time.Millisecond, "controller never settled")
}

func TestController_StartFetchesImmediately(t *testing.T) {
	auth := newFakeAuthority(activeSnapshot())
	c := newTestController(t, auth, ControllerConfig{PollPeriod: time.Hour})

	assert.Equal(t, StateInit, c.State())
	assert.Equal(t, StatusUnknown, c.Snapshot().Status)

	require.NoError(t, c.Start(context.Background()))
	waitSettled(t, c)

	assert.Equal(t, int32(1), auth.fetches.Load())
	assert.Equal(t, StatusActive, c.Snapshot().Status)
	assert.True(t, c.Snapshot().Valid)
	assert.False(t, c.ActivationRequired())
}

func TestController_StartTwice(t *testing.T) {
	c := newTestController(t, newFakeAuthority(activeSnapshot()), ControllerConfig{PollPeriod: time.Hour})

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
}

func TestController_StartAfterStop(t *testing.T) {
	c := NewController(newFakeAuthority(activeSnapshot()), ControllerConfig{}, nil)
	c.Stop()

	assert.ErrorIs(t, c.Start(context.Background()), ErrDisposed)
	assert.Equal(t, StateDisposed, c.State())
}

func TestController_RefreshWithoutStart(t *testing.T) {
	auth := newFakeAuthority(expiredSnapshot())
	c := newTestController(t, auth, ControllerConfig{})

	require.True(t, c.Refresh(context.Background()))
	assert.Equal(t, StateSettled, c.State())
	assert.Equal(t, StatusExpired, c.Snapshot().Status)
	assert.True(t, c.ActivationRequired())
}

// =============================================================================
// Fail-open
// =============================================================================

func TestController_TransportFailureFailsOpen(t *testing.T) {
	auth := newFakeAuthority(expiredSnapshot())
	auth.fetchErr = &TransportError{Op: "status", Err: errors.New("connection refused")}
	c := newTestController(t, auth, ControllerConfig{})
	c.SetPrincipal(Principal{Email: "ops@customer.example"})

	require.True(t, c.Refresh(context.Background()))

	snap := c.Snapshot()
	assert.True(t, snap.Valid)
	assert.Equal(t, StatusUnknown, snap.Status)
	assert.False(t, c.ActivationRequired(), "transport failures never force activation")
	assert.True(t, c.IsModuleLicensed(context.Background(), "reports").Licensed)
	assert.True(t, c.IsFeatureLicensed(context.Background(), "export").Licensed)
}

func TestController_FailOpenClearsActivationRequired(t *testing.T) {
	auth := newFakeAuthority(expiredSnapshot())
	c := newTestController(t, auth, ControllerConfig{})

	require.True(t, c.Refresh(context.Background()))
	require.True(t, c.ActivationRequired())

	auth.set(func(f *fakeAuthority) {
		f.fetchErr = &TransportError{Op: "status", Err: errors.New("timeout")}
	})
	require.True(t, c.Refresh(context.Background()))
	assert.False(t, c.ActivationRequired())

	auth.set(func(f *fakeAuthority) { f.fetchErr = nil })
	require.True(t, c.Refresh(context.Background()))
	assert.True(t, c.ActivationRequired())
	assert.Equal(t, StatusExpired, c.Snapshot().Status)
}

func TestController_CallerCancelKeepsSnapshot(t *testing.T) {
	auth := newFakeAuthority(expiredSnapshot())
	c := newTestController(t, auth, ControllerConfig{})
	c.SetPrincipal(Principal{Email: "ops@customer.example"})

	require.True(t, c.Refresh(context.Background()))
	require.True(t, c.ActivationRequired())

	auth.block()
	defer auth.release()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.True(t, c.Refresh(ctx))

	snap := c.Snapshot()
	assert.Equal(t, StateSettled, c.State())
	assert.Equal(t, StatusExpired, snap.Status)
	assert.False(t, snap.Valid)
	assert.True(t, c.ActivationRequired())
	assert.False(t, c.IsModuleLicensed(context.Background(), "reports").Licensed)
}

// =============================================================================
// Single outstanding fetch
// =============================================================================

func TestController_ConcurrentTriggersMakeOneCall(t *testing.T) {
	auth := newFakeAuthority(activeSnapshot())
	auth.block()
	c := newTestController(t, auth, ControllerConfig{})

	first := make(chan bool, 1)
	go func() { first <- c.Refresh(context.Background()) }()
	<-auth.entered

	var wg sync.WaitGroup
	dropped := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dropped <- c.Refresh(context.Background())
		}()
	}
	wg.Wait()
	close(dropped)
	for ran := range dropped {
		assert.False(t, ran, "refresh while fetching must be dropped")
	}

	auth.release()
	assert.True(t, <-first)
	assert.Equal(t, int32(1), auth.fetches.Load())
	assert.Equal(t, StateSettled, c.State())
}

func TestController_TickWhileFetchingIsDropped(t *testing.T) {
	auth := newFakeAuthority(activeSnapshot())
	auth.block()
	c := newTestController(t, auth, ControllerConfig{PollPeriod: time.Hour})

	require.NoError(t, c.Start(context.Background()))
	<-auth.entered
	require.Equal(t, StateFetching, c.State())

	c.tick()
	c.tick()

	auth.release()
	waitSettled(t, c)
	assert.Equal(t, int32(1), auth.fetches.Load())
}

// =============================================================================
// Activation
// =============================================================================

func TestController_ActivateSuccess(t *testing.T) {
	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	auth := newFakeAuthority(expiredSnapshot())
	auth.result = ActivationResult{ExpiresAt: &expires, DaysRemaining: 75, Message: "Activated"}
	c := newTestController(t, auth, ControllerConfig{})

	require.True(t, c.Refresh(context.Background()))
	require.True(t, c.ActivationRequired())

	updates, cancel := c.Subscribe()
	defer cancel()

	res, err := c.Activate(context.Background(), ActivationRequest{LicenseKey: " priv-ab12-cd34-ef56-gh78 "})
	require.NoError(t, err)
	assert.Equal(t, 75, res.DaysRemaining)
	assert.Equal(t, "PRIV-AB12-CD34-EF56-GH78", auth.lastRequest.LicenseKey)

	snap := c.Snapshot()
	assert.Equal(t, StatusActive, snap.Status)
	assert.True(t, snap.Valid)
	assert.Equal(t, 75, snap.DaysRemaining)
	require.NotNil(t, snap.ExpiresAt)
	assert.True(t, expires.Equal(*snap.ExpiresAt))
	_, ok := snap.Module("reports")
	assert.True(t, ok, "module map carried over from the previous snapshot")
	assert.False(t, c.ActivationRequired())
	assert.Equal(t, StateSettled, c.State())

	select {
	case published := <-updates:
		assert.Equal(t, StatusActive, published.Status)
	case <-time.After(time.Second):
		t.Fatal("activation snapshot not published")
	}
}

func TestController_ActivateInvalidFormatSkipsAuthority(t *testing.T) {
	auth := newFakeAuthority(expiredSnapshot())
	c := newTestController(t, auth, ControllerConfig{})
	require.True(t, c.Refresh(context.Background()))

	_, err := c.Activate(context.Background(), ActivationRequest{LicenseKey: "PRIV-AB12"})
	assert.ErrorIs(t, err, ErrInvalidFormat)
	assert.Equal(t, int32(0), auth.activations.Load())
	assert.True(t, c.ActivationRequired())
}

func TestController_ActivateRejectedLeavesSnapshot(t *testing.T) {
	auth := newFakeAuthority(expiredSnapshot())
	auth.activateErr = &RejectedError{StatusCode: 400, Message: "License key already used"}
	c := newTestController(t, auth, ControllerConfig{})
	require.True(t, c.Refresh(context.Background()))
	before := c.Snapshot()

	_, err := c.Activate(context.Background(), ActivationRequest{LicenseKey: "PRIV-AB12-CD34-EF56-GH78"})
	require.Error(t, err)
	rejected, ok := IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, "License key already used", rejected.Message)

	assert.Equal(t, before, c.Snapshot())
	assert.True(t, c.ActivationRequired())
	assert.Equal(t, StateSettled, c.State())
}

func TestController_ActivateBusyWhileFetching(t *testing.T) {
	auth := newFakeAuthority(expiredSnapshot())
	auth.block()
	c := newTestController(t, auth, ControllerConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Refresh(context.Background())
	}()
	<-auth.entered

	_, err := c.Activate(context.Background(), ActivationRequest{LicenseKey: "PRIV-AB12-CD34-EF56-GH78"})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, int32(0), auth.activations.Load())

	auth.release()
	<-done
}

func TestController_ActivateBeforeFirstFetch(t *testing.T) {
	c := newTestController(t, newFakeAuthority(expiredSnapshot()), ControllerConfig{})

	_, err := c.Activate(context.Background(), ActivationRequest{LicenseKey: "PRIV-AB12-CD34-EF56-GH78"})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestController_ActivationThrottled(t *testing.T) {
	auth := newFakeAuthority(expiredSnapshot())
	auth.activateErr = &RejectedError{StatusCode: 400, Message: "Invalid license key"}
	c := newTestController(t, auth, ControllerConfig{ActivationAttempts: 2, ActivationWindow: time.Hour})
	require.True(t, c.Refresh(context.Background()))

	req := ActivationRequest{LicenseKey: "PRIV-AB12-CD34-EF56-GH78"}
	for i := 0; i < 2; i++ {
		_, err := c.Activate(context.Background(), req)
		_, rejected := IsRejected(err)
		require.True(t, rejected)
	}

	_, err := c.Activate(context.Background(), req)
	assert.ErrorIs(t, err, ErrActivationThrottled)
	assert.Equal(t, int32(2), auth.activations.Load())
}

// =============================================================================
// Exemption and disposal
// =============================================================================

func TestController_ExemptPrincipal(t *testing.T) {
	auth := newFakeAuthority(expiredSnapshot())
	policy := NewExemptionPolicy([]string{"vendor.example"}, nil)
	c := newTestController(t, auth, ControllerConfig{Exemptions: policy})
	c.SetPrincipal(Principal{Email: "alice@vendor.example"})

	require.True(t, c.Refresh(context.Background()))

	assert.True(t, c.IsExempt())
	assert.False(t, c.ActivationRequired())
	assert.True(t, c.IsModuleLicensed(context.Background(), "reports").Licensed)

	v := c.Verdict(context.Background(), c.Principal(), FeatureRequest("export"))
	assert.Equal(t, Verdict{Licensed: true, Message: MessageExempt}, v)

	c.SetPrincipal(Principal{Email: "bob@customer.example"})
	assert.False(t, c.IsExempt())
	assert.True(t, c.ActivationRequired())
	assert.Equal(t, Verdict{Licensed: false, Message: "Reports require an active license"},
		c.IsModuleLicensed(context.Background(), "reports"))
	assert.Equal(t, Verdict{Licensed: false, Message: "Export requires an active license"},
		c.IsFeatureLicensed(context.Background(), "export"))
}

func TestController_SetPrincipalBeforeFirstFetch(t *testing.T) {
	c := newTestController(t, newFakeAuthority(expiredSnapshot()), ControllerConfig{})
	c.SetPrincipal(Principal{Email: "bob@customer.example"})

	assert.False(t, c.ActivationRequired(), "nothing is forced before the authority answers")
}

func TestController_ResultAfterStopDiscarded(t *testing.T) {
	auth := newFakeAuthority(expiredSnapshot())
	c := NewController(auth, ControllerConfig{}, nil)
	require.True(t, c.Refresh(context.Background()))
	auth.block()

	updates, _ := c.Subscribe()

	done := make(chan bool, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	<-auth.entered

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool { return c.State() == StateDisposed }, time.Second, time.Millisecond)

	auth.set(func(f *fakeAuthority) { f.snapshot = activeSnapshot() })
	auth.release()
	assert.True(t, <-done)
	<-stopped

	assert.Equal(t, StatusExpired, c.Snapshot().Status)
	_, open := <-updates
	assert.False(t, open, "subscriptions close on stop")
	assert.False(t, c.Refresh(context.Background()))
}

func TestController_StopCancelsInitialFetch(t *testing.T) {
	auth := newFakeAuthority(activeSnapshot())
	auth.block()
	c := NewController(auth, ControllerConfig{PollPeriod: time.Hour}, nil)

	require.NoError(t, c.Start(context.Background()))
	<-auth.entered

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not cancel the in-flight fetch")
	}
	assert.Equal(t, StatusUnknown, c.Snapshot().Status)
	assert.False(t, c.Snapshot().Valid)
}

// =============================================================================
// Transition table
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInit, StateFetching, true},
		{StateSettled, StateFetching, true},
		{StateFetching, StateSettled, true},
		{StateSettled, StateActivating, true},
		{StateActivating, StateSettled, true},
		{StateFetching, StateFetching, false},
		{StateFetching, StateActivating, false},
		{StateActivating, StateFetching, false},
		{StateInit, StateActivating, false},
		{StateDisposed, StateFetching, false},
		{StateDisposed, StateSettled, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}

	for _, s := range []State{StateInit, StateFetching, StateSettled, StateActivating} {
		assert.True(t, CanTransition(s, StateDisposed), "%s must be disposable", s)
	}
	assert.Equal(t, []State{StateFetching, StateActivating, StateDisposed}, ValidTransitionsFrom(StateSettled))
}

func TestController_ActivationRequiredFor(t *testing.T) {
	auth := newFakeAuthority(expiredSnapshot())
	policy := NewExemptionPolicy([]string{"vendor.example"}, nil)
	c := newTestController(t, auth, ControllerConfig{Exemptions: policy})

	customer := Principal{Email: "ops@customer.example"}
	staff := Principal{Email: "eve@vendor.example"}
	assert.False(t, c.ActivationRequiredFor(customer))

	require.True(t, c.Refresh(context.Background()))
	assert.True(t, c.ActivationRequiredFor(customer))
	assert.False(t, c.ActivationRequiredFor(staff))

	auth.set(func(f *fakeAuthority) { f.snapshot = activeSnapshot() })
	require.True(t, c.Refresh(context.Background()))
	assert.False(t, c.ActivationRequiredFor(customer))
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{Email: "ops@customer.example"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "ops@customer.example", p.Email)
}
