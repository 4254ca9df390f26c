package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-link/internal/model"
	"device-link/internal/protocol"
	"device-link/internal/reconnect"
)

type harness struct {
	clock  *virtualClock
	device *fakeDevice
	sink   *recordingSink
	sup    *Supervisor
}

func newHarness(t *testing.T, modify ...func(*Options)) *harness {
	t.Helper()

	clock := newVirtualClock()
	device := newFakeDevice(clock)
	sink := &recordingSink{}

	opts := Options{
		Identity:     model.DeviceIdentity(device.serial),
		Resolver:     device,
		Prober:       device,
		NewTransport: device.factory,
		Clock:        clock,
		Events:       sink,
	}
	for _, fn := range modify {
		fn(&opts)
	}

	sup, err := New(opts)
	require.NoError(t, err)
	device.set(func(d *fakeDevice) { d.sup = sup })

	t.Cleanup(func() {
		sup.Dispose()
		device.get(func(d *fakeDevice) {
			assert.Empty(t, d.violations, "transport used outside OpenUnverified/Ready")
		})
	})

	return &harness{clock: clock, device: device, sink: sink, sup: sup}
}

func (h *harness) initialize(t *testing.T) {
	t.Helper()
	ready, err := h.sup.Initialize(context.Background())
	require.NoError(t, err)
	require.True(t, ready)
}

func TestNew_RequiresIdentityOrEndpoint(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Endpoint: "/dev/ttyACM0", FastPolicy: reconnect.Policy{Name: "initialize", MaxAttempts: 0, Delay: time.Second}})
	assert.Error(t, err)

	sup, err := New(Options{Endpoint: "/dev/ttyACM0"})
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, sup.State())
	assert.False(t, sup.IsInitialized())
}

func TestInitialize_Ready(t *testing.T) {
	h := newHarness(t)

	h.initialize(t)

	assert.Equal(t, model.StateReady, h.sup.State())
	assert.True(t, h.sup.IsInitialized())
	assert.Equal(t, model.EndpointRef("/dev/ttyACM0"), h.sup.Endpoint())

	info := h.sup.DeviceInfo()
	require.NotNil(t, info)
	assert.Equal(t, "F7Micro", info.Model)

	assert.Equal(t, []model.ConnectionState{
		model.StateOpening,
		model.StateOpenUnverified,
		model.StateReady,
	}, h.sink.states())
	assert.Equal(t, 1, h.sink.count(model.EventDeviceReady))
}

func TestInitialize_LearnsIdentity(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Identity = ""
		o.Endpoint = "/dev/ttyACM0"
	})

	assert.True(t, h.sup.Identity().IsZero())
	h.initialize(t)
	assert.Equal(t, model.DeviceIdentity("3657345A3735"), h.sup.Identity())

	// Once learned, discovery is used for the next resolution
	before := 0
	h.device.get(func(d *fakeDevice) { before = d.resolves })
	require.NoError(t, h.sup.WaitForReady(context.Background(), time.Second))
	h.device.get(func(d *fakeDevice) { assert.Greater(t, d.resolves, before) })
}

func TestInitialize_RetriesThenReady(t *testing.T) {
	h := newHarness(t)
	h.device.set(func(d *fakeDevice) { d.failOpens = 3 })

	start := h.clock.Now()
	h.initialize(t)

	assert.Equal(t, 4, h.device.openCount())
	assert.Equal(t, 300*time.Millisecond, h.clock.Now().Sub(start))
	assert.Equal(t, 0, h.sup.Status().Attempts)
	assert.Equal(t, int64(3), h.sup.Status().Stats.FailedAttempts)
}

func TestInitialize_ProbeFailureClosesBeforeReopen(t *testing.T) {
	h := newHarness(t)
	h.device.set(func(d *fakeDevice) { d.failProbes = 2 })

	h.initialize(t)

	h.device.get(func(d *fakeDevice) {
		require.Len(t, d.transports, 3)
		assert.False(t, d.transports[0].IsOpen())
		assert.False(t, d.transports[1].IsOpen())
		assert.True(t, d.transports[2].IsOpen())
		for _, timeout := range d.probeTimeouts {
			assert.Equal(t, DefaultInitProbeTimeout, timeout)
		}
	})

	assert.Equal(t, []model.ConnectionState{
		model.StateOpening,
		model.StateOpenUnverified,
		model.StateOpening,
		model.StateOpenUnverified,
		model.StateOpening,
		model.StateOpenUnverified,
		model.StateReady,
	}, h.sink.states())
}

func TestInitialize_CeilingExceeded(t *testing.T) {
	h := newHarness(t)
	h.device.set(func(d *fakeDevice) { d.failOpens = 1000 })

	start := h.clock.Now()
	ready, err := h.sup.Initialize(context.Background())

	assert.False(t, ready)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, ErrFailed)
	assert.ErrorIs(t, err, reconnect.ErrCeilingExceeded)
	assert.ErrorIs(t, err, protocol.ErrTransportUnavailable)

	assert.Equal(t, 100, h.device.openCount())
	assert.Equal(t, 99*100*time.Millisecond, h.clock.Now().Sub(start))
	assert.Equal(t, model.StateFailed, h.sup.State())

	// Failed is terminal
	_, err = h.sup.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrFailed)
	assert.ErrorIs(t, h.sup.Write(context.Background(), []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, h.sup.WaitForReady(context.Background(), time.Second), ErrFailed)
	assert.Equal(t, 100, h.device.openCount())
}

func TestInitialize_AlreadyReady(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	h.initialize(t)

	assert.Equal(t, 1, h.device.openCount())
}

func TestInitialize_IdentityMismatch(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Identity = "AAAA"
		o.Resolver = nil
		o.Endpoint = "/dev/ttyACM0"
		o.FastPolicy = reconnect.Policy{Name: "initialize", MaxAttempts: 3, Delay: 100 * time.Millisecond}
	})

	_, err := h.sup.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrIdentityChange)
	assert.ErrorIs(t, err, ErrFailed)
	assert.Nil(t, h.sup.DeviceInfo())
	assert.Equal(t, model.DeviceIdentity("AAAA"), h.sup.Identity())
}

func TestInitialize_Cancelled(t *testing.T) {
	h := newHarness(t)
	h.device.set(func(d *fakeDevice) { d.failOpens = 1000 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ready, err := h.sup.Initialize(ctx)
	assert.False(t, ready)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEqual(t, model.StateFailed, h.sup.State())
}

func TestWrite_NeverInitialized(t *testing.T) {
	h := newHarness(t)

	err := h.sup.Write(context.Background(), []byte("hello"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, h.device.openCount())
	assert.Equal(t, model.StateClosed, h.sup.State())
}

func TestWrite_ReconnectsAfterDrop(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.sup.Write(context.Background(), []byte("frame")))
	}

	h.device.drop()
	h.device.set(func(d *fakeDevice) { d.failOpens = 3 })

	start := h.clock.Now()
	require.NoError(t, h.sup.Write(context.Background(), []byte("frame-6")))
	elapsed := h.clock.Now().Sub(start)

	assert.LessOrEqual(t, elapsed, 3500*time.Millisecond)
	assert.Equal(t, 3*500*time.Millisecond+2*time.Second, elapsed)
	assert.Equal(t, 6, h.device.writeCount())
	assert.Equal(t, model.StateReady, h.sup.State())

	status := h.sup.Status()
	assert.Equal(t, int64(6), status.Stats.Writes)
	assert.Equal(t, int64(1), status.Stats.Reconnects)
	assert.Equal(t, 1, h.sink.count(model.EventReconnectStarted))
	assert.Equal(t, 1, h.sink.count(model.EventReconnectSucceeded))

	// Ready is entered only once the settle period is over
	assert.Equal(t, 2, h.sink.count(model.EventDeviceReady))
	ready, ok := h.sink.last(model.EventDeviceReady)
	require.True(t, ok)
	assert.Equal(t, h.clock.Now(), ready.Timestamp)
	assert.Equal(t, h.clock.Now(), status.Stats.LastReadyAt)

	states := h.sink.states()
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, []model.ConnectionState{model.StateOpenUnverified, model.StateReady}, states[len(states)-2:])
}

func newSettleHarness(t *testing.T) (*harness, *gateClock) {
	t.Helper()
	gate := newGateClock(reconnect.Physical().Settle)
	h := newHarness(t, func(o *Options) {
		gate.virtualClock = o.Clock.(*virtualClock)
		o.Clock = gate
	})
	return h, gate
}

func TestWrite_NotReadyDuringSettle(t *testing.T) {
	h, gate := newSettleHarness(t)
	h.initialize(t)
	h.device.drop()

	done := make(chan error, 1)
	go func() {
		done <- h.sup.Write(context.Background(), []byte("after-settle"))
	}()

	gate.wait(t)

	assert.NotEqual(t, model.StateReady, h.sup.State())
	assert.Equal(t, model.StateOpenUnverified, h.sup.Status().State)
	assert.Equal(t, 1, h.sink.count(model.EventDeviceReady))
	assert.Equal(t, 0, h.sink.count(model.EventReconnectSucceeded))
	assert.Equal(t, 0, h.device.writeCount())

	gate.open()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Write did not return after the settle period")
	}
	assert.Equal(t, model.StateReady, h.sup.State())
	assert.Equal(t, 2, h.sink.count(model.EventDeviceReady))
	assert.Equal(t, 1, h.device.writeCount())
}

func TestWrite_SettleCancelledLeavesClosed(t *testing.T) {
	h, gate := newSettleHarness(t)
	h.initialize(t)
	h.device.drop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.sup.Write(ctx, []byte("cancelled"))
	}()

	gate.wait(t)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Write did not return after cancellation")
	}

	assert.Equal(t, model.StateClosed, h.sup.State())
	assert.False(t, h.sup.Status().TransportUp)
	assert.True(t, h.sup.IsInitialized())
	assert.Equal(t, 1, h.sink.count(model.EventDeviceReady))
	assert.Equal(t, 1, h.sink.count(model.EventReconnectFailed))
	assert.Equal(t, 0, h.device.writeCount())

	// The next write reconnects from Closed
	go func() {
		done <- h.sup.Write(context.Background(), []byte("retry"))
	}()
	gate.wait(t)
	gate.open()
	require.NoError(t, <-done)
	assert.Equal(t, model.StateReady, h.sup.State())
	assert.Equal(t, 1, h.device.writeCount())
}

func TestWrite_ReconnectExhausted(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	h.device.unplug()

	start := h.clock.Now()
	err := h.sup.Write(context.Background(), []byte("lost"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, reconnect.ErrCeilingExceeded)
	assert.Equal(t, 19*500*time.Millisecond, h.clock.Now().Sub(start))
	assert.Equal(t, 0, h.device.writeCount())
	assert.Equal(t, model.StateFailed, h.sup.State())
	assert.Equal(t, 1, h.sink.count(model.EventReconnectFailed))

	// Terminal: no further attempts
	opens := h.device.openCount()
	assert.ErrorIs(t, h.sup.Write(context.Background(), []byte("lost")), ErrNotConnected)
	assert.Equal(t, opens, h.device.openCount())
}

func TestWrite_DropDetectedByWrite(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	h.device.set(func(d *fakeDevice) { d.writeErr = protocol.ErrNotOpen })
	err := h.sup.Write(context.Background(), []byte("a"))
	assert.ErrorIs(t, err, protocol.ErrNotOpen)
	assert.Equal(t, model.StateClosed, h.sup.State())
	assert.True(t, h.sup.IsInitialized())
	assert.Equal(t, 1, h.sink.count(model.EventWriteFailed))

	h.device.set(func(d *fakeDevice) { d.writeErr = nil })
	require.NoError(t, h.sup.Write(context.Background(), []byte("b")))
	assert.Equal(t, model.StateReady, h.sup.State())
	assert.Equal(t, 1, h.device.writeCount())
}

func TestWrite_TimeoutKeepsConnection(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	h.device.set(func(d *fakeDevice) { d.writeErr = protocol.ErrTimeout })
	err := h.sup.Write(context.Background(), []byte("slow"))
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Equal(t, model.StateReady, h.sup.State())
	assert.Equal(t, int64(1), h.sup.Status().Stats.WriteErrors)
}

func TestWrite_AbandonedWriteClosesLink(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	h.device.set(func(d *fakeDevice) {
		d.writeErr = protocol.ErrTimeout
		d.closeOnWriteErr = true
	})
	err := h.sup.Write(context.Background(), []byte("stuck"))
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Equal(t, model.StateClosed, h.sup.State())

	h.device.set(func(d *fakeDevice) {
		d.writeErr = nil
		d.closeOnWriteErr = false
	})
	require.NoError(t, h.sup.Write(context.Background(), []byte("again")))
	assert.Equal(t, model.StateReady, h.sup.State())
	assert.Equal(t, int64(1), h.sup.Status().Stats.Reconnects)
}

func TestWrite_ConcurrentCallersShareOneReconnect(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	h.device.drop()

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.sup.Write(context.Background(), []byte("x"))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, writers, h.device.writeCount())
	assert.Equal(t, int64(1), h.sup.Status().Stats.Reconnects)
	assert.Equal(t, 2, h.device.openCount())
}

func TestWaitForReady_ReResolvesEveryAttempt(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	// The device reboots with new firmware and re-enumerates under a new port
	h.device.unplug()
	h.device.set(func(d *fakeDevice) {
		d.firmware = "2.0.0"
		d.resolves = 0
		d.replugAfter = 4
		d.replugTo = "/dev/ttyACM1"
	})

	start := h.clock.Now()
	require.NoError(t, h.sup.WaitForReady(context.Background(), 10*time.Second))

	assert.Equal(t, 3*DefaultPollInterval, h.clock.Now().Sub(start))
	assert.Equal(t, model.StateReady, h.sup.State())
	assert.Equal(t, model.EndpointRef("/dev/ttyACM1"), h.sup.Endpoint())
	assert.Equal(t, "2.0.0", h.sup.DeviceInfo().FirmwareVersion)
	h.device.get(func(d *fakeDevice) { assert.Equal(t, 4, d.resolves) })
}

func TestWaitForReady_Timeout(t *testing.T) {
	h := newHarness(t)
	h.device.unplug()

	start := h.clock.Now()
	err := h.sup.WaitForReady(context.Background(), 2*time.Second)

	assert.ErrorIs(t, err, ErrDeviceNotReady)
	elapsed := h.clock.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 2*time.Second+DefaultPollInterval)
	assert.NotEqual(t, model.StateReady, h.sup.State())

	// polling every 100ms, with a resolution per attempt
	h.device.get(func(d *fakeDevice) { assert.Equal(t, 20, d.resolves) })
}

func TestWaitForReady_ProbeBoundedByRemainingTime(t *testing.T) {
	h := newHarness(t)
	h.device.set(func(d *fakeDevice) {
		d.failProbes = 1000
		d.probeDelay = time.Second
	})

	start := h.clock.Now()
	err := h.sup.WaitForReady(context.Background(), 2500*time.Millisecond)
	assert.ErrorIs(t, err, ErrDeviceNotReady)
	assert.ErrorIs(t, err, protocol.ErrTimeout)

	elapsed := h.clock.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, 2500*time.Millisecond)
	assert.Less(t, elapsed, 2500*time.Millisecond+DefaultPollInterval)

	h.device.get(func(d *fakeDevice) {
		require.NotEmpty(t, d.probeTimeouts)
		for _, timeout := range d.probeTimeouts {
			assert.LessOrEqual(t, timeout, DefaultReadyProbeTimeout)
		}
	})
}

func TestWaitForReady_Cancelled(t *testing.T) {
	h := newHarness(t)
	h.device.unplug()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.sup.WaitForReady(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispose(t *testing.T) {
	h := newHarness(t)

	h.sup.Dispose()
	h.sup.Dispose()
	assert.False(t, h.sup.IsInitialized())

	_, err := h.sup.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, h.sup.Write(context.Background(), []byte("x")), ErrDisposed)
}

func TestDispose_ClosesTransport(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	h.sup.Dispose()

	assert.Equal(t, model.StateClosed, h.sup.State())
	assert.False(t, h.sup.IsInitialized())
	h.device.get(func(d *fakeDevice) {
		require.Len(t, d.transports, 1)
		assert.False(t, d.transports[0].IsOpen())
	})
}

func TestDispose_AbortsWait(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Clock = stalledClock{} })
	h.device.unplug()

	done := make(chan error, 1)
	go func() {
		done <- h.sup.WaitForReady(context.Background(), time.Minute)
	}()

	require.Eventually(t, func() bool {
		resolves := 0
		h.device.get(func(d *fakeDevice) { resolves = d.resolves })
		return resolves > 0
	}, time.Second, time.Millisecond)

	h.sup.Dispose()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrDisposed))
	case <-time.After(time.Second):
		t.Fatal("WaitForReady did not return after Dispose")
	}
}

func TestWaitForReady_MockClock(t *testing.T) {
	mock := clock.NewMock()
	h := newHarness(t, func(o *Options) { o.Clock = mock })
	h.device.unplug()
	h.device.set(func(d *fakeDevice) {
		d.replugAfter = 3
		d.replugTo = "/dev/ttyACM2"
	})

	done := make(chan error, 1)
	go func() {
		done <- h.sup.WaitForReady(context.Background(), time.Minute)
	}()

	require.Eventually(t, func() bool {
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			mock.Add(DefaultPollInterval)
			return false
		}
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, model.EndpointRef("/dev/ttyACM2"), h.sup.Endpoint())
}
