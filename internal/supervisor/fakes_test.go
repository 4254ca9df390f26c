package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"device-link/internal/discovery"
	"device-link/internal/model"
	"device-link/internal/protocol"
)

// virtualClock advances only when someone waits on it, so retry loops run
// instantly while still accounting for every delay.
type virtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newVirtualClock() *virtualClock {
	return &virtualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Advance(d)
	return ch
}

func (c *virtualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// gateClock holds every wait of exactly gate until the test releases it,
// so state can be inspected in the middle of that wait
type gateClock struct {
	*virtualClock
	gate    time.Duration
	waiting chan struct{}
	release chan time.Time
}

func newGateClock(gate time.Duration) *gateClock {
	return &gateClock{
		gate:    gate,
		waiting: make(chan struct{}),
		release: make(chan time.Time),
	}
}

func (c *gateClock) After(d time.Duration) <-chan time.Time {
	if d != c.gate {
		return c.virtualClock.After(d)
	}
	c.waiting <- struct{}{}
	return c.release
}

// wait blocks until a gated wait has started
func (c *gateClock) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.waiting:
	case <-time.After(5 * time.Second):
		t.Fatal("gated wait never started")
	}
}

// open lets the pending gated wait finish
func (c *gateClock) open() {
	c.release <- c.Advance(c.gate)
}

// stalledClock never fires, leaving waits to be ended by cancellation
type stalledClock struct{}

func (stalledClock) Now() time.Time                       { return time.Unix(0, 0) }
func (stalledClock) After(time.Duration) <-chan time.Time { return nil }

// fakeDevice simulates one physical device that can be unplugged, moved to
// another port, and made to reject opens or liveness queries.
type fakeDevice struct {
	mu sync.Mutex

	clock    *virtualClock
	sup      *Supervisor
	serial   string
	firmware string
	endpoint model.EndpointRef
	attached bool

	// replugAfter re-attaches the device at replugTo once discovery has
	// been asked that many times
	replugAfter int
	replugTo    model.EndpointRef

	failOpens  int
	failProbes int
	probeDelay time.Duration
	writeErr   error
	// closeOnWriteErr makes a failed write close the transport, as a serial
	// port does when it abandons a timed-out write
	closeOnWriteErr bool

	opens         int
	probes        int
	resolves      int
	probeTimeouts []time.Duration
	transports    []*fakeTransport
	writes        [][]byte
	violations    []string
}

func newFakeDevice(clock *virtualClock) *fakeDevice {
	return &fakeDevice{
		clock:    clock,
		serial:   "3657345A3735",
		firmware: "1.0.0",
		endpoint: "/dev/ttyACM0",
		attached: true,
	}
}

func (d *fakeDevice) Name() string      { return "fake" }
func (d *fakeDevice) IsAvailable() bool { return true }

func (d *fakeDevice) ResolveEndpoint(ctx context.Context, identity model.DeviceIdentity, _ time.Duration) (model.EndpointRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.resolves++
	if !d.attached && d.replugAfter > 0 && d.resolves >= d.replugAfter {
		d.attached = true
		d.endpoint = d.replugTo
	}
	if !d.attached || string(identity) != d.serial {
		return "", fmt.Errorf("%w: %s", discovery.ErrNotFound, identity)
	}
	return d.endpoint, nil
}

func (d *fakeDevice) factory(endpoint model.EndpointRef) (protocol.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := &fakeTransport{device: d, endpoint: endpoint}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDevice) FetchDeviceInfo(ctx context.Context, transport protocol.Transport, timeout time.Duration) (*model.DeviceInfo, error) {
	d.checkIO("probe")

	d.mu.Lock()
	d.probes++
	d.probeTimeouts = append(d.probeTimeouts, timeout)
	fail := d.failProbes > 0
	if fail {
		d.failProbes--
	}
	delay := d.probeDelay
	info := &model.DeviceInfo{
		Model:           "F7Micro",
		SerialNumber:    d.serial,
		FirmwareVersion: d.firmware,
	}
	d.mu.Unlock()

	if delay > 0 {
		d.clock.Advance(min(delay, timeout))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail || !transport.IsOpen() {
		return nil, fmt.Errorf("%w: no answer", protocol.ErrTimeout)
	}
	return info, nil
}

// checkIO records any transport use outside OpenUnverified and Ready
func (d *fakeDevice) checkIO(op string) {
	d.mu.Lock()
	sup := d.sup
	d.mu.Unlock()

	if sup == nil {
		return
	}
	if state := sup.State(); !state.AllowsIO() {
		d.mu.Lock()
		d.violations = append(d.violations, fmt.Sprintf("%s in %s", op, state))
		d.mu.Unlock()
	}
}

// unplug closes every open transport and detaches the device
func (d *fakeDevice) unplug() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attached = false
	for _, t := range d.transports {
		t.setOpen(false)
	}
}

// drop closes every open transport without detaching the device
func (d *fakeDevice) drop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, t := range d.transports {
		t.setOpen(false)
	}
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func (d *fakeDevice) get(fn func(d *fakeDevice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func (d *fakeDevice) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func (d *fakeDevice) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

type fakeTransport struct {
	device   *fakeDevice
	endpoint model.EndpointRef

	mu     sync.Mutex
	open   bool
	closes int
}

func (t *fakeTransport) setOpen(open bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = open
}

func (t *fakeTransport) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d := t.device
	d.mu.Lock()
	d.opens++
	fail := d.failOpens > 0
	if fail {
		d.failOpens--
	}
	present := d.attached && d.endpoint == t.endpoint
	d.mu.Unlock()

	if fail || !present {
		return fmt.Errorf("%w: %s", protocol.ErrTransportUnavailable, t.endpoint)
	}
	t.setOpen(true)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		t.closes++
	}
	t.open = false
	return nil
}

func (t *fakeTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	t.device.checkIO("write")

	if !t.IsOpen() {
		return protocol.ErrNotOpen
	}

	d := t.device
	d.mu.Lock()
	writeErr := d.writeErr
	d.mu.Unlock()

	if writeErr != nil {
		d.mu.Lock()
		closeOnErr := d.closeOnWriteErr
		d.mu.Unlock()
		if writeErr == protocol.ErrNotOpen || closeOnErr {
			t.setOpen(false)
		}
		return writeErr
	}

	d.mu.Lock()
	d.writes = append(d.writes, append([]byte(nil), data...))
	d.mu.Unlock()
	return nil
}

func (t *fakeTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	return nil, protocol.ErrTimeout
}

func (t *fakeTransport) Endpoint() model.EndpointRef   { return t.endpoint }
func (t *fakeTransport) Stats() protocol.ProtocolStats { return protocol.ProtocolStats{} }

// recordingSink keeps every published event
type recordingSink struct {
	mu     sync.Mutex
	events []model.LinkEvent
}

func (r *recordingSink) Publish(event model.LinkEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) count(eventType model.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// last returns the most recent event of eventType
func (r *recordingSink) last(eventType model.EventType) (model.LinkEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return model.LinkEvent{}, false
}

// states returns the sequence of states entered
func (r *recordingSink) states() []model.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	var states []model.ConnectionState
	for _, e := range r.events {
		if e.Type == model.EventStateChanged {
			states = append(states, e.To)
		}
	}
	return states
}
