package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"device-link/internal/model"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) ResolveEndpoint(ctx context.Context, identity model.DeviceIdentity, timeout time.Duration) (model.EndpointRef, error) {
	args := m.Called(ctx, identity, timeout)
	return args.Get(0).(model.EndpointRef), args.Error(1)
}

func (m *mockResolver) Name() string {
	return m.Called().String(0)
}

func (m *mockResolver) IsAvailable() bool {
	return m.Called().Bool(0)
}

func TestManager_FirstHitWins(t *testing.T) {
	first := &mockResolver{}
	first.On("Name").Return("first").Maybe()
	first.On("IsAvailable").Return(true)
	first.On("ResolveEndpoint", mock.Anything, model.DeviceIdentity("ABC"), time.Second).
		Return(model.EndpointRef(""), ErrNotFound)

	second := &mockResolver{}
	second.On("Name").Return("second").Maybe()
	second.On("IsAvailable").Return(true)
	second.On("ResolveEndpoint", mock.Anything, model.DeviceIdentity("ABC"), time.Second).
		Return(model.EndpointRef("/dev/ttyACM1"), nil)

	third := &mockResolver{}
	third.On("Name").Return("third").Maybe()

	m := NewManager(nil)
	m.Register(first)
	m.Register(second)
	m.Register(third)

	endpoint, err := m.ResolveEndpoint(context.Background(), "ABC", time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.EndpointRef("/dev/ttyACM1"), endpoint)

	first.AssertExpectations(t)
	second.AssertExpectations(t)
	third.AssertNotCalled(t, "ResolveEndpoint", mock.Anything, mock.Anything, mock.Anything)
}

func TestManager_SkipsUnavailableAndErrors(t *testing.T) {
	offline := &mockResolver{}
	offline.On("Name").Return("offline").Maybe()
	offline.On("IsAvailable").Return(false)

	broken := &mockResolver{}
	broken.On("Name").Return("broken").Maybe()
	broken.On("IsAvailable").Return(true)
	broken.On("ResolveEndpoint", mock.Anything, mock.Anything, mock.Anything).
		Return(model.EndpointRef(""), errors.New("enumeration failed"))

	m := NewManager(nil)
	m.Register(offline)
	m.Register(broken)

	_, err := m.ResolveEndpoint(context.Background(), "ABC", 0)
	assert.ErrorIs(t, err, ErrNotFound)
	offline.AssertNotCalled(t, "ResolveEndpoint", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, []string{"broken"}, m.AvailableResolvers())
}

func TestManager_NoIdentity(t *testing.T) {
	m := NewManager(nil)
	m.Register(NewStaticResolver())

	_, err := m.ResolveEndpoint(context.Background(), "  ", time.Second)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestManager_Cancelled(t *testing.T) {
	static := NewStaticResolver()
	static.Set("ABC", "/dev/ttyACM0")

	m := NewManager(nil)
	m.Register(static)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.ResolveEndpoint(ctx, "ABC", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaticResolver(t *testing.T) {
	static := NewStaticResolver()
	assert.False(t, static.IsAvailable())

	static.Set("Bridge-01", "tcp://10.0.0.5:4001")
	assert.True(t, static.IsAvailable())

	endpoint, err := static.ResolveEndpoint(context.Background(), "bridge-01", 0)
	require.NoError(t, err)
	assert.Equal(t, model.EndpointRef("tcp://10.0.0.5:4001"), endpoint)

	ports, err := static.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "static", ports[0].Source)

	static.Remove("BRIDGE-01")
	_, err = static.ResolveEndpoint(context.Background(), "bridge-01", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_ScanAll(t *testing.T) {
	static := NewStaticResolver()
	static.Set("ABC", "/dev/ttyACM0")

	plain := &mockResolver{}
	plain.On("Name").Return("plain").Maybe()

	m := NewManager(nil)
	m.Register(static)
	m.Register(plain)

	ports, err := m.ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, model.EndpointRef("/dev/ttyACM0"), ports[0].Endpoint)
	assert.Equal(t, model.DeviceIdentity("abc"), ports[0].Identity())
}
