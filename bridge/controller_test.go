package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/vss-twin-bridge/twin"
	"github.com/eddielth/vss-twin-bridge/vss"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type controllerHarness struct {
	ctrl      *Controller
	transport *fakeTransport
	source    *fakeSource
	sink      *fakeSink
	cancel    context.CancelFunc
	done      chan error
}

func startController(t *testing.T, source *fakeSource) *controllerHarness {
	t.Helper()
	h := &controllerHarness{
		transport: newFakeTransport(),
		source:    source,
		sink:      &fakeSink{},
		done:      make(chan error, 1),
	}
	h.ctrl = NewController(Options{RequestTimeout: time.Second}, h.transport, h.source, h.sink)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitFor):
			t.Error("controller did not stop")
		}
	})
	return h
}

// connect simulates the MQTT connection coming up and waits for the identity
// request.
func (h *controllerHarness) connect(t *testing.T) {
	t.Helper()
	before := len(h.transport.publishedTopics())
	h.ctrl.OnConnected()
	require.Eventually(t, func() bool {
		return len(h.transport.publishedTopics()) > before
	}, waitFor, tick, "identity was not requested")
}

func (h *controllerHarness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(waitFor):
		t.Fatal("controller did not stop")
		return nil
	}
}

func TestControllerHandshake(t *testing.T) {
	h := startController(t, &fakeSource{tree: []byte(speedTree)})
	assert.Equal(t, StateDisconnected, h.ctrl.State())

	h.connect(t)
	assert.Equal(t, []string{"edge/thing/response"}, h.transport.subscriptions)
	assert.Equal(t, []string{"edge/thing/request"}, h.transport.publishedTopics())
	assert.Empty(t, h.transport.published[0].payload)
	assert.Equal(t, StateAwaitingIdentity, h.ctrl.State())

	require.True(t, h.transport.deliver("edge/thing/response", identityA))
	require.Eventually(t, func() bool { return h.ctrl.State() == StateActive }, waitFor, tick)

	id, ok := h.ctrl.Identity()
	require.True(t, ok)
	assert.Equal(t, thingA, id.DeviceID)

	cmds := h.sink.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "", cmds[0].PropertyPath)
	assert.Equal(t, "Vehicle/Speed", cmds[1].PropertyPath)

	sub, handler := h.source.subscription()
	require.NotNil(t, sub)
	require.NotNil(t, handler)
	assert.Equal(t, vss.DefaultPaths, h.source.paths)
}

func TestControllerFirstIdentityWins(t *testing.T) {
	h := startController(t, &fakeSource{tree: []byte(speedTree)})
	h.connect(t)

	h.transport.deliver("edge/thing/response", identityA)
	h.transport.deliver("edge/thing/response", identityB)
	require.Eventually(t, func() bool { return h.ctrl.State() == StateActive }, waitFor, tick)

	// events are handled in order: once this delta is out, identity B was
	// handled too
	_, handler := h.source.subscription()
	handler([]byte(speedDelta))
	require.Eventually(t, func() bool { return len(h.sink.commands()) == 3 }, waitFor, tick)

	assert.Equal(t, 1, h.source.treeCallCount())
	assert.Equal(t, 1, h.sink.declarations())
	for _, cmd := range h.sink.commands() {
		assert.Equal(t, thingA, cmd.ThingID)
		assert.Equal(t, "tenant-a", cmd.TenantID)
	}
	id, _ := h.ctrl.Identity()
	assert.Equal(t, thingA, id.DeviceID)
}

func TestControllerForwardsDeltas(t *testing.T) {
	h := startController(t, &fakeSource{tree: []byte(`[]`)})
	h.connect(t)
	h.transport.deliver("edge/thing/response", identityA)
	require.Eventually(t, func() bool { return h.ctrl.State() == StateActive }, waitFor, tick)

	_, handler := h.source.subscription()
	handler([]byte(speedDelta))
	handler([]byte(`not json`))
	handler([]byte(`[{"entry":{"path":"Vehicle.CurrentLocation.Altitude","value":{"value":520}}}]`))

	require.Eventually(t, func() bool { return len(h.sink.properties()) == 2 }, waitFor, tick)
	props := h.sink.properties()
	assert.Equal(t, json.Number("62.5"), props["Vehicle/Speed"].Value)
	assert.Equal(t, twin.FeatureVSS, props["Vehicle/Speed"].FeatureID)
	assert.Contains(t, props, "Vehicle/CurrentLocation/Altitude")
	assert.Equal(t, StateActive, h.ctrl.State())
}

func TestControllerDeltaBeforeIdentity(t *testing.T) {
	h := startController(t, &fakeSource{tree: []byte(speedTree)})
	h.connect(t)

	h.ctrl.onDelta([]byte(speedDelta))
	// a second connect event is queued behind the delta
	h.connect(t)

	assert.Empty(t, h.sink.commands())
	assert.Equal(t, StateAwaitingIdentity, h.ctrl.State())
}

func TestControllerTreeFailureDeclaresFeatureOnly(t *testing.T) {
	h := startController(t, &fakeSource{treeErr: errors.New("broker timeout")})
	h.connect(t)
	h.transport.deliver("edge/thing/response", identityA)
	require.Eventually(t, func() bool { return h.ctrl.State() == StateActive }, waitFor, tick)

	assert.Equal(t, 1, h.sink.declarations())
	assert.Empty(t, h.sink.properties())
	sub, _ := h.source.subscription()
	assert.NotNil(t, sub)
}

func TestControllerSubscribeFailureIsFatal(t *testing.T) {
	h := startController(t, &fakeSource{tree: []byte(speedTree), subErr: errors.New("unknown path")})
	h.connect(t)
	h.transport.deliver("edge/thing/response", identityA)

	select {
	case err := <-h.done:
		h.done <- err
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown path")
	case <-time.After(waitFor):
		t.Fatal("Run did not return after the subscription failed")
	}
	assert.Equal(t, StateShuttingDown, h.ctrl.State())
	assert.Equal(t, 1, h.transport.disconnectCount())
}

func TestControllerReconnect(t *testing.T) {
	h := startController(t, &fakeSource{tree: []byte(speedTree)})
	h.connect(t)
	h.transport.deliver("edge/thing/response", identityA)
	require.Eventually(t, func() bool { return h.ctrl.State() == StateActive }, waitFor, tick)

	h.connect(t)
	// the connector answers again; the identity is already known
	h.transport.deliver("edge/thing/response", identityA)
	h.connect(t)

	assert.Equal(t, StateActive, h.ctrl.State())
	assert.Equal(t, 1, h.source.treeCallCount())
	assert.Equal(t, 1, h.sink.declarations())
	assert.Len(t, h.transport.subscriptions, 3)
}

func TestControllerIgnoresOtherTopics(t *testing.T) {
	h := startController(t, &fakeSource{tree: []byte(speedTree)})
	h.connect(t)

	h.ctrl.OnMessage("edge/other", identityA)
	h.connect(t)

	_, ok := h.ctrl.Identity()
	assert.False(t, ok)
	assert.Equal(t, StateAwaitingIdentity, h.ctrl.State())
}

func TestControllerShutdownReleasesResources(t *testing.T) {
	h := startController(t, &fakeSource{tree: []byte(speedTree)})
	h.connect(t)
	h.transport.deliver("edge/thing/response", identityA)
	require.Eventually(t, func() bool { return h.ctrl.State() == StateActive }, waitFor, tick)

	require.NoError(t, h.stop(t))

	sub, handler := h.source.subscription()
	assert.Equal(t, StateShuttingDown, h.ctrl.State())
	assert.Equal(t, 1, sub.closeCount())
	assert.Equal(t, 1, h.source.closeCount())
	assert.Equal(t, 1, h.transport.disconnectCount())

	h.ctrl.Shutdown()
	assert.Equal(t, 1, sub.closeCount())
	assert.Equal(t, 1, h.transport.disconnectCount())

	// late callbacks neither block nor send anything
	sent := len(h.sink.commands())
	handler([]byte(speedDelta))
	h.ctrl.OnConnected()
	assert.Len(t, h.sink.commands(), sent)
}

func TestControllerShutdownFromOtherGoroutine(t *testing.T) {
	h := startController(t, &fakeSource{tree: []byte(speedTree)})
	h.connect(t)

	go h.ctrl.Shutdown()

	select {
	case err := <-h.done:
		h.done <- err
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.Equal(t, 1, h.source.closeCount())
	_, ok := h.ctrl.Identity()
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AwaitingIdentity", StateAwaitingIdentity.String())
	assert.Equal(t, "State(9)", State(9).String())
}

// closingSource fails a pending subscription once it is closed, like the
// WebSocket source does.
type closingSource struct {
	fakeSource
	subscribing chan struct{}
	closed      chan struct{}
	once        sync.Once
}

func (s *closingSource) SubscribeDeltas(ctx context.Context, _ []string, _ vss.DeltaHandler) (vss.Subscription, error) {
	close(s.subscribing)
	select {
	case <-s.closed:
		return nil, vss.ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *closingSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return s.fakeSource.Close()
}

func TestControllerShutdownDuringSubscribe(t *testing.T) {
	source := &closingSource{
		fakeSource:  fakeSource{tree: []byte(speedTree)},
		subscribing: make(chan struct{}),
		closed:      make(chan struct{}),
	}
	transport := newFakeTransport()
	ctrl := NewController(Options{RequestTimeout: waitFor}, transport, source, &fakeSink{})

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()

	ctrl.OnConnected()
	require.Eventually(t, func() bool {
		return len(transport.publishedTopics()) == 1
	}, waitFor, tick)
	transport.deliver("edge/thing/response", identityA)

	select {
	case <-source.subscribing:
	case <-time.After(waitFor):
		t.Fatal("subscription was not requested")
	}
	ctrl.Shutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.Equal(t, StateShuttingDown, ctrl.State())
	assert.Equal(t, 1, transport.disconnectCount())
}
