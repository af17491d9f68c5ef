package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddielth/vss-twin-bridge/logger"
	"github.com/eddielth/vss-twin-bridge/mqtt"
	"github.com/eddielth/vss-twin-bridge/vss"
)

// State is the lifecycle state of a Controller.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingIdentity
	StateActive
	StateShuttingDown
)

var stateNames = map[State]string{
	StateDisconnected:     "Disconnected",
	StateAwaitingIdentity: "AwaitingIdentity",
	StateActive:           "Active",
	StateShuttingDown:     "ShuttingDown",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transport is the MQTT connection shared with the edge cloud connector.
// *mqtt.Client implements it.
type Transport interface {
	Subscribe(topic string, handler mqtt.MessageHandler) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Disconnect()
}

// EventKind tells the events processed by Controller.Run apart.
type EventKind int

const (
	EventConnected EventKind = iota
	EventConnectFailed
	EventMessage
	EventDelta
)

// Event is a transport or signal source callback, queued for the controller
// goroutine.
type Event struct {
	Kind    EventKind
	Topic   string
	Payload []byte
	Err     error
}

// Options configures a Controller.
type Options struct {
	IdentityRequestTopic  string
	IdentityResponseTopic string
	// TreePath is the wildcard pulled for the initial sync.
	TreePath string
	// Paths are subscribed to for live updates.
	Paths []string
	// RequestTimeout bounds each request to the signal source.
	RequestTimeout time.Duration
	// QueueSize is the capacity of the event queue.
	QueueSize int
}

func (o *Options) setDefaults() {
	if o.IdentityRequestTopic == "" {
		o.IdentityRequestTopic = "edge/thing/request"
	}
	if o.IdentityResponseTopic == "" {
		o.IdentityResponseTopic = "edge/thing/response"
	}
	if o.TreePath == "" {
		o.TreePath = vss.DefaultTreePath
	}
	if len(o.Paths) == 0 {
		o.Paths = vss.DefaultPaths
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
}

// Controller runs the bridge: it performs the identity handshake whenever the
// transport connects, syncs the signal tree and subscribes to live updates
// once the identity is known, and forwards every update to the dispatcher.
//
// Transport and signal source callbacks only enqueue events; they are handled
// one at a time by Run.
type Controller struct {
	opts       Options
	transport  Transport
	source     vss.Source
	gate       *IdentityGate
	dispatcher *Dispatcher

	events  chan Event
	stopped chan struct{}

	mu    sync.Mutex
	state State
	sub   vss.Subscription

	shutdownOnce sync.Once
}

// NewController wires a controller. Twin commands are sent to sink.
func NewController(opts Options, transport Transport, source vss.Source, sink Sink, dopts ...DispatcherOption) *Controller {
	opts.setDefaults()
	gate := NewIdentityGate(opts.IdentityResponseTopic)
	return &Controller{
		opts:       opts,
		transport:  transport,
		source:     source,
		gate:       gate,
		dispatcher: NewDispatcher(gate, sink, dopts...),
		events:     make(chan Event, opts.QueueSize),
		stopped:    make(chan struct{}),
		state:      StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the device identity, once resolved.
func (c *Controller) Identity() (DeviceIdentity, bool) {
	return c.gate.Identity()
}

// OnConnected is the transport's connect handler.
func (c *Controller) OnConnected() {
	c.enqueue(Event{Kind: EventConnected})
}

// OnConnectFailed reports a failed connection attempt.
func (c *Controller) OnConnectFailed(err error) {
	c.enqueue(Event{Kind: EventConnectFailed, Err: err})
}

// OnMessage is the transport's message handler.
func (c *Controller) OnMessage(topic string, payload []byte) {
	c.enqueue(Event{Kind: EventMessage, Topic: topic, Payload: payload})
}

func (c *Controller) onDelta(payload []byte) {
	c.enqueue(Event{Kind: EventDelta, Payload: payload})
}

// enqueue blocks while the queue is full, until the controller shuts down.
func (c *Controller) enqueue(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

// Run processes events until ctx is cancelled, then shuts the controller
// down. A non-nil error means the bridge cannot continue and the process
// should exit.
func (c *Controller) Run(ctx context.Context) error {
	defer c.Shutdown()

	for {
		select {
		case <-ctx.Done():
			logger.Info("bridge controller stopping")
			return nil
		case <-c.stopped:
			return nil
		case ev := <-c.events:
			if err := c.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventConnected:
		c.handleConnected(ctx)
	case EventConnectFailed:
		logger.Error("connection to MQTT broker failed: %v", ev.Err)
	case EventMessage:
		if ev.Topic != c.opts.IdentityResponseTopic {
			logger.Debug("ignoring message on topic %s", ev.Topic)
			return nil
		}
		return c.handleIdentity(ctx, ev.Payload)
	case EventDelta:
		c.handleDelta(ctx, ev.Payload)
	default:
		logger.Warn("unknown event kind %d", ev.Kind)
	}
	return nil
}

func (c *Controller) handleConnected(ctx context.Context) {
	if c.State() == StateShuttingDown {
		return
	}

	topic := c.opts.IdentityResponseTopic
	if err := c.transport.Subscribe(topic, c.OnMessage); err != nil {
		logger.Error("%v", &TransportError{Op: "subscribe", Target: topic, Err: err})
		return
	}

	c.mu.Lock()
	if c.state == StateDisconnected {
		c.state = StateAwaitingIdentity
	}
	c.mu.Unlock()

	topic = c.opts.IdentityRequestTopic
	if err := c.transport.Publish(ctx, topic, nil); err != nil {
		logger.Error("%v", &TransportError{Op: "publish", Target: topic, Err: err})
		return
	}
	logger.Info("requested device identity on %s", topic)
}

func (c *Controller) handleIdentity(ctx context.Context, payload []byte) error {
	id, resolved, err := c.gate.TryResolve(payload)
	if err != nil {
		logger.Error("%v", err)
		return nil
	}
	if !resolved {
		return nil
	}
	return c.activate(ctx, id)
}

// activate runs once, right after the identity got resolved: full sync first,
// then the live subscription.
func (c *Controller) activate(ctx context.Context, id DeviceIdentity) error {
	treeCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	tree, err := c.source.Tree(treeCtx, c.opts.TreePath)
	cancel()
	if err != nil {
		logger.Error("failed to read signal tree %s: %v", c.opts.TreePath, err)
		if err := c.dispatcher.DeclareFeature(ctx); err != nil {
			logger.Error("%v", err)
		}
	} else if err := c.dispatcher.DispatchFullSync(ctx, tree); err != nil {
		logger.Warn("signal tree sync to %s incomplete: %v", id.DeviceID, err)
	}

	subCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	sub, err := c.source.SubscribeDeltas(subCtx, c.opts.Paths, c.onDelta)
	cancel()
	if err != nil {
		// Shutdown closes the source under a pending subscribe
		if ctx.Err() != nil || c.State() == StateShuttingDown {
			return nil
		}
		return fmt.Errorf("subscribe to signal updates: %w", err)
	}

	c.mu.Lock()
	if c.state == StateShuttingDown {
		c.mu.Unlock()
		if err := sub.Close(); err != nil {
			logger.Warn("failed to close signal subscription: %v", err)
		}
		return nil
	}
	c.sub = sub
	c.state = StateActive
	c.mu.Unlock()

	logger.Info("bridge active for %s, forwarding %d signal paths", id.DeviceID, len(c.opts.Paths))
	return nil
}

func (c *Controller) handleDelta(ctx context.Context, payload []byte) {
	err := c.dispatcher.DispatchDelta(ctx, payload)
	var perr *vss.ParseError
	switch {
	case err == nil:
	case errors.Is(err, ErrPrecondition), errors.As(err, &perr):
		// already logged by the dispatcher
	default:
		logger.Warn("signal update partially delivered: %v", err)
	}
}

// Shutdown releases the live subscription, the signal source and the
// transport. It may be called from any goroutine, any number of times.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.state = StateShuttingDown
		sub := c.sub
		c.sub = nil
		c.mu.Unlock()

		close(c.stopped)
		logger.Info("shutting down bridge (was %s)", prev)

		if sub != nil {
			if err := sub.Close(); err != nil {
				logger.Warn("failed to close signal subscription: %v", err)
			}
		}
		if err := c.source.Close(); err != nil {
			logger.Warn("failed to close signal source: %v", err)
		}
		c.transport.Disconnect()
	})
}
