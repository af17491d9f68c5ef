package vss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eddielth/vss-twin-bridge/logger"
)

// ErrSourceClosed is returned by requests issued after the connection to the
// broker went away.
var ErrSourceClosed = errors.New("signal source closed")

const (
	actionGet          = "get"
	actionSubscribe    = "subscribe"
	actionUnsubscribe  = "unsubscribe"
	actionSubscription = "subscription"

	closeTimeout = 2 * time.Second
)

// request is a client-to-broker message.
type request struct {
	Action         string   `json:"action"`
	RequestID      string   `json:"requestId"`
	Path           string   `json:"path,omitempty"`
	Paths          []string `json:"paths,omitempty"`
	SubscriptionID string   `json:"subscriptionId,omitempty"`
}

// message is a broker-to-client message: a response to a request, or a
// subscription notification.
type message struct {
	Action         string          `json:"action"`
	RequestID      string          `json:"requestId,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          *BrokerError    `json:"error,omitempty"`
}

// BrokerError is an error reported by the signal broker.
type BrokerError struct {
	Number  int    `json:"number"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error %d (%s): %s", e.Number, e.Reason, e.Message)
}

type pendingRequest struct {
	reply chan message
	// handler is registered by the read loop as soon as a subscribe
	// acknowledgement arrives, so no notification can slip past it.
	handler DeltaHandler
}

// WebSocketSource talks JSON over a WebSocket to a KUKSA.val style signal
// broker. Notifications are delivered on the read loop goroutine.
type WebSocketSource struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingRequest
	subs    map[string]DeltaHandler

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// DialWebSocket connects to the broker at url (e.g. "ws://localhost:8090")
// and starts the read loop.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketSource, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial signal broker %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial signal broker %s: %w", url, err)
	}

	s := &WebSocketSource{
		conn:    conn,
		pending: make(map[string]*pendingRequest),
		subs:    make(map[string]DeltaHandler),
		done:    make(chan struct{}),
	}
	go s.readLoop()

	logger.Info("connected to signal broker: %s", url)
	return s, nil
}

// Tree pulls a snapshot of every signal matching wildcard.
func (s *WebSocketSource) Tree(ctx context.Context, wildcard string) ([]byte, error) {
	msg, err := s.roundTrip(ctx, request{Action: actionGet, Path: wildcard}, nil)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", wildcard, err)
	}
	return msg.Data, nil
}

// SubscribeDeltas subscribes to changes of paths. h is invoked once per
// notification with its data array.
func (s *WebSocketSource) SubscribeDeltas(ctx context.Context, paths []string, h DeltaHandler) (Subscription, error) {
	if len(paths) == 0 {
		return nil, errors.New("subscribe: no paths")
	}
	msg, err := s.roundTrip(ctx, request{Action: actionSubscribe, Paths: paths}, h)
	if err != nil {
		return nil, fmt.Errorf("subscribe %v: %w", paths, err)
	}
	if msg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscribe %v: broker returned no subscription id", paths)
	}

	logger.Info("subscribed to %d signal paths (subscription %s)", len(paths), msg.SubscriptionID)
	return &wsSubscription{source: s, id: msg.SubscriptionID}, nil
}

// Close terminates the connection and fails all outstanding requests.
func (s *WebSocketSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeTimeout))
		s.writeMu.Unlock()

		err = s.conn.Close()
		<-s.done
		logger.Info("disconnected from signal broker")
	})
	return err
}

// Done is closed once the read loop has exited.
func (s *WebSocketSource) Done() <-chan struct{} {
	return s.done
}

func (s *WebSocketSource) roundTrip(ctx context.Context, req request, h DeltaHandler) (message, error) {
	req.RequestID = uuid.NewString()
	p := &pendingRequest{reply: make(chan message, 1), handler: h}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return message{}, ErrSourceClosed
	default:
	}
	s.pending[req.RequestID] = p
	s.mu.Unlock()

	cleanup := func() {
		s.mu.Lock()
		delete(s.pending, req.RequestID)
		s.mu.Unlock()
	}

	if err := s.write(req); err != nil {
		cleanup()
		return message{}, err
	}

	select {
	case msg := <-p.reply:
		if msg.Error != nil {
			return message{}, msg.Error
		}
		return msg, nil
	case <-ctx.Done():
		cleanup()
		return message{}, ctx.Err()
	case <-s.done:
		return message{}, fmt.Errorf("%w: %v", ErrSourceClosed, s.err)
	}
}

func (s *WebSocketSource) write(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write to signal broker: %w", err)
	}
	return nil
}

func (s *WebSocketSource) readLoop() {
	defer close(s.done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.err = err
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("signal broker connection lost: %v", err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("discarding malformed signal broker message: %v", err)
			continue
		}

		if msg.Action == actionSubscription {
			s.mu.Lock()
			h, ok := s.subs[msg.SubscriptionID]
			s.mu.Unlock()
			if !ok {
				logger.Debug("notification for unknown subscription %s dropped", msg.SubscriptionID)
				continue
			}
			h(msg.Data)
			continue
		}

		s.mu.Lock()
		p, ok := s.pending[msg.RequestID]
		delete(s.pending, msg.RequestID)
		if ok && msg.Action == actionSubscribe && msg.Error == nil && msg.SubscriptionID != "" && p.handler != nil {
			s.subs[msg.SubscriptionID] = p.handler
		}
		s.mu.Unlock()

		if !ok {
			logger.Debug("response to unknown request %s dropped", msg.RequestID)
			continue
		}
		p.reply <- msg
	}
}

type wsSubscription struct {
	source *WebSocketSource
	id     string
	once   sync.Once
}

// Close unsubscribes. The local handler is removed even if the broker cannot
// be reached.
func (sub *wsSubscription) Close() error {
	var err error
	sub.once.Do(func() {
		s := sub.source
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if _, uerr := s.roundTrip(ctx, request{Action: actionUnsubscribe, SubscriptionID: sub.id}, nil); uerr != nil {
			err = fmt.Errorf("unsubscribe %s: %w", sub.id, uerr)
			return
		}
		logger.Info("unsubscribed from signal broker (subscription %s)", sub.id)
	})
	return err
}
