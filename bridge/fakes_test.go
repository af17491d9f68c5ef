package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/eddielth/vss-twin-bridge/mqtt"
	"github.com/eddielth/vss-twin-bridge/twin"
	"github.com/eddielth/vss-twin-bridge/vss"
)

const (
	thingA = "org.example:car-a"
	thingB = "org.example:car-b"
)

var (
	identityA = []byte(`{"deviceId":"org.example:car-a","tenantId":"tenant-a","policyId":"org.example:policy"}`)
	identityB = []byte(`{"deviceId":"org.example:car-b","tenantId":"tenant-b","policyId":"org.example:policy"}`)
)

type fakeSink struct {
	mu   sync.Mutex
	cmds []twin.Command
	// failing property paths; "" fails the feature declaration
	fail map[string]bool
}

func (s *fakeSink) Send(_ context.Context, cmd twin.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[cmd.PropertyPath] {
		return errors.New("broker unavailable")
	}
	s.cmds = append(s.cmds, cmd)
	return nil
}

func (s *fakeSink) commands() []twin.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]twin.Command(nil), s.cmds...)
}

// properties returns the sent property commands keyed by property path.
func (s *fakeSink) properties() map[string]twin.Command {
	out := make(map[string]twin.Command)
	for _, c := range s.commands() {
		if c.PropertyPath != "" {
			out[c.PropertyPath] = c
		}
	}
	return out
}

func (s *fakeSink) declarations() int {
	n := 0
	for _, c := range s.commands() {
		if c.PropertyPath == "" {
			n++
		}
	}
	return n
}

type publishCall struct {
	topic   string
	payload []byte
}

type fakeTransport struct {
	mu            sync.Mutex
	subscriptions []string
	handlers      map[string]mqtt.MessageHandler
	published     []publishCall
	disconnects   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]mqtt.MessageHandler)}
}

func (t *fakeTransport) Subscribe(topic string, handler mqtt.MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscriptions = append(t.subscriptions, topic)
	t.handlers[topic] = handler
	return nil
}

func (t *fakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, publishCall{topic: topic, payload: payload})
	return nil
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
}

// deliver hands payload to the handler subscribed to topic, the way the MQTT
// client would.
func (t *fakeTransport) deliver(topic string, payload []byte) bool {
	t.mu.Lock()
	h, ok := t.handlers[topic]
	t.mu.Unlock()
	if ok {
		h(topic, payload)
	}
	return ok
}

func (t *fakeTransport) publishedTopics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.published))
	for i, p := range t.published {
		out[i] = p.topic
	}
	return out
}

func (t *fakeTransport) disconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

type fakeSubscription struct {
	mu     sync.Mutex
	closed int
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSubscription) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSource struct {
	mu        sync.Mutex
	tree      []byte
	treeErr   error
	subErr    error
	treeCalls int
	paths     []string
	handler   vss.DeltaHandler
	sub       *fakeSubscription
	closed    int
}

func (s *fakeSource) Tree(_ context.Context, _ string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.treeCalls++
	return s.tree, s.treeErr
}

func (s *fakeSource) SubscribeDeltas(_ context.Context, paths []string, h vss.DeltaHandler) (vss.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subErr != nil {
		return nil, s.subErr
	}
	s.paths = append([]string(nil), paths...)
	sort.Strings(s.paths)
	s.handler = h
	s.sub = &fakeSubscription{}
	return s.sub, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSource) subscription() (*fakeSubscription, vss.DeltaHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub, s.handler
}

func (s *fakeSource) treeCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.treeCalls
}

func (s *fakeSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
