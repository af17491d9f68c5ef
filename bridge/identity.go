package bridge

import (
	"encoding/json"
	"sync"

	"github.com/eddielth/vss-twin-bridge/logger"
	"github.com/eddielth/vss-twin-bridge/twin"
	"github.com/eddielth/vss-twin-bridge/validator"
)

// DeviceIdentity is the identity of this device in the twin service, as
// announced by the edge cloud connector.
type DeviceIdentity struct {
	DeviceID string `json:"deviceId"`
	TenantID string `json:"tenantId"`
	PolicyID string `json:"policyId"`
}

var identityValidator = &validator.RequiredValidator{Fields: []string{"DeviceID"}}

// ParseIdentity decodes an identity response payload.
func ParseIdentity(topic string, payload []byte) (DeviceIdentity, error) {
	var id DeviceIdentity
	if err := json.Unmarshal(payload, &id); err != nil {
		return DeviceIdentity{}, &ParseError{Topic: topic, Err: err}
	}
	if err := identityValidator.Validate(id); err != nil {
		return DeviceIdentity{}, &ParseError{Topic: topic, Err: err}
	}
	// commands are addressed to the device id, so it must be a thing id
	if _, err := twin.ParseThingID(id.DeviceID); err != nil {
		return DeviceIdentity{}, &ParseError{Topic: topic, Err: err}
	}
	return id, nil
}

// IdentityGate holds the device identity once it has been learned. The
// identity is resolved at most once and never changes afterwards.
type IdentityGate struct {
	mu       sync.Mutex
	topic    string
	identity *DeviceIdentity
}

// NewIdentityGate returns an unresolved gate. topic is only used in log and
// error messages.
func NewIdentityGate(topic string) *IdentityGate {
	return &IdentityGate{topic: topic}
}

// TryResolve resolves the gate from an identity response. It reports true
// only for the call that performed the transition; once resolved, every
// further payload is discarded unread. A malformed payload leaves the gate
// unresolved.
func (g *IdentityGate) TryResolve(payload []byte) (DeviceIdentity, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.identity != nil {
		logger.Info("device identity already resolved (%s), discarding message", g.identity.DeviceID)
		return DeviceIdentity{}, false, nil
	}

	id, err := ParseIdentity(g.topic, payload)
	if err != nil {
		return DeviceIdentity{}, false, err
	}
	g.identity = &id

	logger.Info("device identity resolved: device=%s tenant=%s policy=%s", id.DeviceID, id.TenantID, id.PolicyID)
	return id, true, nil
}

// Identity returns the resolved identity, if any.
func (g *IdentityGate) Identity() (DeviceIdentity, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.identity == nil {
		return DeviceIdentity{}, false
	}
	return *g.identity, true
}
