// Package twin builds Eclipse Ditto protocol messages for the vehicle twin
// and publishes them over MQTT.
package twin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eclipse/ditto-clients-golang/model"
	"github.com/eclipse/ditto-clients-golang/protocol"
	"github.com/eclipse/ditto-clients-golang/protocol/things"
	"github.com/google/uuid"
)

// FeatureVSS is the feature holding every vehicle signal as a property.
const FeatureVSS = "VSS"

const contentTypeJSON = "application/json"

// Command modifies one property of a twin feature, or the whole feature when
// PropertyPath is empty.
type Command struct {
	ThingID      string
	TenantID     string
	FeatureID    string
	PropertyPath string
	Value        interface{}
}

// DeclareFeature returns the command that (re)creates an empty feature.
func DeclareFeature(thingID, tenantID, featureID string) Command {
	return Command{
		ThingID:   thingID,
		TenantID:  tenantID,
		FeatureID: featureID,
		Value:     model.Feature{},
	}
}

// ParseThingID parses a namespaced thing id ("namespace:name").
func ParseThingID(thingID string) (*model.NamespacedID, error) {
	id := model.NewNamespacedIDFrom(thingID)
	if id == nil {
		return nil, fmt.Errorf("invalid thing id %q", thingID)
	}
	return id, nil
}

// Envelope converts c into a Ditto protocol envelope. No response is
// requested.
func (c Command) Envelope() (*protocol.Envelope, error) {
	id, err := ParseThingID(c.ThingID)
	if err != nil {
		return nil, err
	}
	if c.FeatureID == "" {
		return nil, fmt.Errorf("command for %s has no feature", c.ThingID)
	}

	cmd := things.NewCommand(id).Twin()
	if c.PropertyPath == "" {
		cmd = cmd.Feature(c.FeatureID)
	} else {
		cmd = cmd.FeatureProperty(c.FeatureID, c.PropertyPath)
	}

	return cmd.Modify(c.Value).Envelope(
		protocol.WithResponseRequired(false),
		protocol.WithContentType(contentTypeJSON),
		protocol.WithCorrelationID(uuid.NewString()),
	), nil
}

// Marshal returns the JSON encoding of the command's envelope.
func (c Command) Marshal() ([]byte, error) {
	env, err := c.Envelope()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return payload, nil
}

// Publisher is the transport the twin client sends envelopes over.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Client sends commands to the twin service through the local edge
// connector.
type Client struct {
	publisher     Publisher
	topicTemplate string
}

// NewClient creates a client. The topic template may reference {tenantId}
// and {thingId}.
func NewClient(publisher Publisher, topicTemplate string) *Client {
	return &Client{publisher: publisher, topicTemplate: topicTemplate}
}

// Send publishes c.
func (c *Client) Send(ctx context.Context, cmd Command) error {
	payload, err := cmd.Marshal()
	if err != nil {
		return err
	}
	return c.publisher.Publish(ctx, c.Topic(cmd), payload)
}

// Topic returns the MQTT topic cmd is published on.
func (c *Client) Topic(cmd Command) string {
	return strings.NewReplacer(
		"{tenantId}", cmd.TenantID,
		"{thingId}", cmd.ThingID,
	).Replace(c.topicTemplate)
}
