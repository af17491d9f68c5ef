package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddielth/vss-twin-bridge/logger"
	"github.com/eddielth/vss-twin-bridge/storage"
	"github.com/eddielth/vss-twin-bridge/transformer"
	"github.com/eddielth/vss-twin-bridge/twin"
	"github.com/eddielth/vss-twin-bridge/vss"
)

// Sink accepts twin commands. *twin.Client implements it.
type Sink interface {
	Send(ctx context.Context, cmd twin.Command) error
}

// Dispatcher turns signal payloads into twin property commands, one per
// signal path. Commands are sent one by one; a failed send does not stop the
// remaining ones.
type Dispatcher struct {
	gate         *IdentityGate
	sink         Sink
	featureID    string
	transformers *transformer.Manager
	journal      *storage.Manager
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTransformers runs every value through m before it is sent.
func WithTransformers(m *transformer.Manager) DispatcherOption {
	return func(d *Dispatcher) { d.transformers = m }
}

// WithJournal records every sent update in j.
func WithJournal(j *storage.Manager) DispatcherOption {
	return func(d *Dispatcher) { d.journal = j }
}

// NewDispatcher returns a dispatcher reading the device identity from gate.
func NewDispatcher(gate *IdentityGate, sink Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{gate: gate, sink: sink, featureID: twin.FeatureVSS}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) mustIdentity() DeviceIdentity {
	id, ok := d.gate.Identity()
	if !ok {
		panic("bridge: full sync requested before the device identity was resolved")
	}
	return id
}

// DeclareFeature (re)creates the empty VSS feature on the twin. It panics if
// the identity is not resolved.
func (d *Dispatcher) DeclareFeature(ctx context.Context) error {
	id := d.mustIdentity()
	cmd := twin.DeclareFeature(id.DeviceID, id.TenantID, d.featureID)
	if err := d.sink.Send(ctx, cmd); err != nil {
		updatesFailed.Add(ctx, 1, kindOption(kindSync))
		return &TransportError{Op: "declare feature", Target: id.DeviceID + "/" + d.featureID, Err: err}
	}
	updatesSent.Add(ctx, 1, kindOption(kindSync))
	logger.Info("declared feature %s on %s", d.featureID, id.DeviceID)
	return nil
}

// DispatchFullSync declares the feature, then sends one command per valued
// signal of the tree snapshot. The identity must be resolved; calling it
// earlier is a programming error and panics.
func (d *Dispatcher) DispatchFullSync(ctx context.Context, tree []byte) error {
	id := d.mustIdentity()
	defer measureSync(ctx, time.Now())

	declareErr := d.DeclareFeature(ctx)
	if declareErr != nil {
		logger.Error("%v", declareErr)
	}

	update, err := vss.FlattenTree(tree)
	if err != nil {
		batchesDiscarded.Add(ctx, 1, kindOption(kindSync))
		logger.Error("discarding signal tree: %v", err)
		return errors.Join(declareErr, err)
	}

	logger.Info("syncing %d signals to %s", len(update), id.DeviceID)
	return errors.Join(declareErr, d.dispatch(ctx, id, update, kindSync))
}

// DispatchDelta sends one command per signal of a delta notification. Before
// the identity is resolved nothing is sent and a *PreconditionError is
// returned.
func (d *Dispatcher) DispatchDelta(ctx context.Context, delta []byte) error {
	id, ok := d.gate.Identity()
	if !ok {
		logger.Warn("no device identity yet, dropping signal update")
		return &PreconditionError{Op: "dispatch delta"}
	}

	update, err := vss.FlattenDelta(delta)
	if err != nil {
		batchesDiscarded.Add(ctx, 1, kindOption(kindDelta))
		logger.Error("discarding signal update: %v", err)
		return err
	}

	logger.Debug("updating %d signals on %s", len(update), id.DeviceID)
	return d.dispatch(ctx, id, update, kindDelta)
}

func (d *Dispatcher) dispatch(ctx context.Context, id DeviceIdentity, update vss.Update, kind string) error {
	var errs []error
	for path, raw := range update {
		value, ok, err := d.transformers.Apply(path, raw)
		if err != nil {
			logger.Error("dropping %s: %v", path, err)
			continue
		}
		if !ok {
			logger.Debug("transformer dropped %s", path)
			continue
		}

		cmd := twin.Command{
			ThingID:      id.DeviceID,
			TenantID:     id.TenantID,
			FeatureID:    d.featureID,
			PropertyPath: vss.PropertyPath(path),
			Value:        value,
		}
		if err := d.sink.Send(ctx, cmd); err != nil {
			updatesFailed.Add(ctx, 1, kindOption(kind))
			terr := &TransportError{
				Op:     "update property",
				Target: fmt.Sprintf("%s/%s/%s", id.DeviceID, d.featureID, cmd.PropertyPath),
				Err:    err,
			}
			logger.Error("%v", terr)
			errs = append(errs, terr)
			continue
		}
		updatesSent.Add(ctx, 1, kindOption(kind))
		logger.Debug("updated %s/%s = %v", d.featureID, cmd.PropertyPath, value)

		d.journal.Store(ctx, storage.Record{
			ThingID:      cmd.ThingID,
			FeatureID:    cmd.FeatureID,
			PropertyPath: cmd.PropertyPath,
			Value:        value,
			Kind:         kind,
			Timestamp:    time.Now(),
		})
	}
	return errors.Join(errs...)
}
