package detections

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/spinevision/vertebrae-segmentation-service/models"
)

// registryEntry pairs a detector with its one-shot load state. A failed load
// is cached so later resolves fail fast, unless the failure was only a
// context expiring: that says nothing about the model, so the next resolve
// retries.
type registryEntry struct {
	detector Detector

	mu      sync.Mutex
	started bool
	loadErr error
}

func (e *registryEntry) load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return e.loadErr
	}
	e.started = true

	// Loading outlives the request that triggered it: a client disconnecting
	// mid-download must not poison the model for every later caller. The
	// cache's own download timeout still bounds the work.
	e.loadErr = e.detector.Load(context.WithoutCancel(ctx))
	if errors.Is(e.loadErr, context.Canceled) || errors.Is(e.loadErr, context.DeadlineExceeded) {
		e.started = false
	}
	return e.loadErr
}

// Registry holds at most one detector instance per configured model id and
// dispatches requests for a named model (or the default) to it. Models load
// lazily on first resolve; a broken model never affects the others.
type Registry struct {
	defaultID string
	entries   map[string]*registryEntry
	log       *logrus.Entry
}

// NewRegistry builds a registry over the given detectors. defaultID must be a
// key of detectors.
func NewRegistry(defaultID string, detectors map[string]Detector, log *logrus.Entry) (*Registry, error) {
	if _, ok := detectors[defaultID]; !ok {
		return nil, fmt.Errorf("default model %q is not configured", defaultID)
	}

	entries := make(map[string]*registryEntry, len(detectors))
	for id, d := range detectors {
		entries[id] = &registryEntry{detector: d}
	}

	return &Registry{
		defaultID: defaultID,
		entries:   entries,
		log:       log,
	}, nil
}

// DefaultID returns the configured default model id.
func (r *Registry) DefaultID() string { return r.defaultID }

// Resolve returns the loaded detector for id, loading it on first use. An
// empty id selects the default model. Unknown ids fail with ErrUnknownModel
// before any load is attempted.
func (r *Registry) Resolve(ctx context.Context, id string) (Detector, error) {
	if id == "" {
		id = r.defaultID
	}

	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}

	if err := entry.load(ctx); err != nil {
		r.log.WithError(err).WithField("model", id).Error("model load failed")
		return nil, err
	}
	return entry.detector, nil
}

// Describe returns model info for id (default if empty) without loading it.
func (r *Registry) Describe(id string) (models.ModelInfo, error) {
	if id == "" {
		id = r.defaultID
	}

	entry, ok := r.entries[id]
	if !ok {
		return models.ModelInfo{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return entry.detector.Info(), nil
}

// DescribeAll returns info for every configured model keyed by id.
func (r *Registry) DescribeAll() map[string]models.ModelInfo {
	infos := make(map[string]models.ModelInfo, len(r.entries))
	for id, entry := range r.entries {
		infos[id] = entry.detector.Info()
	}
	return infos
}
