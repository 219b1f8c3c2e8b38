package host

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownService    = errors.New("unknown service")
	ErrUnknownEntity     = errors.New("unknown entity")
	ErrEntityExists      = errors.New("entity already registered")
	ErrInvalidEntityName = errors.New("invalid entity name")
)

// ServiceCall is an entity service, usually a method expression such as
// (*cover.Control).Open.
type ServiceCall[E Entity] func(e E, ctx context.Context) error

// Registry keeps the entities of one integration, keyed by object id, and
// dispatches per-entity services to them by name.
type Registry[E Entity] struct {
	domain string
	writer StateWriter

	mu       sync.RWMutex
	entities map[string]E
	services map[string]ServiceCall[E]
}

func NewRegistry[E Entity](domain string, writer StateWriter) *Registry[E] {
	return &Registry[E]{
		domain:   domain,
		writer:   writer,
		entities: map[string]E{},
		services: map[string]ServiceCall[E]{},
	}
}

// AddEntities registers entities, sets up the ones implementing Subscriber and
// writes their initial state. An entity whose object id is empty or already
// taken is rejected before any of them is set up.
func (r *Registry[E]) AddEntities(ctx context.Context, entities ...E) error {
	if err := r.reserve(entities); err != nil {
		return err
	}

	for i, e := range entities {
		if s, ok := any(e).(Subscriber); ok {
			if err := s.Setup(); err != nil {
				r.release(entities[i:])
				return errors.Wrapf(err, "%s: %s setup failed", r.domain, e.Name())
			}
		}

		logrus.Infof("%s: entity %s added", r.domain, e.Name())
		if err := r.writer.WriteState(ctx, e); err != nil {
			return errors.Wrapf(err, "%s: initial state write failed", e.Name())
		}
	}

	return nil
}

func (r *Registry[E]) reserve(entities []E) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make(map[string]bool, len(entities))
	for _, e := range entities {
		id := ObjectID(e.Name())
		if id == "" {
			return errors.Wrapf(ErrInvalidEntityName, "%s: %q", r.domain, e.Name())
		}
		if _, found := r.entities[id]; found || batch[id] {
			return errors.Wrapf(ErrEntityExists, "%s: %s (object id %s)", r.domain, e.Name(), id)
		}
		batch[id] = true
	}

	for _, e := range entities {
		r.entities[ObjectID(e.Name())] = e
	}
	return nil
}

func (r *Registry[E]) release(entities []E) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entities {
		delete(r.entities, ObjectID(e.Name()))
	}
}

func (r *Registry[E]) RegisterEntityService(name string, call ServiceCall[E]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.services[name] = call
	logrus.Debugf("%s: service %s registered", r.domain, name)
}

// Call invokes service on the entity with the given name.
func (r *Registry[E]) Call(ctx context.Context, service string, entityName string) error {
	r.mu.RLock()
	call, ok := r.services[service]
	e, found := r.entities[ObjectID(entityName)]
	r.mu.RUnlock()

	if !ok {
		return errors.Wrapf(ErrUnknownService, "%s.%s", r.domain, service)
	}
	if !found {
		return errors.Wrapf(ErrUnknownEntity, "%s: %s", r.domain, entityName)
	}

	return call(e, ctx)
}

func (r *Registry[E]) Entities() []E {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entities := make([]E, 0, len(ids))
	for _, id := range ids {
		entities = append(entities, r.entities[id])
	}
	return entities
}
