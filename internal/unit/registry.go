package unit

import (
	"sort"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// ErrNoProducer marks producer-lookup failures for unregistered kinds.
var ErrNoProducer = errors.New("no producer registered for kind")

// producerCacheSize bounds the memoized kind-resolution cache. Lookups walk
// the kind hierarchy; the walk result is stable for a registry generation, so
// a small LRU removes the repeated walking for list elements.
const producerCacheSize = 128

// Registry owns every known unit and the kind-to-producer table.
//
// It is an explicit object rather than package-level state so each session
// (and each test) gets an isolated view. The registry assumes the pipeline's
// single-control-thread model and performs no locking.
type Registry struct {
	log       *zap.Logger
	units     map[string]*Unit
	producers map[Kind]Producer
	resolved  *lru.Cache[Kind, Producer]
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	cache, _ := lru.New[Kind, Producer](producerCacheSize)
	return &Registry{
		log:       log,
		units:     map[string]*Unit{},
		producers: map[Kind]Producer{},
		resolved:  cache,
	}
}

// RegisterProducer installs p under its kind. Duplicate kinds are rejected.
func (r *Registry) RegisterProducer(p Producer) error {
	if p == nil {
		return errors.New("nil producer")
	}
	k := p.Kind()
	if k == "" {
		return errors.New("producer kind is required")
	}
	if _, exists := r.producers[k]; exists {
		return errors.Newf("duplicate producer for kind %q", k)
	}
	r.producers[k] = p
	r.resolved.Purge()
	return nil
}

// ProducerFor resolves the producer for kind, walking up the kind hierarchy
// to the nearest registered base kind. Resolution is memoized.
func (r *Registry) ProducerFor(kind Kind) (Producer, error) {
	if p, ok := r.resolved.Get(kind); ok {
		return p, nil
	}
	for k := kind; k != ""; k = k.Parent() {
		if p, ok := r.producers[k]; ok {
			r.resolved.Add(kind, p)
			return p, nil
		}
	}
	return nil, errors.Wrapf(ErrNoProducer, "%q", kind)
}

// Add registers a unit. Duplicate names are rejected: the name is the unit's
// durable identity.
func (r *Registry) Add(u *Unit) error {
	if u == nil {
		return errors.New("nil unit")
	}
	if u.Name == "" {
		return errors.New("unit name is required")
	}
	if _, exists := r.units[u.Name]; exists {
		return errors.Newf("duplicate unit name %q", u.Name)
	}
	r.units[u.Name] = u
	return nil
}

// Get returns a unit by name.
func (r *Registry) Get(name string) (*Unit, bool) {
	u, ok := r.units[name]
	return u, ok
}

// Names returns all unit names in lexicographic order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.units))
	for name := range r.units {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Units returns all units in name order.
func (r *Registry) Units() []*Unit {
	names := r.Names()
	out := make([]*Unit, 0, len(names))
	for _, name := range names {
		out = append(out, r.units[name])
	}
	return out
}

// Remove deletes a unit whose declaring slot disappeared and strips the name
// from every other unit's recorded dependency set.
func (r *Registry) Remove(name string) {
	if _, ok := r.units[name]; !ok {
		return
	}
	delete(r.units, name)
	for _, other := range r.units {
		if other.RemoveDependency(name) {
			r.log.Info("removed dangling dependency",
				zap.String("unit", other.Name),
				zap.String("dependency", name))
		}
	}
}
