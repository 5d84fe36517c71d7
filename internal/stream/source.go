// Package stream discovers biosignal sources and pulls their samples onto the session clock.
package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"adalog/internal/models"
)

// RawBatch is a run of samples as delivered by a transport, still on the device clock
type RawBatch struct {
	Timestamps []float64   // Device clock, seconds; may be empty when the transport has none
	Values     [][]float64 // One channel vector per sample
}

// Conn is an open connection to one stream source
type Conn interface {
	// Pull blocks until the next batch arrives, the connection fails or ctx is done
	Pull(ctx context.Context) (RawBatch, error)
	Close() error
}

// Source is one stream transport
type Source interface {
	// Name is the transport prefix of every descriptor ID the source produces
	Name() string
	Discover(ctx context.Context) ([]models.StreamDescriptor, error)
	Open(ctx context.Context, desc models.StreamDescriptor) (Conn, error)
}

// Opener opens connections for descriptors
type Opener interface {
	Open(ctx context.Context, desc models.StreamDescriptor) (Conn, error)
}

// DescriptorID builds a "<transport>:<source id>" identifier
func DescriptorID(transport, sourceID string) string {
	return transport + ":" + sourceID
}

// SplitID splits a descriptor ID into transport and source id
func SplitID(id string) (transport, sourceID string, ok bool) {
	transport, sourceID, ok = strings.Cut(id, ":")
	if !ok || transport == "" || sourceID == "" {
		return "", "", false
	}
	return transport, sourceID, true
}

// Label formats a descriptor for selection lists
func Label(desc models.StreamDescriptor) string {
	if desc.Hostname == "" {
		return fmt.Sprintf("%s (%s)", desc.ID, desc.Name)
	}
	return fmt.Sprintf("%s (%s @ %s)", desc.ID, desc.Name, desc.Hostname)
}

// Registry fans discovery out over every registered transport and routes connections back to them
type Registry struct {
	mu      sync.RWMutex
	sources []Source
	timeout time.Duration
}

// NewRegistry creates a registry whose discovery is bounded by timeout
func NewRegistry(timeout time.Duration, sources ...Source) *Registry {
	r := &Registry{timeout: timeout}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// Register adds a transport. A transport registered twice under one name replaces the first.
func (r *Registry) Register(s Source) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.sources {
		if existing.Name() == s.Name() {
			r.sources[i] = s
			return
		}
	}
	r.sources = append(r.sources, s)
}

// Discover lists every reachable stream, ordered by transport registration then name.
// Transport failures are logged and contribute no entries; the result is never nil.
func (r *Registry) Discover(ctx context.Context) []models.StreamDescriptor {
	r.mu.RLock()
	sources := append([]Source(nil), r.sources...)
	r.mu.RUnlock()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	results := make([][]models.StreamDescriptor, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			found, err := src.Discover(ctx)
			if err != nil {
				log.Warn().Err(err).Str("transport", src.Name()).Msg("stream.Registry.Discover: transport discovery failed")
				return
			}
			sort.SliceStable(found, func(a, b int) bool { return found[a].Name < found[b].Name })
			results[i] = found
		}(i, src)
	}
	wg.Wait()

	out := make([]models.StreamDescriptor, 0)
	for _, found := range results {
		out = append(out, found...)
	}
	return out
}

// Lookup rediscovers streams and returns the one with the given ID
func (r *Registry) Lookup(ctx context.Context, id string) (models.StreamDescriptor, error) {
	for _, desc := range r.Discover(ctx) {
		if desc.ID == id {
			return desc, nil
		}
	}
	return models.StreamDescriptor{}, fmt.Errorf("stream.Registry.Lookup: %s: %w", id, models.ErrSourceNotFound)
}

// Open routes the descriptor to the transport named by its ID prefix
func (r *Registry) Open(ctx context.Context, desc models.StreamDescriptor) (Conn, error) {
	transport, _, ok := SplitID(desc.ID)
	if !ok {
		return nil, fmt.Errorf("stream.Registry.Open: malformed id %q: %w", desc.ID, models.ErrSourceNotFound)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, src := range r.sources {
		if src.Name() == transport {
			return src.Open(ctx, desc)
		}
	}
	return nil, fmt.Errorf("stream.Registry.Open: transport %q: %w", transport, models.ErrSourceNotFound)
}
