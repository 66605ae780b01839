package surface

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bryanchriswhite/surfacehost/internal/logger"
)

const component = "surface-registry"

// Options configures a Registry. They are read once by NewRegistry.
type Options struct {
	// ProducerSurface selects the producer strategy; otherwise legacy textures are used
	ProducerSurface bool
}

// entry is one tracked texture. The producer and surface slots are released
// independently: a platform cleanup empties the producer slot while the
// surface slot keeps the last drawable until the texture is released.
type entry struct {
	id     TextureID
	owner  int64
	width  int
	height int
	tunnel bool

	producer backend
	// parked holds the producer after a cleanup so it is still released once
	parked  backend
	surface Surface
	// bound reports whether the sink currently holds surface
	bound bool
}

// EntryInfo is a read-only view of a tracked texture
type EntryInfo struct {
	TextureID     TextureID `json:"texture_id"`
	Owner         int64     `json:"owner"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	Tunnel        bool      `json:"tunnel"`
	HasProducer   bool      `json:"has_producer"`
	HasSurface    bool      `json:"has_surface"`
	SurfaceHandle uint64    `json:"surface_handle,omitempty"`
}

// Registry owns every surface created through it
type Registry struct {
	alloc    Allocator
	sink     NativeSink
	strategy Strategy

	mu      sync.Mutex
	entries map[TextureID]*entry
	closed  bool
}

// NewRegistry creates a registry. The surface strategy is fixed here for the
// lifetime of the registry.
func NewRegistry(alloc Allocator, sink NativeSink, opts Options) *Registry {
	strategy := StrategyLegacyTexture
	if opts.ProducerSurface {
		strategy = StrategyProducer
	}

	logger.WithComponent(component).Info().
		Str("strategy", strategy.String()).
		Msg("Surface registry attached")

	return &Registry{
		alloc:    alloc,
		sink:     sink,
		strategy: strategy,
		entries:  make(map[TextureID]*entry),
	}
}

// Strategy returns the surface strategy chosen at construction
func (r *Registry) Strategy() Strategy {
	return r.strategy
}

// CreateSurface allocates a texture, binds its surface at the sink and
// returns the texture id.
func (r *Registry) CreateSurface(owner int64, width, height int, tunnel bool) (TextureID, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	b, err := newBackend(r.strategy, r.alloc)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s surface: %w", r.strategy, err)
	}

	if err := b.configure(width, height); err != nil {
		r.discard(b)
		return 0, fmt.Errorf("failed to configure texture %d to %dx%d: %w", b.id(), width, height, err)
	}

	s, err := b.currentSurface()
	if err != nil {
		r.discard(b)
		return 0, fmt.Errorf("failed to get surface for texture %d: %w", b.id(), err)
	}

	id := b.id()
	if _, exists := r.entries[id]; exists {
		r.discard(b)
		return 0, fmt.Errorf("%w: %d", ErrDuplicateTexture, id)
	}

	if b.supportsRebind() {
		b.watch(func(ev RebindEvent) {
			r.rebind(id, b, ev)
		})
	}

	r.entries[id] = &entry{
		id:       id,
		owner:    owner,
		width:    width,
		height:   height,
		tunnel:   tunnel,
		producer: b,
		surface:  s,
		bound:    true,
	}
	r.sink.Bind(owner, id, s, width, height, tunnel)

	logger.WithTexture(component, int64(id)).Debug().
		Int64("owner", owner).
		Int("width", width).
		Int("height", height).
		Bool("tunnel", tunnel).
		Str("strategy", r.strategy.String()).
		Msg("Surface created")

	return id, nil
}

// discard releases a backend that never made it into the table
func (r *Registry) discard(b backend) {
	if err := b.release(); err != nil {
		logger.WithTexture(component, int64(b.id())).Warn().
			Err(err).
			Msg("Failed to release partially created texture")
	}
}

// rebind handles a producer event. It runs on whatever goroutine the
// platform delivers events on.
func (r *Registry) rebind(id TextureID, b backend, ev RebindEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := logger.WithTexture(component, int64(id))

	if r.closed {
		log.Debug().Str("event", ev.String()).Msg("Rebind after teardown ignored")
		return
	}

	e, ok := r.entries[id]
	if !ok {
		log.Debug().Str("event", ev.String()).Msg("Rebind for released texture ignored")
		return
	}

	switch ev {
	case SurfaceAvailable:
		s, err := b.currentSurface()
		if err != nil {
			log.Error().Err(err).Msg("Surface available but producer returned none")
			return
		}
		e.producer = b
		e.parked = nil

		if e.bound && e.surface != nil && e.surface.Handle() == s.Handle() {
			log.Debug().Uint64("handle", s.Handle()).Msg("Surface unchanged, skipping bind")
			return
		}

		e.surface = s
		e.bound = true
		r.sink.Bind(e.owner, id, s, e.width, e.height, e.tunnel)
		log.Debug().Uint64("handle", s.Handle()).Msg("Surface rebound")

	case SurfaceCleanup:
		if e.producer != nil {
			e.parked = e.producer
			e.producer = nil
		}
		e.bound = false
		r.sink.Bind(e.owner, id, nil, 0, 0, e.tunnel)
		log.Debug().Msg("Surface cleaned up by platform")

	default:
		log.Warn().Int("event", int(ev)).Msg("Unknown rebind event")
	}
}

// ReleaseSurface unbinds and releases a texture. Unknown ids are logged and
// ignored; only a torn-down registry returns an error.
func (r *Registry) ReleaseSurface(id TextureID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	log := logger.WithTexture(component, int64(id))

	// The sink must stop using the surface before the platform invalidates it
	r.sink.Bind(0, id, nil, -1, -1, false)

	e, ok := r.entries[id]
	if !ok {
		log.Warn().Msg("ReleaseSurface: texture not found")
		return nil
	}

	b := e.producer
	if b == nil {
		b = e.parked
	}
	if b == nil {
		log.Warn().Msg("ReleaseSurface: no platform texture to release")
	} else if err := b.release(); err != nil {
		log.Warn().Err(err).Msg("ReleaseSurface: platform release failed")
	}

	if e.producer == nil {
		log.Warn().Msg("ReleaseSurface: producer already removed")
	}
	if e.surface == nil {
		log.Warn().Msg("ReleaseSurface: surface already removed")
	}
	delete(r.entries, id)

	log.Info().
		Int("surfaces", r.countLocked(func(e *entry) bool { return e.surface != nil })).
		Int("producers", r.countLocked(func(e *entry) bool { return e.producer != nil })).
		Msg("Surface released")

	return nil
}

// Teardown unbinds every tracked texture, releases the platform objects and
// closes the registry. Later calls are no-ops.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	log := logger.WithComponent(component)
	log.Info().Int("textures", len(r.entries)).Msg("Tearing down surface registry")

	for id := range r.entries {
		r.sink.Bind(0, id, nil, -1, -1, false)
	}

	for id, e := range r.entries {
		b := e.producer
		if b == nil {
			b = e.parked
		}
		if b == nil {
			continue
		}
		if err := b.release(); err != nil {
			log.Warn().Err(err).Int64("texture_id", int64(id)).Msg("Teardown: platform release failed")
		}
	}

	r.entries = nil
}

// Closed reports whether Teardown has run
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// HasProducer reports whether id still owns a live producer or texture
func (r *Registry) HasProducer(id TextureID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.producer != nil
}

// HasSurface reports whether id still tracks a surface
func (r *Registry) HasSurface(id TextureID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.surface != nil
}

// Len returns the number of tracked textures
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns every tracked texture ordered by id
func (r *Registry) Snapshot() []EntryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]EntryInfo, 0, len(r.entries))
	for _, e := range r.entries {
		info := EntryInfo{
			TextureID:   e.id,
			Owner:       e.owner,
			Width:       e.width,
			Height:      e.height,
			Tunnel:      e.tunnel,
			HasProducer: e.producer != nil,
			HasSurface:  e.surface != nil,
		}
		if e.surface != nil {
			info.SurfaceHandle = e.surface.Handle()
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].TextureID < infos[j].TextureID
	})
	return infos
}

func (r *Registry) countLocked(pred func(*entry) bool) int {
	n := 0
	for _, e := range r.entries {
		if pred(e) {
			n++
		}
	}
	return n
}
