package surface

import "fmt"

// Strategy is the surface acquisition approach chosen once per registry
type Strategy int

const (
	// StrategyLegacyTexture wraps a fixed texture buffer once into a stable surface
	StrategyLegacyTexture Strategy = iota
	// StrategyProducer uses a producer whose surface can be rebound by the platform
	StrategyProducer
)

func (s Strategy) String() string {
	switch s {
	case StrategyProducer:
		return "producer"
	case StrategyLegacyTexture:
		return "legacy-texture"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// backend is the per-entry platform object behind either strategy
type backend interface {
	id() TextureID
	configure(width, height int) error
	currentSurface() (Surface, error)
	release() error
	supportsRebind() bool
	watch(cb func(RebindEvent))
}

type producerBackend struct {
	p Producer
}

func (b *producerBackend) id() TextureID { return b.p.ID() }

func (b *producerBackend) configure(width, height int) error {
	return b.p.SetSize(width, height)
}

func (b *producerBackend) currentSurface() (Surface, error) {
	return b.p.Surface()
}

func (b *producerBackend) release() error { return b.p.Release() }

func (b *producerBackend) supportsRebind() bool { return true }

func (b *producerBackend) watch(cb func(RebindEvent)) {
	b.p.SetCallback(cb)
}

type textureBackend struct {
	alloc Allocator
	tex   Texture
	surf  Surface
}

func (b *textureBackend) id() TextureID { return b.tex.ID() }

func (b *textureBackend) configure(width, height int) error {
	if err := b.tex.SetDefaultBufferSize(width, height); err != nil {
		return err
	}
	s, err := b.alloc.WrapTexture(b.tex)
	if err != nil {
		return fmt.Errorf("wrap texture %d: %w", b.tex.ID(), err)
	}
	b.surf = s
	return nil
}

func (b *textureBackend) currentSurface() (Surface, error) {
	if b.surf == nil {
		return nil, fmt.Errorf("texture %d has no surface", b.tex.ID())
	}
	return b.surf, nil
}

func (b *textureBackend) release() error {
	b.surf = nil
	return b.tex.Release()
}

func (b *textureBackend) supportsRebind() bool { return false }

func (b *textureBackend) watch(func(RebindEvent)) {}

func newBackend(strategy Strategy, alloc Allocator) (backend, error) {
	switch strategy {
	case StrategyProducer:
		p, err := alloc.NewProducer()
		if err != nil {
			return nil, err
		}
		return &producerBackend{p: p}, nil
	case StrategyLegacyTexture:
		t, err := alloc.NewTexture()
		if err != nil {
			return nil, err
		}
		return &textureBackend{alloc: alloc, tex: t}, nil
	default:
		return nil, fmt.Errorf("unknown surface strategy %v", strategy)
	}
}
