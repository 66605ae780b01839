// Package memsurface is an in-process surface allocator backed by image.RGBA
// buffers. It is the default platform backend and the one used in tests.
package memsurface

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/surfacehost/internal/surface"
	"golang.org/x/image/draw"
)

var (
	// ErrReleased is returned when a texture is used after Release
	ErrReleased = errors.New("texture already released")

	// ErrNoSurface is returned by a producer whose buffer was reclaimed
	ErrNoSurface = errors.New("producer has no surface")
)

// Buffer is a drawable surface
type Buffer struct {
	handle uint64
	img    *image.RGBA
}

// Handle implements surface.Surface
func (b *Buffer) Handle() uint64 { return b.handle }

// RGBA returns the pixel buffer
func (b *Buffer) RGBA() *image.RGBA { return b.img }

// Bounds returns the buffer bounds
func (b *Buffer) Bounds() image.Rectangle { return b.img.Bounds() }

// Allocator hands out textures with process-unique ids
type Allocator struct {
	nextID     atomic.Int64
	nextHandle atomic.Uint64

	mu        sync.Mutex
	producers map[surface.TextureID]*Producer
	textures  map[surface.TextureID]*Texture
	released  int
}

// NewAllocator creates an empty allocator
func NewAllocator() *Allocator {
	return &Allocator{
		producers: make(map[surface.TextureID]*Producer),
		textures:  make(map[surface.TextureID]*Texture),
	}
}

func (a *Allocator) newID() surface.TextureID {
	return surface.TextureID(a.nextID.Add(1))
}

func (a *Allocator) newBuffer(width, height int) *Buffer {
	return &Buffer{
		handle: a.nextHandle.Add(1),
		img:    image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

// NewProducer implements surface.Allocator
func (a *Allocator) NewProducer() (surface.Producer, error) {
	p := &Producer{alloc: a, id: a.newID()}
	a.mu.Lock()
	a.producers[p.id] = p
	a.mu.Unlock()
	return p, nil
}

// NewTexture implements surface.Allocator
func (a *Allocator) NewTexture() (surface.Texture, error) {
	t := &Texture{alloc: a, id: a.newID()}
	a.mu.Lock()
	a.textures[t.id] = t
	a.mu.Unlock()
	return t, nil
}

// WrapTexture implements surface.Allocator
func (a *Allocator) WrapTexture(tex surface.Texture) (surface.Surface, error) {
	t, ok := tex.(*Texture)
	if !ok || t.alloc != a {
		return nil, fmt.Errorf("texture %d was not allocated here", tex.ID())
	}
	return t.surface()
}

// Producer returns a live producer by id
func (a *Allocator) Producer(id surface.TextureID) (*Producer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.producers[id]
	return p, ok
}

// Live returns the number of textures not yet released
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.producers) + len(a.textures)
}

// Released returns how many textures have been released
func (a *Allocator) Released() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

func (a *Allocator) forget(id surface.TextureID) {
	a.mu.Lock()
	delete(a.producers, id)
	delete(a.textures, id)
	a.released++
	a.mu.Unlock()
}

// Producer is a rebindable texture. Reclaim and Restore simulate the
// platform taking the buffer away and handing a new one back.
type Producer struct {
	alloc *Allocator
	id    surface.TextureID

	mu       sync.Mutex
	width    int
	height   int
	buf      *Buffer
	cb       func(surface.RebindEvent)
	released bool
}

// ID implements surface.Producer
func (p *Producer) ID() surface.TextureID { return p.id }

// SetSize implements surface.Producer. Existing content is scaled into the
// new buffer.
func (p *Producer) SetSize(width, height int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setSizeLocked(width, height)
}

func (p *Producer) setSizeLocked(width, height int) error {
	if p.released {
		return ErrReleased
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid size %dx%d", width, height)
	}
	if p.buf != nil && p.width == width && p.height == height {
		return nil
	}

	next := p.alloc.newBuffer(width, height)
	if p.buf != nil {
		draw.ApproxBiLinear.Scale(next.img, next.img.Bounds(), p.buf.img, p.buf.img.Bounds(), draw.Src, nil)
	}
	p.buf = next
	p.width = width
	p.height = height
	return nil
}

// Surface implements surface.Producer
func (p *Producer) Surface() (surface.Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, ErrReleased
	}
	if p.buf == nil {
		return nil, ErrNoSurface
	}
	return p.buf, nil
}

// SetCallback implements surface.Producer
func (p *Producer) SetCallback(cb func(surface.RebindEvent)) {
	p.mu.Lock()
	p.cb = cb
	p.mu.Unlock()
}

// Release implements surface.Producer
func (p *Producer) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return ErrReleased
	}
	p.released = true
	p.buf = nil
	p.cb = nil
	p.mu.Unlock()

	p.alloc.forget(p.id)
	return nil
}

// Resize swaps in a buffer of the new size and signals that a new surface
// is available.
func (p *Producer) Resize(width, height int) error {
	p.mu.Lock()
	if err := p.setSizeLocked(width, height); err != nil {
		p.mu.Unlock()
		return err
	}
	cb := p.cb
	p.mu.Unlock()

	if cb != nil {
		cb(surface.SurfaceAvailable)
	}
	return nil
}

// Reclaim drops the current buffer and signals cleanup
func (p *Producer) Reclaim() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.buf = nil
	cb := p.cb
	p.mu.Unlock()

	if cb != nil {
		cb(surface.SurfaceCleanup)
	}
}

// Restore allocates a fresh buffer at the last size and signals that it is
// available.
func (p *Producer) Restore() {
	p.mu.Lock()
	if p.released || p.width == 0 || p.height == 0 {
		p.mu.Unlock()
		return
	}
	p.buf = p.alloc.newBuffer(p.width, p.height)
	cb := p.cb
	p.mu.Unlock()

	if cb != nil {
		cb(surface.SurfaceAvailable)
	}
}

// Notify delivers ev without changing the buffer
func (p *Producer) Notify(ev surface.RebindEvent) {
	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()

	if cb != nil {
		cb(ev)
	}
}

// Texture is a fixed-size texture buffer
type Texture struct {
	alloc *Allocator
	id    surface.TextureID

	mu       sync.Mutex
	width    int
	height   int
	buf      *Buffer
	released bool
}

// ID implements surface.Texture
func (t *Texture) ID() surface.TextureID { return t.id }

// SetDefaultBufferSize implements surface.Texture
func (t *Texture) SetDefaultBufferSize(width, height int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return ErrReleased
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid size %dx%d", width, height)
	}
	t.width = width
	t.height = height
	t.buf = nil
	return nil
}

func (t *Texture) surface() (surface.Surface, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return nil, ErrReleased
	}
	if t.width == 0 || t.height == 0 {
		return nil, fmt.Errorf("texture %d has no buffer size", t.id)
	}
	if t.buf == nil {
		t.buf = t.alloc.newBuffer(t.width, t.height)
	}
	return t.buf, nil
}

// Release implements surface.Texture
func (t *Texture) Release() error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return ErrReleased
	}
	t.released = true
	t.buf = nil
	t.mu.Unlock()

	t.alloc.forget(t.id)
	return nil
}
