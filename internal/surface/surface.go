// Package surface tracks video output surfaces keyed by texture id and keeps a
// native sink informed of which drawable is bound to which texture.
//
// The platform side (texture allocation, drawable surfaces) and the native
// side (the renderer consuming surfaces) are both injected: Allocator and
// NativeSink are the only points of contact with the outside world.
package surface

import "errors"

// TextureID names a render target. It is assigned by the Allocator and is
// unique for the life of the process.
type TextureID int64

var (
	// ErrClosed is returned by every operation after Teardown
	ErrClosed = errors.New("surface registry is torn down")

	// ErrInvalidSize is returned when a surface is requested with a non-positive dimension
	ErrInvalidSize = errors.New("surface dimensions must be positive")

	// ErrDuplicateTexture means the allocator handed out an id that is still tracked
	ErrDuplicateTexture = errors.New("texture id already registered")
)

// Surface is an opaque drawable target. Two Surface values refer to the same
// drawable when their handles are equal.
type Surface interface {
	Handle() uint64
}

// RebindEvent is delivered by a Producer when its drawable changes
type RebindEvent int

const (
	// SurfaceAvailable means a (possibly new) drawable can be fetched from the producer
	SurfaceAvailable RebindEvent = iota
	// SurfaceCleanup means the current drawable was reclaimed by the platform
	SurfaceCleanup
)

func (e RebindEvent) String() string {
	switch e {
	case SurfaceAvailable:
		return "available"
	case SurfaceCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Producer is a platform texture whose drawable may be replaced at any time.
//
// Callbacks installed with SetCallback may arrive on any goroutine but must
// not be delivered from inside SetCallback itself.
type Producer interface {
	ID() TextureID
	SetSize(width, height int) error
	Surface() (Surface, error)
	SetCallback(cb func(RebindEvent))
	Release() error
}

// Texture is a fixed platform texture buffer. Its drawable never changes.
type Texture interface {
	ID() TextureID
	SetDefaultBufferSize(width, height int) error
	Release() error
}

// Allocator hands out platform textures. Ids it returns must be process-unique.
type Allocator interface {
	NewProducer() (Producer, error)
	NewTexture() (Texture, error)
	// WrapTexture returns the drawable surface backed by a legacy texture
	WrapTexture(tex Texture) (Surface, error)
}

// NativeSink consumes bind notifications. A nil surface means unbind.
//
// Unbind from a release uses owner 0 and width/height -1; unbind from a
// platform cleanup keeps the owner and uses width/height 0.
//
// Bind is called with the registry lock held and must not call back into the
// registry.
type NativeSink interface {
	Bind(owner int64, id TextureID, s Surface, width, height int, tunnel bool)
}

// SinkFunc adapts a function to NativeSink
type SinkFunc func(owner int64, id TextureID, s Surface, width, height int, tunnel bool)

// Bind calls f
func (f SinkFunc) Bind(owner int64, id TextureID, s Surface, width, height int, tunnel bool) {
	f(owner, id, s, width, height, tunnel)
}
