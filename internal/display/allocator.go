// Package display allocates render-target surfaces on an X server. Legacy
// textures are pixmaps; producers are unmapped windows whose backing pixmap is
// replaced whenever the window is resized.
package display

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/surfacehost/internal/logger"
	"github.com/bryanchriswhite/surfacehost/internal/surface"
)

// Drawable is an X drawable exposed as a surface
type Drawable struct {
	id xproto.Drawable
}

// Handle implements surface.Surface
func (d Drawable) Handle() uint64 { return uint64(d.id) }

// ID returns the X resource id
func (d Drawable) ID() xproto.Drawable { return d.id }

// Allocator implements surface.Allocator on an X connection
type Allocator struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo

	mu        sync.Mutex
	producers map[xproto.Window]*Producer
	done      chan struct{}
}

// NewAllocator connects to the named X display ("" uses $DISPLAY) and starts
// the event loop that drives producer rebinds.
func NewAllocator(display string) (*Allocator, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	a := &Allocator{
		conn:      conn,
		screen:    setup.DefaultScreen(conn),
		producers: make(map[xproto.Window]*Producer),
		done:      make(chan struct{}),
	}

	go a.eventLoop()

	logger.WithComponent("display").Info().
		Str("display", display).
		Uint8("depth", a.screen.RootDepth).
		Msg("X11 surface allocator connected")

	return a, nil
}

// Close disconnects from the X server and stops the event loop
func (a *Allocator) Close() {
	a.conn.Close()
	<-a.done
}

func (a *Allocator) createPixmap(width, height int) (xproto.Pixmap, error) {
	if width <= 0 || height <= 0 || width > 0xffff || height > 0xffff {
		return 0, fmt.Errorf("invalid pixmap size %dx%d", width, height)
	}
	pix, err := xproto.NewPixmapId(a.conn)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate pixmap id: %w", err)
	}
	err = xproto.CreatePixmapChecked(
		a.conn,
		a.screen.RootDepth,
		pix,
		xproto.Drawable(a.screen.Root),
		uint16(width), uint16(height),
	).Check()
	if err != nil {
		return 0, fmt.Errorf("failed to create pixmap: %w", err)
	}
	return pix, nil
}

// NewTexture implements surface.Allocator. The pixmap itself is created once
// the buffer size is known.
func (a *Allocator) NewTexture() (surface.Texture, error) {
	pix, err := xproto.NewPixmapId(a.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate pixmap id: %w", err)
	}
	return &Texture{alloc: a, id: pix}, nil
}

// WrapTexture implements surface.Allocator
func (a *Allocator) WrapTexture(tex surface.Texture) (surface.Surface, error) {
	t, ok := tex.(*Texture)
	if !ok || t.alloc != a {
		return nil, fmt.Errorf("texture %d was not allocated here", tex.ID())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.created {
		return nil, fmt.Errorf("texture %d has no buffer size", t.id)
	}
	return Drawable{id: xproto.Drawable(t.id)}, nil
}

// NewProducer implements surface.Allocator
func (a *Allocator) NewProducer() (surface.Producer, error) {
	win, err := xproto.NewWindowId(a.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create window ID: %w", err)
	}

	err = xproto.CreateWindowChecked(
		a.conn,
		a.screen.RootDepth,
		win,
		a.screen.Root,
		0, 0, // x, y
		1, 1, // resized by SetSize
		0, // border width
		xproto.WindowClassInputOutput,
		a.screen.RootVisual,
		xproto.CwEventMask,
		[]uint32{xproto.EventMaskStructureNotify},
	).Check()
	if err != nil {
		return nil, fmt.Errorf("failed to create window: %w", err)
	}

	p := &Producer{alloc: a, win: win}
	a.mu.Lock()
	a.producers[win] = p
	a.mu.Unlock()
	return p, nil
}

func (a *Allocator) producer(win xproto.Window) *Producer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.producers[win]
}

func (a *Allocator) forget(win xproto.Window) {
	a.mu.Lock()
	delete(a.producers, win)
	a.mu.Unlock()
}

// eventLoop turns structure events on producer windows into rebind events
func (a *Allocator) eventLoop() {
	defer close(a.done)
	log := logger.WithComponent("display")

	for {
		ev, err := a.conn.WaitForEvent()
		if ev == nil && err == nil {
			log.Debug().Msg("X connection closed, event loop stopped")
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("X error")
			continue
		}

		switch e := ev.(type) {
		case xproto.ConfigureNotifyEvent:
			if p := a.producer(e.Window); p != nil {
				p.onConfigure(int(e.Width), int(e.Height))
			}
		case xproto.DestroyNotifyEvent:
			if p := a.producer(e.Window); p != nil {
				p.onDestroy()
			}
		}
	}
}

// Texture is a pixmap with a fixed size
type Texture struct {
	alloc *Allocator
	id    xproto.Pixmap

	mu       sync.Mutex
	created  bool
	released bool
}

// ID implements surface.Texture
func (t *Texture) ID() surface.TextureID { return surface.TextureID(t.id) }

// SetDefaultBufferSize implements surface.Texture
func (t *Texture) SetDefaultBufferSize(width, height int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return fmt.Errorf("texture %d already released", t.id)
	}
	if width <= 0 || height <= 0 || width > 0xffff || height > 0xffff {
		return fmt.Errorf("invalid pixmap size %dx%d", width, height)
	}
	if t.created {
		xproto.FreePixmap(t.alloc.conn, t.id)
		t.created = false
	}

	err := xproto.CreatePixmapChecked(
		t.alloc.conn,
		t.alloc.screen.RootDepth,
		t.id,
		xproto.Drawable(t.alloc.screen.Root),
		uint16(width), uint16(height),
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create pixmap: %w", err)
	}
	t.created = true
	return nil
}

// Release implements surface.Texture
func (t *Texture) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return fmt.Errorf("texture %d already released", t.id)
	}
	t.released = true
	if t.created {
		xproto.FreePixmap(t.alloc.conn, t.id)
		t.created = false
	}
	return nil
}

// Producer is a window-backed texture whose pixmap follows the window size
type Producer struct {
	alloc *Allocator
	win   xproto.Window

	mu       sync.Mutex
	width    int
	height   int
	pixmap   xproto.Pixmap
	cb       func(surface.RebindEvent)
	released bool
}

// ID implements surface.Producer
func (p *Producer) ID() surface.TextureID { return surface.TextureID(p.win) }

// SetSize implements surface.Producer
func (p *Producer) SetSize(width, height int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return fmt.Errorf("producer %d already released", p.win)
	}
	if err := p.replacePixmapLocked(width, height); err != nil {
		return err
	}

	return xproto.ConfigureWindowChecked(
		p.alloc.conn,
		p.win,
		xproto.ConfigWindowWidth|xproto.ConfigWindowHeight,
		[]uint32{uint32(width), uint32(height)},
	).Check()
}

func (p *Producer) replacePixmapLocked(width, height int) error {
	pix, err := p.alloc.createPixmap(width, height)
	if err != nil {
		return err
	}
	if p.pixmap != 0 {
		xproto.FreePixmap(p.alloc.conn, p.pixmap)
	}
	p.pixmap = pix
	p.width = width
	p.height = height
	return nil
}

// Surface implements surface.Producer
func (p *Producer) Surface() (surface.Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released || p.pixmap == 0 {
		return nil, fmt.Errorf("producer %d has no surface", p.win)
	}
	return Drawable{id: xproto.Drawable(p.pixmap)}, nil
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
		return fmt.Errorf("producer %d already released", p.win)
	}
	p.released = true
	p.cb = nil
	if p.pixmap != 0 {
		xproto.FreePixmap(p.alloc.conn, p.pixmap)
		p.pixmap = 0
	}
	p.mu.Unlock()

	p.alloc.forget(p.win)
	xproto.DestroyWindow(p.alloc.conn, p.win)
	return nil
}

// onConfigure reallocates the backing pixmap when someone else resized the window
func (p *Producer) onConfigure(width, height int) {
	p.mu.Lock()
	if p.released || (width == p.width && height == p.height) {
		p.mu.Unlock()
		return
	}
	if err := p.replacePixmapLocked(width, height); err != nil {
		p.mu.Unlock()
		logger.WithTexture("display", int64(p.win)).Warn().
			Err(err).
			Msg("Failed to follow window resize")
		return
	}
	cb := p.cb
	p.mu.Unlock()

	if cb != nil {
		cb(surface.SurfaceAvailable)
	}
}

// onDestroy drops the pixmap after the window went away underneath us
func (p *Producer) onDestroy() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	if p.pixmap != 0 {
		xproto.FreePixmap(p.alloc.conn, p.pixmap)
		p.pixmap = 0
	}
	cb := p.cb
	p.mu.Unlock()

	if cb != nil {
		cb(surface.SurfaceCleanup)
	}
}
