package channel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/surfacehost/internal/logger"
	"github.com/bryanchriswhite/surfacehost/internal/surface"
)

// Plugin answers method calls for one channel by driving a surface registry.
// The registry exists between Attach and Detach.
type Plugin struct {
	name  string
	alloc surface.Allocator
	sink  surface.NativeSink

	mu       sync.RWMutex
	registry *surface.Registry
}

// NewPlugin creates a detached plugin
func NewPlugin(name string, alloc surface.Allocator, sink surface.NativeSink) *Plugin {
	return &Plugin{
		name:  name,
		alloc: alloc,
		sink:  sink,
	}
}

// Name returns the channel name
func (p *Plugin) Name() string {
	return p.name
}

// Attach creates the registry. producerSurface is the host capability flag and
// is not consulted again for the life of the registry.
func (p *Plugin) Attach(producerSurface bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.registry != nil {
		return fmt.Errorf("plugin %q already attached", p.name)
	}
	p.registry = surface.NewRegistry(p.alloc, p.sink, surface.Options{
		ProducerSurface: producerSurface,
	})

	logger.WithComponent("plugin").Info().
		Str("channel", p.name).
		Bool("producer_surface", producerSurface).
		Msg("Plugin attached")
	return nil
}

// Detach tears the registry down. The plugin cannot be used afterwards.
func (p *Plugin) Detach() {
	p.mu.RLock()
	reg := p.registry
	p.mu.RUnlock()

	if reg == nil {
		return
	}
	reg.Teardown()
	logger.WithComponent("plugin").Info().Str("channel", p.name).Msg("Plugin detached")
}

// Registry returns the attached registry, or nil
func (p *Plugin) Registry() *surface.Registry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.registry
}

// HandleMethodCall dispatches one call
func (p *Plugin) HandleMethodCall(call MethodCall) Response {
	reg := p.Registry()
	if reg == nil || reg.Closed() {
		return Failure(CodeDetached, fmt.Sprintf("channel %q is not attached", p.name))
	}

	switch call.Method {
	case MethodCreateRT:
		return p.createRT(reg, call.Arguments)
	case MethodReleaseRT:
		return p.releaseRT(reg, call.Arguments)
	case MethodMixWithOthers:
		return p.MixWithOthers(call.Arguments)
	default:
		logger.WithComponent("plugin").Debug().
			Str("method", call.Method).
			Msg("Method not implemented")
		return NotImplemented()
	}
}

func (p *Plugin) createRT(reg *surface.Registry, raw map[string]interface{}) Response {
	var args createArgs
	if err := decodeArgs(raw, &args, "player", "width", "height"); err != nil {
		return Failure(CodeBadArguments, err.Error())
	}

	id, err := reg.CreateSurface(args.Player, args.Width, args.Height, args.Tunnel)
	if err != nil {
		if errors.Is(err, surface.ErrClosed) {
			return Failure(CodeDetached, err.Error())
		}
		logger.WithComponent("plugin").Error().
			Err(err).
			Int64("player", args.Player).
			Msg("CreateRT failed")
		return Failure(CodeCreateFailed, err.Error())
	}
	return Success(int64(id))
}

func (p *Plugin) releaseRT(reg *surface.Registry, raw map[string]interface{}) Response {
	var args releaseArgs
	if err := decodeArgs(raw, &args, "texture"); err != nil {
		return Failure(CodeBadArguments, err.Error())
	}

	// widen before lookup; ids are stored as 64-bit
	id := surface.TextureID(int64(args.Texture))
	if err := reg.ReleaseSurface(id); err != nil {
		return Failure(CodeDetached, err.Error())
	}
	return Success(nil)
}

// MixWithOthers is accepted and does nothing; the native layer has no
// audio-mixing control yet.
func (p *Plugin) MixWithOthers(map[string]interface{}) Response {
	return Success(nil)
}
