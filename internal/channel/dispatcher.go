package channel

import (
	"context"
	"errors"
)

// ErrDispatcherStopped is returned by Call once Run has returned
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Handler answers method calls
type Handler interface {
	HandleMethodCall(call MethodCall) Response
}

type request struct {
	call  MethodCall
	reply chan Response
}

// Dispatcher runs every call on one goroutine, in arrival order
type Dispatcher struct {
	handler Handler
	queue   chan request
	done    chan struct{}
}

// NewDispatcher creates a dispatcher with the given queue depth
func NewDispatcher(handler Handler, depth int) *Dispatcher {
	if depth < 0 {
		depth = 0
	}
	return &Dispatcher{
		handler: handler,
		queue:   make(chan request, depth),
		done:    make(chan struct{}),
	}
}

// Run serves calls until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-d.queue:
			req.reply <- d.handler.HandleMethodCall(req.call)
		}
	}
}

// Call queues a call and waits for its response
func (d *Dispatcher) Call(ctx context.Context, call MethodCall) (Response, error) {
	req := request{call: call, reply: make(chan Response, 1)}

	select {
	case d.queue <- req:
	case <-d.done:
		return Response{}, ErrDispatcherStopped
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-d.done:
		// Run may have answered just before stopping
		select {
		case resp := <-req.reply:
			return resp, nil
		default:
			return Response{}, ErrDispatcherStopped
		}
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Done is closed when Run returns
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}
