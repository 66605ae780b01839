package channel

import (
	"encoding/json"
	"testing"

	"github.com/bryanchriswhite/surfacehost/internal/sink"
	"github.com/bryanchriswhite/surfacehost/internal/surface"
	"github.com/bryanchriswhite/surfacehost/internal/surface/memsurface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAttachedPlugin(t *testing.T, producer bool) (*Plugin, *memsurface.Allocator, chan sink.BindEvent) {
	t.Helper()
	alloc := memsurface.NewAllocator()
	stream := sink.NewStreamSink(false)
	events := stream.Subscribe()
	t.Cleanup(func() { stream.Unsubscribe(events) })

	p := NewPlugin("fvp", alloc, stream)
	require.NoError(t, p.Attach(producer))
	return p, alloc, events
}

func next(t *testing.T, ch chan sink.BindEvent) sink.BindEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	default:
		t.Fatal("expected a bind event")
		return sink.BindEvent{}
	}
}

func TestPlugin_CreateAndReleaseRT(t *testing.T) {
	p, alloc, events := newAttachedPlugin(t, false)

	resp := p.HandleMethodCall(MethodCall{
		Method: MethodCreateRT,
		Arguments: map[string]interface{}{
			"player": int64(1),
			"width":  640,
			"height": 480,
			"tunnel": false,
		},
	})
	require.True(t, resp.OK(), "%+v", resp.Err)
	texID, ok := resp.Result.(int64)
	require.True(t, ok)

	ev := next(t, events)
	assert.Equal(t, int64(1), ev.Owner)
	assert.Equal(t, surface.TextureID(texID), ev.TextureID)
	assert.Equal(t, 640, ev.Width)
	assert.False(t, ev.Unbind())

	resp = p.HandleMethodCall(MethodCall{
		Method:    MethodReleaseRT,
		Arguments: map[string]interface{}{"texture": int32(texID)},
	})
	require.True(t, resp.OK())
	assert.Nil(t, resp.Result)

	ev = next(t, events)
	assert.True(t, ev.Unbind())
	assert.Equal(t, int64(0), ev.Owner)
	assert.Equal(t, -1, ev.Width)
	assert.Equal(t, -1, ev.Height)
	assert.False(t, ev.Tunnel)

	assert.False(t, p.Registry().HasSurface(surface.TextureID(texID)))
	assert.Equal(t, 0, alloc.Live())
}

func TestPlugin_JSONArguments(t *testing.T) {
	p, _, _ := newAttachedPlugin(t, true)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"method":"CreateRT","args":{"player":140234,"width":1920,"height":1080,"tunnel":true}}`), &env))

	resp := p.HandleMethodCall(env.Call())
	require.True(t, resp.OK(), "%+v", resp.Err)

	snap := p.Registry().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(140234), snap[0].Owner)
	assert.Equal(t, 1920, snap[0].Width)
	assert.True(t, snap[0].Tunnel)
}

func TestPlugin_TunnelDefaultsFalse(t *testing.T) {
	p, _, events := newAttachedPlugin(t, false)

	resp := p.HandleMethodCall(MethodCall{
		Method:    MethodCreateRT,
		Arguments: map[string]interface{}{"player": 5, "width": 2, "height": 2},
	})
	require.True(t, resp.OK())
	assert.False(t, next(t, events).Tunnel)
}

func TestPlugin_BadArguments(t *testing.T) {
	p, _, _ := newAttachedPlugin(t, false)

	tests := []struct {
		name string
		call MethodCall
	}{
		{"create missing width", MethodCall{Method: MethodCreateRT, Arguments: map[string]interface{}{"player": 1, "height": 2}}},
		{"create non numeric", MethodCall{Method: MethodCreateRT, Arguments: map[string]interface{}{"player": 1, "width": "wide", "height": 2}}},
		{"release missing texture", MethodCall{Method: MethodReleaseRT, Arguments: map[string]interface{}{}}},
		{"release nil args", MethodCall{Method: MethodReleaseRT}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := p.HandleMethodCall(tt.call)
			require.NotNil(t, resp.Err)
			assert.Equal(t, CodeBadArguments, resp.Err.Code)
		})
	}
}

func TestPlugin_CreateInvalidSize(t *testing.T) {
	p, _, _ := newAttachedPlugin(t, false)

	resp := p.HandleMethodCall(MethodCall{
		Method:    MethodCreateRT,
		Arguments: map[string]interface{}{"player": 1, "width": 0, "height": 10},
	})
	require.NotNil(t, resp.Err)
	assert.Equal(t, CodeCreateFailed, resp.Err.Code)
}

func TestPlugin_ReleaseUnknownSucceeds(t *testing.T) {
	p, _, events := newAttachedPlugin(t, false)

	resp := p.HandleMethodCall(MethodCall{
		Method:    MethodReleaseRT,
		Arguments: map[string]interface{}{"texture": 99},
	})
	assert.True(t, resp.OK())
	assert.True(t, next(t, events).Unbind())
}

func TestPlugin_MixWithOthersIsNoop(t *testing.T) {
	p, _, events := newAttachedPlugin(t, false)

	resp := p.HandleMethodCall(MethodCall{
		Method:    MethodMixWithOthers,
		Arguments: map[string]interface{}{"value": true},
	})
	assert.True(t, resp.OK())
	assert.Nil(t, resp.Result)
	assert.Empty(t, events)
	assert.Equal(t, 0, p.Registry().Len())
}

func TestPlugin_UnknownMethod(t *testing.T) {
	p, _, _ := newAttachedPlugin(t, false)

	resp := p.HandleMethodCall(MethodCall{Method: "SetVolume"})
	assert.True(t, resp.NotImplemented)
	assert.False(t, resp.OK())
}

func TestPlugin_DetachUnbindsAndFailsClosed(t *testing.T) {
	p, alloc, events := newAttachedPlugin(t, true)

	for i := 0; i < 3; i++ {
		resp := p.HandleMethodCall(MethodCall{
			Method:    MethodCreateRT,
			Arguments: map[string]interface{}{"player": i + 1, "width": 8, "height": 8},
		})
		require.True(t, resp.OK())
		next(t, events)
	}

	p.Detach()

	for i := 0; i < 3; i++ {
		assert.True(t, next(t, events).Unbind())
	}
	assert.Equal(t, 0, alloc.Live())

	resp := p.HandleMethodCall(MethodCall{
		Method:    MethodCreateRT,
		Arguments: map[string]interface{}{"player": 1, "width": 8, "height": 8},
	})
	require.NotNil(t, resp.Err)
	assert.Equal(t, CodeDetached, resp.Err.Code)

	resp = p.HandleMethodCall(MethodCall{Method: MethodMixWithOthers})
	require.NotNil(t, resp.Err)
	assert.Equal(t, CodeDetached, resp.Err.Code)
}

func TestPlugin_NotAttached(t *testing.T) {
	p := NewPlugin("fvp", memsurface.NewAllocator(), sink.LogSink{})

	resp := p.HandleMethodCall(MethodCall{Method: MethodMixWithOthers})
	require.NotNil(t, resp.Err)
	assert.Equal(t, CodeDetached, resp.Err.Code)

	// detaching a plugin that never attached is harmless
	p.Detach()
}

func TestPlugin_AttachTwice(t *testing.T) {
	p, _, _ := newAttachedPlugin(t, false)
	assert.Error(t, p.Attach(true))
	assert.Equal(t, surface.StrategyLegacyTexture, p.Registry().Strategy())
}

func TestResponse_Reply(t *testing.T) {
	data, err := json.Marshal(Success(int64(4)).Reply(7))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"result":4}`, string(data))

	data, err = json.Marshal(NotImplemented().Reply(8))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":8,"result":null,"not_implemented":true}`, string(data))

	data, err = json.Marshal(Failure(CodeBadArguments, "nope").Reply(9))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9,"result":null,"error":{"code":"BAD_ARGUMENTS","message":"nope"}}`, string(data))
}
