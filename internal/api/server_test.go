package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/surfacehost/internal/channel"
	"github.com/bryanchriswhite/surfacehost/internal/sink"
	"github.com/bryanchriswhite/surfacehost/internal/surface/memsurface"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	srv    *httptest.Server
	plugin *channel.Plugin
	stream *sink.StreamSink
	alloc  *memsurface.Allocator
}

func newHarness(t *testing.T, producer bool) *harness {
	t.Helper()

	alloc := memsurface.NewAllocator()
	stream := sink.NewStreamSink(true)
	plugin := channel.NewPlugin("fvp", alloc, stream)
	require.NoError(t, plugin.Attach(producer))

	dispatcher := channel.NewDispatcher(plugin, 8)
	ctx, cancel := context.WithCancel(context.Background())
	go dispatcher.Run(ctx)

	srv := httptest.NewServer(NewServer(plugin, dispatcher, stream, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		plugin.Detach()
	})

	return &harness{srv: srv, plugin: plugin, stream: stream, alloc: alloc}
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, env channel.Envelope) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var reply map[string]interface{}
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&reply))
	return reply
}

func TestChannel_CreateReleaseRoundTrip(t *testing.T) {
	h := newHarness(t, false)
	conn := h.dial(t, "/api/channel/fvp")

	reply := call(t, conn, channel.Envelope{
		ID:     1,
		Method: channel.MethodCreateRT,
		Args: map[string]interface{}{
			"player": int64(9007199254740993), // not representable as float64
			"width":  640,
			"height": 480,
			"tunnel": false,
		},
	})
	assert.Equal(t, json.Number("1"), reply["id"])
	require.Nil(t, reply["error"])
	texID, err := reply["result"].(json.Number).Int64()
	require.NoError(t, err)

	snap := h.plugin.Registry().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(9007199254740993), snap[0].Owner)

	reply = call(t, conn, channel.Envelope{
		ID:     2,
		Method: channel.MethodReleaseRT,
		Args:   map[string]interface{}{"texture": texID},
	})
	assert.Equal(t, json.Number("2"), reply["id"])
	assert.Nil(t, reply["result"])
	assert.Nil(t, reply["error"])
	assert.Equal(t, 0, h.plugin.Registry().Len())
	assert.Equal(t, 0, h.alloc.Live())
}

func TestChannel_NotImplementedAndNoop(t *testing.T) {
	h := newHarness(t, false)
	conn := h.dial(t, "/api/channel/fvp")

	reply := call(t, conn, channel.Envelope{ID: 5, Method: "Seek"})
	assert.Equal(t, true, reply["not_implemented"])

	reply = call(t, conn, channel.Envelope{ID: 6, Method: channel.MethodMixWithOthers, Args: map[string]interface{}{"value": true}})
	assert.Nil(t, reply["error"])
	assert.Nil(t, reply["not_implemented"])
}

func TestChannel_MalformedMessage(t *testing.T) {
	h := newHarness(t, false)
	conn := h.dial(t, "/api/channel/fvp")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply channel.Reply
	require.NoError(t, conn.ReadJSON(&reply))
	require.NotNil(t, reply.Error)
	assert.Equal(t, channel.CodeBadArguments, reply.Error.Code)

	// the connection is still usable
	r := call(t, conn, channel.Envelope{ID: 2, Method: channel.MethodMixWithOthers})
	assert.Nil(t, r["error"])
}

func TestChannel_UnknownName(t *testing.T) {
	h := newHarness(t, false)

	resp, err := http.Get(h.srv.URL + "/api/channel/other")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSinkStream_ReceivesBinds(t *testing.T) {
	h := newHarness(t, true)

	// an existing binding is replayed on connect, which also proves the
	// subscription is live
	first, err := h.plugin.Registry().CreateSurface(7, 8, 8, false)
	require.NoError(t, err)

	events := h.dial(t, "/api/sink/stream")
	require.NoError(t, events.SetReadDeadline(time.Now().Add(2*time.Second)))

	var replayed sink.BindEvent
	require.NoError(t, events.ReadJSON(&replayed))
	assert.Equal(t, first, replayed.TextureID)
	assert.Equal(t, int64(7), replayed.Owner)

	conn := h.dial(t, "/api/channel/fvp")
	reply := call(t, conn, channel.Envelope{
		ID:     1,
		Method: channel.MethodCreateRT,
		Args:   map[string]interface{}{"player": 3, "width": 16, "height": 16, "tunnel": true},
	})
	texID, err := reply["result"].(json.Number).Int64()
	require.NoError(t, err)

	require.NoError(t, events.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var ev sink.BindEvent
		require.NoError(t, events.ReadJSON(&ev))
		if int64(ev.TextureID) != texID {
			continue
		}
		assert.Equal(t, int64(3), ev.Owner)
		assert.True(t, ev.Tunnel)
		assert.False(t, ev.Unbind())
		break
	}
}

func TestGetSurfaces(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.plugin.Registry().CreateSurface(1, 32, 32, false)
	require.NoError(t, err)

	resp, err := http.Get(h.srv.URL + "/api/surfaces")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Channel  string `json:"channel"`
		Strategy string `json:"strategy"`
		Surfaces []struct {
			TextureID   int64 `json:"texture_id"`
			HasProducer bool  `json:"has_producer"`
			HasSurface  bool  `json:"has_surface"`
		} `json:"surfaces"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "fvp", body.Channel)
	assert.Equal(t, "producer", body.Strategy)
	require.Len(t, body.Surfaces, 1)
	assert.True(t, body.Surfaces[0].HasProducer)
	assert.True(t, body.Surfaces[0].HasSurface)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, false)

	resp, err := http.Get(h.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])

	h.plugin.Detach()

	resp2, err := http.Get(h.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, "detached", body["status"])
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, false)

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/surfaces", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
