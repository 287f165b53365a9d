package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"displayconfig/display"
	"displayconfig/internal/config"
	"displayconfig/internal/protocol"
	"displayconfig/tracker"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	set   display.Set
	live  map[display.Identity]display.Snapshot
	last  map[display.Identity]display.Snapshot
	prev  map[display.Identity]display.Size
	stats tracker.Stats
}

func (f *fakeSource) Displays() display.Set { return f.set }

func (f *fakeSource) Query(id display.Identity) (display.Snapshot, error) {
	if snap, ok := f.live[id]; ok {
		return snap, nil
	}
	return display.Snapshot{}, fmt.Errorf("%w: %s", display.ErrNotFound, id)
}

func (f *fakeSource) LastKnown(id display.Identity) (display.Snapshot, bool) {
	snap, ok := f.last[id]
	return snap, ok
}

func (f *fakeSource) PreviousSize(id display.Identity) (display.Size, bool) {
	size, ok := f.prev[id]
	return size, ok
}

func (f *fakeSource) Stats() tracker.Stats { return f.stats }

var (
	main1 = display.Snapshot{ID: "1", Size: display.Size{Width: 1920, Height: 1080}, Primary: true}
	side2 = display.Snapshot{ID: "2", Origin: display.Point{X: 1920}, Size: display.Size{Width: 1280, Height: 1024}}
)

func newTestServer(t *testing.T) (*Server, *fakeSource, *config.Manager) {
	t.Helper()
	src := &fakeSource{
		set:   display.NewSet(main1, side2),
		live:  map[display.Identity]display.Snapshot{"1": main1, "2": side2},
		last:  map[display.Identity]display.Snapshot{"3": {ID: "3", Size: display.Size{Width: 800, Height: 600}}},
		prev:  map[display.Identity]display.Size{"2": {Width: 1024, Height: 768}},
		stats: tracker.Stats{Accepted: 4, Ignored: 1, Events: 3},
	}
	cfg := config.NewManagerAt(filepath.Join(t.TempDir(), "config.json"), zerolog.Nop())
	cfg.SetLabel("2", "Side")
	return NewServer(cfg, src, zerolog.Nop()), src, cfg
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestDisplays(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/api/displays")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []DisplayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, main1, out[0].Snapshot)
	assert.Empty(t, out[0].Label)
	assert.Nil(t, out[0].PreviousSize)
	assert.Equal(t, "Side", out[1].Label)
	assert.Equal(t, &display.Size{Width: 1024, Height: 768}, out[1].PreviousSize)
}

func TestDisplayByID(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s.Handler(), "/api/displays/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var found DisplayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &found))
	assert.Equal(t, main1, found.Snapshot)

	rec = get(t, s.Handler(), "/api/displays/3")
	require.Equal(t, http.StatusNotFound, rec.Code)
	var gone NotFoundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gone))
	assert.Equal(t, display.Identity("3"), gone.ID)
	require.NotNil(t, gone.LastKnown)
	assert.Equal(t, 800, gone.LastKnown.Size.Width)

	rec = get(t, s.Handler(), "/api/displays/9")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "last_known")
}

func TestEscapedIdentity(t *testing.T) {
	s, src, _ := newTestServer(t)
	id := display.Identity(`\\?\display#del4064#{e6f07b5f}`)
	src.live[id] = display.Snapshot{ID: id}

	rec := get(t, s.Handler(), "/api/displays/"+url.PathEscape(string(id)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "del4064")
}

func TestStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Displays)
	assert.Equal(t, tracker.Stats{Accepted: 4, Ignored: 1, Events: 3}, st.Stats)
	assert.Equal(t, s.Name(), st.Name)
}

func TestAuth(t *testing.T) {
	s, _, cfg := newTestServer(t)
	c := cfg.Get()
	c.General.APIToken = "secret"
	cfg.Set(c)

	h := s.Handler()
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/displays").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/displays", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/displays", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestConfigUpdate(t *testing.T) {
	s, _, cfg := newTestServer(t)

	body := `{"labels":[{"id":"1","name":"Center"}],"general":{"log_level":"debug","api_port":18090}}`
	req := httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "Center", cfg.Label("1"))
	assert.Empty(t, cfg.Label("2"))

	rec = get(t, s.Handler(), "/api/config")
	assert.Contains(t, rec.Body.String(), "Center")

	req = httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader("{"))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg protocol.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestEventStream(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.wsMgr.run(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	sync, err := protocol.NewMessage(protocol.TypeSyncRequest, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(sync))

	msg := readMessage(t, conn)
	require.Equal(t, protocol.TypeSyncResponse, msg.Type)
	var resp protocol.SyncResponsePayload
	require.NoError(t, msg.Decode(&resp))
	assert.Equal(t, []display.Identity{"1", "2"}, resp.Displays.IDs())
	assert.Eventually(t, func() bool { return s.wsMgr.clientCount() == 1 }, time.Second, 10*time.Millisecond)

	snap := side2
	snap.Mirrored = true
	s.BroadcastEvent(display.MayBeDisplayAvailable{
		Event:   display.Event{Kind: display.Mirrored, ID: "2"},
		Display: &snap,
	})

	msg = readMessage(t, conn)
	require.Equal(t, protocol.TypeEvent, msg.Type)
	var ev protocol.EventPayload
	require.NoError(t, msg.Decode(&ev))
	assert.Equal(t, display.Mirrored, ev.Kind)
	assert.Equal(t, "Side", ev.Label)
	assert.Equal(t, s.Name(), ev.Origin)
	assert.True(t, ev.Event().Available())
}

func TestStreamRejectsBadToken(t *testing.T) {
	s, _, cfg := newTestServer(t)
	c := cfg.Get()
	c.General.APIToken = "secret"
	cfg.Set(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.wsMgr.run(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	header := http.Header{"Authorization": {"Bearer secret"}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()

	auth, err := protocol.NewMessage(protocol.TypeAuth, protocol.AuthPayload{Token: "wrong"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(auth))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestFullQueueForcesResync(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.wsMgr.run(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.wsMgr.clientCount() == 1 }, time.Second, 10*time.Millisecond)

	s.wsMgr.resync()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "a resync closes the follower's connection")
	assert.Eventually(t, func() bool { return s.wsMgr.clientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcastDoesNotDropSilently(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.wsMgr.queueWait = 10 * time.Millisecond

	payload := protocol.EventPayload{Kind: display.Added, ID: "1"}
	for range queueSize {
		s.wsMgr.broadcastPayload(payload)
	}
	require.Len(t, s.wsMgr.broadcast, queueSize)

	// the hub is not running, so the next event times out and the stale
	// queue is discarded
	s.wsMgr.broadcastPayload(payload)
	assert.Empty(t, s.wsMgr.broadcast)
}
