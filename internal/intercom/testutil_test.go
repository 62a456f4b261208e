package intercom

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"intercom-orchestrator/internal/bridge"
)

// fakeBridge is an httptest stand-in for the media bridge control API.
type fakeBridge struct {
	srv *httptest.Server

	mu          sync.Mutex
	conferences int
	endpoints   map[string][]string // conference id -> endpoint ids
	connected   map[string]bool     // endpoint id -> reported connected
	failAll     bool
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{
		endpoints: make(map[string][]string),
		connected: make(map[string]bool),
	}
	fb.srv = httptest.NewServer(http.HandlerFunc(fb.handle))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBridge) handle(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.failAll {
		http.Error(w, "bridge down", http.StatusServiceUnavailable)
		return
	}

	switch {
	case r.URL.Path == "/healthcheck":
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && r.URL.Path == "/conferences/":
		fb.conferences++
		json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("conf-%d", fb.conferences)})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/conferences/"):
		confID := strings.TrimPrefix(r.URL.Path, "/conferences/")
		states := make([]bridge.EndpointState, 0)
		for _, ep := range fb.endpoints[confID] {
			st := bridge.EndpointState{ID: ep, ICEState: "disconnected", DTLSState: "disconnected"}
			if fb.connected[ep] {
				st.ICEState, st.DTLSState = "connected", "connected"
			}
			states = append(states, st)
		}
		json.NewEncoder(w).Encode(states)

	case r.Method == http.MethodPost:
		// allocate endpoint: /conferences/{conf}/{endpoint}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/conferences/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		fb.endpoints[parts[0]] = append(fb.endpoints[parts[0]], parts[1])
		json.NewEncoder(w).Encode(testEndpointDescription())

	case r.Method == http.MethodPut:
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)

	default:
		http.NotFound(w, r)
	}
}

func (fb *fakeBridge) setFailing(fail bool) {
	fb.mu.Lock()
	fb.failAll = fail
	fb.mu.Unlock()
}

func (fb *fakeBridge) setConnected(endpointID string, connected bool) {
	fb.mu.Lock()
	fb.connected[endpointID] = connected
	fb.mu.Unlock()
}

func (fb *fakeBridge) conferenceCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.conferences
}

func testEndpointDescription() *bridge.EndpointDescription {
	return &bridge.EndpointDescription{
		BundleTransport: &bridge.Transport{
			ICE: &bridge.ICE{
				Ufrag: "bridgeUfrag",
				Pwd:   "bridgePwd",
				Candidates: []bridge.Candidate{
					{Foundation: "1", Component: 1, Protocol: "udp", Priority: 2130706431, IP: "198.51.100.7", Port: 10000, Type: "host"},
				},
			},
			DTLS: &bridge.DTLS{Setup: "actpass", Type: "sha-256", Hash: "AA:BB:CC:DD"},
		},
		Audio: &bridge.Audio{
			PayloadType: &bridge.PayloadType{ID: 111, Name: "opus", ClockRate: 48000, Channels: 2},
			SSRCs:       []uint32{424242},
		},
		Data: &bridge.Data{Port: 5000},
	}
}

const testAnswer = `v=0
o=- 1234567890 2 IN IP4 127.0.0.1
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=mid:0
a=ice-ufrag:clientUfrag
a=ice-pwd:clientPwdClientPwd00
a=fingerprint:sha-256 11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00
a=setup:active
a=candidate:1 1 udp 2122260223 192.0.2.15 46243 typ host
a=rtpmap:111 opus/48000/2
a=ssrc:777777 cname:client
`

func testLog() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testStack wires a full core on top of a fake bridge.
type testStack struct {
	bridge  *fakeBridge
	store   *InMemoryStore
	pool    *bridge.Pool
	manager *Manager
	facade  *Facade
}

func newTestStack(t *testing.T, opts ...ManagerOption) *testStack {
	t.Helper()
	fb := newFakeBridge(t)
	pool, err := bridge.NewPool([]bridge.InstanceConfig{
		{Name: "smb-test", URL: fb.srv.URL, Weight: 1},
	}, testLog())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	client := bridge.NewClient(&http.Client{Timeout: 5 * time.Second})
	store := NewInMemoryStore(0)
	manager := NewManager(store, client, pool, testLog(), nil, opts...)
	facade := NewFacade(manager, client, pool, testLog())
	return &testStack{bridge: fb, store: store, pool: pool, manager: manager, facade: facade}
}
