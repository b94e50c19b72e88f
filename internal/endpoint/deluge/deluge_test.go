package deluge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/transferarr/transferarr/internal/endpoint"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	host := u.Hostname()
	port, _ := strconv.Atoi(u.Port())
	return New(Config{Name: "dst", Host: host, Port: port, Password: "p"})
}

type rpcCall struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     int64         `json:"id"`
}

func rpcHandler(t *testing.T, responses map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Fatalf("decode rpc call: %v", err)
		}
		result, ok := responses[call.Method]
		if !ok {
			t.Fatalf("unexpected rpc method %q", call.Method)
		}
		resultJSON, err := json.Marshal(result)
		if err != nil {
			t.Fatalf("marshal fixture result: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     call.ID,
			"result": json.RawMessage(resultJSON),
			"error":  nil,
		})
	}
}

func TestEnsureConnectedAlreadyConnected(t *testing.T) {
	c := newTestClient(t, rpcHandler(t, map[string]interface{}{
		"auth.login":     true,
		"web.connected":  true,
	}))

	if err := c.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	if !c.loggedIn || !c.connectedRPC {
		t.Fatalf("expected client to record logged-in and connected state")
	}
}

func TestEnsureConnectedConnectsViaFirstHost(t *testing.T) {
	c := newTestClient(t, rpcHandler(t, map[string]interface{}{
		"auth.login":     true,
		"web.connected":  false,
		"web.get_hosts":  [][]interface{}{{"host-1", "127.0.0.1", float64(58846)}},
		"web.connect":    nil,
	}))

	if err := c.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
}

func TestListNormalizesHashAndMapsState(t *testing.T) {
	c := newTestClient(t, rpcHandler(t, map[string]interface{}{
		"auth.login":    true,
		"web.connected": true,
		"core.get_torrents_status": map[string]interface{}{
			"AB01": map[string]interface{}{
				"name":      "movie",
				"state":     "Seeding",
				"progress":  100.0,
				"save_path": "/downloads",
				"files":     []map[string]interface{}{{"path": "movie.mkv", "size": 2000}},
			},
		},
	}))

	list, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	info, ok := list["ab01"]
	if !ok {
		t.Fatalf("expected lowercase hash key, got: %v", list)
	}
	if info.State != endpoint.HomeSeeding {
		t.Fatalf("expected HOME_SEEDING, got %s", info.State)
	}
	if info.Progress != 1.0 {
		t.Fatalf("expected progress normalized to 0-1, got %v", info.Progress)
	}
}

func TestRemoveTreatsNotFoundAsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		json.NewDecoder(r.Body).Decode(&call)
		switch call.Method {
		case "auth.login":
			json.NewEncoder(w).Encode(map[string]interface{}{"id": call.ID, "result": true})
		case "web.connected":
			json.NewEncoder(w).Encode(map[string]interface{}{"id": call.ID, "result": true})
		case "core.remove_torrent":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id":     call.ID,
				"result": nil,
				"error":  map[string]interface{}{"code": 1, "message": "InvalidTorrentError: torrent not in session"},
			})
		default:
			t.Fatalf("unexpected method %q", call.Method)
		}
	})

	if err := c.Remove(context.Background(), "AB01", true); err != nil {
		t.Fatalf("expected remove of an already-absent torrent to succeed, got: %v", err)
	}
}
