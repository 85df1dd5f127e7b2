package vts

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ovROG/rusty-bridge/internal/tracking"
	"github.com/ovROG/rusty-bridge/internal/transform"
)

// startTestHost runs a WebSocket server standing in for the puppeteering
// host. Each accepted connection is handed to the test over the channel.
func startTestHost(t *testing.T) (chan *websocket.Conn, int) {
	t.Helper()
	connCh := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)
	return connCh, srv.Listener.Addr().(*net.TCPAddr).Port
}

type receivedRequest struct {
	MessageType string          `json:"messageType"`
	RequestID   string          `json:"requestID"`
	Data        json.RawMessage `json:"data"`
}

func readRequest(t *testing.T, conn *websocket.Conn) receivedRequest {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req receivedRequest
	if err := json.Unmarshal(b, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func writeResponse(t *testing.T, conn *websocket.Conn, messageType string, data any) {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"apiName":     apiName,
		"apiVersion":  apiVersion,
		"timestamp":   time.Now().UnixMilli(),
		"requestID":   requestID,
		"messageType": messageType,
		"data":        data,
	})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write response: %v", err)
	}
}

func newTestClient(t *testing.T, port int, defs []transform.Definition) (*Client, *tracking.Mailbox, *TokenStore) {
	t.Helper()
	set, err := transform.Compile(defs)
	if err != nil {
		t.Fatalf("compile transforms: %v", err)
	}
	store := NewTokenStore(filepath.Join(t.TempDir(), "token"))
	mb := tracking.NewMailbox()
	c := NewClient(Config{
		HostPort:        port,
		DiscoveryPort:   0,
		PluginName:      "RustyBridge",
		PluginDeveloper: "ovROG",
		ResponseTimeout: 5 * time.Second,
	}, set, store, mb)
	return c, mb, store
}

func runClient(t *testing.T, c *Client) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func waitForStop(t *testing.T, cancel context.CancelFunc, errCh chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("client returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop on cancellation")
	}
}

// Token issue flow: with no cached token the client must request one, the
// issued token must hit the disk before the auth request that uses it goes
// out, and that auth request must carry the issued token.
func TestTokenIssueThenAuth(t *testing.T) {
	connCh, port := startTestHost(t)
	c, _, store := newTestClient(t, port, nil)
	cancel, errCh := runClient(t, c)

	conn := <-connCh
	if req := readRequest(t, conn); req.MessageType != typeAPIStateRequest {
		t.Fatalf("first request is %s, want %s", req.MessageType, typeAPIStateRequest)
	}
	writeResponse(t, conn, typeAPIStateResponse, map[string]any{
		"active":                      true,
		"vTubeStudioVersion":          "1.0.0",
		"currentSessionAuthenticated": false,
	})

	if req := readRequest(t, conn); req.MessageType != typeAuthTokenRequest {
		t.Fatalf("expected a token request, got %s", req.MessageType)
	}
	writeResponse(t, conn, typeAuthTokenResponse, map[string]any{"authenticationToken": "T1"})

	req := readRequest(t, conn)
	if req.MessageType != typeAuthRequest {
		t.Fatalf("expected an auth request, got %s", req.MessageType)
	}
	var auth authRequestData
	if err := json.Unmarshal(req.Data, &auth); err != nil {
		t.Fatalf("decode auth data: %v", err)
	}
	if auth.AuthenticationToken != "T1" {
		t.Errorf("auth request carries token %q, want T1", auth.AuthenticationToken)
	}
	if tok, err := store.Load(); err != nil || tok != "T1" {
		t.Errorf("token not persisted before auth send: %q, %v", tok, err)
	}
	writeResponse(t, conn, typeAuthResponse, map[string]any{"authenticated": true, "reason": ""})

	waitForStop(t, cancel, errCh)
}

// A rejected token must be cleared from disk before the next token request.
func TestAuthRejectionClearsToken(t *testing.T) {
	connCh, port := startTestHost(t)
	c, _, store := newTestClient(t, port, nil)
	if err := store.Save("BAD"); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	cancel, errCh := runClient(t, c)

	conn := <-connCh
	readRequest(t, conn) // APIStateRequest
	writeResponse(t, conn, typeAPIStateResponse, map[string]any{"currentSessionAuthenticated": false})

	req := readRequest(t, conn)
	if req.MessageType != typeAuthRequest {
		t.Fatalf("expected auth with cached token, got %s", req.MessageType)
	}
	writeResponse(t, conn, typeAuthResponse, map[string]any{"authenticated": false, "reason": "revoked"})

	if req := readRequest(t, conn); req.MessageType != typeAuthTokenRequest {
		t.Fatalf("expected a fresh token request, got %s", req.MessageType)
	}
	if _, err := os.Stat(store.path); !os.IsNotExist(err) {
		t.Errorf("rejected token still on disk: %v", err)
	}
	writeResponse(t, conn, typeAuthTokenResponse, map[string]any{"authenticationToken": "T2"})

	req = readRequest(t, conn)
	var auth authRequestData
	_ = json.Unmarshal(req.Data, &auth)
	if req.MessageType != typeAuthRequest || auth.AuthenticationToken != "T2" {
		t.Fatalf("expected auth with T2, got %s %q", req.MessageType, auth.AuthenticationToken)
	}
	writeResponse(t, conn, typeAuthResponse, map[string]any{"authenticated": true})

	waitForStop(t, cancel, errCh)
}

// Registration must advance past a parameter the host already knows
// (error 352) without retrying it, then stream mapped values end to end.
func TestRegistrationDuplicateAdvancesAndStreams(t *testing.T) {
	connCh, port := startTestHost(t)
	defs := []transform.Definition{
		{Name: "Smile", Func: "MouthSmile*2", Min: 0, Max: 1},
		{Name: "Blink", Func: "EyeBlink", Min: 0, Max: 1},
	}
	c, mb, store := newTestClient(t, port, defs)
	if err := store.Save("tok"); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	mb.Put(tracking.Frame{
		Timestamp:   7,
		FaceFound:   true,
		BlendShapes: []tracking.BlendShape{{Key: "MouthSmile", Value: 0.4}, {Key: "EyeBlink", Value: 1}},
	})
	cancel, errCh := runClient(t, c)

	conn := <-connCh
	readRequest(t, conn) // APIStateRequest
	writeResponse(t, conn, typeAPIStateResponse, map[string]any{"currentSessionAuthenticated": true})

	req := readRequest(t, conn)
	var create parameterCreationData
	_ = json.Unmarshal(req.Data, &create)
	if req.MessageType != typeParameterCreationRequest || create.ParameterName != "Smile" {
		t.Fatalf("expected creation of Smile, got %s %q", req.MessageType, create.ParameterName)
	}
	writeResponse(t, conn, typeAPIError, map[string]any{"errorID": errIDParameterExists, "message": "exists"})

	req = readRequest(t, conn)
	_ = json.Unmarshal(req.Data, &create)
	if req.MessageType != typeParameterCreationRequest || create.ParameterName != "Blink" {
		t.Fatalf("expected creation of Blink next, got %s %q", req.MessageType, create.ParameterName)
	}
	writeResponse(t, conn, typeParameterCreationResponse, map[string]any{"parameterName": "Blink"})

	req = readRequest(t, conn)
	if req.MessageType != typeInjectRequest {
		t.Fatalf("expected an injection request, got %s", req.MessageType)
	}
	var inject injectData
	if err := json.Unmarshal(req.Data, &inject); err != nil {
		t.Fatalf("decode injection: %v", err)
	}
	if !inject.FaceFound || inject.Mode != "set" {
		t.Errorf("unexpected injection header: %+v", inject)
	}
	if len(inject.ParameterValues) != 2 {
		t.Fatalf("expected 2 parameter values, got %d", len(inject.ParameterValues))
	}
	smile := inject.ParameterValues[0]
	if smile.ID != "Smile" || smile.Value != 0.8 || smile.Weight != 1.0 {
		t.Errorf("unexpected Smile value: %+v", smile)
	}
	writeResponse(t, conn, typeInjectResponse, map[string]any{})

	waitForStop(t, cancel, errCh)
}

// The client must never have a second request in flight while one awaits
// its response.
func TestOneRequestInFlight(t *testing.T) {
	connCh, port := startTestHost(t)
	c, _, _ := newTestClient(t, port, []transform.Definition{{Name: "Custom", Func: "1"}})
	cancel, errCh := runClient(t, c)

	conn := <-connCh
	readRequest(t, conn) // APIStateRequest in flight

	ctx, cancelRead := context.WithTimeout(context.Background(), 300*time.Millisecond)
	_, _, err := conn.Read(ctx)
	cancelRead()
	if err == nil {
		t.Fatal("client sent a second request while one was in flight")
	}

	waitForStop(t, cancel, errCh)
}

// An unknown host error must not advance the queue; the in-flight request
// is retransmitted and can still succeed afterwards.
func TestUnknownErrorKeepsRequestPending(t *testing.T) {
	connCh, port := startTestHost(t)
	c, _, store := newTestClient(t, port, []transform.Definition{{Name: "Custom", Func: "1"}})
	if err := store.Save("tok"); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	cancel, errCh := runClient(t, c)

	conn := <-connCh
	readRequest(t, conn) // APIStateRequest
	writeResponse(t, conn, typeAPIStateResponse, map[string]any{"currentSessionAuthenticated": true})

	req := readRequest(t, conn)
	if req.MessageType != typeParameterCreationRequest {
		t.Fatalf("expected a creation request, got %s", req.MessageType)
	}
	writeResponse(t, conn, typeAPIError, map[string]any{"errorID": 999, "message": "mystery"})

	req = readRequest(t, conn)
	if req.MessageType != typeParameterCreationRequest {
		t.Fatalf("expected the creation request again, got %s", req.MessageType)
	}
	writeResponse(t, conn, typeAPIError, map[string]any{"errorID": errIDParameterDefault, "message": "default"})

	// Queue drained; the client is streaming now. Nothing else to assert
	// beyond reaching this point without a retry loop.
	waitForStop(t, cancel, errCh)
}

// A dropped connection mid-stream must lead back through connect and auth,
// with re-registration tolerated via the duplicate-parameter error.
func TestReconnectAfterConnDrop(t *testing.T) {
	connCh, port := startTestHost(t)
	c, mb, store := newTestClient(t, port, []transform.Definition{{Name: "Smile", Func: "MouthSmile*2"}})
	if err := store.Save("tok"); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	cancel, errCh := runClient(t, c)

	conn := <-connCh
	readRequest(t, conn) // APIStateRequest
	writeResponse(t, conn, typeAPIStateResponse, map[string]any{"currentSessionAuthenticated": true})
	req := readRequest(t, conn)
	if req.MessageType != typeParameterCreationRequest {
		t.Fatalf("expected a creation request, got %s", req.MessageType)
	}
	writeResponse(t, conn, typeParameterCreationResponse, map[string]any{})

	// Drop the connection mid-stream, then feed a frame so the client
	// touches the dead socket and notices.
	_ = conn.Close(websocket.StatusInternalError, "boom")
	mb.Put(tracking.Frame{
		FaceFound:   true,
		BlendShapes: []tracking.BlendShape{{Key: "MouthSmile", Value: 0.1}},
	})

	// The client reconnects and rebuilds the session from scratch.
	var conn2 *websocket.Conn
	select {
	case conn2 = <-connCh:
	case <-time.After(10 * time.Second):
		t.Fatal("client never reconnected")
	}
	readRequest(t, conn2) // APIStateRequest
	writeResponse(t, conn2, typeAPIStateResponse, map[string]any{"currentSessionAuthenticated": true})
	req = readRequest(t, conn2)
	if req.MessageType != typeParameterCreationRequest {
		t.Fatalf("expected re-registration, got %s", req.MessageType)
	}
	writeResponse(t, conn2, typeAPIError, map[string]any{"errorID": errIDParameterExists, "message": "exists"})

	mb.Put(tracking.Frame{
		FaceFound:   true,
		BlendShapes: []tracking.BlendShape{{Key: "MouthSmile", Value: 0.5}},
	})
	req = readRequest(t, conn2)
	if req.MessageType != typeInjectRequest {
		t.Fatalf("expected streaming to resume, got %s", req.MessageType)
	}

	waitForStop(t, cancel, errCh)
}

// Face loss sends exactly one clearing injection with faceFound=false and
// no values; further faceless frames send nothing.
func TestFaceLossSendsSingleClearingInjection(t *testing.T) {
	connCh, port := startTestHost(t)
	c, mb, store := newTestClient(t, port, []transform.Definition{{Name: "MouthSmile", Func: "MouthSmile"}})
	if err := store.Save("tok"); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	cancel, errCh := runClient(t, c)

	conn := <-connCh
	readRequest(t, conn) // APIStateRequest
	writeResponse(t, conn, typeAPIStateResponse, map[string]any{"currentSessionAuthenticated": true})

	mb.Put(tracking.Frame{FaceFound: true, BlendShapes: []tracking.BlendShape{{Key: "MouthSmile", Value: 0.3}}})
	req := readRequest(t, conn)
	if req.MessageType != typeInjectRequest {
		t.Fatalf("expected an injection, got %s", req.MessageType)
	}
	writeResponse(t, conn, typeInjectResponse, map[string]any{})

	mb.Put(tracking.Frame{FaceFound: false})
	req = readRequest(t, conn)
	var inject injectData
	if err := json.Unmarshal(req.Data, &inject); err != nil {
		t.Fatalf("decode injection: %v", err)
	}
	if inject.FaceFound || len(inject.ParameterValues) != 0 {
		t.Fatalf("expected an empty clearing injection, got %+v", inject)
	}
	// The host answers this with the informational no-data error.
	writeResponse(t, conn, typeAPIError, map[string]any{"errorID": errIDNoParameterData, "message": "no data"})

	// A second faceless frame must not produce another injection.
	mb.Put(tracking.Frame{FaceFound: false})
	ctx, cancelRead := context.WithTimeout(context.Background(), 300*time.Millisecond)
	_, _, err := conn.Read(ctx)
	cancelRead()
	if err == nil {
		t.Fatal("client sent an injection for a repeated faceless frame")
	}

	waitForStop(t, cancel, errCh)
}

// A host that never answers the in-flight request must not wedge the
// client forever: the response timeout tears the session down and the
// client reconnects.
func TestResponseTimeoutTriggersReconnect(t *testing.T) {
	connCh, port := startTestHost(t)
	c, _, _ := newTestClient(t, port, nil)
	c.cfg.ResponseTimeout = 200 * time.Millisecond
	cancel, errCh := runClient(t, c)

	conn := <-connCh
	readRequest(t, conn) // APIStateRequest; never answered

	select {
	case <-connCh:
	case <-time.After(10 * time.Second):
		t.Fatal("client never gave up on the silent host")
	}

	waitForStop(t, cancel, errCh)
}
