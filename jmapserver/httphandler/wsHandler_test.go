package httphandler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/net/websocket"

	"github.com/mjl-/jmapd/jmapserver/core"
)

func dialWS(t *testing.T, srv *httptest.Server, protocol string) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/jmap/ws"
	cfg, err := websocket.NewConfig(url, "http://app.example/")
	if err != nil {
		t.Fatalf("websocket config: %v", err)
	}
	if protocol != "" {
		cfg.Protocol = []string{protocol}
	}
	creds := base64.StdEncoding.EncodeToString([]byte(testAccount + ":" + testPassword))
	cfg.Header.Set("Authorization", "Basic "+creds)
	return websocket.DialConfig(cfg)
}

func TestWebsocketEcho(t *testing.T) {
	jh := newTestHandler(t)
	srv := httptest.NewServer(jh)
	defer srv.Close()

	conn, err := dialWS(t, srv, wsSubProtocol)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	frame := fmt.Sprintf(`{"using":[%q],"methodCalls":[["Core/echo",{"a":1},"c1"]]}`, core.Urn)
	if err := websocket.Message.Send(conn, frame); err != nil {
		t.Fatalf("sending frame: %v", err)
	}
	var reply string
	if err := websocket.Message.Receive(conn, &reply); err != nil {
		t.Fatalf("receiving frame: %v", err)
	}
	var resp apiResponse
	if err := json.Unmarshal([]byte(reply), &resp); err != nil {
		t.Fatalf("unmarshalling response frame: %v", err)
	}
	if len(resp.MethodResponses) != 1 || resp.MethodResponses[0].Name != "Core/echo" {
		t.Errorf("got response %s", reply)
	}
}

func TestWebsocketBadFrameKeepsChannelOpen(t *testing.T) {
	jh := newTestHandler(t)
	srv := httptest.NewServer(jh)
	defer srv.Close()

	conn, err := dialWS(t, srv, wsSubProtocol)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	// A broken frame yields a problem object, then the channel still works.
	if err := websocket.Message.Send(conn, `{"using":`); err != nil {
		t.Fatal(err)
	}
	var reply string
	if err := websocket.Message.Receive(conn, &reply); err != nil {
		t.Fatal(err)
	}
	var p JSONProblem
	if err := json.Unmarshal([]byte(reply), &p); err != nil {
		t.Fatalf("unmarshalling problem frame: %v", err)
	}
	if p.Type != "urn:ietf:params:jmap:error:notJSON" {
		t.Errorf("got problem type %q", p.Type)
	}

	frame := fmt.Sprintf(`{"using":[%q],"methodCalls":[["Core/echo",{},"c1"]]}`, core.Urn)
	if err := websocket.Message.Send(conn, frame); err != nil {
		t.Fatal(err)
	}
	if err := websocket.Message.Receive(conn, &reply); err != nil {
		t.Fatalf("channel no longer usable after bad frame: %v", err)
	}
}

func TestWebsocketRequiresSubProtocol(t *testing.T) {
	jh := newTestHandler(t)
	srv := httptest.NewServer(jh)
	defer srv.Close()

	if _, err := dialWS(t, srv, "other"); err == nil {
		t.Error("handshake with wrong sub-protocol succeeded")
	}
}
