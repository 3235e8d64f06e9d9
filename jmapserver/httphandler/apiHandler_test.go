package httphandler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mjl-/jmapd/jmapserver/core"
)

// invocation is the decoded 3-tuple form of a method response.
type invocation struct {
	Name      string
	Arguments json.RawMessage
	CallID    string
}

func (inv *invocation) UnmarshalJSON(b []byte) error {
	var tuple [3]json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[0], &inv.Name); err != nil {
		return err
	}
	inv.Arguments = tuple[1]
	return json.Unmarshal(tuple[2], &inv.CallID)
}

type apiResponse struct {
	MethodResponses []invocation `json:"methodResponses"`
	SessionState    string       `json:"sessionState"`
}

func postAPI(t *testing.T, jh *JMAPServerHandler, body string) (*apiResponse, int) {
	t.Helper()
	w := doRequest(jh, http.MethodPost, "/jmap/", HeaderContentTypeJSON, body)
	if w.Code != http.StatusOK {
		return nil, w.Code
	}
	var resp apiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshalling api response: %v", err)
	}
	return &resp, w.Code
}

func problemType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	if ct := w.Header().Get(HeaderContentType); ct != HeaderContentTypeProblem {
		t.Fatalf("got content type %q, expected problem json", ct)
	}
	var p JSONProblem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("unmarshalling problem: %v", err)
	}
	return p.Type
}

func TestAPIEcho(t *testing.T) {
	jh := newTestHandler(t)
	body := fmt.Sprintf(`{"using":[%q],"methodCalls":[["Core/echo",{"hello":true,"n":1},"c1"]]}`, core.Urn)
	resp, code := postAPI(t, jh, body)
	if code != http.StatusOK {
		t.Fatalf("got status %d", code)
	}
	if len(resp.MethodResponses) != 1 {
		t.Fatalf("got %d method responses", len(resp.MethodResponses))
	}
	inv := resp.MethodResponses[0]
	if inv.Name != "Core/echo" || inv.CallID != "c1" {
		t.Errorf("got %q %q", inv.Name, inv.CallID)
	}
	var args map[string]any
	if err := json.Unmarshal(inv.Arguments, &args); err != nil {
		t.Fatalf("unmarshalling echo arguments: %v", err)
	}
	if args["hello"] != true || args["n"] != float64(1) {
		t.Errorf("echo did not return arguments verbatim: %v", args)
	}
	if resp.SessionState == "" {
		t.Error("empty session state")
	}
}

func TestAPIResultReference(t *testing.T) {
	jh := newTestHandler(t)
	body := fmt.Sprintf(`{"using":[%q],"methodCalls":[
		["Core/echo",{"list":[{"id":"a"},{"id":"b"}]},"c1"],
		["Core/echo",{"#got":{"resultOf":"c1","name":"Core/echo","path":"/list/*/id"}},"c2"]
	]}`, core.Urn)
	resp, code := postAPI(t, jh, body)
	if code != http.StatusOK {
		t.Fatalf("got status %d", code)
	}
	if len(resp.MethodResponses) != 2 {
		t.Fatalf("got %d method responses", len(resp.MethodResponses))
	}
	var args struct {
		Got []string `json:"got"`
	}
	if err := json.Unmarshal(resp.MethodResponses[1].Arguments, &args); err != nil {
		t.Fatalf("unmarshalling second response: %v", err)
	}
	if len(args.Got) != 2 || args.Got[0] != "a" || args.Got[1] != "b" {
		t.Errorf("got %v, expected [a b]", args.Got)
	}
}

func TestAPIResultReferenceErrors(t *testing.T) {
	jh := newTestHandler(t)

	// Plain and referenced variant of the same argument together.
	body := fmt.Sprintf(`{"using":[%q],"methodCalls":[
		["Core/echo",{"x":1,"#x":{"resultOf":"c0","name":"Core/echo","path":"/x"}},"c1"]
	]}`, core.Urn)
	resp, _ := postAPI(t, jh, body)
	if got := resp.MethodResponses[0].Name; got != "error" {
		t.Fatalf("got %q, expected error invocation", got)
	}

	// Reference to a call id that does not exist yet.
	body = fmt.Sprintf(`{"using":[%q],"methodCalls":[
		["Core/echo",{"#x":{"resultOf":"nope","name":"Core/echo","path":"/x"}},"c1"]
	]}`, core.Urn)
	resp, _ = postAPI(t, jh, body)
	inv := resp.MethodResponses[0]
	if inv.Name != "error" {
		t.Fatalf("got %q, expected error invocation", inv.Name)
	}
	var mErr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(inv.Arguments, &mErr); err != nil {
		t.Fatal(err)
	}
	if mErr.Type != "invalidResultReference" {
		t.Errorf("got error type %q", mErr.Type)
	}
}

func TestAPIUnknownMethod(t *testing.T) {
	jh := newTestHandler(t)

	body := fmt.Sprintf(`{"using":[%q],"methodCalls":[["Bogus/frobnicate",{},"c1"]]}`, core.Urn)
	resp, _ := postAPI(t, jh, body)
	inv := resp.MethodResponses[0]
	if inv.Name != "error" || inv.CallID != "c1" {
		t.Fatalf("got %q %q", inv.Name, inv.CallID)
	}

	// A method of a capability the request did not declare is equally
	// unknown.
	body = `{"using":["urn:ietf:params:jmap:mail"],"methodCalls":[["Core/echo",{},"c1"]]}`
	resp, _ = postAPI(t, jh, body)
	if resp.MethodResponses[0].Name != "error" {
		t.Fatal("expected error invocation for undeclared capability")
	}
}

func TestAPIUnknownCapability(t *testing.T) {
	jh := newTestHandler(t)
	w := doRequest(jh, http.MethodPost, "/jmap/", HeaderContentTypeJSON, `{"using":["urn:example:bogus"],"methodCalls":[["Core/echo",{},"c1"]]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got status %d", w.Code)
	}
	if typ := problemType(t, w); typ != "urn:ietf:params:jmap:error:unknownCapability" {
		t.Errorf("got problem type %q", typ)
	}
}

func TestAPINotJSON(t *testing.T) {
	jh := newTestHandler(t)

	w := doRequest(jh, http.MethodPost, "/jmap/", HeaderContentTypeJSON, `{"using":`)
	if typ := problemType(t, w); typ != "urn:ietf:params:jmap:error:notJSON" {
		t.Errorf("got problem type %q", typ)
	}

	// Wrong content type is rejected before the body is considered.
	w = doRequest(jh, http.MethodPost, "/jmap/", "text/plain", `{}`)
	if typ := problemType(t, w); typ != "urn:ietf:params:jmap:error:notJSON" {
		t.Errorf("got problem type %q", typ)
	}
}

func TestAPINotRequest(t *testing.T) {
	jh := newTestHandler(t)
	w := doRequest(jh, http.MethodPost, "/jmap/", HeaderContentTypeJSON, `{"using":[],"methodCalls":[]}`)
	if typ := problemType(t, w); typ != "urn:ietf:params:jmap:error:notRequest" {
		t.Errorf("got problem type %q", typ)
	}
}

func TestAPITooManyCalls(t *testing.T) {
	jh := newTestHandler(t)
	max := jh.Settings.MaxCallsInRequest
	var calls []string
	for i := uint(0); i <= max; i++ {
		calls = append(calls, fmt.Sprintf(`["Core/echo",{},"c%d"]`, i))
	}
	body := fmt.Sprintf(`{"using":[%q],"methodCalls":[%s]}`, core.Urn, strings.Join(calls, ","))
	w := doRequest(jh, http.MethodPost, "/jmap/", HeaderContentTypeJSON, body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got status %d", w.Code)
	}
	var p JSONProblem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Type != "urn:ietf:params:jmap:error:limit" || p.Limit != "maxCallsInRequest" {
		t.Errorf("got problem %q limit %q", p.Type, p.Limit)
	}
}
