package core

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mjl-/jmapd/config"
	"github.com/mjl-/jmapd/mlog"
)

func TestNewSettings(t *testing.T) {
	log := mlog.New("core", nil)
	cfg := config.JMAP{
		MaxSizeUpload:         1000,
		MaxConcurrentUpload:   -4,
		MaxSizeRequest:        0,
		MaxConcurrentRequests: 2,
		MaxCallsInRequest:     16,
		MaxObjectsInGet:       500,
		MaxObjectsInSet:       500,
	}
	s := NewSettings(log, cfg)
	if s.MaxSizeUpload != 1000 || s.MaxCallsInRequest != 16 {
		t.Errorf("positive limits not passed through: %+v", s)
	}
	if s.MaxConcurrentUpload != 0 || s.MaxSizeRequest != 0 {
		t.Errorf("non-positive limits not clamped to 0: %+v", s)
	}
	if s.CollationAlgorithms == nil || len(s.CollationAlgorithms) != 0 {
		t.Errorf("collation algorithms should be an empty list, got %v", s.CollationAlgorithms)
	}
}

func TestEcho(t *testing.T) {
	c := NewCore(CoreCapabilitySettings{})
	args := json.RawMessage(`{"hello":true,"n":[1,2,3]}`)
	resp, mErr := c.echo(context.Background(), nil, args)
	if mErr != nil {
		t.Fatalf("unexpected method error %v", mErr)
	}
	got, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(got) != string(args) {
		t.Errorf("echo returned %s, expected %s", got, args)
	}
}

func TestMethods(t *testing.T) {
	c := NewCore(CoreCapabilitySettings{})
	for _, name := range []string{"Core/echo", "Blob/get", "Blob/copy"} {
		if c.Methods()[name] == nil {
			t.Errorf("method %s missing", name)
		}
	}
}
