package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRawParams(t *testing.T) {
	got := RawParams(json.RawMessage(`{"symbol":"BTCUSDT","qty":0.5}`))
	if got["symbol"] != "BTCUSDT" || got["qty"] != 0.5 {
		t.Fatalf("params = %+v", got)
	}
	if RawParams(nil) != nil {
		t.Fatal("empty input should yield nil")
	}
	if RawParams(json.RawMessage(`[1,2]`)) != nil {
		t.Fatal("non-object input should yield nil")
	}
	if RawParams(json.RawMessage(`{bad`)) != nil {
		t.Fatal("invalid JSON should yield nil")
	}
}

func TestPendingActionExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	live := PendingAction{ExpiresAt: now.Add(time.Minute)}
	if live.Expired(now) {
		t.Fatal("future expiry should not be expired")
	}
	stale := PendingAction{ExpiresAt: now.Add(-time.Minute)}
	if !stale.Expired(now) {
		t.Fatal("past expiry should be expired")
	}
	if (PendingAction{}).Expired(now) {
		t.Fatal("zero expiry never expires")
	}
}
