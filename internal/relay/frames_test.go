package relay

import (
	"encoding/json"
	"testing"
)

func TestDecodeFrameEvent(t *testing.T) {
	data := []byte(`["EVENT","sub-1",{"id":"ev1","pubkey":"pk1","sig":"s","kind":445,"created_at":1700000000,"tags":[["h","grp-1"],["role","user"]],"content":"hello"}]`)

	f := DecodeFrame(data)
	ev, ok := f.(EventFrame)
	if !ok {
		t.Fatalf("Expected EventFrame, got %T", f)
	}
	if ev.SubscriptionID != "sub-1" {
		t.Errorf("Expected sub-1, got %s", ev.SubscriptionID)
	}
	if ev.Event.ID != "ev1" || ev.Event.Kind != 445 {
		t.Errorf("Unexpected event: %+v", ev.Event)
	}
	if ev.Event.GroupID() != "grp-1" {
		t.Errorf("Expected group grp-1, got %s", ev.Event.GroupID())
	}
	if ev.Event.Role() != "user" {
		t.Errorf("Expected role user, got %s", ev.Event.Role())
	}

	// Raw must round-trip to the same event for engine hand-off.
	var again SignedEvent
	if err := json.Unmarshal(ev.Raw, &again); err != nil {
		t.Fatalf("Raw did not round-trip: %v", err)
	}
	if again.ID != "ev1" {
		t.Errorf("Expected raw id ev1, got %s", again.ID)
	}
}

func TestDecodeFrameOK(t *testing.T) {
	f := DecodeFrame([]byte(`["OK","ev1",true,""]`))
	ok, isOK := f.(OKFrame)
	if !isOK {
		t.Fatalf("Expected OKFrame, got %T", f)
	}
	if !ok.Accepted || ok.EventID != "ev1" {
		t.Errorf("Unexpected OK frame: %+v", ok)
	}

	f = DecodeFrame([]byte(`["OK","ev2",false,"rate-limited: slow down"]`))
	rejected, isOK := f.(OKFrame)
	if !isOK {
		t.Fatalf("Expected OKFrame, got %T", f)
	}
	if rejected.Accepted {
		t.Error("Expected rejection")
	}
	if rejected.Message != "rate-limited: slow down" {
		t.Errorf("Expected rejection message, got %q", rejected.Message)
	}
}

func TestDecodeFrameNoticeAndEOSE(t *testing.T) {
	f := DecodeFrame([]byte(`["NOTICE","server restarting"]`))
	n, ok := f.(NoticeFrame)
	if !ok {
		t.Fatalf("Expected NoticeFrame, got %T", f)
	}
	if n.Text != "server restarting" {
		t.Errorf("Unexpected notice text: %q", n.Text)
	}

	f = DecodeFrame([]byte(`["EOSE","sub-1"]`))
	e, ok := f.(EOSEFrame)
	if !ok {
		t.Fatalf("Expected EOSEFrame, got %T", f)
	}
	if e.SubscriptionID != "sub-1" {
		t.Errorf("Unexpected subscription id: %q", e.SubscriptionID)
	}
}

func TestDecodeFrameNeverErrors(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json at all`),
		[]byte(`{}`),
		[]byte(`[]`),
		[]byte(`[42,"x"]`),
		[]byte(`["AUTH","challenge"]`),
		[]byte(`["EVENT","sub-only"]`),
		[]byte(`["OK","ev1","not-a-bool"]`),
		nil,
	}
	for _, data := range cases {
		f := DecodeFrame(data)
		if _, ok := f.(UnrecognizedFrame); !ok {
			t.Errorf("Expected UnrecognizedFrame for %q, got %T", data, f)
		}
	}
}

func TestEncodeReq(t *testing.T) {
	payload, err := EncodeReq("sub-1", SubscriptionFilter{
		Kinds:     []int{KindGroupMessage},
		Since:     1700000000,
		Limit:     200,
		GroupTags: []string{"grp-1", "grp-2"},
	})
	if err != nil {
		t.Fatalf("EncodeReq failed: %v", err)
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil {
		t.Fatalf("Encoded REQ is not a JSON array: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("Expected 3 parts, got %d", len(parts))
	}

	var filter map[string]json.RawMessage
	if err := json.Unmarshal(parts[2], &filter); err != nil {
		t.Fatalf("Filter is not an object: %v", err)
	}
	if _, ok := filter["#h"]; !ok {
		t.Error("Expected #h group tag filter key")
	}
}

func TestEncodeEventRoundTrip(t *testing.T) {
	event := json.RawMessage(`{"id":"ev1","kind":443}`)
	payload, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil || len(parts) != 2 {
		t.Fatalf("Unexpected EVENT frame shape: %v", err)
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil || label != "EVENT" {
		t.Errorf("Expected EVENT label, got %q", label)
	}
}
