package audit

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func sampleEvent() *Event {
	return &Event{
		ID:               "evt-001",
		Sequence:         7,
		EventType:        EventTypeComplianceCheck,
		EventCategory:    "claims_processing",
		EventAction:      "check",
		EntityType:       "claim",
		EntityID:         "claim-42",
		UserID:           "user-9",
		FinancialImpact:  false,
		ControlObjective: "Claims are checked before payout",
		RiskLevel:        RiskMedium,
		Description:      "automated compliance check",
		Timestamp:        time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
		EventData: map[string]any{
			"rule":   "payout-limit",
			"passed": true,
			"score":  0.97,
		},
	}
}

func TestCanonicalize_Deterministic(t *testing.T) {
	e := sampleEvent()

	first, err := canonicalize(e)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := canonicalize(e)
		if err != nil {
			t.Fatalf("canonicalize iteration %d: %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("canonicalization not deterministic on iteration %d:\n%q\nvs\n%q", i, first, again)
		}
	}
}

func TestCanonicalize_MapOrderIndependent(t *testing.T) {
	// Two payloads with identical contents built in different insertion
	// orders must canonicalize byte-for-byte identically.
	a := sampleEvent()
	a.EventData = map[string]any{}
	a.EventData["alpha"] = "one"
	a.EventData["beta"] = 2
	a.EventData["gamma"] = true

	b := sampleEvent()
	b.EventData = map[string]any{}
	b.EventData["gamma"] = true
	b.EventData["beta"] = 2
	b.EventData["alpha"] = "one"

	ca, err := canonicalize(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := canonicalize(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ca, cb) {
		t.Errorf("map insertion order leaked into canonical form:\n%q\nvs\n%q", ca, cb)
	}
}

func TestCanonicalize_NumericNormalization(t *testing.T) {
	// An int payload value and the float64 the JSON round-trip produces
	// must canonicalize identically, or stored rows would never verify.
	a := sampleEvent()
	a.EventData = map[string]any{"amount": 15000}

	b := sampleEvent()
	b.EventData = map[string]any{"amount": float64(15000)}

	ca, err := canonicalize(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := canonicalize(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ca, cb) {
		t.Errorf("int and equivalent float64 canonicalize differently:\n%q\nvs\n%q", ca, cb)
	}
}

func TestCanonicalize_AllIntegerWidths(t *testing.T) {
	// Every JSON-serializable integer width denotes the same number and
	// must canonicalize like the float64 it round-trips to.
	baseline := sampleEvent()
	baseline.EventData = map[string]any{"n": float64(42)}
	want, err := canonicalize(baseline)
	if err != nil {
		t.Fatal(err)
	}

	values := []any{
		int(42), int8(42), int16(42), int32(42), int64(42),
		uint(42), uint8(42), uint16(42), uint32(42), uint64(42),
		float32(42),
	}
	for _, v := range values {
		e := sampleEvent()
		e.EventData = map[string]any{"n": v}
		got, err := canonicalize(e)
		if err != nil {
			t.Fatalf("%T: %v", v, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%T(42) canonicalizes differently from float64(42)", v)
		}
	}
}

func TestCanonicalize_FieldChangesDigestInput(t *testing.T) {
	base := sampleEvent()
	baseline, err := canonicalize(base)
	if err != nil {
		t.Fatal(err)
	}

	mutations := []struct {
		name   string
		mutate func(*Event)
	}{
		{"sequence", func(e *Event) { e.Sequence = 8 }},
		{"description", func(e *Event) { e.Description = "edited" }},
		{"risk_level", func(e *Event) { e.RiskLevel = RiskHigh }},
		{"financial_impact", func(e *Event) { e.FinancialImpact = true }},
		{"timestamp", func(e *Event) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) }},
		{"payload", func(e *Event) { e.EventData["score"] = 0.98 }},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			e := sampleEvent()
			tt.mutate(e)
			got, err := canonicalize(e)
			if err != nil {
				t.Fatal(err)
			}
			if bytes.Equal(baseline, got) {
				t.Errorf("mutating %s did not change the canonical form", tt.name)
			}
		})
	}
}

func TestCanonicalize_ExcludesHashes(t *testing.T) {
	a := sampleEvent()
	b := sampleEvent()
	b.EventHash = "deadbeef"
	b.ChainHash = "cafebabe"
	b.DigitalSignature = "sig"

	ca, err := canonicalize(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := canonicalize(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ca, cb) {
		t.Error("hash fields must not feed back into the canonical form")
	}
}

func TestCanonicalize_NestedAndNullValues(t *testing.T) {
	e := sampleEvent()
	e.EventData = map[string]any{
		"nested": map[string]any{"inner": []any{1, "two", nil, false}},
		"empty":  nil,
	}
	got, err := canonicalize(e)
	if err != nil {
		t.Fatalf("nested payload should canonicalize: %v", err)
	}
	if !strings.Contains(string(got), "m{") || !strings.Contains(string(got), "a[") {
		t.Errorf("expected nested map and array tags in %q", got)
	}
}

func TestCanonicalize_RejectsUnsupportedTypes(t *testing.T) {
	e := sampleEvent()
	e.EventData = map[string]any{"when": time.Now()}

	if _, err := canonicalize(e); err == nil {
		t.Error("expected error for non-JSON payload value")
	} else if !IsValidation(err) {
		t.Errorf("expected ValidationError, got %T: %v", err, err)
	}
}

func TestCheckSerializable(t *testing.T) {
	if err := checkSerializable(map[string]any{"ok": []any{1.5, "x"}}); err != nil {
		t.Errorf("serializable payload rejected: %v", err)
	}
	if err := checkSerializable(map[string]any{"bad": make(chan int)}); err == nil {
		t.Error("expected error for channel payload value")
	}
}
