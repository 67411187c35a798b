package audit

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func appendN(t *testing.T, store *Store, n int) []Event {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		in := testEventInput(i)
		if err := store.Append(ctx, in.event()); err != nil {
			t.Fatal(err)
		}
		// Keep commit timestamps strictly increasing for range tests.
		time.Sleep(2 * time.Millisecond)
	}
	events, err := store.ReadRange(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func TestVerify_EmptyTrail(t *testing.T) {
	store, chain := newTestStore(t)
	report, err := NewVerifier(store, chain).Verify(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.TotalEvents != 0 {
		t.Errorf("empty trail: %+v", report)
	}
}

func TestVerify_IntactChain(t *testing.T) {
	store, chain := newTestStore(t)
	appendN(t, store, 10)

	report, err := NewVerifier(store, chain).Verify(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Errorf("intact chain reported invalid: %+v", report.Violations)
	}
	if report.TotalEvents != 10 || report.VerifiedEvents != 10 {
		t.Errorf("total=%d verified=%d, want 10/10", report.TotalEvents, report.VerifiedEvents)
	}
	if len(report.Violations) != 0 || report.ReducedTrustFrom != 0 {
		t.Errorf("unexpected findings: %+v", report)
	}
	if report.RelativeOnly {
		t.Error("full verification must anchor to genesis")
	}
}

func TestVerify_DetectsFieldTamper(t *testing.T) {
	store, chain := newTestStore(t)
	events := appendN(t, store, 5)

	// Simulated attacker with write access to the database file. The
	// subsystem itself never updates this table.
	if _, err := store.db.Exec(
		"UPDATE events SET description = ? WHERE sequence = 3", "doctored",
	); err != nil {
		t.Fatal(err)
	}

	report, err := NewVerifier(store, chain).Verify(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if report.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if report.TotalEvents != 5 || report.VerifiedEvents != 4 {
		t.Errorf("total=%d verified=%d, want 5/4", report.TotalEvents, report.VerifiedEvents)
	}

	// The altered row fails both its own digest and its chain link.
	var eventViolations, chainViolations int
	for _, v := range report.Violations {
		if v.Sequence != 3 {
			t.Errorf("violation at sequence %d, only 3 was altered", v.Sequence)
		}
		if v.EventID != events[2].ID {
			t.Errorf("violation event id: got %s, want %s", v.EventID, events[2].ID)
		}
		switch v.Kind {
		case ViolationEvent:
			eventViolations++
		case ViolationChain:
			chainViolations++
		}
	}
	if eventViolations != 1 || chainViolations != 1 {
		t.Errorf("got %d event / %d chain violations, want 1/1", eventViolations, chainViolations)
	}

	// Descendants verify against stored predecessors, so they are not
	// false positives — they are reduced trust.
	if report.ReducedTrustFrom != 3 {
		t.Errorf("reduced trust from: got %d, want 3", report.ReducedTrustFrom)
	}
	if report.ReducedTrustEvents != 2 {
		t.Errorf("reduced trust events: got %d, want 2", report.ReducedTrustEvents)
	}
}

func TestVerify_DetectsChainTamper(t *testing.T) {
	store, chain := newTestStore(t)
	appendN(t, store, 4)

	// Overwrite one stored chain hash. Its own link breaks, and so does
	// its successor's, whose stored link was computed from the original.
	bogus := chain.ChainDigest(GenesisHash, "forged")
	if _, err := store.db.Exec(
		"UPDATE events SET chain_hash = ? WHERE sequence = 2", bogus,
	); err != nil {
		t.Fatal(err)
	}

	report, err := NewVerifier(store, chain).Verify(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if report.Valid {
		t.Fatal("tampered chain reported valid")
	}
	violated := map[uint64]ViolationKind{}
	for _, v := range report.Violations {
		violated[v.Sequence] = v.Kind
	}
	if violated[2] != ViolationChain || violated[3] != ViolationChain {
		t.Errorf("expected chain violations at sequences 2 and 3, got %+v", report.Violations)
	}
	if report.ReducedTrustFrom != 2 {
		t.Errorf("reduced trust from: got %d, want 2", report.ReducedTrustFrom)
	}
}

func TestVerify_DetectsDeletion(t *testing.T) {
	store, chain := newTestStore(t)
	appendN(t, store, 4)

	if _, err := store.db.Exec("DELETE FROM events WHERE sequence = 2"); err != nil {
		t.Fatal(err)
	}

	report, err := NewVerifier(store, chain).Verify(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if report.Valid {
		t.Fatal("chain with a deleted event reported valid")
	}
	if report.TotalEvents != 3 {
		t.Errorf("total: got %d, want 3", report.TotalEvents)
	}
	// Event 3's link no longer extends its stored predecessor.
	found := false
	for _, v := range report.Violations {
		if v.Sequence == 3 && v.Kind == ViolationChain {
			found = true
		}
	}
	if !found {
		t.Errorf("expected chain violation at sequence 3, got %+v", report.Violations)
	}
}

func TestVerify_Idempotent(t *testing.T) {
	store, chain := newTestStore(t)
	appendN(t, store, 5)

	if _, err := store.db.Exec(
		"UPDATE events SET description = 'doctored' WHERE sequence = 2",
	); err != nil {
		t.Fatal(err)
	}

	verifier := NewVerifier(store, chain)
	first, err := verifier.Verify(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := verifier.Verify(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	first.VerifiedAt = time.Time{}
	second.VerifiedAt = time.Time{}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("verification not idempotent:\n%+v\nvs\n%+v", first, second)
	}
}

func TestVerify_SubRangeIsRelativeOnly(t *testing.T) {
	store, chain := newTestStore(t)
	events := appendN(t, store, 5)

	from := events[2].Timestamp
	report, err := NewVerifier(store, chain).Verify(context.Background(), &from, nil)
	if err != nil {
		t.Fatal(err)
	}

	if !report.RelativeOnly {
		t.Error("sub-range starting mid-chain must be relative-only")
	}
	if !report.Valid {
		t.Errorf("intact sub-range reported invalid: %+v", report.Violations)
	}
	if report.TotalEvents != 3 || report.VerifiedEvents != 3 {
		t.Errorf("total=%d verified=%d, want 3/3", report.TotalEvents, report.VerifiedEvents)
	}
}

func TestVerify_FullRangeFromGenesisNotRelative(t *testing.T) {
	store, chain := newTestStore(t)
	events := appendN(t, store, 3)

	// A bounded range that still starts at the first event anchors to
	// genesis like a full verification.
	from := events[0].Timestamp
	report, err := NewVerifier(store, chain).Verify(context.Background(), &from, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.RelativeOnly {
		t.Error("range including the first event must anchor to genesis")
	}
	if !report.Valid || report.VerifiedEvents != 3 {
		t.Errorf("report: %+v", report)
	}
}

func TestVerify_ConcurrentWithAppends(t *testing.T) {
	store, chain := newTestStore(t)
	appendN(t, store, 5)

	verifier := NewVerifier(store, chain)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		for i := 0; i < 20; i++ {
			in := testEventInput(100 + i)
			if err := store.Append(ctx, in.event()); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// Every snapshot seen mid-append must still be a valid prefix.
	for i := 0; i < 10; i++ {
		report, err := verifier.Verify(context.Background(), nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !report.Valid {
			t.Fatalf("snapshot during appends invalid: %+v", report.Violations)
		}
	}
	<-done

	report, err := verifier.Verify(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.TotalEvents != 25 {
		t.Errorf("final report: valid=%v total=%d", report.Valid, report.TotalEvents)
	}
}
