package audit

import (
	"context"
	"log/slog"
	"time"
)

// ViolationKind distinguishes the two ways an event can fail
// verification.
type ViolationKind string

const (
	// ViolationEvent means the stored event hash does not match the
	// digest recomputed from the stored fields — the event itself was
	// altered.
	ViolationEvent ViolationKind = "event_hash"

	// ViolationChain means the stored chain hash does not match
	// HMAC(secret, stored predecessor chain hash || recomputed event
	// digest) — this event or an ancestor was altered or reordered.
	ViolationChain ViolationKind = "chain_hash"
)

// IntegrityViolation is a structured finding, not an error: the system
// never auto-repairs, it surfaces findings to a compliance process.
type IntegrityViolation struct {
	EventID        string        `json:"event_id"`
	Sequence       uint64        `json:"sequence"`
	Kind           ViolationKind `json:"kind"`
	ExpectedDigest string        `json:"expected_digest"`
	ActualDigest   string        `json:"actual_digest"`
}

// VerificationReport is the outcome of replaying a range of the chain.
type VerificationReport struct {
	Valid          bool                 `json:"valid"`
	TotalEvents    int                  `json:"total_events"`
	VerifiedEvents int                  `json:"verified_events"`
	Violations     []IntegrityViolation `json:"integrity_violations,omitempty"`

	// ReducedTrustFrom is the sequence of the first violating event.
	// Every later event is of reduced trust even when its own digests
	// recompute correctly: those digests are checked against stored
	// (possibly also tampered) predecessors, not a fully trusted chain.
	ReducedTrustFrom   uint64 `json:"reduced_trust_from,omitempty"`
	ReducedTrustEvents int    `json:"reduced_trust_events,omitempty"`

	// RelativeOnly marks a sub-range verification whose true preceding
	// chain digest is unknown: the range is internally consistent but
	// not anchored to the genesis constant.
	RelativeOnly bool `json:"relative_only,omitempty"`

	VerifiedAt time.Time `json:"verified_at"`
}

// Verifier replays stored events and recomputes their digests. Read-only
// and idempotent: the same committed range always yields the same report.
// May run concurrently with appends — it reads a consistent snapshot.
type Verifier struct {
	store *Store
	chain *Chain
}

// NewVerifier creates a verifier over the given store and hash engine.
// The chain must be keyed with the same secret used at append time.
func NewVerifier(store *Store, chain *Chain) *Verifier {
	return &Verifier{store: store, chain: chain}
}

// Verify replays events in storage order and recomputes both digests for
// each. Nil bounds verify the whole chain from genesis. A bounded start
// makes the result relative-only: the first in-range event's chain link
// is taken on trust because its true predecessor is outside the range.
//
// The predecessor digest always accumulates from the *stored* chain
// hash, so a single corrupted event is reported once instead of
// cascading a false positive onto every descendant; descendants are
// counted as reduced trust instead.
//
// Returns an error only on infrastructure failure to read the log —
// violations are findings inside the report.
func (v *Verifier) Verify(ctx context.Context, from, until *time.Time) (VerificationReport, error) {
	events, err := v.store.ReadRange(ctx, from, until)
	if err != nil {
		return VerificationReport{}, err
	}

	report := VerificationReport{
		Valid:      true,
		VerifiedAt: time.Now().UTC(),
	}

	prevChain := GenesisHash
	if from != nil && len(events) > 0 && events[0].Sequence > 1 {
		// Sub-range without the true preceding digest: anchor to the
		// first stored link and report relative consistency only.
		report.RelativeOnly = true
	}

	for i := range events {
		e := &events[i]
		report.TotalEvents++

		eventOK := true

		recomputed, err := v.chain.digestEvent(e)
		if err != nil {
			// Stored fields that no longer canonicalize are themselves
			// evidence of tampering with the stored row.
			eventOK = false
			report.addViolation(IntegrityViolation{
				EventID:      e.ID,
				Sequence:     e.Sequence,
				Kind:         ViolationEvent,
				ActualDigest: e.EventHash,
			})
		} else if !digestsEqual(recomputed, e.EventHash) {
			eventOK = false
			report.addViolation(IntegrityViolation{
				EventID:        e.ID,
				Sequence:       e.Sequence,
				Kind:           ViolationEvent,
				ExpectedDigest: recomputed,
				ActualDigest:   e.EventHash,
			})
		}

		// Chain link check. For the first event of a relative-only
		// range the predecessor is unknown; take the stored link as
		// the anchor.
		if report.RelativeOnly && i == 0 {
			prevChain = e.ChainHash
			if eventOK {
				report.VerifiedEvents++
			}
			continue
		}

		expectedChain := v.chain.ChainDigest(prevChain, recomputed)
		chainOK := err == nil && digestsEqual(expectedChain, e.ChainHash)
		if !chainOK && err == nil {
			report.addViolation(IntegrityViolation{
				EventID:        e.ID,
				Sequence:       e.Sequence,
				Kind:           ViolationChain,
				ExpectedDigest: expectedChain,
				ActualDigest:   e.ChainHash,
			})
		}

		if eventOK && chainOK {
			report.VerifiedEvents++
		}

		// Continue from the stored value regardless of violations.
		prevChain = e.ChainHash
	}

	if report.ReducedTrustFrom > 0 {
		for _, e := range events {
			if e.Sequence > report.ReducedTrustFrom {
				report.ReducedTrustEvents++
			}
		}
	}

	if !report.Valid {
		slog.Warn("audit trail verification found violations",
			"total", report.TotalEvents,
			"verified", report.VerifiedEvents,
			"violations", len(report.Violations),
			"reduced_trust_from", report.ReducedTrustFrom)
	}

	return report, nil
}

// addViolation records a finding and marks where trust degrades.
func (r *VerificationReport) addViolation(v IntegrityViolation) {
	r.Valid = false
	r.Violations = append(r.Violations, v)
	if r.ReducedTrustFrom == 0 || v.Sequence < r.ReducedTrustFrom {
		r.ReducedTrustFrom = v.Sequence
	}
}
