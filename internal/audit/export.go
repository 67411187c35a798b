package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Export writes all committed events to w in the given format.
// Supported formats: "jsonl" (default), "json", "csv". The CSV form
// carries the scalar columns only; use JSON forms when payloads matter.
func (s *Store) Export(ctx context.Context, w io.Writer, format string) error {
	events, err := s.ReadRange(ctx, nil, nil)
	if err != nil {
		return err
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)

	case "csv":
		cw := csv.NewWriter(w)
		header := []string{
			"sequence", "id", "timestamp", "event_type", "event_category",
			"event_action", "entity_type", "entity_id", "user_id",
			"transaction_id", "financial_impact", "risk_level",
			"control_objective", "description", "event_hash", "chain_hash",
		}
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, e := range events {
			row := []string{
				strconv.FormatUint(e.Sequence, 10),
				e.ID,
				e.Timestamp.Format(time.RFC3339Nano),
				e.EventType,
				e.EventCategory,
				e.EventAction,
				e.EntityType,
				e.EntityID,
				e.UserID,
				e.TransactionID,
				strconv.FormatBool(e.FinancialImpact),
				string(e.RiskLevel),
				e.ControlObjective,
				e.Description,
				e.EventHash,
				e.ChainHash,
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		// Flush explicitly so a failed final write surfaces as an error.
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return &ValidationError{
			Field:  "format",
			Reason: fmt.Sprintf("unsupported export format %q (use json, jsonl, or csv)", format),
		}
	}
}
