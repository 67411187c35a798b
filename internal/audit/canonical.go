package audit

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Canonicalization turns the semantic fields of an event into a byte
// sequence that is identical across processes, restarts, and map
// iteration orders. The event hash is computed over exactly this
// sequence, so the rules here are load-bearing: any change re-keys
// every existing chain.
//
// Format: one "name=value" line per scalar field in a fixed order,
// followed by the dynamic maps with sorted keys and explicit type tags.
// EventHash, ChainHash, and DigitalSignature are never included.

// canonicalize serializes the hashable field set of an event.
// The event must already carry its store-assigned id, sequence, and
// timestamp so the digest covers them.
func canonicalize(e *Event) ([]byte, error) {
	var buf bytes.Buffer

	writeField(&buf, "id", e.ID)
	writeField(&buf, "sequence", strconv.FormatUint(e.Sequence, 10))
	writeField(&buf, "event_type", e.EventType)
	writeField(&buf, "event_category", e.EventCategory)
	writeField(&buf, "event_action", e.EventAction)
	writeField(&buf, "entity_type", e.EntityType)
	writeField(&buf, "entity_id", e.EntityID)
	writeField(&buf, "user_id", e.UserID)
	writeField(&buf, "session_id", e.SessionID)
	writeField(&buf, "ip_address", e.IPAddress)
	writeField(&buf, "user_agent", e.UserAgent)
	writeField(&buf, "request_id", e.RequestID)
	writeField(&buf, "transaction_id", e.TransactionID)
	writeField(&buf, "financial_impact", strconv.FormatBool(e.FinancialImpact))
	writeField(&buf, "control_objective", e.ControlObjective)
	writeField(&buf, "risk_level", string(e.RiskLevel))
	writeField(&buf, "description", e.Description)
	// UTC RFC3339Nano keeps the timestamp encoding locale- and
	// zone-independent.
	writeField(&buf, "timestamp", e.Timestamp.UTC().Format(time.RFC3339Nano))

	for _, m := range []struct {
		name string
		data map[string]any
	}{
		{"before_state", e.BeforeState},
		{"after_state", e.AfterState},
		{"event_data", e.EventData},
		{"metadata", e.Metadata},
	} {
		buf.WriteString(m.name)
		buf.WriteString("={")
		if err := writeCanonicalMap(&buf, m.data); err != nil {
			return nil, &ValidationError{Field: m.name, Reason: err.Error()}
		}
		buf.WriteString("}\n")
	}

	return buf.Bytes(), nil
}

// writeField appends a single "name=value" line. Values are
// length-prefixed so a value containing '=' or '\n' cannot collide with
// an adjacent field boundary.
func writeField(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteByte('=')
	buf.WriteString(strconv.Itoa(len(value)))
	buf.WriteByte(':')
	buf.WriteString(value)
	buf.WriteByte('\n')
}

// writeCanonicalMap serializes a dynamic key/value map with sorted keys
// and type-tagged values. Map iteration order never leaks into the output.
func writeCanonicalMap(buf *bytes.Buffer, m map[string]any) error {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(len(k)))
		buf.WriteByte(':')
		buf.WriteString(k)
		buf.WriteByte('=')
		if err := writeCanonicalValue(buf, m[k]); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	return nil
}

// writeCanonicalValue serializes a single dynamic value with a one-byte
// type tag. Numeric types are normalized so that a payload decoded from
// JSON (float64) and one built in Go (int) canonicalize identically when
// they denote the same number.
func writeCanonicalValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("z")
	case string:
		buf.WriteByte('s')
		buf.WriteString(strconv.Itoa(len(val)))
		buf.WriteByte(':')
		buf.WriteString(val)
	case bool:
		buf.WriteByte('b')
		buf.WriteString(strconv.FormatBool(val))
	case float64:
		writeCanonicalNumber(buf, val)
	case float32:
		writeCanonicalNumber(buf, float64(val))
	case int:
		writeCanonicalNumber(buf, float64(val))
	case int8:
		writeCanonicalNumber(buf, float64(val))
	case int16:
		writeCanonicalNumber(buf, float64(val))
	case int32:
		writeCanonicalNumber(buf, float64(val))
	case int64:
		writeCanonicalNumber(buf, float64(val))
	case uint:
		writeCanonicalNumber(buf, float64(val))
	case uint8:
		writeCanonicalNumber(buf, float64(val))
	case uint16:
		writeCanonicalNumber(buf, float64(val))
	case uint32:
		writeCanonicalNumber(buf, float64(val))
	case uint64:
		writeCanonicalNumber(buf, float64(val))
	case map[string]any:
		buf.WriteString("m{")
		if err := writeCanonicalMap(buf, val); err != nil {
			return err
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteString("a[")
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalValue(buf, item); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		buf.WriteByte(']')
	default:
		// Anything not representable in JSON (time.Time included) is
		// rejected: stored payloads round-trip through JSON, and the
		// digest must recompute identically from the stored form.
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

// writeCanonicalNumber formats a number with the shortest representation
// that round-trips, prefixed with 'n'. Integers within float64 precision
// format without an exponent or trailing zeros.
func writeCanonicalNumber(buf *bytes.Buffer, f float64) {
	buf.WriteByte('n')
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

// checkSerializable validates that a payload map only contains values the
// canonicalizer accepts. Called during input validation so bad payloads
// are rejected before any write.
func checkSerializable(m map[string]any) error {
	var buf bytes.Buffer
	return writeCanonicalMap(&buf, m)
}
