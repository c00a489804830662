// Package hashguard detects mapping records that were edited by hand.
//
// The engine stores, alongside every record it writes, a SHA-256 over the
// fields it owns. A later pass recomputes that hash from the stored fields;
// any difference means someone else touched the record, and automation must
// leave it alone until the hash is reset.
package hashguard

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"

	"github.com/steveyegge/trackbridge/internal/types"
)

// Domain prefix for owned-field hashes. The version suffix allows a future
// change of the owned field set without colliding with old hashes.
const Domain = "trackbridge/mapping/v1"

// HashLen is the length of a hex-encoded SHA-256 digest.
const HashLen = sha256.Size * 2

// ComputeOwnedHash hashes the engine-owned fields of rec. Reference columns,
// timestamps and the stored hash itself are excluded.
func ComputeOwnedHash(rec *types.Mapping) string {
	obj := map[string]any{
		"status":         string(rec.Status),
		"proposed_name":  rec.ProposedName,
		"proposed_attrs": map[string]any(rec.Proposed.Normalize()),
		"notes":          rec.Notes,
	}
	if rec.TargetID != nil {
		obj["target_id"] = *rec.TargetID
	} else {
		obj["target_id"] = nil
	}
	if rec.Kind == types.KindAttachment {
		obj["local_path"] = rec.LocalPath
		obj["upload_token"] = rec.UploadToken
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, obj); err != nil {
		// Attrs hold JSON-shaped values only; anything else is a
		// programming error.
		panic(fmt.Sprintf("hashguard: %v", err))
	}

	h := sha256.New()
	h.Write([]byte(Domain))
	h.Write([]byte{0x00})
	h.Write(buf.Bytes())
	return hex.EncodeToString(h.Sum(nil))
}

// Valid reports whether h looks like a hash this package produced.
func Valid(h string) bool {
	if len(h) != HashLen {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// IsOverridden reports whether rec was modified outside the engine since the
// engine last wrote it. An absent or malformed stored hash is treated as
// absent: the record is considered automation-owned.
func IsOverridden(rec *types.Mapping) bool {
	if !Valid(rec.AutomationHash) {
		return false
	}
	return !equalFold(rec.AutomationHash, ComputeOwnedHash(rec))
}

// Stamp recomputes and stores rec's hash.
func Stamp(rec *types.Mapping) {
	rec.AutomationHash = ComputeOwnedHash(rec)
}

// SameOwnedState reports whether a and b agree on every owned field.
func SameOwnedState(a, b *types.Mapping) bool {
	return ComputeOwnedHash(a) == ComputeOwnedHash(b)
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		x, y := a[i], b[i]
		if 'A' <= x && x <= 'F' {
			x += 'a' - 'A'
		}
		if 'A' <= y && y <= 'F' {
			y += 'a' - 'A'
		}
		if x != y {
			return false
		}
	}
	return true
}

// writeCanonical writes v as JSON with sorted keys, NFC-normalized strings
// and no HTML escaping.
func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		return writeString(buf, val)
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int:
		fmt.Fprintf(buf, "%d", val)
	case int64:
		fmt.Fprintf(buf, "%d", val)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			fmt.Fprintf(buf, "%d", int64(val))
		} else {
			buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
		}
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, s := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, s); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
		buf.WriteByte('}')
	case types.Attrs:
		return writeCanonical(buf, map[string]any(val))
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}
