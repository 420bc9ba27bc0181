// Package fingerprint computes stable dedupe keys for queued mutations.
//
// A fingerprint covers the mutation kind, its target and the business content
// of the payload. Fields that change on every local save (ids, timestamps,
// sync bookkeeping) are stripped before hashing so that resubmitting the same
// content yields the same key.
package fingerprint

import (
	"encoding/hex"
	"hash/fnv"
	"strings"

	"github.com/bytedance/sonic"
	"golang.org/x/text/unicode/norm"
)

// canonicalAPI sorts object keys at every nesting level and leaves HTML untouched.
var canonicalAPI = sonic.Config{
	SortMapKeys: true,
	EscapeHTML:  false,
}.Froze()

// Volatile lists payload keys ignored at every nesting level.
var Volatile = map[string]struct{}{
	"id":          {},
	"_id":         {},
	"localId":     {},
	"local_id":    {},
	"clientId":    {},
	"client_id":   {},
	"createdAt":   {},
	"created_at":  {},
	"updatedAt":   {},
	"updated_at":  {},
	"savedAt":     {},
	"saved_at":    {},
	"timestamp":   {},
	"syncStatus":  {},
	"sync_status": {},
	"syncedAt":    {},
	"synced_at":   {},
	"syncError":   {},
	"sync_error":  {},
}

// Compute returns "<KIND>:<fnv1a-32 hex>" over kind, target and the canonical payload.
// Payloads that cannot be serialized contribute nothing beyond kind and target.
func Compute(kind, targetID string, payload any) string {
	canon, err := Canonical(payload)
	if err != nil {
		canon = nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(targetID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write(canon)
	return kind + ":" + hex.EncodeToString(h.Sum(nil))
}

// Canonical serializes payload with sorted keys, volatile fields removed and
// strings NFC-normalized. Array order is preserved.
func Canonical(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("null"), nil
	}
	raw, err := sonic.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := sonic.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return canonicalAPI.Marshal(clean(tree))
}

func clean(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if _, skip := Volatile[k]; skip {
				continue
			}
			out[norm.NFC.String(k)] = clean(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = clean(elem)
		}
		return out
	case string:
		return norm.NFC.String(val)
	default:
		return val
	}
}

// Kind returns the kind prefix of a fingerprint, or "" if it has none.
func Kind(fp string) string {
	i := strings.IndexByte(fp, ':')
	if i <= 0 {
		return ""
	}
	return fp[:i]
}
