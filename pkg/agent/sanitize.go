package agent

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/coworkhq/imgateway/pkg/constants"
)

// Sanitize recursively bounds a tool input/result value before it is
// persisted or emitted (spec §4.2): max depth 5, max 60 keys per object,
// max 30 items per array, max 4000 chars per string; cycles become
// "[circular]", functions "[function]", and big integers are
// stringified. Applying Sanitize twice yields identical output (spec §8
// fixed-point property): every branch below either returns a value
// already within bounds or re-derives one that trivially still is.
func Sanitize(v any) any {
	return sanitize(v, 0, make(map[uintptr]bool))
}

func sanitize(v any, depth int, seen map[uintptr]bool) any {
	if depth >= constants.SanitizeMaxDepth {
		return "[max-depth]"
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		return "[function]"
	case reflect.Map, reflect.Slice:
		if p := rv.Pointer(); p != 0 && rv.Len() > 0 {
			if seen[p] {
				return "[circular]"
			}
			seen[p] = true
			defer delete(seen, p)
		}
	}
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return truncateString(val, constants.SanitizeMaxStringLen)
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return val
	case map[string]any:
		return sanitizeMap(val, depth, seen)
	case []any:
		return sanitizeSlice(val, depth, seen)
	case func(...any) any:
		return "[function]"
	default:
		// Anything else (bigints from a JSON decoder configured for
		// arbitrary precision, custom numeric types, channels) is
		// rendered as its string form.
		return truncateString(fmt.Sprintf("%v", val), constants.SanitizeMaxStringLen)
	}
}

// truncatedMapMarker is the key sanitizeMap writes when a map exceeds
// SanitizeMaxKeys. A map shaped exactly like sanitizeMap's own output
// (cap kept keys + this one marker key) is recognized as already
// truncated and left alone rather than re-truncated against its own
// post-truncation size, which is what kept the fixed-point property
// (spec §8) from holding when the original excess exceeded 1.
const truncatedMapMarker = "[truncated]"

func sanitizeMap(m map[string]any, depth int, seen map[uintptr]bool) map[string]any {
	if marker, ok := m[truncatedMapMarker].(string); ok && len(m) == constants.SanitizeMaxKeys+1 {
		out := make(map[string]any, len(m))
		for k, v := range m {
			if k == truncatedMapMarker {
				out[k] = marker
				continue
			}
			out[k] = sanitize(v, depth+1, seen)
		}
		return out
	}

	out := make(map[string]any, len(m))
	count := 0
	for k, v := range m {
		if count >= constants.SanitizeMaxKeys {
			out[truncatedMapMarker] = fmt.Sprintf("%d more keys omitted", len(m)-count)
			break
		}
		out[k] = sanitize(v, depth+1, seen)
		count++
	}
	return out
}

// isArrayOverflowMarker reports whether s is the "[+N more items]"
// marker sanitizeSlice appends when an array exceeds SanitizeMaxArrayItems.
func isArrayOverflowMarker(s string) bool {
	return strings.HasPrefix(s, "[+") && strings.HasSuffix(s, " more items]")
}

func sanitizeSlice(s []any, depth int, seen map[uintptr]bool) []any {
	if len(s) == constants.SanitizeMaxArrayItems+1 {
		if marker, ok := s[len(s)-1].(string); ok && isArrayOverflowMarker(marker) {
			// Already shaped like sanitizeSlice's own output (spec §8 fixed
			// point): re-sanitize the kept elements but keep the original
			// excess count rather than recomputing it from this truncated
			// slice's own length.
			kept := s[:len(s)-1]
			out := make([]any, 0, len(kept)+1)
			for _, v := range kept {
				out = append(out, sanitize(v, depth+1, seen))
			}
			return append(out, marker)
		}
	}

	n := len(s)
	if n > constants.SanitizeMaxArrayItems {
		n = constants.SanitizeMaxArrayItems
	}
	out := make([]any, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, sanitize(s[i], depth+1, seen))
	}
	if len(s) > constants.SanitizeMaxArrayItems {
		out = append(out, fmt.Sprintf("[+%d more items]", len(s)-constants.SanitizeMaxArrayItems))
	}
	return out
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + constants.TruncationSentinel
}

// TruncateTail keeps the last max characters of s, prefixed with an
// ellipsis marker if truncated. Used for stderr-tail capture (spec §4.2,
// §7: 24 000 chars).
func TruncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "[truncated]..." + s[len(s)-max:]
}

// TruncateBlock truncates a streaming block's content at max and appends
// the truncation sentinel exactly once (spec §4.2, §8 boundary case).
func TruncateBlock(content string, max int) (result string, truncated bool) {
	if len(content) <= max {
		return content, false
	}
	if strings.HasSuffix(content[:max], constants.TruncationSentinel) {
		return content[:max], true
	}
	return content[:max] + constants.TruncationSentinel, true
}
