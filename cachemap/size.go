package cachemap

import (
	"slices"

	"github.com/Keksclan/goRawrCache/item"
	"github.com/Keksclan/goRawrCache/store"
)

// estimateSize approximates the bytes an entry holds. It is a reporting aid,
// not an accounting of Go heap usage.
func estimateSize(skey string, f item.Fields) int {
	n := len(skey)
	for k, v := range f {
		n += len(k) + valueSize(v)
	}
	return n
}

func valueSize(v any) int {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return len(x)
	case bool:
		return 1
	case int, int64, uint, uint64, float64:
		return 8
	case int32, uint32, float32:
		return 4
	case []string:
		n := 0
		for _, s := range x {
			n += len(s)
		}
		return n
	case []any:
		n := 0
		for _, e := range x {
			n += valueSize(e)
		}
		return n
	case map[string]any:
		n := 0
		for k, e := range x {
			n += len(k) + valueSize(e)
		}
		return n
	case item.Fields:
		return valueSize(map[string]any(x))
	default:
		return 16
	}
}

func sortByFreshness(entries []store.Entry) {
	slices.SortStableFunc(entries, func(a, b store.Entry) int {
		return a.FreshAt.Compare(b.FreshAt)
	})
}
