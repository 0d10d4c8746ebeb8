// Package item defines the identity and payload of a cached entity: primary
// and composite keys, field values, and lifecycle metadata.
package item

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/Keksclan/goRawrCache/cacheerr"
)

// Location is one ancestor segment of a composite key.
type Location struct {
	Type string
	ID   string
}

// Key identifies a single entity. A key with no Locations is a primary key;
// otherwise it is a composite key whose Locations list the owning ancestors,
// outermost first.
//
//	item.Key{Type: "widget", ID: "w1"}
//	item.Key{Type: "widgetComponent", ID: "c1", Locations: []item.Location{{Type: "widget", ID: "w1"}}}
type Key struct {
	Type      string
	ID        string
	Locations []Location
}

// NewKey returns a primary key.
func NewKey(typ, id string) Key {
	return Key{Type: typ, ID: id}
}

// Under returns a copy of k located under the given ancestors, appended
// after any existing locations.
func (k Key) Under(locs ...Location) Key {
	out := k
	out.Locations = append(slices.Clip(slices.Clone(k.Locations)), locs...)
	return out
}

// IsComposite reports whether k carries location segments.
func (k Key) IsComposite() bool { return len(k.Locations) > 0 }

// Parent returns the innermost ancestor as a primary key. ok is false for
// primary keys.
func (k Key) Parent() (parent Key, ok bool) {
	if len(k.Locations) == 0 {
		return Key{}, false
	}
	loc := k.Locations[len(k.Locations)-1]
	parent = Key{Type: loc.Type, ID: loc.ID}
	if len(k.Locations) > 1 {
		parent.Locations = slices.Clone(k.Locations[:len(k.Locations)-1])
	}
	return parent, true
}

// LocatedUnder reports whether any of k's ancestors is (typ, id).
func (k Key) LocatedUnder(typ, id string) bool {
	for _, l := range k.Locations {
		if l.Type == typ && l.ID == id {
			return true
		}
	}
	return false
}

// Within reports whether k is located under parent, directly or through
// further ancestors. A key is not within itself.
func (k Key) Within(parent Key) bool {
	chain := append(slices.Clone(parent.Locations), Location{Type: parent.Type, ID: parent.ID})
	return len(k.Locations) >= len(chain) && slices.Equal(k.Locations[:len(chain)], chain)
}

// Equal reports whether k and o identify the same entity.
func (k Key) Equal(o Key) bool {
	return k.Type == o.Type && k.ID == o.ID && slices.Equal(k.Locations, o.Locations)
}

// Validate checks that every component of k is non-empty.
func (k Key) Validate() error {
	if k.Type == "" {
		return cacheerr.Invalid("key", "empty type")
	}
	if k.ID == "" {
		return cacheerr.Invalid("key", "empty id")
	}
	for i, l := range k.Locations {
		if l.Type == "" || l.ID == "" {
			return cacheerr.Invalid("key", fmt.Sprintf("empty location segment %d", i))
		}
	}
	return nil
}

// String returns the canonical, reversible form of k:
//
//	type:id
//	type:id@ltype:lid/ltype2:lid2
//
// Components are query-escaped so separators never collide with content.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(url.QueryEscape(k.Type))
	b.WriteByte(':')
	b.WriteString(url.QueryEscape(k.ID))
	if len(k.Locations) > 0 {
		b.WriteByte('@')
		b.WriteString(FormatLocations(k.Locations))
	}
	return b.String()
}

// FormatLocations renders a location chain in the form used by Key.String.
func FormatLocations(locs []Location) string {
	parts := make([]string, len(locs))
	for i, l := range locs {
		parts[i] = url.QueryEscape(l.Type) + ":" + url.QueryEscape(l.ID)
	}
	return strings.Join(parts, "/")
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	head, locPart, hasLocs := strings.Cut(s, "@")
	typ, id, err := splitPair(head)
	if err != nil {
		return Key{}, err
	}
	k := Key{Type: typ, ID: id}
	if hasLocs {
		for _, seg := range strings.Split(locPart, "/") {
			lt, lid, err := splitPair(seg)
			if err != nil {
				return Key{}, err
			}
			k.Locations = append(k.Locations, Location{Type: lt, ID: lid})
		}
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

func splitPair(s string) (string, string, error) {
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", cacheerr.Invalid("key", fmt.Sprintf("malformed segment %q", s))
	}
	ua, err := url.QueryUnescape(a)
	if err != nil {
		return "", "", &cacheerr.ValidationError{Field: "key", Reason: "bad escape", Err: err}
	}
	ub, err := url.QueryUnescape(b)
	if err != nil {
		return "", "", &cacheerr.ValidationError{Field: "key", Reason: "bad escape", Err: err}
	}
	return ua, ub, nil
}

// Fields holds an entity's field values. Values are primitives, slices, or
// nested maps.
type Fields map[string]any

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Fields(t).Clone())
	case Fields:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}

// Merge returns a copy of f with patch applied on top.
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = make(Fields, len(patch))
	}
	maps.Copy(out, patch.Clone())
	return out
}

// Lifecycle is the metadata the backing store keeps for every entity.
type Lifecycle struct {
	CreatedAt time.Time
	CreatedBy string
	UpdatedAt time.Time
	UpdatedBy string
}

// Record is an immutable snapshot of one entity. Writes always replace the
// whole record.
type Record struct {
	Key       Key
	Fields    Fields
	Lifecycle Lifecycle
}

// Clone returns a deep copy of r so cached state cannot be mutated through
// a returned value.
func (r Record) Clone() Record {
	return Record{
		Key: Key{
			Type:      r.Key.Type,
			ID:        r.Key.ID,
			Locations: slices.Clone(r.Key.Locations),
		},
		Fields:    r.Fields.Clone(),
		Lifecycle: r.Lifecycle,
	}
}

// Keys extracts the keys of recs in order.
func Keys(recs []Record) []Key {
	out := make([]Key, len(recs))
	for i, r := range recs {
		out[i] = r.Key
	}
	return out
}
