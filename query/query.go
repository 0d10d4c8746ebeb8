// Package query describes collection queries and normalizes them into
// canonical signatures used as result-cache keys.
//
// Query kinds form a closed set per entity type. The generic cache only
// knows [All]; entity packages declare their own kinds as plain structs with
// typed fields and dispatch on them with a type switch.
package query

import (
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/item"
)

// Params carries a kind's parameters in primitive form. Values must be
// bool, string, an integer or float type, nil, or a slice of those.
type Params map[string]any

// Kind is one query shape.
type Kind interface {
	// Name identifies the kind within its entity type.
	Name() string
	// Params returns the kind's parameters. Implementations must return a
	// fresh map or nil.
	Params() Params
}

// All is the unfiltered collection query.
type All struct{}

func (All) Name() string   { return "all" }
func (All) Params() Params { return nil }

// Descriptor is a query plus its optional location scope. Scope restricts
// a composite-keyed type to the children of one ancestor chain.
type Descriptor struct {
	Kind  Kind
	Scope []item.Location
}

// Of builds a Descriptor for kind, optionally scoped.
func Of(kind Kind, scope ...item.Location) Descriptor {
	return Descriptor{Kind: kind, Scope: scope}
}

// Signature is the canonical string form of a Descriptor.
type Signature string

// Completeness classifies a cached result.
type Completeness int

const (
	// Complete marks the entirety of an unfiltered collection.
	Complete Completeness = iota
	// Partial marks a filtered, scoped, or bounded subset.
	Partial
)

func (c Completeness) String() string {
	switch c {
	case Complete:
		return "complete"
	case Partial:
		return "partial"
	default:
		return "unknown"
	}
}

// Classify returns Complete only for an unscoped All query with no params.
func Classify(d Descriptor) Completeness {
	if d.Kind == nil || len(d.Scope) > 0 {
		return Partial
	}
	if _, ok := d.Kind.(All); !ok {
		return Partial
	}
	if len(d.Kind.Params()) > 0 {
		return Partial
	}
	return Complete
}

// Normalize returns the signature of d:
//
//	name?k1=<v1>&k2=<v2>@ltype:lid/...
//
// Keys are sorted, values are type-tagged, and integral floats are encoded
// as integers, so two semantically identical descriptors always produce the
// same signature.
func Normalize(d Descriptor) (Signature, error) {
	if d.Kind == nil {
		return "", cacheerr.Invalid("query", "nil kind")
	}
	name := d.Kind.Name()
	if name == "" {
		return "", cacheerr.Invalid("query", "empty kind name")
	}

	var b strings.Builder
	b.WriteString(strconv.Quote(name))

	params := d.Kind.Params()
	if len(params) > 0 {
		b.WriteByte('?')
		for i, k := range slices.Sorted(maps.Keys(params)) {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte('=')
			if err := encodeValue(&b, params[k]); err != nil {
				return "", &cacheerr.ValidationError{Field: "query param " + k, Err: err}
			}
		}
	}

	for i, l := range d.Scope {
		if l.Type == "" || l.ID == "" {
			return "", cacheerr.Invalid("query", fmt.Sprintf("empty scope segment %d", i))
		}
	}
	if len(d.Scope) > 0 {
		b.WriteByte('@')
		b.WriteString(item.FormatLocations(d.Scope))
	}
	return Signature(b.String()), nil
}

// MustNormalize is Normalize for descriptors known to be valid.
func MustNormalize(d Descriptor) Signature {
	sig, err := Normalize(d)
	if err != nil {
		panic(err)
	}
	return sig
}

func encodeValue(b *strings.Builder, v any) error {
	if v == nil {
		b.WriteByte('n')
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		b.WriteByte('b')
		b.WriteString(strconv.FormatBool(rv.Bool()))
	case reflect.String:
		b.WriteByte('s')
		b.WriteString(strconv.Quote(rv.String()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteByte('i')
		b.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		b.WriteByte('i')
		b.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite float %v", f)
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			b.WriteByte('i')
			b.WriteString(strconv.FormatInt(int64(f), 10))
			return nil
		}
		bits := 64
		if rv.Kind() == reflect.Float32 {
			bits = 32
		}
		b.WriteByte('f')
		b.WriteString(strconv.FormatFloat(f, 'g', -1, bits))
	case reflect.Slice, reflect.Array:
		b.WriteByte('[')
		for i := range rv.Len() {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encodeValue(b, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		return fmt.Errorf("unsupported parameter type %T", v)
	}
	return nil
}
