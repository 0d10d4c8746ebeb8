package query

import (
	"errors"
	"testing"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/item"
)

// filter is a test kind with free-form params.
type filter struct {
	name   string
	params Params
}

func (f filter) Name() string   { return f.name }
func (f filter) Params() Params { return f.params }

func TestNormalizeDistinctDescriptors(t *testing.T) {
	w1 := item.Location{Type: "widget", ID: "w1"}
	w2 := item.Location{Type: "widget", ID: "w2"}

	descs := []Descriptor{
		Of(All{}),
		Of(filter{"all", Params{"isActive": true}}),
		Of(filter{"all", Params{"isActive": false}}),
		Of(filter{"all", Params{"isActive": "true"}}),
		Of(filter{"byName", Params{"name": "a"}}),
		Of(filter{"byName", Params{"name": "a", "limit": 10}}),
		Of(All{}, w1),
		Of(All{}, w2),
		Of(All{}, w1, w2),
		Of(filter{"byIDs", Params{"ids": []string{"a", "b"}}}),
		Of(filter{"byIDs", Params{"ids": []string{"b", "a"}}}),
		Of(filter{"byName", Params{"name": "a&limit=10"}}),
	}

	seen := make(map[Signature]int)
	for i, d := range descs {
		sig, err := Normalize(d)
		if err != nil {
			t.Fatalf("Normalize(%d): %v", i, err)
		}
		if j, dup := seen[sig]; dup {
			t.Fatalf("descriptors %d and %d share signature %q", j, i, sig)
		}
		seen[sig] = i
	}
}

func TestNormalizeCanonical(t *testing.T) {
	tests := []struct {
		name string
		a, b Descriptor
	}{
		{
			"key order",
			Of(filter{"f", Params{"a": 1, "b": "x"}}),
			Of(filter{"f", Params{"b": "x", "a": 1}}),
		},
		{
			"int widths",
			Of(filter{"f", Params{"n": int64(5)}}),
			Of(filter{"f", Params{"n": uint8(5)}}),
		},
		{
			"integral float",
			Of(filter{"f", Params{"n": 1.0}}),
			Of(filter{"f", Params{"n": 1}}),
		},
		{
			"empty params equal nil params",
			Of(filter{"g", Params{}}),
			Of(filter{"g", nil}),
		},
	}
	for _, tt := range tests {
		sa := MustNormalize(tt.a)
		sb := MustNormalize(tt.b)
		if sa != sb {
			t.Errorf("%s: %q != %q", tt.name, sa, sb)
		}
	}
}

func TestNormalizeRejectsUnsupportedParams(t *testing.T) {
	bad := []Params{
		{"m": map[string]any{"x": 1}},
		{"s": struct{}{}},
		{"f": func() {}},
	}
	for _, p := range bad {
		_, err := Normalize(Of(filter{"f", p}))
		if !errors.Is(err, cacheerr.ErrValidation) {
			t.Errorf("params %v: expected validation error, got %v", p, err)
		}
	}
	if _, err := Normalize(Descriptor{}); !errors.Is(err, cacheerr.ErrValidation) {
		t.Errorf("nil kind: expected validation error, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	w1 := item.Location{Type: "widget", ID: "w1"}
	tests := []struct {
		name string
		d    Descriptor
		want Completeness
	}{
		{"unfiltered all", Of(All{}), Complete},
		{"scoped all", Of(All{}, w1), Partial},
		{"filtered", Of(filter{"active", Params{"isActive": true}}), Partial},
		{"named finder without params", Of(filter{"recent", nil}), Partial},
	}
	for _, tt := range tests {
		if got := Classify(tt.d); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}
