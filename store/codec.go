package store

import (
	"fmt"
	"time"

	"github.com/Keksclan/goRawrCache/item"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Entries are persisted as a deterministic protobuf Struct:
//
//	{ "key": "<item key>", "fields": {...},
//	  "fresh_at": {"seconds": ..., "nanos": ...},
//	  "created_at": ..., "created_by": ..., "updated_at": ..., "updated_by": ... }
//
// Struct numbers are doubles, so numeric fields decode as float64 and
// integers beyond 2^53 lose precision. Times decode in UTC.

var marshalOpts = proto.MarshalOptions{Deterministic: true}

// encodeEntry serializes e.
func encodeEntry(e Entry) ([]byte, error) {
	fields, err := toStruct(e.Record.Fields)
	if err != nil {
		return nil, fmt.Errorf("store: encode fields of %s: %w", e.Record.Key, err)
	}
	lc := e.Record.Lifecycle
	s := &structpb.Struct{Fields: map[string]*structpb.Value{
		"key":        structpb.NewStringValue(e.Record.Key.String()),
		"fields":     structpb.NewStructValue(fields),
		"fresh_at":   timeValue(e.FreshAt),
		"created_at": timeValue(lc.CreatedAt),
		"created_by": structpb.NewStringValue(lc.CreatedBy),
		"updated_at": timeValue(lc.UpdatedAt),
		"updated_by": structpb.NewStringValue(lc.UpdatedBy),
	}}
	return marshalOpts.Marshal(s)
}

// decodeEntry is the inverse of encodeEntry.
func decodeEntry(b []byte) (Entry, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return Entry{}, fmt.Errorf("store: decode entry: %w", err)
	}
	f := s.GetFields()
	key, err := item.ParseKey(f["key"].GetStringValue())
	if err != nil {
		return Entry{}, fmt.Errorf("store: decode entry key: %w", err)
	}
	var e Entry
	e.Record.Key = key
	if fs := f["fields"].GetStructValue(); fs != nil {
		e.Record.Fields = item.Fields(fs.AsMap())
	}
	if e.FreshAt, err = parseTime(f["fresh_at"]); err != nil {
		return Entry{}, err
	}
	if e.Record.Lifecycle.CreatedAt, err = parseTime(f["created_at"]); err != nil {
		return Entry{}, err
	}
	if e.Record.Lifecycle.UpdatedAt, err = parseTime(f["updated_at"]); err != nil {
		return Entry{}, err
	}
	e.Record.Lifecycle.CreatedBy = f["created_by"].GetStringValue()
	e.Record.Lifecycle.UpdatedBy = f["updated_by"].GetStringValue()
	return e, nil
}

// timeValue stores t as a Timestamp's seconds and nanos. Seconds fit a
// double exactly for any representable date.
func timeValue(t time.Time) *structpb.Value {
	if t.IsZero() {
		return structpb.NewNullValue()
	}
	ts := timestamppb.New(t)
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"seconds": structpb.NewNumberValue(float64(ts.GetSeconds())),
		"nanos":   structpb.NewNumberValue(float64(ts.GetNanos())),
	}})
}

func parseTime(v *structpb.Value) (time.Time, error) {
	s := v.GetStructValue()
	if s == nil {
		return time.Time{}, nil
	}
	f := s.GetFields()
	ts := &timestamppb.Timestamp{
		Seconds: int64(f["seconds"].GetNumberValue()),
		Nanos:   int32(f["nanos"].GetNumberValue()),
	}
	if err := ts.CheckValid(); err != nil {
		return time.Time{}, fmt.Errorf("store: decode time: %w", err)
	}
	return ts.AsTime(), nil
}

// toStruct converts fields to a protobuf Struct, widening the slice and map
// types structpb does not accept natively.
func toStruct(fields item.Fields) (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(fields))}
	for k, v := range fields {
		pv, err := structpb.NewValue(widen(v))
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out.Fields[k] = pv
	}
	return out, nil
}

func widen(v any) any {
	switch t := v.(type) {
	case item.Fields:
		return widen(map[string]any(t))
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = widen(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = widen(e)
		}
		return s
	case []string:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = e
		}
		return s
	case []int:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = e
		}
		return s
	case []float64:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = e
		}
		return s
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return v
	}
}
