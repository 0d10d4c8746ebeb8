// Package memsource is an in-memory remote.Source. It answers like a real
// remote would, with gRPC status errors, and counts calls per operation so
// tests can tell cache hits from remote round trips.
package memsource

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/contextx"
	"github.com/Keksclan/goRawrCache/item"
	"github.com/Keksclan/goRawrCache/query"
	"github.com/Keksclan/goRawrCache/remote"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Matcher decides whether rec satisfies a non-All query kind. It returns a
// ValidationError for kinds it does not understand.
type Matcher func(rec item.Record, d query.Descriptor) (bool, error)

// ParentLookup reports whether the parent of a composite key exists.
type ParentLookup func(ctx context.Context, parent item.Key) (bool, error)

// Source stores records for one entity type. It is safe for concurrent use.
type Source struct {
	typ     string
	matcher Matcher
	parent  ParentLookup
	now     func() time.Time

	mu      sync.Mutex
	records map[string]item.Record
	fail    map[string]error
	gates   map[string]chan struct{}

	calls map[string]*atomic.Int64
}

// Option configures a Source.
type Option func(*Source)

// WithMatcher sets the matcher used for non-All query kinds.
func WithMatcher(m Matcher) Option {
	return func(s *Source) { s.matcher = m }
}

// WithParentLookup makes Create reject composite keys whose parent does not
// exist.
func WithParentLookup(p ParentLookup) Option {
	return func(s *Source) { s.parent = p }
}

// WithClock overrides time.Now for lifecycle stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Source) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty Source for entityType.
func New(entityType string, opts ...Option) *Source {
	s := &Source{
		typ:     entityType,
		now:     time.Now,
		records: make(map[string]item.Record),
		fail:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
		calls:   make(map[string]*atomic.Int64),
	}
	for _, op := range []string{remote.OpRead, remote.OpCreate, remote.OpUpdate, remote.OpRemove, remote.OpQuery} {
		s.calls[op] = new(atomic.Int64)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ remote.Source = (*Source)(nil)

// Seed stores records directly, without counting calls or stamping.
func (s *Source) Seed(recs ...item.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.records[r.Key.String()] = r.Clone()
	}
}

// Exists reports whether key is stored.
func (s *Source) Exists(key item.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key.String()]
	return ok
}

// Len returns the number of stored records.
func (s *Source) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Calls returns how many times op was invoked.
func (s *Source) Calls(op string) int64 {
	if c, ok := s.calls[op]; ok {
		return c.Load()
	}
	return 0
}

// Fail makes every call to op return err. A nil err clears the fault.
func (s *Source) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

// Gate holds calls to op until the returned release function is called.
func (s *Source) Gate(op string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[op] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gates[op] == ch {
				delete(s.gates, op)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// enter counts the call, waits for any gate and returns an injected fault.
func (s *Source) enter(ctx context.Context, op string) error {
	s.calls[op].Add(1)

	s.mu.Lock()
	gate := s.gates[op]
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail[op]
}

func (s *Source) checkType(key item.Key) error {
	if key.Type != s.typ {
		return status.Errorf(codes.InvalidArgument, "key type %q, source serves %q", key.Type, s.typ)
	}
	return nil
}

func (s *Source) Read(ctx context.Context, key item.Key) (item.Record, error) {
	if err := s.enter(ctx, remote.OpRead); err != nil {
		return item.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key.String()]
	if !ok {
		return item.Record{}, status.Errorf(codes.NotFound, "%s not found", key)
	}
	return rec.Clone(), nil
}

func (s *Source) Create(ctx context.Context, key item.Key, fields item.Fields) (item.Record, error) {
	if err := s.enter(ctx, remote.OpCreate); err != nil {
		return item.Record{}, err
	}
	if err := s.checkType(key); err != nil {
		return item.Record{}, err
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if err := key.Validate(); err != nil {
		return item.Record{}, err
	}
	if parent, ok := key.Parent(); ok && s.parent != nil {
		exists, err := s.parent(ctx, parent)
		if err != nil {
			return item.Record{}, err
		}
		if !exists {
			return item.Record{}, status.Errorf(codes.FailedPrecondition, "parent %s does not exist", parent)
		}
	}

	now := s.now()
	actor := contextx.ActorName(ctx)
	rec := item.Record{
		Key:       key,
		Fields:    fields.Clone(),
		Lifecycle: item.Lifecycle{CreatedAt: now, CreatedBy: actor, UpdatedAt: now, UpdatedBy: actor},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	skey := key.String()
	if _, exists := s.records[skey]; exists {
		return item.Record{}, status.Errorf(codes.AlreadyExists, "%s already exists", key)
	}
	s.records[skey] = rec
	return rec.Clone(), nil
}

func (s *Source) Update(ctx context.Context, key item.Key, patch item.Fields) (item.Record, error) {
	if err := s.enter(ctx, remote.OpUpdate); err != nil {
		return item.Record{}, err
	}
	now := s.now()
	actor := contextx.ActorName(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	skey := key.String()
	rec, ok := s.records[skey]
	if !ok {
		return item.Record{}, status.Errorf(codes.NotFound, "%s not found", key)
	}
	rec.Fields = rec.Fields.Merge(patch)
	rec.Lifecycle.UpdatedAt = now
	rec.Lifecycle.UpdatedBy = actor
	s.records[skey] = rec
	return rec.Clone(), nil
}

func (s *Source) Remove(ctx context.Context, key item.Key) error {
	if err := s.enter(ctx, remote.OpRemove); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	skey := key.String()
	if _, ok := s.records[skey]; !ok {
		return status.Errorf(codes.NotFound, "%s not found", key)
	}
	delete(s.records, skey)
	return nil
}

// Query returns matching records ordered by key.
func (s *Source) Query(ctx context.Context, d query.Descriptor) ([]item.Record, error) {
	if err := s.enter(ctx, remote.OpQuery); err != nil {
		return nil, err
	}
	if d.Kind == nil {
		return nil, cacheerr.Invalid("query", "nil kind")
	}

	s.mu.Lock()
	recs := slices.Collect(maps.Values(s.records))
	s.mu.Unlock()

	var out []item.Record
	for _, r := range recs {
		if !inScope(r.Key, d.Scope) {
			continue
		}
		ok, err := s.match(r, d)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b item.Record) int {
		return cmp.Compare(a.Key.String(), b.Key.String())
	})
	return out, nil
}

func (s *Source) match(r item.Record, d query.Descriptor) (bool, error) {
	if _, ok := d.Kind.(query.All); ok {
		return true, nil
	}
	if s.matcher == nil {
		return false, cacheerr.Invalid("query", fmt.Sprintf("unsupported kind %q", d.Kind.Name()))
	}
	return s.matcher(r, d)
}

// inScope reports whether key's locations start with scope.
func inScope(key item.Key, scope []item.Location) bool {
	if len(scope) > len(key.Locations) {
		return false
	}
	return slices.Equal(key.Locations[:len(scope)], scope)
}
