// Package metainfo carries per-call metadata (persistent, transient, and
// backward key/value pairs, plus the consistent-hash request hash) through
// a call without threading it through every function signature.
//
// The original design note calls for a task-local scope; Go's task is a
// goroutine, and goroutines are not values we can attach state to directly,
// so the scope rides along on context.Context instead — every suspension
// point in this module already takes one.
package metainfo

import "context"

// The Prefix* constants mirror the reserved namespaces recognized by the TTHeader
// decoder when classifying string KVs that aren't one of the named keys.
const (
	PrefixPersistent = "rpc-persist-"
	PrefixTransient  = "rpc-transit-"
	PrefixBackward   = "rpc-backward-"
)

type scopeKey struct{}

// Scope is the mutable metadata bag for one call. Forward metadata
// (persistent, transient) flows client -> server; backward metadata flows
// server -> client.
type Scope struct {
	persistent map[string]string
	transient  map[string]string
	backward   map[string]string

	requestHash    uint64
	hasRequestHash bool
}

func newScope() *Scope {
	return &Scope{
		persistent: make(map[string]string),
		transient:  make(map[string]string),
		backward:   make(map[string]string),
	}
}

// WithScope installs a fresh metadata scope on ctx, returning a context that
// carries it. Call once per inbound/outbound RPC.
func WithScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, newScope())
}

func fromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}

// SetPersistent records a persistent forward key/value, propagated on every
// hop downstream of this call (not just the next one).
func SetPersistent(ctx context.Context, key, value string) {
	if s, ok := fromContext(ctx); ok {
		s.persistent[key] = value
	}
}

// SetTransient records a transient forward key/value, propagated to the
// immediate callee only.
func SetTransient(ctx context.Context, key, value string) {
	if s, ok := fromContext(ctx); ok {
		s.transient[key] = value
	}
}

// SetBackward records a backward key/value, sent from a server back to its
// caller in the response TTHeader.
func SetBackward(ctx context.Context, key, value string) {
	if s, ok := fromContext(ctx); ok {
		s.backward[key] = value
	}
}

// AllPersistents returns the full persistent map, or nil if the scope is
// empty/missing. Mirrors the "get_all_persistents" check the TTHeader
// encoder uses to decide whether to emit a string-KV block at all.
func AllPersistents(ctx context.Context) map[string]string {
	return nonEmpty(ctx, func(s *Scope) map[string]string { return s.persistent })
}

// AllTransients returns the full transient map, or nil if empty/missing.
func AllTransients(ctx context.Context) map[string]string {
	return nonEmpty(ctx, func(s *Scope) map[string]string { return s.transient })
}

// AllBackward returns the full backward map, or nil if empty/missing.
func AllBackward(ctx context.Context) map[string]string {
	return nonEmpty(ctx, func(s *Scope) map[string]string { return s.backward })
}

func nonEmpty(ctx context.Context, pick func(*Scope) map[string]string) map[string]string {
	s, ok := fromContext(ctx)
	if !ok {
		return nil
	}
	m := pick(s)
	if len(m) == 0 {
		return nil
	}
	return m
}

// RecvPersistent/RecvTransient/RecvBackward are called by the TTHeader
// decoder once it has stripped the reserved prefix off a wire key.
func RecvPersistent(ctx context.Context, key, value string) {
	if s, ok := fromContext(ctx); ok {
		s.persistent[key] = value
	}
}

func RecvTransient(ctx context.Context, key, value string) {
	if s, ok := fromContext(ctx); ok {
		s.transient[key] = value
	}
}

func RecvBackward(ctx context.Context, key, value string) {
	if s, ok := fromContext(ctx); ok {
		s.backward[key] = value
	}
}

// SetRequestHash deposits the hash the consistent-hash balancer should use
// to pick an instance for this call.
func SetRequestHash(ctx context.Context, hash uint64) {
	if s, ok := fromContext(ctx); ok {
		s.requestHash = hash
		s.hasRequestHash = true
	}
}

// RequestHash returns the deposited request hash, if any.
func RequestHash(ctx context.Context) (uint64, bool) {
	s, ok := fromContext(ctx)
	if !ok {
		return 0, false
	}
	return s.requestHash, s.hasRequestHash
}
