package rspc

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-json-experiment/json/jsontext"
)

// ProcedureKind is the kind of a procedure.
type ProcedureKind string

const (
	KindQuery        ProcedureKind = "query"
	KindMutation     ProcedureKind = "mutation"
	KindSubscription ProcedureKind = "subscription"
)

var procedureKinds = []ProcedureKind{KindQuery, KindMutation, KindSubscription}

// RequestMeta identifies the procedure a call targets.
type RequestMeta struct {
	Kind ProcedureKind
	Key  string
}

// ProcedureDefinition describes a registered procedure for tools that export
// the router's types.
type ProcedureDefinition struct {
	Kind   ProcedureKind
	Key    string
	Input  reflect.Type
	Output reflect.Type
	Shape  ResolverShape
}

type registeredProcedure struct {
	def   ProcedureDefinition
	layer Layer
}

// RouterBuilder collects procedures before they are composed into a Router.
type RouterBuilder[TCtx any] struct {
	procedures []builderEntry[TCtx]
	middleware []middlewareFunc
	errs       []error
}

type builderEntry[TCtx any] struct {
	key  string
	proc Procedure[TCtx]
}

// NewRouter creates an empty router builder.
func NewRouter[TCtx any]() *RouterBuilder[TCtx] {
	return &RouterBuilder[TCtx]{}
}

// Use adds middleware wrapping every procedure of the router. Middleware is
// executed in the order it is added, before any per-procedure middleware.
func (b *RouterBuilder[TCtx]) Use(mw ...Middleware[TCtx, TCtx]) *RouterBuilder[TCtx] {
	for _, m := range mw {
		b.middleware = append(b.middleware, m.erase())
	}
	return b
}

// Procedure registers p under key.
func (b *RouterBuilder[TCtx]) Procedure(key string, p Procedure[TCtx]) *RouterBuilder[TCtx] {
	if err := validateKey(key); err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	b.procedures = append(b.procedures, builderEntry[TCtx]{key: key, proc: p})
	return b
}

// Query registers a query under key.
func (b *RouterBuilder[TCtx]) Query(key string, r Resolver[TCtx]) *RouterBuilder[TCtx] {
	return b.Procedure(key, NewChain[TCtx]().Query(r))
}

// Mutation registers a mutation under key.
func (b *RouterBuilder[TCtx]) Mutation(key string, r Resolver[TCtx]) *RouterBuilder[TCtx] {
	return b.Procedure(key, NewChain[TCtx]().Mutation(r))
}

// Subscription registers a subscription under key.
func (b *RouterBuilder[TCtx]) Subscription(key string, r Resolver[TCtx]) *RouterBuilder[TCtx] {
	return b.Procedure(key, NewChain[TCtx]().Subscription(r))
}

// Merge registers every procedure of other under prefix followed by a dot.
// The middleware other was given with Use keeps wrapping its procedures.
func (b *RouterBuilder[TCtx]) Merge(prefix string, other *RouterBuilder[TCtx]) *RouterBuilder[TCtx] {
	if err := validatePrefix(prefix); err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	b.errs = append(b.errs, other.errs...)
	for _, e := range other.procedures {
		p := e.proc
		p.mws = append(slices.Clone(other.middleware), p.mws...)
		b.Procedure(prefix+"."+e.key, p)
	}
	return b
}

// Build validates the collected procedures and composes their middleware.
// All problems found are reported together.
func (b *RouterBuilder[TCtx]) Build() (*Router[TCtx], error) {
	errs := slices.Clone(b.errs)
	r := &Router[TCtx]{
		procedures: make(map[ProcedureKind]map[string]*registeredProcedure, len(procedureKinds)),
	}
	for _, kind := range procedureKinds {
		r.procedures[kind] = make(map[string]*registeredProcedure)
	}

	for _, e := range b.procedures {
		p := e.proc
		table, ok := r.procedures[p.kind]
		if !ok {
			errs = append(errs, fmt.Errorf("procedure %q: unknown kind %q", e.key, p.kind))
			continue
		}
		if _, dup := table[e.key]; dup {
			errs = append(errs, fmt.Errorf("%s procedure %q registered more than once", p.kind, e.key))
			continue
		}
		if p.kind != KindSubscription && p.shape.Streams() {
			errs = append(errs, fmt.Errorf("%s procedure %q: %s resolvers are only allowed on subscriptions", p.kind, e.key, p.shape))
			continue
		}
		table[e.key] = &registeredProcedure{
			def: ProcedureDefinition{
				Kind:   p.kind,
				Key:    e.key,
				Input:  p.input,
				Output: p.output,
				Shape:  p.shape,
			},
			layer: p.compose(b.middleware),
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// MustBuild is like Build but panics on error.
func (b *RouterBuilder[TCtx]) MustBuild() *Router[TCtx] {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

// Router is an immutable registry of composed procedures. It is safe for
// concurrent use.
type Router[TCtx any] struct {
	procedures map[ProcedureKind]map[string]*registeredProcedure
	options    ExecuteOptions
}

// Get returns the definition registered under kind and key.
func (r *Router[TCtx]) Get(kind ProcedureKind, key string) (ProcedureDefinition, bool) {
	p, ok := r.procedures[kind][key]
	if !ok {
		return ProcedureDefinition{}, false
	}
	return p.def, true
}

// Keys returns the sorted keys registered for kind.
func (r *Router[TCtx]) Keys(kind ProcedureKind) []string {
	keys := make([]string, 0, len(r.procedures[kind]))
	for key := range r.procedures[kind] {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Definitions returns every registered procedure ordered by kind and key.
func (r *Router[TCtx]) Definitions() []ProcedureDefinition {
	var defs []ProcedureDefinition
	for _, kind := range procedureKinds {
		for _, p := range r.procedures[kind] {
			defs = append(defs, p.def)
		}
	}
	slices.SortFunc(defs, func(a, b ProcedureDefinition) int {
		if c := cmp.Compare(slices.Index(procedureKinds, a.Kind), slices.Index(procedureKinds, b.Kind)); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return defs
}

// Invoke runs the procedure registered under kind and key and returns its
// lazy result sequence.
func (r *Router[TCtx]) Invoke(ctx context.Context, c TCtx, kind ProcedureKind, key string, input jsontext.Value) (Sequence, error) {
	p, ok := r.procedures[kind][key]
	if !ok {
		return nil, ErrNotFound(kind, key)
	}
	meta := RequestMeta{Kind: kind, Key: key}
	return p.layer.Call(withRequestMeta(ctx, meta), c, input, meta)
}

const reservedKeyPrefixes = "rpc. rspc."

func validateKey(key string) error {
	if key == "" {
		return errors.New("procedure key must not be empty")
	}
	if key == wsPath || key == ssePath || key == batchPath {
		return fmt.Errorf("procedure key %q is reserved", key)
	}
	for _, prefix := range strings.Fields(reservedKeyPrefixes) {
		if strings.HasPrefix(key, prefix) {
			return fmt.Errorf("procedure key %q uses reserved prefix %q", key, prefix)
		}
	}
	for _, r := range key {
		if !isKeyRune(r) && r != '-' && r != '.' {
			return fmt.Errorf("procedure key %q contains invalid character %q", key, r)
		}
	}
	return nil
}

func validatePrefix(prefix string) error {
	if prefix == "" {
		return errors.New("merge prefix must not be empty")
	}
	for _, r := range prefix {
		if !isKeyRune(r) {
			return fmt.Errorf("merge prefix %q contains invalid character %q", prefix, r)
		}
	}
	return nil
}

func isKeyRune(r rune) bool {
	return r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}
