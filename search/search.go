// Copyright 2015 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package search implements the join/search engine: a pattern compiles
// into a set of modules (one per triple clause, one per connection of a
// constructed-abstraction clause, one per unresolved data clause), and
// searchAll greedily picks the least undefined module at each step, a
// direct port of searchAllSearchModules and its three companion module
// classes in ral_network/ral_framework.py.
package search

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/gratach/ral/abstraction"
	"github.com/gratach/ral/store"
)

// ErrPatternError is returned when a Pattern is malformed: a variable
// bound to a string where a handle is needed or the other way round, an
// Owner term inside a plain triple clause, a constructed clause with no
// connections, or a bound handle from a different store.
var ErrPatternError = errors.New("ral/search: malformed pattern")

// Term is one slot of a triple or connection clause: a bound handle, a
// named variable, or (only inside a ConstructedSpec's Connections) the
// Owner placeholder standing for the clause's own parameter.
type Term struct {
	kind   termKind
	name   string
	handle *store.Handle
}

type termKind int

const (
	termVar termKind = iota
	termBound
	termOwner
)

// Var returns a variable term.
func Var(name string) Term { return Term{kind: termVar, name: name} }

// Bound returns a term already bound to a handle.
func Bound(h *store.Handle) Term { return Term{kind: termBound, handle: h} }

// Owner stands for "this clause's own parameter", the Go rendering of
// the 0 sentinel inside a ConstructedSpec's base connections.
var Owner = Term{kind: termOwner}

// ValueTerm is a data or format slot: a literal string, or a variable.
type ValueTerm struct {
	literal   string
	isLiteral bool
	varName   string
}

// Literal returns a fixed string value term.
func Literal(s string) ValueTerm { return ValueTerm{literal: s, isLiteral: true} }

// ValueVar returns a variable value term.
func ValueVar(name string) ValueTerm { return ValueTerm{varName: name} }

// TripleTerm is one (subject, predicate, object) clause.
type TripleTerm struct {
	Subj, Pred, Obj Term
}

// DataSpec matches a data abstraction by (data, format), each of which
// may be a literal or bound to a variable.
type DataSpec struct {
	Data, Format ValueTerm
}

// ConstructedSpec matches a constructed abstraction by part or all of
// its connections. If Plus is false, the abstraction's triple count must
// equal len(Connections); the count is checked by the connection module
// that binds the clause's variable, so it is not checked when another
// clause has already bound that variable. If Plus is true, Connections
// may be a subset.
type ConstructedSpec struct {
	Connections []TripleTerm
	Plus        bool
}

// Pattern is a full search query: a conjunction of triple clauses, data
// clauses (keyed by the variable naming the matched data abstraction),
// and constructed clauses (keyed by the variable naming the matched
// constructed abstraction).
type Pattern struct {
	Triples     []TripleTerm
	Data        map[string]DataSpec
	Constructed map[string]ConstructedSpec
}

// Value is one binding in a result: either a handle or a string (data
// clauses can bind their data/format slots to plain strings).
type Value struct {
	handle  *store.Handle
	str     string
	isStr   bool
	isValue bool
}

// HandleValue wraps a handle as a binding value.
func HandleValue(h *store.Handle) Value { return Value{handle: h, isValue: true} }

// StringValue wraps a string as a binding value.
func StringValue(s string) Value { return Value{str: s, isStr: true, isValue: true} }

// Handle returns the bound handle and true, or (nil, false) if this
// value is a string.
func (v Value) Handle() (*store.Handle, bool) {
	if v.isValue && !v.isStr {
		return v.handle, true
	}
	return nil, false
}

// String returns the bound string and true, or ("", false) if this
// value is a handle.
func (v Value) String() (string, bool) {
	if v.isStr {
		return v.str, true
	}
	return "", false
}

// Bindings maps variable names to their matched values.
type Bindings map[string]Value

func (b Bindings) clone() Bindings {
	out := make(Bindings, len(b)+1)
	for k, v := range b {
		out[k] = v
	}
	return out
}

// module is one compiled unit of a Pattern: a triple clause, one
// connection of a constructed clause, or an unresolved data clause.
type module interface {
	variables() []string
	undefinedness(known Bindings) int
	produce(ctx context.Context, s *store.Store, known Bindings) ([]Bindings, error)
}

func resolveTerm(t Term, s *store.Store, known Bindings) (id string, bound bool, err error) {
	switch t.kind {
	case termBound:
		if t.handle.Store() != s {
			return "", false, fmt.Errorf("%w: bound handle from a different store", ErrPatternError)
		}
		return t.handle.ID(), true, nil
	case termVar:
		v, ok := known[t.name]
		if !ok {
			return "", false, nil
		}
		h, ok := v.Handle()
		if !ok {
			return "", false, fmt.Errorf("%w: variable %q is bound to a string, not a handle", ErrPatternError, t.name)
		}
		return h.ID(), true, nil
	default:
		return "", false, fmt.Errorf("%w: Owner term used outside a constructed connection", ErrPatternError)
	}
}

func resolveValueTerm(t ValueTerm, known Bindings) (val string, bound bool, err error) {
	if t.isLiteral {
		return t.literal, true, nil
	}
	v, ok := known[t.varName]
	if !ok {
		return "", false, nil
	}
	sval, ok := v.String()
	if !ok {
		return "", false, fmt.Errorf("%w: variable %q is bound to a handle, not a string", ErrPatternError, t.varName)
	}
	return sval, true, nil
}

func varName(t Term) (string, bool) {
	if t.kind == termVar {
		return t.name, true
	}
	return "", false
}

// ---- triple module ----

type tripleModule struct {
	subj, pred, obj Term
}

func (m *tripleModule) variables() []string {
	var out []string
	for _, t := range []Term{m.subj, m.pred, m.obj} {
		if n, ok := varName(t); ok {
			out = append(out, n)
		}
	}
	return out
}

func (m *tripleModule) undefinedness(known Bindings) int {
	n := 0
	for _, name := range m.variables() {
		if _, ok := known[name]; !ok {
			n++
		}
	}
	return n
}

func (m *tripleModule) produce(ctx context.Context, s *store.Store, known Bindings) ([]Bindings, error) {
	subjID, subjOK, err := resolveTerm(m.subj, s, known)
	if err != nil {
		return nil, err
	}
	predID, predOK, err := resolveTerm(m.pred, s, known)
	if err != nil {
		return nil, err
	}
	objID, objOK, err := resolveTerm(m.obj, s, known)
	if err != nil {
		return nil, err
	}

	candidates, err := linkedOrAll(ctx, s, subjID, subjOK, predID, predOK, objID, objOK)
	if err != nil {
		return nil, err
	}

	var out []Bindings
	for _, t := range candidates {
		if subjOK && t.Sub != subjID {
			continue
		}
		if predOK && t.Pred != predID {
			continue
		}
		if objOK && t.Obj != objID {
			continue
		}
		b := known.clone()
		if n, ok := varName(m.subj); ok && !subjOK {
			b[n] = HandleValue(s.AcquireID(t.Sub))
		}
		if n, ok := varName(m.pred); ok && !predOK {
			b[n] = HandleValue(s.AcquireID(t.Pred))
		}
		if n, ok := varName(m.obj); ok && !objOK {
			b[n] = HandleValue(s.AcquireID(t.Obj))
		}
		out = append(out, b)
	}
	return out, nil
}

func linkedOrAll(ctx context.Context, s *store.Store, subjID string, subjOK bool, predID string, predOK bool, objID string, objOK bool) ([]store.ResolvedTriple, error) {
	switch {
	case subjOK:
		return s.Backend().LinkedTriples(ctx, subjID)
	case predOK:
		return s.Backend().LinkedTriples(ctx, predID)
	case objOK:
		return s.Backend().LinkedTriples(ctx, objID)
	default:
		return s.Backend().AllTriples(ctx)
	}
}

// ---- constructed module ----

type constructedModule struct {
	param       Term
	connections []TripleTerm
	index       int
	exact       bool
	subj, pred, obj Term
}

func newConstructedModule(param Term, connections []TripleTerm, index int, exact bool) *constructedModule {
	c := connections[index]
	sub := func(t Term) Term {
		if t.kind == termOwner {
			return param
		}
		return t
	}
	return &constructedModule{
		param:       param,
		connections: connections,
		index:       index,
		exact:       exact,
		subj:        sub(c.Subj),
		pred:        sub(c.Pred),
		obj:         sub(c.Obj),
	}
}

func (m *constructedModule) variables() []string {
	var out []string
	for _, t := range []Term{m.param, m.subj, m.pred, m.obj} {
		if n, ok := varName(t); ok {
			out = append(out, n)
		}
	}
	return out
}

func (m *constructedModule) undefinedness(known Bindings) int {
	n := 0
	for _, name := range m.variables() {
		if _, ok := known[name]; !ok {
			n++
		}
	}
	return n
}

func (m *constructedModule) produce(ctx context.Context, s *store.Store, known Bindings) ([]Bindings, error) {
	ownerID, ownerOK, err := resolveTerm(m.param, s, known)
	if err != nil {
		return nil, err
	}
	subjID, subjOK, err := resolveTerm(m.subj, s, known)
	if err != nil {
		return nil, err
	}
	predID, predOK, err := resolveTerm(m.pred, s, known)
	if err != nil {
		return nil, err
	}
	objID, objOK, err := resolveTerm(m.obj, s, known)
	if err != nil {
		return nil, err
	}

	var candidates []store.ResolvedTriple
	switch {
	case ownerOK:
		candidates, err = s.Backend().LinkedTriples(ctx, ownerID)
	case subjOK:
		candidates, err = s.Backend().LinkedTriples(ctx, subjID)
	case predOK:
		candidates, err = s.Backend().LinkedTriples(ctx, predID)
	case objOK:
		candidates, err = s.Backend().LinkedTriples(ctx, objID)
	default:
		candidates, err = s.Backend().AllTriples(ctx)
	}
	if err != nil {
		return nil, err
	}

	alreadyMatched := make(map[[3]string]bool)
	for i, c := range m.connections {
		if i == m.index {
			continue
		}
		sub := func(t Term) Term {
			if t.kind == termOwner {
				return m.param
			}
			return t
		}
		sID, sOK, err := resolveTerm(sub(c.Subj), s, known)
		if err != nil {
			return nil, err
		}
		pID, pOK, err := resolveTerm(sub(c.Pred), s, known)
		if err != nil {
			return nil, err
		}
		oID, oOK, err := resolveTerm(sub(c.Obj), s, known)
		if err != nil {
			return nil, err
		}
		if sOK && pOK && oOK {
			alreadyMatched[[3]string{sID, pID, oID}] = true
		}
	}

	var out []Bindings
	for _, t := range candidates {
		if ownerOK && t.Owner != ownerID {
			continue
		}
		if subjOK && t.Sub != subjID {
			continue
		}
		if predOK && t.Pred != predID {
			continue
		}
		if objOK && t.Obj != objID {
			continue
		}
		if !ownerOK && m.exact {
			n, err := s.Backend().OwnerTripleCount(ctx, t.Owner)
			if err != nil {
				return nil, err
			}
			if n != len(m.connections) {
				continue
			}
		}
		if alreadyMatched[[3]string{t.Sub, t.Pred, t.Obj}] {
			continue
		}
		b := known.clone()
		// The owner binding is assigned last so it wins if the same
		// variable name is also used for a subject/predicate/object slot.
		if n, ok := varName(m.subj); ok && !subjOK {
			b[n] = HandleValue(s.AcquireID(t.Sub))
		}
		if n, ok := varName(m.pred); ok && !predOK {
			b[n] = HandleValue(s.AcquireID(t.Pred))
		}
		if n, ok := varName(m.obj); ok && !objOK {
			b[n] = HandleValue(s.AcquireID(t.Obj))
		}
		if n, ok := varName(m.param); ok && !ownerOK {
			b[n] = HandleValue(s.AcquireID(t.Owner))
		}
		out = append(out, b)
	}
	return out, nil
}

// ---- data module ----

type dataModule struct {
	param        Term
	data, format ValueTerm
}

func (m *dataModule) variables() []string {
	var out []string
	if n, ok := varName(m.param); ok {
		out = append(out, n)
	}
	if !m.data.isLiteral {
		out = append(out, m.data.varName)
	}
	if !m.format.isLiteral {
		out = append(out, m.format.varName)
	}
	return out
}

func (m *dataModule) undefinedness(known Bindings) int {
	n := 0
	for _, name := range m.variables() {
		if _, ok := known[name]; !ok {
			n++
		}
	}
	return n
}

func (m *dataModule) produce(ctx context.Context, s *store.Store, known Bindings) ([]Bindings, error) {
	paramID, paramOK, err := resolveTerm(m.param, s, known)
	if err != nil {
		return nil, err
	}
	dataVal, dataOK, err := resolveValueTerm(m.data, known)
	if err != nil {
		return nil, err
	}
	formatVal, formatOK, err := resolveValueTerm(m.format, known)
	if err != nil {
		return nil, err
	}

	if paramOK {
		kind, ok, err := s.Backend().Kind(ctx, paramID)
		if err != nil {
			return nil, err
		}
		if !ok || kind != abstraction.Data {
			return nil, nil
		}
		data, format, ok, err := s.Backend().Payload(ctx, paramID)
		if err != nil {
			return nil, err
		}
		if !ok || (dataOK && data != dataVal) || (formatOK && format != formatVal) {
			return nil, nil
		}
		b := known.clone()
		if n, ok := varName(m.param); ok {
			b[n] = HandleValue(s.AcquireID(paramID))
		}
		if !m.data.isLiteral {
			b[m.data.varName] = StringValue(data)
		}
		if !m.format.isLiteral {
			b[m.format.varName] = StringValue(format)
		}
		return []Bindings{b}, nil
	}

	recs, err := s.Backend().AllData(ctx)
	if err != nil {
		return nil, err
	}
	var out []Bindings
	for _, r := range recs {
		if dataOK && r.Data != dataVal {
			continue
		}
		if formatOK && r.Format != formatVal {
			continue
		}
		b := known.clone()
		if n, ok := varName(m.param); ok {
			b[n] = HandleValue(s.AcquireID(r.ID))
		}
		if !m.data.isLiteral {
			b[m.data.varName] = StringValue(r.Data)
		}
		if !m.format.isLiteral {
			b[m.format.varName] = StringValue(r.Format)
		}
		out = append(out, b)
	}
	return out, nil
}

// Cursor is a pull-based iterator over search results. Matches are
// computed eagerly (the underlying backtracking search is itself a
// bounded in-memory join); Cursor's Next still takes a context so a
// caller can cancel mid-iteration and so the same shape serves every
// consumer of search results, whether the match count is small or
// large.
type Cursor struct {
	results []Bindings
	pos     int
	err     error
}

func newCursor(results []Bindings) *Cursor {
	return &Cursor{results: results}
}

// Next advances the cursor. It returns false at the end of the result
// set or if ctx is cancelled.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos >= len(c.results) {
		return false
	}
	c.pos++
	return true
}

// Binding returns the current result.
func (c *Cursor) Binding() Bindings {
	return c.results[c.pos-1]
}

// Err returns the first error encountered, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Run compiles and executes p against s, returning a Cursor over every
// satisfying assignment of its variables.
func Run(ctx context.Context, s *store.Store, p Pattern) (*Cursor, error) {
	known := Bindings{}
	var modules []module

	for param, spec := range p.Data {
		if spec.Data.isLiteral && spec.Format.isLiteral {
			h, err := s.InternData(ctx, spec.Data.literal, spec.Format.literal)
			if err != nil {
				return nil, err
			}
			known[param] = HandleValue(h)
			continue
		}
		modules = append(modules, &dataModule{param: Var(param), data: spec.Data, format: spec.Format})
	}

	for param, spec := range p.Constructed {
		if len(spec.Connections) == 0 {
			return nil, fmt.Errorf("%w: constructed clause %q has no connections", ErrPatternError, param)
		}
		for i := range spec.Connections {
			modules = append(modules, newConstructedModule(Var(param), spec.Connections, i, !spec.Plus))
		}
	}

	for _, t := range p.Triples {
		modules = append(modules, &tripleModule{subj: t.Subj, pred: t.Pred, obj: t.Obj})
	}

	if len(modules) == 0 {
		return newCursor([]Bindings{known}), nil
	}

	bestIdx := chooseLeastUndefined(modules, known)
	chosen := modules[bestIdx]
	rest := without(modules, bestIdx)

	candidates, err := chosen.produce(ctx, s, known)
	if err != nil {
		return nil, err
	}

	results := make([][]Bindings, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, runtime.GOMAXPROCS(0)))
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			sub, err := searchAll(gctx, s, rest, c)
			if err != nil {
				return err
			}
			results[i] = sub
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Bindings
	for _, r := range results {
		all = append(all, r...)
	}
	return newCursor(all), nil
}

func searchAll(ctx context.Context, s *store.Store, modules []module, known Bindings) ([]Bindings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return []Bindings{known}, nil
	}
	bestIdx := chooseLeastUndefined(modules, known)
	chosen := modules[bestIdx]
	rest := without(modules, bestIdx)

	candidates, err := chosen.produce(ctx, s, known)
	if err != nil {
		return nil, err
	}
	var out []Bindings
	for _, c := range candidates {
		sub, err := searchAll(ctx, s, rest, c)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

func chooseLeastUndefined(modules []module, known Bindings) int {
	best := -1
	bestIdx := 0
	for i, m := range modules {
		u := m.undefinedness(known)
		if best == -1 || u < best {
			best = u
			bestIdx = i
		}
	}
	return bestIdx
}

func without(modules []module, idx int) []module {
	out := make([]module, 0, len(modules)-1)
	out = append(out, modules[:idx]...)
	out = append(out, modules[idx+1:]...)
	return out
}
