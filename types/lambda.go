package types

import "fmt"

// ScatterKind distinguishes required, optional, and rest lambda parameters,
// mirroring the scatter-assignment pattern grammar ({a, ?b = default, @rest}).
type ScatterKind int

const (
	ScatterRequired ScatterKind = iota
	ScatterOptional
	ScatterRest
)

// LambdaParam is one entry of a lambda's parameter scatter-spec.
type LambdaParam struct {
	Name    string
	Kind    ScatterKind
	Default any // optional default sub-program for ScatterOptional, nil otherwise; *vm.Program in practice
}

// LambdaValue is a first-class closure: a parameter scatter-spec, a
// reference to its compiled body (kept as `any` to avoid an import cycle
// between types and vm, the same trick db.Verb.BytecodeCache uses), an
// environment captured by value at creation time, and an optional name
// bound to itself for recursive calls (fn name(...) ... endfn).
type LambdaValue struct {
	Params  []LambdaParam
	Program any // *vm.Program
	Captured map[string]Value
	SelfName string // empty unless declared with `fn name(...)`
}

// NewLambda builds a lambda value. captured is snapshotted by value: later
// mutation of the caller's locals must not be observed by the closure,
// matching the spec's decision to treat capture as snapshot-by-value.
func NewLambda(params []LambdaParam, program any, captured map[string]Value, selfName string) LambdaValue {
	snap := make(map[string]Value, len(captured))
	for k, v := range captured {
		snap[k] = v
	}
	return LambdaValue{Params: params, Program: program, Captured: snap, SelfName: selfName}
}

func (l LambdaValue) Type() TypeCode { return TYPE_LAMBDA }

func (l LambdaValue) String() string {
	return fmt.Sprintf("<lambda, %d params>", len(l.Params))
}

// Equal: two lambdas are equal when they share the same compiled body
// (same program pointer) and their captured environments hold the same
// names bound to Equal values. Two evaluations of one lambda literal that
// capture equal values therefore compare equal.
func (l LambdaValue) Equal(other Value) bool {
	o, ok := other.(LambdaValue)
	if !ok {
		return false
	}
	return l.Program == o.Program && sameCaptureSet(l.Captured, o.Captured)
}

func sameCaptureSet(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		ov, ok := b[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func (l LambdaValue) Truthy() bool {
	return true
}
