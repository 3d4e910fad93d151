package types

import (
	"fmt"
	"strings"
)

// FlyweightValue is a lightweight object-like value: a delegate object
// (whose verbs and inherited properties it borrows), a slot map of its own
// property overrides, and an ordered contents list. Unlike a real object it
// has no identity in the store — two flyweights with equal delegate/slots/
// contents are the same value.
type FlyweightValue struct {
	delegate ObjID
	slots    map[string]Value
	contents []Value
}

// NewWaif is kept for source compatibility with callers ported from the
// waif-only prototype; it builds a flyweight with no contents.
func NewWaif(class ObjID, owner ObjID) FlyweightValue {
	return NewFlyweight(class, map[string]Value{"owner": NewObj(owner)}, nil)
}

// NewFlyweight builds a flyweight delegating to delegate, with the given
// slot overrides and ordered contents.
func NewFlyweight(delegate ObjID, slots map[string]Value, contents []Value) FlyweightValue {
	s := make(map[string]Value, len(slots))
	for k, v := range slots {
		s[k] = v
	}
	c := make([]Value, len(contents))
	copy(c, contents)
	return FlyweightValue{delegate: delegate, slots: s, contents: c}
}

func (w FlyweightValue) Type() TypeCode { return TYPE_WAIF }

func (w FlyweightValue) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<%s", NewObj(w.delegate).String())
	if len(w.slots) > 0 {
		b.WriteString(" [")
		first := true
		for k, v := range w.slots {
			if !first {
				b.WriteString(", ")
			}
			first = false
			fmt.Fprintf(&b, "%s -> %s", k, v.String())
		}
		b.WriteString("]")
	}
	if len(w.contents) > 0 {
		b.WriteString(" {")
		for i, v := range w.contents {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(v.String())
		}
		b.WriteString("}")
	}
	b.WriteString(">")
	return b.String()
}

// Equal checks structural equality: same delegate, same slots, same contents.
func (w FlyweightValue) Equal(other Value) bool {
	o, ok := other.(FlyweightValue)
	if !ok || w.delegate != o.delegate || len(w.contents) != len(o.contents) {
		return false
	}
	if !equalMaps(w.slots, o.slots) {
		return false
	}
	for i := range w.contents {
		if !w.contents[i].Equal(o.contents[i]) {
			return false
		}
	}
	return true
}

// Truthy: flyweights, like objects, are never truthy.
func (w FlyweightValue) Truthy() bool {
	return false
}

// Class is retained for callers ported from the waif-only prototype; it is
// an alias for Delegate.
func (w FlyweightValue) Class() ObjID {
	return w.delegate
}

// Delegate returns the object a flyweight borrows verbs and properties from.
func (w FlyweightValue) Delegate() ObjID {
	return w.delegate
}

func (w FlyweightValue) Owner() ObjID {
	if v, ok := w.slots["owner"]; ok {
		if o, ok := v.(ObjValue); ok {
			return o.ID()
		}
	}
	return ObjNothing
}

// GetProperty resolves a slot override, falling through to the delegate's
// own inherited properties is the caller's responsibility (the VM's
// property-resolution path does that via the store).
func (w FlyweightValue) GetProperty(name string) (Value, bool) {
	v, ok := w.slots[name]
	return v, ok
}

// SetProperty returns a new flyweight with name overridden to value.
func (w FlyweightValue) SetProperty(name string, value Value) FlyweightValue {
	newSlots := make(map[string]Value, len(w.slots)+1)
	for k, v := range w.slots {
		newSlots[k] = v
	}
	newSlots[name] = value
	return FlyweightValue{delegate: w.delegate, slots: newSlots, contents: w.contents}
}

// Contents returns the flyweight's ordered content list.
func (w FlyweightValue) Contents() []Value {
	return w.contents
}

// WithContents returns a new flyweight with a replaced contents list.
func (w FlyweightValue) WithContents(contents []Value) FlyweightValue {
	c := make([]Value, len(contents))
	copy(c, contents)
	return FlyweightValue{delegate: w.delegate, slots: w.slots, contents: c}
}

// equalMaps checks if two property maps are equal.
func equalMaps(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for key, valA := range a {
		valB, ok := b[key]
		if !ok || !valA.Equal(valB) {
			return false
		}
	}
	return true
}
