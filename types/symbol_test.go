package types

import "testing"

func TestSymbolInterning(t *testing.T) {
	a := NewSymbol("foo")
	b := NewSymbol("foo")

	if !a.Equal(b) {
		t.Errorf("two symbols built from the same name should be Equal")
	}
	if a.id != b.id {
		t.Errorf("two symbols built from the same name should share an interned id: %d != %d", a.id, b.id)
	}
}

func TestSymbolDistinctNames(t *testing.T) {
	a := NewSymbol("foo")
	b := NewSymbol("bar")

	if a.Equal(b) {
		t.Errorf("symbols with different names should not be Equal")
	}
	if a.id == b.id {
		t.Errorf("symbols with different names should not share an interned id")
	}
}

func TestSymbolName(t *testing.T) {
	s := NewSymbol("frob")
	if s.Name() != "frob" {
		t.Errorf("Name() = %q, want %q", s.Name(), "frob")
	}
}

func TestSymbolString(t *testing.T) {
	s := NewSymbol("frob")
	if s.String() != "'frob" {
		t.Errorf("String() = %q, want %q", s.String(), "'frob")
	}
}

func TestSymbolType(t *testing.T) {
	s := NewSymbol("frob")
	if s.Type() != TYPE_SYMBOL {
		t.Errorf("Type() = %v, want TYPE_SYMBOL", s.Type())
	}
}

func TestSymbolTruthy(t *testing.T) {
	s := NewSymbol("")
	if !s.Truthy() {
		t.Errorf("symbols are always truthy, even the empty-named one")
	}
}

func TestSymbolNotEqualToString(t *testing.T) {
	s := NewSymbol("frob")
	str := NewStr("frob")
	if s.Equal(str) {
		t.Errorf("a symbol should never compare Equal to a string value with the same text")
	}
}
