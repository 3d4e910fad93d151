package types

import "sync"

// symbolTable interns symbol text so equality and hashing are pointer-cheap.
// Process-wide and never freed, matching the rest of the global interpreter
// state (builtin table, perf counters) described for the VM.
var symbolTable = struct {
	mu   sync.RWMutex
	ids  map[string]int32
	strs []string
}{ids: make(map[string]int32)}

func internSymbol(name string) int32 {
	symbolTable.mu.RLock()
	if id, ok := symbolTable.ids[name]; ok {
		symbolTable.mu.RUnlock()
		return id
	}
	symbolTable.mu.RUnlock()

	symbolTable.mu.Lock()
	defer symbolTable.mu.Unlock()
	if id, ok := symbolTable.ids[name]; ok {
		return id
	}
	id := int32(len(symbolTable.strs))
	symbolTable.strs = append(symbolTable.strs, name)
	symbolTable.ids[name] = id
	return id
}

func symbolText(id int32) string {
	symbolTable.mu.RLock()
	defer symbolTable.mu.RUnlock()
	if int(id) < 0 || int(id) >= len(symbolTable.strs) {
		return ""
	}
	return symbolTable.strs[id]
}

// SymbolValue is an interned MOO symbol literal, e.g. 'foo.
type SymbolValue struct {
	id int32
}

// NewSymbol interns name and returns the symbol value for it.
func NewSymbol(name string) SymbolValue {
	return SymbolValue{id: internSymbol(name)}
}

func (s SymbolValue) Type() TypeCode { return TYPE_SYMBOL }

func (s SymbolValue) String() string {
	return "'" + symbolText(s.id)
}

// Name returns the symbol's interned text.
func (s SymbolValue) Name() string {
	return symbolText(s.id)
}

func (s SymbolValue) Equal(other Value) bool {
	o, ok := other.(SymbolValue)
	return ok && o.id == s.id
}

func (s SymbolValue) Truthy() bool {
	// Symbols are always truthy; they can never be the zero value.
	return true
}
