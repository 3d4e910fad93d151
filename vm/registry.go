package vm

import (
	"wold/builtins"
	"wold/db"
)

// BuildVMRegistry assembles the builtins registry used by the scheduler's
// bytecode VMs, mirroring the store-bound Register*Builtins sequence the
// tree-walking Evaluator uses in NewEvaluatorWithStore (eval.go), plus the
// bytecode-specific resumable eval() registered below.
func BuildVMRegistry(store *db.Store) *builtins.Registry {
	registry := builtins.NewRegistry()
	registry.RegisterObjectBuiltins(store)
	registry.RegisterPropertyBuiltins(store)
	registry.RegisterVerbBuiltins(store)
	registry.RegisterCryptoBuiltins(store)
	registry.RegisterSystemBuiltins(store)
	RegisterBytecodeEvalBuiltin(registry, store)
	return registry
}
