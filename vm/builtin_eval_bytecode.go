package vm

import (
	"strings"
	"wold/builtins"
	"wold/db"
	"wold/parser"
	"wold/types"
)

// evalResumeStep marks a trampolined eval() call's second invocation: the
// dispatched sub-program has finished, one way or another. On success the
// return value is in ctx.BfResumeValue; on an uncaught error inside the
// eval'd code, ctx.BfFailed is set instead (see vm.resumeTrampolineFailure) —
// the compiled sub-program carries no try/except of its own, since a
// dispatched builtin sub-program is its own isolation boundary in HandleError.
const evalResumeStep = 1

// RegisterBytecodeEvalBuiltin registers a resumable eval() builtin for the
// bytecode VM path. It mirrors the tree-walking Evaluator's eval()
// (builtin_eval.go): same permission check, same argument handling, same
// {success, result} / {0, error} reply shape. The difference is how the
// compiled code actually runs — the tree-walker evaluates it in place with
// e.EvalString, but a bytecode sub-program can itself call verbs, loop, or
// even suspend, so it needs a real VM call frame rather than a synchronous
// helper call. eval() therefore dispatches the compiled program via
// types.BuiltinDispatch and is re-invoked through the Activation/Trampoline
// machinery (activation.go, vm.go's dispatchBuiltinSub/resumeTrampoline)
// once that frame returns.
func RegisterBytecodeEvalBuiltin(registry *builtins.Registry, store *db.Store) {
	registry.Register("eval", func(ctx *types.TaskContext, args []types.Value) types.Result {
		if ctx.BfStep == evalResumeStep {
			if ctx.BfFailed {
				return types.Ok(types.NewList([]types.Value{
					types.NewBool(false),
					types.NewList([]types.Value{types.NewStr(ctx.BfErrorCode.Message())}),
				}))
			}
			return types.Ok(types.NewList([]types.Value{
				types.NewBool(true),
				ctx.BfResumeValue,
			}))
		}

		if len(args) < 1 {
			return types.Err(types.E_ARGS)
		}

		progObj := store.Get(ctx.Programmer)
		if progObj == nil || !progObj.Flags.Has(db.FlagProgrammer) {
			return types.Err(types.E_PERM)
		}

		lines := make([]string, 0, len(args))
		for _, arg := range args {
			strVal, ok := arg.(types.StrValue)
			if !ok {
				return types.Err(types.E_TYPE)
			}
			lines = append(lines, strVal.Value())
		}
		code := strings.Join(lines, "\n")

		p := parser.NewParser(code)
		stmts, err := p.ParseProgram()
		if err != nil {
			return types.Ok(types.NewList([]types.Value{
				types.NewBool(false),
				types.NewList([]types.Value{types.NewStr(err.Error())}),
			}))
		}

		c := NewCompilerWithRegistry(registry)
		prog, err := c.CompileStatements(stmts)
		if err != nil {
			return types.Ok(types.NewList([]types.Value{
				types.NewBool(false),
				types.NewList([]types.Value{types.NewStr(err.Error())}),
			}))
		}

		return types.BuiltinDispatch(evalResumeStep, prog)
	})
}
