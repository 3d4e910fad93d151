package vm

import "wold/types"

// Activation is a resumable builtin's saved call state: the builtin isn't
// done, it's waiting on a dispatched sub-program to finish so it can be
// re-invoked with that sub-program's result. FuncID/Args are the original
// call; Step is whatever phase marker the builtin itself chose to stash via
// types.BuiltinDispatch, read back on re-invocation through
// TaskContext.BfStep.
type Activation struct {
	FuncID int
	Args   []types.Value
	Step   int
}
