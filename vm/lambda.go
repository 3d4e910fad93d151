package vm

import (
	"wold/parser"
	"wold/types"
	"fmt"
)

// LambdaTemplate is the compile-time description of one lambda literal:
// its compiled body, its parameter scatter-spec, and the names it
// snapshots from the enclosing scope at the point OP_MAKE_LAMBDA runs.
type LambdaTemplate struct {
	Program  *Program
	Params   []types.LambdaParam
	Captured []string // names to snapshot, in the order OP_MAKE_LAMBDA expects them popped
	SelfName string
}

// compileLambda compiles a lambda literal (arrow or fn form) into a child
// Program referenced from the enclosing program's Lambdas table, and emits
// the bytecode that snapshots its captured variables and constructs the
// types.LambdaValue at runtime.
func (c *Compiler) compileLambda(n *parser.LambdaExpr) error {
	captured := c.collectCaptures(n)

	if err := c.checkCaptureViolations(n, captured); err != nil {
		return err
	}

	child := NewCompilerWithRegistry(c.registry)
	for _, name := range captured {
		child.declareVariable(name)
	}
	child.declareVariable("__lambda_args__")
	if n.SelfName != "" {
		child.declareVariable(n.SelfName)
	}

	prologue := &parser.ScatterStmt{
		Pos:     n.Pos,
		Targets: n.Params,
		Value:   &parser.IdentifierExpr{Pos: n.Pos, Name: "__lambda_args__"},
	}
	bodyStmts := make([]parser.Stmt, 0, len(n.Body)+1)
	bodyStmts = append(bodyStmts, prologue)
	bodyStmts = append(bodyStmts, n.Body...)

	childProgram, err := child.CompileStatements(bodyStmts)
	if err != nil {
		return fmt.Errorf("lambda body: %w", err)
	}

	params := make([]types.LambdaParam, len(n.Params))
	for i, t := range n.Params {
		kind := types.ScatterRequired
		switch {
		case t.Rest:
			kind = types.ScatterRest
		case t.Optional:
			kind = types.ScatterOptional
		}
		// Defaults are compiled inline into the scatter prologue above
		// (the same way any other scatter-assignment default is handled),
		// so LambdaParam.Default stays nil here.
		params[i] = types.LambdaParam{Name: t.Name, Kind: kind}
	}

	tmpl := &LambdaTemplate{
		Program:  childProgram,
		Params:   params,
		Captured: captured,
		SelfName: n.SelfName,
	}

	lambdaIdx := len(c.program.Lambdas)
	if lambdaIdx > 255 {
		return fmt.Errorf("too many lambda literals in one program (max 255)")
	}
	c.program.Lambdas = append(c.program.Lambdas, tmpl)

	for _, name := range captured {
		idx, ok := c.resolveVariable(name)
		if !ok {
			idx = c.declareVariable(name)
		}
		c.emit(OP_GET_VAR)
		c.emitByte(byte(idx))
	}

	c.emit(OP_MAKE_LAMBDA)
	c.emitByte(byte(lambdaIdx))
	c.emitByte(byte(len(captured)))
	return nil
}

// compileCall compiles invocation of an arbitrary expression's value as a
// lambda: expr(args).
func (c *Compiler) compileCall(n *parser.CallExpr) error {
	if err := c.compileNode(n.Callee); err != nil {
		return err
	}
	return c.compileLambdaArgs(n.Args)
}

// compileIdentifierCall compiles name(args) when name isn't a registered
// builtin: it's a call through a variable (or lambda literal assigned
// earlier) rather than a compile-time error, matching the language's
// treatment of unknown-identifier calls as runtime lambda invocations.
func (c *Compiler) compileIdentifierCall(pos parser.Position, name string, args []parser.Expr) error {
	if err := c.compileIdentifier(&parser.IdentifierExpr{Pos: pos, Name: name}); err != nil {
		return err
	}
	return c.compileLambdaArgs(args)
}

// compileLambdaArgs emits the argument-pushing and OP_CALL_LAMBDA sequence
// shared by compileCall and compileIdentifierCall. Assumes the callee value
// is already on top of the stack.
func (c *Compiler) compileLambdaArgs(args []parser.Expr) error {
	hasSplice := hasSpliceArgs(args)

	if hasSplice {
		c.emit(OP_MAKE_LIST)
		c.emitByte(0)
		for _, arg := range args {
			if splice, ok := arg.(*parser.SpliceExpr); ok {
				if err := c.compileNode(splice.Expr); err != nil {
					return err
				}
				c.emit(OP_LIST_EXTEND)
			} else {
				if err := c.compileNode(arg); err != nil {
					return err
				}
				c.emit(OP_LIST_APPEND)
			}
		}
		c.emit(OP_CALL_LAMBDA)
		c.emitByte(0xFF)
		return nil
	}

	if len(args) > 254 {
		return fmt.Errorf("too many arguments (max 254)")
	}
	for _, arg := range args {
		if err := c.compileNode(arg); err != nil {
			return err
		}
	}
	c.emit(OP_CALL_LAMBDA)
	c.emitByte(byte(len(args)))
	return nil
}

// compileLet compiles a local declaration. Its only effect beyond a plain
// assignment is existing purely at the AST level: it marks the name as
// locally-declared so a lambda body enclosing it is exempt from the
// captured-variable-assignment check for that name.
func (c *Compiler) compileLet(n *parser.LetStmt) error {
	if err := c.compileNode(n.Value); err != nil {
		return err
	}
	idx := c.declareVariable(n.Name)
	c.emit(OP_SET_VAR)
	c.emitByte(byte(idx))
	return nil
}

// collectCaptures returns, in stable discovery order, the names free in the
// lambda's body (and nested lambda bodies) that are already bound in the
// enclosing compiler's variable table -- i.e. the set to snapshot at
// OP_MAKE_LAMBDA time.
func (c *Compiler) collectCaptures(n *parser.LambdaExpr) []string {
	bound := map[string]bool{}
	for _, p := range n.Params {
		bound[p.Name] = true
	}
	if n.SelfName != "" {
		bound[n.SelfName] = true
	}

	free := map[string]bool{}
	var order []string
	add := func(name string) {
		if bound[name] || free[name] {
			return
		}
		if _, ok := c.resolveVariable(name); !ok {
			return
		}
		free[name] = true
		order = append(order, name)
	}

	w := &captureWalker{bound: bound, add: add}
	w.walkStmts(n.Body)

	return order
}

type captureWalker struct {
	bound map[string]bool
	add   func(name string)
}

func (w *captureWalker) withBound(names []string, fn func()) {
	added := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" || w.bound[name] {
			continue
		}
		w.bound[name] = true
		added = append(added, name)
	}
	fn()
	for _, name := range added {
		delete(w.bound, name)
	}
}

func (w *captureWalker) walkStmts(stmts []parser.Stmt) {
	for _, s := range stmts {
		w.walkStmt(s)
	}
}

func (w *captureWalker) walkStmt(s parser.Stmt) {
	switch n := s.(type) {
	case nil:
	case *parser.ExprStmt:
		w.walkExpr(n.Expr)
	case *parser.LetStmt:
		w.walkExpr(n.Value)
		w.bound[n.Name] = true
	case *parser.IfStmt:
		w.walkExpr(n.Condition)
		w.walkStmts(n.Body)
		for _, ei := range n.ElseIfs {
			w.walkExpr(ei.Condition)
			w.walkStmts(ei.Body)
		}
		w.walkStmts(n.Else)
	case *parser.WhileStmt:
		w.walkExpr(n.Condition)
		w.walkStmts(n.Body)
	case *parser.ForStmt:
		w.walkExpr(n.RangeStart)
		w.walkExpr(n.RangeEnd)
		w.walkExpr(n.Container)
		w.withBound([]string{n.Value, n.Index}, func() {
			w.walkStmts(n.Body)
		})
	case *parser.BreakStmt:
		w.walkExpr(n.Value)
	case *parser.ContinueStmt:
	case *parser.ReturnStmt:
		w.walkExpr(n.Value)
	case *parser.TryExceptStmt:
		w.walkStmts(n.Body)
		w.walkExcepts(n.Excepts)
	case *parser.TryFinallyStmt:
		w.walkStmts(n.Body)
		w.walkStmts(n.Finally)
	case *parser.TryExceptFinallyStmt:
		w.walkStmts(n.Body)
		w.walkExcepts(n.Excepts)
		w.walkStmts(n.Finally)
	case *parser.ScatterStmt:
		w.walkExpr(n.Value)
		for _, t := range n.Targets {
			w.walkExpr(t.Default)
		}
		for _, t := range n.Targets {
			w.bound[t.Name] = true
		}
	case *parser.ForkStmt:
		w.walkExpr(n.Delay)
		w.withBound([]string{n.VarName}, func() {
			w.walkStmts(n.Body)
		})
	default:
		// Unknown statement kind: nothing to walk.
	}
}

func (w *captureWalker) walkExcepts(excepts []parser.ExceptClause) {
	for _, ex := range excepts {
		w.withBound([]string{ex.Variable}, func() {
			w.walkStmts(ex.Body)
		})
	}
}

func (w *captureWalker) walkExpr(e parser.Expr) {
	switch n := e.(type) {
	case nil:
	case *parser.LiteralExpr, *parser.IndexMarkerExpr:
	case *parser.IdentifierExpr:
		w.add(n.Name)
	case *parser.UnaryExpr:
		w.walkExpr(n.Operand)
	case *parser.BinaryExpr:
		w.walkExpr(n.Left)
		w.walkExpr(n.Right)
	case *parser.TernaryExpr:
		w.walkExpr(n.Condition)
		w.walkExpr(n.ThenExpr)
		w.walkExpr(n.ElseExpr)
	case *parser.ParenExpr:
		w.walkExpr(n.Expr)
	case *parser.IndexExpr:
		w.walkExpr(n.Expr)
		w.walkExpr(n.Index)
	case *parser.RangeExpr:
		w.walkExpr(n.Expr)
		w.walkExpr(n.Start)
		w.walkExpr(n.End)
	case *parser.PropertyExpr:
		w.walkExpr(n.Expr)
		w.walkExpr(n.PropertyExpr)
	case *parser.VerbCallExpr:
		w.walkExpr(n.Expr)
		w.walkExpr(n.VerbExpr)
		for _, a := range n.Args {
			w.walkExpr(a)
		}
	case *parser.BuiltinCallExpr:
		w.add(n.Name) // may resolve to a variable/lambda call at runtime
		for _, a := range n.Args {
			w.walkExpr(a)
		}
	case *parser.SpliceExpr:
		w.walkExpr(n.Expr)
	case *parser.CatchExpr:
		w.walkExpr(n.Expr)
		w.walkExpr(n.Default)
	case *parser.AssignExpr:
		w.walkExpr(n.Target)
		w.walkExpr(n.Value)
	case *parser.ListExpr:
		for _, el := range n.Elements {
			w.walkExpr(el)
		}
	case *parser.ListRangeExpr:
		w.walkExpr(n.Start)
		w.walkExpr(n.End)
	case *parser.MapExpr:
		for _, pair := range n.Pairs {
			w.walkExpr(pair.Key)
			w.walkExpr(pair.Value)
		}
	case *parser.CallExpr:
		w.walkExpr(n.Callee)
		for _, a := range n.Args {
			w.walkExpr(a)
		}
	case *parser.LambdaExpr:
		bound := map[string]bool{}
		for k, v := range w.bound {
			bound[k] = v
		}
		for _, p := range n.Params {
			bound[p.Name] = true
		}
		if n.SelfName != "" {
			bound[n.SelfName] = true
		}
		inner := &captureWalker{bound: bound, add: w.add}
		inner.walkStmts(n.Body)
	default:
		// Unknown expression kind: nothing to walk.
	}
}

// checkCaptureViolations rejects direct reassignment of a captured outer
// variable inside a lambda body, unless the body redeclares that name with
// `let` (or shadows it as a parameter) first.
func (c *Compiler) checkCaptureViolations(n *parser.LambdaExpr, captured []string) error {
	if len(captured) == 0 {
		return nil
	}
	capturedSet := map[string]bool{}
	for _, name := range captured {
		capturedSet[name] = true
	}

	shadowed := map[string]bool{}
	for _, p := range n.Params {
		shadowed[p.Name] = true
	}
	if n.SelfName != "" {
		shadowed[n.SelfName] = true
	}
	collectShadowNames(n.Body, shadowed)

	var assigned []string
	collectDirectAssignTargets(n.Body, &assigned)

	for _, name := range assigned {
		if capturedSet[name] && !shadowed[name] {
			return fmt.Errorf("AssignmentToCapturedVariable: %q is captured from the enclosing scope; redeclare it with 'let' before assigning to it", name)
		}
	}
	return nil
}

// collectShadowNames gathers every name locally redeclared with `let` or
// bound via a scatter-assignment anywhere in body, without descending into
// nested lambda bodies (those have independent capture rules).
func collectShadowNames(body []parser.Stmt, out map[string]bool) {
	for _, s := range body {
		switch n := s.(type) {
		case *parser.LetStmt:
			out[n.Name] = true
		case *parser.IfStmt:
			collectShadowNames(n.Body, out)
			for _, ei := range n.ElseIfs {
				collectShadowNames(ei.Body, out)
			}
			collectShadowNames(n.Else, out)
		case *parser.WhileStmt:
			collectShadowNames(n.Body, out)
		case *parser.ForStmt:
			out[n.Value] = true
			if n.Index != "" {
				out[n.Index] = true
			}
			collectShadowNames(n.Body, out)
		case *parser.TryExceptStmt:
			collectShadowNames(n.Body, out)
			for _, ex := range n.Excepts {
				collectShadowNames(ex.Body, out)
			}
		case *parser.TryFinallyStmt:
			collectShadowNames(n.Body, out)
			collectShadowNames(n.Finally, out)
		case *parser.TryExceptFinallyStmt:
			collectShadowNames(n.Body, out)
			for _, ex := range n.Excepts {
				collectShadowNames(ex.Body, out)
			}
			collectShadowNames(n.Finally, out)
		case *parser.ScatterStmt:
			for _, t := range n.Targets {
				out[t.Name] = true
			}
		case *parser.ForkStmt:
			if n.VarName != "" {
				out[n.VarName] = true
			}
			collectShadowNames(n.Body, out)
		}
	}
}

// collectDirectAssignTargets gathers every name directly reassigned with
// `name = value` (not index/property assignment) anywhere in body, without
// descending into nested lambda bodies.
func collectDirectAssignTargets(body []parser.Stmt, out *[]string) {
	var walkExpr func(e parser.Expr)
	walkExpr = func(e parser.Expr) {
		switch n := e.(type) {
		case nil:
		case *parser.AssignExpr:
			if id, ok := n.Target.(*parser.IdentifierExpr); ok {
				*out = append(*out, id.Name)
			}
			walkExpr(n.Target)
			walkExpr(n.Value)
		case *parser.UnaryExpr:
			walkExpr(n.Operand)
		case *parser.BinaryExpr:
			walkExpr(n.Left)
			walkExpr(n.Right)
		case *parser.TernaryExpr:
			walkExpr(n.Condition)
			walkExpr(n.ThenExpr)
			walkExpr(n.ElseExpr)
		case *parser.ParenExpr:
			walkExpr(n.Expr)
		case *parser.IndexExpr:
			walkExpr(n.Expr)
			walkExpr(n.Index)
		case *parser.RangeExpr:
			walkExpr(n.Expr)
			walkExpr(n.Start)
			walkExpr(n.End)
		case *parser.PropertyExpr:
			walkExpr(n.Expr)
			walkExpr(n.PropertyExpr)
		case *parser.VerbCallExpr:
			walkExpr(n.Expr)
			walkExpr(n.VerbExpr)
			for _, a := range n.Args {
				walkExpr(a)
			}
		case *parser.BuiltinCallExpr:
			for _, a := range n.Args {
				walkExpr(a)
			}
		case *parser.SpliceExpr:
			walkExpr(n.Expr)
		case *parser.CatchExpr:
			walkExpr(n.Expr)
			walkExpr(n.Default)
		case *parser.ListExpr:
			for _, el := range n.Elements {
				walkExpr(el)
			}
		case *parser.ListRangeExpr:
			walkExpr(n.Start)
			walkExpr(n.End)
		case *parser.MapExpr:
			for _, pair := range n.Pairs {
				walkExpr(pair.Key)
				walkExpr(pair.Value)
			}
		case *parser.CallExpr:
			walkExpr(n.Callee)
			for _, a := range n.Args {
				walkExpr(a)
			}
		}
	}

	var walkStmt func(s parser.Stmt)
	walkStmt = func(s parser.Stmt) {
		switch n := s.(type) {
		case *parser.ExprStmt:
			walkExpr(n.Expr)
		case *parser.LetStmt:
			walkExpr(n.Value)
		case *parser.IfStmt:
			walkExpr(n.Condition)
			for _, st := range n.Body {
				walkStmt(st)
			}
			for _, ei := range n.ElseIfs {
				walkExpr(ei.Condition)
				for _, st := range ei.Body {
					walkStmt(st)
				}
			}
			for _, st := range n.Else {
				walkStmt(st)
			}
		case *parser.WhileStmt:
			walkExpr(n.Condition)
			for _, st := range n.Body {
				walkStmt(st)
			}
		case *parser.ForStmt:
			walkExpr(n.RangeStart)
			walkExpr(n.RangeEnd)
			walkExpr(n.Container)
			for _, st := range n.Body {
				walkStmt(st)
			}
		case *parser.BreakStmt:
			walkExpr(n.Value)
		case *parser.ReturnStmt:
			walkExpr(n.Value)
		case *parser.TryExceptStmt:
			for _, st := range n.Body {
				walkStmt(st)
			}
			for _, ex := range n.Excepts {
				for _, st := range ex.Body {
					walkStmt(st)
				}
			}
		case *parser.TryFinallyStmt:
			for _, st := range n.Body {
				walkStmt(st)
			}
			for _, st := range n.Finally {
				walkStmt(st)
			}
		case *parser.TryExceptFinallyStmt:
			for _, st := range n.Body {
				walkStmt(st)
			}
			for _, ex := range n.Excepts {
				for _, st := range ex.Body {
					walkStmt(st)
				}
			}
			for _, st := range n.Finally {
				walkStmt(st)
			}
		case *parser.ScatterStmt:
			walkExpr(n.Value)
			for _, t := range n.Targets {
				walkExpr(t.Default)
			}
		case *parser.ForkStmt:
			walkExpr(n.Delay)
			for _, st := range n.Body {
				walkStmt(st)
			}
		}
	}

	for _, s := range body {
		walkStmt(s)
	}
}
