package script

import (
	"fmt"
	"strings"

	"github.com/d5/tengo/v2/parser"
	"github.com/d5/tengo/v2/token"
)

// Names of the hook functions the instrumenter calls back into. The "__"
// prefix is reserved so scripts cannot shadow or call them directly.
const (
	reservedPrefix = "__"

	hookTick  = "__tick"
	hookEnter = "__enter"
	hookLeave = "__leave"
	hookGuard = "__guard"
)

var hookNames = []string{hookTick, hookEnter, hookLeave, hookGuard}

// instrumenter rewrites a parsed program in place so that the running VM
// reports back to the engine:
//
//   - __tick() at the top of every loop body (operation budget)
//   - __enter() / __leave() around every function body (call depth)
//   - __guard(x) after every assignment to x (string, array and map sizes)
//   - __guard(expr) around every `+` and every call, so intermediate values
//     are checked before anything else can consume them
//
// It also rejects reserved identifiers and literals that already exceed the
// size ceilings, so crafted sources fail before they run.
type instrumenter struct {
	limits    EngineConfig
	funcDepth int
	err       error
}

func instrument(file *parser.File, limits EngineConfig) error {
	in := &instrumenter{limits: limits}
	file.Stmts = in.stmts(file.Stmts)
	return in.err
}

func (in *instrumenter) fail(err error) {
	if in.err == nil {
		in.err = err
	}
}

func (in *instrumenter) stmts(list []parser.Stmt) []parser.Stmt {
	out := make([]parser.Stmt, 0, len(list))
	for _, s := range list {
		in.stmt(s)
		out = append(out, s)

		assign, ok := s.(*parser.AssignStmt)
		if !ok {
			continue
		}
		for _, lhs := range assign.LHS {
			if target := guardTarget(lhs); target != nil {
				out = append(out, hookStmt(hookGuard, assign.TokenPos, target))
			}
		}
	}
	return out
}

func (in *instrumenter) stmt(s parser.Stmt) {
	switch n := s.(type) {
	case *parser.AssignStmt:
		in.exprs(n.LHS)
		in.exprs(n.RHS)
	case *parser.BlockStmt:
		n.Stmts = in.stmts(n.Stmts)
	case *parser.ExprStmt:
		n.Expr = in.expr(n.Expr)
	case *parser.ExportStmt:
		n.Result = in.expr(n.Result)
	case *parser.IncDecStmt:
		n.Expr = in.expr(n.Expr)
	case *parser.IfStmt:
		if n.Init != nil {
			in.stmt(n.Init)
		}
		n.Cond = in.expr(n.Cond)
		in.stmt(n.Body)
		if n.Else != nil {
			in.stmt(n.Else)
		}
	case *parser.ForStmt:
		if n.Init != nil {
			in.stmt(n.Init)
		}
		n.Cond = in.expr(n.Cond)
		if n.Post != nil {
			in.stmt(n.Post)
		}
		in.stmt(n.Body)
		n.Body.Stmts = prepend(hookStmt(hookTick, n.ForPos), n.Body.Stmts)
	case *parser.ForInStmt:
		in.ident(n.Key)
		in.ident(n.Value)
		n.Iterable = in.expr(n.Iterable)
		in.stmt(n.Body)
		n.Body.Stmts = prepend(hookStmt(hookTick, n.ForPos), n.Body.Stmts)
	case *parser.ReturnStmt:
		n.Result = in.expr(n.Result)
		if in.funcDepth > 0 {
			var args []parser.Expr
			if n.Result != nil {
				args = append(args, n.Result)
			}
			n.Result = hookCall(hookLeave, n.ReturnPos, args...)
		}
	}
}

// exprs rewrites a list of expressions in place
func (in *instrumenter) exprs(list []parser.Expr) {
	for i, e := range list {
		list[i] = in.expr(e)
	}
}

func (in *instrumenter) expr(e parser.Expr) parser.Expr {
	return in.exprAt(e, 0)
}

// exprAt walks an expression and returns its instrumented form; depth counts
// the container literals enclosing it
func (in *instrumenter) exprAt(e parser.Expr, depth int) parser.Expr {
	switch n := e.(type) {
	case nil:
		return nil
	case *parser.Ident:
		in.ident(n)
	case *parser.StringLit:
		if len(n.Value) > in.limits.MaxStringSize {
			in.fail(&limitSignal{err: NewResourceLimitError("", ResourceStringSize, int64(in.limits.MaxStringSize))})
		}
	case *parser.ArrayLit:
		in.container(len(n.Elements), depth)
		for i, el := range n.Elements {
			n.Elements[i] = in.exprAt(el, depth+1)
		}
	case *parser.MapLit:
		in.container(len(n.Elements), depth)
		for _, el := range n.Elements {
			el.Value = in.exprAt(el.Value, depth+1)
		}
	case *parser.ImmutableExpr:
		n.Expr = in.exprAt(n.Expr, depth)
	case *parser.ParenExpr:
		n.Expr = in.exprAt(n.Expr, depth)
	case *parser.BinaryExpr:
		n.LHS = in.expr(n.LHS)
		n.RHS = in.expr(n.RHS)
		if n.Token == token.Add {
			return hookCall(hookGuard, n.TokenPos, n)
		}
	case *parser.UnaryExpr:
		n.Expr = in.expr(n.Expr)
	case *parser.CallExpr:
		n.Func = in.expr(n.Func)
		in.exprs(n.Args)
		return hookCall(hookGuard, n.LParen, n)
	case *parser.CondExpr:
		n.Cond = in.expr(n.Cond)
		n.True = in.expr(n.True)
		n.False = in.expr(n.False)
	case *parser.ErrorExpr:
		n.Expr = in.expr(n.Expr)
	case *parser.IndexExpr:
		n.Expr = in.expr(n.Expr)
		n.Index = in.expr(n.Index)
	case *parser.SelectorExpr:
		n.Expr = in.expr(n.Expr)
	case *parser.SliceExpr:
		n.Expr = in.expr(n.Expr)
		n.Low = in.expr(n.Low)
		n.High = in.expr(n.High)
	case *parser.FuncLit:
		in.funcLit(n)
	}
	return e
}

func (in *instrumenter) container(size, depth int) {
	if size > in.limits.MaxArraySize {
		in.fail(&limitSignal{err: NewResourceLimitError("", ResourceArraySize, int64(in.limits.MaxArraySize))})
	}
	if depth+1 > in.limits.MaxMapDepth {
		in.fail(&limitSignal{err: NewResourceLimitError("", ResourceMapDepth, int64(in.limits.MaxMapDepth))})
	}
}

func (in *instrumenter) ident(n *parser.Ident) {
	if n == nil {
		return
	}
	if strings.HasPrefix(n.Name, reservedPrefix) {
		in.fail(fmt.Errorf("reserved identifier '%s' at %d", n.Name, n.NamePos))
	}
}

func (in *instrumenter) funcLit(n *parser.FuncLit) {
	pos := n.Body.LBrace
	if n.Type != nil {
		pos = n.Type.FuncPos
		if n.Type.Params != nil {
			for _, p := range n.Type.Params.List {
				in.ident(p)
			}
		}
	}

	in.funcDepth++
	in.stmt(n.Body)
	in.funcDepth--

	body := make([]parser.Stmt, 0, len(n.Body.Stmts)+2)
	body = append(body, hookStmt(hookEnter, pos))
	body = append(body, n.Body.Stmts...)
	body = append(body, hookStmt(hookLeave, n.Body.RBrace))
	n.Body.Stmts = body
}

// guardTarget returns the variable an assignment may have grown: the
// identifier itself, or the root of an index/selector chain.
func guardTarget(lhs parser.Expr) parser.Expr {
	for {
		switch n := lhs.(type) {
		case *parser.Ident:
			return &parser.Ident{Name: n.Name, NamePos: n.NamePos}
		case *parser.IndexExpr:
			lhs = n.Expr
		case *parser.SelectorExpr:
			lhs = n.Expr
		default:
			return nil
		}
	}
}

func hookCall(name string, pos parser.Pos, args ...parser.Expr) *parser.CallExpr {
	// Ellipsis stays NoPos: any other value makes the compiler spread the
	// last argument.
	return &parser.CallExpr{
		Func:   &parser.Ident{Name: name, NamePos: pos},
		LParen: pos,
		Args:   args,
		RParen: pos,
	}
}

func hookStmt(name string, pos parser.Pos, args ...parser.Expr) parser.Stmt {
	return &parser.ExprStmt{Expr: hookCall(name, pos, args...)}
}

func prepend(s parser.Stmt, list []parser.Stmt) []parser.Stmt {
	out := make([]parser.Stmt, 0, len(list)+1)
	out = append(out, s)
	return append(out, list...)
}
