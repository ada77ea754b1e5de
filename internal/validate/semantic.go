package validate

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"

	"tasksmith/internal/agent"
)

// CallKind classifies a bare function call in task code.
type CallKind int

const (
	CallUnknown CallKind = iota
	CallExecuteTool
	CallExecuteTask
	CallExecuteLLM
	CallExecuteParallel
	CallLogger
	CallBuiltin
	CallLocal
)

func (k CallKind) String() string {
	switch k {
	case CallUnknown:
		return "unknown"
	case CallExecuteTool:
		return "execute_tool"
	case CallExecuteTask:
		return "execute_task"
	case CallExecuteLLM:
		return "execute_llm"
	case CallExecuteParallel:
		return "execute_parallel"
	case CallLogger:
		return "logger"
	case CallBuiltin:
		return "builtin"
	case CallLocal:
		return "local"
	default:
		return "unknown"
	}
}

// helperCalls are the pre-bound runtime helpers available to task code.
var helperCalls = map[string]CallKind{
	"executeTool":     CallExecuteTool,
	"executeTask":     CallExecuteTask,
	"executeLLM":      CallExecuteLLM,
	"executeParallel": CallExecuteParallel,
	"logger":          CallLogger,
}

// builtinCalls are the built-ins and conversions task code may call bare.
var builtinCalls = map[string]struct{}{
	"len":     {},
	"cap":     {},
	"append":  {},
	"make":    {},
	"new":     {},
	"delete":  {},
	"copy":    {},
	"min":     {},
	"max":     {},
	"string":  {},
	"int":     {},
	"int64":   {},
	"float64": {},
	"bool":    {},
}

// classifyCall resolves a bare call name. Names in scope win over the
// helper and builtin tables so local definitions shadow cleanly.
func classifyCall(name string, inScope bool) CallKind {
	if inScope {
		return CallLocal
	}
	if kind, ok := helperCalls[name]; ok {
		return kind
	}
	if _, ok := builtinCalls[name]; ok {
		return CallBuiltin
	}
	return CallUnknown
}

// SemanticResult carries the violations plus the tool names referenced
// by executeTool call sites with literal first arguments.
type SemanticResult struct {
	Violations []Violation
	ToolRefs   []string
}

// Validate runs the semantic checks and returns only the violations.
func Validate(code string, task *agent.TaskDefinition, boundTools []string) []Violation {
	return Check(code, task, boundTools).Violations
}

// Check parses the code and walks it with a scope stack. A parse
// failure is fatal and yields a single syntax_error violation. Bare
// calls are classified against the scope, the execution helpers, and
// the builtin table; selector calls are left to the SafetyValidator.
func Check(code string, task *agent.TaskDefinition, boundTools []string) *SemanticResult {
	result := &SemanticResult{}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "task.go", code, 0)
	if err != nil {
		result.Violations = append(result.Violations, Violation{
			Type:    ViolationSyntaxError,
			Message: fmt.Sprintf("code does not parse: %v", err),
		})
		return result
	}

	chk := &semanticChecker{
		bound:     make(map[string]struct{}, len(boundTools)),
		haveBound: len(boundTools) > 0,
	}
	for _, tool := range boundTools {
		chk.bound[tool] = struct{}{}
	}

	// Root scope: the inputs parameter plus every top-level name, so
	// helper functions defined in the same file resolve as local.
	chk.pushScope()
	chk.declare("inputs")
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			chk.declare(d.Name.Name)
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				if vs, ok := spec.(*ast.ValueSpec); ok {
					for _, name := range vs.Names {
						chk.declare(name.Name)
					}
				}
			}
		}
	}

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		chk.pushScope()
		chk.declareFieldList(fn.Type.Params)
		chk.declareFieldList(fn.Type.Results)
		chk.walkStmt(fn.Body)
		chk.popScope()
	}
	chk.popScope()

	result.Violations = chk.violations
	result.ToolRefs = chk.toolRefs

	if task != nil && len(task.Outputs) > 0 && !chk.returnsKeyed && !chk.assignsKeyed {
		result.Violations = append(result.Violations, Violation{
			Type:    ViolationSchemaMismatch,
			Message: "task declares output keys but the code never returns or assigns a keyed output",
		})
	}

	return result
}

type semanticChecker struct {
	scopes     []map[string]struct{}
	violations []Violation
	toolRefs   []string
	bound      map[string]struct{}
	haveBound  bool

	returnsKeyed bool
	assignsKeyed bool
}

func (c *semanticChecker) pushScope() {
	c.scopes = append(c.scopes, make(map[string]struct{}))
}

func (c *semanticChecker) popScope() {
	c.scopes = c.scopes[:len(c.scopes)-1]
}

func (c *semanticChecker) declare(name string) {
	if name == "" || name == "_" {
		return
	}
	c.scopes[len(c.scopes)-1][name] = struct{}{}
}

func (c *semanticChecker) declareFieldList(fields *ast.FieldList) {
	if fields == nil {
		return
	}
	for _, field := range fields.List {
		for _, name := range field.Names {
			c.declare(name.Name)
		}
	}
}

func (c *semanticChecker) inScope(name string) bool {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if _, ok := c.scopes[i][name]; ok {
			return true
		}
	}
	return false
}

func (c *semanticChecker) walkStmt(stmt ast.Stmt) {
	switch s := stmt.(type) {
	case *ast.BlockStmt:
		c.pushScope()
		for _, inner := range s.List {
			c.walkStmt(inner)
		}
		c.popScope()
	case *ast.AssignStmt:
		for _, rhs := range s.Rhs {
			c.walkExpr(rhs)
		}
		for _, lhs := range s.Lhs {
			switch l := lhs.(type) {
			case *ast.Ident:
				if s.Tok == token.DEFINE {
					c.declare(l.Name)
				}
			case *ast.IndexExpr:
				c.assignsKeyed = true
				c.walkExpr(l.X)
				c.walkExpr(l.Index)
			default:
				c.walkExpr(lhs)
			}
		}
	case *ast.DeclStmt:
		if gd, ok := s.Decl.(*ast.GenDecl); ok {
			for _, spec := range gd.Specs {
				vs, ok := spec.(*ast.ValueSpec)
				if !ok {
					continue
				}
				for _, value := range vs.Values {
					c.walkExpr(value)
				}
				for _, name := range vs.Names {
					c.declare(name.Name)
				}
			}
		}
	case *ast.ExprStmt:
		c.walkExpr(s.X)
	case *ast.ReturnStmt:
		for _, res := range s.Results {
			if lit, ok := res.(*ast.CompositeLit); ok && compositeHasKeys(lit) {
				c.returnsKeyed = true
			}
			c.walkExpr(res)
		}
	case *ast.IfStmt:
		c.pushScope()
		if s.Init != nil {
			c.walkStmt(s.Init)
		}
		c.walkExpr(s.Cond)
		c.walkStmt(s.Body)
		if s.Else != nil {
			c.walkStmt(s.Else)
		}
		c.popScope()
	case *ast.ForStmt:
		c.pushScope()
		if s.Init != nil {
			c.walkStmt(s.Init)
		}
		if s.Cond != nil {
			c.walkExpr(s.Cond)
		}
		if s.Post != nil {
			c.walkStmt(s.Post)
		}
		c.walkStmt(s.Body)
		c.popScope()
	case *ast.RangeStmt:
		c.pushScope()
		c.walkExpr(s.X)
		if s.Tok == token.DEFINE {
			if ident, ok := s.Key.(*ast.Ident); ok {
				c.declare(ident.Name)
			}
			if ident, ok := s.Value.(*ast.Ident); ok {
				c.declare(ident.Name)
			}
		}
		c.walkStmt(s.Body)
		c.popScope()
	case *ast.SwitchStmt:
		c.pushScope()
		if s.Init != nil {
			c.walkStmt(s.Init)
		}
		if s.Tag != nil {
			c.walkExpr(s.Tag)
		}
		c.walkStmt(s.Body)
		c.popScope()
	case *ast.TypeSwitchStmt:
		c.pushScope()
		if s.Init != nil {
			c.walkStmt(s.Init)
		}
		c.walkStmt(s.Assign)
		c.walkStmt(s.Body)
		c.popScope()
	case *ast.CaseClause:
		c.pushScope()
		for _, expr := range s.List {
			c.walkExpr(expr)
		}
		for _, inner := range s.Body {
			c.walkStmt(inner)
		}
		c.popScope()
	case *ast.GoStmt:
		c.walkExpr(s.Call)
	case *ast.DeferStmt:
		c.walkExpr(s.Call)
	case *ast.IncDecStmt:
		c.walkExpr(s.X)
	case *ast.LabeledStmt:
		c.walkStmt(s.Stmt)
	}
}

func (c *semanticChecker) walkExpr(expr ast.Expr) {
	switch e := expr.(type) {
	case *ast.CallExpr:
		c.checkCall(e)
	case *ast.FuncLit:
		c.pushScope()
		c.declareFieldList(e.Type.Params)
		c.declareFieldList(e.Type.Results)
		c.walkStmt(e.Body)
		c.popScope()
	case *ast.CompositeLit:
		for _, elt := range e.Elts {
			c.walkExpr(elt)
		}
	case *ast.KeyValueExpr:
		c.walkExpr(e.Key)
		c.walkExpr(e.Value)
	case *ast.ParenExpr:
		c.walkExpr(e.X)
	case *ast.SelectorExpr:
		c.walkExpr(e.X)
	case *ast.IndexExpr:
		c.walkExpr(e.X)
		c.walkExpr(e.Index)
	case *ast.SliceExpr:
		c.walkExpr(e.X)
		if e.Low != nil {
			c.walkExpr(e.Low)
		}
		if e.High != nil {
			c.walkExpr(e.High)
		}
		if e.Max != nil {
			c.walkExpr(e.Max)
		}
	case *ast.TypeAssertExpr:
		c.walkExpr(e.X)
	case *ast.UnaryExpr:
		c.walkExpr(e.X)
	case *ast.BinaryExpr:
		c.walkExpr(e.X)
		c.walkExpr(e.Y)
	case *ast.StarExpr:
		c.walkExpr(e.X)
	}
}

func (c *semanticChecker) checkCall(call *ast.CallExpr) {
	switch fun := call.Fun.(type) {
	case *ast.Ident:
		kind := classifyCall(fun.Name, c.inScope(fun.Name))
		switch kind {
		case CallUnknown:
			c.violations = append(c.violations, Violation{
				Type:    ViolationUnknownMethod,
				Message: fmt.Sprintf("call to unknown function %q", fun.Name),
			})
		case CallExecuteTool:
			c.checkToolRef(call)
		}
	default:
		c.walkExpr(call.Fun)
	}

	for _, arg := range call.Args {
		c.walkExpr(arg)
	}
}

// checkToolRef records executeTool call sites with a literal tool name.
// The reference only becomes a violation when a bound tool set was
// supplied and the name is missing from it.
func (c *semanticChecker) checkToolRef(call *ast.CallExpr) {
	if len(call.Args) == 0 {
		return
	}
	lit, ok := call.Args[0].(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return
	}
	name, err := strconv.Unquote(lit.Value)
	if err != nil {
		return
	}

	c.toolRefs = append(c.toolRefs, name)
	if !c.haveBound {
		return
	}
	if _, ok := c.bound[name]; !ok {
		c.violations = append(c.violations, Violation{
			Type:    ViolationUnsafeToolReference,
			Message: fmt.Sprintf("tool %q is not bound to this agent", name),
		})
	}
}

func compositeHasKeys(lit *ast.CompositeLit) bool {
	for _, elt := range lit.Elts {
		if _, ok := elt.(*ast.KeyValueExpr); ok {
			return true
		}
	}
	return false
}
