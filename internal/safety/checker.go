// Package safety validates generated task code against a Mangle policy
// before it can be proposed or deployed. The checker extracts structural
// facts from the Go AST, seeds allowlist facts from SafetyConfig, and
// treats every derived violation as blocking.
package safety

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"sort"
	"strings"
	"time"

	"tasksmith/internal/config"
	"tasksmith/internal/mangle"
	"tasksmith/internal/validate"
)

//go:embed policy.mg
var taskSafetyPolicy string

// Checker validates generated task code using the embedded Mangle policy.
type Checker struct {
	config           config.SafetyConfig
	policy           string
	allowedPkgs      []string
	allowedSelectors []string
}

// Report contains the results of a safety check.
type Report struct {
	Safe           bool
	Violations     []Violation
	ImportsChecked int
	CallsChecked   int
	Score          float64 // 0.0 = unsafe, 1.0 = perfectly safe
}

// Violation describes a single safety issue.
type Violation struct {
	Kind        Kind
	Location    string // file:line or logical identifier
	Description string
}

// Kind categorizes violations.
type Kind int

const (
	KindParseError Kind = iota
	KindForbiddenImport
	KindDangerousCall
	KindRestrictedPackage
	KindGoroutine
	KindPolicy
)

func (k Kind) String() string {
	switch k {
	case KindParseError:
		return "parse_error"
	case KindForbiddenImport:
		return "forbidden_import"
	case KindDangerousCall:
		return "dangerous_call"
	case KindRestrictedPackage:
		return "restricted_package"
	case KindGoroutine:
		return "goroutine"
	case KindPolicy:
		return "policy_violation"
	default:
		return "unknown"
	}
}

// NewChecker creates a safety checker backed by the embedded Mangle policy.
func NewChecker(cfg config.SafetyConfig) *Checker {
	checker := &Checker{
		config: cfg,
		policy: taskSafetyPolicy,
	}
	checker.allowedPkgs = checker.buildAllowedPackages()
	checker.allowedSelectors = checker.buildAllowedSelectors()
	return checker
}

// ExtractASTFacts parses task source and emits structural facts for the
// safety policy.
func ExtractASTFacts(sourceCode string) ([]mangle.Fact, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "task.go", sourceCode, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	emitter := &astFactEmitter{
		fset:     fset,
		fileName: fset.File(file.Pos()).Name(),
	}
	emitter.emitImports(file)
	ast.Walk(&astFactVisitor{emitter: emitter}, file)

	return emitter.facts, nil
}

// Check evaluates the code against the Mangle policy.
func (sc *Checker) Check(code string) *Report {
	report := &Report{
		Safe:       true,
		Violations: []Violation{},
		Score:      1.0,
	}

	facts, err := ExtractASTFacts(code)
	if err != nil {
		return sc.fail(report, KindParseError, "", fmt.Sprintf("failed to parse code: %v", err))
	}

	index := buildFactIndex(facts)
	report.ImportsChecked = len(index.imports)
	report.CallsChecked = index.callCount

	// Seed allowlist facts from config.
	for _, pkg := range sc.allowedPkgs {
		facts = append(facts, mangle.Fact{
			Predicate: "allowed_package",
			Args:      []interface{}{pkg},
		})
	}
	for _, pkg := range sc.allowedSelectors {
		facts = append(facts, mangle.Fact{
			Predicate: "allowed_selector_pkg",
			Args:      []interface{}{pkg},
		})
	}

	engine, err := sc.newEngine()
	if err != nil {
		return sc.fail(report, KindPolicy, "", fmt.Sprintf("failed to init safety engine: %v", err))
	}

	if err := engine.AddFacts(facts); err != nil {
		return sc.fail(report, KindPolicy, "", fmt.Sprintf("failed to add facts: %v", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := engine.Query(ctx, "?violation(V)")
	if err != nil {
		return sc.fail(report, KindPolicy, "", fmt.Sprintf("safety policy query failed: %v", err))
	}

	if len(result.Bindings) == 0 {
		return report
	}

	report.Safe = false
	report.Score = 0.0
	for _, binding := range result.Bindings {
		report.Violations = append(report.Violations, describeViolation(binding["V"], index))
	}

	return report
}

// Validate implements validate.SafetyValidator. Parse failures map to
// syntax errors; everything else surfaces as a validation error.
func (sc *Checker) Validate(code string) []validate.Violation {
	report := sc.Check(code)
	if report.Safe {
		return nil
	}

	out := make([]validate.Violation, 0, len(report.Violations))
	for _, v := range report.Violations {
		vType := validate.ViolationValidationError
		if v.Kind == KindParseError {
			vType = validate.ViolationSyntaxError
		}
		out = append(out, validate.Violation{Type: vType, Message: v.Description})
	}
	return out
}

func (sc *Checker) fail(report *Report, kind Kind, location, msg string) *Report {
	report.Safe = false
	report.Score = 0.0
	report.Violations = append(report.Violations, Violation{
		Kind:        kind,
		Location:    location,
		Description: msg,
	})
	return report
}

func (sc *Checker) newEngine() (*mangle.Engine, error) {
	cfg := mangle.DefaultConfig()
	cfg.FactLimit = 20000
	cfg.AutoEval = true
	cfg.QueryTimeout = 5

	engine, err := mangle.NewEngine(cfg)
	if err != nil {
		return nil, err
	}

	if err := engine.LoadSchemaString(sc.policy); err != nil {
		return nil, err
	}

	return engine, nil
}

func (sc *Checker) buildAllowedPackages() []string {
	base := []string{
		"bytes",
		"encoding/json",
		"errors",
		"fmt",
		"math",
		"regexp",
		"sort",
		"strconv",
		"strings",
		"time",
		"unicode",
	}

	if sc.config.AllowFileSystem {
		base = append(base, "os", "io", "io/ioutil", "path", "path/filepath")
	}
	if sc.config.AllowNetworking {
		base = append(base, "net", "net/http", "net/url")
	}
	if sc.config.AllowExec {
		base = append(base, "os/exec")
	}

	return sortedUnique(base)
}

func (sc *Checker) buildAllowedSelectors() []string {
	var pkgs []string

	if sc.config.AllowFileSystem {
		pkgs = append(pkgs, "os", "ioutil")
	}
	if sc.config.AllowNetworking {
		pkgs = append(pkgs, "net", "http")
	}
	if sc.config.AllowExec {
		pkgs = append(pkgs, "exec")
	}

	return sortedUnique(pkgs)
}

func sortedUnique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

type factIndex struct {
	imports      map[string]struct{}
	bareCallees  map[string]struct{}
	selectorPkgs map[string]struct{}
	goroutines   map[string]string // target expression -> line
	callCount    int
}

func buildFactIndex(facts []mangle.Fact) factIndex {
	idx := factIndex{
		imports:      make(map[string]struct{}),
		bareCallees:  make(map[string]struct{}),
		selectorPkgs: make(map[string]struct{}),
		goroutines:   make(map[string]string),
	}

	for _, fact := range facts {
		switch fact.Predicate {
		case "ast_import":
			if len(fact.Args) > 1 {
				if pkg, ok := fact.Args[1].(string); ok {
					idx.imports[pkg] = struct{}{}
				}
			}
		case "ast_call":
			idx.callCount++
			if len(fact.Args) > 1 {
				if callee, ok := fact.Args[1].(string); ok && !strings.Contains(callee, ".") {
					idx.bareCallees[callee] = struct{}{}
				}
			}
		case "ast_selector_call":
			if len(fact.Args) > 0 {
				if pkg, ok := fact.Args[0].(string); ok {
					idx.selectorPkgs[pkg] = struct{}{}
				}
			}
		case "ast_goroutine":
			if len(fact.Args) > 1 {
				target, _ := fact.Args[0].(string)
				line, _ := fact.Args[1].(string)
				idx.goroutines[target] = line
			}
		}
	}
	return idx
}

func describeViolation(value interface{}, idx factIndex) Violation {
	v, ok := value.(string)
	if !ok {
		return Violation{
			Kind:        KindPolicy,
			Description: fmt.Sprintf("policy violation: %v", value),
		}
	}

	if _, found := idx.imports[v]; found {
		return Violation{
			Kind:        KindForbiddenImport,
			Description: fmt.Sprintf("import %q is not on the allowlist", v),
		}
	}
	if line, found := idx.goroutines[v]; found {
		return Violation{
			Kind:        KindGoroutine,
			Location:    fmt.Sprintf("line:%s", line),
			Description: "task code must not spawn goroutines",
		}
	}
	if _, found := idx.bareCallees[v]; found {
		if v == "panic" {
			return Violation{
				Kind:        KindDangerousCall,
				Location:    v,
				Description: "panic is not permitted in task code; return an error value instead",
			}
		}
		return Violation{
			Kind:        KindDangerousCall,
			Location:    v,
			Description: fmt.Sprintf("call to %q is not permitted in task code", v),
		}
	}
	if _, found := idx.selectorPkgs[v]; found {
		return Violation{
			Kind:        KindRestrictedPackage,
			Location:    v,
			Description: fmt.Sprintf("package %q is restricted without the matching safety toggle", v),
		}
	}

	return Violation{
		Kind:        KindPolicy,
		Description: fmt.Sprintf("policy violation: %v", v),
	}
}

// astFactEmitter walks an AST and emits facts for the safety policy.
type astFactEmitter struct {
	fset       *token.FileSet
	fileName   string
	currentFcn string
	facts      []mangle.Fact
}

func (e *astFactEmitter) emitImports(file *ast.File) {
	for _, imp := range file.Imports {
		importPath := strings.Trim(imp.Path.Value, `"`)
		e.facts = append(e.facts, mangle.Fact{
			Predicate: "ast_import",
			Args:      []interface{}{e.fileName, importPath},
		})
	}
}

func (e *astFactEmitter) emitCall(call *ast.CallExpr) {
	callee := e.exprToString(call.Fun)
	e.facts = append(e.facts, mangle.Fact{
		Predicate: "ast_call",
		Args:      []interface{}{e.currentFcn, callee},
	})

	if sel, ok := call.Fun.(*ast.SelectorExpr); ok {
		if ident, ok := sel.X.(*ast.Ident); ok {
			e.facts = append(e.facts, mangle.Fact{
				Predicate: "ast_selector_call",
				Args:      []interface{}{ident.Name, sel.Sel.Name},
			})
		}
	}
}

func (e *astFactEmitter) emitGoroutine(stmt *ast.GoStmt) {
	line := fmt.Sprintf("%d", e.fset.Position(stmt.Go).Line)
	target := e.exprToString(stmt.Call.Fun)
	e.facts = append(e.facts, mangle.Fact{
		Predicate: "ast_goroutine",
		Args:      []interface{}{target, line},
	})
}

func (e *astFactEmitter) exprToString(expr ast.Expr) string {
	var buf bytes.Buffer
	_ = printer.Fprint(&buf, e.fset, expr)
	return buf.String()
}

type astFactVisitor struct {
	emitter *astFactEmitter
}

func (v *astFactVisitor) Visit(node ast.Node) ast.Visitor {
	if node == nil {
		return nil
	}

	switch n := node.(type) {
	case *ast.FuncDecl:
		prev := v.emitter.currentFcn
		v.emitter.currentFcn = n.Name.Name
		if n.Body != nil {
			ast.Walk(v, n.Body)
		}
		v.emitter.currentFcn = prev
		return nil
	case *ast.FuncLit:
		prev := v.emitter.currentFcn
		v.emitter.currentFcn = v.funcLiteralLabel(n)
		if n.Body != nil {
			ast.Walk(v, n.Body)
		}
		v.emitter.currentFcn = prev
		return nil
	case *ast.CallExpr:
		v.emitter.emitCall(n)
	case *ast.GoStmt:
		v.emitter.emitGoroutine(n)
	}

	return v
}

func (v *astFactVisitor) funcLiteralLabel(lit *ast.FuncLit) string {
	pos := v.emitter.fset.Position(lit.Pos())
	return fmt.Sprintf("func_literal_%d", pos.Line)
}
