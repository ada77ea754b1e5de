// Package pattern turns a consistent tool-call history into generated
// task code. Detection gates on the analysis thresholds; generation
// builds the replacement implementation as a go/ast tree so the output
// is always well formed, never templated text.
package pattern

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/printer"
	"go/token"
	"sort"
	"strconv"
	"strings"

	"tasksmith/internal/agent"
)

// sequenceSeparator joins tool names in a detected pattern.
const sequenceSeparator = " → "

// GenerateChainCode renders a symbolic implementation for a tool
// sequence. The first tool receives the task's raw inputs, each later
// tool receives the previous tool's result, and the final result is
// mapped onto the task's declared output keys. The per-key extraction
// for multi-output tasks is best effort: a key missing from the final
// result falls back to the whole result.
func GenerateChainCode(task *agent.TaskDefinition, pattern string) (string, error) {
	tools := splitPattern(pattern)
	if len(tools) == 0 {
		return "", fmt.Errorf("pattern %q contains no tool names", pattern)
	}

	body := chainStmts(tools)
	body = append(body, outputStmts(outputKeys(task))...)

	file := &ast.File{
		Name: ast.NewIdent("task"),
		Decls: []ast.Decl{&ast.FuncDecl{
			Name: ast.NewIdent("run"),
			Type: &ast.FuncType{
				Params: &ast.FieldList{List: []*ast.Field{{
					Names: []*ast.Ident{ast.NewIdent("inputs")},
					Type:  mapStringAny(),
				}}},
				Results: &ast.FieldList{List: []*ast.Field{{Type: mapStringAny()}}},
			},
			Body: &ast.BlockStmt{List: body},
		}},
	}

	var buf bytes.Buffer
	if err := printer.Fprint(&buf, token.NewFileSet(), file); err != nil {
		return "", fmt.Errorf("failed to render generated code: %w", err)
	}
	formatted, err := format.Source(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("generated code does not format: %w", err)
	}
	return string(formatted), nil
}

// ExtractRunBody returns the statements inside the run function of a
// generated task file, dedented one level. Proposals show this body as
// the diffable replacement code while the full file stays available for
// deployment. Input that does not parse as a file with a run function
// comes back unchanged.
func ExtractRunBody(code string) string {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "task.go", code, 0)
	if err != nil {
		return code
	}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Name.Name != "run" || fn.Body == nil {
			continue
		}
		start := fset.Position(fn.Body.Lbrace).Offset + 1
		end := fset.Position(fn.Body.Rbrace).Offset
		if start >= end || end > len(code) {
			return code
		}
		lines := strings.Split(strings.Trim(code[start:end], "\n"), "\n")
		for i, line := range lines {
			lines[i] = strings.TrimPrefix(line, "\t")
		}
		return strings.Join(lines, "\n")
	}
	return code
}

func splitPattern(pattern string) []string {
	var tools []string
	for _, part := range strings.Split(pattern, sequenceSeparator) {
		if part = strings.TrimSpace(part); part != "" {
			tools = append(tools, part)
		}
	}
	return tools
}

func outputKeys(task *agent.TaskDefinition) []string {
	if task == nil {
		return nil
	}
	keys := make([]string, 0, len(task.Outputs))
	for k := range task.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// chainStmts emits one assignment per tool. Intermediates are named
// step1Result, step2Result, ... and the last is always finalResult; a
// single-tool pattern assigns finalResult directly.
func chainStmts(tools []string) []ast.Stmt {
	stmts := make([]ast.Stmt, 0, len(tools))
	prev := "inputs"
	for i, tool := range tools {
		name := "finalResult"
		if i < len(tools)-1 {
			name = fmt.Sprintf("step%dResult", i+1)
		}
		stmts = append(stmts, define(name, &ast.CallExpr{
			Fun:  ast.NewIdent("executeTool"),
			Args: []ast.Expr{stringLit(tool), ast.NewIdent(prev)},
		}))
		prev = name
	}
	return stmts
}

// outputStmts maps finalResult onto the declared output keys. Zero keys
// and a single key each wrap the whole result; multiple keys extract
// per key with a whole-result fallback.
func outputStmts(keys []string) []ast.Stmt {
	switch len(keys) {
	case 0:
		return []ast.Stmt{returnWrapped("result")}
	case 1:
		return []ast.Stmt{returnWrapped(keys[0])}
	}

	stmts := []ast.Stmt{define("out", &ast.CompositeLit{Type: mapStringAny()})}
	for _, key := range keys {
		stmts = append(stmts, &ast.IfStmt{
			Init: &ast.AssignStmt{
				Lhs: []ast.Expr{ast.NewIdent("v"), ast.NewIdent("ok")},
				Tok: token.DEFINE,
				Rhs: []ast.Expr{&ast.IndexExpr{X: ast.NewIdent("finalResult"), Index: stringLit(key)}},
			},
			Cond: ast.NewIdent("ok"),
			Body: &ast.BlockStmt{List: []ast.Stmt{assignIndex("out", key, ast.NewIdent("v"))}},
			Else: &ast.BlockStmt{List: []ast.Stmt{assignIndex("out", key, ast.NewIdent("finalResult"))}},
		})
	}
	return append(stmts, &ast.ReturnStmt{Results: []ast.Expr{ast.NewIdent("out")}})
}

func returnWrapped(key string) ast.Stmt {
	return &ast.ReturnStmt{Results: []ast.Expr{&ast.CompositeLit{
		Type: mapStringAny(),
		Elts: []ast.Expr{&ast.KeyValueExpr{Key: stringLit(key), Value: ast.NewIdent("finalResult")}},
	}}}
}

func define(name string, rhs ast.Expr) ast.Stmt {
	return &ast.AssignStmt{
		Lhs: []ast.Expr{ast.NewIdent(name)},
		Tok: token.DEFINE,
		Rhs: []ast.Expr{rhs},
	}
}

func assignIndex(target, key string, rhs ast.Expr) ast.Stmt {
	return &ast.AssignStmt{
		Lhs: []ast.Expr{&ast.IndexExpr{X: ast.NewIdent(target), Index: stringLit(key)}},
		Tok: token.ASSIGN,
		Rhs: []ast.Expr{rhs},
	}
}

func stringLit(s string) ast.Expr {
	return &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(s)}
}

func mapStringAny() ast.Expr {
	return &ast.MapType{Key: ast.NewIdent("string"), Value: ast.NewIdent("any")}
}
