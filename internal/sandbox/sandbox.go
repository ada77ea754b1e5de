// Package sandbox evaluates generated task code with the Yaegi
// interpreter instead of the Go toolchain. CompileCheck confirms that a
// task file binds against the pre-bound helper surface; RunTask executes
// run with injected helper implementations and exists for tests. Neither
// is a security boundary; the safety checker owns that.
package sandbox

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"tasksmith/internal/logging"
)

const defaultEvalTimeout = 5 * time.Second

// compileStubs satisfy the helper surface during a compile check. The
// stubs never run; they only have to type-check against the call sites.
const compileStubs = `var (
	executeTool     = func(name string, args map[string]any) map[string]any { return map[string]any{} }
	executeTask     = func(name string, args map[string]any) map[string]any { return map[string]any{} }
	executeLLM      = func(prompt string, args map[string]any) map[string]any { return map[string]any{} }
	executeParallel = func(calls []map[string]any) []map[string]any { return nil }
	logger          = func(args ...any) {}
)
`

// hookPrelude binds the helper surface to the exported hook symbols.
const hookPrelude = `var (
	executeTool     = smithhooks.ExecuteTool
	executeTask     = smithhooks.ExecuteTask
	executeLLM      = smithhooks.ExecuteLLM
	executeParallel = smithhooks.ExecuteParallel
	logger          = smithhooks.Logger
)
`

// runBridge re-exports the unexported entrypoint so the interpreter can
// resolve it by name. It also pins run to the expected signature.
const runBridge = `func Run(inputs map[string]any) map[string]any { return run(inputs) }
`

// Hooks supplies helper implementations for RunTask. Nil fields fall
// back to no-ops that return empty results.
type Hooks struct {
	ExecuteTool     func(name string, args map[string]any) map[string]any
	ExecuteTask     func(name string, args map[string]any) map[string]any
	ExecuteLLM      func(prompt string, args map[string]any) map[string]any
	ExecuteParallel func(calls []map[string]any) []map[string]any
	Logger          func(args ...any)
}

func (h Hooks) withDefaults() Hooks {
	emptyResult := func(string, map[string]any) map[string]any { return map[string]any{} }
	if h.ExecuteTool == nil {
		h.ExecuteTool = emptyResult
	}
	if h.ExecuteTask == nil {
		h.ExecuteTask = emptyResult
	}
	if h.ExecuteLLM == nil {
		h.ExecuteLLM = emptyResult
	}
	if h.ExecuteParallel == nil {
		h.ExecuteParallel = func([]map[string]any) []map[string]any { return nil }
	}
	if h.Logger == nil {
		h.Logger = func(...any) {}
	}
	return h
}

// CompileCheck evaluates the code with stubbed helpers and resolves the
// run entrypoint. It returns nil when the snippet would bind.
func CompileCheck(ctx context.Context, code string) error {
	src, err := assemble(code, compileStubs, nil)
	if err != nil {
		return err
	}

	if _, err := resolveRun(ctx, nil, src); err != nil {
		logging.SandboxDebug("compile check failed: %v", err)
		return err
	}
	return nil
}

// RunTask executes the task's run function against the hook
// implementations. Interpreted panics surface as errors.
func RunTask(ctx context.Context, code string, inputs map[string]any, hooks Hooks) (map[string]any, error) {
	hooks = hooks.withDefaults()

	src, err := assemble(code, hookPrelude, []string{"smithhooks"})
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultEvalTimeout)
		defer cancel()
	}

	build := func(i *interp.Interpreter) error {
		return i.Use(interp.Exports{
			"smithhooks/smithhooks": {
				"ExecuteTool":     reflect.ValueOf(hooks.ExecuteTool),
				"ExecuteTask":     reflect.ValueOf(hooks.ExecuteTask),
				"ExecuteLLM":      reflect.ValueOf(hooks.ExecuteLLM),
				"ExecuteParallel": reflect.ValueOf(hooks.ExecuteParallel),
				"Logger":          reflect.ValueOf(hooks.Logger),
			},
		})
	}

	fn, err := resolveRun(ctx, build, src)
	if err != nil {
		return nil, err
	}

	resultChan := make(chan map[string]any, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		resultChan <- fn(inputs)
	}()

	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("task execution timed out: %w", ctx.Err())
	}
}

// resolveRun evaluates the assembled source and returns the bridged
// entrypoint. The default timeout applies when the caller set none.
func resolveRun(ctx context.Context, build func(*interp.Interpreter) error, src string) (func(map[string]any) map[string]any, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultEvalTimeout)
		defer cancel()
	}

	type outcome struct {
		fn  func(map[string]any) map[string]any
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		i := interp.New(interp.Options{})
		if err := i.Use(stdlib.Symbols); err != nil {
			done <- outcome{err: fmt.Errorf("failed to load stdlib: %w", err)}
			return
		}
		if build != nil {
			if err := build(i); err != nil {
				done <- outcome{err: fmt.Errorf("failed to load hooks: %w", err)}
				return
			}
		}

		if _, err := i.Eval(src); err != nil {
			done <- outcome{err: fmt.Errorf("code evaluation failed: %w", err)}
			return
		}

		v, err := i.Eval("task.Run")
		if err != nil {
			done <- outcome{err: fmt.Errorf("run entrypoint not found: %w", err)}
			return
		}
		fn, ok := v.Interface().(func(map[string]any) map[string]any)
		if !ok {
			done <- outcome{err: fmt.Errorf("run has incorrect signature (expected func(map[string]any) map[string]any)")}
			return
		}
		done <- outcome{fn: fn}
	}()

	select {
	case out := <-done:
		return out.fn, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("sandbox evaluation timed out: %w", ctx.Err())
	}
}

// assemble rebuilds the task file with the prelude spliced in after the
// imports. Imports must precede all other declarations, so the original
// import blocks are hoisted above the injected helper bindings.
func assemble(code, prelude string, extraImports []string) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "task.go", code, 0)
	if err != nil {
		return "", fmt.Errorf("code does not parse: %w", err)
	}
	if file.Name == nil || file.Name.Name != "task" {
		return "", fmt.Errorf("generated code must declare package task")
	}

	var b strings.Builder
	b.WriteString("package task\n\n")

	for _, decl := range file.Decls {
		if gd, ok := decl.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
			if err := printer.Fprint(&b, fset, gd); err != nil {
				return "", fmt.Errorf("failed to render imports: %w", err)
			}
			b.WriteString("\n")
		}
	}
	for _, path := range extraImports {
		fmt.Fprintf(&b, "import %q\n", path)
	}
	b.WriteString("\n")

	b.WriteString(prelude)
	b.WriteString("\n")

	for _, decl := range file.Decls {
		if gd, ok := decl.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
			continue
		}
		if err := printer.Fprint(&b, fset, decl); err != nil {
			return "", fmt.Errorf("failed to render declaration: %w", err)
		}
		b.WriteString("\n\n")
	}

	b.WriteString(runBridge)
	return b.String(), nil
}
