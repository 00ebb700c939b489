package policy

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/cel-go/cel"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/frame"
)

// Custom evaluates a CEL expression per frame. The expression sees
//
//	partition  int     payload partition, -1 for control frames
//	kind       string  frame kind, e.g. "PAYLOAD"
//	window     uint    absolute window id
//	size       int     encoded frame size
//	targets    int     number of admissible targets
//	backlogs   list    backlog of each target
//
// and returns the target index. A negative or out-of-range result selects
// every target, as does an evaluation error.
type Custom struct {
	expr string
	prog cel.Program
}

// NewCustom compiles expr.
func NewCustom(expr string) (*Custom, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("custom policy needs an expression")
	}
	env, err := cel.NewEnv(
		cel.Variable("partition", cel.IntType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("window", cel.UintType),
		cel.Variable("size", cel.IntType),
		cel.Variable("targets", cel.IntType),
		cel.Variable("backlogs", cel.ListType(cel.IntType)),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "compile %q", expr)
	}
	if !ast.OutputType().IsExactType(cel.IntType) {
		return nil, errors.Newf("custom policy %q must return int, got %s", expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &Custom{expr: expr, prog: prog}, nil
}

func (*Custom) Name() string { return string(KindCustom) }

// Expr is the source expression.
func (p *Custom) Expr() string { return p.expr }

func (p *Custom) Choose(targets []Target, f buffer.Frame) Choice {
	partition := int64(-1)
	if f.Kind == frame.Payload {
		partition = int64(f.Partition())
	}
	backlogs := make([]int64, len(targets))
	for i, t := range targets {
		backlogs[i] = int64(t.Backlog())
	}
	out, _, err := p.prog.Eval(map[string]any{
		"partition": partition,
		"kind":      f.Kind.String(),
		"window":    f.Window,
		"size":      int64(f.Size),
		"targets":   int64(len(targets)),
		"backlogs":  backlogs,
	})
	if err != nil {
		return All
	}
	i, ok := out.Value().(int64)
	if !ok || i < 0 || i >= int64(len(targets)) {
		return All
	}
	return Choice{Index: int(i)}
}
