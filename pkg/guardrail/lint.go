package guardrail

import (
	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// LintIssue is one determinism violation found in a rule condition.
type LintIssue struct {
	Message  string
	Severity string // ERROR
}

// LintResult reports whether a condition is admissible in a rule pack.
type LintResult struct {
	Valid  bool
	Issues []LintIssue
}

// Linter rejects CEL constructs that would make decisions unreproducible.
// A guardrail decision must hash identically on replay, so conditions may
// not read the clock or iterate maps in nondeterministic order.
type Linter struct {
	env *cel.Env
}

func NewLinter() (*Linter, error) {
	// Parse-only env; type checking happens in Conditions.Compile.
	env, err := cel.NewEnv()
	if err != nil {
		return nil, err
	}
	return &Linter{env: env}, nil
}

func (l *Linter) Lint(exprSource string) (*LintResult, error) {
	parsedAST, issues := l.env.Parse(exprSource)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	result := &LintResult{
		Valid:  true,
		Issues: []LintIssue{},
	}

	expr := parsedAST.Expr() //nolint:staticcheck // Deprecated but no alternative for AST traversal yet
	walkExpr(expr, &result.Issues)

	if len(result.Issues) > 0 {
		result.Valid = false
	}

	return result, nil
}

func walkExpr(e *exprpb.Expr, issues *[]LintIssue) {
	if e == nil {
		return
	}

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		// Literals are fine, floats included: speed and duration
		// comparisons need them.

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now", "getFullYear":
			*issues = append(*issues, LintIssue{Message: "clock access (" + call.Function + ") is forbidden in conditions", Severity: "ERROR"})
		case "keys", "values":
			*issues = append(*issues, LintIssue{Message: "map iteration (keys/values) is forbidden due to non-determinism", Severity: "ERROR"})
		}

		if call.Target != nil {
			walkExpr(call.Target, issues)
		}
		for _, arg := range call.Args {
			walkExpr(arg, issues)
		}

	case *exprpb.Expr_SelectExpr:
		walkExpr(k.SelectExpr.Operand, issues)

	case *exprpb.Expr_IdentExpr:
		// No children

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walkExpr(el, issues)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				walkExpr(entry.GetMapKey(), issues)
			}
			walkExpr(entry.Value, issues)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walkExpr(comp.IterRange, issues)
		walkExpr(comp.AccuInit, issues)
		walkExpr(comp.LoopCondition, issues)
		walkExpr(comp.LoopStep, issues)
		walkExpr(comp.Result, issues)
	}
}
