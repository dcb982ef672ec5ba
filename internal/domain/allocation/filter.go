package allocation

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
)

// EligibilityFilter evaluates an optional CEL expression against each
// balance record before allocation. Records the expression rejects are
// skipped. An empty expression admits everything.
//
// Available variables: bin, batch, serial (strings), unrestricted, reserved,
// blocked (doubles), has_expiry (bool).
type EligibilityFilter struct {
	prg cel.Program
}

// CompileFilter compiles a CEL eligibility expression. Returns nil for an
// empty expression.
func CompileFilter(expr string) (*EligibilityFilter, error) {
	if expr == "" {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("bin", cel.StringType),
		cel.Variable("batch", cel.StringType),
		cel.Variable("serial", cel.StringType),
		cel.Variable("unrestricted", cel.DoubleType),
		cel.Variable("reserved", cel.DoubleType),
		cel.Variable("blocked", cel.DoubleType),
		cel.Variable("has_expiry", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("create filter env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, apperror.NewValidation("invalid allocation filter expression").
			WithDetail("expression", expr).
			WithCause(issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, apperror.NewValidation("allocation filter must evaluate to bool").
			WithDetail("expression", expr)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build filter program: %w", err)
	}

	return &EligibilityFilter{prg: prg}, nil
}

// Eligible reports whether the record passes the filter.
func (f *EligibilityFilter) Eligible(rec *entity.BalanceRecord) (bool, error) {
	if f == nil {
		return true, nil
	}

	out, _, err := f.prg.Eval(map[string]any{
		"bin":          rec.LocationID.String(),
		"batch":        rec.BatchID,
		"serial":       rec.SerialNumber,
		"unrestricted": rec.Unrestricted.Float64(),
		"reserved":     rec.Reserved.Float64(),
		"blocked":      rec.Blocked.Float64(),
		"has_expiry":   rec.BatchExpiry != nil,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate filter: %w", err)
	}

	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("filter returned %T, want bool", out.Value())
	}
	return ok, nil
}
