package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

var exchangeType = cel.MapType(cel.StringType, cel.DynType)

// Environment compiles store policies: CEL predicates deciding whether a
// network response is copied into the worker's store.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares request, response and now, plus header(), which
// reads a header from either side of the exchange without regard to case.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", exchangeType),
		cel.Variable("response", exchangeType),
		cel.Variable("now", cel.TimestampType),
		cel.Function("header",
			cel.Overload("header_exchange_string",
				[]*cel.Type{exchangeType, cel.StringType},
				cel.StringType,
				cel.BinaryBinding(headerValue),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Policy is a compiled store policy.
type Policy struct {
	source  string
	program cel.Program
}

// Compile checks that source yields a boolean and prepares it for evaluation.
func (e *Environment) Compile(source string) (Policy, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return Policy{}, fmt.Errorf("expr: store policy is empty")
	}
	ast, issues := e.env.Compile(trimmed)
	if issues != nil && issues.Err() != nil {
		return Policy{}, fmt.Errorf("expr: compile %q: %w", trimmed, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Policy{}, fmt.Errorf("expr: %q must return bool, got %s", trimmed, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Policy{}, fmt.Errorf("expr: program %q: %w", trimmed, err)
	}
	return Policy{source: trimmed, program: program}, nil
}

// Allows evaluates the policy against an activation built by Activation.
func (p Policy) Allows(activation map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: policy not compiled")
	}
	val, _, err := p.program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("expr: %q yielded %s, not bool", p.source, val.Type().TypeName())
}

// String returns the trimmed policy source.
func (p Policy) String() string { return p.source }

// headerValue backs header(exchange, name). Missing headers read as "".
func headerValue(exchange, name ref.Val) ref.Val {
	key, ok := name.(types.String)
	if !ok {
		return types.NewErr("expr: header name must be a string")
	}
	side, ok := exchange.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: header expects request or response")
	}
	raw, found := side.Find(types.String("headers"))
	if !found {
		return types.String("")
	}
	headers, ok := raw.(traits.Mapper)
	if !ok {
		return types.String("")
	}
	value, found := headers.Find(types.String(strings.ToLower(string(key))))
	if !found {
		return types.String("")
	}
	if s, ok := value.(types.String); ok {
		return s
	}
	return types.String("")
}
