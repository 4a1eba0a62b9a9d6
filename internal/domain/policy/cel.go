package policy

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/mcpgate/mcpgate/internal/config"
)

// maxExpressionLength bounds rule expressions read from configuration.
const maxExpressionLength = 1024

// maxEvalCost is the CEL runtime cost limit per evaluation.
const maxEvalCost = 100_000

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked during evaluation.
const interruptCheckFreq = 100

// RuleEngine evaluates locally configured CEL rules. Rules run in order;
// the first whose condition holds determines the outcome. No match denies.
type RuleEngine struct {
	rules []compiledRule
}

type compiledRule struct {
	name    string
	action  string
	program cel.Program
}

// newRuleEnvironment builds the CEL environment rules are compiled in.
func newRuleEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("service", cel.StringType),
		cel.Variable("tool", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("arguments", cel.MapType(cel.StringType, cel.DynType)),

		// glob(pattern, name): shell-style matching for tool names.
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, _ := pattern.Value().(string)
					n, _ := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),
	)
}

// NewRuleEngine compiles the configured rules. A rule that fails to compile
// is a configuration error reported at startup, not at call time.
func NewRuleEngine(rules []config.RuleConfig) (*RuleEngine, error) {
	env, err := newRuleEnvironment()
	if err != nil {
		return nil, fmt.Errorf("policy: failed to create rule environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if len(rule.Condition) > maxExpressionLength {
			return nil, fmt.Errorf("policy: rule %q: expression too long (%d characters, max %d)",
				rule.Name, len(rule.Condition), maxExpressionLength)
		}

		ast, issues := env.Compile(rule.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", rule.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("policy: rule %q: condition must evaluate to bool, got %s",
				rule.Name, ast.OutputType())
		}

		prg, err := env.Program(ast,
			cel.EvalOptions(cel.OptOptimize),
			cel.CostLimit(maxEvalCost),
			cel.InterruptCheckFrequency(interruptCheckFreq),
		)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", rule.Name, err)
		}

		compiled = append(compiled, compiledRule{
			name:    rule.Name,
			action:  rule.Action,
			program: prg,
		})
	}

	return &RuleEngine{rules: compiled}, nil
}

// Authorize evaluates the rules in order and returns the first match's
// verdict. When nothing matches, the call is denied.
func (e *RuleEngine) Authorize(ctx context.Context, in Input) (Decision, error) {
	activation := map[string]interface{}{
		"service":   in.Service,
		"tool":      in.Tool,
		"user_id":   in.UserID,
		"tenant_id": in.TenantID,
		"arguments": argumentsOrEmpty(in.Arguments),
	}

	for _, rule := range e.rules {
		result, _, err := rule.program.ContextEval(ctx, activation)
		if err != nil {
			return Decision{}, fmt.Errorf("policy: rule %q: evaluation failed: %w", rule.name, err)
		}
		matched, ok := result.Value().(bool)
		if !ok {
			return Decision{}, fmt.Errorf("policy: rule %q: condition returned %T, want bool",
				rule.name, result.Value())
		}
		if !matched {
			continue
		}
		if rule.action == "allow" {
			return Decision{Allowed: true}, nil
		}
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("Denied by policy rule %q", rule.name),
		}, nil
	}

	return Decision{Allowed: false, Reason: "No policy rule matched"}, nil
}

func argumentsOrEmpty(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}
