package rbac

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// evaluateConditions reports whether every condition on a permission holds
// for the requesting user under the supplied context. A permission with an
// unrecognized condition type or operator never grants access.
func evaluateConditions(conditions []Condition, userID string, pctx *Context) bool {
	for _, cond := range conditions {
		if !evaluateCondition(cond, userID, pctx) {
			return false
		}
	}
	return true
}

func evaluateCondition(cond Condition, userID string, pctx *Context) bool {
	switch cond.Type {
	case ConditionOwn:
		return pctx != nil && pctx.ResourceOwner != "" && pctx.ResourceOwner == userID
	case ConditionTeam:
		return pctx != nil && pctx.TeamID != ""
	case ConditionCustom:
		return evaluateCustom(cond, userID, pctx)
	default:
		return false
	}
}

func evaluateCustom(cond Condition, userID string, pctx *Context) bool {
	if cond.Operator == OperatorExpr {
		return evaluateExpression(cond, userID, pctx)
	}
	if pctx == nil || pctx.Attributes == nil {
		return false
	}
	actual, ok := pctx.Attributes[cond.Field]
	if !ok {
		return false
	}
	switch cond.Operator {
	case OperatorEquals:
		return fmt.Sprint(actual) == fmt.Sprint(cond.Value)
	case OperatorContains:
		switch v := actual.(type) {
		case string:
			return strings.Contains(v, fmt.Sprint(cond.Value))
		case []string:
			want := fmt.Sprint(cond.Value)
			for _, item := range v {
				if item == want {
					return true
				}
			}
			return false
		case []any:
			want := fmt.Sprint(cond.Value)
			for _, item := range v {
				if fmt.Sprint(item) == want {
					return true
				}
			}
			return false
		default:
			return false
		}
	case OperatorIn:
		switch allowed := cond.Value.(type) {
		case []string:
			got := fmt.Sprint(actual)
			for _, item := range allowed {
				if item == got {
					return true
				}
			}
			return false
		case []any:
			got := fmt.Sprint(actual)
			for _, item := range allowed {
				if fmt.Sprint(item) == got {
					return true
				}
			}
			return false
		default:
			return false
		}
	default:
		return false
	}
}

var (
	programMu sync.Mutex
	programs  = map[string]*vm.Program{}
)

// evaluateExpression runs a boolean expr-lang predicate. The expression sees
// the requesting user, the team scope, the resource owner and all caller
// attributes. Compiled programs are cached per expression text.
func evaluateExpression(cond Condition, userID string, pctx *Context) bool {
	source, ok := cond.Value.(string)
	if !ok || strings.TrimSpace(source) == "" {
		return false
	}
	prog, err := compileExpression(source)
	if err != nil {
		return false
	}
	env := map[string]any{
		"user": userID,
	}
	if pctx != nil {
		env["team"] = pctx.TeamID
		env["owner"] = pctx.ResourceOwner
		for k, v := range pctx.Attributes {
			env[k] = v
		}
	}
	result, err := expr.Run(prog, env)
	if err != nil {
		return false
	}
	granted, ok := result.(bool)
	return ok && granted
}

func compileExpression(source string) (*vm.Program, error) {
	programMu.Lock()
	defer programMu.Unlock()
	if prog, ok := programs[source]; ok {
		return prog, nil
	}
	prog, err := expr.Compile(source, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition expression: %w", err)
	}
	programs[source] = prog
	return prog, nil
}
