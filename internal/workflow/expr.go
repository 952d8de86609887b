package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Scope resolves variables and condition functions for one evaluation.
// variables.* rebinds per workflow; session.* and event fields are stable.
type Scope interface {
	// Resolve returns the value of a dotted variable name.
	Resolve(name string) (any, bool)
	// Call invokes a registered condition function.
	Call(fn string, args []any) (any, error)
}

// EvalExpr evaluates a boolean guard expression against a scope.
//
// Supported grammar, lowest precedence first: `||`, `&&`, `!` prefix,
// comparisons (`<= >= == != < >`), then atoms: literals (true, false,
// numbers, quoted strings), dotted variables, and function calls like
// user_says("deploy"). Operators inside string literals are not supported.
func EvalExpr(expr string, scope Scope) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty expression")
	}

	if parts := splitTop(expr, "||"); len(parts) > 1 {
		for _, part := range parts {
			ok, err := EvalExpr(part, scope)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	if parts := splitTop(expr, "&&"); len(parts) > 1 {
		for _, part := range parts {
			ok, err := EvalExpr(part, scope)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}

	if strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!=") {
		ok, err := EvalExpr(expr[1:], scope)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	for _, op := range []string{"<=", ">=", "==", "!=", "<", ">"} {
		if idx := indexTop(expr, op); idx >= 0 {
			left, err := resolveValue(strings.TrimSpace(expr[:idx]), scope)
			if err != nil {
				return false, fmt.Errorf("left of %q: %w", op, err)
			}
			right, err := resolveValue(strings.TrimSpace(expr[idx+len(op):]), scope)
			if err != nil {
				return false, fmt.Errorf("right of %q: %w", op, err)
			}
			return compare(left, right, op)
		}
	}

	val, err := resolveValue(expr, scope)
	if err != nil {
		return false, err
	}
	return truthy(val), nil
}

// splitTop splits on sep outside parentheses and quotes.
func splitTop(expr, sep string) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && quote == 0 && strings.HasPrefix(expr[i:], sep) {
			parts = append(parts, strings.TrimSpace(expr[start:i]))
			i += len(sep) - 1
			start = i + 1
		}
	}
	parts = append(parts, strings.TrimSpace(expr[start:]))
	return parts
}

// indexTop finds the first occurrence of op outside parentheses and quotes,
// skipping positions where a longer operator would match (e.g. "<" inside
// "<=" is not a hit because "<=" is tried first by the caller).
func indexTop(expr, op string) int {
	depth := 0
	var quote byte
	for i := 0; i+len(op) <= len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			continue
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}
		if depth != 0 || expr[i:i+len(op)] != op {
			continue
		}
		// "<" and ">" must not match inside "<=", ">=", "!=", "==".
		if len(op) == 1 && i+1 < len(expr) && expr[i+1] == '=' {
			continue
		}
		return i
	}
	return -1
}

func resolveValue(token string, scope Scope) (any, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("empty operand")
	}

	switch token {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	if num, err := strconv.ParseFloat(token, 64); err == nil {
		return num, nil
	}
	if len(token) >= 2 {
		if (token[0] == '\'' && token[len(token)-1] == '\'') ||
			(token[0] == '"' && token[len(token)-1] == '"') {
			return token[1 : len(token)-1], nil
		}
	}

	if name, args, ok := parseCall(token); ok {
		resolved := make([]any, 0, len(args))
		for _, a := range args {
			v, err := resolveValue(a, scope)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, v)
		}
		return scope.Call(name, resolved)
	}

	if v, ok := scope.Resolve(token); ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown variable: %s", token)
}

// parseCall recognizes name(arg, arg) with a dotted function name.
func parseCall(token string) (name string, args []string, ok bool) {
	open := strings.IndexByte(token, '(')
	if open <= 0 || token[len(token)-1] != ')' {
		return "", nil, false
	}
	name = token[:open]
	for _, c := range name {
		if !isIdentChar(c) && c != '.' {
			return "", nil, false
		}
	}
	inner := token[open+1 : len(token)-1]
	if strings.TrimSpace(inner) == "" {
		return name, nil, true
	}
	for _, a := range splitTop(inner, ",") {
		args = append(args, a)
	}
	return name, args, true
}

func isIdentChar(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func compare(left, right any, op string) (bool, error) {
	if left == nil || right == nil {
		switch op {
		case "==":
			return left == nil && right == nil, nil
		case "!=":
			return (left == nil) != (right == nil), nil
		}
		return false, fmt.Errorf("operator %s not supported for null", op)
	}

	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		if !ok {
			return false, fmt.Errorf("type mismatch: bool %s %T", op, right)
		}
		switch op {
		case "==":
			return lb == rb, nil
		case "!=":
			return lb != rb, nil
		}
		return false, fmt.Errorf("operator %s not supported for booleans", op)
	}

	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("type mismatch: string %s %T", op, right)
		}
		switch op {
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		}
		return false, fmt.Errorf("operator %s not supported for strings", op)
	}

	ln, lok := toFloat64(left)
	rn, rok := toFloat64(right)
	if !lok || !rok {
		return false, fmt.Errorf("cannot compare %T %s %T", left, op, right)
	}
	switch op {
	case "<":
		return ln < rn, nil
	case ">":
		return ln > rn, nil
	case "<=":
		return ln <= rn, nil
	case ">=":
		return ln >= rn, nil
	case "==":
		return ln == rn, nil
	case "!=":
		return ln != rn, nil
	}
	return false, fmt.Errorf("unknown operator: %s", op)
}

func toFloat64(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func truthy(val any) bool {
	switch v := val.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return true
}
