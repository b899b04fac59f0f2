package rules

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// exprCache caches compiled rule expressions and patterns so a rule is
// compiled once per execution, not once per row.
type exprCache struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
	patterns map[string]*regexp.Regexp
}

func newExprCache() *exprCache {
	return &exprCache{
		programs: make(map[string]*vm.Program),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// run evaluates a boolean expression against the row environment.
func (c *exprCache) run(expression string, env map[string]any) (bool, error) {
	c.mu.Lock()
	program, ok := c.programs[expression]
	c.mu.Unlock()

	if !ok {
		var err error
		program, err = expr.Compile(expression, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return false, fmt.Errorf("compile expression: %w", err)
		}
		c.mu.Lock()
		c.programs[expression] = program
		c.mu.Unlock()
	}

	out, err := vm.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression result is %T, want bool", out)
	}
	return b, nil
}

// matchPattern matches a value against a cached regular expression. The
// pattern was already validated at schema load time.
func (c *exprCache) matchPattern(pattern, value string) bool {
	c.mu.Lock()
	re, ok := c.patterns[pattern]
	if !ok {
		re = regexp.MustCompile(pattern)
		c.patterns[pattern] = re
	}
	c.mu.Unlock()
	return re.MatchString(value)
}
