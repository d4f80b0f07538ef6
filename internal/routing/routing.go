// Package routing maps inbound message content to one or more destinations
// using configured rules. Conditions are compiled once at configuration
// time; a configuration is immutable afterwards and replaced wholesale.
package routing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Strategy selects how matching rules translate into destinations.
type Strategy string

const (
	StrategyFirstMatch  Strategy = "first-match"
	StrategyAllMatching Strategy = "all-matching"
	StrategyPriority    Strategy = "priority"
)

// ErrInvalidConfiguration is the sentinel for configuration-time failures:
// unknown strategies, uncompilable conditions, empty destinations.
var ErrInvalidConfiguration = errors.New("invalid routing configuration")

// Rule is a single destination candidate. An empty Condition always
// matches, which is how unconditional default rules are expressed.
type Rule struct {
	Name        string         `json:"name"`
	Destination string         `json:"destination"`
	Condition   string         `json:"condition,omitempty"`
	Priority    int            `json:"priority"`
	Config      map[string]any `json:"config,omitempty"`
	Description string         `json:"description,omitempty"`
}

type compiledRule struct {
	Rule
	program *vm.Program // nil when Condition is empty
}

// Configuration is a publisher's complete routing strategy.
type Configuration struct {
	rules    []compiledRule
	strategy Strategy
	fallback *compiledRule
}

// NewConfiguration compiles and validates a routing configuration.
// Rule order is preserved; it matters for first-match and for priority
// ties. Bad strategies and uncompilable conditions fail here, at
// configuration time, never during delivery.
func NewConfiguration(rules []Rule, strategy Strategy, fallback *Rule) (*Configuration, error) {
	switch strategy {
	case StrategyFirstMatch, StrategyAllMatching, StrategyPriority:
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfiguration, strategy)
	}

	cfg := &Configuration{strategy: strategy}
	for _, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		cfg.rules = append(cfg.rules, cr)
	}
	if fallback != nil {
		cr, err := compileRule(*fallback)
		if err != nil {
			return nil, err
		}
		cfg.fallback = &cr
	}
	return cfg, nil
}

func compileRule(r Rule) (compiledRule, error) {
	if r.Destination == "" {
		return compiledRule{}, fmt.Errorf("%w: rule %q has no destination", ErrInvalidConfiguration, r.Name)
	}
	cr := compiledRule{Rule: r}
	if r.Condition != "" {
		program, err := expr.Compile(r.Condition)
		if err != nil {
			return compiledRule{}, fmt.Errorf("%w: rule %q condition: %v", ErrInvalidConfiguration, r.Name, err)
		}
		cr.program = program
	}
	return cr, nil
}

// Strategy returns the configured strategy.
func (c *Configuration) Strategy() Strategy { return c.strategy }

// Resolve evaluates the configuration against a message and returns the
// ordered destination list. An empty result means no rule and no fallback
// matched; the caller decides whether that is an error.
func (c *Configuration) Resolve(message map[string]any) []string {
	var destinations []string

	switch c.strategy {
	case StrategyFirstMatch:
		for _, r := range c.rules {
			if r.matches(message) {
				destinations = append(destinations, r.Destination)
				break
			}
		}
	case StrategyAllMatching:
		for _, r := range c.rules {
			if r.matches(message) {
				destinations = append(destinations, r.Destination)
			}
		}
	case StrategyPriority:
		ordered := make([]compiledRule, len(c.rules))
		copy(ordered, c.rules)
		// Stable sort keeps configured order for equal priorities.
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Priority > ordered[j].Priority
		})
		for _, r := range ordered {
			if r.matches(message) {
				destinations = append(destinations, r.Destination)
				break
			}
		}
	}

	if len(destinations) == 0 && c.fallback != nil {
		destinations = append(destinations, c.fallback.Destination)
	}
	return destinations
}

// matches evaluates the compiled condition against the message. A missing
// path or a value that cannot be coerced to a boolean is false, never a
// panic or an error surfaced to the caller.
func (r *compiledRule) matches(message map[string]any) bool {
	if r.program == nil {
		return true
	}
	env := message
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(r.program, env)
	if err != nil {
		return false
	}
	return truthy(out)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return false
	}
}
