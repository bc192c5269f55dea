// Package throttle bounds inbound load per (source system, service) scope.
package throttle

import (
	"fmt"
	"strings"
	"sync"
	"time"

	hub "github.com/goliatone/go-hub"
)

// Wildcard matches any source system or service.
const Wildcard = "*"

// Scope is a (source system, service) pair. Either side may be Wildcard in a
// configured rule; request scopes are always concrete.
type Scope struct {
	Source  hub.SourceSystem
	Service hub.ServiceName
}

// NewScope builds a scope, mapping empty values to Wildcard.
func NewScope(source, service string) Scope {
	source, service = strings.TrimSpace(source), strings.TrimSpace(service)
	if source == "" {
		source = Wildcard
	}
	if service == "" {
		service = Wildcard
	}
	return Scope{Source: hub.SourceSystem(source), Service: hub.ServiceName(service)}
}

// Key is the counter key for the scope.
func (s Scope) Key() string {
	return string(s.Source) + ":" + string(s.Service)
}

func (s Scope) String() string { return s.Key() }

// Match scores how specifically rule s applies to req. An exact source counts
// 2, an exact service counts 1, wildcards count 0. It returns -1 when s does
// not apply.
func (s Scope) Match(req Scope) int {
	score := 0
	switch {
	case string(s.Source) == Wildcard:
	case s.Source == req.Source:
		score += 2
	default:
		return -1
	}
	switch {
	case string(s.Service) == Wildcard:
	case s.Service == req.Service:
		score++
	default:
		return -1
	}
	return score
}

// Props is a limit of Limit requests per trailing Interval.
type Props struct {
	Interval time.Duration
	Limit    int
}

// NewProps builds props from an interval in seconds.
func NewProps(intervalSec, limit int) Props {
	return Props{Interval: time.Duration(intervalSec) * time.Second, Limit: limit}
}

// Validate rejects non-positive intervals and negative limits.
func (p Props) Validate() error {
	if p.Interval <= 0 {
		return hub.NewError(hub.ErrValidation, fmt.Sprintf("throttle interval must be positive, got %s", p.Interval), nil, nil)
	}
	if p.Limit < 0 {
		return hub.NewError(hub.ErrValidation, fmt.Sprintf("throttle limit must not be negative, got %d", p.Limit), nil, nil)
	}
	return nil
}

// Rule binds props to a scope pattern.
type Rule struct {
	Scope Scope
	Props Props
}

// Config holds throttle rules in registration order.
type Config struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewConfig validates and registers rules in order.
func NewConfig(rules ...Rule) (*Config, error) {
	c := &Config{}
	for _, r := range rules {
		if err := c.Add(r); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add appends a rule. Earlier rules win ties.
func (c *Config) Add(rule Rule) error {
	if err := rule.Props.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule)
	return nil
}

// Resolve returns the most specific props for req.
func (c *Config) Resolve(req Scope) (Props, bool) {
	if c == nil {
		return Props{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	best, bestScore := -1, -1
	for i, r := range c.rules {
		if score := r.Scope.Match(req); score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return Props{}, false
	}
	return c.rules[best].Props, true
}

// Rules returns a copy of the registered rules.
func (c *Config) Rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Rule(nil), c.rules...)
}
