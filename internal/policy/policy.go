// Package policy decides whether a shell command may run under a named
// execution policy. Rules are data: a shared block list searched anywhere in
// the command, per-policy block lists, and per-policy allow lists anchored at
// the start of the trimmed command. Block always wins; anything not allowed
// is denied.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
)

var ErrUnknownPolicy = errors.New("unknown policy")

// Policy is the declarative form of an execution policy, as it appears in
// localagent.yml.
type Policy struct {
	ID                 string          `yaml:"-" json:"policy_id"`
	Description        string          `yaml:"description,omitempty" json:"description"`
	Concurrency        ConcurrencyMode `yaml:"concurrency,omitempty" json:"concurrency"`
	MaxConcurrentTasks int             `yaml:"max_concurrent_tasks,omitempty" json:"max_concurrent_tasks"`
	AllowedTools       []string        `yaml:"allowed_tools,omitempty" json:"allowed_tools"`
	FileRead           bool            `yaml:"file_read" json:"file_read_allowed"`
	FileWrite          bool            `yaml:"file_write" json:"file_write_allowed"`
	Network            bool            `yaml:"network" json:"network_allowed"`
	Allow              []string        `yaml:"allow,omitempty" json:"bash_allowlist"`
	Block              []string        `yaml:"block,omitempty" json:"bash_blocklist"`
}

// AllowsTool reports whether tool is granted by p.
func (p Policy) AllowsTool(tool string) bool {
	return slices.Contains(p.AllowedTools, tool)
}

// Rule is one compiled pattern.
type Rule struct {
	Pattern  string `json:"pattern"`
	Anchored bool   `json:"anchored"`
	re       *regexp.Regexp
}

func compileRule(pattern string, anchored bool) (Rule, error) {
	expr := "(?i)" + pattern
	if anchored {
		expr = "(?i)^(?:" + strings.TrimPrefix(pattern, "^") + ")"
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("compile %q: %w", pattern, err)
	}
	return Rule{Pattern: pattern, Anchored: anchored, re: re}, nil
}

func (r Rule) Match(command string) bool {
	return r.re.MatchString(command)
}

// Verdict is the outcome of Validate. Rule is the pattern that decided it, or
// empty for default deny.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Rule    string `json:"rule,omitempty"`
}

type compiled struct {
	policy Policy
	allow  []Rule
	block  []Rule
}

// Engine holds compiled policies. It is immutable after construction and
// safe for concurrent use.
type Engine struct {
	shared   []Rule
	policies map[string]*compiled
}

// New compiles the built-in policies merged with overrides. An override for
// an existing id replaces the scalar fields it sets and appends its allow and
// block patterns; an override for a new id defines a new policy.
func New(overrides map[string]Policy) (*Engine, error) {
	defs := Defaults()
	for id, o := range overrides {
		o.ID = id
		base, ok := defs[id]
		if !ok {
			defs[id] = o
			continue
		}
		defs[id] = merge(base, o)
	}

	e := &Engine{policies: make(map[string]*compiled, len(defs))}
	for _, p := range sharedBlock {
		r, err := compileRule(p, false)
		if err != nil {
			return nil, err
		}
		e.shared = append(e.shared, r)
	}
	for id, def := range defs {
		def.ID = id
		if def.Concurrency == "" {
			def.Concurrency = Parallel
		}
		if def.Concurrency != Parallel && def.Concurrency != Sequential {
			return nil, fmt.Errorf("policy %s: invalid concurrency %q", id, def.Concurrency)
		}
		if def.MaxConcurrentTasks <= 0 {
			def.MaxConcurrentTasks = 1
		}
		c := &compiled{policy: def}
		for _, p := range def.Allow {
			r, err := compileRule(p, true)
			if err != nil {
				return nil, fmt.Errorf("policy %s: %w", id, err)
			}
			c.allow = append(c.allow, r)
		}
		for _, p := range def.Block {
			r, err := compileRule(p, false)
			if err != nil {
				return nil, fmt.Errorf("policy %s: %w", id, err)
			}
			c.block = append(c.block, r)
		}
		e.policies[id] = c
	}
	return e, nil
}

// MustDefault returns an engine over the built-in policies only.
func MustDefault() *Engine {
	e, err := New(nil)
	if err != nil {
		panic(err)
	}
	return e
}

func merge(base, o Policy) Policy {
	if o.Description != "" {
		base.Description = o.Description
	}
	if o.Concurrency != "" {
		base.Concurrency = o.Concurrency
	}
	if o.MaxConcurrentTasks > 0 {
		base.MaxConcurrentTasks = o.MaxConcurrentTasks
	}
	if len(o.AllowedTools) > 0 {
		base.AllowedTools = slices.Clone(o.AllowedTools)
	}
	base.FileRead = base.FileRead || o.FileRead
	base.FileWrite = base.FileWrite || o.FileWrite
	base.Network = base.Network || o.Network
	base.Allow = append(slices.Clone(base.Allow), o.Allow...)
	base.Block = append(slices.Clone(base.Block), o.Block...)
	return base
}

// Validate applies the policy to command. The only error is ErrUnknownPolicy.
func (e *Engine) Validate(command, policyID string) (Verdict, error) {
	c, ok := e.policies[policyID]
	if !ok {
		return Verdict{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policyID)
	}
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Verdict{Reason: "empty command"}, nil
	}
	for _, rules := range [][]Rule{e.shared, c.block} {
		for _, r := range rules {
			if r.Match(cmd) {
				return Verdict{
					Reason: fmt.Sprintf("blocked: matches dangerous pattern '%s'", r.Pattern),
					Rule:   r.Pattern,
				}, nil
			}
		}
	}
	for _, r := range c.allow {
		if r.Match(cmd) {
			return Verdict{Allowed: true, Reason: "allowed by policy", Rule: r.Pattern}, nil
		}
	}
	return Verdict{Reason: fmt.Sprintf("not in allowlist for policy '%s'", policyID)}, nil
}

// Policy returns a copy of the named policy definition.
func (e *Engine) Policy(id string) (Policy, error) {
	c, ok := e.policies[id]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, id)
	}
	p := c.policy
	p.AllowedTools = slices.Clone(p.AllowedTools)
	p.Allow = slices.Clone(p.Allow)
	p.Block = slices.Clone(p.Block)
	return p, nil
}

// IDs lists the known policy ids in sorted order.
func (e *Engine) IDs() []string {
	ids := make([]string, 0, len(e.policies))
	for id := range e.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SharedBlockList returns the block patterns applied under every policy.
func (e *Engine) SharedBlockList() []string {
	out := make([]string, len(e.shared))
	for i, r := range e.shared {
		out[i] = r.Pattern
	}
	return out
}
