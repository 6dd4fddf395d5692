package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/aegis/pkg/models"
)

// EvaluatorConfig configures the policy evaluator.
type EvaluatorConfig struct {
	// DefaultDeny applies when no rule matches. Default: true.
	DefaultDeny *bool

	// CacheTTL bounds how long a decision may be reused. Zero
	// disables the cache.
	CacheTTL time.Duration
}

func (c EvaluatorConfig) defaultDeny() bool {
	return c.DefaultDeny == nil || *c.DefaultDeny
}

// Evaluator walks the policy set highest-priority-first and returns
// the first matching rule's effect as a decision.
type Evaluator struct {
	config EvaluatorConfig

	mu       sync.RWMutex
	policies []Policy

	cacheMu sync.Mutex
	cache   map[string]cachedDecision
}

type cachedDecision struct {
	decision  models.PolicyDecision
	expiresAt time.Time
}

// NewEvaluator creates an evaluator over the given policies.
func NewEvaluator(policies []Policy, config EvaluatorConfig) *Evaluator {
	e := &Evaluator{config: config, cache: make(map[string]cachedDecision)}
	e.Reload(policies)
	return e
}

// Reload replaces the policy set and invalidates every cached decision.
func (e *Evaluator) Reload(policies []Policy) {
	sorted := make([]Policy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	for i := range sorted {
		rules := make([]Rule, len(sorted[i].Rules))
		copy(rules, sorted[i].Rules)
		sort.SliceStable(rules, func(a, b int) bool {
			return rules[a].Priority > rules[b].Priority
		})
		sorted[i].Rules = rules
	}

	e.mu.Lock()
	e.policies = sorted
	e.mu.Unlock()

	e.cacheMu.Lock()
	e.cache = make(map[string]cachedDecision)
	e.cacheMu.Unlock()
}

// Policies returns the current policy set in evaluation order.
func (e *Evaluator) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, len(e.policies))
	copy(out, e.policies)
	return out
}

// Evaluate decides a request. Decisions may be served from the cache
// within the configured TTL.
func (e *Evaluator) Evaluate(req Request) models.PolicyDecision {
	if req.Time.IsZero() {
		req.Time = time.Now()
	}

	var key string
	if e.config.CacheTTL > 0 {
		key = fingerprint(req)
		e.cacheMu.Lock()
		if cached, ok := e.cache[key]; ok && req.Time.Before(cached.expiresAt) {
			e.cacheMu.Unlock()
			return cached.decision
		}
		e.cacheMu.Unlock()
	}

	decision := e.evaluate(req)

	if e.config.CacheTTL > 0 {
		expires := req.Time.Add(e.config.CacheTTL)
		decision.ExpiresAt = &expires
		e.cacheMu.Lock()
		e.cache[key] = cachedDecision{decision: decision, expiresAt: expires}
		e.cacheMu.Unlock()
	}
	return decision
}

func (e *Evaluator) evaluate(req Request) models.PolicyDecision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, p := range e.policies {
		for _, r := range p.Rules {
			if !r.enabled() {
				continue
			}
			if matches(r.Condition, req) {
				return applyEffect(p.ID, r, req)
			}
		}
	}

	if e.config.defaultDeny() {
		return models.PolicyDecision{
			Kind:     models.DecisionDeny,
			Reason:   "no matching policy rule; default deny",
			PolicyID: "default",
		}
	}
	return models.AllowDecision()
}

func applyEffect(policyID string, rule Rule, req Request) models.PolicyDecision {
	id := policyID
	if id == "" {
		id = rule.ID
	} else if rule.ID != "" {
		id = policyID + "/" + rule.ID
	}

	switch rule.Effect.Kind {
	case EffectAllow:
		return models.PolicyDecision{
			Kind:       models.DecisionAllow,
			Conditions: rule.Effect.Conditions,
			PolicyID:   id,
		}
	case EffectDeny:
		reason := rule.Effect.Reason
		if reason == "" {
			reason = "denied by rule " + rule.ID
		}
		return models.PolicyDecision{Kind: models.DecisionDeny, Reason: reason, PolicyID: id}
	case EffectLimit:
		conditions := make([]string, 0, len(rule.Effect.Constraints))
		for k, v := range rule.Effect.Constraints {
			conditions = append(conditions, k+"="+v)
		}
		sort.Strings(conditions)
		return models.PolicyDecision{
			Kind:       models.DecisionConditional,
			Conditions: conditions,
			PolicyID:   id,
		}
	case EffectAudit:
		// Audit effects allow the request but tag it for logging.
		return models.PolicyDecision{
			Kind:       models.DecisionAllow,
			Conditions: []string{"audit:" + rule.Effect.AuditLevel},
			PolicyID:   id,
		}
	case EffectEscalate:
		return models.PolicyDecision{
			Kind:     models.DecisionEscalate,
			Reason:   rule.Effect.Reason,
			PolicyID: id,
		}
	default:
		return models.DenyDecision("unknown effect " + string(rule.Effect.Kind))
	}
}

func matches(c Condition, req Request) bool {
	switch c.Kind {
	case CondAlways:
		return true

	case CondAgentMatch:
		for _, id := range c.AgentIDs {
			if id == string(req.AgentID) {
				return true
			}
		}
		if c.NamePattern != "" && req.AgentName != "" {
			return strings.Contains(req.AgentName, c.NamePattern)
		}
		return false

	case CondActionMatch:
		return matchKey(c.Actions, req.Action)

	case CondResourceMatch:
		return matchKey(c.Resources, req.Resource)

	case CondTimeMatch:
		return inWindow(req.Time, c.After, c.Before)

	case CondSecurityLevel:
		tier := int(req.SecurityTier)
		if c.MinTier > 0 && tier < c.MinTier {
			return false
		}
		if c.MaxTier > 0 && tier > c.MaxTier {
			return false
		}
		return true

	case CondAnd:
		for _, sub := range c.All {
			if !matches(sub, req) {
				return false
			}
		}
		return len(c.All) > 0

	case CondOr:
		for _, sub := range c.Any {
			if matches(sub, req) {
				return true
			}
		}
		return false

	case CondNot:
		return c.Not != nil && !matches(*c.Not, req)

	default:
		// Unknown condition kinds never match; default-deny covers
		// the rest.
		return false
	}
}

// matchKey matches exact keys and trailing-* prefixes.
func matchKey(patterns []string, key string) bool {
	for _, p := range patterns {
		if p == "*" || p == key {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(key, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

func inWindow(t time.Time, after, before string) bool {
	minutes := t.Hour()*60 + t.Minute()
	if after != "" {
		if m, ok := parseClock(after); ok && minutes < m {
			return false
		}
	}
	if before != "" {
		if m, ok := parseClock(before); ok && minutes > m {
			return false
		}
	}
	return true
}

func parseClock(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func fingerprint(req Request) string {
	return string(req.AgentID) + "|" + req.Action + "|" + req.Resource + "|" +
		fmt.Sprintf("%d", req.SecurityTier)
}
