// Package dispatch implements the rule-based matching engine that ranks
// registered workers for a task description.
package dispatch

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/ksuda/foreman/internal/model"
)

// Scoring weights. Capability coverage dominates; the priority penalty
// only separates rules of differing specificity.
const (
	baseScore        = 1.0
	capabilityWeight = 2.0
	toolBonus        = 0.5
	priorityPenalty  = 0.1
)

// Candidate is one eligible worker with its computed score. The first
// candidate in a ranked list is the primary assignment; the rest are
// fallbacks for retry-on-failure.
type Candidate struct {
	WorkerID  string
	Score     float64
	RuleIndex int
}

// Engine holds a compiled, immutable dispatch session: rules with their
// patterns compiled once, plus the worker registry.
type Engine struct {
	rules    []model.DispatchRule
	patterns []*regexp.Regexp
	registry []model.WorkerProfile
}

// NewEngine compiles rule patterns and validates the registry. Rules and
// registry are immutable for the lifetime of the engine.
func NewEngine(rules []model.DispatchRule, registry []model.WorkerProfile) (*Engine, error) {
	patterns := make([]*regexp.Regexp, len(rules))
	for i, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %d pattern %q: %w", i, rule.Pattern, err)
		}
		patterns[i] = re
	}

	seen := make(map[string]bool, len(registry))
	for _, w := range registry {
		if w.WorkerID == "" {
			return nil, fmt.Errorf("worker with empty id in registry")
		}
		if seen[w.WorkerID] {
			return nil, fmt.Errorf("duplicate worker id %q in registry", w.WorkerID)
		}
		seen[w.WorkerID] = true
	}

	return &Engine{rules: rules, patterns: patterns, registry: registry}, nil
}

// Match returns the ranked list of workers eligible for the task
// description. An empty result is a normal outcome, not an error: the
// caller escalates to a fallback or manual assignment.
func (e *Engine) Match(description string) []Candidate {
	var matched []int
	for i, re := range e.patterns {
		if re.MatchString(description) {
			matched = append(matched, i)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	// A worker may score against several rules; keep its best.
	best := make(map[string]Candidate)
	for _, ri := range matched {
		rule := e.rules[ri]
		for _, worker := range e.registry {
			score, eligible := scoreWorker(rule, worker)
			if !eligible {
				continue
			}
			if cur, ok := best[worker.WorkerID]; !ok || score > cur.Score {
				best[worker.WorkerID] = Candidate{
					WorkerID:  worker.WorkerID,
					Score:     score,
					RuleIndex: ri,
				}
			}
		}
	}

	ranked := make([]Candidate, 0, len(best))
	for _, c := range best {
		ranked = append(ranked, c)
	}
	// Score descending; worker id ascending keeps identical scores
	// deterministic across runs.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].WorkerID < ranked[j].WorkerID
	})
	return ranked
}

// scoreWorker computes one (rule, worker) score. A worker covering none of
// the rule's required capabilities is ineligible; a rule with no required
// capabilities acts as a catch-all and matches every worker.
func scoreWorker(rule model.DispatchRule, worker model.WorkerProfile) (float64, bool) {
	caps := toSet(worker.Capabilities)
	tools := toSet(worker.AvailableTools)

	coverage := 1.0
	if len(rule.RequiredCapabilities) > 0 {
		covered := 0
		for _, c := range rule.RequiredCapabilities {
			if caps[c] {
				covered++
			}
		}
		if covered == 0 {
			return 0, false
		}
		coverage = float64(covered) / float64(len(rule.RequiredCapabilities))
	}

	// A matched rule's tool requirements are a hard constraint: a worker
	// missing any required tool cannot perform the task at all.
	toolsCovered := true
	for _, tool := range rule.RequiredTools {
		if !tools[tool] {
			toolsCovered = false
			break
		}
	}
	if len(rule.RequiredTools) > 0 && !toolsCovered {
		return 0, false
	}

	score := baseScore + capabilityWeight*coverage - priorityPenalty*float64(rule.Priority)
	if toolsCovered {
		score += toolBonus
	}
	return score, true
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
