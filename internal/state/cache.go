package state

import (
	"sort"
	"sync"

	"ngalert/internal/eval"
)

// cache indexes states by org, rule uid and label fingerprint.
type cache struct {
	mu     sync.RWMutex
	states map[int64]map[string]map[string]*State
}

func newCache() *cache {
	return &cache{states: make(map[int64]map[string]map[string]*State)}
}

// get returns a copy of cached state.
func (c *cache) get(orgID int64, ruleUID, cacheID string) (*State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[orgID][ruleUID][cacheID]
	if !ok {
		return nil, false
	}
	return s.Copy(), true
}

// set stores s; callers must not mutate s afterwards.
func (c *cache) set(s *State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rules, ok := c.states[s.OrgID]
	if !ok {
		rules = make(map[string]map[string]*State)
		c.states[s.OrgID] = rules
	}
	instances, ok := rules[s.AlertRuleUID]
	if !ok {
		instances = make(map[string]*State)
		rules[s.AlertRuleUID] = instances
	}
	instances[s.CacheID] = s
}

// update runs fn on cached state under write lock.
func (c *cache) update(orgID int64, ruleUID, cacheID string, fn func(*State)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[orgID][ruleUID][cacheID]
	if !ok {
		return false
	}
	fn(s)
	return true
}

func (c *cache) forRule(orgID int64, ruleUID string) []*State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	instances := c.states[orgID][ruleUID]
	out := make([]*State, 0, len(instances))
	for _, s := range instances {
		out = append(out, s.Copy())
	}
	sortStates(out)
	return out
}

func (c *cache) forOrg(orgID int64) []*State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*State
	for _, instances := range c.states[orgID] {
		for _, s := range instances {
			out = append(out, s.Copy())
		}
	}
	sortStates(out)
	return out
}

func (c *cache) remove(orgID int64, ruleUID, cacheID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	instances := c.states[orgID][ruleUID]
	delete(instances, cacheID)
	if len(instances) == 0 {
		c.dropRuleLocked(orgID, ruleUID)
	}
}

// removeRule drops every state of rule.
// Returns: removed states.
func (c *cache) removeRule(orgID int64, ruleUID string) []*State {
	c.mu.Lock()
	defer c.mu.Unlock()
	instances := c.states[orgID][ruleUID]
	out := make([]*State, 0, len(instances))
	for _, s := range instances {
		out = append(out, s)
	}
	c.dropRuleLocked(orgID, ruleUID)
	return out
}

func (c *cache) dropRuleLocked(orgID int64, ruleUID string) {
	rules := c.states[orgID]
	delete(rules, ruleUID)
	if len(rules) == 0 {
		delete(c.states, orgID)
	}
}

func (c *cache) countByState() map[eval.State]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	counts := make(map[eval.State]int)
	for _, rules := range c.states {
		for _, instances := range rules {
			for _, s := range instances {
				counts[s.State]++
			}
		}
	}
	return counts
}

func sortStates(states []*State) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].AlertRuleUID != states[j].AlertRuleUID {
			return states[i].AlertRuleUID < states[j].AlertRuleUID
		}
		return states[i].CacheID < states[j].CacheID
	})
}
