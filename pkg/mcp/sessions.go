package mcp

import (
	"slices"
	"sync"
)

// agentEntry is what the registry knows about one agent: its live session,
// if any, and the roles whose approval traffic it listens for.
type agentEntry struct {
	session string
	roles   map[string]struct{}
}

// SessionRegistry tracks connected agents. An agent is registered the first
// time it calls a tool with agent_id and may subscribe to roles before or
// after connecting; only connected agents receive pushes.
type SessionRegistry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{agents: make(map[string]*agentEntry)}
}

func (r *SessionRegistry) entry(agentID string) *agentEntry {
	e, ok := r.agents[agentID]
	if !ok {
		e = &agentEntry{roles: make(map[string]struct{})}
		r.agents[agentID] = e
	}
	return e
}

// Register binds agentID to sessionID, replacing an older session on reconnect.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(agentID).session = sessionID
}

// Subscribe adds role to the roles agentID listens for.
func (r *SessionRegistry) Subscribe(agentID, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(agentID).roles[role] = struct{}{}
}

// SessionFor returns the agent's session while it is connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok || e.session == "" {
		return "", false
	}
	return e.session, true
}

// SessionsForRoles returns, sorted and without duplicates, the sessions of
// connected agents listening for any of roles.
func (r *SessionRegistry) SessionsForRoles(roles []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, e := range r.agents {
		if e.session == "" || slices.Contains(out, e.session) {
			continue
		}
		for _, role := range roles {
			if _, ok := e.roles[role]; ok {
				out = append(out, e.session)
				break
			}
		}
	}
	slices.Sort(out)
	return out
}

// Remove forgets every agent bound to sessionID, subscriptions included.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.agents {
		if e.session == sessionID {
			delete(r.agents, id)
		}
	}
}
