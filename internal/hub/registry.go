package hub

import "sync"

// GroupRegistry tracks which connections belong to which device groups. It
// is the single piece of state shared between connection lifecycle handlers
// and the dispatchers, so every method is safe for concurrent use.
//
// All membership mutations are idempotent: joining a group twice, leaving a
// group never joined, or disconnecting an unknown connection are no-ops.
type GroupRegistry struct {
	mu sync.RWMutex
	// group name -> set of connection ids
	groups map[string]map[string]struct{}
	// connection id -> set of group names, for O(1) disconnect cleanup
	memberships map[string]map[string]struct{}
}

// NewGroupRegistry creates an empty registry
func NewGroupRegistry() *GroupRegistry {
	return &GroupRegistry{
		groups:      make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join adds a connection to a group.
func (r *GroupRegistry) Join(connectionID, groupName string) {
	if connectionID == "" || groupName == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.groups[groupName] == nil {
		r.groups[groupName] = make(map[string]struct{})
	}
	r.groups[groupName][connectionID] = struct{}{}

	if r.memberships[connectionID] == nil {
		r.memberships[connectionID] = make(map[string]struct{})
	}
	r.memberships[connectionID][groupName] = struct{}{}
}

// Leave removes a connection from a group.
func (r *GroupRegistry) Leave(connectionID, groupName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(connectionID, groupName)
}

// Disconnect removes the connection from every group it joined.
func (r *GroupRegistry) Disconnect(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for groupName := range r.memberships[connectionID] {
		r.removeLocked(connectionID, groupName)
	}
	delete(r.memberships, connectionID)
}

// MembersOf returns the connection ids currently in the group.
func (r *GroupRegistry) MembersOf(groupName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]string, 0, len(r.groups[groupName]))
	for id := range r.groups[groupName] {
		members = append(members, id)
	}
	return members
}

// GroupsOf returns the groups the connection has joined.
func (r *GroupRegistry) GroupsOf(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make([]string, 0, len(r.memberships[connectionID]))
	for name := range r.memberships[connectionID] {
		groups = append(groups, name)
	}
	return groups
}

func (r *GroupRegistry) removeLocked(connectionID, groupName string) {
	if conns, ok := r.groups[groupName]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.groups, groupName)
		}
	}
	if groups, ok := r.memberships[connectionID]; ok {
		delete(groups, groupName)
		if len(groups) == 0 {
			delete(r.memberships, connectionID)
		}
	}
}
