package chat

import (
	"hash/fnv"
	"sync"
)

const groupShards = 32

// GroupRegistry tracks which local connections are members of which groups.
// Sharded by group-name hash: mutations on one group are linearizable under
// its shard lock, mutations on unrelated groups never contend. Cross-instance
// membership is the Broadcast Bus's business, never duplicated here.
type GroupRegistry struct {
	shards [groupShards]groupShard
}

type groupShard struct {
	mu     sync.RWMutex
	groups map[string]map[string]struct{} // group -> set of connID
}

func NewGroupRegistry() *GroupRegistry {
	r := &GroupRegistry{}
	for i := range r.shards {
		r.shards[i].groups = make(map[string]map[string]struct{})
	}
	return r
}

func (r *GroupRegistry) shard(group string) *groupShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(group))
	return &r.shards[h.Sum32()%groupShards]
}

// Join is idempotent; returns false when the connection was already a member.
func (r *GroupRegistry) Join(group, connID string) bool {
	s := r.shard(group)
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.groups[group]
	if m == nil {
		m = make(map[string]struct{})
		s.groups[group] = m
	}
	if _, ok := m[connID]; ok {
		return false
	}
	m[connID] = struct{}{}
	return true
}

// Leave of a non-member is a no-op; returns whether a membership was removed.
func (r *GroupRegistry) Leave(group, connID string) bool {
	s := r.shard(group)
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.groups[group]
	if m == nil {
		return false
	}
	if _, ok := m[connID]; !ok {
		return false
	}
	delete(m, connID)
	if len(m) == 0 {
		delete(s.groups, group)
	}
	return true
}

func (r *GroupRegistry) IsMember(group, connID string) bool {
	s := r.shard(group)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.groups[group][connID]
	return ok
}

// MembersOf snapshots the local member set; the delivery path iterates the
// snapshot so a concurrent purge cannot observe a half-delivered state.
func (r *GroupRegistry) MembersOf(group string) []string {
	s := r.shard(group)
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.groups[group]
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

func (r *GroupRegistry) MemberCount(group string) int {
	s := r.shard(group)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[group])
}

// PurgeConnection removes connID from every group and returns the groups it
// left. Each group's removal is atomic under that group's shard lock.
func (r *GroupRegistry) PurgeConnection(connID string) []string {
	var purged []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for group, m := range s.groups {
			if _, ok := m[connID]; ok {
				delete(m, connID)
				if len(m) == 0 {
					delete(s.groups, group)
				}
				purged = append(purged, group)
			}
		}
		s.mu.Unlock()
	}
	return purged
}

// GroupCount reports how many groups have at least one local member.
func (r *GroupRegistry) GroupCount() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.groups)
		s.mu.RUnlock()
	}
	return n
}
