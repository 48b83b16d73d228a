package chat

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroupRegistryJoinIdempotent(t *testing.T) {
	r := NewGroupRegistry()

	assert.True(t, r.Join("conv_1", "c1"))
	assert.False(t, r.Join("conv_1", "c1"))
	assert.True(t, r.IsMember("conv_1", "c1"))
	assert.Equal(t, 1, r.MemberCount("conv_1"))
	assert.Equal(t, 1, r.GroupCount())
}

func TestGroupRegistryLeave(t *testing.T) {
	r := NewGroupRegistry()
	r.Join("conv_1", "c1")
	r.Join("conv_1", "c2")

	assert.True(t, r.Leave("conv_1", "c1"))
	assert.False(t, r.Leave("conv_1", "c1"))
	assert.False(t, r.Leave("conv_1", "never-joined"))
	assert.False(t, r.Leave("no_such_group", "c1"))

	assert.False(t, r.IsMember("conv_1", "c1"))
	assert.True(t, r.IsMember("conv_1", "c2"))

	// last member out removes the group entirely
	assert.True(t, r.Leave("conv_1", "c2"))
	assert.Zero(t, r.GroupCount())
}

func TestGroupRegistryMembersOfSnapshot(t *testing.T) {
	r := NewGroupRegistry()
	r.Join("conv_1", "c1")
	r.Join("conv_1", "c2")

	members := r.MembersOf("conv_1")
	sort.Strings(members)
	assert.Equal(t, []string{"c1", "c2"}, members)

	assert.Nil(t, r.MembersOf("empty_group"))
}

func TestGroupRegistryPurgeConnection(t *testing.T) {
	r := NewGroupRegistry()
	r.Join("conv_1", "c1")
	r.Join("conv_2", "c1")
	r.Join("user_alice", "c1")
	r.Join("conv_1", "c2")

	purged := r.PurgeConnection("c1")
	sort.Strings(purged)
	assert.Equal(t, []string{"conv_1", "conv_2", "user_alice"}, purged)

	assert.False(t, r.IsMember("conv_1", "c1"))
	assert.True(t, r.IsMember("conv_1", "c2"))
	assert.Equal(t, 1, r.GroupCount())

	assert.Empty(t, r.PurgeConnection("c1"))
}

func TestGroupRegistryConcurrent(t *testing.T) {
	r := NewGroupRegistry()
	const workers = 16
	const groups = 8

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", w)
			for i := 0; i < 200; i++ {
				g := fmt.Sprintf("conv_%d", i%groups)
				r.Join(g, connID)
				r.IsMember(g, connID)
				r.MembersOf(g)
				if i%3 == 0 {
					r.Leave(g, connID)
				}
			}
			r.PurgeConnection(connID)
		}(w)
	}
	wg.Wait()

	assert.Zero(t, r.GroupCount())
	for i := 0; i < groups; i++ {
		assert.Zero(t, r.MemberCount(fmt.Sprintf("conv_%d", i)))
	}
}
