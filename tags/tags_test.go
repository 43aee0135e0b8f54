package tags

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethereum-optimism/infra/test-reporter/types"
)

func TestScopeLifecycle(t *testing.T) {
	s := NewScope()
	key := "invocation-1"

	s.Init(key)
	s.Add(key, "slow", "db")
	s.Add(key, "slow")

	assert.ElementsMatch(t, []string{"slow", "db"}, s.Snapshot(key))

	s.Remove(key)
	assert.Nil(t, s.Snapshot(key))
	assert.Equal(t, 0, s.Len())
}

func TestAddWithoutInitIsDiscarded(t *testing.T) {
	s := NewScope()
	s.Add("never-initialized", "x")

	assert.Nil(t, s.Snapshot("never-initialized"))
	assert.Equal(t, 0, s.Len(), "Add must not allocate a set")
}

func TestAddedTagsAreCommaSplitWhenNormalized(t *testing.T) {
	s := NewScope()
	s.Init(1)
	s.Add(1, "Fast, Unit")
	assert.Equal(t, []string{"Fast, Unit"}, s.Snapshot(1))
	assert.Equal(t, []string{"FAST", "UNIT"}, types.NormalizeTags(s.Snapshot(1)))
}

func TestInitResetsPreviousTags(t *testing.T) {
	s := NewScope()
	s.Init(1)
	s.Add(1, "stale")
	s.Init(1)
	assert.Empty(t, s.Snapshot(1))
}

func TestKeysAreIsolated(t *testing.T) {
	s := NewScope()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Init(i)
			s.Add(i, fmt.Sprintf("tag-%d", i))
			assert.Equal(t, []string{fmt.Sprintf("tag-%d", i)}, s.Snapshot(i))
			s.Remove(i)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, s.Len())
}
