package packages

import (
	"testing"
)

func TestMemoryRepository(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T, clock *testClock) Repository {
		return NewMemoryRepository(clock.Now)
	})
}
