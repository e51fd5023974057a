package uid

import (
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/netwire/internal/testutil/testlog"
)

func TestNarrowCountsFromOne(t *testing.T) {
	testlog.Start(t)
	g := NewNarrow()
	for want := uint64(1); want <= 3; want++ {
		if got := g.Get(); got != want {
			t.Fatalf("got %d want %d", got, want)
		}
	}
	if !g.IsEqual(2, 2) || g.IsEqual(2, 3) {
		t.Fatalf("IsEqual mismatch")
	}
}

func TestGeneratorsAreUniqueUnderConcurrency(t *testing.T) {
	testlog.Start(t)
	for _, strategy := range []string{StrategyNarrow, StrategyWide} {
		g, err := New(strategy)
		if err != nil {
			t.Fatalf("new %s: %v", strategy, err)
		}
		var (
			mu   sync.Mutex
			seen = make(map[uint64]bool)
			wg   sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 500; i++ {
					id := g.Get()
					mu.Lock()
					if id == 0 || seen[id] {
						mu.Unlock()
						t.Errorf("%s: duplicate or zero id %d", strategy, id)
						return
					}
					seen[id] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
	}
}

func TestWideGeneratorsDiffer(t *testing.T) {
	testlog.Start(t)
	if NewWide().Get() == NewWide().Get() {
		t.Fatalf("independent wide generators produced the same first id")
	}
}

func TestUnknownStrategy(t *testing.T) {
	testlog.Start(t)
	if _, err := New("sparse"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected unknown strategy, got %v", err)
	}
}
