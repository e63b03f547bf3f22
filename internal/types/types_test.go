package types_test

import (
	"slices"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipengine/internal/types"
)

func TestCallbacks(t *testing.T) {
	t.Parallel()

	var cbs types.Callbacks[func() int]
	if got := cbs.Len(); got != 0 {
		t.Fatalf("cbs.Len() = %d, want 0", got)
	}

	cbs.Add(func() int { return 1 })
	rm := cbs.Add(func() int { return 2 })
	cbs.Add(func() int { return 3 })

	collect := func() []int {
		var out []int
		for fn := range cbs.All() {
			out = append(out, fn())
		}
		return out
	}

	if diff := cmp.Diff(collect(), []int{1, 2, 3}); diff != "" {
		t.Errorf("cbs.All() mismatch (-got +want):\n%s", diff)
	}

	rm()
	rm()
	if diff := cmp.Diff(collect(), []int{1, 3}); diff != "" {
		t.Errorf("cbs.All() after remove mismatch (-got +want):\n%s", diff)
	}

	cbs.Clear()
	if got := cbs.Len(); got != 0 {
		t.Errorf("cbs.Len() after Clear = %d, want 0", got)
	}
}

func TestQueue(t *testing.T) {
	t.Parallel()

	var q types.Queue[int]
	if _, ok := q.Pop(); ok {
		t.Fatal("q.Pop() on empty queue ok = true, want false")
	}

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Push(i)
		}()
	}
	wg.Wait()

	select {
	case <-q.Ready():
	default:
		t.Fatal("q.Ready() not signalled after push")
	}

	got := q.Drain()
	slices.Sort(got)
	if diff := cmp.Diff(got, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}); diff != "" {
		t.Errorf("q.Drain() mismatch (-got +want):\n%s", diff)
	}
	if got := q.Len(); got != 0 {
		t.Errorf("q.Len() = %d, want 0", got)
	}

	q.Push(1)
	q.Push(2)
	if v, ok := q.Pop(); !ok || v != 1 {
		t.Errorf("q.Pop() = %d, %v, want 1, true", v, ok)
	}
}
