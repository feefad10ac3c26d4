package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/substream/substream-go/internal/catalog"
)

func TestWorkerPool_SubmitRacingStopDoesNotPanic(t *testing.T) {
	pool := newWorkerPool(2, func(ctx context.Context, file *File) error { return nil }, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				// Submissions racing shutdown may error; they must not panic
				pool.Submit(NewFile(catalog.Entry{ID: "song"}, 0, dir))
			}
		}()
	}
	pool.Stop()
	wg.Wait()

	if err := pool.Submit(NewFile(catalog.Entry{ID: "late"}, 0, dir)); err == nil {
		t.Error("Expected Submit after Stop to fail")
	}
}
