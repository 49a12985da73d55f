package debounce

import (
	"context"
	"sync"
	"testing"
	"time"
)

const window = 50 * time.Millisecond

// TestSubmit_BurstMerges verifies that messages arriving inside the quiet
// window merge into one batch delivered to the first caller.
func TestSubmit_BurstMerges(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	type result struct {
		batch *Batch
		owner bool
	}
	results := make(chan result, 3)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b, owner, err := m.Submit(ctx, "conv", []Item{TextItem("你好")}, window)
		if err != nil {
			t.Errorf("owner submit failed: %v", err)
		}
		results <- result{b, owner}
	}()

	// Wait until the owner registered the session before appending.
	waitActive(t, m, "conv")

	for _, text := range []string{"在吗", "想你了"} {
		b, owner, err := m.Submit(ctx, "conv", []Item{TextItem(text)}, window)
		if err != nil {
			t.Fatalf("append submit failed: %v", err)
		}
		if owner {
			t.Errorf("append caller must not be owner")
		}
		if b != nil {
			t.Errorf("append caller must not receive a batch, got %+v", b)
		}
	}

	wg.Wait()
	r := <-results
	if !r.owner {
		t.Fatalf("first caller must be the owner")
	}
	if want := "你好 在吗 想你了"; r.batch.Text != want {
		t.Errorf("expected merged text %q, got %q", want, r.batch.Text)
	}
}

// TestSubmit_GapSplitsBursts verifies that a pause longer than the window
// yields two independent batches.
func TestSubmit_GapSplitsBursts(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	b1, owner, err := m.Submit(ctx, "conv", []Item{TextItem("第一条")}, window)
	if err != nil || !owner {
		t.Fatalf("first burst: owner=%v err=%v", owner, err)
	}
	b2, owner, err := m.Submit(ctx, "conv", []Item{TextItem("第二条")}, window)
	if err != nil || !owner {
		t.Fatalf("second burst: owner=%v err=%v", owner, err)
	}

	if b1.Text != "第一条" || b2.Text != "第二条" {
		t.Errorf("expected separate batches, got %q and %q", b1.Text, b2.Text)
	}
}

// TestFlush_DeliversImmediately verifies that a command flush short-circuits
// the quiet window.
func TestFlush_DeliversImmediately(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	done := make(chan *Batch, 1)
	go func() {
		b, _, err := m.Submit(ctx, "conv", []Item{TextItem("待发")}, time.Hour)
		if err != nil {
			t.Errorf("submit failed: %v", err)
		}
		done <- b
	}()

	waitActive(t, m, "conv")
	if !m.Flush("conv") {
		t.Fatalf("flush of active session must report true")
	}

	select {
	case b := <-done:
		if b.Text != "待发" {
			t.Errorf("expected flushed text %q, got %q", "待发", b.Text)
		}
	case <-time.After(time.Second):
		t.Fatalf("owner did not receive batch after flush")
	}

	if m.Flush("conv") {
		t.Errorf("flush of idle conversation must report false")
	}
}

// TestSubmit_CancellationDiscards verifies that cancelling the owner discards
// the session without delivering anywhere.
func TestSubmit_CancellationDiscards(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, _, err := m.Submit(ctx, "conv", []Item{TextItem("弃用")}, time.Hour)
		errCh <- err
	}()

	waitActive(t, m, "conv")
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancelled owner did not return")
	}

	if m.Active("conv") {
		t.Errorf("cancelled session must be discarded")
	}
}

// TestMerge_ImagesKeepOrder verifies text joining and image ordering.
func TestMerge_ImagesKeepOrder(t *testing.T) {
	b := MergeItems([]Item{
		TextItem("看"),
		ImageItem("http://a/1.jpg"),
		TextItem("这个"),
		ImageItem("http://a/2.jpg"),
	})
	if b.Text != "看 这个" {
		t.Errorf("expected text %q, got %q", "看 这个", b.Text)
	}
	if len(b.Images) != 2 || b.Images[0] != "http://a/1.jpg" || b.Images[1] != "http://a/2.jpg" {
		t.Errorf("expected ordered images, got %v", b.Images)
	}
}

// TestFire_StaleTimerIgnored verifies the strict-reset contract against a
// timer callback that outlived Stop: once an append restarted the window,
// a callback armed for the previous window must not flush the burst.
func TestFire_StaleTimerIgnored(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	batches := make(chan *Batch, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b, owner, err := m.Submit(ctx, "conv", []Item{TextItem("你好")}, time.Hour)
		if err != nil || !owner {
			t.Errorf("owner submit failed: owner=%v err=%v", owner, err)
		}
		batches <- b
	}()
	waitActive(t, m, "conv")

	if _, owner, err := m.Submit(ctx, "conv", []Item{TextItem("在吗")}, time.Hour); err != nil || owner {
		t.Fatalf("append failed: owner=%v err=%v", owner, err)
	}

	// The initial timer was armed with generation 0; the append bumped the
	// session past it, so its callback must be a no-op.
	if m.fire("conv", "timer", 0) {
		t.Fatalf("stale timer callback must not flush the reset window")
	}
	if !m.Active("conv") {
		t.Fatalf("session must still be buffering after a stale fire")
	}

	if !m.Flush("conv") {
		t.Fatalf("flush should deliver the buffered burst")
	}
	wg.Wait()
	if b := <-batches; b == nil || b.Text != "你好 在吗" {
		t.Errorf("expected merged batch, got %+v", b)
	}
}

func waitActive(t *testing.T, m *Manager, id string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !m.Active(id) {
		if time.Now().After(deadline) {
			t.Fatalf("session %s never became active", id)
		}
		time.Sleep(time.Millisecond)
	}
}
