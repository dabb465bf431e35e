package workflow

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func strp(s string) *string { return &s }

func TestMergeCommitLines_SumsSameSlot(t *testing.T) {
	lines := []CommitLine{
		{ItemId: 1, WarehouseId: 1, BatchCode: strp("B1"), Qty: decimal.NewFromInt(3), RefLine: 10},
		{ItemId: 1, WarehouseId: 1, BatchCode: strp("B1"), Qty: decimal.NewFromInt(2), RefLine: 11},
		{ItemId: 2, WarehouseId: 1, BatchCode: nil, Qty: decimal.NewFromInt(5), RefLine: 12},
	}
	merged := MergeCommitLines(lines)
	if len(merged) != 2 {
		t.Fatalf("want 2 merged lines, got %d", len(merged))
	}
	if !merged[0].Qty.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("want merged qty 5, got %s", merged[0].Qty)
	}
	if merged[0].RefLine != 10 {
		t.Fatalf("merged line must keep the first ref line, got %d", merged[0].RefLine)
	}
}

func TestMergeCommitLines_NormalizesBatchSentinels(t *testing.T) {
	// "", "none" and nil all address the NULL-batch slot.
	lines := []CommitLine{
		{ItemId: 1, WarehouseId: 1, BatchCode: strp(""), Qty: decimal.NewFromInt(1)},
		{ItemId: 1, WarehouseId: 1, BatchCode: strp("none"), Qty: decimal.NewFromInt(2)},
		{ItemId: 1, WarehouseId: 1, BatchCode: nil, Qty: decimal.NewFromInt(3)},
	}
	merged := MergeCommitLines(lines)
	if len(merged) != 1 {
		t.Fatalf("sentinel batch codes must merge into the NULL slot, got %d lines", len(merged))
	}
	if merged[0].BatchCode != nil {
		t.Fatalf("merged batch code must be nil, got %q", *merged[0].BatchCode)
	}
	if !merged[0].Qty.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("want qty 6, got %s", merged[0].Qty)
	}
}

func TestMergeCommitLines_DistinctBatchesStaySeparate(t *testing.T) {
	lines := []CommitLine{
		{ItemId: 1, WarehouseId: 1, BatchCode: strp("B1"), Qty: decimal.NewFromInt(1)},
		{ItemId: 1, WarehouseId: 1, BatchCode: strp("B2"), Qty: decimal.NewFromInt(1)},
		{ItemId: 1, WarehouseId: 2, BatchCode: strp("B1"), Qty: decimal.NewFromInt(1)},
	}
	if got := len(MergeCommitLines(lines)); got != 3 {
		t.Fatalf("distinct (warehouse, batch) slots must not merge, got %d", got)
	}
}

func TestMergeCommitLines_PreservesFirstAppearanceOrder(t *testing.T) {
	lines := []CommitLine{
		{ItemId: 3, WarehouseId: 1, Qty: decimal.NewFromInt(1)},
		{ItemId: 1, WarehouseId: 1, Qty: decimal.NewFromInt(1)},
		{ItemId: 3, WarehouseId: 1, Qty: decimal.NewFromInt(1)},
		{ItemId: 2, WarehouseId: 1, Qty: decimal.NewFromInt(1)},
	}
	merged := MergeCommitLines(lines)
	want := []int{3, 1, 2}
	for i, w := range want {
		if merged[i].ItemId != w {
			t.Fatalf("position %d: want item %d got %d", i, w, merged[i].ItemId)
		}
	}
}

// fakeCommitter models the exactly-once contract with in-memory primitives:
// a per-reference mutex stands in for the advisory lock and a seen-set for the
// certificate's unique constraint.
type fakeCommitter struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	certs    map[string]string
	executed int
}

func newFakeCommitter() *fakeCommitter {
	return &fakeCommitter{
		locks: map[string]*sync.Mutex{},
		certs: map[string]string{},
	}
}

func (f *fakeCommitter) commit(reference, traceId string, fn func()) (winner string, idempotent bool) {
	f.mu.Lock()
	lock := f.locks[reference]
	if lock == nil {
		lock = &sync.Mutex{}
		f.locks[reference] = lock
	}
	f.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	f.mu.Lock()
	if existing, ok := f.certs[reference]; ok {
		f.mu.Unlock()
		return existing, true
	}
	f.mu.Unlock()

	fn()

	f.mu.Lock()
	f.certs[reference] = traceId
	f.executed++
	f.mu.Unlock()
	return traceId, false
}

func TestCommitContract_ConcurrentReplaysExecuteOnce(t *testing.T) {
	for run := 0; run < 100; run++ {
		f := newFakeCommitter()
		var wg sync.WaitGroup
		winners := make([]string, 40)
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				winners[i], _ = f.commit("SO-1001", "trace-A", func() {})
			}(i)
		}
		wg.Wait()

		if f.executed != 1 {
			t.Fatalf("run=%d: want exactly 1 execution, got %d", run, f.executed)
		}
		for i, w := range winners {
			if w != "trace-A" {
				t.Fatalf("run=%d: caller %d adopted wrong certificate %q", run, i, w)
			}
		}
	}
}

func TestCommitContract_DistinctReferencesExecuteIndependently(t *testing.T) {
	f := newFakeCommitter()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := "SO-1001"
			if i%2 == 1 {
				ref = "SO-1002"
			}
			f.commit(ref, "t", func() {})
		}(i)
	}
	wg.Wait()
	if f.executed != 2 {
		t.Fatalf("want 2 executions (one per reference), got %d", f.executed)
	}
}

func TestShipLockKey_IncludesAllDimensions(t *testing.T) {
	a := ShipLockKey("PROD", "shopify", "shop-1", "SO-1")
	b := ShipLockKey("DRILL", "shopify", "shop-1", "SO-1")
	c := ShipLockKey("PROD", "shopify", "shop-2", "SO-1")
	if a == b || a == c || b == c {
		t.Fatalf("lock keys must differ per scope/shop: %q %q %q", a, b, c)
	}
}
