package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRecomputeStatus(t *testing.T) {
	cases := []struct {
		name   string
		req    int64
		picked int64
		want   PickLineStatus
	}{
		{"nothing picked", 5, 0, PickLineStatusOpen},
		{"partially picked", 5, 3, PickLineStatusPartial},
		{"fully picked", 5, 5, PickLineStatusDone},
		{"over picked", 5, 7, PickLineStatusDone},
		{"zero requirement picked", 0, 1, PickLineStatusDone},
	}
	for _, tc := range cases {
		l := PickTaskLine{
			ReqQty:    decimal.NewFromInt(tc.req),
			PickedQty: decimal.NewFromInt(tc.picked),
		}
		l.RecomputeStatus()
		if l.Status != tc.want {
			t.Fatalf("%s: want %s got %s", tc.name, tc.want, l.Status)
		}
	}
}

func TestScannableStatuses(t *testing.T) {
	for _, s := range []PickTaskStatus{PickTaskStatusNew, PickTaskStatusReady, PickTaskStatusAssigned, PickTaskStatusPicking} {
		if !s.Scannable() {
			t.Fatalf("%s must accept scans", s)
		}
	}
	if PickTaskStatusDone.Scannable() {
		t.Fatal("DONE must reject scans")
	}
}

func TestStockReasonValid(t *testing.T) {
	for _, r := range []StockReason{StockReasonReceipt, StockReasonOutboundShip, StockReasonAdjust, StockReasonReturn, StockReasonCount} {
		if !r.Valid() {
			t.Fatalf("%s must be valid", r)
		}
	}
	if StockReason("SHRINKAGE").Valid() {
		t.Fatal("unknown reason must be rejected")
	}
}
