package workflow_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/wms_backend/config"
	"github.com/mmdatafocus/wms_backend/models"
	"github.com/mmdatafocus/wms_backend/utils"
	"github.com/mmdatafocus/wms_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func TestOutboundCommitExactlyOnceRegression(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "wms_test")
	t.Setenv("STRICT_NEGATIVE_STOCK", "true")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetOperatorIdInContext(ctx, 1)
	ctx = utils.SetOperatorNameInContext(ctx, "Test")
	ctx = utils.SetScopeInContext(ctx, string(models.ScopeProd))

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}
	logger := logrus.New()

	warehouse := models.Warehouse{Code: "TEST-WH", Name: "Test Warehouse", IsActive: utils.NewTrue()}
	if err := db.WithContext(ctx).Create(&warehouse).Error; err != nil {
		t.Fatalf("create warehouse: %v", err)
	}
	dry := models.Item{Sku: "DRY-1", Name: "Dry Goods", HasShelfLife: utils.NewFalse()}
	if err := db.WithContext(ctx).Create(&dry).Error; err != nil {
		t.Fatalf("create item: %v", err)
	}
	milk := models.Item{Sku: "MILK-1", Name: "Milk", HasShelfLife: utils.NewTrue()}
	if err := db.WithContext(ctx).Create(&milk).Error; err != nil {
		t.Fatalf("create item: %v", err)
	}
	prodDate := time.Now().UTC().AddDate(0, 0, -2)
	for i, code := range []string{"MB1", "MB2"} {
		days := 5 + i*10 // MB1 expires first
		batch := models.Batch{
			ItemId:         milk.ID,
			WarehouseId:    warehouse.ID,
			BatchCode:      code,
			ProductionDate: &prodDate,
			ShelfLifeDays:  &days,
		}
		if err := db.WithContext(ctx).Create(&batch).Error; err != nil {
			t.Fatalf("create batch %s: %v", code, err)
		}
	}

	// Opening stock through the posting path.
	receipts := []struct {
		itemId int
		batch  *string
		qty    int64
	}{
		{dry.ID, nil, 100},
		{milk.ID, strPtr("MB1"), 30},
		{milk.ID, strPtr("MB2"), 50},
	}
	for _, rcpt := range receipts {
		slot := workflow.SlotRef{Scope: models.ScopeProd, WarehouseId: warehouse.ID, ItemId: rcpt.itemId, BatchCode: rcpt.batch}
		if _, err := workflow.PostMovementWithRetry(db, ctx, logger, slot, decimal.NewFromInt(rcpt.qty), models.StockReasonReceipt, "GRN-1", 0, "t-seed"); err != nil {
			t.Fatalf("post receipt: %v", err)
		}
	}

	// 1) Oversell must fail atomically with structured context.
	_, err := workflow.CommitOutbound(db, ctx, logger, workflow.CommitRequest{
		Scope: models.ScopeProd, Platform: "shopify", ShopId: "shop-1", Reference: "SO-OVER", TraceId: "t-over",
		Lines: []workflow.CommitLine{
			{ItemId: dry.ID, WarehouseId: warehouse.ID, Qty: decimal.NewFromInt(40)},
			{ItemId: milk.ID, WarehouseId: warehouse.ID, BatchCode: strPtr("MB1"), Qty: decimal.NewFromInt(31)},
		},
	})
	opErr, ok := workflow.AsOpError(err)
	if !ok || opErr.Kind != workflow.ErrKindInsufficientStock {
		t.Fatalf("want insufficient_stock, got %v", err)
	}
	if opErr.ShortQty == nil || !opErr.ShortQty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("want short qty 1, got %+v", opErr.ShortQty)
	}
	// The dry-goods deduction in the same request must have rolled back.
	assertSlotQty(t, ctx, warehouse.ID, dry.ID, nil, 100)
	var certCount int64
	if err := db.WithContext(ctx).Model(&models.ShipCertificate{}).Where("reference = ?", "SO-OVER").Count(&certCount).Error; err != nil || certCount != 0 {
		t.Fatalf("failed commit must not leave a certificate (count=%d err=%v)", certCount, err)
	}

	// 2) Shelf-life item without a batch is rejected before any lock.
	_, err = workflow.CommitOutbound(db, ctx, logger, workflow.CommitRequest{
		Scope: models.ScopeProd, Platform: "shopify", ShopId: "shop-1", Reference: "SO-NOBATCH", TraceId: "t-nb",
		Lines: []workflow.CommitLine{
			{ItemId: milk.ID, WarehouseId: warehouse.ID, Qty: decimal.NewFromInt(1)},
		},
	})
	if opErr, ok := workflow.AsOpError(err); !ok || opErr.Kind != workflow.ErrKindBatchRequired {
		t.Fatalf("want batch_required, got %v", err)
	}

	// 3) Successful commit deducts and writes a certificate. Using MB2 while
	// MB1 expires first must record a FEFO deviation, not an error.
	req := workflow.CommitRequest{
		Scope: models.ScopeProd, Platform: "shopify", ShopId: "shop-1", Reference: "SO-1", TraceId: "t-1",
		Lines: []workflow.CommitLine{
			{ItemId: dry.ID, WarehouseId: warehouse.ID, Qty: decimal.NewFromInt(10)},
			{ItemId: milk.ID, WarehouseId: warehouse.ID, BatchCode: strPtr("MB2"), Qty: decimal.NewFromInt(5)},
		},
	}
	result, err := workflow.CommitOutbound(db, ctx, logger, req)
	if err != nil {
		t.Fatalf("CommitOutbound: %v", err)
	}
	if result.Idempotent || result.TraceId != "t-1" {
		t.Fatalf("first commit must execute fresh: %+v", result)
	}
	assertSlotQty(t, ctx, warehouse.ID, dry.ID, nil, 90)
	assertSlotQty(t, ctx, warehouse.ID, milk.ID, strPtr("MB2"), 45)

	var deviation models.AuditEventRecord
	if err := db.WithContext(ctx).Where("event_type = ? AND reference = ?", models.AuditEventFefoDeviation, "SO-1").First(&deviation).Error; err != nil {
		t.Fatalf("expected FEFO deviation audit event: %v", err)
	}

	// 4) Replay with the same trace is answered from the certificate.
	replay, err := workflow.CommitOutbound(db, ctx, logger, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Idempotent || replay.TraceId != "t-1" || !replay.CommittedAt.Equal(result.CommittedAt) {
		t.Fatalf("replay must adopt the original certificate: %+v", replay)
	}
	assertSlotQty(t, ctx, warehouse.ID, dry.ID, nil, 90)

	var replayAudit int64
	if err := db.WithContext(ctx).Model(&models.AuditEventRecord{}).
		Where("event_type = ? AND reference = ?", models.AuditEventIdempotentReplay, "SO-1").Count(&replayAudit).Error; err != nil || replayAudit == 0 {
		t.Fatalf("expected idempotent replay audit event (count=%d err=%v)", replayAudit, err)
	}

	// 5) Same reference with a different trace id is a hard conflict.
	conflictReq := req
	conflictReq.TraceId = "t-other"
	_, err = workflow.CommitOutbound(db, ctx, logger, conflictReq)
	if opErr, ok := workflow.AsOpError(err); !ok || opErr.Kind != workflow.ErrKindIdempotencyConflict {
		t.Fatalf("want idempotency_conflict, got %v", err)
	}

	// 6) Pick task assign/scan/diff/commit-ship round trip.
	task, err := workflow.CreatePickTask(db, ctx, models.ScopeProd, warehouse.ID, "shopify", "shop-1", "SO-2", 0, nil, []workflow.PlannedLine{
		{OrderLineId: 501, ItemId: dry.ID, ReqQty: decimal.NewFromInt(4)},
	})
	if err != nil {
		t.Fatalf("CreatePickTask: %v", err)
	}
	if err := workflow.AssignTask(db, ctx, task.ID, 42); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	var assigned models.PickTask
	if err := db.WithContext(ctx).Where("id = ?", task.ID).First(&assigned).Error; err != nil {
		t.Fatalf("reload assigned task: %v", err)
	}
	if assigned.Status != models.PickTaskStatusAssigned || assigned.AssignedTo == nil || *assigned.AssignedTo != 42 {
		t.Fatalf("assignment must record the operator (status=%s assigned_to=%v)", assigned.Status, assigned.AssignedTo)
	}
	if _, err := workflow.Scan(db, ctx, logger, task.ID, dry.ID, decimal.NewFromInt(4), nil); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	diff, err := workflow.Diff(db, ctx, task.ID)
	if err != nil || diff.HasDeviation {
		t.Fatalf("exact pick must diff clean (err=%v diff=%+v)", err, diff)
	}
	shipResult, err := workflow.CommitShip(db, ctx, logger, workflow.ShipParams{TaskId: task.ID, TraceId: "t-2"})
	if err != nil {
		t.Fatalf("CommitShip: %v", err)
	}
	if shipResult.Idempotent {
		t.Fatalf("first ship must execute fresh: %+v", shipResult)
	}
	assertSlotQty(t, ctx, warehouse.ID, dry.ID, nil, 86)
	var shipped models.PickTask
	if err := db.WithContext(ctx).Where("id = ?", task.ID).First(&shipped).Error; err != nil || shipped.Status != models.PickTaskStatusDone {
		t.Fatalf("task must be DONE after ship (status=%s err=%v)", shipped.Status, err)
	}

	// Re-shipping a DONE task with a certificate is a no-op replay.
	shipReplay, err := workflow.CommitShip(db, ctx, logger, workflow.ShipParams{TaskId: task.ID, TraceId: "t-2"})
	if err != nil {
		t.Fatalf("ship replay: %v", err)
	}
	if !shipReplay.Idempotent {
		t.Fatalf("ship replay must adopt the certificate: %+v", shipReplay)
	}
	assertSlotQty(t, ctx, warehouse.ID, dry.ID, nil, 86)

	// A shipped task is closed to further scans; the DONE transition happens
	// in the same transaction as the ledger commit, so nothing can be picked
	// onto a task after its snapshot was shipped.
	if _, err := workflow.Scan(db, ctx, logger, task.ID, dry.ID, decimal.NewFromInt(1), nil); err == nil {
		t.Fatalf("scan against a shipped task must be rejected")
	}
	assertSlotQty(t, ctx, warehouse.ID, dry.ID, nil, 86)

	// 7) Crash recovery: a task marked DONE without a certificate is dirty
	// state; commit-ship must demote it, commit, and re-mark DONE.
	dirty, err := workflow.CreatePickTask(db, ctx, models.ScopeProd, warehouse.ID, "shopify", "shop-1", "SO-3", 0, nil, []workflow.PlannedLine{
		{OrderLineId: 601, ItemId: dry.ID, ReqQty: decimal.NewFromInt(6)},
	})
	if err != nil {
		t.Fatalf("CreatePickTask: %v", err)
	}
	if _, err := workflow.Scan(db, ctx, logger, dirty.ID, dry.ID, decimal.NewFromInt(6), nil); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	// Simulate the crash window: DONE written, certificate missing.
	if err := db.WithContext(ctx).Model(&models.PickTask{}).Where("id = ?", dirty.ID).
		Update("status", models.PickTaskStatusDone).Error; err != nil {
		t.Fatalf("force DONE: %v", err)
	}
	repaired, err := workflow.CommitShip(db, ctx, logger, workflow.ShipParams{TaskId: dirty.ID, TraceId: "t-3"})
	if err != nil {
		t.Fatalf("CommitShip after dirty state: %v", err)
	}
	if repaired.Idempotent {
		t.Fatalf("repaired task must commit fresh: %+v", repaired)
	}
	assertSlotQty(t, ctx, warehouse.ID, dry.ID, nil, 80)
	var repairAudit int64
	if err := db.WithContext(ctx).Model(&models.AuditEventRecord{}).
		Where("event_type = ? AND reference = ?", models.AuditEventDirtyStateRepair, "SO-3").Count(&repairAudit).Error; err != nil || repairAudit == 0 {
		t.Fatalf("expected dirty-state repair audit event (count=%d err=%v)", repairAudit, err)
	}

	// 8) Strict diff gate: an over-pick must be rejected with no ledger writes
	// unless the caller explicitly allows the deviation.
	overTask, err := workflow.CreatePickTask(db, ctx, models.ScopeProd, warehouse.ID, "shopify", "shop-1", "SO-4", 0, nil, []workflow.PlannedLine{
		{OrderLineId: 701, ItemId: dry.ID, ReqQty: decimal.NewFromInt(2)},
	})
	if err != nil {
		t.Fatalf("CreatePickTask: %v", err)
	}
	if _, err := workflow.Scan(db, ctx, logger, overTask.ID, dry.ID, decimal.NewFromInt(4), nil); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	_, err = workflow.CommitShip(db, ctx, logger, workflow.ShipParams{TaskId: overTask.ID, TraceId: "t-4"})
	if opErr, ok := workflow.AsOpError(err); !ok || opErr.Kind != workflow.ErrKindDiffNotAllowed {
		t.Fatalf("want diff_not_allowed, got %v", err)
	}
	var gatedRows int64
	if err := db.WithContext(ctx).Model(&models.StockLedgerEntry{}).Where("reference = ?", "SO-4").Count(&gatedRows).Error; err != nil || gatedRows != 0 {
		t.Fatalf("gated commit must write no ledger rows (count=%d err=%v)", gatedRows, err)
	}
	assertSlotQty(t, ctx, warehouse.ID, dry.ID, nil, 80)

	overResult, err := workflow.CommitShip(db, ctx, logger, workflow.ShipParams{TaskId: overTask.ID, TraceId: "t-4", AllowDiff: true})
	if err != nil {
		t.Fatalf("CommitShip with allow_diff: %v", err)
	}
	if overResult.Idempotent || overResult.Diff == nil || !overResult.Diff.HasDeviation {
		t.Fatalf("allowed deviation must commit fresh and report the diff: %+v", overResult)
	}
	assertSlotQty(t, ctx, warehouse.ID, dry.ID, nil, 76)

	// 9) A task with nothing picked cannot ship at all.
	emptyTask, err := workflow.CreatePickTask(db, ctx, models.ScopeProd, warehouse.ID, "shopify", "shop-1", "SO-5", 0, nil, []workflow.PlannedLine{
		{OrderLineId: 801, ItemId: dry.ID, ReqQty: decimal.NewFromInt(3)},
	})
	if err != nil {
		t.Fatalf("CreatePickTask: %v", err)
	}
	_, err = workflow.CommitShip(db, ctx, logger, workflow.ShipParams{TaskId: emptyTask.ID, TraceId: "t-5", AllowDiff: true})
	if opErr, ok := workflow.AsOpError(err); !ok || opErr.Kind != workflow.ErrKindEmptyPickLines {
		t.Fatalf("want empty_pick_lines, got %v", err)
	}
	var unshipped models.PickTask
	if err := db.WithContext(ctx).Where("id = ?", emptyTask.ID).First(&unshipped).Error; err != nil || unshipped.Status == models.PickTaskStatusDone {
		t.Fatalf("empty task must not advance to DONE (status=%s err=%v)", unshipped.Status, err)
	}

	// 10) Concurrent replays of one reference: the advisory lock is released
	// only after COMMIT, so every waiter observes the winner's certificate.
	// Stock covers exactly one execution; any replay answered with
	// insufficient_stock would mean a waiter ran in the release-to-commit
	// window instead of short-circuiting.
	race := models.Item{Sku: "RACE-1", Name: "Race Goods", HasShelfLife: utils.NewFalse()}
	if err := db.WithContext(ctx).Create(&race).Error; err != nil {
		t.Fatalf("create item: %v", err)
	}
	raceSlot := workflow.SlotRef{Scope: models.ScopeProd, WarehouseId: warehouse.ID, ItemId: race.ID}
	if _, err := workflow.PostMovementWithRetry(db, ctx, logger, raceSlot, decimal.NewFromInt(50), models.StockReasonReceipt, "GRN-2", 0, "t-seed"); err != nil {
		t.Fatalf("post receipt: %v", err)
	}
	raceReq := workflow.CommitRequest{
		Scope: models.ScopeProd, Platform: "shopify", ShopId: "shop-1", Reference: "SO-RACE", TraceId: "t-race",
		Lines: []workflow.CommitLine{
			{ItemId: race.ID, WarehouseId: warehouse.ID, Qty: decimal.NewFromInt(50)},
		},
	}
	const racers = 8
	raceResults := make([]*workflow.CommitResult, racers)
	raceErrs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raceResults[i], raceErrs[i] = workflow.CommitOutbound(db, ctx, logger, raceReq)
		}(i)
	}
	wg.Wait()
	fresh := 0
	for i := 0; i < racers; i++ {
		if raceErrs[i] != nil {
			t.Fatalf("racer %d: %v", i, raceErrs[i])
		}
		if raceResults[i].TraceId != "t-race" {
			t.Fatalf("racer %d adopted wrong trace: %+v", i, raceResults[i])
		}
		if !raceResults[i].Idempotent {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("want exactly one fresh execution, got %d", fresh)
	}
	assertSlotQty(t, ctx, warehouse.ID, race.ID, nil, 0)

	// 11) Ledger invariant: per slot, SUM(delta) == qty.
	type consistencyRow struct {
		SlotQty   decimal.Decimal
		LedgerSum decimal.Decimal
	}
	var rows []consistencyRow
	if err := db.WithContext(ctx).Raw(`
		SELECT ss.qty AS slot_qty, COALESCE(SUM(sle.delta), 0) AS ledger_sum
		FROM stock_slots ss
		LEFT JOIN stock_ledger_entries sle
			ON sle.scope = ss.scope AND sle.warehouse_id = ss.warehouse_id
			AND sle.item_id = ss.item_id AND (sle.batch_code <=> ss.batch_code)
		WHERE ss.scope = ?
		GROUP BY ss.id, ss.qty`, models.ScopeProd).Scan(&rows).Error; err != nil {
		t.Fatalf("consistency query: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("expected stock slots after the scenario")
	}
	for i, row := range rows {
		if !row.SlotQty.Equal(row.LedgerSum) {
			t.Fatalf("slot %d: qty %s != ledger sum %s", i, row.SlotQty, row.LedgerSum)
		}
	}
}

func assertSlotQty(t *testing.T, ctx context.Context, warehouseId, itemId int, batch *string, want int64) {
	t.Helper()
	db := config.GetDB()
	var slot models.StockSlot
	q := db.WithContext(ctx).Where("scope = ? AND warehouse_id = ? AND item_id = ?", models.ScopeProd, warehouseId, itemId)
	if batch == nil {
		q = q.Where("batch_code IS NULL")
	} else {
		q = q.Where("batch_code = ?", *batch)
	}
	if err := q.First(&slot).Error; err != nil {
		t.Fatalf("load slot item=%d: %v", itemId, err)
	}
	if !slot.Qty.Equal(decimal.NewFromInt(want)) {
		t.Fatalf("slot item=%d: want qty %d got %s", itemId, want, slot.Qty)
	}
}

func strPtr(s string) *string { return &s }

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("wms-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("wms-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=wms_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
