package storage

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
	"github.com/buoooou/airline-order-course-sub001/internal/port"
)

var (
	mysqlOnce      sync.Once
	mysqlContainer *tcmysql.MySQLContainer
	mysqlDSN       string
	mysqlErr       error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if mysqlContainer != nil {
		testcontainers.TerminateContainer(mysqlContainer)
	}
	os.Exit(code)
}

func startMySQL() {
	ctx := context.Background()
	mysqlContainer, mysqlErr = tcmysql.Run(ctx, "mysql:8.0.36", tcmysql.WithDatabase("airline"))
	if mysqlErr != nil {
		return
	}
	mysqlDSN, mysqlErr = mysqlContainer.ConnectionString(ctx, "parseTime=true", "loc=UTC")
}

// getMySQLDB uses MYSQL_DSN when set, otherwise a shared container.
func getMySQLDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		mysqlOnce.Do(startMySQL)
		if mysqlErr != nil {
			t.Skipf("MySQL not available: %v", mysqlErr)
		}
		dsn = mysqlDSN
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testOrderID() string {
	return "test-" + uuid.NewString()
}

func TestMySQL_CreateAndFindOrder(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	order := newOrder(t, testOrderID(), domain.StatusPendingPayment, now)
	if err := adapter.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	got, err := adapter.FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.Status != domain.StatusPendingPayment || !got.Amount.Equal(order.Amount) || !got.UpdatedAt.Equal(now) {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.PaidAt != nil {
		t.Error("expected nil PaidAt")
	}

	if _, err := adapter.FindByID(ctx, "missing-"+order.ID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestMySQL_SaveIfStatus_OptimisticPrecondition(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	order := newOrder(t, testOrderID(), domain.StatusPendingPayment, now)
	adapter.CreateOrder(ctx, order)

	paid := order.Clone()
	paid.Apply(domain.StatusPaid, domain.EventPay, "user-1", now.Add(time.Second))
	if err := adapter.SaveIfStatus(ctx, paid, domain.StatusPendingPayment); err != nil {
		t.Fatalf("SaveIfStatus failed: %v", err)
	}

	stale := order.Clone()
	stale.Apply(domain.StatusCancelled, domain.EventCancel, domain.OperatorSystem, now.Add(time.Second))
	if err := adapter.SaveIfStatus(ctx, stale, domain.StatusPendingPayment); !errors.Is(err, port.ErrStaleOrder) {
		t.Errorf("expected ErrStaleOrder, got %v", err)
	}

	got, _ := adapter.FindByID(ctx, order.ID)
	if got.Status != domain.StatusPaid || got.PaidAt == nil {
		t.Errorf("expected PAID with payment time, got %+v", got)
	}
}

func TestMySQL_FindByStatus(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)
	old := newOrder(t, testOrderID(), domain.StatusTicketingInProgress, base)
	recent := newOrder(t, testOrderID(), domain.StatusTicketingInProgress, base.Add(20*time.Minute))
	adapter.CreateOrder(ctx, old)
	adapter.CreateOrder(ctx, recent)

	orders, err := adapter.FindByStatus(ctx, domain.StatusTicketingInProgress, base.Add(10*time.Minute), 0)
	if err != nil {
		t.Fatalf("FindByStatus failed: %v", err)
	}
	found := false
	for _, o := range orders {
		if o.ID == recent.ID {
			t.Error("order changed after the cutoff was returned")
		}
		if o.ID == old.ID {
			found = true
		}
	}
	if !found {
		t.Error("expected the old order among candidates")
	}
}

func TestMySQL_LockLeaseAndRelease(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	name := "order:" + testOrderID()
	now := time.Now().UTC().Truncate(time.Microsecond)

	ok, err := adapter.UpsertLockIfExpired(ctx, name, "a@1", now, now.Add(30*time.Second))
	if err != nil || !ok {
		t.Fatalf("expected first claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := adapter.UpsertLockIfExpired(ctx, name, "b@2", now.Add(time.Second), now.Add(31*time.Second)); ok {
		t.Fatal("expected claim on a live lease to fail")
	}

	lock, err := adapter.LoadLock(ctx, name)
	if err != nil || lock == nil {
		t.Fatalf("LoadLock failed: %v", err)
	}
	if lock.Holder != "a@1" || !lock.LockUntil.Equal(now.Add(30*time.Second)) {
		t.Errorf("unexpected lock row %+v", lock)
	}

	if ok, _ := adapter.ReleaseLock(ctx, name, "b@2", now.Add(30*time.Second), now); ok {
		t.Error("expected release by a non-holder to fail")
	}
	if ok, _ := adapter.ReleaseLock(ctx, name, "a@1", now.Add(30*time.Second), now); !ok {
		t.Error("expected holder release to succeed")
	}
	if ok, _ := adapter.UpsertLockIfExpired(ctx, name, "b@2", now.Add(time.Second), now.Add(31*time.Second)); !ok {
		t.Error("expected claim after release to succeed")
	}

	if lock, _ := adapter.LoadLock(ctx, "order:"+testOrderID()); lock != nil {
		t.Error("expected nil for a never-locked name")
	}
}

func TestMySQL_ConcurrentLockClaims(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	name := "job-" + testOrderID()
	now := time.Now().UTC().Truncate(time.Microsecond)

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.UpsertLockIfExpired(ctx, name, "node", now, now.Add(time.Minute))
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners.Load())
	}
}

func TestGormHistory_AppendAndQuery(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	gdb, err := OpenGorm(db)
	if err != nil {
		t.Fatalf("OpenGorm failed: %v", err)
	}
	repo := NewGormHistoryRepository(gdb)

	orderID := testOrderID()
	now := time.Now().UTC().Truncate(time.Microsecond)
	entries := []domain.HistoryEntry{
		{OrderID: orderID, FromStatus: domain.StatusPaid, ToStatus: domain.StatusTicketingInProgress, Event: domain.EventStartTicketing, Operator: domain.OperatorSystem, Success: true, CreatedAt: now},
		{OrderID: orderID, FromStatus: domain.StatusTicketingInProgress, ToStatus: domain.StatusTicketingFailed, Event: domain.EventTicketingFailed, Operator: domain.OperatorSystem, Success: true, FailureKind: domain.FailureNoSeatAvailable, ErrorMessage: "cabin full", Snapshot: `{"event":"TICKETING_FAILED"}`, CreatedAt: now.Add(time.Second)},
	}
	for i := range entries {
		if err := repo.AppendHistory(ctx, &entries[i]); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}
	if entries[0].ID == 0 || entries[1].ID <= entries[0].ID {
		t.Errorf("expected increasing ids, got %d, %d", entries[0].ID, entries[1].ID)
	}

	got, err := repo.QueryHistory(ctx, domain.HistoryFilter{OrderID: orderID})
	if err != nil {
		t.Fatalf("QueryHistory failed: %v", err)
	}
	if len(got) != 2 || got[0].Event != domain.EventStartTicketing || got[1].FailureKind != domain.FailureNoSeatAvailable {
		t.Errorf("unexpected history %+v", got)
	}
	if got[1].ErrorMessage != "cabin full" || !got[1].CreatedAt.Equal(now.Add(time.Second)) {
		t.Errorf("fields lost in round trip: %+v", got[1])
	}

	failures, err := repo.QueryHistory(ctx, domain.HistoryFilter{OrderID: orderID, OnlyFailures: true, NewestFirst: true, Limit: 5})
	if err != nil {
		t.Fatalf("QueryHistory failed: %v", err)
	}
	if len(failures) != 1 || failures[0].ID != entries[1].ID {
		t.Errorf("expected only the gateway failure, got %+v", failures)
	}
}
