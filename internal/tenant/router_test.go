package tenant

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanizio/tenantdb/internal/metrics"
	"github.com/yanizio/tenantdb/internal/tenant/meta"
)

//
// Fakes
//

// closeSeq orders fakePool closes against other events in a test.
var closeSeq atomic.Int64

type fakePool struct {
	db         *sqlx.DB
	closed     atomic.Bool
	closedAt   atomic.Int64 // closeSeq value of the first Close
	closeCalls atomic.Int32
	failCloses atomic.Int32 // Close fails this many times
}

func (p *fakePool) DB() *sqlx.DB    { return p.db }
func (p *fakePool) Connected() bool { return !p.closed.Load() }

func (p *fakePool) Close() error {
	p.closeCalls.Add(1)
	p.closed.Store(true)
	p.closedAt.CompareAndSwap(0, closeSeq.Add(1))
	if p.failCloses.Add(-1) >= 0 {
		return errors.New("close: broken pipe")
	}
	return nil
}

type fakeFactory struct {
	mu         sync.Mutex
	calls      map[string]int
	records    []meta.Record
	pools      []*fakePool
	err        error
	failCloses int32
	gate       chan struct{} // when set, Open blocks until closed
	entered    chan struct{}
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{calls: map[string]int{}, entered: make(chan struct{}, 64)}
}

func (f *fakeFactory) Open(ctx context.Context, rec meta.Record) (Pool, error) {
	select {
	case f.entered <- struct{}{}:
	default:
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[rec.ID]++
	f.records = append(f.records, rec)
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePool{}
	p.failCloses.Store(f.failCloses)
	f.pools = append(f.pools, p)
	return p, nil
}

func (f *fakeFactory) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

//
// Harness
//

type harness struct {
	r       *Router
	mock    sqlmock.Sqlmock
	clk     *clock.Mock
	factory *fakeFactory
	master  *fakePool
	opens   atomic.Int32
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		mock:    mock,
		clk:     clock.NewMock(),
		factory: newFakeFactory(),
		master:  &fakePool{db: sqlx.NewDb(db, "mysql")},
	}
	opener := func(context.Context) (Pool, error) {
		h.opens.Add(1)
		h.master.closed.Store(false)
		return h.master, nil
	}
	h.r = New(cfg, opener, h.factory, WithClock(h.clk), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, h.r.Initialize(context.Background()))
	t.Cleanup(func() { _ = h.r.Close() })
	return h
}

var directoryColumns = []string{
	"id", "name", "slug", "email", "status", "subscription_plan",
	"database_name", "database_server",
}

func (h *harness) expectTenant(id, slug, server, dbName string) {
	h.mock.ExpectQuery(`FROM tenants WHERE id = \? AND status = \?`).
		WithArgs(id, meta.StatusActive).
		WillReturnRows(sqlmock.NewRows(directoryColumns).
			AddRow(id, "Store "+slug, slug, slug+"@example.test", "active", "pro", dbName, server))
}

func (h *harness) expectMissing(id string) {
	h.mock.ExpectQuery(`FROM tenants WHERE id = \? AND status = \?`).
		WithArgs(id, meta.StatusActive).
		WillReturnRows(sqlmock.NewRows(directoryColumns))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxCacheAge = 5 * time.Second
	cfg.CacheCleanupInterval = time.Second
	return cfg
}

//
// Connection cache
//

func TestConnReusesPoolWithinMaxAge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCacheAge = 300 * time.Second
	h := newHarness(t, cfg)
	h.expectTenant("acme-id", "acme", "db1", "AcmeDB")

	opened := testutil.ToFloat64(metrics.TenantPoolOpenTotal)

	p1, err := h.r.Conn(context.Background(), "acme-id")
	require.NoError(t, err)

	h.clk.Add(time.Second)
	p2, err := h.r.Conn(context.Background(), "acme-id")
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Equal(t, 1, h.factory.callsFor("acme-id"))
	require.Len(t, h.factory.records, 1)
	assert.Equal(t, "db1", h.factory.records[0].DatabaseServer)
	assert.Equal(t, "AcmeDB", h.factory.records[0].DatabaseName)
	assert.Equal(t, opened+1, testutil.ToFloat64(metrics.TenantPoolOpenTotal))
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestConnSingleFlight(t *testing.T) {
	h := newHarness(t, testConfig())
	h.expectTenant("acme-id", "acme", "db1", "AcmeDB")
	h.factory.gate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	pools := make([]Pool, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pools[i], errs[i] = h.r.Conn(context.Background(), "acme-id")
		}(i)
	}

	<-h.factory.entered
	time.Sleep(10 * time.Millisecond)
	close(h.factory.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, pools[0], pools[i])
	}
	assert.Equal(t, 1, h.factory.callsFor("acme-id"))
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestConnKeysByRequestedID(t *testing.T) {
	h := newHarness(t, testConfig())
	// The directory collation matches ids without regard to case.
	h.mock.ExpectQuery(`FROM tenants WHERE id = \? AND status = \?`).
		WithArgs("ACME-ID", meta.StatusActive).
		WillReturnRows(sqlmock.NewRows(directoryColumns).
			AddRow("acme-id", "Store acme", "acme", "acme@example.test", "active", "pro", "AcmeDB", "db1"))

	first, err := h.r.Conn(context.Background(), "ACME-ID")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		p, err := h.r.Conn(context.Background(), "ACME-ID")
		require.NoError(t, err)
		assert.Same(t, first, p)
	}
	assert.Equal(t, 1, h.factory.callsFor("acme-id"))
	assert.True(t, h.r.HasConn("ACME-ID"))
	assert.False(t, h.r.HasConn("acme-id"))

	active := h.r.ActiveConns()
	require.Len(t, active, 1)
	assert.Equal(t, "ACME-ID", active[0].TenantID)

	require.NoError(t, h.r.CloseConn("ACME-ID"))
	assert.Equal(t, int32(1), first.(*fakePool).closeCalls.Load())
	assert.Equal(t, 0, h.r.Stats().TenantPools)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestConnWaiterHonoursOwnContext(t *testing.T) {
	h := newHarness(t, testConfig())
	h.expectTenant("acme-id", "acme", "db1", "AcmeDB")
	h.factory.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.r.Conn(ctx, "acme-id")
		done <- err
	}()

	<-h.factory.entered
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// Creation is detached from the caller and still lands in the cache.
	close(h.factory.gate)
	require.Eventually(t, func() bool { return h.r.HasConn("acme-id") }, time.Second, 5*time.Millisecond)
}

func TestConnTenantNotFound(t *testing.T) {
	h := newHarness(t, testConfig())
	h.expectMissing("missing-id")

	_, err := h.r.Conn(context.Background(), "missing-id")
	require.ErrorIs(t, err, ErrTenantNotFound)
	assert.Equal(t, 0, h.factory.callsFor("missing-id"))
	assert.False(t, h.r.HasConn("missing-id"))
}

func TestConnPoolFactoryFailureKeepsTenantInfo(t *testing.T) {
	h := newHarness(t, testConfig())
	h.expectTenant("acme-id", "acme", "unreachable", "AcmeDB")
	refused := errors.New("dial tcp unreachable:3306: connection refused")
	h.factory.err = refused

	_, err := h.r.Conn(context.Background(), "acme-id")
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, "unreachable/AcmeDB", ce.Target)

	// Directory read succeeded, so the record is served from cache.
	rec, found, err := h.r.TenantInfo(context.Background(), "acme-id")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "unreachable", rec.DatabaseServer)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestDisconnectedPoolIsReplaced(t *testing.T) {
	h := newHarness(t, testConfig())
	h.expectTenant("acme-id", "acme", "db1", "AcmeDB")

	p1, err := h.r.Conn(context.Background(), "acme-id")
	require.NoError(t, err)
	p1.(*fakePool).closed.Store(true)
	assert.False(t, h.r.HasConn("acme-id"))

	p2, err := h.r.Conn(context.Background(), "acme-id")
	require.NoError(t, err)
	assert.NotSame(t, p1, p2)
	assert.Equal(t, 2, h.factory.callsFor("acme-id"))
	assert.Equal(t, int32(1), p1.(*fakePool).closeCalls.Load())
	assert.Len(t, h.r.ActiveConns(), 1)
}

func TestHasConnDoesNotRefresh(t *testing.T) {
	h := newHarness(t, testConfig())
	h.r.reaper.stop()
	h.expectTenant("acme-id", "acme", "db1", "AcmeDB")

	_, err := h.r.Conn(context.Background(), "acme-id")
	require.NoError(t, err)

	h.clk.Add(4 * time.Second)
	require.True(t, h.r.HasConn("acme-id"))
	h.clk.Add(2 * time.Second)

	h.r.reap()
	assert.False(t, h.r.HasConn("acme-id"))
}

func TestActiveConns(t *testing.T) {
	h := newHarness(t, testConfig())
	h.r.reaper.stop()
	h.expectTenant("acme-id", "acme", "db1", "AcmeDB")
	h.expectTenant("bolt-id", "bolt", "db2", "BoltDB")

	_, err := h.r.Conn(context.Background(), "acme-id")
	require.NoError(t, err)
	_, err = h.r.Conn(context.Background(), "bolt-id")
	require.NoError(t, err)

	h.clk.Add(2 * time.Second)
	_, err = h.r.Conn(context.Background(), "acme-id")
	require.NoError(t, err)

	got := map[string]ConnInfo{}
	for _, ci := range h.r.ActiveConns() {
		got[ci.TenantID] = ci
	}
	require.Len(t, got, 2)
	assert.Equal(t, "AcmeDB", got["acme-id"].DatabaseName)
	assert.True(t, got["acme-id"].LastAccessed.Equal(h.clk.Now()))
	assert.True(t, got["bolt-id"].LastAccessed.Equal(h.clk.Now().Add(-2*time.Second)))
}

func TestCloseConnClearsBothCaches(t *testing.T) {
	h := newHarness(t, testConfig())
	h.expectTenant("acme-id", "acme", "db1", "AcmeDB")

	p1, err := h.r.Conn(context.Background(), "acme-id")
	require.NoError(t, err)
	require.NoError(t, h.r.CloseConn("acme-id"))

	assert.False(t, h.r.HasConn("acme-id"))
	assert.Equal(t, int32(1), p1.(*fakePool).closeCalls.Load())

	// Fresh directory read on the next Conn.
	h.expectTenant("acme-id", "acme", "db1", "AcmeDB")
	p2, err := h.r.Conn(context.Background(), "acme-id")
	require.NoError(t, err)
	assert.NotSame(t, p1, p2)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestCloseConnReportsCleanupError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.expectTenant("acme-id", "acme", "db1", "AcmeDB")
	h.factory.failCloses = 1

	_, err := h.r.Conn(context.Background(), "acme-id")
	require.NoError(t, err)

	err = h.r.CloseConn("acme-id")
	var ce *CleanupError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "acme-id", ce.TenantID)
	assert.False(t, h.r.HasConn("acme-id"))
	assert.Equal(t, 0, h.r.Stats().TenantPools)
}

func TestCloseConnUnknownTenant(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.NoError(t, h.r.CloseConn("nobody"))
}

func TestConnNeverServesEvictedPool(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCacheAge = time.Hour
	cfg.MaxTenants = 1
	h := newHarness(t, cfg)
	h.r.reaper.stop()
	h.mock.MatchExpectationsInOrder(false)
	h.expectTenant("acme-id", "acme", "db1", "AcmeDB")
	h.expectTenant("bolt-id", "bolt", "db2", "BoltDB")

	ids := []string{"acme-id", "bolt-id"}
	stop := make(chan struct{})
	var (
		wg     sync.WaitGroup
		served atomic.Int64
		stale  atomic.Int64
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				before := closeSeq.Load()
				p, err := h.r.Conn(context.Background(), id)
				if err != nil {
					t.Errorf("Conn(%s): %v", id, err)
					return
				}
				served.Add(1)
				// Closed before this Conn began, yet handed out.
				if at := p.(*fakePool).closedAt.Load(); at != 0 && at <= before {
					stale.Add(1)
				}
			}
		}(ids[i%len(ids)])
	}

	require.Eventually(t, func() bool { return h.r.Stats().TenantPools == 2 }, time.Second, time.Millisecond)
	for i := 0; i < 200; i++ {
		h.clk.Add(time.Second)
		h.r.reap()
	}
	close(stop)
	wg.Wait()

	assert.Positive(t, served.Load())
	assert.Zero(t, stale.Load(), "closed pools handed out")

	h.factory.mu.Lock()
	defer h.factory.mu.Unlock()
	var evicted int
	for _, p := range h.factory.pools {
		assert.LessOrEqual(t, p.closeCalls.Load(), int32(1))
		if p.closed.Load() {
			evicted++
		}
	}
	assert.Positive(t, evicted)
}
