package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	mysqldriver "github.com/go-sql-driver/mysql"

	"Dough-Agent/internal/deployment"
	xerrors "Dough-Agent/internal/errors"
)

var (
	testAddress   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	otherAddress  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	loadQuery     = `SELECT identity, address, deploy_tx, registered, register_tx, updated_at FROM deployments WHERE identity = ?`
	lockQuery     = `SELECT address FROM deployments WHERE identity = ? FOR UPDATE`
	deploymentCol = []string{"identity", "address", "deploy_tx", "registered", "register_tx", "updated_at"}
)

func TestMemorySwapRepository(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewMemorySwapRepository(dir)
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}

	ctx := context.Background()
	now := time.Now()
	old := &SwapRecord{Identity: "dough", TxHash: "0x01", Balance: "80", Threshold: "100", CreatedAt: now.Add(-48 * time.Hour).Unix()}
	recent := &SwapRecord{Identity: "dough", TxHash: "0x02", Balance: "90", Threshold: "100", CreatedAt: now.Unix()}
	for _, record := range []*SwapRecord{old, recent} {
		if err := repo.Save(ctx, record); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	if recent.ID != 2 {
		t.Fatalf("expected sequential ids, got %d", recent.ID)
	}

	count, err := repo.CountSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 swap in the last day, got %d", count)
	}

	reopened, err := NewMemorySwapRepository(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	list, err := reopened.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 2 || list[0].TxHash != "0x02" {
		t.Fatalf("unexpected list result: %+v", list)
	}

	next := &SwapRecord{TxHash: "0x03"}
	if err := reopened.Save(ctx, next); err != nil {
		t.Fatalf("save after reopen failed: %v", err)
	}
	if next.ID != 3 {
		t.Fatalf("expected id to continue after reopen, got %d", next.ID)
	}
}

func TestSQLSwapRepositorySave(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(insertSwapSQL, mockResult{lastInsertID: 42, rowsAffected: 1}),
		{typ: opExec, query: insertSwapSQL, err: &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}},
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := NewSQLSwapRepository(db)
	record := &SwapRecord{Identity: "dough", Contract: testAddress.Hex(), TxHash: "0xabc", Balance: "80", Threshold: "100", CreatedAt: 1}
	if err := repo.Save(context.Background(), record); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if record.ID != 42 {
		t.Fatalf("expected id 42, got %d", record.ID)
	}
	if err := repo.Save(context.Background(), record); err != nil {
		t.Fatalf("duplicate tx hash should be idempotent: %v", err)
	}
}

func TestSQLSwapRepositoryListAndCount(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"id", "identity", "contract", "tx_hash", "balance", "threshold", "block_number", "created_at"},
		values: [][]driver.Value{
			{int64(2), "dough", testAddress.Hex(), "0x02", "90", "100", int64(12), int64(20)},
			{int64(1), "dough", testAddress.Hex(), "0x01", "80", "100", int64(11), int64(10)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT id, identity, contract, tx_hash, balance, threshold, block_number, created_at
        FROM swaps ORDER BY id DESC LIMIT ?`, rows),
		queryOp(`SELECT COUNT(*) FROM swaps WHERE created_at >= ?`, mockRowsData{columns: []string{"count"}, values: [][]driver.Value{{int64(3)}}}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := NewSQLSwapRepository(db)
	list, err := repo.ListLatest(context.Background(), 2)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != 2 || list[0].BlockNumber != 12 {
		t.Fatalf("unexpected list: %+v", list)
	}
	count, err := repo.CountSince(context.Background(), time.Unix(0, 0))
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3, got %d", count)
	}
}

func TestSQLDeploymentStoreLoad(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: deploymentCol,
		values:  [][]driver.Value{{"dough", testAddress.Hex(), common.Hash{0x01}.Hex(), int64(1), "", int64(100)}},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(loadQuery, rows),
		queryOp(loadQuery, mockRowsData{columns: deploymentCol}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := NewSQLDeploymentStore(db)
	rec, err := store.Load(context.Background(), "dough")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if rec.Address != testAddress || !rec.Registered || rec.DeployTx != (common.Hash{0x01}) || rec.UpdatedAt.Unix() != 100 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := store.Load(context.Background(), "other"); !errors.Is(err, deployment.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLDeploymentStoreSave(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(lockQuery, mockRowsData{columns: []string{"address"}}),
		execOp(upsertDeploymentSQL, mockResult{rowsAffected: 1}),
		commitOp(),
		beginOp(),
		queryOp(lockQuery, mockRowsData{columns: []string{"address"}, values: [][]driver.Value{{testAddress.Hex()}}}),
		execOp(upsertDeploymentSQL, mockResult{rowsAffected: 2}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := NewSQLDeploymentStore(db)
	ctx := context.Background()
	if err := store.Save(ctx, deployment.Record{Identity: "dough", Address: testAddress}, false); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := store.Save(ctx, deployment.Record{Identity: "dough", Address: testAddress, Registered: true}, false); err != nil {
		t.Fatalf("update failed: %v", err)
	}
}

func TestSQLDeploymentStoreRejectsSilentOverwrite(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(lockQuery, mockRowsData{columns: []string{"address"}, values: [][]driver.Value{{testAddress.Hex()}}}),
		rollbackOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := NewSQLDeploymentStore(db)
	err := store.Save(context.Background(), deployment.Record{Identity: "dough", Address: otherAddress}, false)
	if !errors.Is(err, deployment.ErrAddressConflict) {
		t.Fatalf("expected address conflict, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeStateConflict {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createVersionTableSQL, mockResult{}),
		queryOp(selectVersionsSQL, mockRowsData{columns: []string{"version"}, values: [][]driver.Value{{"0001"}}}),
		beginOp(),
		execOp(readMigrationStatement("0002_create_swaps.sql"), mockResult{rowsAffected: 0}),
		execOp(insertVersionSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestSplitSQLStatementsSkipsComments(t *testing.T) {
	t.Parallel()

	got := splitSQLStatements("-- header\nCREATE TABLE a (id INT);\n\n-- second\nCREATE INDEX i ON a (id);\n")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
	if got[0] != "CREATE TABLE a (id INT)" || got[1] != "CREATE INDEX i ON a (id)" {
		t.Fatalf("unexpected statements: %q", got)
	}
	if v := parseMigrationVersion("0002_create_swaps.sql"); v != "0002" {
		t.Fatalf("unexpected version %q", v)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Config{}); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func readMigrationStatement(name string) string {
	content, err := embeddedMigrations.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
