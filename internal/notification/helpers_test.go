package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/nao1215/ridenotify/pkg/event"
)

var (
	adminA   = Identity{ID: "admin-1", Role: RoleAdmin}
	adminB   = Identity{ID: "admin-2", Role: RoleAdmin}
	driverD  = Identity{ID: "driver-1", Role: RoleDriver}
	driverD2 = Identity{ID: "driver-2", Role: RoleDriver}
	studentS = Identity{ID: "student-1", Role: RoleStudent}
	student2 = Identity{ID: "student-2", Role: RoleStudent}
	student3 = Identity{ID: "student-3", Role: RoleStudent}
)

// testClock は呼び出しのたびに1秒進む時計。
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// newTestDB はマイグレーション適用済みのインメモリSQLiteを返す。
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := OpenDB(":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := Migrate(t.Context(), db, zap.NewNop()); err != nil {
		t.Fatalf("マイグレーションに失敗: %v", err)
	}
	return db
}

// seedDirectory は利用者台帳と車両割り当ての共通データを登録する。
// driver-1 は車両 v-1（生徒 student-1, student-2）を担当し、driver-2 は担当車両を持たない。
func seedDirectory(t *testing.T, dir *SQLDirectory) {
	t.Helper()
	ctx := t.Context()
	users := []User{
		{ID: adminA.ID, Name: "管理者A", Role: RoleAdmin},
		{ID: adminB.ID, Name: "管理者B", Role: RoleAdmin},
		{ID: driverD.ID, Name: "田中", Role: RoleDriver},
		{ID: driverD2.ID, Name: "佐藤", Role: RoleDriver},
		{ID: studentS.ID, Name: "生徒1", Role: RoleStudent},
		{ID: student2.ID, Name: "生徒2", Role: RoleStudent},
		{ID: student3.ID, Name: "生徒3", Role: RoleStudent},
	}
	for _, u := range users {
		if err := dir.UpsertUser(ctx, u); err != nil {
			t.Fatalf("利用者の登録に失敗: %v", err)
		}
	}
	if err := dir.UpsertVehicle(ctx, Vehicle{ID: "v-1", Number: "品川500あ1234", RouteName: "北ルート"}, driverD.ID); err != nil {
		t.Fatalf("車両の登録に失敗: %v", err)
	}
	for _, id := range []string{studentS.ID, student2.ID} {
		if err := dir.AssignStudent(ctx, "v-1", id); err != nil {
			t.Fatalf("生徒の割り当てに失敗: %v", err)
		}
	}
}

// testEnv はテスト用に組み立てたServiceと依存先。
type testEnv struct {
	db        *sqlx.DB
	store     *SQLiteStore
	directory *SQLDirectory
	service   *Service
	events    *recordingPublisher
}

// newTestEnv はインメモリSQLiteの上にServiceを組み立てる。
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	db := newTestDB(t)
	dir := NewSQLDirectory(db)
	seedDirectory(t, dir)

	store := NewSQLiteStore(db)
	events := &recordingPublisher{}
	base := []Option{WithClock(newTestClock().Now), WithEventPublisher(events)}
	service := NewService(store, NewResolver(dir, dir), zaptest.NewLogger(t), append(base, opts...)...)
	return &testEnv{db: db, store: store, directory: dir, service: service, events: events}
}

// countAll は保存されている通知の件数を返す。
func (e *testEnv) countAll(t *testing.T) int {
	t.Helper()
	var n int
	if err := e.db.Get(&n, "SELECT COUNT(*) FROM notifications"); err != nil {
		t.Fatalf("件数の取得に失敗: %v", err)
	}
	return n
}

// recordingPublisher は送信されたイベントを記録する。
type recordingPublisher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

// failingStore は指定した件数の保存に成功した後、Createを失敗させる。
type failingStore struct {
	Store
	mu        sync.Mutex
	succeed   int
	createErr error
}

func (f *failingStore) Create(ctx context.Context, n *Notification) error {
	f.mu.Lock()
	if f.succeed <= 0 {
		f.mu.Unlock()
		return f.createErr
	}
	f.succeed--
	f.mu.Unlock()
	return f.Store.Create(ctx, n)
}

func strPtr(s string) *string { return &s }
