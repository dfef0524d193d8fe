package load

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	perrors "github.com/actionlog/actionlog/internal/errors"
	"github.com/actionlog/actionlog/internal/keygen"
	"github.com/actionlog/actionlog/internal/metrics"
	"github.com/actionlog/actionlog/internal/storage"
	"github.com/actionlog/actionlog/internal/warehouse"
	"github.com/actionlog/actionlog/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// recordingStore is an in-memory warehouse.Store that counts transaction calls.
type recordingStore struct {
	begins    int
	commits   int
	rollbacks int
	failOn    string

	actionInserts int

	users   map[string]types.DimUser
	actions map[string]int64
	facts   map[string]bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		users:   make(map[string]types.DimUser),
		actions: make(map[string]int64),
		facts:   make(map[string]bool),
	}
}

func (s *recordingStore) Begin(ctx context.Context) (warehouse.Tx, error) {
	s.begins++
	return &recordingTx{store: s}, nil
}

func (s *recordingStore) Migrate(ctx context.Context) error { return nil }

func (s *recordingStore) Counts(ctx context.Context) (warehouse.Counts, error) {
	return warehouse.Counts{Users: int64(len(s.users)), Actions: int64(len(s.actions)), Facts: int64(len(s.facts))}, nil
}

func (s *recordingStore) Close() error { return nil }

// recordingTx applies writes directly; it is only used in tests that either
// commit or assert on the rollback count.
type recordingTx struct {
	store *recordingStore
}

func factKey(userID string, actionID int64, ts time.Time) string {
	return userID + "|" + strconv.FormatInt(actionID, 10) + "|" + types.FormatTimestamp(ts)
}

func (t *recordingTx) FindUser(ctx context.Context, userID string) (*types.DimUser, error) {
	if u, ok := t.store.users[userID]; ok {
		return &u, nil
	}
	return nil, nil
}

func (t *recordingTx) CreateUser(ctx context.Context, user types.DimUser) (bool, error) {
	if _, ok := t.store.users[user.UserID]; ok {
		return false, nil
	}
	t.store.users[user.UserID] = user
	return true, nil
}

func (t *recordingTx) FindAction(ctx context.Context, actionType string) (*types.DimAction, error) {
	if id, ok := t.store.actions[actionType]; ok {
		return &types.DimAction{ActionID: id, ActionType: actionType}, nil
	}
	return nil, nil
}

func (t *recordingTx) CreateAction(ctx context.Context, actionType string) (*types.DimAction, bool, error) {
	t.store.actionInserts++
	if id, ok := t.store.actions[actionType]; ok {
		return &types.DimAction{ActionID: id, ActionType: actionType}, false, nil
	}
	id := int64(len(t.store.actions) + 1)
	t.store.actions[actionType] = id
	return &types.DimAction{ActionID: id, ActionType: actionType}, true, nil
}

func (t *recordingTx) FactExists(ctx context.Context, userID string, actionID int64, ts time.Time) (bool, error) {
	return t.store.facts[factKey(userID, actionID, ts)], nil
}

func (t *recordingTx) CreateFact(ctx context.Context, fact types.FactUserAction) (bool, error) {
	if t.store.failOn == "fact" {
		return false, errors.New("disk full")
	}
	key := factKey(fact.UserID, fact.ActionID, fact.Timestamp)
	if t.store.facts[key] {
		return false, nil
	}
	t.store.facts[key] = true
	return true, nil
}

func (t *recordingTx) Commit(ctx context.Context) error {
	t.store.commits++
	return nil
}

func (t *recordingTx) Rollback(ctx context.Context) error {
	t.store.rollbacks++
	return nil
}

func event(user, action, ts string, device, location *string) types.ProcessedEvent {
	return types.ProcessedEvent{
		UserID:     types.Ptr(user),
		ActionType: types.Ptr(action),
		Timestamp:  types.Ptr(ts),
		Device:     device,
		Location:   location,
	}
}

func twoEvents() []types.ProcessedEvent {
	return []types.ProcessedEvent{
		event("1", "click", "2025-07-15T10:15:30Z", types.Ptr("mobile"), types.Ptr("Berlin")),
		event("3", "scroll", "2025-07-15T12:30:00Z", types.Ptr("desktop"), types.Ptr("Paris")),
	}
}

func TestLoad_CommitsOnce(t *testing.T) {
	store := newRecordingStore()
	engine := NewEngine(store, nil, "", nil, nil, nil)

	res, err := engine.Load(context.Background(), twoEvents())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if store.begins != 1 || store.commits != 1 {
		t.Errorf("begins=%d commits=%d, want 1/1", store.begins, store.commits)
	}
	if store.rollbacks != 0 {
		t.Errorf("unexpected rollback")
	}
	if res.UsersCreated != 2 || res.ActionsCreated != 2 || res.FactsCreated != 2 {
		t.Errorf("unexpected result: %+v", res)
	}
	if !res.Committed {
		t.Error("expected Committed to be set")
	}
}

func TestLoad_KnownActionsAreNotReinserted(t *testing.T) {
	store := newRecordingStore()
	engine := NewEngine(store, nil, "", nil, nil, nil)

	if _, err := engine.Load(context.Background(), twoEvents()); err != nil {
		t.Fatalf("first Load failed: %v", err)
	}
	if store.actionInserts != 2 {
		t.Fatalf("actionInserts = %d after first load, want 2", store.actionInserts)
	}

	again := twoEvents()
	again[0].Timestamp = types.Ptr("2025-07-16T08:00:00Z")
	res, err := engine.Load(context.Background(), again)
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if store.actionInserts != 2 {
		t.Errorf("actionInserts = %d after second load, want 2", store.actionInserts)
	}
	if res.ActionsCreated != 0 || res.FactsCreated != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestLoad_EmptyBatchOpensNoTransaction(t *testing.T) {
	store := newRecordingStore()
	engine := NewEngine(store, nil, "", nil, nil, nil)

	res, err := engine.Load(context.Background(), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if store.begins != 0 {
		t.Errorf("expected no transaction, got %d begins", store.begins)
	}
	if res.Committed {
		t.Error("nothing should be committed")
	}
}

func TestLoad_AllRowsFilteredOpensNoTransaction(t *testing.T) {
	store := newRecordingStore()
	engine := NewEngine(store, nil, "", nil, nil, nil)

	events := []types.ProcessedEvent{
		event("1", "click", "2025-07-15T10:15:30Z", nil, types.Ptr("Berlin")),
		{UserID: types.Ptr("2"), ActionType: types.Ptr("view"), Device: types.Ptr("mobile"), Location: types.Ptr("Rome")},
	}

	res, err := engine.Load(context.Background(), events)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if store.begins != 0 {
		t.Errorf("expected no transaction, got %d begins", store.begins)
	}
	if res.Quality.NullRowsDropped != 2 {
		t.Errorf("NullRowsDropped = %d, want 2", res.Quality.NullRowsDropped)
	}
}

func TestLoad_InvalidTimestampAborts(t *testing.T) {
	store := newRecordingStore()
	engine := NewEngine(store, nil, "", nil, nil, nil)

	events := twoEvents()
	events[1].Timestamp = types.Ptr("invalid_timestamp")

	_, err := engine.Load(context.Background(), events)
	if err == nil {
		t.Fatal("expected error for invalid timestamp")
	}
	if perrors.GetCode(err) != perrors.CodeInvalidTimestamp {
		t.Errorf("code = %s, want %s", perrors.GetCode(err), perrors.CodeInvalidTimestamp)
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError in chain, got %v", err)
	}
	if verr.RowIndex != 1 || verr.Field != "timestamp" {
		t.Errorf("unexpected validation error: %+v", verr)
	}
	if n := strings.Count(err.Error(), "row 1, field timestamp"); n != 1 {
		t.Errorf("row context appears %d times in %q, want 1", n, err.Error())
	}
	if store.begins != 0 {
		t.Error("warehouse should not be touched")
	}
}

func TestLoad_ErrorRollsBack(t *testing.T) {
	store := newRecordingStore()
	store.failOn = "fact"
	engine := NewEngine(store, nil, "", nil, nil, nil)

	if _, err := engine.Load(context.Background(), twoEvents()); err == nil {
		t.Fatal("expected error")
	}
	if store.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", store.rollbacks)
	}
	if store.commits != 0 {
		t.Errorf("commits = %d, want 0", store.commits)
	}
}

func TestLoad_DuplicatesDroppedBeforeWrite(t *testing.T) {
	store := newRecordingStore()
	engine := NewEngine(store, nil, "", nil, nil, nil)

	events := twoEvents()
	// Same instant written with an offset is a duplicate once normalized.
	events = append(events, event("1", "click", "2025-07-15T12:15:30+02:00", types.Ptr("mobile"), types.Ptr("Berlin")))

	res, err := engine.Load(context.Background(), events)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if res.Quality.DuplicatesFound != 1 {
		t.Errorf("DuplicatesFound = %d, want 1", res.Quality.DuplicatesFound)
	}
	if res.FactsCreated != 2 {
		t.Errorf("FactsCreated = %d, want 2", res.FactsCreated)
	}
}

func newSQLiteStore(t *testing.T) *warehouse.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := warehouse.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "warehouse.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return store
}

func TestLoad_SQLiteIdempotent(t *testing.T) {
	store := newSQLiteStore(t)
	m := metrics.New()
	engine := NewEngine(store, nil, "", nil, nil, m)
	ctx := context.Background()

	res, err := engine.Load(ctx, twoEvents())
	if err != nil {
		t.Fatalf("first Load failed: %v", err)
	}
	if res.UsersCreated != 2 || res.ActionsCreated != 2 || res.FactsCreated != 2 {
		t.Errorf("first load: %+v", res)
	}

	res, err = engine.Load(ctx, twoEvents())
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if res.UsersCreated != 0 || res.ActionsCreated != 0 || res.FactsCreated != 0 {
		t.Errorf("second load should create nothing: %+v", res)
	}
	if res.FactsSkipped != 2 {
		t.Errorf("FactsSkipped = %d, want 2", res.FactsSkipped)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts != (warehouse.Counts{Users: 2, Actions: 2, Facts: 2}) {
		t.Errorf("Counts = %+v, want 2/2/2", counts)
	}

	if got := testutil.ToFloat64(m.FactsCreatedTotal); got != 2 {
		t.Errorf("facts metric = %v, want 2", got)
	}
}

func TestLoad_SQLiteFirstSeenUserWins(t *testing.T) {
	store := newSQLiteStore(t)
	engine := NewEngine(store, nil, "", nil, nil, nil)
	ctx := context.Background()

	events := []types.ProcessedEvent{
		event("1", "click", "2025-07-15T10:15:30Z", types.Ptr("mobile"), types.Ptr("Berlin")),
		event("1", "view", "2025-07-15T10:16:30Z", types.Ptr("desktop"), types.Ptr("Paris")),
	}

	res, err := engine.Load(ctx, events)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if res.UsersCreated != 1 || res.FactsCreated != 2 {
		t.Errorf("unexpected result: %+v", res)
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback(ctx)
	u, err := tx.FindUser(ctx, "1")
	if err != nil || u == nil {
		t.Fatalf("FindUser = %v, %v", u, err)
	}
	if *u.Device != "mobile" || *u.Location != "Berlin" {
		t.Errorf("first-seen attributes should win, got %s/%s", *u.Device, *u.Location)
	}
}

func TestEngine_Run(t *testing.T) {
	ctx := context.Background()
	objects, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	if _, err := objects.EnsureBucket(ctx, "user-actions"); err != nil {
		t.Fatalf("EnsureBucket failed: %v", err)
	}

	now := time.Date(2025, 7, 15, 18, 0, 0, 0, time.UTC)
	keys := keygen.NewGeneratorWithClock(func() time.Time { return now })
	store := newSQLiteStore(t)
	engine := NewEngine(store, objects, "user-actions", keys, nil, nil)

	// No processed batch yet
	res, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run without batch failed: %v", err)
	}
	if res.Committed {
		t.Error("nothing should be committed without a batch")
	}

	data, err := types.EncodeBatch(twoEvents())
	if err != nil {
		t.Fatalf("EncodeBatch failed: %v", err)
	}
	if err := objects.PutObject(ctx, "user-actions", "processed/json/2025/07/15/processed_logs.json", data); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	res, err = engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.FactsCreated != 2 {
		t.Errorf("FactsCreated = %d, want 2", res.FactsCreated)
	}
}

func TestEngine_RunMalformedBatch(t *testing.T) {
	ctx := context.Background()
	objects, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	if _, err := objects.EnsureBucket(ctx, "user-actions"); err != nil {
		t.Fatalf("EnsureBucket failed: %v", err)
	}
	keys := keygen.NewGenerator()
	if err := objects.PutObject(ctx, "user-actions", keys.Key(keygen.StageProcessed), []byte("[{")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	store := newRecordingStore()
	engine := NewEngine(store, objects, "user-actions", keys, nil, nil)

	_, err = engine.Run(ctx)
	if perrors.GetCategory(err) != perrors.ErrCategoryMalformedInput {
		t.Fatalf("expected MALFORMED_INPUT, got %v", err)
	}
	if store.begins != 0 {
		t.Error("warehouse should not be touched")
	}
}
