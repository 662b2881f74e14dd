package backup

import (
	"context"
	"io"
	"log/slog"
	gosync "sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vich3er/cursova/internal/model"
	"github.com/vich3er/cursova/internal/netwatch"
	"github.com/vich3er/cursova/internal/snapshot"
)

type fakeQuerier struct {
	profile   *model.UserProfile
	groups    []model.Group
	lists     []model.ShoppingList
	items     []model.ShoppingItem
	messages  []model.ChatMessage
	itemsErr  error
	groupsErr error
}

func (q *fakeQuerier) Profile(ctx context.Context, uid string) (*model.UserProfile, error) {
	return q.profile, nil
}
func (q *fakeQuerier) ProfileByDisplayName(ctx context.Context, name string) (*model.UserProfile, error) {
	return nil, nil
}
func (q *fakeQuerier) GroupsByMember(ctx context.Context, userID string) ([]model.Group, error) {
	return q.groups, q.groupsErr
}
func (q *fakeQuerier) ListsByGroup(ctx context.Context, groupID string) ([]model.ShoppingList, error) {
	return q.lists, nil
}
func (q *fakeQuerier) ItemsByList(ctx context.Context, listID string) ([]model.ShoppingItem, error) {
	return q.items, q.itemsErr
}
func (q *fakeQuerier) MessagesByGroup(ctx context.Context, groupID string) ([]model.ChatMessage, error) {
	return q.messages, nil
}

type fakeS3 struct {
	mu   gosync.Mutex
	puts []string
	body []byte
}

func (f *fakeS3) PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, *input.Key)
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, status.Error(codes.NotFound, "no export")
}

type countingDrainer struct{ calls int }

func (d *countingDrainer) DrainPending(ctx context.Context) { d.calls++ }

func testQuerier() *fakeQuerier {
	return &fakeQuerier{
		profile:  &model.UserProfile{UID: "u1", DisplayName: "Ann"},
		groups:   []model.Group{{ID: "g1", Name: "Home", Members: []string{"u1"}}},
		lists:    []model.ShoppingList{{ID: "l1", GroupID: "g1", Name: "Groceries"}},
		items:    []model.ShoppingItem{{ID: "a", ShoppingListID: "l1", Text: "milk"}},
		messages: []model.ChatMessage{{ID: "m1", UserID: "u1", Text: "hi"}},
	}
}

func setupManager(t *testing.T, q *fakeQuerier, online bool) (*Manager, *snapshot.Store, *countingDrainer) {
	t.Helper()
	snaps := snapshot.NewStore(t.TempDir(), "")
	net := netwatch.New(online)
	drainer := &countingDrainer{}
	m := NewManager(Config{UserID: "u1"}, q, snaps, net, drainer, slog.Default(), nil)
	return m, snaps, drainer
}

func TestCycleWritesFullBundle(t *testing.T) {
	q := testQuerier()
	m, snaps, drainer := setupManager(t, q, true)

	if err := m.RunNow(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap, err := snaps.Read()
	if err != nil || snap == nil {
		t.Fatalf("read snapshot: snap=%v err=%v", snap, err)
	}
	if snap.UserID != "u1" || snap.UserProfile == nil {
		t.Error("profile missing from bundle")
	}
	if len(snap.Groups) != 1 || len(snap.Lists) != 1 || len(snap.Items) != 1 {
		t.Errorf("bundle incomplete: %+v", snap)
	}
	if len(snap.ChatMessages["g1"]) != 1 {
		t.Error("messages missing from bundle")
	}
	if drainer.calls != 1 {
		t.Errorf("ledger drained %d times, want 1", drainer.calls)
	}
	if st := m.Status(); st.State != StateIdle || st.LastBackup == nil {
		t.Errorf("status = %+v", st)
	}
}

func TestCycleSkippedOffline(t *testing.T) {
	q := testQuerier()
	m, snaps, drainer := setupManager(t, q, false)

	if err := m.RunNow(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap, _ := snaps.Read(); snap != nil {
		t.Error("offline cycle must not write a snapshot")
	}
	if drainer.calls != 0 {
		t.Error("offline cycle must not drain")
	}
}

func TestCycleRateLimited(t *testing.T) {
	q := testQuerier()
	m, snaps, _ := setupManager(t, q, true)

	if err := m.RunNow(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := snaps.Read()

	// Change remote state; an immediate second cycle must be skipped.
	q.items = append(q.items, model.ShoppingItem{ID: "b", ShoppingListID: "l1", Text: "eggs"})
	if err := m.RunNow(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, _ := snaps.Read()
	if len(second.Items) != len(first.Items) {
		t.Error("rate-limited cycle still ran")
	}
}

func TestPermissionDeniedCollectionSkipped(t *testing.T) {
	q := testQuerier()
	q.itemsErr = status.Error(codes.PermissionDenied, "revoked")
	m, snaps, _ := setupManager(t, q, true)

	if err := m.RunNow(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	snap, _ := snaps.Read()
	if snap == nil {
		t.Fatal("partial bundle not written")
	}
	if len(snap.Items) != 0 {
		t.Error("inaccessible items should be absent")
	}
	if len(snap.Lists) != 1 {
		t.Error("accessible collections must survive a partial failure")
	}
}

func TestGroupsFailureFailsCycle(t *testing.T) {
	q := testQuerier()
	q.groupsErr = status.Error(codes.Internal, "boom")
	m, snaps, _ := setupManager(t, q, true)

	if err := m.RunNow(context.Background()); err == nil {
		t.Fatal("unexpected success with failing root query")
	}
	if snap, _ := snaps.Read(); snap != nil {
		t.Error("failed cycle must not replace the snapshot")
	}
	if st := m.Status(); st.State != StateError {
		t.Errorf("status state = %v, want error", st.State)
	}
}

func TestExportUploadsEncryptedBundle(t *testing.T) {
	q := testQuerier()
	snaps := snapshot.NewStore(t.TempDir(), "")
	net := netwatch.New(true)
	m := NewManager(Config{UserID: "u1", Passphrase: "pass"}, q, snaps, net, nil, slog.Default(), nil)
	fake := &fakeS3{}
	m.client = fake
	m.cfg.S3.Bucket = "bucket"

	if err := m.RunNow(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.puts) != 1 || fake.puts[0] != "users/u1/shopping_list_backup.json" {
		t.Fatalf("puts = %v", fake.puts)
	}
	if len(fake.body) == 0 || fake.body[0] == '{' {
		t.Error("exported bundle should be encrypted")
	}
	if _, err := snapshot.Decrypt(fake.body, "pass"); err != nil {
		t.Errorf("exported bundle does not decrypt: %v", err)
	}
}

func TestDebounceCoalescesRequests(t *testing.T) {
	m, _, _ := setupManager(t, testQuerier(), true)

	m.Request()
	m.Request()
	m.Request()

	// Only one scheduled cycle may be queued.
	select {
	case <-m.req:
	default:
		t.Fatal("no request queued")
	}
	select {
	case <-m.req:
		t.Fatal("requests not coalesced")
	default:
	}
}
