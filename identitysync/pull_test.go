package identitysync

import (
	"context"
	"fmt"
	"testing"

	"github.com/mmdatafocus/storefront_backend/models"
)

func TestPullIdentityCreatesLocal(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	ext := provider.seed(ExternalIdentity{
		Email:         "fresh@example.com",
		DisplayName:   "Fresh",
		EmailVerified: true,
	})
	svc := newTestService(store, nil, provider)

	result, err := svc.PullIdentity(context.Background(), ext)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Action != ActionCreated {
		t.Fatalf("expected created, got %+v", result)
	}

	user, _ := store.Get(context.Background(), result.RecordId)
	if user == nil {
		t.Fatal("record not created")
	}
	if user.ExternalId == nil || *user.ExternalId != ext.ExternalId {
		t.Fatalf("record not linked: %+v", user)
	}
	if user.Password == "" {
		t.Fatal("created record must carry a placeholder password")
	}
	if roles := user.RoleList(); len(roles) != 1 || roles[0] != models.DefaultRole {
		t.Fatalf("roles = %v, want default role only", roles)
	}
	if user.SyncStatus != models.SyncStatusSynced || !user.EmailVerified {
		t.Fatalf("snapshot not applied: %+v", user)
	}
}

func TestPullIdentityDisplayNameFallsBackToEmailLocalPart(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	ext := provider.seed(ExternalIdentity{Email: "noname@example.com"})
	svc := newTestService(store, nil, provider)

	result, err := svc.PullIdentity(context.Background(), ext)
	if err != nil {
		t.Fatal(err)
	}
	user, _ := store.Get(context.Background(), result.RecordId)
	if user.Name != "noname" {
		t.Fatalf("name = %q, want email local part", user.Name)
	}
}

func TestPullIdentityIdempotent(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	ext := provider.seed(ExternalIdentity{Email: "same@example.com", DisplayName: "Same"})
	svc := newTestService(store, nil, provider)

	first, err := svc.PullIdentity(context.Background(), ext)
	if err != nil {
		t.Fatal(err)
	}
	afterFirst, _ := store.Get(context.Background(), first.RecordId)

	second, err := svc.PullIdentity(context.Background(), ext)
	if err != nil {
		t.Fatal(err)
	}
	if second.Action != ActionUpdated || second.RecordId != first.RecordId {
		t.Fatalf("replay must update the same record, got %+v", second)
	}

	// Only the sync timestamp may move on a replay.
	afterSecond, _ := store.Get(context.Background(), first.RecordId)
	if afterSecond.Email != afterFirst.Email || afterSecond.Name != afterFirst.Name ||
		afterSecond.Phone != afterFirst.Phone || afterSecond.Roles != afterFirst.Roles ||
		afterSecond.Password != afterFirst.Password ||
		*afterSecond.ExternalId != *afterFirst.ExternalId ||
		afterSecond.SyncStatus != afterFirst.SyncStatus {
		t.Fatalf("replay changed record state:\nfirst:  %+v\nsecond: %+v", afterFirst, afterSecond)
	}

	if count, _ := store.Count(context.Background()); count != 1 {
		t.Fatalf("replay created a duplicate, count = %d", count)
	}
}

// racingStore simulates a concurrent replica winning the create on the
// external id index: the first Create seeds the row out of band and reports
// the duplicate.
type racingStore struct {
	*fakeStore
	raced bool
}

func (r *racingStore) Create(ctx context.Context, user *models.User) error {
	if !r.raced {
		r.raced = true
		shadow := *user
		r.fakeStore.seed(shadow)
		return fmt.Errorf("%w: external id %q", ErrConflict, *user.ExternalId)
	}
	return r.fakeStore.Create(ctx, user)
}

func TestPullIdentityConflictRetriesAsUpdate(t *testing.T) {
	store := &racingStore{fakeStore: newFakeStore()}
	provider := newFakeProvider()
	ext := provider.seed(ExternalIdentity{Email: "race@example.com"})
	svc := newTestService(store, nil, provider)

	result, err := svc.PullIdentity(context.Background(), ext)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Action != ActionUpdated {
		t.Fatalf("lost race must resolve as update, got %+v", result)
	}
	if count, _ := store.Count(context.Background()); count != 1 {
		t.Fatalf("race produced %d records, want 1", count)
	}
}

func TestUnlinkRetainsOtherFields(t *testing.T) {
	store := newFakeStore()
	user := store.seed(models.User{
		Email:      "keep@example.com",
		Name:       "Keep Me",
		Phone:      "555-0100",
		Roles:      "customer,staff",
		ExternalId: strPtr("ext-gone"),
		SyncStatus: models.SyncStatusSynced,
	})
	svc := newTestService(store, nil, newFakeProvider())

	unlinked, err := svc.Unlink(context.Background(), "ext-gone", "external identity deleted")
	if err != nil {
		t.Fatal(err)
	}
	if unlinked == nil || unlinked.ID != user.ID {
		t.Fatalf("expected record %d, got %+v", user.ID, unlinked)
	}
	if unlinked.ExternalId != nil {
		t.Fatal("external id not cleared")
	}
	if unlinked.SyncStatus != models.SyncStatusManual {
		t.Fatalf("status = %s, want manual", unlinked.SyncStatus)
	}
	if unlinked.Email != user.Email || unlinked.Name != user.Name ||
		unlinked.Phone != user.Phone || unlinked.Roles != user.Roles {
		t.Fatalf("unlink touched unrelated fields: %+v", unlinked)
	}
}

func TestUnlinkUnknownExternalId(t *testing.T) {
	svc := newTestService(newFakeStore(), nil, newFakeProvider())

	user, err := svc.Unlink(context.Background(), "never-seen", "note")
	if err != nil {
		t.Fatal(err)
	}
	if user != nil {
		t.Fatalf("expected no-op, got %+v", user)
	}
}
