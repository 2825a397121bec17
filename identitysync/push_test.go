package identitysync

import (
	"context"
	"strings"
	"testing"

	"github.com/mmdatafocus/storefront_backend/models"
)

func TestPushRecordCreatesExternal(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	user := store.seed(models.User{
		Email: "new@example.com",
		Name:  "New User",
		Roles: "customer,staff",
	})
	svc := newTestService(store, nil, provider)

	result, err := svc.PushRecord(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Action != ActionCreated {
		t.Fatalf("expected created, got %+v", result)
	}
	if user.ExternalId == nil || *user.ExternalId != result.ExternalId {
		t.Fatalf("record not linked to %q: %+v", result.ExternalId, user)
	}
	if user.SyncStatus != models.SyncStatusSynced || user.LastSyncedAt == nil {
		t.Fatalf("record not marked synced: %+v", user)
	}

	claims := provider.claims[result.ExternalId]
	if claims == nil {
		t.Fatal("custom claims not set on new identity")
	}
	if claims["userId"] != user.ID {
		t.Fatalf("claims userId = %v, want %d", claims["userId"], user.ID)
	}
	roles, ok := claims["roles"].([]string)
	if !ok || len(roles) != 2 || roles[0] != "customer" || roles[1] != "staff" {
		t.Fatalf("claims roles = %v", claims["roles"])
	}
}

func TestPushRecordPreservesProviderEmail(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	ext := provider.seed(ExternalIdentity{Email: "verified@example.com"})
	user := store.seed(models.User{
		Email:      "local@example.com",
		ExternalId: strPtr(ext.ExternalId),
	})
	svc := newTestService(store, nil, provider)

	result, err := svc.PushRecord(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Action != ActionUpdated {
		t.Fatalf("expected updated, got %+v", result)
	}
	if !strings.Contains(result.Message, "preserved") {
		t.Fatalf("expected divergence message, got %q", result.Message)
	}
	if got := provider.identities[ext.ExternalId].Email; got != "verified@example.com" {
		t.Fatalf("provider email overwritten to %q", got)
	}
}

func TestPushRecordOverwriteEmailMode(t *testing.T) {
	t.Setenv("SYNC_PUSH_EMAIL_MODE", "overwrite")

	store := newFakeStore()
	provider := newFakeProvider()
	ext := provider.seed(ExternalIdentity{Email: "verified@example.com"})
	user := store.seed(models.User{
		Email:      "local@example.com",
		ExternalId: strPtr(ext.ExternalId),
	})
	svc := newTestService(store, nil, provider)

	result, err := svc.PushRecord(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if result.Message != "" {
		t.Fatalf("unexpected message in overwrite mode: %q", result.Message)
	}
	if got := provider.identities[ext.ExternalId].Email; got != "local@example.com" {
		t.Fatalf("provider email = %q, want local email", got)
	}
}

func TestPushRecordCarriesForwardExtraClaims(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	ext := provider.seed(ExternalIdentity{
		Email:        "a@example.com",
		CustomClaims: map[string]any{"tenant": "acme", "roles": "stale"},
	})
	user := store.seed(models.User{
		Email:      "a@example.com",
		ExternalId: strPtr(ext.ExternalId),
		Roles:      "customer",
	})
	svc := newTestService(store, nil, provider)

	if _, err := svc.PushRecord(context.Background(), user); err != nil {
		t.Fatal(err)
	}

	claims := provider.claims[ext.ExternalId]
	if claims["tenant"] != "acme" {
		t.Fatalf("extra claim dropped: %v", claims)
	}
	// Known fields win over carried-forward extras on collision.
	roles, ok := claims["roles"].([]string)
	if !ok || len(roles) != 1 || roles[0] != "customer" {
		t.Fatalf("roles claim = %v, want fresh role list", claims["roles"])
	}
}

func TestPushRecordProviderFailureMarksError(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	provider.createFailsFor = "broken@example.com"
	user := store.seed(models.User{Email: "broken@example.com"})
	svc := newTestService(store, nil, provider)

	result, err := svc.PushRecord(context.Background(), user)
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Success || result.Action != ActionError {
		t.Fatalf("expected error result, got %+v", result)
	}

	stored, _ := store.Get(context.Background(), user.ID)
	if stored.SyncStatus != models.SyncStatusError || stored.SyncError == nil {
		t.Fatalf("failure not recorded on record: %+v", stored)
	}
	if stored.ExternalId != nil {
		t.Fatalf("failed push must not link the record: %+v", stored)
	}
}

func TestPushRecordDisabledFollowsIsActive(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	user := store.seed(models.User{Email: "off@example.com", IsActive: boolPtr(false)})
	svc := newTestService(store, nil, provider)

	result, err := svc.PushRecord(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if !provider.identities[result.ExternalId].Disabled {
		t.Fatal("inactive record must push a disabled identity")
	}
}
