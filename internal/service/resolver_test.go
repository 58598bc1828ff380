package service

import (
	"context"
	"testing"
	"time"

	"github.com/mmeshcher/authgate-system/internal/model"
)

func TestResolveAccess_RegistryVipBeatsRedeemedPromo(t *testing.T) {
	repo := &stubRepo{
		vipRec: &model.VipRecognition{Email: "vip@example.com", IsVip: true, VipLevel: "gold", VipScore: 90},
	}
	svc := newTestService(repo, &stubVerifier{}, &stubAudit{})

	rec, err := svc.resolveAccess(context.Background(),
		&model.Principal{ID: 1, Email: "vip@example.com"},
		repo.vipRec,
		model.CodeTypePromo,
		map[string]any{"discount": float64(25)},
	)
	if err != nil {
		t.Fatalf("resolveAccess error: %v", err)
	}

	if rec.AccessLevel != model.AccessLevelVip || !rec.IsVip {
		t.Fatalf("access level = %s, want vip", rec.AccessLevel)
	}
	if rec.Benefits["discount"] != float64(25) {
		t.Fatalf("redeemed benefits lost: %v", rec.Benefits)
	}
	if rec.Metadata["vip_level"] != "gold" {
		t.Fatalf("registry metadata lost: %v", rec.Metadata)
	}
}

func TestResolveAccess_RedeemedPromoBeatsStoredFree(t *testing.T) {
	repo := &stubRepo{
		access: &model.AccessRecord{
			UserID:      1,
			Email:       "user@example.com",
			AccessLevel: model.AccessLevelFree,
			Benefits:    map[string]any{},
			Metadata:    map[string]any{},
		},
	}
	svc := newTestService(repo, &stubVerifier{}, &stubAudit{})

	rec, err := svc.resolveAccess(context.Background(),
		&model.Principal{ID: 1, Email: "user@example.com"},
		nil,
		model.CodeTypePromo,
		map[string]any{"discount": float64(10)},
	)
	if err != nil {
		t.Fatalf("resolveAccess error: %v", err)
	}

	if rec.AccessLevel != model.AccessLevelPromo {
		t.Fatalf("access level = %s, want promo", rec.AccessLevel)
	}
	if repo.upserted == nil {
		t.Fatalf("changed record must be written through")
	}
}

func TestResolveAccess_StoredLevelPreservedWithoutNewInputs(t *testing.T) {
	repo := &stubRepo{
		access: &model.AccessRecord{
			UserID:      1,
			Email:       "user@example.com",
			AccessLevel: model.AccessLevelPromo,
			Benefits:    map[string]any{"discount": float64(10)},
			Metadata:    map[string]any{},
			UpdatedAt:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	svc := newTestService(repo, &stubVerifier{}, &stubAudit{})

	rec, err := svc.resolveAccess(context.Background(),
		&model.Principal{ID: 1, Email: "user@example.com"}, nil, "", nil)
	if err != nil {
		t.Fatalf("resolveAccess error: %v", err)
	}

	if rec.AccessLevel != model.AccessLevelPromo {
		t.Fatalf("stored level lost: %s", rec.AccessLevel)
	}
}

func TestResolveAccess_Idempotent(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo, &stubVerifier{}, &stubAudit{})
	principal := &model.Principal{ID: 1, Email: "user@example.com"}

	first, err := svc.resolveAccess(context.Background(), principal, nil, "", nil)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if repo.upserted == nil {
		t.Fatalf("first resolution must create the record")
	}

	// Повторный вызов с теми же входами: запись не меняется, upsert не выполняется.
	repo.access = first
	repo.upserted = nil

	second, err := svc.resolveAccess(context.Background(), principal, nil, "", nil)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	if repo.upserted != nil {
		t.Fatalf("unchanged record must not be upserted")
	}
	if second.AccessLevel != first.AccessLevel || second.IsVip != first.IsVip || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("resolve is not idempotent: %+v vs %+v", first, second)
	}
}

func TestResolveAccess_RedeemedVipBeatsEverything(t *testing.T) {
	repo := &stubRepo{
		access: &model.AccessRecord{
			UserID:      1,
			Email:       "user@example.com",
			AccessLevel: model.AccessLevelFree,
			Benefits:    map[string]any{},
			Metadata:    map[string]any{},
		},
	}
	svc := newTestService(repo, &stubVerifier{}, &stubAudit{})

	rec, err := svc.resolveAccess(context.Background(),
		&model.Principal{ID: 1, Email: "user@example.com"},
		nil,
		model.CodeTypeVip,
		map[string]any{"tier": "gold"},
	)
	if err != nil {
		t.Fatalf("resolveAccess error: %v", err)
	}

	if rec.AccessLevel != model.AccessLevelVip || !rec.IsVip {
		t.Fatalf("access level = %s, want vip", rec.AccessLevel)
	}
}
