package linkstore

import (
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fedplane/internal/db"
	"fedplane/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	logger := logrus.NewEntry(logrus.New())
	return NewStore(gdb, logger)
}

func TestUpsertLink_CreateAndUpdate(t *testing.T) {
	s := newTestStore(t)

	link, err := s.UpsertLink("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusPending, "deu-broker", "federation", nil)
	if err != nil {
		t.Fatalf("UpsertLink() create failed: %v", err)
	}
	if link.Status != model.LinkStatusPending {
		t.Errorf("Expected PENDING, got %s", link.Status)
	}

	link, err = s.UpsertLink("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusActive, "deu-broker", "federation", nil)
	if err != nil {
		t.Fatalf("UpsertLink() update failed: %v", err)
	}
	if link.Status != model.LinkStatusActive {
		t.Errorf("Expected ACTIVE, got %s", link.Status)
	}

	var count int64
	s.DB().Model(&model.FederationLink{}).Count(&count)
	if count != 1 {
		t.Errorf("Expected 1 row after upsert, got %d", count)
	}
}

func TestUpsertLink_RevokedIsSticky(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertLink("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusRevoked, "", "", nil); err != nil {
		t.Fatalf("UpsertLink() failed: %v", err)
	}

	_, err := s.UpsertLink("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusActive, "", "", nil)
	if !errors.Is(err, ErrLinkRevoked) {
		t.Errorf("Expected ErrLinkRevoked, got %v", err)
	}

	status, err := s.GetStatus("DEU", "USA", model.DirectionSpokeToHub)
	if err != nil {
		t.Fatalf("GetStatus() failed: %v", err)
	}
	if status != model.LinkStatusRevoked {
		t.Errorf("Revoked link was resurrected to %s", status)
	}
}

func TestUpdateStatus(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertLink("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusActive, "", "", nil); err != nil {
		t.Fatalf("UpsertLink() failed: %v", err)
	}

	if err := s.UpdateStatus("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusFailed, "heartbeat timeout", "HEARTBEAT_TIMEOUT"); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}

	var link model.FederationLink
	if err := s.DB().Where("source_code = ?", "DEU").First(&link).Error; err != nil {
		t.Fatalf("failed to load link: %v", err)
	}
	if link.Status != model.LinkStatusFailed {
		t.Errorf("Expected FAILED, got %s", link.Status)
	}
	if link.LastErrorCode != "HEARTBEAT_TIMEOUT" {
		t.Errorf("Expected error code HEARTBEAT_TIMEOUT, got %s", link.LastErrorCode)
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateStatus("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusFailed, "", "")
	if !errors.Is(err, ErrLinkNotFound) {
		t.Errorf("Expected ErrLinkNotFound, got %v", err)
	}
}

func TestUpdateStatus_RevokedNotOverwritten(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertLink("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusRevoked, "", "", nil); err != nil {
		t.Fatalf("UpsertLink() failed: %v", err)
	}

	err := s.UpdateStatus("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusActive, "", "")
	if !errors.Is(err, ErrLinkRevoked) {
		t.Errorf("Expected ErrLinkRevoked, got %v", err)
	}
}

func TestUpdateStatusTx_LateWriteCannotOverwriteRevocation(t *testing.T) {
	// Order of events the monitor can hit under MySQL: it reads ACTIVE,
	// a revocation commits, then the monitor writes FAILED. The write
	// carries its own status predicate, so the stale read does not matter.
	s := newTestStore(t)
	mustUpsertPair(t, s, "DEU", "USA", model.LinkStatusActive)

	err := s.DB().Transaction(func(tx *gorm.DB) error {
		return SetPairStatus(tx, "DEU", "USA", model.LinkStatusRevoked, "REVOKED")
	})
	if err != nil {
		t.Fatalf("SetPairStatus() failed: %v", err)
	}

	err = s.DB().Transaction(func(tx *gorm.DB) error {
		return UpdateStatusTx(tx, "DEU", "USA", model.DirectionSpokeToHub,
			model.LinkStatusFailed, "no heartbeat within absolute timeout", "HEARTBEAT_TIMEOUT")
	})
	if !errors.Is(err, ErrLinkRevoked) {
		t.Fatalf("Expected ErrLinkRevoked from late FAILED write, got %v", err)
	}

	status, err := s.GetStatus("DEU", "USA", model.DirectionSpokeToHub)
	if err != nil {
		t.Fatalf("GetStatus() failed: %v", err)
	}
	if status != model.LinkStatusRevoked {
		t.Errorf("Revocation overwritten: got %s", status)
	}

	// Pair-level writers lose the same way.
	err = s.DB().Transaction(func(tx *gorm.DB) error {
		return SetPairStatus(tx, "DEU", "USA", model.LinkStatusActive, "")
	})
	if !errors.Is(err, ErrLinkRevoked) {
		t.Errorf("Expected ErrLinkRevoked from pair activation, got %v", err)
	}

	// Re-revoking stays idempotent.
	err = s.DB().Transaction(func(tx *gorm.DB) error {
		return SetPairStatus(tx, "DEU", "USA", model.LinkStatusRevoked, "REVOKED")
	})
	if err != nil {
		t.Errorf("Repeat revocation should be a no-op, got %v", err)
	}
}

func TestSetPairStatus(t *testing.T) {
	s := newTestStore(t)

	mustUpsertPair(t, s, "DEU", "USA", model.LinkStatusPending)

	err := s.DB().Transaction(func(tx *gorm.DB) error {
		return SetPairStatus(tx, "DEU", "USA", model.LinkStatusActive, "")
	})
	if err != nil {
		t.Fatalf("SetPairStatus() failed: %v", err)
	}

	active, err := s.PairActive("DEU", "USA")
	if err != nil {
		t.Fatalf("PairActive() failed: %v", err)
	}
	if !active {
		t.Error("Expected both directional links ACTIVE")
	}
}

func TestSetPairStatus_RevokeClearsConfig(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertLink("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusActive, "a", "r", []byte(`{"cached":"partner-config"}`)); err != nil {
		t.Fatalf("UpsertLink() failed: %v", err)
	}
	if _, err := s.UpsertLink("USA", "DEU", model.DirectionHubToSpoke, model.LinkStatusActive, "a", "r", []byte(`{"cached":"partner-config"}`)); err != nil {
		t.Fatalf("UpsertLink() failed: %v", err)
	}

	err := s.DB().Transaction(func(tx *gorm.DB) error {
		return SetPairStatus(tx, "DEU", "USA", model.LinkStatusRevoked, "REVOKED")
	})
	if err != nil {
		t.Fatalf("SetPairStatus() failed: %v", err)
	}

	var links []model.FederationLink
	if err := s.DB().Find(&links).Error; err != nil {
		t.Fatalf("failed to load links: %v", err)
	}
	for _, link := range links {
		if link.Status != model.LinkStatusRevoked {
			t.Errorf("link %s/%s not revoked", link.SourceCode, link.TargetCode)
		}
		if len(link.ConfigSnapshot) != 0 {
			t.Errorf("cached partner config not cleared on revocation: %s", string(link.ConfigSnapshot))
		}
	}
}

func TestPairActive_OneSidePending(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertLink("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusActive, "", "", nil); err != nil {
		t.Fatalf("UpsertLink() failed: %v", err)
	}
	if _, err := s.UpsertLink("USA", "DEU", model.DirectionHubToSpoke, model.LinkStatusPending, "", "", nil); err != nil {
		t.Fatalf("UpsertLink() failed: %v", err)
	}

	active, err := s.PairActive("DEU", "USA")
	if err != nil {
		t.Fatalf("PairActive() failed: %v", err)
	}
	if active {
		t.Error("Pair with one PENDING side must not report active")
	}
}

func TestReset_RevokedRequiresAudit(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertLink("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusRevoked, "", "", nil); err != nil {
		t.Fatalf("UpsertLink() failed: %v", err)
	}

	if err := s.Reset("DEU", "USA", model.DirectionSpokeToHub, "admin", model.ActorTypeHuman); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	status, err := s.GetStatus("DEU", "USA", model.DirectionSpokeToHub)
	if err != nil {
		t.Fatalf("GetStatus() failed: %v", err)
	}
	if status != model.LinkStatusPending {
		t.Errorf("Expected PENDING after reset of REVOKED link, got %s", status)
	}

	var audits []model.AuditLog
	if err := s.DB().Where("action = ?", "link.reset").Find(&audits).Error; err != nil {
		t.Fatalf("failed to load audit logs: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("Expected 1 audit row for reset, got %d", len(audits))
	}
	if audits[0].Actor != "admin" || audits[0].ActorType != model.ActorTypeHuman {
		t.Errorf("Audit row does not record the authorizing actor: %+v", audits[0])
	}
}

func TestReset_FailedBackToActive(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertLink("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusFailed, "", "", nil); err != nil {
		t.Fatalf("UpsertLink() failed: %v", err)
	}

	if err := s.Reset("DEU", "USA", model.DirectionSpokeToHub, "retry-worker", model.ActorTypeAutomated); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	status, _ := s.GetStatus("DEU", "USA", model.DirectionSpokeToHub)
	if status != model.LinkStatusActive {
		t.Errorf("Expected ACTIVE after reset of FAILED link, got %s", status)
	}
}

func TestGetInstanceStatus_IncludesLatestHealth(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertLink("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusActive, "", "", nil); err != nil {
		t.Fatalf("UpsertLink() failed: %v", err)
	}

	// Two samples; the aggregate must surface the newest
	old := model.HealthSample{
		SourceCode: "DEU", TargetCode: "USA", Direction: model.DirectionSpokeToHub,
		Source: model.SampleSourceHeartbeat, Healthy: false, ErrorMessage: "stale",
	}
	if err := s.DB().Create(&old).Error; err != nil {
		t.Fatalf("failed to create sample: %v", err)
	}
	time.Sleep(time.Millisecond)
	fresh := model.HealthSample{
		SourceCode: "DEU", TargetCode: "USA", Direction: model.DirectionSpokeToHub,
		Source: model.SampleSourceHeartbeat, Healthy: true, LatencyMs: 12,
	}
	if err := s.DB().Create(&fresh).Error; err != nil {
		t.Fatalf("failed to create sample: %v", err)
	}

	status, err := s.GetInstanceStatus("DEU")
	if err != nil {
		t.Fatalf("GetInstanceStatus() failed: %v", err)
	}
	if len(status.Links) != 1 {
		t.Fatalf("Expected 1 link, got %d", len(status.Links))
	}
	if status.Links[0].LatestHealth == nil {
		t.Fatal("Expected latest health sample")
	}
	if !status.Links[0].LatestHealth.Healthy {
		t.Error("Aggregate returned a stale health sample")
	}
}

func mustUpsertPair(t *testing.T, s *Store, requester, approver string, status model.LinkStatus) {
	t.Helper()
	if _, err := s.UpsertLink(requester, approver, model.DirectionSpokeToHub, status, "", "", nil); err != nil {
		t.Fatalf("UpsertLink() failed: %v", err)
	}
	if _, err := s.UpsertLink(approver, requester, model.DirectionHubToSpoke, status, "", "", nil); err != nil {
		t.Fatalf("UpsertLink() failed: %v", err)
	}
}
