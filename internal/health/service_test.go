package health

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fedplane/internal/breaker"
	"fedplane/internal/db"
	"fedplane/internal/httpx"
	"fedplane/internal/linkstore"
	"fedplane/internal/model"
)

func newTestService(t *testing.T) (*Service, *linkstore.Store, *breaker.Registry, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	logger := logrus.NewEntry(logrus.New())
	links := linkstore.NewStore(gdb, logger)
	breakers := breaker.NewRegistry(gdb, 5, 30*time.Second, logger)
	return NewService(gdb, links, breakers, logger), links, breakers, gdb
}

func seedActiveLink(t *testing.T, links *linkstore.Store, source, target string) {
	t.Helper()
	if _, err := links.UpsertLink(source, target, model.DirectionSpokeToHub, model.LinkStatusActive, "", "", nil); err != nil {
		t.Fatalf("failed to seed link: %v", err)
	}
}

func TestIngestHeartbeat_RecordsSample(t *testing.T) {
	svc, links, breakers, gdb := newTestService(t)
	seedActiveLink(t, links, "DEU", "USA")

	err := svc.IngestHeartbeat(&HeartbeatReport{
		SourceCode: "DEU", TargetCode: "USA",
		Healthy: true, IdPReachable: true, OIDCDiscoveryOK: true, TokenExchangeOK: true,
		LatencyMs: 12,
	})
	if err != nil {
		t.Fatalf("IngestHeartbeat() failed: %v", err)
	}

	var sample model.HealthSample
	if err := gdb.Order("id DESC").First(&sample).Error; err != nil {
		t.Fatalf("Expected a health sample row: %v", err)
	}
	if sample.Source != model.SampleSourceHeartbeat || !sample.Healthy {
		t.Errorf("Unexpected sample: source=%s healthy=%v", sample.Source, sample.Healthy)
	}

	key := linkstore.Key("DEU", "USA", model.DirectionSpokeToHub)
	if got := breakers.Get(key).State(); got != model.BreakerStateClosed {
		t.Errorf("Expected breaker CLOSED after healthy heartbeat, got %s", got)
	}
}

func TestIngestHeartbeat_UnknownLinkRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	err := svc.IngestHeartbeat(&HeartbeatReport{SourceCode: "DEU", TargetCode: "USA", Healthy: true})
	appErr, ok := err.(*httpx.AppError)
	if !ok || appErr.Code != httpx.CodeNotFound {
		t.Errorf("Expected CodeNotFound, got %v", err)
	}
}

func TestIngestHeartbeat_RevokedLinkRejected(t *testing.T) {
	svc, links, _, gdb := newTestService(t)
	seedActiveLink(t, links, "DEU", "USA")
	gdb.Model(&model.FederationLink{}).
		Where("source_code = ?", "DEU").
		Update("status", model.LinkStatusRevoked)

	err := svc.IngestHeartbeat(&HeartbeatReport{SourceCode: "DEU", TargetCode: "USA", Healthy: true})
	appErr, ok := err.(*httpx.AppError)
	if !ok || appErr.Code != httpx.CodeStateConflict {
		t.Errorf("Expected CodeStateConflict for revoked link, got %v", err)
	}

	var count int64
	gdb.Model(&model.HealthSample{}).Count(&count)
	if count != 0 {
		t.Errorf("Expected no sample recorded against a revoked link, got %d", count)
	}
}

func TestIngestHeartbeat_DoesNotResurrectFailedLink(t *testing.T) {
	svc, links, _, _ := newTestService(t)
	seedActiveLink(t, links, "DEU", "USA")
	if err := links.UpdateStatus("DEU", "USA", model.DirectionSpokeToHub,
		model.LinkStatusFailed, "timeout", "HEARTBEAT_TIMEOUT"); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}

	if err := svc.IngestHeartbeat(&HeartbeatReport{SourceCode: "DEU", TargetCode: "USA", Healthy: true}); err != nil {
		t.Fatalf("IngestHeartbeat() failed: %v", err)
	}

	status, err := links.GetStatus("DEU", "USA", model.DirectionSpokeToHub)
	if err != nil {
		t.Fatalf("GetStatus() failed: %v", err)
	}
	if status != model.LinkStatusFailed {
		t.Errorf("Heartbeat must not move FAILED back to ACTIVE, got %s", status)
	}
}

func newTestMonitor(svc *Service, links *linkstore.Store, breakers *breaker.Registry, gdb *gorm.DB, interval, timeout time.Duration) *Monitor {
	return NewMonitor(&MonitorConfig{
		DB:        gdb,
		Service:   svc,
		Links:     links,
		Breakers:  breakers,
		LocalCode: "USA",
		Interval:  interval,
		Timeout:   timeout,
		Logger:    logrus.NewEntry(logrus.New()),
	})
}

func TestMonitor_MarksLinkFailedAfterAbsoluteTimeout(t *testing.T) {
	svc, links, breakers, gdb := newTestService(t)
	seedActiveLink(t, links, "DEU", "USA")

	m := newTestMonitor(svc, links, breakers, gdb, 10*time.Second, 90*time.Second)
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	m.Sweep()

	status, err := links.GetStatus("DEU", "USA", model.DirectionSpokeToHub)
	if err != nil {
		t.Fatalf("GetStatus() failed: %v", err)
	}
	if status != model.LinkStatusFailed {
		t.Errorf("Expected FAILED after silence beyond timeout, got %s", status)
	}

	var link model.FederationLink
	gdb.Where("source_code = ?", "DEU").First(&link)
	if link.LastErrorCode != "HEARTBEAT_TIMEOUT" {
		t.Errorf("Expected HEARTBEAT_TIMEOUT error code, got %q", link.LastErrorCode)
	}
}

func TestMonitor_MissedIntervalsOpenBreaker(t *testing.T) {
	svc, links, breakers, gdb := newTestService(t)
	seedActiveLink(t, links, "DEU", "USA")

	m := newTestMonitor(svc, links, breakers, gdb, 10*time.Second, time.Hour)

	// six consecutive sweeps without a heartbeat, each past the interval
	for i := 1; i <= 6; i++ {
		offset := time.Duration(i) * 15 * time.Second
		m.now = func() time.Time { return time.Now().Add(offset) }
		m.Sweep()
	}

	key := linkstore.Key("DEU", "USA", model.DirectionSpokeToHub)
	if got := breakers.Get(key).State(); got != model.BreakerStateOpen {
		t.Errorf("Expected breaker OPEN after missed heartbeats, got %s", got)
	}

	// absence never escalates to REVOKED
	status, _ := links.GetStatus("DEU", "USA", model.DirectionSpokeToHub)
	if status == model.LinkStatusRevoked {
		t.Error("Missed heartbeats must never revoke a link")
	}
}

func TestMonitor_FreshHeartbeatKeepsLinkActive(t *testing.T) {
	svc, links, breakers, gdb := newTestService(t)
	seedActiveLink(t, links, "DEU", "USA")

	if err := svc.IngestHeartbeat(&HeartbeatReport{SourceCode: "DEU", TargetCode: "USA", Healthy: true}); err != nil {
		t.Fatalf("IngestHeartbeat() failed: %v", err)
	}

	m := newTestMonitor(svc, links, breakers, gdb, 10*time.Second, 90*time.Second)
	m.Sweep()

	status, _ := links.GetStatus("DEU", "USA", model.DirectionSpokeToHub)
	if status != model.LinkStatusActive {
		t.Errorf("Expected ACTIVE with fresh heartbeat, got %s", status)
	}
	key := linkstore.Key("DEU", "USA", model.DirectionSpokeToHub)
	if got := breakers.Get(key).State(); got != model.BreakerStateClosed {
		t.Errorf("Expected breaker CLOSED, got %s", got)
	}
}

func TestIngestHeartbeat_ClosesOpenBreakerAfterCooldown(t *testing.T) {
	// A spoke-to-hub link is fed only by heartbeats; no prober ever calls
	// Allow on its key. A healthy heartbeat after the cool-down must still
	// close the breaker.
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	logger := logrus.NewEntry(logrus.New())
	links := linkstore.NewStore(gdb, logger)
	quick := breaker.NewRegistry(gdb, 2, 10*time.Millisecond, logger)
	svc := NewService(gdb, links, quick, logger)
	seedActiveLink(t, links, "DEU", "USA")

	key := linkstore.Key("DEU", "USA", model.DirectionSpokeToHub)
	quick.Get(key).Record(false)
	quick.Get(key).Record(false)
	if got := quick.Get(key).State(); got != model.BreakerStateOpen {
		t.Fatalf("Expected OPEN after two failures, got %s", got)
	}

	time.Sleep(20 * time.Millisecond)

	err = svc.IngestHeartbeat(&HeartbeatReport{
		SourceCode: "DEU", TargetCode: "USA",
		Healthy: true, IdPReachable: true, OIDCDiscoveryOK: true, TokenExchangeOK: true,
	})
	if err != nil {
		t.Fatalf("IngestHeartbeat() failed: %v", err)
	}
	if got := quick.Get(key).State(); got != model.BreakerStateClosed {
		t.Errorf("Expected CLOSED after post-cooldown heartbeat, got %s", got)
	}
}
