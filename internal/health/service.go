package health

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fedplane/internal/breaker"
	"fedplane/internal/httpx"
	"fedplane/internal/linkstore"
	"fedplane/internal/model"
)

// HeartbeatReport is one pushed heartbeat from a spoke
type HeartbeatReport struct {
	SourceCode      string `json:"sourceCode" binding:"required"`
	TargetCode      string `json:"targetCode" binding:"required"`
	Healthy         bool   `json:"healthy"`
	IdPReachable    bool   `json:"idpReachable"`
	OIDCDiscoveryOK bool   `json:"oidcDiscoveryOk"`
	TokenExchangeOK bool   `json:"tokenExchangeOk"`
	LatencyMs       int64  `json:"latencyMs"`
	ErrorMessage    string `json:"errorMessage"`
}

// Service ingests heartbeats and health samples against links. Samples are
// append-only; the breaker registry is the only state they mutate here. A
// heartbeat never moves a FAILED link back to ACTIVE; recovery goes through
// the explicit reset path.
type Service struct {
	db       *gorm.DB
	links    *linkstore.Store
	breakers *breaker.Registry
	logger   *logrus.Entry
}

// NewService creates a heartbeat ingestion service
func NewService(db *gorm.DB, links *linkstore.Store, breakers *breaker.Registry, logger *logrus.Entry) *Service {
	return &Service{
		db:       db,
		links:    links,
		breakers: breakers,
		logger:   logger.WithField("component", "health"),
	}
}

// IngestHeartbeat records one spoke heartbeat against the SPOKE_TO_HUB link
func (s *Service) IngestHeartbeat(report *HeartbeatReport) error {
	status, err := s.links.GetStatus(report.SourceCode, report.TargetCode, model.DirectionSpokeToHub)
	if errors.Is(err, linkstore.ErrLinkNotFound) {
		return httpx.ErrNotFound("no federation link for this pair")
	}
	if err != nil {
		return httpx.ErrDatabaseError("", err)
	}
	if status == model.LinkStatusRevoked {
		return httpx.ErrStateConflict("link is revoked")
	}

	sample := &model.HealthSample{
		SourceCode:      report.SourceCode,
		TargetCode:      report.TargetCode,
		Direction:       model.DirectionSpokeToHub,
		Source:          model.SampleSourceHeartbeat,
		Healthy:         report.Healthy,
		IdPReachable:    report.IdPReachable,
		OIDCDiscoveryOK: report.OIDCDiscoveryOK,
		TokenExchangeOK: report.TokenExchangeOK,
		LatencyMs:       report.LatencyMs,
		ErrorMessage:    report.ErrorMessage,
	}
	if err := s.db.Create(sample).Error; err != nil {
		return httpx.ErrDatabaseError("failed to record heartbeat", err)
	}

	key := linkstore.Key(report.SourceCode, report.TargetCode, model.DirectionSpokeToHub)
	s.breakers.Record(key, report.Healthy)

	if !report.Healthy {
		s.logger.WithFields(logrus.Fields{
			"link":  key,
			"error": report.ErrorMessage,
		}).Warn("unhealthy heartbeat received")
	}
	return nil
}

// RecordProbe appends an active probe result and feeds the breaker
func (s *Service) RecordProbe(sample *model.HealthSample) error {
	sample.Source = model.SampleSourceProbe
	if err := s.db.Create(sample).Error; err != nil {
		return err
	}
	key := linkstore.Key(sample.SourceCode, sample.TargetCode, sample.Direction)
	s.breakers.Record(key, sample.Healthy)
	return nil
}

// lastHeartbeatAt returns the time of the most recent pushed heartbeat for
// a link; found is false when none was ever received
func (s *Service) lastHeartbeatAt(source, target string) (lastAt time.Time, found bool, err error) {
	var sample model.HealthSample
	e := s.db.
		Where("source_code = ? AND target_code = ? AND direction = ? AND source = ?",
			source, target, model.DirectionSpokeToHub, model.SampleSourceHeartbeat).
		Order("id DESC").
		First(&sample).Error
	if errors.Is(e, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if e != nil {
		return time.Time{}, false, e
	}
	return sample.CreatedAt, true, nil
}
