package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fedplane/internal/breaker"
	"fedplane/internal/linkstore"
	"fedplane/internal/model"
)

// Monitor watches inbound heartbeats for every ACTIVE SPOKE_TO_HUB link
// pointed at this instance. A missed interval counts as a failed sample for
// the link's breaker; a silence longer than the absolute timeout marks the
// link FAILED for operator visibility. Unavailability is not distrust: the
// monitor never revokes and never reactivates.
type Monitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	db        *gorm.DB
	service   *Service
	links     *linkstore.Store
	breakers  *breaker.Registry
	localCode string
	interval  time.Duration
	timeout   time.Duration
	logger    *logrus.Entry

	now func() time.Time
}

// MonitorConfig holds the heartbeat monitor configuration
type MonitorConfig struct {
	DB        *gorm.DB
	Service   *Service
	Links     *linkstore.Store
	Breakers  *breaker.Registry
	LocalCode string
	Interval  time.Duration
	Timeout   time.Duration
	Logger    *logrus.Entry
}

// NewMonitor creates a heartbeat monitor
func NewMonitor(cfg *MonitorConfig) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		ctx:       ctx,
		cancel:    cancel,
		db:        cfg.DB,
		service:   cfg.Service,
		links:     cfg.Links,
		breakers:  cfg.Breakers,
		localCode: cfg.LocalCode,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger.WithField("component", "heartbeat-monitor"),
		now:       time.Now,
	}
}

// Start begins the periodic sweep
func (m *Monitor) Start() {
	m.logger.Info("Starting heartbeat monitor...")
	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-m.ctx.Done():
				m.logger.Info("Stopping heartbeat monitor...")
				return
			}
		}
	}()
}

// Stop gracefully stops the monitor
func (m *Monitor) Stop() {
	m.cancel()
}

// Sweep evaluates every watched link once
func (m *Monitor) Sweep() {
	var links []model.FederationLink
	err := m.db.
		Where("target_code = ? AND direction = ? AND status = ?",
			m.localCode, model.DirectionSpokeToHub, model.LinkStatusActive).
		Find(&links).Error
	if err != nil {
		m.logger.Errorf("Failed to list links for heartbeat sweep: %v", err)
		return
	}

	for i := range links {
		m.evaluate(&links[i])
	}
}

func (m *Monitor) evaluate(link *model.FederationLink) {
	lastAt, found, err := m.service.lastHeartbeatAt(link.SourceCode, link.TargetCode)
	if err != nil {
		m.logger.Errorf("Failed to read last heartbeat for %s: %v", link.SourceCode, err)
		return
	}
	if !found {
		// newly activated link that has not reported yet; age from activation
		lastAt = link.UpdatedAt
	}

	age := m.now().Sub(lastAt)
	key := linkstore.Key(link.SourceCode, link.TargetCode, link.Direction)

	if age > m.interval {
		m.breakers.Record(key, false)
		m.logger.WithFields(logrus.Fields{
			"link": key,
			"age":  age.Truncate(time.Second).String(),
		}).Warn("heartbeat missed")
	}

	if age > m.timeout {
		err := m.links.UpdateStatus(link.SourceCode, link.TargetCode, link.Direction,
			model.LinkStatusFailed, "no heartbeat within absolute timeout", "HEARTBEAT_TIMEOUT")
		if err != nil {
			m.logger.Errorf("Failed to mark link %s FAILED: %v", key, err)
			return
		}
		m.logger.WithField("link", key).Warn("link marked FAILED after heartbeat timeout")
	}
}
