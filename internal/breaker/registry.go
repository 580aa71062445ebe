package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fedplane/internal/model"
)

// Registry holds one breaker per link. Evaluation is serialized per link by
// the breaker's own mutex; different links proceed concurrently.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker

	threshold int
	cooldown  time.Duration
	db        *gorm.DB
	logger    *logrus.Entry
}

// NewRegistry creates a breaker registry. Breakers start CLOSED on process
// start and re-learn from fresh samples; the persisted rows exist for
// operator visibility, not recovery.
func NewRegistry(db *gorm.DB, threshold int, cooldown time.Duration, logger *logrus.Entry) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
		db:        db,
		logger:    logger.WithField("component", "breaker"),
	}
}

// Get returns the breaker for a link key, creating it on first use
func (r *Registry) Get(linkKey string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[linkKey]
	if !ok {
		b = New(r.threshold, r.cooldown)
		r.breakers[linkKey] = b
	}
	return b
}

// Allow asks the link's breaker whether a live call may be attempted
func (r *Registry) Allow(linkKey string) error {
	return r.Get(linkKey).Allow()
}

// Record feeds a sample outcome into the link's breaker and mirrors the
// resulting state to its CircuitBreakerState row
func (r *Registry) Record(linkKey string, success bool) {
	b := r.Get(linkKey)
	before := b.State()
	b.Record(success)
	after := b.State()

	if before != after {
		r.logger.WithField("link", linkKey).Infof("breaker %s -> %s", before, after)
	}

	r.persist(linkKey, b)
}

func (r *Registry) persist(linkKey string, b *Breaker) {
	if r.db == nil {
		return
	}

	snap := b.Snapshot()
	snap.LinkKey = linkKey

	err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "link_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state", "consecutive_failures", "last_failure_at", "next_probe_at", "updated_at",
		}),
	}).Create(&snap).Error
	if err != nil {
		r.logger.WithField("link", linkKey).Warnf("failed to persist breaker state: %v", err)
	}
}

// States returns a snapshot of all live breakers, for the aggregate status view
func (r *Registry) States() map[string]model.BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]model.BreakerState, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.State()
	}
	return out
}
