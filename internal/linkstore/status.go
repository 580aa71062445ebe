package linkstore

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"fedplane/internal/model"
)

// LinkDetail is one directional link plus its latest health and breaker row
type LinkDetail struct {
	Link         model.FederationLink       `json:"link"`
	LatestHealth *model.HealthSample        `json:"latestHealth,omitempty"`
	Breaker      *model.CircuitBreakerState `json:"breaker,omitempty"`
}

// InstanceStatus is the aggregate view of one instance: both directions of
// every link it participates in, with the freshest health sample per link
type InstanceStatus struct {
	InstanceCode string       `json:"instanceCode"`
	Links        []LinkDetail `json:"links"`
}

// GetInstanceStatus merges both link directions with latest health
func (s *Store) GetInstanceStatus(instanceCode string) (*InstanceStatus, error) {
	links, err := s.ListLinks(instanceCode)
	if err != nil {
		return nil, err
	}

	status := &InstanceStatus{
		InstanceCode: instanceCode,
		Links:        make([]LinkDetail, 0, len(links)),
	}

	for _, link := range links {
		detail := LinkDetail{Link: link}

		var sample model.HealthSample
		err := s.db.
			Where("source_code = ? AND target_code = ? AND direction = ?", link.SourceCode, link.TargetCode, link.Direction).
			Order("id DESC").
			First(&sample).Error
		if err == nil {
			detail.LatestHealth = &sample
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		var breaker model.CircuitBreakerState
		err = s.db.
			Where("link_key = ?", Key(link.SourceCode, link.TargetCode, link.Direction)).
			First(&breaker).Error
		if err == nil {
			detail.Breaker = &breaker
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		status.Links = append(status.Links, detail)
	}

	return status, nil
}

// Reset clears a FAILED or REVOKED link back to a recoverable state. This
// is the only path out of REVOKED and is always audit-logged with the actor
// who authorized it.
func (s *Store) Reset(source, target string, direction model.LinkDirection, actor string, actorType model.ActorType) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var link model.FederationLink
		err := tx.
			Where("source_code = ? AND target_code = ? AND direction = ?", source, target, direction).
			First(&link).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrLinkNotFound
		}
		if err != nil {
			return err
		}

		var next model.LinkStatus
		switch link.Status {
		case model.LinkStatusFailed:
			next = model.LinkStatusActive
		case model.LinkStatusRevoked, model.LinkStatusSuspended:
			next = model.LinkStatusPending
		default:
			return fmt.Errorf("link %s is %s, nothing to reset", Key(source, target, direction), link.Status)
		}

		if err := tx.Model(&link).Updates(map[string]interface{}{
			"status":          next,
			"last_error":      "",
			"last_error_code": "",
		}).Error; err != nil {
			return err
		}

		audit := model.AuditLog{
			Actor:     actor,
			ActorType: actorType,
			Action:    "link.reset",
			Subject:   Key(source, target, direction),
			Detail:    []byte(fmt.Sprintf(`{"from":%q,"to":%q}`, link.Status, next)),
		}
		if err := tx.Create(&audit).Error; err != nil {
			return err
		}

		s.logger.WithFields(logFields(source, target, direction)).
			Infof("link reset %s -> %s by %s", link.Status, next, actor)
		return nil
	})
}

func logFields(source, target string, direction model.LinkDirection) map[string]interface{} {
	return map[string]interface{}{
		"source":    source,
		"target":    target,
		"direction": direction,
	}
}
