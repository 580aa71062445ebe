package linkstore

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fedplane/internal/model"
)

var (
	// ErrLinkNotFound is returned when no row exists for the key
	ErrLinkNotFound = errors.New("federation link not found")
	// ErrLinkRevoked is returned when a write would resurrect a revoked link
	ErrLinkRevoked = errors.New("federation link is revoked")
)

// Store is the single owner of federation link rows. Every other component
// reads and writes links through this interface, never through a shared map.
type Store struct {
	db     *gorm.DB
	logger *logrus.Entry
}

// NewStore creates a link store
func NewStore(db *gorm.DB, logger *logrus.Entry) *Store {
	return &Store{
		db:     db,
		logger: logger.WithField("component", "linkstore"),
	}
}

// Key returns the canonical string key for one directional link
func Key(source, target string, direction model.LinkDirection) string {
	return fmt.Sprintf("%s->%s:%s", source, target, direction)
}

// UpsertLink creates or updates one directional link. A REVOKED row is
// sticky: it is never overwritten here, only by Reset.
func (s *Store) UpsertLink(source, target string, direction model.LinkDirection, status model.LinkStatus, idpAlias, realm string, config datatypes.JSON) (*model.FederationLink, error) {
	var link *model.FederationLink

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		link, err = upsertOne(tx, source, target, direction, status, idpAlias, realm, config)
		return err
	})
	if err != nil {
		return nil, err
	}

	return link, nil
}

// upsertOne creates or refreshes one directional row inside a caller-owned
// transaction. The status predicate on the UPDATE keeps REVOKED sticky even
// against a revocation committed after our read.
func upsertOne(tx *gorm.DB, source, target string, direction model.LinkDirection, status model.LinkStatus, idpAlias, realm string, config datatypes.JSON) (*model.FederationLink, error) {
	var link model.FederationLink
	err := tx.Where("source_code = ? AND target_code = ? AND direction = ?", source, target, direction).
		First(&link).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		link = model.FederationLink{
			SourceCode:     source,
			TargetCode:     target,
			Direction:      direction,
			Status:         status,
			IdPAlias:       idpAlias,
			RealmReference: realm,
			ConfigSnapshot: config,
		}
		if err := tx.Create(&link).Error; err != nil {
			return nil, err
		}
		return &link, nil
	}

	if link.Status == model.LinkStatusRevoked {
		return nil, ErrLinkRevoked
	}

	res := tx.Model(&model.FederationLink{}).
		Where("source_code = ? AND target_code = ? AND direction = ?", source, target, direction).
		Where("status <> ?", model.LinkStatusRevoked).
		Updates(map[string]interface{}{
			"Status":         status,
			"IdPAlias":       idpAlias,
			"RealmReference": realm,
			"ConfigSnapshot": config,
			"LastError":      "",
			"LastErrorCode":  "",
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if err := missReason(tx, source, target, direction, status); err != nil {
			return nil, err
		}
	}

	link.Status = status
	link.IdPAlias = idpAlias
	link.RealmReference = realm
	link.ConfigSnapshot = config
	link.LastError = ""
	link.LastErrorCode = ""
	return &link, nil
}

// missReason explains a guarded UPDATE that matched no row: the row is
// gone, was revoked underneath us, or already held the written values.
func missReason(tx *gorm.DB, source, target string, direction model.LinkDirection, status model.LinkStatus) error {
	var link model.FederationLink
	err := tx.Where("source_code = ? AND target_code = ? AND direction = ?", source, target, direction).
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrLinkNotFound
	}
	if err != nil {
		return err
	}
	if link.Status == model.LinkStatusRevoked && status != model.LinkStatusRevoked {
		return ErrLinkRevoked
	}
	return nil
}

// UpdateStatus is the only status mutator after creation. It runs in a
// single transaction; last writer wins on status/lastError, and a REVOKED
// row is never overwritten.
func (s *Store) UpdateStatus(source, target string, direction model.LinkDirection, status model.LinkStatus, lastError, lastErrorCode string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return UpdateStatusTx(tx, source, target, direction, status, lastError, lastErrorCode)
	})
}

// UpdateStatusTx is UpdateStatus inside a caller-owned transaction, for
// writers that must change a link and other rows atomically. The REVOKED
// guard lives in the UPDATE's WHERE clause, not in a prior read, so a
// revocation committed between read and write cannot be overwritten.
func UpdateStatusTx(tx *gorm.DB, source, target string, direction model.LinkDirection, status model.LinkStatus, lastError, lastErrorCode string) error {
	q := tx.Model(&model.FederationLink{}).
		Where("source_code = ? AND target_code = ? AND direction = ?", source, target, direction)
	if status != model.LinkStatusRevoked {
		q = q.Where("status <> ?", model.LinkStatusRevoked)
	}
	res := q.Updates(map[string]interface{}{
		"status":          status,
		"last_error":      lastError,
		"last_error_code": lastErrorCode,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return missReason(tx, source, target, direction, status)
	}
	return nil
}

// UpsertPair creates or refreshes both directional rows for a pair inside
// the given transaction. REVOKED rows stay sticky.
func UpsertPair(tx *gorm.DB, requesterCode, approverCode string, status model.LinkStatus, idpAlias, realm string, config datatypes.JSON) error {
	pairs := []struct {
		source, target string
		direction      model.LinkDirection
	}{
		{requesterCode, approverCode, model.DirectionSpokeToHub},
		{approverCode, requesterCode, model.DirectionHubToSpoke},
	}

	for _, p := range pairs {
		if _, err := upsertOne(tx, p.source, p.target, p.direction, status, idpAlias, realm, config); err != nil {
			return err
		}
	}

	return nil
}

// SetPairStatus updates both directional rows for a pair inside the given
// transaction, so a partial pair can never be observed. Used by the
// enrollment engine (activation) and the revocation engine (teardown).
func SetPairStatus(tx *gorm.DB, requesterCode, approverCode string, status model.LinkStatus, lastErrorCode string) error {
	pairs := []struct {
		source, target string
		direction      model.LinkDirection
	}{
		{requesterCode, approverCode, model.DirectionSpokeToHub},
		{approverCode, requesterCode, model.DirectionHubToSpoke},
	}

	for _, p := range pairs {
		updates := map[string]interface{}{
			"status":          status,
			"last_error_code": lastErrorCode,
		}
		if status == model.LinkStatusRevoked {
			// Revocation cascade also drops the cached partner config
			updates["ConfigSnapshot"] = nil
			updates["last_error"] = ""
		}

		q := tx.Model(&model.FederationLink{}).
			Where("source_code = ? AND target_code = ? AND direction = ?", p.source, p.target, p.direction)
		if status != model.LinkStatusRevoked {
			q = q.Where("status <> ?", model.LinkStatusRevoked)
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := missReason(tx, p.source, p.target, p.direction, status); err != nil {
				return err
			}
		}
	}

	return nil
}

// GetStatus returns the current status of one directional link
func (s *Store) GetStatus(source, target string, direction model.LinkDirection) (model.LinkStatus, error) {
	var link model.FederationLink
	err := s.db.Select("status").
		Where("source_code = ? AND target_code = ? AND direction = ?", source, target, direction).
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrLinkNotFound
	}
	if err != nil {
		return "", err
	}
	return link.Status, nil
}

// ListLinks returns every link this instance participates in
func (s *Store) ListLinks(instanceCode string) ([]model.FederationLink, error) {
	var links []model.FederationLink
	err := s.db.
		Where("source_code = ? OR target_code = ?", instanceCode, instanceCode).
		Order("id ASC").
		Find(&links).Error
	if err != nil {
		return nil, err
	}
	return links, nil
}

// PairActive reports whether both directional rows for a pair are ACTIVE.
// The pair is not usable until both are.
func (s *Store) PairActive(requesterCode, approverCode string) (bool, error) {
	var count int64
	err := s.db.Model(&model.FederationLink{}).
		Where("status = ?", model.LinkStatusActive).
		Where("(source_code = ? AND target_code = ?) OR (source_code = ? AND target_code = ?)",
			requesterCode, approverCode, approverCode, requesterCode).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count == 2, nil
}

// DB exposes the underlying handle for transactional callers
func (s *Store) DB() *gorm.DB {
	return s.db
}
