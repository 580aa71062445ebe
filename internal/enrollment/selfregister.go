package enrollment

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fedplane/internal/config"
	"fedplane/internal/model"
	"fedplane/internal/pki"
)

// RegisterSelf creates or refreshes this instance's own registry row so it
// appears in the trust graph and role checks resolve without manual
// seeding. The row is authoritative for the local identity: endpoints,
// role and key material always follow the current config and signing cert.
func RegisterSelf(db *gorm.DB, cfg config.InstanceConfig, identity *pki.IdentityManager, logger *logrus.Entry) error {
	role := model.InstanceRoleSpoke
	if strings.EqualFold(cfg.Role, string(model.InstanceRoleHub)) {
		role = model.InstanceRoleHub
	}

	var inst model.Instance
	err := db.Where("instance_code = ?", cfg.Code).First(&inst).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		inst = model.Instance{
			InstanceCode:        cfg.Code,
			SpokeID:             uuid.New().String(),
			Role:                role,
			BaseURL:             cfg.BaseURL,
			APIURL:              cfg.APIURL,
			IdPURL:              cfg.IdPURL,
			IdentityFingerprint: identity.Fingerprint(),
			SigningCertPEM:      identity.CertPEM(),
		}
		if err := db.Create(&inst).Error; err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"instance":    cfg.Code,
			"role":        role,
			"fingerprint": identity.Fingerprint(),
		}).Info("local instance registered")
		return nil
	}

	inst.Role = role
	inst.BaseURL = cfg.BaseURL
	inst.APIURL = cfg.APIURL
	inst.IdPURL = cfg.IdPURL
	inst.IdentityFingerprint = identity.Fingerprint()
	inst.SigningCertPEM = identity.CertPEM()
	return db.Save(&inst).Error
}
