package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fedplane/internal/graph"
	"fedplane/internal/httpx"
	"fedplane/internal/linkstore"
	"fedplane/internal/model"
	"fedplane/internal/pki"
)

// StreamTokenInvalidator revokes the event-stream token of an enrollment
// as part of the revocation cascade.
type StreamTokenInvalidator interface {
	Invalidate(ctx context.Context, enrollmentID string) error
}

// Engine signs, verifies, and applies revocation notices. Revocation is the
// only path from trust to distrust: a verified notice tears down the
// enrollment, both directional links, the cached partner configuration, and
// the event stream in one cascade, and places the revoked fingerprint on
// the revocation list consulted by new enrollments.
type Engine struct {
	db           *gorm.DB
	links        *linkstore.Store
	identity     *pki.IdentityManager
	bus          *graph.Bus
	streamTokens StreamTokenInvalidator
	notifier     Notifier
	localCode    string
	logger       *logrus.Entry
}

// NewEngine creates a revocation engine
func NewEngine(db *gorm.DB, links *linkstore.Store, identity *pki.IdentityManager, bus *graph.Bus, streamTokens StreamTokenInvalidator, notifier Notifier, localCode string, logger *logrus.Entry) *Engine {
	return &Engine{
		db:           db,
		links:        links,
		identity:     identity,
		bus:          bus,
		streamTokens: streamTokens,
		notifier:     notifier,
		localCode:    localCode,
		logger:       logger.WithField("component", "revocation"),
	}
}

// Revoke terminates an enrollment from this side. The signed notice is
// returned so callers can archive or forward it; the partner is notified
// best-effort after local state is already clean.
func (e *Engine) Revoke(ctx context.Context, enrollmentID, reason, actor string, actorType model.ActorType) (*NoticePayload, error) {
	enr, err := e.loadEnrollment(enrollmentID)
	if err != nil {
		return nil, err
	}

	// idempotent: a second revocation returns the stored notice
	if enr.Status == model.EnrollmentStatusRevoked {
		return e.storedNotice(enrollmentID)
	}

	notice := &NoticePayload{
		EnrollmentID: enrollmentID,
		RevokerCode:  e.localCode,
		Reason:       reason,
		IssuedAt:     time.Now().UTC().Truncate(time.Second),
		SignerCert:   e.identity.CertPEM(),
	}
	notice.Signature, err = e.identity.Sign(notice.CanonicalBytes())
	if err != nil {
		return nil, httpx.ErrInternalError("failed to sign revocation notice", err)
	}

	if err := e.apply(enr, notice); err != nil {
		return nil, err
	}

	e.audit(actor, actorType, "revocation.issued", enrollmentID, reason)
	e.emitAndClose(ctx, enr, actor, actorType, reason)
	e.notify(ctx, enr, notice)

	return notice, nil
}

// VerifyAndApplyNotice applies a notice received from a partner. The
// signature is verified against this instance's pinned copy of the
// revoker's certificate before any state changes; an unverifiable notice
// is rejected outright with no side effects.
func (e *Engine) VerifyAndApplyNotice(ctx context.Context, notice *NoticePayload) error {
	if notice.EnrollmentID == "" || notice.RevokerCode == "" || notice.Signature == "" {
		return httpx.ErrParamMissing("enrollmentId, revokerInstanceCode and signature are required")
	}

	pinnedCert, err := e.pinnedCert(notice.RevokerCode)
	if err != nil {
		e.auditSignatureRejection(notice, "unknown or unpinned signer")
		return httpx.ErrSignatureInvalid("signer is not a trusted federation partner")
	}

	presentedFP, err := pki.FingerprintOfCert(notice.SignerCert)
	if err != nil {
		e.auditSignatureRejection(notice, "malformed signer certificate")
		return httpx.ErrSignatureInvalid("malformed signer certificate")
	}
	pinnedFP, err := pki.FingerprintOfCert(pinnedCert)
	if err != nil || presentedFP != pinnedFP {
		e.auditSignatureRejection(notice, "signer certificate does not match pinned certificate")
		return httpx.ErrSignatureInvalid("signer certificate does not match pinned certificate")
	}

	if err := pki.VerifyDetached(pinnedCert, notice.CanonicalBytes(), notice.Signature); err != nil {
		e.auditSignatureRejection(notice, err.Error())
		return httpx.ErrSignatureInvalid("")
	}

	enr, err := e.loadEnrollment(notice.EnrollmentID)
	if err != nil {
		return err
	}
	if enr.RequesterCode != notice.RevokerCode && enr.ApproverCode != notice.RevokerCode {
		e.auditSignatureRejection(notice, "signer is not a party to the enrollment")
		return httpx.ErrSignatureInvalid("signer is not a party to this enrollment")
	}

	// idempotent: applying the same valid notice twice is not an error
	if enr.Status == model.EnrollmentStatusRevoked {
		return nil
	}

	if err := e.apply(enr, notice); err != nil {
		return err
	}

	e.audit(notice.RevokerCode, model.ActorTypeAutomated, "revocation.applied", notice.EnrollmentID, notice.Reason)
	e.emitAndClose(ctx, enr, notice.RevokerCode, model.ActorTypeAutomated, notice.Reason)
	return nil
}

// apply performs the cascade in one transaction: enrollment REVOKED, both
// directional links REVOKED with their cached config dropped, the
// fingerprint added to the revocation list, and the notice stored.
func (e *Engine) apply(enr *model.Enrollment, notice *NoticePayload) error {
	err := e.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Enrollment{}).
			Where("enrollment_id = ? AND status <> ?", enr.EnrollmentID, model.EnrollmentStatusRevoked).
			Update("status", model.EnrollmentStatusRevoked)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// a concurrent revocation already won; nothing left to do
			return nil
		}

		err := linkstore.SetPairStatus(tx, enr.RequesterCode, enr.ApproverCode,
			model.LinkStatusRevoked, "REVOKED")
		if err != nil && !errors.Is(err, linkstore.ErrLinkNotFound) {
			// links may legitimately not exist for a pre-approval enrollment
			return err
		}

		var existing int64
		if err := tx.Model(&model.RevokedFingerprint{}).
			Where("fingerprint = ?", enr.RequesterFingerprint).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing == 0 {
			if err := tx.Create(&model.RevokedFingerprint{
				Fingerprint:  enr.RequesterFingerprint,
				InstanceCode: enr.RequesterCode,
				EnrollmentID: enr.EnrollmentID,
				Reason:       notice.Reason,
			}).Error; err != nil {
				return err
			}
		}

		var stored int64
		if err := tx.Model(&model.RevocationNotice{}).
			Where("enrollment_id = ?", enr.EnrollmentID).
			Count(&stored).Error; err != nil {
			return err
		}
		if stored == 0 {
			return tx.Create(&model.RevocationNotice{
				EnrollmentID:      notice.EnrollmentID,
				RevokerCode:       notice.RevokerCode,
				Reason:            notice.Reason,
				Signature:         notice.Signature,
				SignerCertificate: notice.SignerCert,
				IssuedAt:          notice.IssuedAt,
			}).Error
		}
		return nil
	})
	if err != nil {
		return httpx.ErrDatabaseError("revocation cascade failed", err)
	}

	e.logger.WithFields(logrus.Fields{
		"enrollment": enr.EnrollmentID,
		"requester":  enr.RequesterCode,
		"approver":   enr.ApproverCode,
	}).Info("enrollment revoked")
	return nil
}

func (e *Engine) notify(ctx context.Context, enr *model.Enrollment, notice *NoticePayload) {
	if e.notifier == nil {
		return
	}

	partnerCode := enr.RequesterCode
	if partnerCode == e.localCode {
		partnerCode = enr.ApproverCode
	}

	var partner model.Instance
	if err := e.db.Where("instance_code = ?", partnerCode).First(&partner).Error; err != nil {
		e.logger.Warnf("No instance record for partner %s, skipping notification", partnerCode)
		return
	}
	if partner.APIURL == "" {
		e.logger.Warnf("Partner %s has no API URL, skipping notification", partnerCode)
		return
	}

	if err := e.notifier.NotifyPartner(ctx, partner.APIURL, notice); err != nil {
		e.logger.WithError(err).Warnf("Best-effort revocation notification to %s failed", partnerCode)
	}
}

func (e *Engine) emitAndClose(ctx context.Context, enr *model.Enrollment, actor string, actorType model.ActorType, reason string) {
	if e.bus != nil {
		e.bus.Publish(graph.Event{
			EnrollmentID: enr.EnrollmentID,
			From:         enr.Status,
			To:           model.EnrollmentStatusRevoked,
			Actor:        actor,
			ActorType:    actorType,
			Detail:       reason,
			At:           time.Now(),
		})
	}
	if e.streamTokens != nil {
		if err := e.streamTokens.Invalidate(ctx, enr.EnrollmentID); err != nil {
			e.logger.WithError(err).Warn("failed to invalidate stream token")
		}
	}
	if e.bus != nil {
		e.bus.CloseEnrollment(enr.EnrollmentID)
	}
}

func (e *Engine) loadEnrollment(enrollmentID string) (*model.Enrollment, error) {
	var enr model.Enrollment
	err := e.db.Where("enrollment_id = ?", enrollmentID).First(&enr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, httpx.ErrNotFound("enrollment not found")
	}
	if err != nil {
		return nil, httpx.ErrDatabaseError("", err)
	}
	return &enr, nil
}

func (e *Engine) storedNotice(enrollmentID string) (*NoticePayload, error) {
	var row model.RevocationNotice
	err := e.db.Where("enrollment_id = ?", enrollmentID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, httpx.ErrNotFound("no stored notice for revoked enrollment")
	}
	if err != nil {
		return nil, httpx.ErrDatabaseError("", err)
	}
	return &NoticePayload{
		EnrollmentID: row.EnrollmentID,
		RevokerCode:  row.RevokerCode,
		Reason:       row.Reason,
		IssuedAt:     row.IssuedAt,
		Signature:    row.Signature,
		SignerCert:   row.SignerCertificate,
	}, nil
}

// pinnedCert returns this instance's stored certificate for a partner.
// Notices are never verified against the certificate they carry alone.
func (e *Engine) pinnedCert(instanceCode string) (string, error) {
	var inst model.Instance
	if err := e.db.Where("instance_code = ?", instanceCode).First(&inst).Error; err != nil {
		return "", err
	}
	if inst.SigningCertPEM == "" {
		return "", fmt.Errorf("no pinned certificate for %s", instanceCode)
	}
	return inst.SigningCertPEM, nil
}

func (e *Engine) audit(actor string, actorType model.ActorType, action, subject, reason string) {
	detail, _ := json.Marshal(map[string]string{"reason": reason})
	entry := &model.AuditLog{
		Actor:     actor,
		ActorType: actorType,
		Action:    action,
		Subject:   subject,
		Detail:    datatypes.JSON(detail),
	}
	if err := e.db.Create(entry).Error; err != nil {
		e.logger.WithError(err).Warn("failed to write audit log")
	}
}

// auditSignatureRejection records a rejected notice as a security event,
// not merely a client error
func (e *Engine) auditSignatureRejection(notice *NoticePayload, reason string) {
	e.logger.WithFields(logrus.Fields{
		"enrollment": notice.EnrollmentID,
		"signer":     notice.RevokerCode,
		"reason":     reason,
	}).Warn("revocation notice rejected, signature unverifiable")
	e.audit(notice.RevokerCode, model.ActorTypeAutomated,
		"revocation.signature_rejected", notice.EnrollmentID, reason)
}
