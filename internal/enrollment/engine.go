package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fedplane/internal/config"
	"fedplane/internal/graph"
	"fedplane/internal/httpx"
	"fedplane/internal/idp"
	"fedplane/internal/linkstore"
	"fedplane/internal/model"
	"fedplane/internal/pki"
)

// exchangeSkew bounds how stale a signed exchange request may be
const exchangeSkew = 5 * time.Minute

// StreamTokenIssuer issues and revokes the per-enrollment tokens that gate
// the event subscription stream.
type StreamTokenIssuer interface {
	Create(ctx context.Context, enrollmentID string, ttl time.Duration) (string, error)
	Invalidate(ctx context.Context, enrollmentID string) error
}

// Engine drives the enrollment state machine:
// PENDING_VERIFICATION -> FINGERPRINT_VERIFIED -> APPROVED ->
// CREDENTIALS_EXCHANGED -> ACTIVE, with REJECTED and EXPIRED as terminal
// alternates. Every transition is a guarded single-statement update, so two
// concurrent callers cannot both win the same step.
type Engine struct {
	db           *gorm.DB
	links        *linkstore.Store
	provisioner  idp.Provisioner
	bus          *graph.Bus
	streamTokens StreamTokenIssuer
	limiter      *fingerprintLimiter
	ttl          time.Duration
	logger       *logrus.Entry
}

// NewEngine creates an enrollment engine
func NewEngine(db *gorm.DB, links *linkstore.Store, provisioner idp.Provisioner, bus *graph.Bus, streamTokens StreamTokenIssuer, cfg config.EnrollmentConfig, logger *logrus.Entry) *Engine {
	return &Engine{
		db:           db,
		links:        links,
		provisioner:  provisioner,
		bus:          bus,
		streamTokens: streamTokens,
		limiter:      newFingerprintLimiter(cfg.RatePerMin, cfg.RateBurst),
		ttl:          time.Duration(cfg.TTLMinutes) * time.Minute,
		logger:       logger.WithField("component", "enrollment"),
	}
}

// Enroll opens a new enrollment from a signed request. Rate limiting, the
// revocation list, the active-pair conflict check, and signature
// verification all run before any row is created.
func (e *Engine) Enroll(ctx context.Context, req *EnrollRequest) (*EnrollResponse, error) {
	if req.RequesterCode == "" || req.ApproverCode == "" || req.Fingerprint == "" ||
		req.SigningCertPEM == "" || req.Signature == "" {
		return nil, httpx.ErrParamMissing("requesterCode, approverCode, fingerprint, signingCertPem and signature are required")
	}
	if req.ProtocolVersion != ProtocolVersion {
		return nil, httpx.ErrParamInvalid(fmt.Sprintf("unsupported protocol version %q", req.ProtocolVersion))
	}
	if req.RequesterCode == req.ApproverCode {
		return nil, httpx.ErrParamIllegal("an instance cannot enroll with itself")
	}

	if !e.limiter.Allow(req.Fingerprint) {
		return nil, httpx.ErrRateLimited("enrollment rate limit exceeded for this identity")
	}

	certFP, err := pki.FingerprintOfCert(req.SigningCertPEM)
	if err != nil {
		return nil, httpx.ErrParamInvalid("signingCertPem is not a valid certificate")
	}
	if certFP != req.Fingerprint {
		e.auditSignatureFailure(req.RequesterCode, "enrollment.enroll", "fingerprint does not match certificate")
		return nil, httpx.ErrSignatureInvalid("fingerprint does not match signing certificate")
	}
	if err := pki.VerifyDetached(req.SigningCertPEM, req.CanonicalBytes(), req.Signature); err != nil {
		e.auditSignatureFailure(req.RequesterCode, "enrollment.enroll", err.Error())
		return nil, httpx.ErrSignatureInvalid("")
	}

	var revoked int64
	if err := e.db.Model(&model.RevokedFingerprint{}).
		Where("fingerprint = ?", req.Fingerprint).
		Count(&revoked).Error; err != nil {
		return nil, httpx.ErrDatabaseError("", err)
	}
	if revoked > 0 {
		e.logger.WithFields(logrus.Fields{
			"requester":   req.RequesterCode,
			"fingerprint": req.Fingerprint,
		}).Warn("enrollment attempt from revoked fingerprint rejected")
		return nil, httpx.ErrForbidden("fingerprint is on the revocation list")
	}

	active, err := e.links.PairActive(req.RequesterCode, req.ApproverCode)
	if err != nil {
		return nil, httpx.ErrDatabaseError("", err)
	}
	if active {
		return nil, httpx.ErrStateConflict("pair is already ACTIVE; revoke the existing enrollment first")
	}

	scopes, err := json.Marshal(req.RequestedScopes)
	if err != nil {
		return nil, httpx.ErrInternalError("", err)
	}

	enrollmentID := uuid.New().String()
	expiresAt := time.Now().Add(e.ttl)

	err = e.db.Transaction(func(tx *gorm.DB) error {
		if err := upsertRequesterInstance(tx, req); err != nil {
			return err
		}
		return tx.Create(&model.Enrollment{
			EnrollmentID:         enrollmentID,
			RequesterCode:        req.RequesterCode,
			ApproverCode:         req.ApproverCode,
			Status:               model.EnrollmentStatusPendingVerification,
			RequesterFingerprint: req.Fingerprint,
			RequestedScopes:      datatypes.JSON(scopes),
			Signature:            req.Signature,
			RequesterCertPEM:     req.SigningCertPEM,
			RequesterBaseURL:     req.BaseURL,
			RequesterAPIURL:      req.APIURL,
			RequesterIdPURL:      req.IdPURL,
			ExpiresAt:            expiresAt,
		}).Error
	})
	if err != nil {
		return nil, httpx.ErrDatabaseError("failed to create enrollment", err)
	}

	token := ""
	if e.streamTokens != nil {
		token, err = e.streamTokens.Create(ctx, enrollmentID, time.Until(expiresAt))
		if err != nil {
			e.logger.WithError(err).WithField("enrollment", enrollmentID).
				Warn("failed to issue stream token")
		}
	}

	e.emit(enrollmentID, "", model.EnrollmentStatusPendingVerification, req.RequesterCode, model.ActorTypeAutomated, "")
	e.logger.WithFields(logrus.Fields{
		"enrollment": enrollmentID,
		"requester":  req.RequesterCode,
		"approver":   req.ApproverCode,
	}).Info("enrollment created")

	return &EnrollResponse{
		EnrollmentID: enrollmentID,
		Status:       string(model.EnrollmentStatusPendingVerification),
		StreamToken:  token,
		ExpiresAt:    expiresAt,
	}, nil
}

// upsertRequesterInstance registers a first-time requester or refreshes the
// endpoints of a known one. A pinned identity is never replaced here: the
// request signature proves possession of the presented key, not ownership
// of the instanceCode. An unknown key stays parked on the enrollment row
// until VerifyFingerprint confirms it out-of-band.
func upsertRequesterInstance(tx *gorm.DB, req *EnrollRequest) error {
	var inst model.Instance
	err := tx.Where("instance_code = ?", req.RequesterCode).First(&inst).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&model.Instance{
			InstanceCode:        req.RequesterCode,
			SpokeID:             uuid.New().String(),
			Role:                model.InstanceRoleSpoke,
			BaseURL:             req.BaseURL,
			APIURL:              req.APIURL,
			IdPURL:              req.IdPURL,
			IdentityFingerprint: req.Fingerprint,
			SigningCertPEM:      req.SigningCertPEM,
		}).Error
	}

	if inst.IdentityFingerprint != req.Fingerprint {
		return nil
	}

	inst.BaseURL = req.BaseURL
	inst.APIURL = req.APIURL
	inst.IdPURL = req.IdPURL
	return tx.Save(&inst).Error
}

// pinRequesterIdentity installs the enrollment's now-verified key material
// and endpoints on the requester's instance row. Runs inside the same
// transaction as the state transition so a half-applied pin cannot be seen.
func pinRequesterIdentity(tx *gorm.DB, enr *model.Enrollment) error {
	var inst model.Instance
	if err := tx.Where("instance_code = ?", enr.RequesterCode).First(&inst).Error; err != nil {
		return err
	}
	inst.IdentityFingerprint = enr.RequesterFingerprint
	if enr.RequesterCertPEM != "" {
		inst.SigningCertPEM = enr.RequesterCertPEM
	}
	if enr.RequesterBaseURL != "" {
		inst.BaseURL = enr.RequesterBaseURL
	}
	if enr.RequesterAPIURL != "" {
		inst.APIURL = enr.RequesterAPIURL
	}
	if enr.RequesterIdPURL != "" {
		inst.IdPURL = enr.RequesterIdPURL
	}
	return tx.Save(&inst).Error
}

// VerifyFingerprint records the approver-side out-of-band confirmation of
// the requester's fingerprint, the trust-on-first-use anchor. The provided
// value must have been obtained outside this channel.
func (e *Engine) VerifyFingerprint(ctx context.Context, enrollmentID, fingerprint, actor string, actorType model.ActorType) error {
	enr, err := e.load(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enr.Status != model.EnrollmentStatusPendingVerification {
		return httpx.ErrStateConflict(fmt.Sprintf("cannot verify fingerprint in state %s", enr.Status))
	}
	if fingerprint != enr.RequesterFingerprint {
		e.audit(actor, actorType, "enrollment.fingerprint_mismatch", enrollmentID, map[string]interface{}{
			"provided": fingerprint,
		})
		return httpx.ErrParamInvalid("provided fingerprint does not match the enrollment request")
	}

	err = e.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Enrollment{}).
			Where("enrollment_id = ? AND status = ?", enrollmentID, model.EnrollmentStatusPendingVerification).
			Update("status", model.EnrollmentStatusFingerprintVerified)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return httpx.ErrStateConflict("enrollment was advanced concurrently")
		}
		return pinRequesterIdentity(tx, enr)
	})
	if err != nil {
		var appErr *httpx.AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		return httpx.ErrDatabaseError("failed to verify fingerprint", err)
	}

	e.audit(actor, actorType, "enrollment.fingerprint_verified", enrollmentID, nil)
	e.emit(enrollmentID, model.EnrollmentStatusPendingVerification,
		model.EnrollmentStatusFingerprintVerified, actor, actorType, "")
	return nil
}

// Approve provisions credential material for the requester through the IdP
// collaborator and materializes both directional links as PENDING.
func (e *Engine) Approve(ctx context.Context, enrollmentID string, grantedScopes []string, actor string, actorType model.ActorType) error {
	enr, err := e.load(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enr.Status != model.EnrollmentStatusFingerprintVerified {
		return httpx.ErrStateConflict(fmt.Sprintf("cannot approve in state %s", enr.Status))
	}

	scopes := grantedScopes
	if len(scopes) == 0 {
		_ = json.Unmarshal(enr.RequestedScopes, &scopes)
	}

	credentialRef, err := e.provisioner.Provision(ctx, enr.RequesterCode, scopes)
	if err != nil {
		return httpx.ErrExternalError("credential provisioning failed", err)
	}

	idpAlias := fmt.Sprintf("idp-%s", enr.RequesterCode)
	realm := "federation"

	err = e.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Enrollment{}).
			Where("enrollment_id = ? AND status = ?", enrollmentID, model.EnrollmentStatusFingerprintVerified).
			Updates(map[string]interface{}{
				"status":         model.EnrollmentStatusApproved,
				"credential_ref": credentialRef,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return httpx.ErrStateConflict("enrollment was advanced concurrently")
		}

		granted, _ := json.Marshal(scopes)
		if err := tx.Model(&model.Instance{}).
			Where("instance_code = ?", enr.RequesterCode).
			Update("granted_scopes", datatypes.JSON(granted)).Error; err != nil {
			return err
		}

		return linkstore.UpsertPair(tx, enr.RequesterCode, enr.ApproverCode,
			model.LinkStatusPending, idpAlias, realm, nil)
	})
	if err != nil {
		var appErr *httpx.AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		return httpx.ErrDatabaseError("failed to approve enrollment", err)
	}

	e.audit(actor, actorType, "enrollment.approved", enrollmentID, map[string]interface{}{
		"scopes": scopes,
	})
	e.emit(enrollmentID, model.EnrollmentStatusFingerprintVerified,
		model.EnrollmentStatusApproved, actor, actorType, "")
	return nil
}

// Reject terminates an enrollment before approval
func (e *Engine) Reject(ctx context.Context, enrollmentID, reason, actor string, actorType model.ActorType) error {
	enr, err := e.load(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enr.Status != model.EnrollmentStatusPendingVerification &&
		enr.Status != model.EnrollmentStatusFingerprintVerified {
		return httpx.ErrStateConflict(fmt.Sprintf("cannot reject in state %s", enr.Status))
	}

	if err := e.advance(enrollmentID, enr.Status, model.EnrollmentStatusRejected,
		map[string]interface{}{"reject_reason": reason}); err != nil {
		return err
	}

	e.audit(actor, actorType, "enrollment.rejected", enrollmentID, map[string]interface{}{
		"reason": reason,
	})
	e.emit(enrollmentID, enr.Status, model.EnrollmentStatusRejected, actor, actorType, reason)
	e.closeStream(ctx, enrollmentID)
	return nil
}

// Exchange releases the provisioned credentials to the requester. The call
// must be signed with the key pinned at enrollment time, so a leaked
// enrollmentId alone is not enough.
func (e *Engine) Exchange(ctx context.Context, req *ExchangeRequest) (*idp.Credentials, error) {
	if req.EnrollmentID == "" || req.RequesterCode == "" || req.Signature == "" {
		return nil, httpx.ErrParamMissing("enrollmentId, requesterCode and signature are required")
	}

	enr, err := e.load(ctx, req.EnrollmentID)
	if err != nil {
		return nil, err
	}
	if enr.Status != model.EnrollmentStatusApproved {
		return nil, httpx.ErrStateConflict(fmt.Sprintf("cannot exchange credentials in state %s", enr.Status))
	}
	if req.RequesterCode != enr.RequesterCode {
		return nil, httpx.ErrForbidden("requesterCode does not match enrollment")
	}
	if skew := time.Since(req.RequestedAt); skew > exchangeSkew || skew < -exchangeSkew {
		return nil, httpx.ErrParamInvalid("exchange request timestamp outside acceptance window")
	}

	var inst model.Instance
	if err := e.db.Where("instance_code = ?", enr.RequesterCode).First(&inst).Error; err != nil {
		return nil, httpx.ErrInternalError("requester instance record missing", err)
	}
	if inst.IdentityFingerprint != enr.RequesterFingerprint {
		return nil, httpx.ErrSignatureInvalid("pinned key material no longer matches enrollment")
	}
	if err := pki.VerifyDetached(inst.SigningCertPEM, req.CanonicalBytes(), req.Signature); err != nil {
		e.auditSignatureFailure(req.RequesterCode, "enrollment.exchange", err.Error())
		return nil, httpx.ErrSignatureInvalid("")
	}

	creds, err := e.provisioner.Fetch(ctx, enr.CredentialRef, req.Signature)
	if err != nil {
		return nil, httpx.ErrExternalError("credential fetch failed", err)
	}

	if err := e.advance(req.EnrollmentID, model.EnrollmentStatusApproved,
		model.EnrollmentStatusCredentialsExchanged, nil); err != nil {
		return nil, err
	}

	e.emit(req.EnrollmentID, model.EnrollmentStatusApproved,
		model.EnrollmentStatusCredentialsExchanged, req.RequesterCode, model.ActorTypeAutomated, "")
	return creds, nil
}

// Activate marks the caller's directional link ACTIVE. When the approver is
// a hub, a requester activation applies default hub trust and activates
// both rows; in a spoke-to-spoke enrollment each side must activate its own
// direction, and the enrollment completes when both have.
func (e *Engine) Activate(ctx context.Context, enrollmentID, activatorCode, actor string, actorType model.ActorType) (model.EnrollmentStatus, error) {
	enr, err := e.load(ctx, enrollmentID)
	if err != nil {
		return "", err
	}
	if enr.Status != model.EnrollmentStatusCredentialsExchanged {
		return "", httpx.ErrStateConflict(fmt.Sprintf("cannot activate in state %s", enr.Status))
	}
	if activatorCode != enr.RequesterCode && activatorCode != enr.ApproverCode {
		return "", httpx.ErrForbidden("activator is not a party to this enrollment")
	}

	var approver model.Instance
	hubApprover := false
	if err := e.db.Where("instance_code = ?", enr.ApproverCode).First(&approver).Error; err == nil {
		hubApprover = approver.Role == model.InstanceRoleHub
	}

	completed := false
	err = e.db.Transaction(func(tx *gorm.DB) error {
		if hubApprover {
			if err := linkstore.SetPairStatus(tx, enr.RequesterCode, enr.ApproverCode,
				model.LinkStatusActive, ""); err != nil {
				return err
			}
			completed = true
		} else {
			source, target, direction := enr.RequesterCode, enr.ApproverCode, model.DirectionSpokeToHub
			if activatorCode == enr.ApproverCode {
				source, target, direction = enr.ApproverCode, enr.RequesterCode, model.DirectionHubToSpoke
			}
			if err := linkstore.UpdateStatusTx(tx, source, target, direction,
				model.LinkStatusActive, "", ""); err != nil {
				return err
			}

			var active int64
			if err := tx.Model(&model.FederationLink{}).
				Where("status = ?", model.LinkStatusActive).
				Where("(source_code = ? AND target_code = ?) OR (source_code = ? AND target_code = ?)",
					enr.RequesterCode, enr.ApproverCode, enr.ApproverCode, enr.RequesterCode).
				Count(&active).Error; err != nil {
				return err
			}
			completed = active == 2
		}

		if !completed {
			return nil
		}

		res := tx.Model(&model.Enrollment{}).
			Where("enrollment_id = ? AND status = ?", enrollmentID, model.EnrollmentStatusCredentialsExchanged).
			Update("status", model.EnrollmentStatusActive)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return httpx.ErrStateConflict("enrollment was advanced concurrently")
		}
		return nil
	})
	if err != nil {
		var appErr *httpx.AppError
		if errors.As(err, &appErr) {
			return "", appErr
		}
		if errors.Is(err, linkstore.ErrLinkRevoked) || errors.Is(err, linkstore.ErrLinkNotFound) {
			return "", httpx.ErrStateConflict(err.Error())
		}
		return "", httpx.ErrDatabaseError("failed to activate enrollment", err)
	}

	if !completed {
		e.audit(actor, actorType, "enrollment.side_activated", enrollmentID, map[string]interface{}{
			"activator": activatorCode,
		})
		return model.EnrollmentStatusCredentialsExchanged, nil
	}

	e.audit(actor, actorType, "enrollment.activated", enrollmentID, nil)
	e.emit(enrollmentID, model.EnrollmentStatusCredentialsExchanged,
		model.EnrollmentStatusActive, actor, actorType, "")
	e.closeStream(ctx, enrollmentID)
	e.logger.WithFields(logrus.Fields{
		"enrollment": enrollmentID,
		"requester":  enr.RequesterCode,
		"approver":   enr.ApproverCode,
	}).Info("enrollment active, pair established")
	return model.EnrollmentStatusActive, nil
}

// Get returns one enrollment, expiring it first if its window has passed
func (e *Engine) Get(ctx context.Context, enrollmentID string) (*model.Enrollment, error) {
	enr, err := e.load(ctx, enrollmentID)
	if err != nil {
		var appErr *httpx.AppError
		if errors.As(err, &appErr) && appErr.Code == httpx.CodeExpired {
			return e.fetch(enrollmentID)
		}
		return nil, err
	}
	return enr, nil
}

// List returns enrollments, optionally filtered to one participant
func (e *Engine) List(instanceCode string) ([]model.Enrollment, error) {
	q := e.db.Model(&model.Enrollment{}).Order("id DESC")
	if instanceCode != "" {
		q = q.Where("requester_code = ? OR approver_code = ?", instanceCode, instanceCode)
	}
	var out []model.Enrollment
	if err := q.Find(&out).Error; err != nil {
		return nil, httpx.ErrDatabaseError("", err)
	}
	return out, nil
}

func (e *Engine) fetch(enrollmentID string) (*model.Enrollment, error) {
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

// load fetches an enrollment and lazily expires it when expiresAt has
// passed. An expired enrollment cannot be resumed by any later call.
func (e *Engine) load(ctx context.Context, enrollmentID string) (*model.Enrollment, error) {
	enr, err := e.fetch(enrollmentID)
	if err != nil {
		return nil, err
	}

	if enr.Status == model.EnrollmentStatusExpired {
		return nil, httpx.ErrExpired("")
	}

	if !enr.Status.Terminal() && time.Now().After(enr.ExpiresAt) {
		res := e.db.Model(&model.Enrollment{}).
			Where("enrollment_id = ? AND status = ?", enrollmentID, enr.Status).
			Update("status", model.EnrollmentStatusExpired)
		if res.Error != nil {
			return nil, httpx.ErrDatabaseError("", res.Error)
		}
		if res.RowsAffected > 0 {
			e.emit(enrollmentID, enr.Status, model.EnrollmentStatusExpired, "system", model.ActorTypeAutomated, "enrollment window elapsed")
			e.closeStream(ctx, enrollmentID)
		}
		return nil, httpx.ErrExpired(fmt.Sprintf("enrollment expired in state %s", enr.Status))
	}

	return enr, nil
}

// advance performs one guarded state transition. RowsAffected==0 means a
// concurrent caller won the step first.
func (e *Engine) advance(enrollmentID string, from, to model.EnrollmentStatus, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := e.db.Model(&model.Enrollment{}).
		Where("enrollment_id = ? AND status = ?", enrollmentID, from).
		Updates(updates)
	if res.Error != nil {
		return httpx.ErrDatabaseError("", res.Error)
	}
	if res.RowsAffected == 0 {
		return httpx.ErrStateConflict("enrollment was advanced concurrently")
	}
	return nil
}

func (e *Engine) emit(enrollmentID string, from, to model.EnrollmentStatus, actor string, actorType model.ActorType, detail string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(graph.Event{
		EnrollmentID: enrollmentID,
		From:         from,
		To:           to,
		Actor:        actor,
		ActorType:    actorType,
		Detail:       detail,
		At:           time.Now(),
	})
}

// closeStream expires the subscription token and closes open streams once
// the enrollment reaches a terminal state.
func (e *Engine) closeStream(ctx context.Context, enrollmentID string) {
	if e.streamTokens != nil {
		if err := e.streamTokens.Invalidate(ctx, enrollmentID); err != nil {
			e.logger.WithError(err).WithField("enrollment", enrollmentID).
				Warn("failed to invalidate stream token")
		}
	}
	if e.bus != nil {
		e.bus.CloseEnrollment(enrollmentID)
	}
}

func (e *Engine) audit(actor string, actorType model.ActorType, action, subject string, detail map[string]interface{}) {
	entry := &model.AuditLog{
		Actor:     actor,
		ActorType: actorType,
		Action:    action,
		Subject:   subject,
	}
	if detail != nil {
		if data, err := json.Marshal(detail); err == nil {
			entry.Detail = datatypes.JSON(data)
		}
	}
	if err := e.db.Create(entry).Error; err != nil {
		e.logger.WithError(err).Warn("failed to write audit log")
	}
}

func (e *Engine) auditSignatureFailure(actor, action, detail string) {
	e.logger.WithFields(logrus.Fields{
		"actor":  actor,
		"action": action,
		"reason": detail,
	}).Warn("signature verification failed")
	e.audit(actor, model.ActorTypeAutomated, action+".signature_rejected", actor, map[string]interface{}{
		"reason": detail,
	})
}
