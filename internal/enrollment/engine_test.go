package enrollment

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fedplane/internal/config"
	"fedplane/internal/db"
	"fedplane/internal/graph"
	"fedplane/internal/httpx"
	"fedplane/internal/idp"
	"fedplane/internal/linkstore"
	"fedplane/internal/model"
	"fedplane/internal/pki"
)

// fakeTokenIssuer records stream token activity without redis
type fakeTokenIssuer struct {
	mu          sync.Mutex
	issued      map[string]string
	invalidated []string
}

func newFakeTokenIssuer() *fakeTokenIssuer {
	return &fakeTokenIssuer{issued: make(map[string]string)}
}

func (f *fakeTokenIssuer) Create(_ context.Context, enrollmentID string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := "tok-" + enrollmentID
	f.issued[enrollmentID] = token
	return token, nil
}

func (f *fakeTokenIssuer) Invalidate(_ context.Context, enrollmentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, enrollmentID)
	return nil
}

type testEnv struct {
	engine *Engine
	db     *gorm.DB
	links  *linkstore.Store
	idp    *idp.FakeProvisioner
	tokens *fakeTokenIssuer
	signer *pki.IdentityManager
}

func newTestEnv(t *testing.T) *testEnv {
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
	provisioner := idp.NewFakeProvisioner()
	tokens := newFakeTokenIssuer()
	bus := graph.NewBus(16, logger)

	signer, err := pki.NewIdentityManager(t.TempDir(), "DEU")
	if err != nil {
		t.Fatalf("failed to create requester identity: %v", err)
	}

	cfg := config.EnrollmentConfig{TTLMinutes: 60, RateBurst: 10, RatePerMin: 600}
	engine := NewEngine(gdb, links, provisioner, bus, tokens, cfg, logger)

	// approver side of every test pair
	if err := gdb.Create(&model.Instance{
		InstanceCode:        "USA",
		SpokeID:             "hub-usa",
		Role:                model.InstanceRoleHub,
		IdentityFingerprint: "hub-fp",
	}).Error; err != nil {
		t.Fatalf("failed to seed approver: %v", err)
	}

	return &testEnv{engine: engine, db: gdb, links: links, idp: provisioner, tokens: tokens, signer: signer}
}

func (env *testEnv) signedEnrollRequest(t *testing.T) *EnrollRequest {
	t.Helper()
	req := &EnrollRequest{
		ProtocolVersion: ProtocolVersion,
		RequesterCode:   "DEU",
		ApproverCode:    "USA",
		Fingerprint:     env.signer.Fingerprint(),
		SigningCertPEM:  env.signer.CertPEM(),
		BaseURL:         "https://deu.example.org",
		APIURL:          "https://api.deu.example.org",
		IdPURL:          "https://idp.deu.example.org",
		RequestedScopes: []string{"policy:base"},
	}
	sig, err := env.signer.Sign(req.CanonicalBytes())
	if err != nil {
		t.Fatalf("failed to sign enroll request: %v", err)
	}
	req.Signature = sig
	return req
}

func (env *testEnv) signedExchangeRequest(t *testing.T, enrollmentID string) *ExchangeRequest {
	t.Helper()
	req := &ExchangeRequest{
		EnrollmentID:  enrollmentID,
		RequesterCode: "DEU",
		RequestedAt:   time.Now(),
	}
	sig, err := env.signer.Sign(req.CanonicalBytes())
	if err != nil {
		t.Fatalf("failed to sign exchange request: %v", err)
	}
	req.Signature = sig
	return req
}

func appCode(t *testing.T, err error) int {
	t.Helper()
	appErr, ok := err.(*httpx.AppError)
	if !ok {
		t.Fatalf("expected *httpx.AppError, got %T: %v", err, err)
	}
	return appErr.Code
}

func (env *testEnv) status(t *testing.T, enrollmentID string) model.EnrollmentStatus {
	t.Helper()
	var enr model.Enrollment
	if err := env.db.Where("enrollment_id = ?", enrollmentID).First(&enr).Error; err != nil {
		t.Fatalf("failed to load enrollment: %v", err)
	}
	return enr.Status
}

func TestEnroll_CreatesPendingVerification(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.engine.Enroll(context.Background(), env.signedEnrollRequest(t))
	if err != nil {
		t.Fatalf("Enroll() failed: %v", err)
	}
	if resp.EnrollmentID == "" {
		t.Error("Expected non-empty enrollmentId")
	}
	if resp.StreamToken == "" {
		t.Error("Expected a stream token to be issued")
	}
	if got := env.status(t, resp.EnrollmentID); got != model.EnrollmentStatusPendingVerification {
		t.Errorf("Expected PENDING_VERIFICATION, got %s", got)
	}

	var inst model.Instance
	if err := env.db.Where("instance_code = ?", "DEU").First(&inst).Error; err != nil {
		t.Fatalf("Expected requester instance to be registered: %v", err)
	}
	if inst.IdentityFingerprint != env.signer.Fingerprint() {
		t.Error("Registered instance does not carry the request fingerprint")
	}
}

func TestEnroll_TamperedSignatureRejectedWithoutSideEffects(t *testing.T) {
	env := newTestEnv(t)

	req := env.signedEnrollRequest(t)
	raw, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		t.Fatalf("failed to decode signature: %v", err)
	}
	raw[0] ^= 0x01
	req.Signature = base64.StdEncoding.EncodeToString(raw)

	_, err = env.engine.Enroll(context.Background(), req)
	if code := appCode(t, err); code != httpx.CodeSignatureInvalid {
		t.Errorf("Expected CodeSignatureInvalid, got %d", code)
	}

	var count int64
	env.db.Model(&model.Enrollment{}).Count(&count)
	if count != 0 {
		t.Errorf("Expected no enrollment rows after rejected signature, got %d", count)
	}
}

func TestEnroll_RevokedFingerprintRejectedBeforePersist(t *testing.T) {
	env := newTestEnv(t)

	if err := env.db.Create(&model.RevokedFingerprint{
		Fingerprint:  env.signer.Fingerprint(),
		InstanceCode: "DEU",
		Reason:       "manual test",
	}).Error; err != nil {
		t.Fatalf("failed to seed revocation list: %v", err)
	}

	_, err := env.engine.Enroll(context.Background(), env.signedEnrollRequest(t))
	if code := appCode(t, err); code != httpx.CodeForbidden {
		t.Errorf("Expected CodeForbidden, got %d", code)
	}

	var count int64
	env.db.Model(&model.Enrollment{}).Count(&count)
	if count != 0 {
		t.Errorf("Expected no enrollment rows, got %d", count)
	}
}

func TestEnroll_ActivePairConflict(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.links.UpsertLink("DEU", "USA", model.DirectionSpokeToHub, model.LinkStatusActive, "", "", nil); err != nil {
		t.Fatalf("failed to seed link: %v", err)
	}
	if _, err := env.links.UpsertLink("USA", "DEU", model.DirectionHubToSpoke, model.LinkStatusActive, "", "", nil); err != nil {
		t.Fatalf("failed to seed link: %v", err)
	}

	_, err := env.engine.Enroll(context.Background(), env.signedEnrollRequest(t))
	if code := appCode(t, err); code != httpx.CodeStateConflict {
		t.Errorf("Expected CodeStateConflict, got %d", code)
	}
}

func TestEnroll_RateLimitedPerFingerprint(t *testing.T) {
	env := newTestEnv(t)
	env.engine.limiter = newFingerprintLimiter(1, 2)

	ctx := context.Background()
	first, err := env.engine.Enroll(ctx, env.signedEnrollRequest(t))
	if err != nil {
		t.Fatalf("first Enroll() failed: %v", err)
	}
	// a repeat for the same pair needs the first attempt out of the way
	if err := env.engine.Reject(ctx, first.EnrollmentID, "retry", "op", model.ActorTypeHuman); err != nil {
		t.Fatalf("Reject() failed: %v", err)
	}
	if _, err := env.engine.Enroll(ctx, env.signedEnrollRequest(t)); err != nil {
		t.Fatalf("second Enroll() failed: %v", err)
	}

	_, err = env.engine.Enroll(ctx, env.signedEnrollRequest(t))
	if code := appCode(t, err); code != httpx.CodeRateLimited {
		t.Errorf("Expected CodeRateLimited, got %d", code)
	}
}

func TestVerifyFingerprint_MismatchRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.engine.Enroll(ctx, env.signedEnrollRequest(t))
	if err != nil {
		t.Fatalf("Enroll() failed: %v", err)
	}

	err = env.engine.VerifyFingerprint(ctx, resp.EnrollmentID, "deadbeef", "op", model.ActorTypeHuman)
	if code := appCode(t, err); code != httpx.CodeParamInvalid {
		t.Errorf("Expected CodeParamInvalid, got %d", code)
	}
	if got := env.status(t, resp.EnrollmentID); got != model.EnrollmentStatusPendingVerification {
		t.Errorf("Expected state unchanged, got %s", got)
	}
}

func TestApprove_RequiresVerifiedFingerprint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.engine.Enroll(ctx, env.signedEnrollRequest(t))
	if err != nil {
		t.Fatalf("Enroll() failed: %v", err)
	}

	err = env.engine.Approve(ctx, resp.EnrollmentID, nil, "op", model.ActorTypeHuman)
	if code := appCode(t, err); code != httpx.CodeStateConflict {
		t.Errorf("Expected CodeStateConflict when skipping verification, got %d", code)
	}
}

func TestFullHandshake_HubApprover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.engine.Enroll(ctx, env.signedEnrollRequest(t))
	if err != nil {
		t.Fatalf("Enroll() failed: %v", err)
	}
	id := resp.EnrollmentID

	if err := env.engine.VerifyFingerprint(ctx, id, env.signer.Fingerprint(), "op", model.ActorTypeHuman); err != nil {
		t.Fatalf("VerifyFingerprint() failed: %v", err)
	}
	if err := env.engine.Approve(ctx, id, []string{"policy:base"}, "op", model.ActorTypeHuman); err != nil {
		t.Fatalf("Approve() failed: %v", err)
	}
	if got := env.status(t, id); got != model.EnrollmentStatusApproved {
		t.Fatalf("Expected APPROVED, got %s", got)
	}

	// approval materializes the pair as PENDING
	status, err := env.links.GetStatus("DEU", "USA", model.DirectionSpokeToHub)
	if err != nil || status != model.LinkStatusPending {
		t.Fatalf("Expected PENDING spoke link, got %s err=%v", status, err)
	}

	creds, err := env.engine.Exchange(ctx, env.signedExchangeRequest(t, id))
	if err != nil {
		t.Fatalf("Exchange() failed: %v", err)
	}
	if creds.ClientID == "" || creds.ClientSecret == "" {
		t.Error("Expected provisioned credentials")
	}

	final, err := env.engine.Activate(ctx, id, "DEU", "DEU", model.ActorTypeAutomated)
	if err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	if final != model.EnrollmentStatusActive {
		t.Errorf("Expected ACTIVE after requester activation with hub approver, got %s", final)
	}

	active, err := env.links.PairActive("DEU", "USA")
	if err != nil {
		t.Fatalf("PairActive() failed: %v", err)
	}
	if !active {
		t.Error("Expected both directional links ACTIVE")
	}

	// the stream token expires with the enrollment
	if len(env.tokens.invalidated) == 0 || env.tokens.invalidated[0] != id {
		t.Errorf("Expected stream token invalidated for %s, got %v", id, env.tokens.invalidated)
	}
}

func signedEnrollRequestFor(t *testing.T, signer *pki.IdentityManager, apiURL string) *EnrollRequest {
	t.Helper()
	req := &EnrollRequest{
		ProtocolVersion: ProtocolVersion,
		RequesterCode:   "DEU",
		ApproverCode:    "USA",
		Fingerprint:     signer.Fingerprint(),
		SigningCertPEM:  signer.CertPEM(),
		BaseURL:         "https://deu.example.org",
		APIURL:          apiURL,
		IdPURL:          "https://idp.deu.example.org",
		RequestedScopes: []string{"policy:base"},
	}
	sig, err := signer.Sign(req.CanonicalBytes())
	if err != nil {
		t.Fatalf("failed to sign enroll request: %v", err)
	}
	req.Signature = sig
	return req
}

func TestEnroll_UnknownKeyCannotRepinExistingInstance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.engine.Enroll(ctx, env.signedEnrollRequest(t))
	if err != nil {
		t.Fatalf("Enroll() failed: %v", err)
	}
	id := resp.EnrollmentID
	if err := env.engine.VerifyFingerprint(ctx, id, env.signer.Fingerprint(), "op", model.ActorTypeHuman); err != nil {
		t.Fatalf("VerifyFingerprint() failed: %v", err)
	}
	if err := env.engine.Approve(ctx, id, nil, "op", model.ActorTypeHuman); err != nil {
		t.Fatalf("Approve() failed: %v", err)
	}

	// A different key claims the same instanceCode while the pair is not
	// yet ACTIVE. The request is self-consistent, so a new enrollment
	// opens, but the pinned identity must not move.
	intruder, err := pki.NewIdentityManager(t.TempDir(), "DEU")
	if err != nil {
		t.Fatalf("failed to create intruder identity: %v", err)
	}
	if _, err := env.engine.Enroll(ctx, signedEnrollRequestFor(t, intruder, "https://api.intruder.example.org")); err != nil {
		t.Fatalf("Enroll() with unverified key failed: %v", err)
	}

	var inst model.Instance
	if err := env.db.Where("instance_code = ?", "DEU").First(&inst).Error; err != nil {
		t.Fatalf("failed to load instance: %v", err)
	}
	if inst.IdentityFingerprint != env.signer.Fingerprint() {
		t.Fatalf("pinned fingerprint replaced before out-of-band verification")
	}
	if inst.APIURL == "https://api.intruder.example.org" {
		t.Error("endpoints redirected by an unverified key")
	}

	// The in-flight handshake signed with the pinned key still completes.
	creds, err := env.engine.Exchange(ctx, env.signedExchangeRequest(t, id))
	if err != nil {
		t.Fatalf("Exchange() under the pinned key failed: %v", err)
	}
	if creds.ClientID == "" {
		t.Error("Expected provisioned credentials")
	}
}

func TestVerifyFingerprint_PinsRotatedKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.engine.Enroll(ctx, env.signedEnrollRequest(t))
	if err != nil {
		t.Fatalf("Enroll() failed: %v", err)
	}
	if err := env.engine.VerifyFingerprint(ctx, resp.EnrollmentID, env.signer.Fingerprint(), "op", model.ActorTypeHuman); err != nil {
		t.Fatalf("VerifyFingerprint() failed: %v", err)
	}

	// The spoke rotates its key and enrolls again. The old pin holds until
	// the new fingerprint is confirmed out-of-band.
	rotated, err := pki.NewIdentityManager(t.TempDir(), "DEU")
	if err != nil {
		t.Fatalf("failed to create rotated identity: %v", err)
	}
	resp2, err := env.engine.Enroll(ctx, signedEnrollRequestFor(t, rotated, "https://api.deu.example.org"))
	if err != nil {
		t.Fatalf("Enroll() after rotation failed: %v", err)
	}

	var inst model.Instance
	env.db.Where("instance_code = ?", "DEU").First(&inst)
	if inst.IdentityFingerprint != env.signer.Fingerprint() {
		t.Fatal("pin moved before the rotated fingerprint was verified")
	}

	if err := env.engine.VerifyFingerprint(ctx, resp2.EnrollmentID, rotated.Fingerprint(), "op", model.ActorTypeHuman); err != nil {
		t.Fatalf("VerifyFingerprint() for rotated key failed: %v", err)
	}
	env.db.Where("instance_code = ?", "DEU").First(&inst)
	if inst.IdentityFingerprint != rotated.Fingerprint() {
		t.Errorf("Expected pin on rotated fingerprint after verification, got %s", inst.IdentityFingerprint)
	}
	if inst.SigningCertPEM != rotated.CertPEM() {
		t.Error("Expected rotated certificate pinned after verification")
	}
}

func TestExchange_WrongKeyRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.engine.Enroll(ctx, env.signedEnrollRequest(t))
	if err != nil {
		t.Fatalf("Enroll() failed: %v", err)
	}
	id := resp.EnrollmentID
	if err := env.engine.VerifyFingerprint(ctx, id, env.signer.Fingerprint(), "op", model.ActorTypeHuman); err != nil {
		t.Fatalf("VerifyFingerprint() failed: %v", err)
	}
	if err := env.engine.Approve(ctx, id, nil, "op", model.ActorTypeHuman); err != nil {
		t.Fatalf("Approve() failed: %v", err)
	}

	intruder, err := pki.NewIdentityManager(t.TempDir(), "EVL")
	if err != nil {
		t.Fatalf("failed to create intruder identity: %v", err)
	}
	req := &ExchangeRequest{EnrollmentID: id, RequesterCode: "DEU", RequestedAt: time.Now()}
	req.Signature, err = intruder.Sign(req.CanonicalBytes())
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	_, err = env.engine.Exchange(ctx, req)
	if code := appCode(t, err); code != httpx.CodeSignatureInvalid {
		t.Errorf("Expected CodeSignatureInvalid, got %d", code)
	}
	if got := env.status(t, id); got != model.EnrollmentStatusApproved {
		t.Errorf("Expected state unchanged at APPROVED, got %s", got)
	}
}

func TestMeshActivation_RequiresBothSides(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// approver is another spoke, not a hub
	env.db.Model(&model.Instance{}).Where("instance_code = ?", "USA").
		Update("role", model.InstanceRoleSpoke)

	resp, err := env.engine.Enroll(ctx, env.signedEnrollRequest(t))
	if err != nil {
		t.Fatalf("Enroll() failed: %v", err)
	}
	id := resp.EnrollmentID
	if err := env.engine.VerifyFingerprint(ctx, id, env.signer.Fingerprint(), "op", model.ActorTypeHuman); err != nil {
		t.Fatalf("VerifyFingerprint() failed: %v", err)
	}
	if err := env.engine.Approve(ctx, id, nil, "op", model.ActorTypeHuman); err != nil {
		t.Fatalf("Approve() failed: %v", err)
	}
	if _, err := env.engine.Exchange(ctx, env.signedExchangeRequest(t, id)); err != nil {
		t.Fatalf("Exchange() failed: %v", err)
	}

	status, err := env.engine.Activate(ctx, id, "DEU", "DEU", model.ActorTypeAutomated)
	if err != nil {
		t.Fatalf("requester Activate() failed: %v", err)
	}
	if status != model.EnrollmentStatusCredentialsExchanged {
		t.Errorf("Expected enrollment still CREDENTIALS_EXCHANGED after one side, got %s", status)
	}
	if active, _ := env.links.PairActive("DEU", "USA"); active {
		t.Error("Pair must not be active after a single mesh activation")
	}

	status, err = env.engine.Activate(ctx, id, "USA", "op", model.ActorTypeHuman)
	if err != nil {
		t.Fatalf("approver Activate() failed: %v", err)
	}
	if status != model.EnrollmentStatusActive {
		t.Errorf("Expected ACTIVE after both sides, got %s", status)
	}
	if active, _ := env.links.PairActive("DEU", "USA"); !active {
		t.Error("Expected pair active after both activations")
	}
}

func TestExpiredEnrollment_CannotAdvance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.engine.Enroll(ctx, env.signedEnrollRequest(t))
	if err != nil {
		t.Fatalf("Enroll() failed: %v", err)
	}
	id := resp.EnrollmentID

	env.db.Model(&model.Enrollment{}).Where("enrollment_id = ?", id).
		Update("expires_at", time.Now().Add(-time.Minute))

	err = env.engine.VerifyFingerprint(ctx, id, env.signer.Fingerprint(), "op", model.ActorTypeHuman)
	if code := appCode(t, err); code != httpx.CodeExpired {
		t.Errorf("Expected CodeExpired, got %d", code)
	}
	if got := env.status(t, id); got != model.EnrollmentStatusExpired {
		t.Errorf("Expected EXPIRED, got %s", got)
	}

	// terminal: no later call may resume it
	err = env.engine.Approve(ctx, id, nil, "op", model.ActorTypeHuman)
	if code := appCode(t, err); code != httpx.CodeExpired {
		t.Errorf("Expected CodeExpired on further advance, got %d", code)
	}
}

func TestReject_TerminatesAndClosesStream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.engine.Enroll(ctx, env.signedEnrollRequest(t))
	if err != nil {
		t.Fatalf("Enroll() failed: %v", err)
	}
	id := resp.EnrollmentID

	if err := env.engine.Reject(ctx, id, "untrusted requester", "op", model.ActorTypeHuman); err != nil {
		t.Fatalf("Reject() failed: %v", err)
	}
	if got := env.status(t, id); got != model.EnrollmentStatusRejected {
		t.Errorf("Expected REJECTED, got %s", got)
	}
	if len(env.tokens.invalidated) != 1 || env.tokens.invalidated[0] != id {
		t.Errorf("Expected stream token invalidated, got %v", env.tokens.invalidated)
	}

	var entry model.AuditLog
	if err := env.db.Where("action = ?", "enrollment.rejected").First(&entry).Error; err != nil {
		t.Fatalf("Expected audit entry for rejection: %v", err)
	}
	if entry.ActorType != model.ActorTypeHuman {
		t.Errorf("Expected human actor in audit, got %s", entry.ActorType)
	}
}
