package enrollment

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProtocolVersion is the enrollment wire protocol version. Revocation for
// an enrollment always speaks the version that established it.
const ProtocolVersion = "v1"

// EnrollRequest is the signed payload a requester submits to open an
// enrollment. Unknown fields survive a round trip through Extra but are
// never consulted for authorization decisions.
type EnrollRequest struct {
	ProtocolVersion string   `json:"protocolVersion"`
	RequesterCode   string   `json:"requesterCode"`
	ApproverCode    string   `json:"approverCode"`
	Fingerprint     string   `json:"fingerprint"`
	SigningCertPEM  string   `json:"signingCertPem"`
	BaseURL         string   `json:"baseUrl"`
	APIURL          string   `json:"apiUrl"`
	IdPURL          string   `json:"idpUrl"`
	RequestedScopes []string `json:"requestedScopes"`
	Signature       string   `json:"signature"`

	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// CanonicalBytes returns the deterministic byte encoding covered by the
// request signature. Scopes are sorted so both sides derive identical bytes
// regardless of submission order; Extra and the signature itself are
// excluded.
func (r *EnrollRequest) CanonicalBytes() []byte {
	scopes := append([]string(nil), r.RequestedScopes...)
	sort.Strings(scopes)
	return []byte(fmt.Sprintf("enroll|%s|%s|%s|%s|%s|%s|%s|%s",
		r.ProtocolVersion, r.RequesterCode, r.ApproverCode, r.Fingerprint,
		r.BaseURL, r.APIURL, r.IdPURL, strings.Join(scopes, ",")))
}

// ExchangeRequest is the signed payload the requester submits to fetch
// provisioned credentials. Knowledge of the enrollmentId alone is not
// enough: the signature proves possession of the original signing key.
type ExchangeRequest struct {
	EnrollmentID  string    `json:"enrollmentId"`
	RequesterCode string    `json:"requesterCode"`
	RequestedAt   time.Time `json:"requestedAt"`
	Signature     string    `json:"signature"`
}

func (r *ExchangeRequest) CanonicalBytes() []byte {
	return []byte(fmt.Sprintf("exchange|%s|%s|%d",
		r.EnrollmentID, r.RequesterCode, r.RequestedAt.Unix()))
}

// EnrollResponse is returned to the requester after the enrollment row is
// created. The stream token gates the per-enrollment event subscription.
type EnrollResponse struct {
	EnrollmentID string    `json:"enrollmentId"`
	Status       string    `json:"status"`
	StreamToken  string    `json:"sseStreamToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}
