package revocation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// NoticePayload is the wire shape of a revocation notice exchanged between
// instances. The signature covers CanonicalBytes; signerCertPEM lets the
// receiver check the signature against its own pinned copy of the
// revoker's certificate.
type NoticePayload struct {
	EnrollmentID string    `json:"enrollmentId"`
	RevokerCode  string    `json:"revokerInstanceCode"`
	Reason       string    `json:"reason"`
	IssuedAt     time.Time `json:"issuedAt"`
	Signature    string    `json:"signature"`
	SignerCert   string    `json:"signerCertPEM"`
}

// CanonicalBytes returns the deterministic byte encoding covered by the
// notice signature
func (n *NoticePayload) CanonicalBytes() []byte {
	return []byte(fmt.Sprintf("revoke|%s|%s|%s|%d",
		n.EnrollmentID, n.RevokerCode, n.Reason, n.IssuedAt.Unix()))
}

// Notifier delivers a revocation notice to the partner instance so it can
// perform symmetric local cleanup. Delivery is best-effort: the revoking
// side's own state is already clean before any notification is attempted.
type Notifier interface {
	NotifyPartner(ctx context.Context, partnerAPIURL string, notice *NoticePayload) error
}

// HTTPNotifier posts notices to the partner's revocation intake endpoint
type HTTPNotifier struct {
	client *http.Client
	logger *logrus.Entry
}

// NewHTTPNotifier creates a notifier with a bounded request timeout
func NewHTTPNotifier(timeout time.Duration, logger *logrus.Entry) *HTTPNotifier {
	return &HTTPNotifier{
		client: &http.Client{Timeout: timeout},
		logger: logger.WithField("component", "revocation-notifier"),
	}
}

func (n *HTTPNotifier) NotifyPartner(ctx context.Context, partnerAPIURL string, notice *NoticePayload) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/revocations/notices", partnerAPIURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("partner notification failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("partner returned %d for revocation notice", resp.StatusCode)
	}
	return nil
}
