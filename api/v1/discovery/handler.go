package discovery

import (
	"fedplane/internal/config"
	"fedplane/internal/enrollment"
	"fedplane/internal/httpx"
	"fedplane/internal/pki"

	"github.com/gin-gonic/gin"
)

// Metadata is the public discovery document a prospective partner reads
// before enrolling. The fingerprint published here is only an introduction;
// trust is anchored by the out-of-band verification step, never by this
// document alone.
type Metadata struct {
	InstanceCode    string `json:"instanceCode"`
	Role            string `json:"role"`
	BaseURL         string `json:"baseUrl"`
	APIURL          string `json:"apiUrl"`
	IdPURL          string `json:"idpUrl"`
	Fingerprint     string `json:"identityFingerprint"`
	SigningCertPEM  string `json:"signingCertPem"`
	ProtocolVersion string `json:"protocolVersion"`
}

// Handler serves the public discovery endpoint
func Handler(cfg *config.Config, identity *pki.IdentityManager) gin.HandlerFunc {
	meta := Metadata{
		InstanceCode:    cfg.Instance.Code,
		Role:            cfg.Instance.Role,
		BaseURL:         cfg.Instance.BaseURL,
		APIURL:          cfg.Instance.APIURL,
		IdPURL:          cfg.Instance.IdPURL,
		Fingerprint:     identity.Fingerprint(),
		SigningCertPEM:  identity.CertPEM(),
		ProtocolVersion: enrollment.ProtocolVersion,
	}
	return func(c *gin.Context) {
		httpx.OK(c, meta)
	}
}
