package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Credentials is the material the requester fetches after approval: the
// client registration and trust anchors the identity broker provisioned
type Credentials struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	IdPAlias     string `json:"idpAlias"`
	Realm        string `json:"realm"`
	IssuerURL    string `json:"issuerUrl"`
}

// Provisioner is the credential-provisioning collaborator. The control
// plane treats the identity provider as an opaque service: provision at
// approval, fetch at exchange.
type Provisioner interface {
	Provision(ctx context.Context, instanceCode string, scopes []string) (credentialRef string, err error)
	Fetch(ctx context.Context, credentialRef, proof string) (*Credentials, error)
}

// HTTPProvisioner talks to the IdP admin API
type HTTPProvisioner struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Entry
}

// NewHTTPProvisioner creates a provisioner against the IdP admin endpoint
func NewHTTPProvisioner(baseURL string, timeout time.Duration, logger *logrus.Entry) *HTTPProvisioner {
	return &HTTPProvisioner{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.WithField("component", "idp-provisioner"),
	}
}

type provisionRequest struct {
	InstanceCode string   `json:"instanceCode"`
	Scopes       []string `json:"scopes"`
}

type provisionResponse struct {
	CredentialRef string `json:"credentialRef"`
}

// Provision creates the identity-broker configuration for a partner and
// returns an opaque reference to it
func (p *HTTPProvisioner) Provision(ctx context.Context, instanceCode string, scopes []string) (string, error) {
	body, err := json.Marshal(provisionRequest{InstanceCode: instanceCode, Scopes: scopes})
	if err != nil {
		return "", fmt.Errorf("failed to marshal provision request: %w", err)
	}

	url := fmt.Sprintf("%s/federation/provision", p.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create provision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("idp provision call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("idp provision returned %d: %s", resp.StatusCode, string(data))
	}

	var out provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode provision response: %w", err)
	}

	p.logger.WithField("instance", instanceCode).Info("credentials provisioned")
	return out.CredentialRef, nil
}

type fetchRequest struct {
	CredentialRef string `json:"credentialRef"`
	Proof         string `json:"proof"`
}

// Fetch retrieves previously provisioned credentials. The proof is the
// requester's signature over the exchange payload, forwarded so the IdP can
// refuse releases for leaked references.
func (p *HTTPProvisioner) Fetch(ctx context.Context, credentialRef, proof string) (*Credentials, error) {
	body, err := json.Marshal(fetchRequest{CredentialRef: credentialRef, Proof: proof})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fetch request: %w", err)
	}

	url := fmt.Sprintf("%s/federation/credentials", p.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("idp fetch call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("idp fetch returned %d: %s", resp.StatusCode, string(data))
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}

	return &creds, nil
}
