package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// IdentityManager owns this instance's signing key and certificate. The
// SHA-256 fingerprint of the certificate is the identity partners pin
// during enrollment, so the key pair is long-lived and never rotated
// implicitly.
type IdentityManager struct {
	cert     *x509.Certificate
	key      *rsa.PrivateKey
	certPEM  string
	keyPEM   string
	mu       sync.RWMutex
	certPath string
	keyPath  string
	code     string
}

// NewIdentityManager loads the signing identity from dataDir or generates a
// new one on first start
func NewIdentityManager(dataDir, instanceCode string) (*IdentityManager, error) {
	m := &IdentityManager{
		certPath: filepath.Join(dataDir, "identity.crt"),
		keyPath:  filepath.Join(dataDir, "identity.key"),
		code:     instanceCode,
	}

	if err := m.load(); err == nil {
		return m, nil
	}

	if err := m.generate(); err != nil {
		return nil, fmt.Errorf("failed to generate signing identity: %w", err)
	}

	if err := m.save(); err != nil {
		return nil, fmt.Errorf("failed to save signing identity: %w", err)
	}

	return m, nil
}

func (m *IdentityManager) load() error {
	certPEM, err := os.ReadFile(m.certPath)
	if err != nil {
		return fmt.Errorf("failed to read identity cert: %w", err)
	}

	keyPEM, err := os.ReadFile(m.keyPath)
	if err != nil {
		return fmt.Errorf("failed to read identity key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("failed to decode identity cert PEM")
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse identity cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("failed to decode identity key PEM")
	}

	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse identity key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cert = cert
	m.key = key
	m.certPEM = string(certPEM)
	m.keyPEM = string(keyPEM)

	return nil
}

func (m *IdentityManager) generate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(3650 * 24 * time.Hour) // 10 years

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   fmt.Sprintf("fedplane-%s", m.code),
			Organization: []string{"Federation Control Plane"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create identity certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return fmt.Errorf("failed to parse identity certificate: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derBytes,
	})

	keyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cert = cert
	m.key = key
	m.certPEM = string(certPEMBytes)
	m.keyPEM = string(keyPEMBytes)

	return nil
}

func (m *IdentityManager) save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dir := filepath.Dir(m.certPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	if err := os.WriteFile(m.certPath, []byte(m.certPEM), 0644); err != nil {
		return fmt.Errorf("failed to write identity cert: %w", err)
	}

	// Key file with restricted permissions
	if err := os.WriteFile(m.keyPath, []byte(m.keyPEM), 0600); err != nil {
		return fmt.Errorf("failed to write identity key: %w", err)
	}

	return nil
}

// CertPEM returns the signing certificate in PEM format
func (m *IdentityManager) CertPEM() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.certPEM
}

// Fingerprint returns the hex SHA-256 of the certificate DER bytes
func (m *IdentityManager) Fingerprint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := sha256.Sum256(m.cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Sign signs payload with the instance key and returns a base64 signature
func (m *IdentityManager) Sign(payload []byte) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.key == nil {
		return "", fmt.Errorf("signing identity not initialized")
	}

	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, m.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}

	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyDetached verifies a base64 signature over payload against the
// public key of the given PEM certificate
func VerifyDetached(certPEM string, payload []byte, signature string) error {
	cert, err := ParseCertPEM(certPEM)
	if err != nil {
		return err
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate key is not RSA")
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}

	return nil
}

// ParseCertPEM parses a single PEM-encoded certificate
func ParseCertPEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, nil
}

// FingerprintOfCert returns the hex SHA-256 fingerprint of a PEM certificate
func FingerprintOfCert(certPEM string) (string, error) {
	cert, err := ParseCertPEM(certPEM)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:]), nil
}
