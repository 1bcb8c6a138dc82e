// Package opcuapki manages the OPC UA application instance certificate and
// the own/trusted/rejected directory convention the control-plane client
// relies on: create the directories if missing, load or self-generate the
// application identity, and accept peers permissively.
package opcuapki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Manager owns certificates/{own,trusted,rejected} under a root directory.
type Manager struct {
	root   string
	logger *zap.Logger
}

// New ensures the own/trusted/rejected directories exist under root
// ("certificates" by default) and returns a Manager.
func New(root string, logger *zap.Logger) (*Manager, error) {
	if root == "" {
		root = "certificates"
	}
	m := &Manager{root: root, logger: logger}
	for _, sub := range []string{"own", "trusted", "rejected"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("opcuapki: create %s dir: %w", sub, err)
		}
	}
	return m, nil
}

func (m *Manager) ownDir() string      { return filepath.Join(m.root, "own") }
func (m *Manager) trustedDir() string  { return filepath.Join(m.root, "trusted") }
func (m *Manager) rejectedDir() string { return filepath.Join(m.root, "rejected") }

// EnsureApplicationCertificate loads the own certificate/key pair, self-
// generating them on first run, and returns the parsed certificate plus
// its private key for use with the OPC UA client.
func (m *Manager) EnsureApplicationCertificate() (*x509.Certificate, *rsa.PrivateKey, error) {
	certPath := filepath.Join(m.ownDir(), "okuma-bridge.der")
	keyPath := filepath.Join(m.ownDir(), "okuma-bridge.key")

	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		if err := m.generateSelfSigned(certPath, keyPath); err != nil {
			return nil, nil, fmt.Errorf("opcuapki: generate self-signed certificate: %w", err)
		}
		m.logger.Info("opcuapki: generated self-signed application certificate", zap.String("path", certPath))
	}

	certDER, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opcuapki: read certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("opcuapki: parse certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opcuapki: read key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("opcuapki: decode key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("opcuapki: parse key: %w", err)
	}

	return cert, key, nil
}

func (m *Manager) generateSelfSigned(certPath, keyPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "okuma-bridge",
			Organization: []string{"okuma-bridge"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	if err := os.WriteFile(certPath, der, 0o600); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}

	return nil
}

// AcceptPeer implements the permissive (accept-all) validation policy: the
// peer certificate is always trusted and copied into trusted/ for audit
// purposes. It returns the certificate's subject so the caller can log
// each distinct subject once (opcuaclient.logCertSubjectOnce).
func (m *Manager) AcceptPeer(der []byte) (string, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("opcuapki: parse peer certificate: %w", err)
	}
	name := fmt.Sprintf("%x.der", cert.SerialNumber)
	path := filepath.Join(m.trustedDir(), name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, der, 0o644)
	}
	return cert.Subject.String(), nil
}
