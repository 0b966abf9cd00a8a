// Package provision owns the device's credentials: key pair, self-signed
// certificate, root CA trust anchor, and the resolved connection info.
// Everything is loaded or created explicitly and handed to the session as a
// SessionContext value; nothing reads credential files ambiently.
package provision

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// RootCAURL is the well-known location of the Amazon Root CA 1 certificate,
// the trust anchor of the device gateway.
const RootCAURL = "https://www.amazontrust.com/repository/AmazonRootCA1.pem"

// ErrNoBundle is returned by Load when the device has no cached credentials.
var ErrNoBundle = errors.New("no credential bundle")

// Bundle holds the device's PEM-encoded credentials. The private key never
// leaves the process; only the certificate is uploaded during registration.
type Bundle struct {
	KeyPEM    []byte
	CertPEM   []byte
	RootCAPEM []byte
}

// CertStore creates and caches per-device credential files under a single
// directory: "<id>.key.pem", "<id>.cert.pem", and a shared root CA file.
type CertStore struct {
	dir    string
	caURL  string
	http   *http.Client
	logger *slog.Logger
}

// NewCertStore creates the store rooted at dir, creating the directory with
// owner-only permissions if needed.
func NewCertStore(dir string, logger *slog.Logger) (*CertStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create certs dir: %w", err)
	}
	return &CertStore{
		dir:    dir,
		caURL:  RootCAURL,
		http:   &http.Client{Timeout: 20 * time.Second},
		logger: logger.With("component", "certs"),
	}, nil
}

func (cs *CertStore) keyPath(deviceID string) string {
	return filepath.Join(cs.dir, deviceID+".key.pem")
}

func (cs *CertStore) certPath(deviceID string) string {
	return filepath.Join(cs.dir, deviceID+".cert.pem")
}

func (cs *CertStore) caPath() string {
	return filepath.Join(cs.dir, "AmazonRootCA1.pem")
}

// Load returns the cached bundle for deviceID, or ErrNoBundle when any of
// the three files is absent. Present but unparsable files are an error, not
// a reason to silently regenerate: the device may already be onboarded with
// the cached certificate.
func (cs *CertStore) Load(deviceID string) (*Bundle, error) {
	keyPEM, err := os.ReadFile(cs.keyPath(deviceID))
	if os.IsNotExist(err) {
		return nil, ErrNoBundle
	} else if err != nil {
		return nil, fmt.Errorf("read device key: %w", err)
	}
	certPEM, err := os.ReadFile(cs.certPath(deviceID))
	if os.IsNotExist(err) {
		return nil, ErrNoBundle
	} else if err != nil {
		return nil, fmt.Errorf("read device cert: %w", err)
	}
	caPEM, err := os.ReadFile(cs.caPath())
	if os.IsNotExist(err) {
		return nil, ErrNoBundle
	} else if err != nil {
		return nil, fmt.Errorf("read root ca: %w", err)
	}

	b := &Bundle{KeyPEM: keyPEM, CertPEM: certPEM, RootCAPEM: caPEM}
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("cached bundle for %s is corrupt: %w", deviceID, err)
	}
	return b, nil
}

// Create generates a fresh P-256 key pair and a self-signed certificate with
// CN=deviceID, valid for ten years, and persists both with 0600 permissions.
// The root CA must already be cached (EnsureRootCA).
func (cs *CertStore) Create(deviceID string) (*Bundle, error) {
	caPEM, err := os.ReadFile(cs.caPath())
	if err != nil {
		return nil, fmt.Errorf("root ca not cached: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: deviceID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create self-signed cert: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal device key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	if err := os.WriteFile(cs.keyPath(deviceID), keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("write device key: %w", err)
	}
	if err := os.WriteFile(cs.certPath(deviceID), certPEM, 0600); err != nil {
		return nil, fmt.Errorf("write device cert: %w", err)
	}

	cs.logger.Info("generated device credentials",
		"device", deviceID, "key", cs.keyPath(deviceID), "cert", cs.certPath(deviceID))
	return &Bundle{KeyPEM: keyPEM, CertPEM: certPEM, RootCAPEM: caPEM}, nil
}

// EnsureRootCA downloads the Amazon Root CA once and caches it. Without a
// trust anchor the session cannot verify the gateway, so an unreachable CA
// URL with no cached copy is a hard failure.
func (cs *CertStore) EnsureRootCA(ctx context.Context) error {
	if _, err := os.Stat(cs.caPath()); err == nil {
		return nil
	}

	cs.logger.Info("downloading root CA", "url", cs.caURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cs.caURL, nil)
	if err != nil {
		return fmt.Errorf("build root ca request: %w", err)
	}
	resp, err := cs.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch root ca: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch root ca: HTTP %d", resp.StatusCode)
	}

	caPEM, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read root ca: %w", err)
	}
	if block, _ := pem.Decode(caPEM); block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("root ca response is not a PEM certificate")
	}

	if err := os.WriteFile(cs.caPath(), caPEM, 0600); err != nil {
		return fmt.Errorf("write root ca: %w", err)
	}
	return nil
}

func (b *Bundle) validate() error {
	block, _ := pem.Decode(b.KeyPEM)
	if block == nil {
		return errors.New("device key is not PEM")
	}
	if _, err := x509.ParseECPrivateKey(block.Bytes); err != nil {
		return fmt.Errorf("parse device key: %w", err)
	}
	block, _ = pem.Decode(b.CertPEM)
	if block == nil {
		return errors.New("device cert is not PEM")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return fmt.Errorf("parse device cert: %w", err)
	}
	if block, _ = pem.Decode(b.RootCAPEM); block == nil {
		return errors.New("root ca is not PEM")
	}
	return nil
}
