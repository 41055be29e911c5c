// Package cert loads or creates the certificate the proxy listener serves when
// HTTPS is enabled.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	CertName = "server-cert.pem"
	KeyName  = "server-key.pem"

	keyPerms   = 0600
	validYears = 2
)

// ErrHalfPair is returned when only one of cert/key is configured.
var ErrHalfPair = errors.New("both cert_file and key_file must be set")

// Load returns the configured key pair when certFile and keyFile are set, or a
// self-signed pair stored under dir otherwise.
func Load(certFile, keyFile, dir string, hosts ...string) (tls.Certificate, error) {
	certFile, keyFile = strings.TrimSpace(certFile), strings.TrimSpace(keyFile)
	switch {
	case certFile != "" && keyFile != "":
		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		return pair, nil
	case certFile != "" || keyFile != "":
		return tls.Certificate{}, ErrHalfPair
	}
	return LoadOrGenerate(dir, hosts...)
}

// LoadOrGenerate reads dir/server-cert.pem and dir/server-key.pem, creating a fresh
// self-signed ECDSA P-256 pair when the key is missing.
func LoadOrGenerate(dir string, hosts ...string) (tls.Certificate, error) {
	certPath := filepath.Join(dir, CertName)
	keyPath := filepath.Join(dir, KeyName)

	_, keyErr := os.Stat(keyPath)
	if os.IsNotExist(keyErr) {
		slog.Info("Generating self-signed server certificate...", "dir", dir)
		if err := generate(certPath, keyPath, hosts); err != nil {
			return tls.Certificate{}, err
		}
	} else if keyErr != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read server key: %w", keyErr)
	}

	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load server certificate: %w", err)
	}
	return pair, nil
}

func generate(certPath, keyPath string, hosts []string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Hour)
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "passage", Organization: []string{"Passage"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(validYears, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	addSANs(&template, append([]string{"localhost", "127.0.0.1", "::1"}, hosts...))

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create server certificate: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal EC private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, keyPerms); err != nil {
		return fmt.Errorf("failed to write server key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write server certificate: %w", err)
	}

	slog.Info("Server certificate generated", "path", certPath, "sha256", Fingerprint(der))
	return nil
}

func addSANs(t *x509.Certificate, hosts []string) {
	seen := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if ip := net.ParseIP(h); ip != nil {
			t.IPAddresses = append(t.IPAddresses, ip)
		} else {
			t.DNSNames = append(t.DNSNames, h)
		}
	}
}

// Fingerprint returns the upper-case hex SHA-256 of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
