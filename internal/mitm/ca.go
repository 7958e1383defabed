// Package mitm provides MITM TLS termination for intercepting HTTPS traffic.
// It loads CA material, spoofs per-host leaf certificates signed by that CA,
// and dials upstream servers on the proxy's behalf.
package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/youmark/pkcs8"

	"github.com/Femure/tls-interceptor-proxy/internal/errs"
)

// CertificateAuthority holds the CA certificate and private key used to
// sign spoofed leaf certificates for intercepted hosts.
type CertificateAuthority struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// Load reads a CA certificate and (optionally passphrase-protected) private
// key from PEM files. It handles three key encodings, chosen by the PEM
// block: PKCS8 "ENCRYPTED PRIVATE KEY" blocks, legacy DEK-Info encrypted
// PEM, and otherwise unencrypted PKCS1/PKCS8.
func Load(certFile, keyFile, passphrase string) (*CertificateAuthority, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, errs.Wrap(errs.Config, fmt.Sprintf("read CA cert %s", certFile), err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, errs.Wrap(errs.Config, fmt.Sprintf("read CA key %s", keyFile), err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errs.New(errs.Config, fmt.Sprintf("no PEM block found in %s", certFile))
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, errs.Wrap(errs.Config, "parse CA certificate", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errs.New(errs.Config, fmt.Sprintf("no PEM block found in %s", keyFile))
	}

	key, err := decodeCAKey(keyBlock, passphrase)
	if err != nil {
		return nil, errs.Wrap(errs.Config, "parse CA key", err)
	}

	return &CertificateAuthority{Cert: cert, Key: key}, nil
}

// decodeCAKey parses keyBlock into an RSA private key, selecting the
// PKCS8-encrypted, legacy-DEK-Info, or unencrypted form by block type.
func decodeCAKey(keyBlock *pem.Block, passphrase string) (*rsa.PrivateKey, error) {
	switch {
	case keyBlock.Type == "ENCRYPTED PRIVATE KEY":
		if passphrase == "" {
			return nil, fmt.Errorf("key is encrypted but no passphrase provided")
		}
		raw, err := pkcs8.ParsePKCS8PrivateKey(keyBlock.Bytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse encrypted PKCS8 key: %w", err)
		}
		rsaKey, ok := raw.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not RSA")
		}
		return rsaKey, nil

	case x509.IsEncryptedPEMBlock(keyBlock): //nolint:staticcheck // legacy DEK-Info format, still produced by openssl
		if passphrase == "" {
			return nil, fmt.Errorf("key is encrypted but no passphrase provided")
		}
		der, err := x509.DecryptPEMBlock(keyBlock, []byte(passphrase)) //nolint:staticcheck // legacy format
		if err != nil {
			return nil, fmt.Errorf("decrypt PEM key: %w", err)
		}
		if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
			return k, nil
		}
		raw, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("parse decrypted key: %w", err)
		}
		rsaKey, ok := raw.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not RSA")
		}
		return rsaKey, nil

	default:
		if k, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes); err == nil {
			return k, nil
		}
		raw, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse CA key: %w", err)
		}
		rsaKey, ok := raw.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not RSA")
		}
		return rsaKey, nil
	}
}

// Generate creates a fresh self-signed CA valid for ten years, writes its
// certificate and private key as PEM to certFile and keyFile (the key is
// PKCS8-encrypted under passphrase when one is given), and returns the
// loaded pair.
func Generate(certFile, keyFile, passphrase string) (*CertificateAuthority, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "generate CA key", err)
	}

	serial, err := rand.Int(rand.Reader, maxSerialNumber)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "generate CA serial", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "TLS Interceptor Proxy CA",
			Organization: []string{"tls-interceptor-proxy"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "self-sign CA certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "parse generated CA certificate", err)
	}

	var keyBlock *pem.Block
	if passphrase != "" {
		encDER, err := pkcs8.MarshalPrivateKey(key, []byte(passphrase), nil)
		if err != nil {
			return nil, errs.Wrap(errs.Crypto, "encrypt CA key", err)
		}
		keyBlock = &pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: encDER}
	} else {
		keyBlock = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	}

	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.Config, fmt.Sprintf("create %s", dir), err)
		}
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil { //nolint:gosec // public certificate
		return nil, errs.Wrap(errs.Config, fmt.Sprintf("write %s", certFile), err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(keyBlock), 0o600); err != nil {
		return nil, errs.Wrap(errs.Config, fmt.Sprintf("write %s", keyFile), err)
	}

	log.Printf("[MITM] Generated new CA: %s / %s", certFile, keyFile)
	return &CertificateAuthority{Cert: cert, Key: key}, nil
}

// LoadOrGenerate loads the CA when its files exist, and generates and
// persists a fresh one when both are missing. One missing file of the
// two is still a hard error, since regenerating over half a pair would
// silently invalidate previously installed trust.
func LoadOrGenerate(certFile, keyFile, passphrase string) (*CertificateAuthority, error) {
	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	if os.IsNotExist(certErr) && os.IsNotExist(keyErr) {
		return Generate(certFile, keyFile, passphrase)
	}
	return Load(certFile, keyFile, passphrase)
}

// LogTrustInstructions prints OS-specific instructions for trusting the CA
// certificate, so intercepted clients will accept spoofed leaf certs.
func LogTrustInstructions(certFile string) {
	log.Printf("[MITM] Trust the CA certificate to enable HTTPS interception:")
	log.Printf("[MITM]   macOS:   security add-trusted-cert -d -r trustRoot -k ~/Library/Keychains/login.keychain %s", certFile)
	log.Printf("[MITM]   Linux:   sudo cp %s /usr/local/share/ca-certificates/tls-interceptor.crt && sudo update-ca-certificates", certFile)
	log.Printf("[MITM]   Windows: certutil -addstore Root %s", certFile)
}
