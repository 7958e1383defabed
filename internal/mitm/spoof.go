package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/Femure/tls-interceptor-proxy/internal/errs"
)

var maxSerialNumber = new(big.Int).Lsh(big.NewInt(1), 128)

// Spoofer mints per-hostname leaf certificates signed by a CertificateAuthority,
// copying SAN/CN/validity from the captured upstream peer leaf. Leaves are
// cached in memory and, optionally, persisted across restarts in a bbolt
// bucket so a restarted proxy does not have to re-dial upstream to re-earn
// a client's trust of a still-valid spoofed leaf.
type Spoofer struct {
	ca *CertificateAuthority

	leafKey *rsa.PrivateKey // one key pair shared across all spoofed leaves

	mu    sync.RWMutex
	certs map[string]*tls.Certificate

	db *bbolt.DB
}

var leafBucket = []byte("spoofed_leaves")

// NewSpoofer builds a Spoofer for the given CA. If cachePath is non-empty,
// spoofed leaves are additionally persisted to a bbolt database at that path.
func NewSpoofer(ca *CertificateAuthority, cachePath string) (*Spoofer, error) {
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "generate shared leaf key", err)
	}

	s := &Spoofer{
		ca:      ca,
		leafKey: leafKey,
		certs:   make(map[string]*tls.Certificate),
	}

	if cachePath != "" {
		db, err := bbolt.Open(cachePath, 0o600, nil)
		if err != nil {
			return nil, errs.Wrap(errs.Config, fmt.Sprintf("open leaf cache %s", cachePath), err)
		}
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(leafBucket)
			return err
		}); err != nil {
			db.Close() //nolint:errcheck // best-effort close on setup failure
			return nil, errs.Wrap(errs.Config, "init leaf cache bucket", err)
		}
		s.db = db
	}

	return s, nil
}

// Close releases the persistent cache, if one was opened.
func (s *Spoofer) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Spoof returns a leaf certificate for host, generating and caching one if
// needed. The template copies upstreamLeaf's SAN/CN and validity window,
// and the result is signed by the CA. The second return value reports
// whether the leaf came from cache.
func (s *Spoofer) Spoof(host string, upstreamLeaf *x509.Certificate) (tls.Certificate, bool, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	// Cached leaves are checked against the issuing CA, so an expired or
	// foreign leaf is never reused.
	roots := x509.NewCertPool()
	roots.AddCert(s.ca.Cert)
	verifyOpts := x509.VerifyOptions{DNSName: host, Roots: roots}

	s.mu.RLock()
	cached, ok := s.certs[host]
	s.mu.RUnlock()
	if ok {
		if _, err := cached.Leaf.Verify(verifyOpts); err == nil {
			return *cached, true, nil
		}
	} else if s.db != nil {
		if tlsc, err := s.loadPersisted(host); err == nil && tlsc != nil {
			if _, verr := tlsc.Leaf.Verify(verifyOpts); verr == nil {
				s.mu.Lock()
				s.certs[host] = tlsc
				s.mu.Unlock()
				return *tlsc, true, nil
			}
		}
	}

	serial, err := rand.Int(rand.Reader, maxSerialNumber)
	if err != nil {
		return tls.Certificate{}, false, errs.Wrap(errs.Crypto, "generate serial", err)
	}

	// The leaf's validity window must stay within both the upstream's
	// and the CA's: a leaf outliving its issuer fails verification.
	notBefore := upstreamLeaf.NotBefore
	if notBefore.Before(s.ca.Cert.NotBefore) {
		notBefore = s.ca.Cert.NotBefore
	}
	notAfter := upstreamLeaf.NotAfter
	if notAfter.After(s.ca.Cert.NotAfter) {
		notAfter = s.ca.Cert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               upstreamLeaf.Subject,
		DNSNames:              upstreamLeaf.DNSNames,
		IPAddresses:           upstreamLeaf.IPAddresses,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	template.Subject.CommonName = upstreamLeaf.Subject.CommonName
	if len(template.DNSNames) == 0 && net.ParseIP(host) == nil {
		template.DNSNames = []string{host}
	}

	raw, err := x509.CreateCertificate(rand.Reader, template, s.ca.Cert, &s.leafKey.PublicKey, s.ca.Key)
	if err != nil {
		return tls.Certificate{}, false, errs.Wrap(errs.Crypto, fmt.Sprintf("sign leaf for %s", host), err)
	}
	leaf, err := x509.ParseCertificate(raw)
	if err != nil {
		return tls.Certificate{}, false, errs.Wrap(errs.Crypto, "parse signed leaf", err)
	}

	tlsc := &tls.Certificate{
		Certificate: [][]byte{raw, s.ca.Cert.Raw},
		PrivateKey:  s.leafKey,
		Leaf:        leaf,
	}

	s.mu.Lock()
	s.certs[host] = tlsc
	s.mu.Unlock()

	if s.db != nil {
		_ = s.persist(host, tlsc) //nolint:errcheck // cache is best-effort
	}

	return *tlsc, false, nil
}

// TLSConfigFor returns a *tls.Config that presents a spoofed certificate for
// host, built against upstreamLeaf's template.
func (s *Spoofer) TLSConfigFor(host string, upstreamLeaf *x509.Certificate) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
			tlsc, _, err := s.Spoof(host, upstreamLeaf)
			if err != nil {
				return nil, err
			}
			return &tlsc, nil
		},
		NextProtos: []string{"http/1.1"},
	}
}

// persist stores the leaf certificate together with its private key.
// A restarted process generates a fresh shared key, so a cached cert is
// only usable if the key it was minted for travels with it.
func (s *Spoofer) persist(host string, tlsc *tls.Certificate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(leafBucket)
		buf := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: tlsc.Certificate[0]})
		key, ok := tlsc.PrivateKey.(*rsa.PrivateKey)
		if !ok {
			return fmt.Errorf("leaf key is not RSA")
		}
		buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})...)
		return b.Put([]byte(host), buf)
	})
}

func (s *Spoofer) loadPersisted(host string) (*tls.Certificate, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(leafBucket)
		v := b.Get([]byte(host))
		if v == nil {
			return nil
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil || raw == nil {
		return nil, err
	}

	certBlock, rest := pem.Decode(raw)
	if certBlock == nil {
		return nil, nil
	}
	keyBlock, _ := pem.Decode(rest)
	if keyBlock == nil {
		return nil, nil
	}
	leaf, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{certBlock.Bytes, s.ca.Cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
