package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// RSAKeyBits is the key size used for every session keypair: the
// coordinator certificate key and the node certificate key alike.
const RSAKeyBits = 2048

// CertValidity is how long a self-signed session certificate remains
// valid. Session certificates are ephemeral; one day comfortably
// outlives any single session.
const CertValidity = 24 * time.Hour

// GenerateRSAKey generates a fresh 2048-bit RSA keypair.
func GenerateRSAKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSAKeyBits)
}

// SelfSignedCert is a keypair plus a self-signed certificate whose
// subject CN identifies the (sessionName, port) pair that minted it.
type SelfSignedCert struct {
	Key  *rsa.PrivateKey
	CN   string
	cert *x509.Certificate
	der  []byte
}

// CN formats the certificate common name per spec: "<sessionName>:<port>".
func CN(sessionName string, port int) string {
	return fmt.Sprintf("%s:%d", sessionName, port)
}

// NewSelfSignedCert signs with the given key and mints a self-signed
// certificate with CN = cn, issuer == subject, serial a fresh 20-byte
// random integer, validity CertValidity starting now.
func NewSelfSignedCert(key *rsa.PrivateKey, cn string) (*SelfSignedCert, error) {
	serialBytes, err := randomSerial()
	if err != nil {
		return nil, err
	}
	serial := new(big.Int).SetBytes(serialBytes)

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		Issuer:       pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(CertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &SelfSignedCert{Key: key, CN: cn, cert: cert, der: der}, nil
}

// TLSCertificate returns the tls.Certificate form used to configure a
// tls.Config for either listener or dialer role.
func (s *SelfSignedCert) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{s.der},
		PrivateKey:  s.Key,
		Leaf:        s.cert,
	}
}
