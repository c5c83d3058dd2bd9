package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"
)

// ephemeralTLSConfig returns a tls.Config backed by a fresh, short-lived
// self-signed certificate generated at process start. Peer identity is not
// established through the certificate chain — the roster binds node_id to
// an application-layer signing key, verified by the handshake in
// handshake.go, not by a PKI — so certificate verification is disabled and
// InsecureSkipVerify is set deliberately. What TLS supplies here is
// confidentiality/integrity of the byte stream and forward secrecy via its
// ephemeral (ECDHE) key exchange, regenerated on every connection and on
// every process restart, matching spec.md §4.4's transport guarantees.
// No TLS/noise library appears in the teacher or the example pack, so this
// is built on the standard library crypto/tls rather than a dropped
// third-party dependency; see DESIGN.md.
func ephemeralTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "bftquorum-ephemeral"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	}, nil
}
