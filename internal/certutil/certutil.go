// Package certutil generates and loads the TLS certificate the QUIC
// listener presents.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// GenerateSelfSigned builds an in-memory ECDSA P256 self-signed
// certificate valid for "localhost", the loopback addresses, and sni (if
// given and not already one of those), for use when no certificate/key
// pair is configured.
func GenerateSelfSigned(sni string) (tls.Certificate, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: generating key: %w", err)
	}

	dnsNames := []string{"localhost"}
	if sni != "" && sni != "localhost" {
		dnsNames = append(dnsNames, sni)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"quics-go"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              dnsNames,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: creating certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privateKey,
		Leaf:        &template,
	}, nil
}

// LoadOrGenerate loads certFile/keyFile when both are given, otherwise
// falls back to a fresh self-signed certificate scoped to sni.
func LoadOrGenerate(certFile, keyFile, sni string) (tls.Certificate, error) {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("certutil: loading certificate: %w", err)
		}
		return cert, nil
	}
	return GenerateSelfSigned(sni)
}
