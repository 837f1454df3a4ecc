package signwrap

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// SigningIdentity is the certificate and private key used by the built-in
// signer.
type SigningIdentity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	CertChain   []*x509.Certificate
}

// LoadSigningIdentity loads a signing identity from a PKCS#12 bundle or
// from PEM data carrying a certificate and a private key.
func LoadSigningIdentity(data []byte, password string) (*SigningIdentity, error) {
	// Check if this is PEM data
	if bytes.HasPrefix(data, []byte("-----BEGIN")) {
		return loadPEMIdentity(data)
	}

	// Try to decode as PKCS#12
	privateKey, cert, caCerts, err := gop12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}

	chain := []*x509.Certificate{cert}
	chain = append(chain, caCerts...)

	return &SigningIdentity{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertChain:   chain,
	}, nil
}

// loadPEMIdentity loads a signing identity from concatenated PEM blocks.
// The first CERTIFICATE block becomes the signing certificate; any further
// ones join the chain.
func loadPEMIdentity(pemData []byte) (*SigningIdentity, error) {
	identity := &SigningIdentity{}

	for {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}

		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			if identity.Certificate == nil {
				identity.Certificate = cert
			}
			identity.CertChain = append(identity.CertChain, cert)

		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse private key: %w", err)
			}
			identity.PrivateKey = key

		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse private key: %w", err)
			}
			identity.PrivateKey = key

		case "EC PRIVATE KEY":
			key, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse private key: %w", err)
			}
			identity.PrivateKey = key

		default:
			return nil, fmt.Errorf("unsupported PEM type: %s", block.Type)
		}
	}

	if identity.Certificate == nil {
		return nil, fmt.Errorf("PEM data contains no certificate")
	}
	if identity.PrivateKey == nil {
		return nil, fmt.Errorf("PEM data contains no private key")
	}
	return identity, nil
}
