package signwrap

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// newTestIdentity generates a throwaway self-signed identity.
func newTestIdentity(t *testing.T) *SigningIdentity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "signwrap test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}

	return &SigningIdentity{
		Certificate: cert,
		PrivateKey:  key,
		CertChain:   []*x509.Certificate{cert},
	}
}

func TestAppendSignerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.exe")
	content := []byte("executable bytes")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	signer := &AppendSigner{Identity: newTestIdentity(t), Path: path}
	if err := signer.Sign(context.Background()); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	seal, err := ReadSeal(path)
	if err != nil {
		t.Fatalf("ReadSeal failed: %v", err)
	}
	if seal == nil {
		t.Fatal("Expected a seal")
	}
	if seal.SignerCN != "signwrap test" {
		t.Errorf("Expected signer CN %q, got %q", "signwrap test", seal.SignerCN)
	}
	if seal.Offset != int64(len(content)) {
		t.Errorf("Expected the seal at offset %d, got %d", len(content), seal.Offset)
	}

	signed, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stripSeal(signed), content) {
		t.Error("Stripping the seal must recover the original content")
	}
}

func TestAppendSignerResign(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.exe")
	content := []byte("executable bytes")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	signer := &AppendSigner{Identity: newTestIdentity(t), Path: path}
	if err := signer.Sign(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := signer.Sign(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A second pass replaces the first seal rather than stacking.
	signed, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stripSeal(signed), content) {
		t.Error("Expected exactly one seal after re-signing")
	}
}

func TestAppendSignerNoIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.exe")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	signer := &AppendSigner{Path: path}
	if err := signer.Sign(context.Background()); err == nil {
		t.Error("Expected an error without an identity")
	}
}

func TestReadSealNone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.exe")
	if err := os.WriteFile(path, []byte("no seal here"), 0644); err != nil {
		t.Fatal(err)
	}
	seal, err := ReadSeal(path)
	if err != nil {
		t.Fatalf("ReadSeal failed: %v", err)
	}
	if seal != nil {
		t.Errorf("Expected no seal, got %+v", seal)
	}
}

// The built-in signer through the full convergence loop: the appended CMS
// signature ends up absorbed by the ZIP comment.
func TestAppendSignerConverges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.exe")
	writeZipExe(t, path, []byte("STUB"), "builtin")

	job := &Job{
		File:   path,
		Signer: &AppendSigner{Identity: newTestIdentity(t), Path: path},
	}
	quietJob(job)

	if err := job.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	trailer, _, err := LocateTrailer(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if trailer == nil || !trailer.Consistent {
		t.Fatal("Expected a consistent trailer after sealing")
	}

	seal, err := ReadSeal(path)
	if err != nil || seal == nil {
		t.Fatalf("Expected a readable seal: seal=%v err=%v", seal, err)
	}
}

func TestLoadSigningIdentityPEM(t *testing.T) {
	base := newTestIdentity(t)

	keyDER, err := x509.MarshalPKCS8PrivateKey(base.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: base.Certificate.Raw}); err != nil {
		t.Fatal(err)
	}
	if err := pem.Encode(&buf, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}); err != nil {
		t.Fatal(err)
	}

	identity, err := LoadSigningIdentity(buf.Bytes(), "")
	if err != nil {
		t.Fatalf("LoadSigningIdentity failed: %v", err)
	}
	if identity.Certificate.Subject.CommonName != "signwrap test" {
		t.Errorf("Unexpected certificate: %v", identity.Certificate.Subject)
	}
	if identity.PrivateKey == nil {
		t.Error("Expected a private key")
	}
}

func TestLoadSigningIdentityPEMRejectsUnknownBlock(t *testing.T) {
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "GARBAGE", Bytes: []byte{1, 2, 3}}); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSigningIdentity(buf.Bytes(), ""); err == nil {
		t.Error("Expected an error for an unsupported PEM block")
	}
}

func TestLoadSigningIdentityP12(t *testing.T) {
	base := newTestIdentity(t)

	p12, err := gop12.Modern.Encode(base.PrivateKey, base.Certificate, nil, "secret")
	if err != nil {
		t.Fatalf("Failed to encode P12: %v", err)
	}

	identity, err := LoadSigningIdentity(p12, "secret")
	if err != nil {
		t.Fatalf("LoadSigningIdentity failed: %v", err)
	}
	if identity.Certificate.Subject.CommonName != "signwrap test" {
		t.Errorf("Unexpected certificate: %v", identity.Certificate.Subject)
	}

	if _, err := LoadSigningIdentity(p12, "wrong"); err == nil {
		t.Error("Expected an error for a wrong password")
	}
}
