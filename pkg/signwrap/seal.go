package signwrap

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"

	"go.mozilla.org/pkcs7"
)

// A seal is a detached CMS signature appended to the end of a file, framed
// by an 8-byte record: 4 magic bytes followed by the little-endian length
// of the CMS blob preceding the frame. Putting the frame last keeps it
// findable from the tail regardless of the blob size.
var sealMagic = [4]byte{'S', 'W', 'S', '1'}

const sealFrameSize = 8

// AppendSigner is an in-process Signer that seals a file by appending a
// detached CMS signature over its contents. The encoded signing time makes
// the seal size vary from run to run, which is exactly the situation the
// convergence loop exists for.
type AppendSigner struct {
	Identity *SigningIdentity
	Path     string
}

// Sign replaces any existing seal on the file with a fresh one. Because a
// prior seal is stripped first, re-signing the same file is safe, and the
// signer can be used in in-place mode.
func (s *AppendSigner) Sign(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Identity == nil || s.Identity.Certificate == nil {
		return fmt.Errorf("no signing identity configured")
	}

	mode := fs.FileMode(0644)
	if st, err := os.Stat(s.Path); err == nil {
		mode = st.Mode().Perm()
	}

	content, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.Path, err)
	}
	content = stripSeal(content)

	blob, err := s.buildSeal(content)
	if err != nil {
		return err
	}

	var frame [sealFrameSize]byte
	copy(frame[:], sealMagic[:])
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(blob)))

	out := make([]byte, 0, len(content)+len(blob)+sealFrameSize)
	out = append(out, content...)
	out = append(out, blob...)
	out = append(out, frame[:]...)

	if err := os.WriteFile(s.Path, out, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.Path, err)
	}
	return nil
}

func (s *AppendSigner) buildSeal(content []byte) ([]byte, error) {
	signedData, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signature: %w", err)
	}
	signedData.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	key, ok := s.Identity.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("built-in signing requires an RSA private key")
	}

	var parents []*x509.Certificate
	if len(s.Identity.CertChain) > 1 {
		parents = s.Identity.CertChain[1:]
	}
	if err := signedData.AddSignerChain(s.Identity.Certificate, key, parents, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("failed to sign content: %w", err)
	}

	// Detached: the file itself is the content, only the signature is
	// appended.
	signedData.Detach()

	blob, err := signedData.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signature: %w", err)
	}
	return blob, nil
}

// Seal describes a signwrap seal found at the end of a file.
type Seal struct {
	// Offset is the file offset where the CMS blob begins.
	Offset int64
	// Size is the CMS blob length in bytes.
	Size     int
	SignerCN string
	Issuer   string
}

// ReadSeal parses the seal appended to the file at path, if any. A nil Seal
// with a nil error means the file carries no seal.
func ReadSeal(path string) (*Seal, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	trimmed := stripSeal(content)
	if len(trimmed) == len(content) {
		return nil, nil
	}

	blob := content[len(trimmed) : len(content)-sealFrameSize]
	p7, err := pkcs7.Parse(blob)
	if err != nil {
		return nil, fmt.Errorf("malformed seal on %s: %w", path, err)
	}

	seal := &Seal{
		Offset: int64(len(trimmed)),
		Size:   len(blob),
	}
	if len(p7.Signers) > 0 {
		signer := p7.Signers[0]
		for _, cert := range p7.Certificates {
			if cert.SerialNumber.Cmp(signer.IssuerAndSerialNumber.SerialNumber) == 0 {
				seal.SignerCN = cert.Subject.CommonName
				seal.Issuer = cert.Issuer.CommonName
				break
			}
		}
	}
	return seal, nil
}

// stripSeal returns content without a trailing seal, or content unchanged
// when none is present.
func stripSeal(content []byte) []byte {
	if len(content) < sealFrameSize {
		return content
	}
	frame := content[len(content)-sealFrameSize:]
	if !bytes.Equal(frame[:4], sealMagic[:]) {
		return content
	}
	n := int(binary.LittleEndian.Uint32(frame[4:]))
	if n <= 0 || n+sealFrameSize > len(content) {
		return content
	}
	return content[:len(content)-n-sealFrameSize]
}
