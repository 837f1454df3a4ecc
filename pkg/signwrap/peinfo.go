package signwrap

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.mozilla.org/pkcs7"
)

// FileInfo summarizes what InspectFile found in an executable.
type FileInfo struct {
	Path string
	Size int64

	// Trailer is the ZIP trailer located in lenient mode, nil when none.
	Trailer *Trailer
	// TrailerCandidate reports whether EOCD signature bytes were seen even
	// if no usable trailer was located.
	TrailerCandidate bool

	// Certificates lists the entries of the PE attribute-certificate table,
	// empty when the file is not a PE image or carries none.
	Certificates []CertificateInfo

	// Seal is the signwrap seal appended by the built-in signer, if any.
	Seal *Seal
}

// CertificateInfo describes one WIN_CERTIFICATE entry of a PE
// attribute-certificate table.
type CertificateInfo struct {
	Revision uint16
	Type     uint16
	// Size is the length of the certificate body, excluding the 8-byte
	// entry header.
	Size     uint32
	SignerCN string
	Issuer   string
}

// certTableIndex is IMAGE_DIRECTORY_ENTRY_SECURITY in the optional header's
// data directory.
const certTableIndex = 4

// InspectFile reports the signing-relevant structure of a file: its ZIP
// trailer state, any PE attribute certificates, and any signwrap seal. It
// never validates a signature cryptographically.
func InspectFile(path string) (*FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	info := &FileInfo{Path: path, Size: st.Size()}

	trailer, saw, err := LocateTrailer(path, true)
	if err != nil {
		return nil, err
	}
	info.Trailer = trailer
	info.TrailerCandidate = saw

	// Non-PE files and unsealed files are ordinary here, not errors.
	if certs, err := readCertificateTable(path); err == nil {
		info.Certificates = certs
	}
	if seal, err := ReadSeal(path); err == nil {
		info.Seal = seal
	}
	return info, nil
}

// readCertificateTable extracts the attribute-certificate table of a PE
// image. The security data-directory entry is special: its VirtualAddress
// is a raw file offset, not an RVA.
func readCertificateTable(path string) ([]CertificateInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pf, err := pe.NewFile(f)
	if err != nil {
		return nil, err
	}

	var dir pe.DataDirectory
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if oh.NumberOfRvaAndSizes <= certTableIndex {
			return nil, nil
		}
		dir = oh.DataDirectory[certTableIndex]
	case *pe.OptionalHeader64:
		if oh.NumberOfRvaAndSizes <= certTableIndex {
			return nil, nil
		}
		dir = oh.DataDirectory[certTableIndex]
	default:
		return nil, nil
	}
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, nil
	}

	table := make([]byte, dir.Size)
	if _, err := f.ReadAt(table, int64(dir.VirtualAddress)); err != nil {
		return nil, fmt.Errorf("failed to read certificate table: %w", err)
	}
	return parseCertificateTable(table), nil
}

// parseCertificateTable walks WIN_CERTIFICATE entries: a uint32 length
// covering the whole entry, uint16 revision, uint16 type, then the
// certificate body. Entries are 8-byte aligned.
func parseCertificateTable(table []byte) []CertificateInfo {
	var certs []CertificateInfo
	for off := 0; off+8 <= len(table); {
		length := binary.LittleEndian.Uint32(table[off:])
		if length < 8 || int(length) > len(table)-off {
			break
		}

		info := CertificateInfo{
			Revision: binary.LittleEndian.Uint16(table[off+4:]),
			Type:     binary.LittleEndian.Uint16(table[off+6:]),
			Size:     length - 8,
		}

		body := table[off+8 : off+int(length)]
		if p7, err := pkcs7.Parse(body); err == nil && len(p7.Signers) > 0 {
			signer := p7.Signers[0]
			for _, cert := range p7.Certificates {
				if cert.SerialNumber.Cmp(signer.IssuerAndSerialNumber.SerialNumber) == 0 {
					info.SignerCN = cert.Subject.CommonName
					info.Issuer = cert.Issuer.CommonName
					break
				}
			}
		}
		certs = append(certs, info)

		off += int((length + 7) &^ 7)
	}
	return certs
}

// PrintFileInfo prints inspection results to a writer.
func PrintFileInfo(info *FileInfo, w io.Writer) {
	fmt.Fprintf(w, "\n=== %s ===\n", filepath.Base(info.Path))
	fmt.Fprintf(w, "Size:        %d bytes\n", info.Size)

	switch {
	case info.Trailer != nil && info.Trailer.Consistent:
		fmt.Fprintf(w, "ZIP trailer: found, comment length %d\n", info.Trailer.CommentSize)
	case info.Trailer != nil:
		fmt.Fprintf(w, "ZIP trailer: found, stored comment length is stale (actual tail is %d bytes)\n",
			info.Trailer.CommentSize)
	case info.TrailerCandidate:
		fmt.Fprintf(w, "ZIP trailer: signature bytes present, but no valid record\n")
	default:
		fmt.Fprintf(w, "ZIP trailer: none\n")
	}

	if len(info.Certificates) == 0 {
		fmt.Fprintf(w, "PE certificates: none\n")
	}
	for i, cert := range info.Certificates {
		fmt.Fprintf(w, "PE certificate %d: type %d, revision 0x%x, %d bytes\n",
			i+1, cert.Type, cert.Revision, cert.Size)
		if cert.SignerCN != "" {
			fmt.Fprintf(w, "  Signer: %s\n", cert.SignerCN)
		}
		if cert.Issuer != "" {
			fmt.Fprintf(w, "  Issuer: %s\n", cert.Issuer)
		}
	}

	if info.Seal != nil {
		fmt.Fprintf(w, "Seal:        %d-byte CMS signature at offset %d\n", info.Seal.Size, info.Seal.Offset)
		if info.Seal.SignerCN != "" {
			fmt.Fprintf(w, "  Signer: %s\n", info.Seal.SignerCN)
		}
		if info.Seal.Issuer != "" {
			fmt.Fprintf(w, "  Issuer: %s\n", info.Seal.Issuer)
		}
	}
}
