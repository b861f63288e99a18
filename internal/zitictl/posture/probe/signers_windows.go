//go:build windows

package probe

import (
	"crypto/sha1"
	"crypto/x509"
	"debug/pe"
	"encoding/asn1"
	"encoding/hex"
	"os"
)

// imageDirectoryEntrySecurity is the data-directory slot holding the
// Authenticode certificate table. Unlike every other directory entry its
// VirtualAddress field is a plain file offset.
const imageDirectoryEntrySecurity = 4

// signerThumbprints extracts the certificates embedded in the image's
// Authenticode signature and returns their SHA-1 thumbprints, lower-case
// hex. A file with no certificate table yields nil.
func signerThumbprints(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	img, err := pe.NewFile(f)
	if err != nil {
		return nil
	}
	defer img.Close()

	var dir pe.DataDirectory
	switch oh := img.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dir = oh.DataDirectory[imageDirectoryEntrySecurity]
	case *pe.OptionalHeader64:
		dir = oh.DataDirectory[imageDirectoryEntrySecurity]
	default:
		return nil
	}
	if dir.VirtualAddress == 0 || dir.Size < 8 {
		return nil
	}

	table := make([]byte, dir.Size)
	if _, err := f.ReadAt(table, int64(dir.VirtualAddress)); err != nil {
		return nil
	}

	// WIN_CERTIFICATE header: dwLength, wRevision, wCertificateType, then
	// the PKCS#7 SignedData blob.
	certs := certificatesFromSignedData(table[8:])
	if len(certs) == 0 {
		return nil
	}

	thumbprints := make([]string, 0, len(certs))
	for _, cert := range certs {
		sum := sha1.Sum(cert.Raw)
		thumbprints = append(thumbprints, hex.EncodeToString(sum[:]))
	}
	return thumbprints
}

type pkcs7ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type pkcs7SignedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue `asn1:"set"`
	ContentInfo      asn1.RawValue
	Certificates     asn1.RawValue `asn1:"implicit,optional,tag:0"`
}

// certificatesFromSignedData parses just enough of a PKCS#7 SignedData
// structure to enumerate its certificate set. Signature verification is the
// controller's job; the endpoint only reports who signed the image.
func certificatesFromSignedData(der []byte) []*x509.Certificate {
	var ci pkcs7ContentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil
	}
	var sd pkcs7SignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil
	}

	var certs []*x509.Certificate
	rest := sd.Certificates.Bytes
	for len(rest) > 0 {
		var raw asn1.RawValue
		tail, err := asn1.Unmarshal(rest, &raw)
		if err != nil {
			break
		}
		rest = tail
		if cert, err := x509.ParseCertificate(raw.FullBytes); err == nil {
			certs = append(certs, cert)
		}
	}
	return certs
}
