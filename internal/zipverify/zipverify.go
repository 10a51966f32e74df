// Package zipverify unwraps the outer archive delivered by the scanning
// supplier. With signing enabled the outer zip carries the real envelope
// archive next to an RSA signature over its bytes.
package zipverify

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

// Supported algorithm names.
const (
	AlgorithmNone          = "none"
	AlgorithmSHA256WithRSA = "sha256withrsa"
)

// DefaultMaxEntryBytes caps each decompressed entry of a signed outer
// archive when no limit is given.
const DefaultMaxEntryBytes = 512 << 20

// Entry names inside a signed outer archive.
const (
	EnvelopeEntry  = "envelope.zip"
	SignatureEntry = "signature"
)

var (
	// ErrUnknownAlgorithm is a configuration error raised at startup.
	ErrUnknownAlgorithm = errors.New("zipverify: unknown signature algorithm")
	// ErrInvalidKey reports a public key that cannot be parsed as RSA.
	ErrInvalidKey = errors.New("zipverify: invalid public key")
	// ErrInvalidArchive reports a malformed outer archive or unexpected
	// entries in it.
	ErrInvalidArchive = errors.New("zipverify: invalid archive")
	// ErrSignatureMismatch reports a well-formed archive whose signature does
	// not verify.
	ErrSignatureMismatch = errors.New("zipverify: signature mismatch")
)

// Verifier turns the raw blob into the validated inner archive.
type Verifier func(raw []byte, zipFileName, container string) ([]byte, error)

// Algorithms lists the accepted algorithm names.
func Algorithms() []string {
	return []string{AlgorithmNone, AlgorithmSHA256WithRSA}
}

// ValidateAlgorithm reports ErrUnknownAlgorithm for unsupported names.
func ValidateAlgorithm(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case AlgorithmNone, AlgorithmSHA256WithRSA:
		return nil
	}
	return fmt.Errorf("%w: %q (supported: %s)", ErrUnknownAlgorithm, name, strings.Join(Algorithms(), ", "))
}

// GetVerifier returns the verifier for algorithm. publicKey is only consulted
// for sha256withrsa; maxEntryBytes bounds the decompressed envelope and
// signature entries (DefaultMaxEntryBytes when <= 0).
func GetVerifier(algorithm string, publicKey []byte, maxEntryBytes int64) (Verifier, error) {
	if maxEntryBytes <= 0 {
		maxEntryBytes = DefaultMaxEntryBytes
	}
	if err := ValidateAlgorithm(algorithm); err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case AlgorithmNone:
		return identity, nil
	default:
		key, err := ParsePublicKey(publicKey)
		if err != nil {
			return nil, err
		}
		return sha256WithRSA(key, maxEntryBytes), nil
	}
}

func identity(raw []byte, _, _ string) ([]byte, error) {
	return raw, nil
}

func sha256WithRSA(key *rsa.PublicKey, limit int64) Verifier {
	return func(raw []byte, zipFileName, container string) ([]byte, error) {
		zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %v", ErrInvalidArchive, container, zipFileName, err)
		}
		var inner, signature []byte
		for _, f := range zr.File {
			switch f.Name {
			case EnvelopeEntry:
				inner, err = readEntry(f, limit)
			case SignatureEntry:
				signature, err = readEntry(f, limit)
			default:
				return nil, fmt.Errorf("%w: %s/%s: unexpected entry %q", ErrInvalidArchive, container, zipFileName, f.Name)
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %s/%s: read %s: %v", ErrInvalidArchive, container, zipFileName, f.Name, err)
			}
		}
		if len(zr.File) != 2 || inner == nil || signature == nil {
			return nil, fmt.Errorf("%w: %s/%s: expected entries %s and %s", ErrInvalidArchive, container, zipFileName, EnvelopeEntry, SignatureEntry)
		}
		digest := sha256.Sum256(inner)
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrSignatureMismatch, container, zipFileName)
		}
		return inner, nil
	}
}

// readEntry checks the declared size first and then reads at most limit
// bytes, so a lying header cannot inflate past the cap either.
func readEntry(f *zip.File, limit int64) ([]byte, error) {
	if f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("entry is %s (limit %s)", humanize.IBytes(f.UncompressedSize64), humanize.IBytes(uint64(limit)))
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("entry exceeds %s", humanize.IBytes(uint64(limit)))
	}
	return data, nil
}

// ParsePublicKey accepts a PEM block (PUBLIC KEY or RSA PUBLIC KEY), base64
// DER or raw DER.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
		if block.Type == "RSA PUBLIC KEY" {
			key, err := x509.ParsePKCS1PublicKey(der)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			return key, nil
		}
	} else if decoded, err := base64.StdEncoding.DecodeString(string(data)); err == nil {
		der = decoded
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		if key, pkcs1Err := x509.ParsePKCS1PublicKey(der); pkcs1Err == nil {
			return key, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not an RSA key", ErrInvalidKey, parsed)
	}
	return key, nil
}
