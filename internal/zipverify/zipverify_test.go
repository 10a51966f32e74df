package zipverify

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"testing"
)

type entry struct {
	name string
	data []byte
}

func buildZip(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("create %s: %v", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			t.Fatalf("write %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func signingKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func sign(t *testing.T, key *rsa.PrivateKey, data []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func TestUnknownAlgorithmIsConfigError(t *testing.T) {
	if _, err := GetVerifier("md5withrsa", nil, 0); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("expected unknown algorithm, got %v", err)
	}
	if err := ValidateAlgorithm("NONE"); err != nil {
		t.Fatalf("algorithm names are case-insensitive: %v", err)
	}
}

func TestNoneIsIdentity(t *testing.T) {
	v, err := GetVerifier(AlgorithmNone, nil, 0)
	if err != nil {
		t.Fatalf("get verifier: %v", err)
	}
	raw := []byte("anything")
	out, err := v(raw, "a.zip", "bulkscan")
	if err != nil || !bytes.Equal(out, raw) {
		t.Fatalf("identity returned %q, %v", out, err)
	}
}

func TestSHA256WithRSA(t *testing.T) {
	key, pub := signingKey(t)
	v, err := GetVerifier(AlgorithmSHA256WithRSA, pub, 0)
	if err != nil {
		t.Fatalf("get verifier: %v", err)
	}
	inner := buildZip(t, entry{"metadata.json", []byte(`{}`)})
	other, _ := signingKey(t)

	tests := []struct {
		name    string
		raw     []byte
		wantErr error
	}{
		{
			name: "valid",
			raw:  buildZip(t, entry{EnvelopeEntry, inner}, entry{SignatureEntry, sign(t, key, inner)}),
		},
		{
			name:    "wrong key",
			raw:     buildZip(t, entry{EnvelopeEntry, inner}, entry{SignatureEntry, sign(t, other, inner)}),
			wantErr: ErrSignatureMismatch,
		},
		{
			name:    "tampered envelope",
			raw:     buildZip(t, entry{EnvelopeEntry, append(append([]byte(nil), inner...), 0)}, entry{SignatureEntry, sign(t, key, inner)}),
			wantErr: ErrSignatureMismatch,
		},
		{
			name:    "missing signature",
			raw:     buildZip(t, entry{EnvelopeEntry, inner}),
			wantErr: ErrInvalidArchive,
		},
		{
			name:    "extra entry",
			raw:     buildZip(t, entry{EnvelopeEntry, inner}, entry{SignatureEntry, sign(t, key, inner)}, entry{"readme.txt", nil}),
			wantErr: ErrInvalidArchive,
		},
		{
			name:    "not a zip",
			raw:     []byte("plain text"),
			wantErr: ErrInvalidArchive,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := v(tc.raw, "1_24-06-2018-00-00-00.zip", "bulkscan")
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				if errors.Is(tc.wantErr, ErrInvalidArchive) && errors.Is(err, ErrSignatureMismatch) {
					t.Fatal("malformed archives must not look like signature mismatches")
				}
				return
			}
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if !bytes.Equal(out, inner) {
				t.Fatal("expected inner archive bytes")
			}
		})
	}
}

func TestSHA256WithRSABoundsInflatedEntries(t *testing.T) {
	key, pub := signingKey(t)
	v, err := GetVerifier(AlgorithmSHA256WithRSA, pub, 64<<10)
	if err != nil {
		t.Fatalf("get verifier: %v", err)
	}
	inner := make([]byte, 4<<20)
	raw := buildZip(t, entry{EnvelopeEntry, inner}, entry{SignatureEntry, sign(t, key, inner)})
	if len(raw) >= 64<<10 {
		t.Fatalf("outer archive should compress below the limit, got %d bytes", len(raw))
	}
	if _, err := v(raw, "bomb.zip", "bulkscan"); !errors.Is(err, ErrInvalidArchive) {
		t.Fatalf("expected invalid archive, got %v", err)
	}

	small := buildZip(t, entry{"metadata.json", []byte(`{}`)})
	out, err := v(buildZip(t, entry{EnvelopeEntry, small}, entry{SignatureEntry, sign(t, key, small)}), "ok.zip", "bulkscan")
	if err != nil || !bytes.Equal(out, small) {
		t.Fatalf("archive under the limit rejected: %v", err)
	}
}

func TestParsePublicKeyFormats(t *testing.T) {
	key, pemBytes := signingKey(t)
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})
	for name, data := range map[string][]byte{
		"pem":    pemBytes,
		"pkcs1":  pkcs1,
		"base64": []byte(base64.StdEncoding.EncodeToString(der)),
		"der":    der,
	} {
		got, err := ParsePublicKey(data)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !got.Equal(&key.PublicKey) {
			t.Fatalf("%s: parsed a different key", name)
		}
	}
	if _, err := ParsePublicKey([]byte("garbage")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
	if _, err := GetVerifier(AlgorithmSHA256WithRSA, nil, 0); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("signature mode without a key must fail, got %v", err)
	}
}
