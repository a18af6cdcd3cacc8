// Package signing verifies the armored SSH signatures (the openssh
// SSHSIG format) that gate module loading under §4.1 step 2. The
// underlying public-key parsing and signature verification come from
// golang.org/x/crypto/ssh; the SSHSIG envelope itself (magic preamble,
// namespace, wrapped message digest) has no dedicated library in the
// example corpus and is parsed here directly against the format in
// openssh's PROTOCOL.sshsig.
package signing

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"hash"

	"golang.org/x/crypto/ssh"
)

const magicPreamble = "SSHSIG"

// Signature is a parsed, not-yet-verified SSHSIG envelope.
type Signature struct {
	PublicKey     ssh.PublicKey
	Namespace     string
	HashAlgorithm string
	sig           *ssh.Signature
}

// ParseArmored decodes a PEM-armored "-----BEGIN SSH SIGNATURE-----" block
// into its component fields.
func ParseArmored(armored string) (*Signature, error) {
	block, _ := pem.Decode([]byte(armored))
	if block == nil || block.Type != "SSH SIGNATURE" {
		return nil, fmt.Errorf("signing: not an SSH SIGNATURE PEM block")
	}
	return parseBlob(block.Bytes)
}

func parseBlob(blob []byte) (*Signature, error) {
	r := &reader{buf: blob}

	preamble := r.take(6)
	if r.err != nil || string(preamble) != magicPreamble {
		return nil, fmt.Errorf("signing: bad magic preamble")
	}
	version := r.uint32()
	if r.err != nil || version != 1 {
		return nil, fmt.Errorf("signing: unsupported sshsig version")
	}
	pubkeyBlob := r.string()
	namespace := r.string()
	_ = r.string() // reserved
	hashAlgorithm := r.string()
	sigBlob := r.string()
	if r.err != nil {
		return nil, fmt.Errorf("signing: malformed sshsig envelope: %w", r.err)
	}

	pubkey, err := ssh.ParsePublicKey(pubkeyBlob)
	if err != nil {
		return nil, fmt.Errorf("signing: parse public key: %w", err)
	}
	sig, err := ssh.ParseSignature(sigBlob)
	if err != nil {
		return nil, fmt.Errorf("signing: parse signature: %w", err)
	}

	return &Signature{
		PublicKey:     pubkey,
		Namespace:     string(namespace),
		HashAlgorithm: string(hashAlgorithm),
		sig:           sig,
	}, nil
}

// Verify checks the envelope's signature over message, requiring the
// announced namespace to equal wantNamespace (the configured
// signature_namespace). It returns the signer's public-key fingerprint on
// success, following the "dedup by fingerprint" rule of spec §4.1.
func (s *Signature) Verify(message []byte, wantNamespace string) (fingerprint string, err error) {
	if s.Namespace != wantNamespace {
		return "", fmt.Errorf("signing: namespace mismatch: got %q want %q", s.Namespace, wantNamespace)
	}

	var h hash.Hash
	switch s.HashAlgorithm {
	case "sha256", "":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return "", fmt.Errorf("signing: unsupported hash algorithm %q", s.HashAlgorithm)
	}
	h.Write(message)
	digest := h.Sum(nil)

	signedBlob := buildSignedBlob(s.Namespace, s.HashAlgorithm, digest)
	if err := s.PublicKey.Verify(signedBlob, s.sig); err != nil {
		return "", fmt.Errorf("signing: signature verification failed: %w", err)
	}
	return ssh.FingerprintSHA256(s.PublicKey), nil
}

// buildSignedBlob reconstructs the "to-be-signed" message the SSHSIG
// format wraps the actual payload digest in.
func buildSignedBlob(namespace, hashAlgorithm string, digest []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(magicPreamble)
	writeString(&buf, []byte(namespace))
	writeString(&buf, nil) // reserved
	writeString(&buf, []byte(hashAlgorithm))
	writeString(&buf, digest)
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// reader is a minimal big-endian SSH wire-format cursor.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("signing: unexpected end of data")
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) string() []byte {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	return r.take(int(n))
}
