package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"os"
	"testing"

	"golang.org/x/crypto/ssh"
)

// buildTestEnvelope signs message under namespace with a freshly generated
// ed25519 key and returns the armored SSHSIG block plus the authorized_keys
// line for that key, mirroring what `ssh-keygen -Y sign` would produce.
func buildTestEnvelope(t *testing.T, message []byte, namespace string) (armored, authorizedKeyLine string, signer ssh.Signer) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err = ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}
	_ = pub

	digest := sha256.Sum256(message)
	toSign := buildSignedBlob(namespace, "sha256", digest[:])

	sig, err := signer.Sign(rand.Reader, toSign)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var buf []byte
	buf = append(buf, magicPreamble...)
	buf = appendUint32(buf, 1)
	buf = appendString(buf, signer.PublicKey().Marshal())
	buf = appendString(buf, []byte(namespace))
	buf = appendString(buf, nil)
	buf = appendString(buf, []byte("sha256"))
	buf = appendString(buf, ssh.Marshal(sig))

	block := &pem.Block{Type: "SSH SIGNATURE", Bytes: buf}
	armored = string(pem.EncodeToMemory(block))
	authorizedKeyLine = string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
	return armored, authorizedKeyLine, signer
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendString(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func TestParseArmoredAndVerify(t *testing.T) {
	message := []byte("deadbeefcafef00d")
	armored, _, _ := buildTestEnvelope(t, message, "plaid-module")

	sig, err := ParseArmored(armored)
	if err != nil {
		t.Fatalf("ParseArmored: %v", err)
	}
	fingerprint, err := sig.Verify(message, "plaid-module")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if fingerprint == "" {
		t.Fatal("expected non-empty fingerprint")
	}
}

func TestVerifyRejectsWrongNamespace(t *testing.T) {
	message := []byte("deadbeef")
	armored, _, _ := buildTestEnvelope(t, message, "plaid-module")

	sig, err := ParseArmored(armored)
	if err != nil {
		t.Fatalf("ParseArmored: %v", err)
	}
	if _, err := sig.Verify(message, "some-other-namespace"); err == nil {
		t.Fatal("expected namespace mismatch error")
	}
}

func TestCheckModuleSignaturesRejectsUnauthorizedSigner(t *testing.T) {
	dir := t.TempDir()
	moduleDir := dir + "/rule.wasm"
	if err := os.MkdirAll(moduleDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	moduleBytes := []byte("\x00asm\x01\x00\x00\x00")
	digestHex := sha256HexBytes(moduleBytes)
	armored, _, _ := buildTestEnvelope(t, digestHex, "plaid-modules")
	if err := os.WriteFile(moduleDir+"/a.sig", []byte(armored), 0o644); err != nil {
		t.Fatalf("write sig: %v", err)
	}

	cfg := Config{
		SignaturesDir:      dir,
		AuthorizedSigners:  nil, // the signer above is deliberately not authorized
		SignatureNamespace: "plaid-modules",
		SignaturesRequired: 1,
	}
	if err := CheckModuleSignatures(cfg, "rule.wasm", moduleBytes); err == nil {
		t.Fatal("expected failure: signer is not in the authorized set")
	}
}

func sha256HexBytes(b []byte) []byte {
	digest := sha256.Sum256(b)
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, c := range digest {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0xf]
	}
	return out
}
