package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Config controls module signature verification (spec §4.1 step 2).
type Config struct {
	// SignaturesDir holds one subdirectory per module filename, each
	// containing that module's *.sig files.
	SignaturesDir string
	// AuthorizedSigners is the set of public keys allowed to sign
	// modules, in OpenSSH authorized_keys line format.
	AuthorizedSigners []string
	// SignatureNamespace is the SSHSIG namespace string every signature
	// must have been produced under.
	SignatureNamespace string
	// SignaturesRequired is the number of distinct authorized keys that
	// must have validly signed a module for it to load.
	SignaturesRequired int
}

func parseAuthorizedSigners(lines []string) (map[string]ssh.PublicKey, error) {
	keys := make(map[string]ssh.PublicKey, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("signing: parse authorized signer: %w", err)
		}
		keys[string(pk.Marshal())] = pk
	}
	return keys, nil
}

// CheckModuleSignatures verifies filename's module bytes against its
// signature directory, following spec §4.1 step 2 exactly: the message
// actually signed is the hex-encoded SHA256 digest of module bytes (not
// the raw digest bytes), each .sig file is an armored SSHSIG envelope,
// only signatures from the authorized-signer set count, the same signing
// key counts once no matter how many .sig files it appears in, and at
// least SignaturesRequired distinct keys must validate.
func CheckModuleSignatures(cfg Config, filename string, moduleBytes []byte) error {
	authorized, err := parseAuthorizedSigners(cfg.AuthorizedSigners)
	if err != nil {
		return err
	}

	dir := filepath.Join(cfg.SignaturesDir, filename)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("signing: read signature dir %s: %w", dir, err)
	}

	digest := sha256.Sum256(moduleBytes)
	hexDigest := []byte(hex.EncodeToString(digest[:]))

	valid := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sig") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		sig, err := ParseArmored(string(raw))
		if err != nil {
			continue
		}
		if _, ok := authorized[string(sig.PublicKey.Marshal())]; !ok {
			continue
		}
		fingerprint, err := sig.Verify(hexDigest, cfg.SignatureNamespace)
		if err != nil {
			continue
		}
		valid[fingerprint] = struct{}{}
		if len(valid) >= cfg.SignaturesRequired {
			return nil
		}
	}

	return fmt.Errorf("signing: %s has %d valid signatures, needs %d", filename, len(valid), cfg.SignaturesRequired)
}
