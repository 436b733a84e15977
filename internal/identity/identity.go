// Package identity persists a node's swarm.KeyPair to disk, loading it back
// on subsequent starts so a node's PeerID is stable across restarts.
package identity

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shurlinet/swarmcore/swarm"
)

// CheckKeyFilePermissions verifies that a key file is not readable by group or others.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil // Windows file permissions work differently
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadOrCreate loads an existing Ed25519 identity from path, or generates and
// persists a new one if the file does not exist yet.
func LoadOrCreate(path string) (*swarm.KeyPair, error) {
	if data, err := os.ReadFile(path); err == nil {
		if err := CheckKeyFilePermissions(path); err != nil {
			return nil, err
		}
		kp, err := swarm.KeyPairFromPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal key from %s: %w", path, err)
		}
		return kp, nil
	}

	kp, err := swarm.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	if err := os.WriteFile(path, kp.Private, 0600); err != nil {
		return nil, fmt.Errorf("failed to save key to %s: %w", path, err)
	}
	return kp, nil
}

// PeerIDFromKeyFile loads (or creates) a key file and returns the derived peer ID.
func PeerIDFromKeyFile(path string) (swarm.PeerID, error) {
	kp, err := LoadOrCreate(path)
	if err != nil {
		return "", err
	}
	return kp.ID, nil
}
