package e2e

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// newKey derives a database key from password and a salt kept next to the database. The salt is
// made on first use.
func newKey(password, root, saltName string) ([]byte, error) {
	salt, err := readSalt(filepath.Join(root, saltName))
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func readSalt(saltPath string) ([]byte, error) {
	salt := make([]byte, saltSize)
	f, err := os.OpenFile(saltPath, os.O_RDONLY, 0o400) // #nosec G304
	if errors.Is(err, os.ErrNotExist) {
		return writeSalt(saltPath)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.ReadFull(f, salt); err != nil {
		return nil, fmt.Errorf("e2e: error reading salt: %w", err)
	}
	return salt, nil
}

func writeSalt(saltPath string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(salt); err != nil {
		if err := f.Close(); err != nil {
			fmt.Printf("error while closing %#v", err)
		}
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return salt, nil
}
