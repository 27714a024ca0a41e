package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const keyFileMode fs.FileMode = 0o600

// Save пишет ключ атомарно (temp + rename) с правами 0600.
// Существующий файл не перезаписывается без overwrite.
func Save(id *Identity, path string, password []byte, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("identity file %s: %w", path, fs.ErrExist)
		}
	}

	data, err := id.ExportEncrypted(password)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".identity-*")
	if err != nil {
		return fmt.Errorf("create temp identity file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op после успешного rename

	if err := tmp.Chmod(keyFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod identity file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write identity file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close identity file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename identity file: %w", err)
	}
	return nil
}

// Load читает и расшифровывает ключ. Отсутствующий файл - ошибка, оборачивающая fs.ErrNotExist.
func Load(path string, password []byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	return ImportEncrypted(data, password)
}

// LoadOrCreate загружает ключ, а при его отсутствии и create=true генерирует и сохраняет новый.
// Второе значение сообщает, был ли ключ создан.
func LoadOrCreate(path string, password []byte, create bool, logger *zap.Logger) (*Identity, bool, error) {
	logger = logger.With(zap.String("mod", "identity"), zap.String("path", path))

	id, err := Load(path, password)
	if err == nil {
		warnPermissions(path, logger)
		logger.Info("identity loaded", zap.String("public_key", id.PublicKeyHex()))
		return id, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || !create {
		return nil, false, err
	}

	id = Generate()
	if len(password) == 0 {
		logger.Warn("saving identity without encryption: set identity.password to encrypt the key at rest")
	}
	if err := Save(id, path, password, false); err != nil {
		return nil, false, err
	}
	logger.Info("identity created", zap.String("public_key", id.PublicKeyHex()))
	return id, true, nil
}

// VerifyFile - можно ли расшифровать файл данным паролем.
func VerifyFile(path string, password []byte) bool {
	_, err := Load(path, password)
	return err == nil
}

// GenerateSecurePassword - случайная URL-safe строка длины n.
func GenerateSecurePassword(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("password length must be positive, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:n], nil
}

func warnPermissions(path string, logger *zap.Logger) {
	st, err := os.Stat(path)
	if err != nil {
		return
	}
	if st.Mode().Perm()&0o077 != 0 {
		logger.Warn("identity file is readable by group or others", zap.String("mode", st.Mode().Perm().String()))
	}
}
