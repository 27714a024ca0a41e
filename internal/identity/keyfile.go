package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"

	"github.com/xela07ax/hashed-guard/internal/domain"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

/*
Формат файла ключа - PEM.

Без пароля: стандартный PKCS#8 блок "PRIVATE KEY".
С паролем: блок "HASHED ENCRYPTED PRIVATE KEY", тело - PKCS#8 DER, запечатанный
XChaCha20-Poly1305 ключом из argon2id(password, salt). Параметры KDF, соль и nonce лежат
в заголовках PEM и входят в additional data AEAD, поэтому подмена заголовков
ломает расшифровку так же, как неверный пароль.
*/

const (
	pemTypePlain     = "PRIVATE KEY"
	pemTypeEncrypted = "HASHED ENCRYPTED PRIVATE KEY"

	hdrKDF     = "KDF"
	hdrCipher  = "Cipher"
	hdrTime    = "Argon2-Time"
	hdrMemory  = "Argon2-Memory"
	hdrThreads = "Argon2-Threads"
	hdrSalt    = "Salt"
	hdrNonce   = "Nonce"

	kdfName    = "argon2id"
	cipherName = "xchacha20-poly1305"
	saltSize   = 16

	// верхние границы, чтобы чужой файл не заставил аллоцировать гигабайты
	maxArgonMemory  = 1 << 20 // KiB
	maxArgonTime    = 16
	maxArgonThreads = 64
)

type kdfParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// defaultKDF - рекомендации RFC 9106 для интерактивного использования.
var defaultKDF = kdfParams{Time: 3, Memory: 64 * 1024, Threads: 4}

// ExportEncrypted сериализует приватный ключ. Пустой пароль означает явный отказ от шифрования.
func (id *Identity) ExportEncrypted(password []byte) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(id.priv)
	if err != nil {
		return nil, &domain.CryptoError{Op: "export", Err: err}
	}
	if len(password) == 0 {
		return pem.EncodeToMemory(&pem.Block{Type: pemTypePlain, Bytes: der}), nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, &domain.CryptoError{Op: "export", Err: err}
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, &domain.CryptoError{Op: "export", Err: err}
	}

	p := defaultKDF
	headers := map[string]string{
		hdrKDF:     kdfName,
		hdrCipher:  cipherName,
		hdrTime:    strconv.FormatUint(uint64(p.Time), 10),
		hdrMemory:  strconv.FormatUint(uint64(p.Memory), 10),
		hdrThreads: strconv.FormatUint(uint64(p.Threads), 10),
		hdrSalt:    hex.EncodeToString(salt),
		hdrNonce:   hex.EncodeToString(nonce),
	}

	aead, err := chacha20poly1305.NewX(argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, chacha20poly1305.KeySize))
	if err != nil {
		return nil, &domain.CryptoError{Op: "export", Err: err}
	}
	sealed := aead.Seal(nil, nonce, der, additionalData(headers))

	return pem.EncodeToMemory(&pem.Block{Type: pemTypeEncrypted, Headers: headers, Bytes: sealed}), nil
}

// ImportEncrypted восстанавливает Identity. Неверный пароль всегда дает CryptoError
// и никогда не "успешно" возвращает другой ключ.
func ImportEncrypted(data, password []byte) (*Identity, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &domain.CryptoError{Op: "import", Err: errors.New("no PEM block found")}
	}

	var der []byte
	switch block.Type {
	case pemTypePlain:
		if len(password) > 0 {
			return nil, &domain.CryptoError{Op: "import", Err: errors.New("password given but key is not encrypted")}
		}
		der = block.Bytes
	case pemTypeEncrypted:
		if len(password) == 0 {
			return nil, &domain.CryptoError{Op: "import", Err: errors.New("key is encrypted, password required")}
		}
		var err error
		if der, err = open(block, password); err != nil {
			return nil, err
		}
	default:
		return nil, &domain.CryptoError{Op: "import", Err: fmt.Errorf("unsupported PEM type %q", block.Type)}
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, &domain.CryptoError{Op: "import", Err: fmt.Errorf("parse pkcs8: %w", err)}
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, &domain.CryptoError{Op: "import", Err: fmt.Errorf("expected ed25519 key, got %T", key)}
	}
	return FromPrivateKey(priv)
}

func open(block *pem.Block, password []byte) ([]byte, error) {
	h := block.Headers
	if h[hdrKDF] != kdfName || h[hdrCipher] != cipherName {
		return nil, &domain.CryptoError{Op: "import", Err: fmt.Errorf("unsupported kdf/cipher %q/%q", h[hdrKDF], h[hdrCipher])}
	}

	p, err := parseKDF(h)
	if err != nil {
		return nil, &domain.CryptoError{Op: "import", Err: err}
	}
	salt, err := hex.DecodeString(h[hdrSalt])
	if err != nil || len(salt) == 0 {
		return nil, &domain.CryptoError{Op: "import", Err: errors.New("invalid salt header")}
	}
	nonce, err := hex.DecodeString(h[hdrNonce])
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, &domain.CryptoError{Op: "import", Err: errors.New("invalid nonce header")}
	}

	aead, err := chacha20poly1305.NewX(argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, chacha20poly1305.KeySize))
	if err != nil {
		return nil, &domain.CryptoError{Op: "import", Err: err}
	}
	der, err := aead.Open(nil, nonce, block.Bytes, additionalData(h))
	if err != nil {
		return nil, &domain.CryptoError{Op: "import", Err: domain.ErrWrongPassword}
	}
	return der, nil
}

func parseKDF(h map[string]string) (kdfParams, error) {
	t, err := strconv.ParseUint(h[hdrTime], 10, 32)
	if err != nil || t == 0 || t > maxArgonTime {
		return kdfParams{}, fmt.Errorf("invalid %s header", hdrTime)
	}
	m, err := strconv.ParseUint(h[hdrMemory], 10, 32)
	if err != nil || m == 0 || m > maxArgonMemory {
		return kdfParams{}, fmt.Errorf("invalid %s header", hdrMemory)
	}
	th, err := strconv.ParseUint(h[hdrThreads], 10, 8)
	if err != nil || th == 0 || th > maxArgonThreads {
		return kdfParams{}, fmt.Errorf("invalid %s header", hdrThreads)
	}
	return kdfParams{Time: uint32(t), Memory: uint32(m), Threads: uint8(th)}, nil
}

// additionalData фиксирует порядок полей, map заголовков его не гарантирует.
func additionalData(h map[string]string) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		h[hdrKDF], h[hdrCipher], h[hdrTime], h[hdrMemory], h[hdrThreads], h[hdrSalt]))
}
