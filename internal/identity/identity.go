// Package identity держит Ed25519 ключ агента: подпись, проверка,
// каноническая сериализация и хранение ключа в зашифрованном виде.
package identity

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/xela07ax/hashed-guard/internal/domain"
)

// Identity - ключевая пара агента. Неизменяема после создания.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate создает новую пару. crypto/rand не возвращает ошибок начиная с Go 1.24,
// поэтому сбой здесь означает сломанное окружение.
func Generate() *Identity {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("identity: key generation failed: %v", err))
	}
	return &Identity{priv: priv, pub: pub}
}

// FromPrivateKey оборачивает существующий приватный ключ.
func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, &domain.CryptoError{Op: "load", Err: fmt.Errorf("invalid private key size %d", len(priv))}
	}
	cp := make(ed25519.PrivateKey, len(priv))
	copy(cp, priv)
	return &Identity{priv: cp, pub: cp.Public().(ed25519.PublicKey)}, nil
}

// PublicKey - сырые 32 байта публичного ключа.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.pub
}

// PublicKeyHex - hex публичного ключа, так агент идентифицируется в control plane.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.pub)
}

// Sign подписывает сообщение. Ed25519 детерминирован: одна и та же пара ключ+сообщение дает одну подпись.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	sig, err := id.priv.Sign(nil, message, crypto.Hash(0))
	if err != nil {
		return nil, &domain.CryptoError{Op: "sign", Err: err}
	}
	return sig, nil
}

// SignHex - Sign с hex-кодированием результата.
func (id *Identity) SignHex(message []byte) (string, error) {
	sig, err := id.Sign(message)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// SignData подписывает каноническую форму произвольных данных и возвращает hex подписи.
func (id *Identity) SignData(data any) (string, error) {
	msg, err := Canonicalize(data)
	if err != nil {
		return "", &domain.CryptoError{Op: "canonicalize", Err: err}
	}
	return id.SignHex(msg)
}

// SignStructured подписывает data и упаковывает результат для передачи третьей стороне.
func (id *Identity) SignStructured(data any) (*domain.SignedPayload, error) {
	sig, err := id.SignData(data)
	if err != nil {
		return nil, err
	}
	return &domain.SignedPayload{
		Data:      data,
		Signature: sig,
		PublicKey: id.PublicKeyHex(),
		Timestamp: time.Now().UTC(),
	}, nil
}

// Verify никогда не паникует: битые размеры ключа или подписи дают false.
func Verify(message, signature []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}

// VerifyHex - Verify для hex-представлений.
func VerifyHex(pubHex, sigHex string, message []byte) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return Verify(message, sig, pub)
}

// VerifySignedPayload проверяет подпись, имея только data, signature и public_key.
func VerifySignedPayload(p *domain.SignedPayload) bool {
	if p == nil {
		return false
	}
	msg, err := Canonicalize(p.Data)
	if err != nil {
		return false
	}
	return VerifyHex(p.PublicKey, p.Signature, msg)
}

// Canonicalize - RFC 8785 (JCS): ключи отсортированы, числа и экранирование нормализованы,
// поэтому подпись не зависит от порядка обхода map.
func Canonicalize(data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}
