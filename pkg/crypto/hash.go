package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Ошибки проверки ключей доступа (relay key, API token)
var (
	ErrEmptySecret    = errors.New("secret cannot be empty")
	ErrSecretMismatch = errors.New("secret does not match hash")
	ErrInvalidHash    = errors.New("invalid secret hash format")
	ErrSecretTooLong  = errors.New("secret exceeds maximum length of 72 bytes")
)

// DefaultCost - стоимость bcrypt для ключей доступа.
// Ключ проверяется на каждом запросе relay, поэтому ниже чем для паролей пользователей.
const DefaultCost = 10

// MaxSecretLength - ограничение bcrypt
const MaxSecretLength = 72

// HashSecret хеширует ключ доступа с указанной стоимостью
// cost вне [bcrypt.MinCost, bcrypt.MaxCost] приводится к границе
func HashSecret(secret string, cost int) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	if len(secret) > MaxSecretLength {
		return "", ErrSecretTooLong
	}

	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret проверяет соответствие ключа хешу (constant-time)
func VerifySecret(secret, hash string) error {
	if secret == "" {
		return ErrEmptySecret
	}
	if hash == "" {
		return ErrInvalidHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrSecretMismatch
		}
		return ErrInvalidHash
	}
	return nil
}

// SecretMatches - bool-обёртка над VerifySecret
func SecretMatches(secret, hash string) bool {
	return VerifySecret(secret, hash) == nil
}

// IsBcryptHash проверяет что строка похожа на bcrypt хеш (а не на открытый ключ)
func IsBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}
