package admin

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinCost     = 4
	MaxCost     = 31
	DefaultCost = 12

	// MaxTokenLength is the longest input bcrypt accepts.
	MaxTokenLength = 72

	// MinTokenEntropy is the minimum strength of an admin token in bits.
	MinTokenEntropy = 60
)

var (
	ErrEmptyToken   = errors.New("token cannot be empty")
	ErrTokenTooLong = errors.New("token too long")
)

// HashOption configures HashToken.
type HashOption func(*hashOptions)

type hashOptions struct {
	cost int
}

// WithCost sets the bcrypt cost. Values outside MinCost..MaxCost are ignored.
func WithCost(cost int) HashOption {
	return func(o *hashOptions) {
		if cost >= MinCost && cost <= MaxCost {
			o.cost = cost
		}
	}
}

// HashToken checks the strength of token and returns its bcrypt hash, the
// form in which admin tokens are configured.
func HashToken(token string, opts ...HashOption) (string, error) {
	if err := ValidateTokenStrength(token); err != nil {
		return "", err
	}

	o := hashOptions{cost: DefaultCost}
	for _, opt := range opts {
		opt(&o)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), o.cost)
	if err != nil {
		return "", fmt.Errorf("hashing token: %w", err)
	}
	return string(hash), nil
}

// CompareToken reports whether token matches hash.
func CompareToken(hash, token string) error {
	if hash == "" || token == "" {
		return ErrEmptyToken
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
}

// ValidateTokenStrength rejects tokens below MinTokenEntropy bits.
func ValidateTokenStrength(token string) error {
	switch {
	case token == "":
		return ErrEmptyToken
	case len(token) > MaxTokenLength:
		return ErrTokenTooLong
	}
	return passwordvalidator.Validate(token, MinTokenEntropy)
}

// GenerateToken returns a random URL-safe token of 256 bits.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
