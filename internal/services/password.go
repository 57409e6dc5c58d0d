package services

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

func hashPassword(plain string, cost int) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", ErrInvalidParams
		}
		return "", err
	}
	return string(hashed), nil
}

// passwordMatches compares in constant time. An empty hash never matches.
func passwordMatches(hash, plain string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
