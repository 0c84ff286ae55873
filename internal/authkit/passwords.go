package authkit

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const minimumPasswordLength = 8

var passwordHashCost = bcrypt.DefaultCost

func normalizeEmail(userEmail string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(userEmail))
	address, parseErr := mail.ParseAddress(trimmed)
	if parseErr != nil || address.Address != trimmed {
		return "", fmt.Errorf("user_store.email: %w", ErrInvalidUserInput)
	}
	return trimmed, nil
}

func hashPassword(password string) (string, error) {
	if len(password) < minimumPasswordLength {
		return "", fmt.Errorf("user_store.password: %w", ErrInvalidUserInput)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if err != nil {
		return "", fmt.Errorf("user_store.password_hash: %w", err)
	}
	return string(hashed), nil
}

func checkPassword(passwordHash string, password string) error {
	if passwordHash == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("user_store.password_check: %w", err)
	}
	return nil
}
