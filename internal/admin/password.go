package admin

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes the plaintext password using bcrypt. The pepper is
// appended before hashing; a stolen database alone is then not enough to
// mount an offline attack.
func HashPassword(password, pepper string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password+pepper), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares the plaintext password with the stored hash.
func VerifyPassword(hash, password, pepper string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password+pepper))
}
