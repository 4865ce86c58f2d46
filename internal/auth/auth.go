// Package auth holds the credential checks the stub annotation server applies
// to shutdown and annotation requests.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a single secret such as a shutdown key.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token. An empty token accepts nothing.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// Basic checks HTTP basic credentials. The zero value accepts everything.
type Basic struct {
	Username string
	Password string
}

func (b Basic) Enabled() bool {
	return b.Username != ""
}

// Check compares both fields in constant time. ok is what
// http.Request.BasicAuth reported.
func (b Basic) Check(username, password string, ok bool) error {
	if !b.Enabled() {
		return nil
	}
	if !ok {
		return ErrUnauthorized
	}
	userOK := subtle.ConstantTimeCompare([]byte(b.Username), []byte(username))
	passOK := subtle.ConstantTimeCompare([]byte(b.Password), []byte(password))
	if userOK&passOK != 1 {
		return ErrUnauthorized
	}
	return nil
}
