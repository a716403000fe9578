// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
)

type UserID string

// Metadata is what a participant announces about itself on join.
type Metadata struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// NewMetadata trims the display name and falls back to "guest".
func NewMetadata(name, role string) (Metadata, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "guest"
	}
	if len(name) > MaxUsernameLen {
		return Metadata{}, ErrUsernameTooLong
	}
	return Metadata{Name: name, Role: strings.TrimSpace(role)}, nil
}

func (id UserID) Validate() error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}
