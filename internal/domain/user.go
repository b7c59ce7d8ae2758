// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxUserIDLen   = 64
	MaxRoomNameLen = 64
)

var (
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrRoomNameTooLong = errors.New("room name too long")
	ErrRoomNameEmpty   = errors.New("room name empty")
)

// UserID is the identity asserted by a client at registration.
// It is trusted as-is; verification happens outside this service.
type UserID string

// UserData is display/presence metadata supplied by the client.
type UserData map[string]any

type User struct {
	ID   UserID   `json:"userId"`
	Data UserData `json:"userData,omitempty"`
}

func ParseUserID(raw string) (UserID, error) {
	if len(raw) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(raw), nil
}

// Clone returns a shallow copy so callers never share the registry's map.
func (d UserData) Clone() UserData {
	if d == nil {
		return nil
	}
	out := make(UserData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
