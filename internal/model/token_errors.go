package model

import "errors"

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrTokenExpired  = errors.New("access token expired")
	ErrTokenMismatch = errors.New("token type mismatch")
)
