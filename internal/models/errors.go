package models

import "errors"

// Account store errors shared by every backend
var (
	ErrUsernameTaken   = errors.New("username already taken")
	ErrAccountNotFound = errors.New("account not found")
)
