package token

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrBadPolicy    = errors.New("unknown token policy")
	ErrNotFound     = errors.New("token not found")
	ErrExpired      = errors.New("token expired")
	ErrAlreadyUsed  = errors.New("token already used")

	// ErrConflict reports a conditional update that missed while a re-read found the
	// record redeemable; another writer raced in between.
	ErrConflict = errors.New("token changed concurrently")
)
