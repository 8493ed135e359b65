package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrConflict           = errors.New("conflict")
	ErrReservationExpired = errors.New("reservation expired")
	ErrInvalidArgument    = errors.New("invalid argument")
)
