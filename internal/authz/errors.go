package authz

import "errors"

var (
	ErrNotFound          = errors.New("authz: not found")
	ErrConflict          = errors.New("authz: resource conflict")
	ErrInvalidInput      = errors.New("authz: invalid input")
	ErrInvalidPermission = errors.New("authz: invalid permission format")
)
