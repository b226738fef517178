package models

import "errors"

var (
	ErrBadRequest             = errors.New("bad request")
	ErrInvalidEvent           = errors.New("invalid event")
	ErrRegression             = errors.New("event precedes current status")
	ErrNotFound               = errors.New("not found")
	ErrAlreadyTerminal        = errors.New("task already in a terminal status")
	ErrWorkerDeleted          = errors.New("worker has been deleted")
	ErrImpersonation          = errors.New("worker belongs to another account")
	ErrInsufficientPermission = errors.New("insufficient permission")
	ErrInconsistent           = errors.New("inconsistent worker state")
	ErrResourceExceeded       = errors.New("requirement exceeds worker capacity")
	ErrAlreadyRequested       = errors.New("template already has a pending or running task")
	ErrTemplateDisabled       = errors.New("template is disabled")
	ErrAlreadyExists          = errors.New("already exists")
)
