package common

import (
	"errors"
)

// Common errors
var (
	ErrProtocol        = errors.New("protocol error")
	ErrIntegrity       = errors.New("file integrity check failed")
	ErrShortTransfer   = errors.New("short transfer")
	ErrNodeUnavailable = errors.New("node unavailable")
	ErrNoHealthyNode   = errors.New("no available storage nodes")
	ErrNotFound        = errors.New("file does not exist")
	ErrIO              = errors.New("i/o error")
	ErrFileExists      = errors.New("file already exists")
	ErrPlacementExists = errors.New("placement already recorded")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrUnknownTask     = errors.New("unknown task")
	ErrInvalidArgument = errors.New("invalid argument")
)
