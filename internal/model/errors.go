package model

import (
	"errors"
	"fmt"
)

var (
	ErrAuth            = errors.New("authentication failed")
	ErrDiscovery       = errors.New("discovery failed")
	ErrDownload        = errors.New("download failed")
	ErrDelete          = errors.New("delete failed")
	ErrArchive         = errors.New("archive failed")
	ErrUpload          = errors.New("upload failed")
	ErrUnauthenticated = errors.New("not logged in")
	ErrShutdown        = errors.New("worker shut down before the command ran")
)

// StepError identifies the game and protocol step a failure happened in.
type StepError struct {
	Game string
	Step State
	Err  error
}

func (e *StepError) Error() string {
	if e.Game == "" {
		return fmt.Sprintf("%s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("game %s, %s: %v", e.Game, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ErrorKind names the taxonomy entry err belongs to, or "internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrDiscovery):
		return "discovery"
	case errors.Is(err, ErrDownload):
		return "download"
	case errors.Is(err, ErrDelete):
		return "delete"
	case errors.Is(err, ErrArchive):
		return "archive"
	case errors.Is(err, ErrUpload):
		return "upload"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "internal"
	}
}
