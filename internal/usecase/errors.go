package usecase

import (
	"errors"
	"fmt"

	"torrentvault/internal/domain"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrTimeout      = errors.New("operation timed out")
	ErrEngine       = errors.New("engine error")
	ErrRepository   = errors.New("repository error")
	ErrIO           = errors.New("filesystem error")

	ErrInvalidFileIndex = fmt.Errorf("%w: invalid file index", ErrInvalidInput)
)

func wrapEngine(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrEngine, err)
}

func wrapRepo(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRepository, err)
}

func wrapIO(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// checkTransition maps a disallowed phase change to ErrInvalidInput while
// keeping domain.ErrInvalidTransition in the chain.
func checkTransition(from, to domain.Phase) error {
	if domain.CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s: %w", ErrInvalidInput, from, to, domain.ErrInvalidTransition)
}
