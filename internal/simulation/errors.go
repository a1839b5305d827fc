package simulation

import "errors"

var (
	// ErrNotAllowed is returned when a step or command is issued in a run
	// status that does not permit it. The simulation is left untouched.
	ErrNotAllowed = errors.New("simulation: not allowed in current state")

	ErrBankNotFound    = errors.New("simulation: bank not found")
	ErrBankDefaulted   = errors.New("simulation: bank has defaulted")
	ErrSessionNotFound = errors.New("simulation: session not found")
	ErrCompleted       = errors.New("simulation: run already completed")
	ErrAlreadyRunning  = errors.New("simulation: run loop already active")
)
