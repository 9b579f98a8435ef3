package statemachine

import (
	"errors"

	"github.com/dmitrymomot/billing/pkg/billing"
)

var (
	ErrInvalidTransition  = errors.New("invalid transition: from, to and event are required")
	ErrNoTransition       = errors.New("no transition available")
	ErrTransitionRejected = errors.New("transition rejected by guards")
)

func newNoTransitionError(entity, from, event string) error {
	return errors.Join(ErrNoTransition, &billing.InvalidTransitionError{Entity: entity, From: from, Event: event})
}

func newRejectedError(entity, from, event string) error {
	return errors.Join(ErrTransitionRejected, &billing.InvalidTransitionError{Entity: entity, From: from, Event: event})
}
