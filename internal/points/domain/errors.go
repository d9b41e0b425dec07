package points

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPoint is returned when a point id is not registered.
var ErrUnknownPoint = errors.New("unknown point")

// CyclicDependencyError reports a registration that would close a cycle.
// The graph is left unchanged when it is returned.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Cycle, " -> ")
}

// UnknownInputError reports a declared input that does not exist.
type UnknownInputError struct {
	PointID string
	InputID string
}

func (e *UnknownInputError) Error() string {
	return fmt.Sprintf("unknown input %s for point %s", e.InputID, e.PointID)
}

// DependentsExistError blocks unregistering a point other virtual
// points still read.
type DependentsExistError struct {
	PointID    string
	Dependents []string
}

func (e *DependentsExistError) Error() string {
	return fmt.Sprintf("point %s has dependents: %s", e.PointID, strings.Join(e.Dependents, ", "))
}

// PendingDependencyError defers a registration whose inputs have not
// arrived yet; the loader retries it.
type PendingDependencyError struct {
	PointID string
	Missing []string
}

func (e *PendingDependencyError) Error() string {
	return fmt.Sprintf("point %s waiting for inputs: %s", e.PointID, strings.Join(e.Missing, ", "))
}
