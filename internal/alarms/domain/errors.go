package alarms

import "errors"

var (
	// ErrNotFound indicates the occurrence or rule does not exist.
	ErrNotFound = errors.New("alarms: not found")
	// ErrNotActive rejects acknowledge/clear with no open occurrence.
	ErrNotActive = errors.New("alarms: no active occurrence")
	// ErrAlreadyCleared rejects transitions on a cleared occurrence.
	ErrAlreadyCleared = errors.New("alarms: occurrence already cleared")
	// ErrGroupTargetUnsupported rejects group-targeted rules until the
	// aggregation semantic is specified upstream.
	ErrGroupTargetUnsupported = errors.New("alarms: group-targeted rules are not supported")
)
