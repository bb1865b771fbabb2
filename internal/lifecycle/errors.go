package lifecycle

// switchInProgressError signals that a model switch is already running.
// Concurrent switches are rejected deterministically rather than queued.
type switchInProgressError struct{}

func (switchInProgressError) Error() string { return "model switch already in progress" }

// ErrSwitchInProgress is returned by SwitchTo while another switch runs.
var ErrSwitchInProgress error = switchInProgressError{}

// IsSwitchInProgress reports whether err indicates a concurrent switch.
func IsSwitchInProgress(err error) bool {
	_, ok := err.(switchInProgressError)
	return ok
}

// unknownVariantError signals a variant id absent from the registry.
type unknownVariantError struct{ id string }

func (e unknownVariantError) Error() string { return "unknown variant: " + e.id }

// ErrUnknownVariant constructs an unknownVariantError.
func ErrUnknownVariant(id string) error { return unknownVariantError{id: id} }

// IsUnknownVariant reports whether err indicates a missing variant id.
func IsUnknownVariant(err error) bool {
	_, ok := err.(unknownVariantError)
	return ok
}

// noModelError signals that no engine handle is loaded yet.
type noModelError struct{}

func (noModelError) Error() string { return "no model loaded" }

// ErrNoModel is returned by operations that need an active handle.
var ErrNoModel error = noModelError{}

// IsNoModel reports whether err indicates a missing active handle.
func IsNoModel(err error) bool {
	_, ok := err.(noModelError)
	return ok
}

// recoveryExhaustedError signals that the bounded recovery budget is spent.
type recoveryExhaustedError struct{}

func (recoveryExhaustedError) Error() string { return "recovery attempts exhausted" }

// ErrRecoveryExhausted is returned once no further reloads will be tried.
var ErrRecoveryExhausted error = recoveryExhaustedError{}

// IsRecoveryExhausted reports whether err indicates the recovery bound.
func IsRecoveryExhausted(err error) bool {
	_, ok := err.(recoveryExhaustedError)
	return ok
}
