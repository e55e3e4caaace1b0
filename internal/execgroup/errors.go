package execgroup

import "fmt"

// ContainerNotRunningError is returned whenever an operation needs a
// container that is not currently running — either the executor's own
// container, or a stage-copy source container resolved via StageContainers.
type ContainerNotRunningError struct {
	ContainerID string
}

func (e *ContainerNotRunningError) Error() string {
	return fmt.Sprintf("execgroup: container %s is not running", e.ContainerID)
}

// InvalidArgumentError is returned when a caller-supplied argument is
// malformed or inconsistent with the recipe being executed.
type InvalidArgumentError struct {
	Arg    string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("execgroup: invalid argument %s: %s", e.Arg, e.Reason)
}

// InternalInconsistencyError is returned when the executor's own bookkeeping
// (e.g. a recipe's stage dependency, or the stage-to-container map it was
// given) fails an invariant that should never be violated by well-formed
// input.
type InternalInconsistencyError struct {
	Message string
}

func (e *InternalInconsistencyError) Error() string {
	return fmt.Sprintf("execgroup: internal inconsistency: %s", e.Message)
}
