package workflow

import (
	"fmt"
	"sort"
	"time"

	"horse.fit/sieve/internal/failure"
	"horse.fit/sieve/internal/types"
)

// position is where an execution stands, derived only from its step records.
type position struct {
	index     int
	inputRef  string
	attempt   int
	waitUntil *time.Time

	terminal  bool
	status    types.ExecutionStatus
	reason    types.TerminationReason
	lastError string
}

// derivePosition replays the append-only history. It starts at the
// execution's initial snapshot and follows each succeeded step's output ref,
// rejecting histories whose refs do not chain or whose attempts have gaps.
func derivePosition(execution types.Execution, records []types.StepRecord) (position, error) {
	byStep := make(map[types.Step][]types.StepRecord, len(types.Steps))
	for _, record := range records {
		if types.StepIndex(record.Step) < 0 {
			return position{}, failure.Invalidf("execution %s has a record for unknown step %q", execution.ID, record.Step)
		}
		byStep[record.Step] = append(byStep[record.Step], record)
	}

	inputRef := execution.InputRef
	for i, step := range types.Steps {
		attempts := byStep[step]
		if len(attempts) == 0 {
			for _, later := range types.Steps[i+1:] {
				if len(byStep[later]) > 0 {
					return position{}, fmt.Errorf("execution %s has records for %s before %s completed", execution.ID, later, step)
				}
			}
			return position{index: i, inputRef: inputRef, attempt: 1}, nil
		}

		sort.Slice(attempts, func(a, b int) bool { return attempts[a].Attempt < attempts[b].Attempt })
		for n, record := range attempts {
			if record.Attempt != n+1 {
				return position{}, fmt.Errorf("execution %s step %s is missing attempt %d", execution.ID, step, n+1)
			}
			if record.InputRef != inputRef {
				return position{}, fmt.Errorf("execution %s step %s attempt %d input %s does not chain from %s", execution.ID, step, record.Attempt, record.InputRef, inputRef)
			}
			if n < len(attempts)-1 && record.Status != types.StepRetrying {
				return position{}, fmt.Errorf("execution %s step %s attempt %d is %s but was followed by another attempt", execution.ID, step, record.Attempt, record.Status)
			}
		}

		last := attempts[len(attempts)-1]
		switch last.Status {
		case types.StepSucceeded:
			if last.Termination != types.TerminationNone {
				return position{
					index:    i,
					inputRef: inputRef,
					terminal: true,
					status:   types.ExecutionTerminated,
					reason:   last.Termination,
				}, nil
			}
			inputRef = last.OutputRef
		case types.StepRetrying:
			return position{
				index:     i,
				inputRef:  inputRef,
				attempt:   last.Attempt + 1,
				waitUntil: last.NextEligibleAt,
				lastError: last.Error,
			}, nil
		case types.StepFailed:
			pos := position{
				index:     i,
				inputRef:  inputRef,
				terminal:  true,
				status:    types.ExecutionFailed,
				lastError: last.Error,
			}
			if failure.Kind(last.ErrorKind) == failure.KindPermanent {
				pos.status = types.ExecutionTerminated
				pos.reason = types.TerminationExternalCallFailed
			}
			return pos, nil
		default:
			return position{}, fmt.Errorf("execution %s step %s attempt %d has non-final status %q", execution.ID, step, last.Attempt, last.Status)
		}
	}

	return position{
		index:    len(types.Steps),
		inputRef: inputRef,
		terminal: true,
		status:   types.ExecutionCompleted,
	}, nil
}
