package future

import (
	"errors"
	"time"
)

// ErrQuorumUnreachable reports that enough handles failed that the
// required majority can no longer be reached before the deadline.
var ErrQuorumUnreachable = errors.New("quorum unreachable")

// Vote pairs a response handle with the voter it came from, so joint
// configurations can count each set independently.
type Vote[T any] struct {
	Voter  string
	Handle *Future[T]
}

// Collect resolves once a majority of total handles report a response for
// which ok returns true, or fails with ErrTimeout when the deadline
// elapses first, or with ErrQuorumUnreachable once too many handles have
// failed for a majority to remain possible. Handles still pending when the
// outcome is decided are cancelled best-effort; success is reported the
// moment the threshold is met, never later.
func Collect[T any](handles []*Future[T], total int, timeout time.Duration, ok func(T) bool) *Future[int] {
	votes := make([]Vote[T], len(handles))
	for i, h := range handles {
		votes[i] = Vote[T]{Voter: "", Handle: h}
	}
	needed := total/2 + 1
	counter := func(acked map[string]bool, succeeded int) bool {
		return succeeded >= needed
	}
	impossible := func(succeeded, pending int) bool {
		return succeeded+pending < needed
	}
	return collect(votes, counter, impossible, timeout, ok)
}

// CollectJoint is the joint-consensus variant: it requires an independent
// majority of oldMembers and of newMembers among the successful voters.
// Voters outside both sets contribute nothing to either majority.
func CollectJoint[T any](votes []Vote[T], oldMembers, newMembers map[string]bool, timeout time.Duration, ok func(T) bool) *Future[int] {
	counter := func(acked map[string]bool, succeeded int) bool {
		return majority(oldMembers, acked) && majority(newMembers, acked)
	}
	return collect(votes, counter, nil, timeout, ok)
}

func majority(members map[string]bool, acked map[string]bool) bool {
	if len(members) == 0 {
		return true
	}
	count := 0
	for id := range members {
		if acked[id] {
			count++
		}
	}
	return count >= len(members)/2+1
}

func collect[T any](votes []Vote[T], reached func(map[string]bool, int) bool, impossible func(succeeded, pending int) bool, timeout time.Duration, ok func(T) bool) *Future[int] {
	result := New[int]()
	pending := len(votes)

	type outcome struct {
		voter   string
		success bool
	}
	outcomes := make(chan outcome, len(votes))

	for _, v := range votes {
		go func(v Vote[T]) {
			resp, err := v.Handle.Result()
			outcomes <- outcome{voter: v.Voter, success: err == nil && ok(resp)}
		}(v)
	}

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		defer func() {
			for _, v := range votes {
				v.Handle.Cancel()
			}
		}()

		acked := make(map[string]bool)
		succeeded := 0
		for pending > 0 {
			select {
			case o := <-outcomes:
				pending--
				if o.success {
					succeeded++
					if o.voter != "" {
						acked[o.voter] = true
					}
					if reached(acked, succeeded) {
						result.Resolve(succeeded)
						return
					}
				} else if impossible != nil && impossible(succeeded, pending) {
					result.Fail(ErrQuorumUnreachable)
					return
				}
			case <-timer.C:
				result.Fail(ErrTimeout)
				return
			}
		}
		result.Fail(ErrQuorumUnreachable)
	}()

	return result
}
