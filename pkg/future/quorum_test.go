package future

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type ack struct {
	OK bool
}

func okAck(a ack) bool { return a.OK }

func TestCollectReachesMajority(t *testing.T) {
	handles := []*Future[ack]{
		Resolved(ack{OK: true}),
		Resolved(ack{OK: true}),
		New[ack](), // never resolves
	}
	result := Collect(handles, 3, 100*time.Millisecond, okAck)
	count, err := result.Result()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Unresolved handles were cancelled once the outcome was decided.
	_, err = handles[2].Result()
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCollectNeverResolvesBeforeThreshold(t *testing.T) {
	handles := []*Future[ack]{
		Resolved(ack{OK: true}),
		New[ack](),
		New[ack](),
		New[ack](),
		New[ack](),
	}
	result := Collect(handles, 5, 200*time.Millisecond, okAck)

	time.Sleep(30 * time.Millisecond)
	require.False(t, result.IsResolved())

	handles[1].Resolve(ack{OK: true})
	time.Sleep(30 * time.Millisecond)
	require.False(t, result.IsResolved())

	handles[2].Resolve(ack{OK: true})
	count, err := result.Result()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCollectTimeout(t *testing.T) {
	handles := []*Future[ack]{
		Resolved(ack{OK: true}),
		New[ack](),
		New[ack](),
	}
	start := time.Now()
	_, err := Collect(handles, 3, 50*time.Millisecond, okAck).Result()
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCollectUnreachableFailsEarly(t *testing.T) {
	boom := errors.New("unreachable")
	handles := []*Future[ack]{
		Failed[ack](boom),
		Failed[ack](boom),
		New[ack](),
	}
	_, err := Collect(handles, 3, time.Second, okAck).Result()
	require.ErrorIs(t, err, ErrQuorumUnreachable)
}

func TestCollectRejectionsCountAgainstQuorum(t *testing.T) {
	handles := []*Future[ack]{
		Resolved(ack{OK: true}),
		Resolved(ack{OK: false}),
		Resolved(ack{OK: false}),
	}
	_, err := Collect(handles, 3, time.Second, okAck).Result()
	assert.ErrorIs(t, err, ErrQuorumUnreachable)
}

func TestCollectJointRequiresBothMajorities(t *testing.T) {
	old := map[string]bool{"a": true, "b": true, "c": true}
	newSet := map[string]bool{"a": true, "b": true, "c": true, "d": true}

	// a+b majority in old (2/3) and in new (2/4 is not a majority).
	votes := []Vote[ack]{
		{Voter: "a", Handle: Resolved(ack{OK: true})},
		{Voter: "b", Handle: Resolved(ack{OK: true})},
		{Voter: "c", Handle: Resolved(ack{OK: false})},
		{Voter: "d", Handle: Resolved(ack{OK: false})},
	}
	_, err := CollectJoint(votes, old, newSet, 50*time.Millisecond, okAck).Result()
	require.Error(t, err)

	// a+b+d reaches 2/3 in old and 3/4 in new.
	votes = []Vote[ack]{
		{Voter: "a", Handle: Resolved(ack{OK: true})},
		{Voter: "b", Handle: Resolved(ack{OK: true})},
		{Voter: "c", Handle: Resolved(ack{OK: false})},
		{Voter: "d", Handle: Resolved(ack{OK: true})},
	}
	count, err := CollectJoint(votes, old, newSet, time.Second, okAck).Result()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCollectLateHandlesIgnoredForOutcome(t *testing.T) {
	late := New[ack]()
	handles := []*Future[ack]{
		Resolved(ack{OK: true}),
		Resolved(ack{OK: true}),
		late,
	}
	result := Collect(handles, 3, time.Second, okAck)
	count, err := result.Result()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Resolving after the decision does not change the outcome.
	late.Resolve(ack{OK: true})
	count2, err := result.Result()
	require.NoError(t, err)
	assert.Equal(t, count, count2)
}

// TestCollectProperty checks, across random response patterns, that the
// collector succeeds exactly when at least a majority of the cluster
// reports success.
func TestCollectProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := rapid.IntRange(1, 9).Draw(t, "total")
		successes := 0
		handles := make([]*Future[ack], total)
		for i := range handles {
			switch rapid.IntRange(0, 2).Draw(t, fmt.Sprintf("outcome%d", i)) {
			case 0:
				handles[i] = Resolved(ack{OK: true})
				successes++
			case 1:
				handles[i] = Resolved(ack{OK: false})
			default:
				handles[i] = Failed[ack](errors.New("lost"))
			}
		}

		_, err := Collect(handles, total, 100*time.Millisecond, okAck).Result()
		if successes >= total/2+1 {
			if err != nil {
				t.Fatalf("expected success with %d/%d acks, got %v", successes, total, err)
			}
		} else if err == nil {
			t.Fatalf("expected failure with %d/%d acks", successes, total)
		}
	})
}
