// Package replay implements the Offline Sync Processor (spec §4.8): it
// applies a batch of client-queued operations against the scene store and
// classifies each outcome. Each mutation runs inside an avast/retry-go
// wrapper shaped like external-agent.ExternalAgentRunner's control-plane
// retry; isRetryable treats every store error as permanent, so in practice
// each operation is attempted once.
package replay

import (
	"context"
	"errors"
	"sort"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/saorsa-labs/canvas/pkg/scene"
)

// Outcome classifies how a single queued operation resolved.
type Outcome string

const (
	OutcomeSynced    Outcome = "synced"
	OutcomeConflict  Outcome = "conflict"
	OutcomeFailed    Outcome = "failed"
)

// ConflictReason names why an operation was resolved as a conflict rather
// than applied cleanly.
const (
	ReasonStaleElement  = "element removed or replaced since operation was queued"
	ReasonOrderedByIndex = "later operation in the same batch touched this element"
)

// Result mirrors the wire-level sync_result frame (spec §6.4).
type Result struct {
	SyncedCount      int
	ConflictCount    int
	FailedCount      int
	Conflicts        []ConflictRecord
	FailedOperations []FailedRecord
	Duration         time.Duration
	Timestamp        int64
}

type ConflictRecord struct {
	ElementID string
	Reason    string
}

type FailedRecord struct {
	ElementID string
	Reason    string
}

// retryPolicy bounds transient store-failure retries: base 100ms, doubling,
// capped at 5s, at most 3 attempts (spec §4.8).
var retryPolicy = []retry.Option{
	retry.Attempts(3),
	retry.Delay(100 * time.Millisecond),
	retry.DelayType(retry.BackOffDelay),
	retry.MaxJitter(0),
	retry.MaxDelay(5 * time.Second),
	retry.LastErrorOnly(true),
}

// isRetryable reports whether a store error is worth retrying. Every error
// the store returns (not-found, duplicate, stale, payload-too-large, and the
// element cap) is permanent for the same operation and retrying it would
// just reproduce it, so none of them is retried.
func isRetryable(err error) bool {
	return false
}

// Process applies ops to session in order, resolving same-element
// conflicts within the batch by "later index wins" before falling back to
// last-write-wins against the store's prior state (spec Open Questions
// decision, recorded in SPEC_FULL.md). now is injected so tests can
// control Timestamp without wall-clock flakiness.
func Process(ctx context.Context, store *scene.Store, session string, ops []scene.Operation, now func() int64) Result {
	start := time.Now()
	winner := pickBatchWinners(ops)

	res := Result{Timestamp: now()}
	for i, op := range ops {
		if w, ok := winner[op.ElementID]; ok && op.Type != scene.OpAddElement && w != i {
			res.ConflictCount++
			res.Conflicts = append(res.Conflicts, ConflictRecord{
				ElementID: op.ElementID,
				Reason:    ReasonOrderedByIndex,
			})
			continue
		}

		// A batch winner can still be stale against the store's prior
		// state (an op queued for an element the store already moved
		// past while this client was offline), not just against other
		// ops in the same batch. HasElement lets this be caught before
		// even attempting the mutation.
		if isUpdateOp(op.Type) {
			if existing, ok := store.HasElement(session, op.ElementID); ok && op.Timestamp < existing.TouchedAt {
				res.ConflictCount++
				res.Conflicts = append(res.Conflicts, ConflictRecord{
					ElementID: op.ElementID,
					Reason:    ReasonStaleElement,
				})
				continue
			}
		}

		err := applyWithRetry(ctx, store, session, op)
		switch {
		case err == nil:
			res.SyncedCount++
		case errors.Is(err, scene.ErrElementNotFound), errors.Is(err, scene.ErrDuplicateElement), errors.Is(err, scene.ErrStaleOperation):
			res.ConflictCount++
			res.Conflicts = append(res.Conflicts, ConflictRecord{
				ElementID: elementID(op),
				Reason:    ReasonStaleElement,
			})
		default:
			res.FailedCount++
			res.FailedOperations = append(res.FailedOperations, FailedRecord{
				ElementID: elementID(op),
				Reason:    err.Error(),
			})
		}
	}
	res.Duration = time.Since(start)
	return res
}

func isUpdateOp(t scene.OperationType) bool {
	return t == scene.OpUpdateElement || t == scene.OpReplacePayload
}

// pickBatchWinners maps an element id to the index of the last
// update/remove operation touching it within the batch; earlier
// operations on the same id lose to the later one (spec Open Questions
// decision: "later index wins within the batch").
func pickBatchWinners(ops []scene.Operation) map[string]int {
	winner := make(map[string]int)
	for i, op := range ops {
		if op.Type == scene.OpAddElement || op.Type == scene.OpInteraction {
			continue
		}
		winner[op.ElementID] = i
	}
	return winner
}

func elementID(op scene.Operation) string {
	if op.Element != nil {
		return op.Element.ID
	}
	return op.ElementID
}

func applyWithRetry(ctx context.Context, store *scene.Store, session string, op scene.Operation) error {
	opts := append([]retry.Option{retry.Context(ctx), retry.OnRetry(func(n uint, err error) {
		log.Warn().Err(err).Uint("attempt", n).Str("session", session).Msg("replay: retrying store mutation")
	})}, retryPolicy...)

	return retry.Do(func() error {
		err := applyOnce(store, session, op)
		if err != nil && !isRetryable(err) {
			return retry.Unrecoverable(err)
		}
		return err
	}, opts...)
}

func applyOnce(store *scene.Store, session string, op scene.Operation) error {
	switch op.Type {
	case scene.OpAddElement:
		if op.Element == nil {
			return nil
		}
		_, err := store.AddElement(session, *op.Element, scene.OriginReplay, "")
		return err
	case scene.OpUpdateElement:
		if op.Changes == nil {
			return nil
		}
		// UpdateElementAt (not the wall-clock UpdateElement) so the LWW
		// comparison uses the op's own queued timestamp.
		return store.UpdateElementAt(session, op.ElementID, *op.Changes, scene.OriginReplay, "", op.Timestamp)
	case scene.OpReplacePayload:
		if len(op.Payload) == 0 {
			return nil
		}
		kind, err := scene.UnmarshalKind(op.Payload)
		if err != nil {
			return err
		}
		return store.ReplacePayloadAt(session, op.ElementID, kind, scene.OriginReplay, "", op.Timestamp)
	case scene.OpRemoveElement:
		return store.RemoveElement(session, op.ElementID, scene.OriginReplay, "")
	case scene.OpInteraction:
		store.InteractionLog(session, scene.Interaction{Event: op.Event, Timestamp: op.Timestamp}, scene.OriginReplay, "")
		return nil
	default:
		return nil
	}
}

// SortByTimestamp orders a replay batch chronologically. Process does not
// call it: Process applies operations in the order it is given.
// Equal timestamps preserve their original relative order (stable sort),
// which is what pickBatchWinners' index-based tiebreak assumes.
func SortByTimestamp(ops []scene.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Timestamp < ops[j].Timestamp
	})
}
