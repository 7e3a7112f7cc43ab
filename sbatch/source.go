package sbatch

import "context"

// Outcome is the result of one pull on a batch source.
type Outcome int

const (
	// OutcomeOK delivers a data batch under the established schema.
	OutcomeOK Outcome = iota
	// OutcomeNewSchema delivers a (possibly empty) batch under a new schema.
	OutcomeNewSchema
	// OutcomeNone signals end of stream.
	OutcomeNone
	// OutcomeOOM signals memory exhaustion upstream; the consumer should
	// release memory and pull again, or propagate.
	OutcomeOOM
	// OutcomeStop signals cooperative cancellation.
	OutcomeStop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNewSchema:
		return "new-schema"
	case OutcomeNone:
		return "none"
	case OutcomeOOM:
		return "out-of-memory"
	case OutcomeStop:
		return "stop"
	}
	return "unknown"
}

// Source is the pull-based protocol between operators.  After Next returns
// OutcomeOK or OutcomeNewSchema, the accessors describe the delivered batch
// and ownership of the batch passes to the caller.  Selection optionally
// carries a row-order view the producer already established; it may be nil.
type Source interface {
	Next(ctx context.Context) (Outcome, error)
	Schema() *Schema
	Batch() *Batch
	Selection() Selection
}
