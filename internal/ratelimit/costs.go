package ratelimit

// Operation names an API call that draws from a caller's bucket.
type Operation string

const (
	OperationCompose   Operation = "compose"
	OperationCreateJob Operation = "create_job"
	OperationStartJob  Operation = "start_job"
)

// DefaultComposeCost prices a synchronous composition against queued work:
// it decodes, composes and encodes inside the request.
const DefaultComposeCost = 5

// Costs maps operations to the tokens they draw. Missing or non-positive
// entries cost one token.
type Costs map[Operation]int64

func DefaultCosts() Costs {
	return Costs{
		OperationCompose:   DefaultComposeCost,
		OperationCreateJob: 1,
		OperationStartJob:  1,
	}
}

// Of returns the token cost of op.
func (c Costs) Of(op Operation) int64 {
	if cost := c[op]; cost > 0 {
		return cost
	}
	return 1
}
