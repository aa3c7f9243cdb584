package protocol

// Priority is the ordinal tag governing batching and eviction order
type Priority string

// Priorities, lowest to highest
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityValues = map[Priority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Value returns the ordinal rank of the priority. Unknown priorities rank
// as medium.
func (p Priority) Value() int {
	if v, ok := priorityValues[p]; ok {
		return v
	}
	return priorityValues[PriorityMedium]
}

// Known reports whether p is one of the defined priorities
func (p Priority) Known() bool {
	_, ok := priorityValues[p]
	return ok
}

// BatchPriorities are the queues the batcher maintains, in drain order
var BatchPriorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}
