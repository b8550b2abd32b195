package envelope

// MessageResult is the tagged variant every handler returns, determining
// broker disposition of the delivery that produced it.
type MessageResult int

const (
	// Ack acknowledges the delivery; the broker removes it from the queue.
	Ack MessageResult = iota
	// Retry nacks the delivery with requeue=true.
	Retry
	// DeadLetter nacks the delivery with requeue=false, routing it to the
	// queue's dead-letter queue.
	DeadLetter
)

// String renders the result for logging.
func (r MessageResult) String() string {
	switch r {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}
