package ext4

// ProgressEventKind identifies one of the three event shapes unpack emits.
type ProgressEventKind string

const (
	// AddTotalSize precedes all AddSize events for a given unpack call and
	// carries the aggregate byte count of regular-file payloads.
	AddTotalSize ProgressEventKind = "add-total-size"
	// AddSize fires once per file in the second pass, including zero-byte
	// files; values are monotonic in aggregate and sum to the total.
	AddSize ProgressEventKind = "add-size"
	// AddItems fires once per entry processed in the second pass.
	AddItems ProgressEventKind = "add-items"
)

// ProgressEvent is one snapshot delivered to an unpack progress callback.
type ProgressEvent struct {
	Kind  ProgressEventKind
	Value int64
}

// ProgressFunc receives unpack progress events. Implementations must not
// block indefinitely; unpack delivers events synchronously on its own
// goroutine.
type ProgressFunc func(ProgressEvent)
