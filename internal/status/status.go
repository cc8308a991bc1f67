package status

import "fmt"

// Status is the lifecycle state of a download item or a batch.
type Status int32

const (
	Pending Status = iota
	Queued
	Downloading
	Processing
	Completed
	Failed
	Cancelled
	Expired
	Skipped

	// Batch-only states.
	Running
	Paused
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Queued:
		return "queued"
	case Downloading:
		return "downloading"
	case Processing:
		return "processing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	case Skipped:
		return "skipped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// IsTerminal reports whether no further automatic transition can occur.
// Failed counts as terminal here; the dispatcher re-enqueues a failed item
// itself when the retry policy grants another attempt.
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, Failed, Cancelled, Expired, Skipped:
		return true
	default:
		return false
	}
}

// IsActive reports whether the item currently occupies a worker slot.
func (s Status) IsActive() bool {
	return s == Downloading || s == Processing
}

// Priority orders items in the dispatch queue. Higher values are admitted
// first; ties are broken by enqueue order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// ParsePriority maps the wire representation to a Priority. Unknown values
// fall back to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// ResourceType classifies the remote resource a download item fetches.
type ResourceType string

const (
	ResourceVideo    ResourceType = "video"
	ResourceImage    ResourceType = "image"
	ResourceAudio    ResourceType = "audio"
	ResourceDocument ResourceType = "document"
	ResourceArchive  ResourceType = "archive"
)

// Valid reports whether t is one of the known resource types.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceVideo, ResourceImage, ResourceAudio, ResourceDocument, ResourceArchive:
		return true
	default:
		return false
	}
}
