package stats

import "sync"

type EventType string

const (
	EventTypeFound      EventType = "found"
	EventTypeSaved      EventType = "saved"
	EventTypeAttachment EventType = "attachment"
	EventTypeUnlocked   EventType = "unlocked"
	EventTypeArchived   EventType = "archived"
	EventTypeSkipped    EventType = "skipped"
	EventTypeError      EventType = "error"
)

type Event struct {
	Type   EventType
	Sender string
	Err    error
}

// Summary aggregates the counters of one account run. Counts are
// informational only; nothing reads them as a control input.
type Summary struct {
	Found       int
	Saved       int
	Attachments int
	Unlocked    int
	Archived    int
	Skipped     int
	Errors      int
	LastError   error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"found", s.Found,
		"saved", s.Saved,
		"attachments", s.Attachments,
		"unlocked", s.Unlocked,
		"archived", s.Archived,
		"skipped", s.Skipped,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector accumulates events for one run. Safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFound:
		c.summary.Found++
	case EventTypeSaved:
		c.summary.Saved++
	case EventTypeAttachment:
		c.summary.Attachments++
	case EventTypeUnlocked:
		c.summary.Unlocked++
	case EventTypeArchived:
		c.summary.Archived++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}
