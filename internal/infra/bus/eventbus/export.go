package eventbus

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/coachpo/aarbus/internal/domain/schema"
)

// ExportHistory writes the history as an indented JSON array, oldest first. An empty typ
// exports every event.
func (b *EventBus) ExportHistory(w io.Writer, typ schema.EventType) error {
	var events []*schema.Event
	if typ == "" {
		events = b.history.last(b.history.capacity())
	} else {
		events = b.RecentEventsOfType(typ, b.history.capacity())
	}
	if events == nil {
		events = []*schema.Event{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(events); err != nil {
		return fmt.Errorf("eventbus: export history: %w", err)
	}
	return nil
}
