package app

import (
	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/events"
)

// eventFilter keeps credentials out of service events. Events of the
// skipped path are dropped; hidden fields are removed from record data.
type eventFilter struct {
	next   events.Publisher
	skip   string
	hidden []string
}

func (f eventFilter) Publish(ev events.Event) {
	if ev.Path == f.skip {
		return
	}
	switch data := ev.Data.(type) {
	case api.Record:
		ev.Data = data.Without(f.hidden...)
	case []api.Record:
		out := make([]api.Record, len(data))
		for i, r := range data {
			out[i] = r.Without(f.hidden...)
		}
		ev.Data = out
	}
	f.next.Publish(ev)
}
