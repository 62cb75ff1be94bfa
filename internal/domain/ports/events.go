package ports

import "justserve/internal/domain"

// EventSource delivers backend push notifications of one category into sink
// until the returned unsubscribe function is called. After unsubscribe
// returns no further sends happen on sink.
type EventSource interface {
	Subscribe(category domain.EventCategory, sink chan<- domain.PushEvent) (unsubscribe func(), err error)
}
