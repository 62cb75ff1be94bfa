package domain

import "time"

// EventCategory names one backend push-notification stream.
type EventCategory string

const (
	EventServiceFault EventCategory = "server-error"
	EventP2PStatus    EventCategory = "p2p-status"
	EventP2PProgress  EventCategory = "p2p-progress"
	EventP2PFault     EventCategory = "p2p-error"
)

// EventCategories lists every category the bridge keeps a subscription for.
func EventCategories() []EventCategory {
	return []EventCategory{EventServiceFault, EventP2PStatus, EventP2PProgress, EventP2PFault}
}

func (c EventCategory) Valid() bool {
	switch c {
	case EventServiceFault, EventP2PStatus, EventP2PProgress, EventP2PFault:
		return true
	default:
		return false
	}
}

// IsFault reports whether the event resets a session.
func (c EventCategory) IsFault() bool {
	return c == EventServiceFault || c == EventP2PFault
}

// PushEvent is one backend notification. Which payload field is set depends
// on Category: Message for faults, Status for p2p-status, Bytes for progress.
type PushEvent struct {
	Category   EventCategory  `json:"category"`
	Message    string         `json:"message,omitempty"`
	Status     TransferStatus `json:"status,omitempty"`
	Bytes      int64          `json:"bytesTransferred,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt"`
}
