package outbox

// Event types emitted by the scheduling service. The Kafka topic name equals
// the event type (one topic per event).
const (
	EventBookingConfirmed = "scheduling.booking.confirmed.v1"
	EventBookingCancelled = "scheduling.booking.cancelled.v1"
	EventScheduleUpdated  = "scheduling.schedule.updated.v1"
	EventBayAssigned      = "scheduling.bay.assigned.v1"
	EventBayReleased      = "scheduling.bay.released.v1"
)

// Event is the domain event envelope written to the outbox table.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
