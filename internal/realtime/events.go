package realtime

// Event is an application event clients can receive. The set is closed:
// only the values declared here exist.
type Event struct {
	name string
}

// String returns the event name as sent on the wire.
func (e Event) String() string {
	return e.name
}

var (
	EventChatMessage     = Event{"chat:message"}
	EventChatUpdated     = Event{"chat:updated"}
	EventChatDeleted     = Event{"chat:deleted"}
	EventRunStatus       = Event{"run:status"}
	EventRunOutput       = Event{"run:output"}
	EventScheduleUpdated = Event{"schedule:updated"}
	EventTaskProgress    = Event{"task:progress"}
	EventNotification    = Event{"notification"}
)

// Events lists every application event.
func Events() []Event {
	return []Event{
		EventChatMessage,
		EventChatUpdated,
		EventChatDeleted,
		EventRunStatus,
		EventRunOutput,
		EventScheduleUpdated,
		EventTaskProgress,
		EventNotification,
	}
}

// roomEvent is a client request to enter or leave a room. Only the gateway
// handles these.
type roomEvent struct {
	name string
}

// adminCommand is a server-side event sent between instances.
type adminCommand string

const (
	commandDisconnectUser    adminCommand = "disconnect:user"
	commandDisconnectSession adminCommand = "disconnect:session"
)
