package schema

// EventType is a validated audit action recorded in the event log.
type EventType string

const (
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentUnregistered EventType = "agent_unregistered"
	EventAgentOffline      EventType = "agent_offline"
	EventTaskCreated       EventType = "task_created"
	EventTaskAssigned      EventType = "task_assigned"
	EventTaskClaimed       EventType = "task_claimed"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskUpdated       EventType = "task_updated"
	EventMemorySet         EventType = "memory_set"
	EventMemoryDeleted     EventType = "memory_deleted"
	EventLockAcquired      EventType = "lock_acquired"
	EventLockReleased      EventType = "lock_released"
	EventLockExpired       EventType = "lock_expired"
)
