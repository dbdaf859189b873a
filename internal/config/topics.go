package config

const (
	// TopicJobCompleted carries a JobEvent for every job that completed.
	TopicJobCompleted = "jobs.completed"

	// TopicJobDeadLetter carries a JobEvent for every job moved to the dead-letter queue.
	TopicJobDeadLetter = "jobs.dead_letter"

	// ChannelRecurrence is the consumer channel used to schedule recurring jobs.
	ChannelRecurrence = "recurrence"
)
