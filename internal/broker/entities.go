package broker

import "time"

// QueueInfo combines a queue's static properties with its runtime
// counters.
type QueueInfo struct {
	Name                          string    `json:"name"`
	Status                        string    `json:"status"`
	ActiveMessageCount            int32     `json:"active_message_count"`
	DeadLetterMessageCount        int32     `json:"dead_letter_message_count"`
	ScheduledMessageCount         int32     `json:"scheduled_message_count"`
	TransferMessageCount          int32     `json:"transfer_message_count"`
	TotalMessageCount             int64     `json:"total_message_count"`
	SizeInBytes                   int64     `json:"size_in_bytes"`
	MaxSizeInMegabytes            int32     `json:"max_size_in_megabytes"`
	MaxDeliveryCount              int32     `json:"max_delivery_count"`
	LockDuration                  string    `json:"lock_duration,omitempty"`
	DefaultMessageTimeToLive      string    `json:"default_message_time_to_live,omitempty"`
	RequiresSession               bool      `json:"requires_session"`
	RequiresDuplicateDetection    bool      `json:"requires_duplicate_detection"`
	DeadLetteringOnExpiration     bool      `json:"dead_lettering_on_expiration"`
	EnablePartitioning            bool      `json:"enable_partitioning"`
	ForwardTo                     string    `json:"forward_to,omitempty"`
	ForwardDeadLetteredMessagesTo string    `json:"forward_dead_lettered_messages_to,omitempty"`
	CreatedAt                     time.Time `json:"created_at"`
	UpdatedAt                     time.Time `json:"updated_at"`
	AccessedAt                    time.Time `json:"accessed_at"`
}

// TopicInfo combines a topic's static properties with its runtime
// counters. Message counts live on the subscriptions.
type TopicInfo struct {
	Name                     string    `json:"name"`
	Status                   string    `json:"status"`
	SubscriptionCount        int32     `json:"subscription_count"`
	ScheduledMessageCount    int32     `json:"scheduled_message_count"`
	SizeInBytes              int64     `json:"size_in_bytes"`
	MaxSizeInMegabytes       int32     `json:"max_size_in_megabytes"`
	DefaultMessageTimeToLive string    `json:"default_message_time_to_live,omitempty"`
	EnablePartitioning       bool      `json:"enable_partitioning"`
	SupportOrdering          bool      `json:"support_ordering"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
	AccessedAt               time.Time `json:"accessed_at"`
}

// SubscriptionInfo combines a subscription's static properties with its
// runtime counters.
type SubscriptionInfo struct {
	TopicName                     string    `json:"topic_name"`
	Name                          string    `json:"name"`
	Status                        string    `json:"status"`
	ActiveMessageCount            int32     `json:"active_message_count"`
	DeadLetterMessageCount        int32     `json:"dead_letter_message_count"`
	TransferMessageCount          int32     `json:"transfer_message_count"`
	TotalMessageCount             int64     `json:"total_message_count"`
	MaxDeliveryCount              int32     `json:"max_delivery_count"`
	LockDuration                  string    `json:"lock_duration,omitempty"`
	DefaultMessageTimeToLive      string    `json:"default_message_time_to_live,omitempty"`
	RequiresSession               bool      `json:"requires_session"`
	DeadLetteringOnExpiration     bool      `json:"dead_lettering_on_expiration"`
	ForwardTo                     string    `json:"forward_to,omitempty"`
	ForwardDeadLetteredMessagesTo string    `json:"forward_dead_lettered_messages_to,omitempty"`
	CreatedAt                     time.Time `json:"created_at"`
	UpdatedAt                     time.Time `json:"updated_at"`
	AccessedAt                    time.Time `json:"accessed_at"`
}

// EntityPath builds the tracked entity name: the queue name for queues,
// "<topic>/subscriptions/<sub>" for subscriptions.
func EntityPath(entity, subscription string) string {
	if subscription == "" {
		return entity
	}
	return entity + "/subscriptions/" + subscription
}
