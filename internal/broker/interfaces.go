// Package broker wraps the Azure Service Bus SDK behind per-namespace
// clients with peek, send, replay, purge, and metadata operations.
package broker

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// receiver is the slice of *azservicebus.Receiver the wrapper uses, so
// tests can stand in for the SDK.
type receiver interface {
	PeekMessages(ctx context.Context, maxMessageCount int, options *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	Close(ctx context.Context) error
}

// sender is the slice of *azservicebus.Sender the wrapper uses.
type sender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// messagingClient creates receivers and senders for one namespace.
// Receivers are always peek-lock; deadLetter selects the DLQ sub-queue.
type messagingClient interface {
	NewReceiver(entity, subscription string, deadLetter bool) (receiver, error)
	NewSender(entity string) (sender, error)
	Close(ctx context.Context) error
}

// entityBrowser is the management-plane surface behind the wrapper's
// cached admin client.
type entityBrowser interface {
	ListQueues(ctx context.Context) ([]QueueInfo, error)
	GetQueue(ctx context.Context, name string) (*QueueInfo, error)
	ListTopics(ctx context.Context) ([]TopicInfo, error)
	GetTopic(ctx context.Context, name string) (*TopicInfo, error)
	ListSubscriptions(ctx context.Context, topic string) ([]SubscriptionInfo, error)
	GetSubscription(ctx context.Context, topic, name string) (*SubscriptionInfo, error)
}
