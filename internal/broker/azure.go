package broker

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"

	"github.com/servicehub/backend/internal/apperr"
)

// ============================================================================
// AZURE SDK ADAPTERS
// ============================================================================

// azureMessaging adapts *azservicebus.Client to the receiver and sender
// factory surface the wrapper consumes.
type azureMessaging struct {
	client *azservicebus.Client
}

func (c *azureMessaging) NewReceiver(entity, subscription string, deadLetter bool) (receiver, error) {
	opts := &azservicebus.ReceiverOptions{ReceiveMode: azservicebus.ReceiveModePeekLock}
	if deadLetter {
		opts.SubQueue = azservicebus.SubQueueDeadLetter
	}

	if subscription != "" {
		r, err := c.client.NewReceiverForSubscription(entity, subscription, opts)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	r, err := c.client.NewReceiverForQueue(entity, opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c *azureMessaging) NewSender(entity string) (sender, error) {
	s, err := c.client.NewSender(entity, nil)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *azureMessaging) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// azureAdmin adapts the management client to the entityBrowser surface,
// merging static properties with runtime counters per entity.
type azureAdmin struct {
	client *admin.Client
}

func (a *azureAdmin) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	var out []QueueInfo
	pager := a.client.NewListQueuesPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for i := range page.Queues {
			item := &page.Queues[i]
			info := queueInfoFrom(item.QueueName, &item.QueueProperties)
			rt, err := a.client.GetQueueRuntimeProperties(ctx, item.QueueName, nil)
			if err != nil {
				return nil, err
			}
			if rt != nil {
				applyQueueRuntime(&info, &rt.QueueRuntimeProperties)
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func (a *azureAdmin) GetQueue(ctx context.Context, name string) (*QueueInfo, error) {
	const op = "broker.GetQueue"

	resp, err := a.client.GetQueue(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, apperr.New(apperr.KindNotFound, op, "queue %q not found", name)
	}

	info := queueInfoFrom(name, &resp.QueueProperties)
	rt, err := a.client.GetQueueRuntimeProperties(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	if rt != nil {
		applyQueueRuntime(&info, &rt.QueueRuntimeProperties)
	}
	return &info, nil
}

func (a *azureAdmin) ListTopics(ctx context.Context) ([]TopicInfo, error) {
	var out []TopicInfo
	pager := a.client.NewListTopicsPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for i := range page.Topics {
			item := &page.Topics[i]
			info := topicInfoFrom(item.TopicName, &item.TopicProperties)
			rt, err := a.client.GetTopicRuntimeProperties(ctx, item.TopicName, nil)
			if err != nil {
				return nil, err
			}
			if rt != nil {
				applyTopicRuntime(&info, &rt.TopicRuntimeProperties)
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func (a *azureAdmin) GetTopic(ctx context.Context, name string) (*TopicInfo, error) {
	const op = "broker.GetTopic"

	resp, err := a.client.GetTopic(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, apperr.New(apperr.KindNotFound, op, "topic %q not found", name)
	}

	info := topicInfoFrom(name, &resp.TopicProperties)
	rt, err := a.client.GetTopicRuntimeProperties(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	if rt != nil {
		applyTopicRuntime(&info, &rt.TopicRuntimeProperties)
	}
	return &info, nil
}

func (a *azureAdmin) ListSubscriptions(ctx context.Context, topic string) ([]SubscriptionInfo, error) {
	var out []SubscriptionInfo
	pager := a.client.NewListSubscriptionsPager(topic, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for i := range page.Subscriptions {
			item := &page.Subscriptions[i]
			info := subscriptionInfoFrom(topic, item.SubscriptionName, &item.SubscriptionProperties)
			rt, err := a.client.GetSubscriptionRuntimeProperties(ctx, topic, item.SubscriptionName, nil)
			if err != nil {
				return nil, err
			}
			if rt != nil {
				applySubscriptionRuntime(&info, &rt.SubscriptionRuntimeProperties)
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func (a *azureAdmin) GetSubscription(ctx context.Context, topic, name string) (*SubscriptionInfo, error) {
	const op = "broker.GetSubscription"

	resp, err := a.client.GetSubscription(ctx, topic, name, nil)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, apperr.New(apperr.KindNotFound, op, "subscription %q on topic %q not found", name, topic)
	}

	info := subscriptionInfoFrom(topic, name, &resp.SubscriptionProperties)
	rt, err := a.client.GetSubscriptionRuntimeProperties(ctx, topic, name, nil)
	if err != nil {
		return nil, err
	}
	if rt != nil {
		applySubscriptionRuntime(&info, &rt.SubscriptionRuntimeProperties)
	}
	return &info, nil
}

// ============================================================================
// PROPERTY MAPPING
// ============================================================================

func queueInfoFrom(name string, props *admin.QueueProperties) QueueInfo {
	return QueueInfo{
		Name:                          name,
		Status:                        entityStatus(props.Status),
		MaxSizeInMegabytes:            derefInt32(props.MaxSizeInMegabytes),
		MaxDeliveryCount:              derefInt32(props.MaxDeliveryCount),
		LockDuration:                  derefString(props.LockDuration),
		DefaultMessageTimeToLive:      derefString(props.DefaultMessageTimeToLive),
		RequiresSession:               derefBool(props.RequiresSession),
		RequiresDuplicateDetection:    derefBool(props.RequiresDuplicateDetection),
		DeadLetteringOnExpiration:     derefBool(props.DeadLetteringOnMessageExpiration),
		EnablePartitioning:            derefBool(props.EnablePartitioning),
		ForwardTo:                     derefString(props.ForwardTo),
		ForwardDeadLetteredMessagesTo: derefString(props.ForwardDeadLetteredMessagesTo),
	}
}

func applyQueueRuntime(info *QueueInfo, rt *admin.QueueRuntimeProperties) {
	info.ActiveMessageCount = rt.ActiveMessageCount
	info.DeadLetterMessageCount = rt.DeadLetterMessageCount
	info.ScheduledMessageCount = rt.ScheduledMessageCount
	info.TransferMessageCount = rt.TransferMessageCount
	info.TotalMessageCount = rt.TotalMessageCount
	info.SizeInBytes = rt.SizeInBytes
	info.CreatedAt = rt.CreatedAt
	info.UpdatedAt = rt.UpdatedAt
	info.AccessedAt = rt.AccessedAt
}

func topicInfoFrom(name string, props *admin.TopicProperties) TopicInfo {
	return TopicInfo{
		Name:                     name,
		Status:                   entityStatus(props.Status),
		MaxSizeInMegabytes:       derefInt32(props.MaxSizeInMegabytes),
		DefaultMessageTimeToLive: derefString(props.DefaultMessageTimeToLive),
		EnablePartitioning:       derefBool(props.EnablePartitioning),
		SupportOrdering:          derefBool(props.SupportOrdering),
	}
}

func applyTopicRuntime(info *TopicInfo, rt *admin.TopicRuntimeProperties) {
	info.SubscriptionCount = rt.SubscriptionCount
	info.ScheduledMessageCount = rt.ScheduledMessageCount
	info.SizeInBytes = rt.SizeInBytes
	info.CreatedAt = rt.CreatedAt
	info.UpdatedAt = rt.UpdatedAt
	info.AccessedAt = rt.AccessedAt
}

func subscriptionInfoFrom(topic, name string, props *admin.SubscriptionProperties) SubscriptionInfo {
	return SubscriptionInfo{
		TopicName:                     topic,
		Name:                          name,
		Status:                        entityStatus(props.Status),
		MaxDeliveryCount:              derefInt32(props.MaxDeliveryCount),
		LockDuration:                  derefString(props.LockDuration),
		DefaultMessageTimeToLive:      derefString(props.DefaultMessageTimeToLive),
		RequiresSession:               derefBool(props.RequiresSession),
		DeadLetteringOnExpiration:     derefBool(props.DeadLetteringOnMessageExpiration),
		ForwardTo:                     derefString(props.ForwardTo),
		ForwardDeadLetteredMessagesTo: derefString(props.ForwardDeadLetteredMessagesTo),
	}
}

func applySubscriptionRuntime(info *SubscriptionInfo, rt *admin.SubscriptionRuntimeProperties) {
	info.ActiveMessageCount = rt.ActiveMessageCount
	info.DeadLetterMessageCount = rt.DeadLetterMessageCount
	info.TransferMessageCount = rt.TransferMessageCount
	info.TotalMessageCount = rt.TotalMessageCount
	info.CreatedAt = rt.CreatedAt
	info.UpdatedAt = rt.UpdatedAt
	info.AccessedAt = rt.AccessedAt
}

func entityStatus(s *admin.EntityStatus) string {
	if s == nil {
		return ""
	}
	return string(*s)
}

func derefInt32(i *int32) int32 {
	if i == nil {
		return 0
	}
	return *i
}

func derefBool(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}
