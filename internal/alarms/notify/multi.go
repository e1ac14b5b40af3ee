package notify

import (
	"context"
	"fmt"

	alarms "iot-alerting/internal/alarms/domain"
)

// MultiSender routes messages to the sender registered for the channel type.
type MultiSender struct {
	senders map[alarms.ChannelType]Sender
}

// NewMultiSender constructs an empty router.
func NewMultiSender() *MultiSender {
	return &MultiSender{senders: make(map[alarms.ChannelType]Sender)}
}

// Register sets the sender for one or more channel types.
func (m *MultiSender) Register(sender Sender, types ...alarms.ChannelType) *MultiSender {
	for _, t := range types {
		if sender != nil {
			m.senders[t] = sender
		}
	}
	return m
}

// Send forwards to the registered sender. Unregistered types fail permanently.
func (m *MultiSender) Send(ctx context.Context, msg Message) Outcome {
	if m == nil {
		return permanent(fmt.Errorf("notify: no sender for %q", msg.Channel.Type))
	}
	sender, ok := m.senders[msg.Channel.Type]
	if !ok {
		return permanent(fmt.Errorf("notify: no sender for %q", msg.Channel.Type))
	}
	return sender.Send(ctx, msg)
}
