package bus

import "time"

type InboundMessage struct {
	Channel       string            `json:"channel"`
	SenderID      string            `json:"sender_id"`
	ChatID        string            `json:"chat_id"`
	Content       string            `json:"content"`
	CorrelationID string            `json:"correlation_id"`
	ReceivedAt    time.Time         `json:"received_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type OutboundMessage struct {
	Channel       string            `json:"channel"`
	ChatID        string            `json:"chat_id"`
	Content       string            `json:"content"`
	CorrelationID string            `json:"correlation_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Reply addresses an outbound message back to where msg came from.
func (msg InboundMessage) Reply(content string) OutboundMessage {
	return OutboundMessage{
		Channel:       msg.Channel,
		ChatID:        msg.ChatID,
		Content:       content,
		CorrelationID: msg.CorrelationID,
		Metadata:      msg.Metadata,
	}
}
