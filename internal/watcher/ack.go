package watcher

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Server status messages.
const (
	MessageSubscribed     = "subscribed"
	MessageUnsubscribed   = "unsubscribed"
	MessageEventPublished = "eventPublished"
)

// ErrUnknownAck is returned for a subscribe response that is neither an
// acknowledgement nor a status message.
var ErrUnknownAck = errors.New("unknown subscribe response")

// Ack is the first response to a subscribe request. It is either
// Acknowledged or ImmediateResult.
type Ack interface {
	isAck()
}

// Acknowledged carries the id of a durable server subscription.
type Acknowledged struct {
	SubscriptionID string
}

// ImmediateResult means the server handled the request without creating a
// durable subscription.
type ImmediateResult struct {
	Message string
}

func (Acknowledged) isAck()    {}
func (ImmediateResult) isAck() {}

type ackBody struct {
	SubscriptionID *string `json:"subscriptionId"`
	Message        *string `json:"message"`
}

// ParseAck decodes a subscribe response.
func ParseAck(data json.RawMessage) (Ack, error) {
	var body ackBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownAck, err)
	}
	switch {
	case body.SubscriptionID != nil && *body.SubscriptionID != "":
		return Acknowledged{SubscriptionID: *body.SubscriptionID}, nil
	case body.Message != nil:
		return ImmediateResult{Message: *body.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAck, string(data))
	}
}

// parseMessage extracts the status message of a subscription notification.
func parseMessage(data json.RawMessage) string {
	var body ackBody
	if err := json.Unmarshal(data, &body); err != nil || body.Message == nil {
		return ""
	}
	return *body.Message
}
