package types

import (
	"bytes"
	"context"
	"strconv"
	"time"
)

type ActionBroker interface {
	LifecycleManager
	Publish(action string, payload interface{}) error
	Subscribe(action string, handler ActionHandler) error
	Unsubscribe(action string) error
}

type ActionHandler func(payload *ActionMessage) error
type ActionBrokerCreator func(config interface{}) (ActionBroker, error)

type ActionMessage struct {
	Action    string            `json:"action"`
	Payload   interface{}       `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata"`
	MessageID string            `json:"message_id"`
}

const (
	ActionPostMessage        = "message"
	ActionNotificationClick  = "notificationclick"
	ActionNotificationShow   = "notification.show"
	ActionNotificationClose  = "notification.close"
	ActionClientFocus        = "client.focus"
	ActionClientOpenWindow   = "client.open"
	ActionWorkerStateChanged = "worker.state"
)

type MessageType string

const (
	MessageSkipWaiting          MessageType = "SKIP_WAITING"
	MessageClearCache           MessageType = "CLEAR_CACHE"
	MessageScheduleNotification MessageType = "SCHEDULE_NOTIFICATION"
)

type ControlMessage struct {
	Type       MessageType `json:"type"`
	VaultID    string      `json:"vaultId,omitempty"`
	UnlockDate Timestamp   `json:"unlockDate,omitempty"`
	VaultName  string      `json:"vaultName,omitempty"`
}

type MessageHandler func(ctx context.Context, msg *ControlMessage) error

// Timestamp accepts epoch milliseconds or an RFC 3339 string.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		raw, err := strconv.Unquote(string(data))
		if err != nil {
			return Errorf(ErrInvalidParameter, "unlockDate: %v", err)
		}

		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms)
			return nil
		}

		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Errorf(ErrInvalidParameter, "unlockDate: %v", err)
		}
		t.Time = parsed
		return nil
	}

	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return Errorf(ErrInvalidParameter, "unlockDate: %v", err)
	}
	t.Time = time.UnixMilli(int64(ms))
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

type NotificationClick struct {
	Action string `json:"action"`
	Tag    string `json:"tag"`
}
