package types

import (
	"context"
	"time"
)

type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

const (
	NotificationActionOpenVault = "open-vault"
	NotificationActionClose     = "close"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Tag                string               `json:"tag"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Actions            []NotificationAction `json:"actions"`
	Data               map[string]string    `json:"data,omitempty"`
}

type Notifier interface {
	Permission(ctx context.Context) Permission
	Show(ctx context.Context, n *Notification) error
	Close(ctx context.Context, tag string) error
}

type ScheduledNotification struct {
	VaultID   string    `json:"vaultId"`
	VaultName string    `json:"vaultName"`
	UnlockAt  time.Time `json:"unlockAt"`
	ArmedAt   time.Time `json:"armedAt"`
}
