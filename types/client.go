package types

import (
	"context"
	"time"
)

type ClientType string

const (
	ClientTypeWindow ClientType = "window"
	ClientTypeWorker ClientType = "worker"
	ClientTypeAll    ClientType = "all"
)

type Client struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	Type       ClientType `json:"type"`
	Controller string     `json:"controller,omitempty"`
	Focused    bool       `json:"focused"`
	LastSeen   time.Time  `json:"last_seen"`
}

type ClientRegistry interface {
	Register(client Client) (*Client, error)
	Unregister(id string) bool
	Get(id string) (*Client, bool)
	MatchAll(clientType ClientType) []Client
	Claim(ctx context.Context, controller string) (int, error)
	Focus(ctx context.Context, id string) (*Client, error)
	OpenWindow(ctx context.Context, url string) (*Client, error)
}

// ClientCommand is pushed to the host page relay.
type ClientCommand struct {
	ClientID string `json:"clientId,omitempty"`
	URL      string `json:"url,omitempty"`
}
