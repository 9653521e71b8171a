// Package notify carries engine notifications to UI clients.
package notify

import (
	"context"
	"errors"
)

// Type of a notification.
const (
	TypeAllUpdated   = "all_updated"
	TypeBlockUpdated = "block_updated"
	TypeScopeUpdated = "scope_updated"
)

// Mode of a notification.
const (
	ModeInfo    = "info"
	ModeWarn    = "warn"
	ModeError   = "error"
	ModeSuccess = "success"
)

// Notification is a message pushed to clients watching an experiment.
type Notification struct {
	ExpID      string `json:"exp_id"`
	Type       string `json:"type"`
	Mode       string `json:"mode,omitempty"`
	Silent     bool   `json:"silent,omitempty"`
	Comment    string `json:"comment,omitempty"`
	BlockUUID  string `json:"block_uuid,omitempty"`
	BlockAlias string `json:"block_alias,omitempty"`
	Scope      string `json:"scope,omitempty"`
}

// Bus publishes notifications.
type Bus interface {
	Publish(ctx context.Context, n Notification) error
}

// BusFunc adapts a function to Bus.
type BusFunc func(ctx context.Context, n Notification) error

func (f BusFunc) Publish(ctx context.Context, n Notification) error { return f(ctx, n) }

// Discard drops every notification.
var Discard Bus = BusFunc(func(context.Context, Notification) error { return nil })

// Fanout publishes to every bus and joins their errors.
func Fanout(buses ...Bus) Bus {
	return BusFunc(func(ctx context.Context, n Notification) error {
		var errs error
		for _, b := range buses {
			if b == nil {
				continue
			}
			errs = errors.Join(errs, b.Publish(ctx, n))
		}
		return errs
	})
}
