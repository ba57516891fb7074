package models

import (
	"errors"
	"strings"
	"time"
)

// Reason values carried by a notification.
const (
	ReasonTriggered = "triggered"
	ReasonCleared   = "cleared"
)

// Notification is emitted whenever the rule changes between cleared and
// triggered. It is the reason document plus delivery metadata.
type Notification struct {
	Rule      string   `json:"rule"`
	Reason    string   `json:"reason"`
	Assets    []string `json:"asset"`
	Timestamp string   `json:"timestamp"`
	BatchID   string   `json:"batch_id,omitempty"`
}

// Validation errors
var (
	ErrEmptyRule     = errors.New("notification rule cannot be empty")
	ErrInvalidReason = errors.New("invalid notification reason")
)

// Validate checks that n can be delivered.
func (n *Notification) Validate() error {
	if strings.TrimSpace(n.Rule) == "" {
		return ErrEmptyRule
	}
	if n.Reason != ReasonTriggered && n.Reason != ReasonCleared {
		return ErrInvalidReason
	}
	if _, err := ParseTimestamp(n.Timestamp); err != nil {
		return err
	}
	return nil
}

// NewNotification builds a notification stamped with ts.
func NewNotification(rule, reason string, assets []string, ts time.Time) *Notification {
	if assets == nil {
		assets = []string{}
	}
	return &Notification{
		Rule:      rule,
		Reason:    reason,
		Assets:    assets,
		Timestamp: FormatTimestamp(ts),
	}
}
