package domain

import (
	"strings"
	"time"
)

// SubscriberStatus enumerates the states a subscriber can be in upstream.
type SubscriberStatus string

const (
	SubscriberActive       SubscriberStatus = "active"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberUnconfirmed  SubscriberStatus = "unconfirmed"
	SubscriberBounced      SubscriberStatus = "bounced"
	SubscriberJunk         SubscriberStatus = "junk"
)

// ValidSubscriberStatus reports whether s is one of the known states.
func ValidSubscriberStatus(s SubscriberStatus) bool {
	switch s {
	case SubscriberActive, SubscriberUnsubscribed, SubscriberUnconfirmed,
		SubscriberBounced, SubscriberJunk:
		return true
	}
	return false
}

// Subscriber mirrors one upstream list member. Email is the logical key and
// is always stored lower case; ID is the upstream identifier. Fields holds
// the custom field values as strings keyed by lower-case field name, the
// per-campaign purchase fields among them.
type Subscriber struct {
	ID           string            `json:"id" db:"id"`
	Email        string            `json:"email" db:"email"`
	Status       SubscriberStatus  `json:"status" db:"status"`
	FirstName    string            `json:"first_name,omitempty" db:"first_name"`
	LastName     string            `json:"last_name,omitempty" db:"last_name"`
	DisplayName  string            `json:"display_name,omitempty" db:"display_name"`
	Fields       map[string]string `json:"fields,omitempty" db:"fields"`
	SubscribedAt *time.Time        `json:"subscribed_at,omitempty" db:"subscribed_at"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// Field returns the custom field value for name, matching case-insensitively.
// Purchase fields are written upstream under the lower-cased field name.
func (s Subscriber) Field(name string) string {
	if s.Fields == nil {
		return ""
	}
	if v, ok := s.Fields[strings.ToLower(name)]; ok {
		return v
	}
	return s.Fields[name]
}

// NormalizeEmail lower-cases and trims an address for use as a lookup key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
