package domain

import "time"

// ChannelType identifies a notification delivery medium.
type ChannelType string

// Channel types.
const (
	ChannelTypeSMS   ChannelType = "sms"
	ChannelTypeChat  ChannelType = "chat"
	ChannelTypeEmail ChannelType = "email"
)

// AllChannelTypes lists channels in the order jobs are enqueued.
var AllChannelTypes = []ChannelType{ChannelTypeEmail, ChannelTypeSMS, ChannelTypeChat}

// NotificationPreference holds per-user channel switches.
type NotificationPreference struct {
	UserID       string    `json:"-"`
	EmailEnabled bool      `json:"email_enabled"`
	SMSEnabled   bool      `json:"sms_enabled"`
	ChatEnabled  bool      `json:"chat_enabled"`
	UpdatedAt    time.Time `json:"-"`
}

// DefaultNotificationPreference returns the preference materialized on first read.
func DefaultNotificationPreference(userID string) NotificationPreference {
	return NotificationPreference{
		UserID:       userID,
		EmailEnabled: true,
		SMSEnabled:   true,
		ChatEnabled:  false,
	}
}

// Enabled reports whether the channel is switched on.
func (p NotificationPreference) Enabled(channel ChannelType) bool {
	switch channel {
	case ChannelTypeEmail:
		return p.EmailEnabled
	case ChannelTypeSMS:
		return p.SMSEnabled
	case ChannelTypeChat:
		return p.ChatEnabled
	default:
		return false
	}
}

// EnabledChannels returns the enabled channels in AllChannelTypes order.
func (p NotificationPreference) EnabledChannels() []ChannelType {
	channels := make([]ChannelType, 0, len(AllChannelTypes))
	for _, ch := range AllChannelTypes {
		if p.Enabled(ch) {
			channels = append(channels, ch)
		}
	}
	return channels
}

// Contact holds the addresses a user can be reached at.
type Contact struct {
	UserID string
	Name   string
	Email  string
	Phone  string
}

// Address returns the destination for the channel, empty if unknown.
func (c Contact) Address(channel ChannelType) string {
	switch channel {
	case ChannelTypeEmail:
		return c.Email
	case ChannelTypeSMS, ChannelTypeChat:
		return NormalizePhone(c.Phone)
	default:
		return ""
	}
}
