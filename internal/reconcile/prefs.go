package reconcile

import (
	"encoding/json"
	"time"
)

// Preferences is the typed form of the subscription metadata blob.
// Defaults are merged here, once, at the fanout boundary; nothing else
// parses the raw JSON.
type Preferences struct {
	NotifyOn         []string       `json:"notifyOn"`
	MaxNotifications int            `json:"maxNotifications"`
	DeliveryWindow   DeliveryWindow `json:"deliveryWindow"`
	SnoozeUntil      string         `json:"snoozeUntil"`
}

// DeliveryWindow filters sends by time of day, in minutes since local
// midnight. The default window covers the full day.
type DeliveryWindow struct {
	StartMinutes int `json:"startMinutes"`
	EndMinutes   int `json:"endMinutes"`
}

func defaultPreferences() Preferences {
	return Preferences{
		NotifyOn:         []string{"open"},
		MaxNotifications: 3,
		DeliveryWindow:   DeliveryWindow{StartMinutes: 0, EndMinutes: 1440},
	}
}

type metadataEnvelope struct {
	Preferences *rawPreferences `json:"preferences"`
}

// rawPreferences uses pointers so an omitted field keeps its default
// while an explicit zero is honored.
type rawPreferences struct {
	NotifyOn         []string        `json:"notifyOn"`
	MaxNotifications *int            `json:"maxNotifications"`
	DeliveryWindow   *DeliveryWindow `json:"deliveryWindow"`
	SnoozeUntil      *string         `json:"snoozeUntil"`
}

// ParsePreferences decodes the metadata blob, best effort: malformed
// metadata falls back to defaults rather than blocking fanout.
func ParsePreferences(metadata string) Preferences {
	prefs := defaultPreferences()
	if metadata == "" {
		return prefs
	}
	var env metadataEnvelope
	if err := json.Unmarshal([]byte(metadata), &env); err != nil || env.Preferences == nil {
		return prefs
	}
	raw := env.Preferences
	if len(raw.NotifyOn) > 0 {
		prefs.NotifyOn = raw.NotifyOn
	}
	if raw.MaxNotifications != nil {
		prefs.MaxNotifications = *raw.MaxNotifications
	}
	if raw.DeliveryWindow != nil {
		prefs.DeliveryWindow = *raw.DeliveryWindow
	}
	if raw.SnoozeUntil != nil {
		prefs.SnoozeUntil = *raw.SnoozeUntil
	}
	return prefs
}

func (p Preferences) wantsOpen() bool {
	for _, v := range p.NotifyOn {
		if v == "open" {
			return true
		}
	}
	return false
}

func (p Preferences) snoozedAt(now time.Time) bool {
	if p.SnoozeUntil == "" {
		return false
	}
	until, err := time.Parse(time.RFC3339, p.SnoozeUntil)
	if err != nil {
		return false
	}
	return until.After(now)
}

func (p Preferences) inDeliveryWindow(now time.Time) bool {
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= p.DeliveryWindow.StartMinutes && minutes <= p.DeliveryWindow.EndMinutes
}
