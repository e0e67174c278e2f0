package store

// Open-status values for sections, events and subscriber bookkeeping.
const (
	StatusOpen    = "OPEN"
	StatusClosed  = "CLOSED"
	StatusUnknown = "UNKNOWN"
)

// Subscription lifecycle states. Only pending and active subscriptions
// receive notifications.
const (
	SubPending      = "pending"
	SubActive       = "active"
	SubPaused       = "paused"
	SubSuppressed   = "suppressed"
	SubUnsubscribed = "unsubscribed"
)

// Fanout states for a notification row. Sent, failed and skipped are terminal.
const (
	FanoutPending = "pending"
	FanoutSent    = "sent"
	FanoutFailed  = "failed"
	FanoutSkipped = "skipped"
)

// Contact types routed by the dispatchers.
const (
	ContactEmail        = "email"
	ContactTelegramChat = "telegram_chat"
)

// SectionState is the slice of a section row the reconciler owns.
type SectionState struct {
	SectionID     int64
	IndexNumber   string
	IsOpen        bool
	OpenStatus    string
	SectionNumber string
	SubjectCode   string
	CourseTitle   string
}

// SectionRow is the hydration view used for message building.
type SectionRow struct {
	SectionID          int64
	CourseID           int64
	TermID             string
	CampusCode         string
	SubjectCode        string
	SectionNumber      string
	IndexNumber        string
	OpenStatus         string
	MeetingModeSummary string
}

type CourseRow struct {
	CourseID     int64
	SubjectCode  string
	CourseNumber string
	CourseString string
	Title        string
}

type MeetingRow struct {
	SectionID    int64
	MeetingDay   string
	StartMinutes int64
	EndMinutes   int64
	HasTimes     bool
	CampusAbbrev string
	LocationDesc string
	BuildingCode string
	RoomNumber   string
}

// SubscriptionRow carries the fields fanout eligibility needs.
type SubscriptionRow struct {
	SubscriptionID  int64
	Status          string
	Metadata        string
	LastKnownStatus string
	LastNotifiedAt  string
	ContactType     string
	ContactValue    string
}

// Target is a (term, campus) pair polled independently.
type Target struct {
	TermID string
	Campus string
}

func (t Target) Key() string { return t.TermID + "|" + t.Campus }
