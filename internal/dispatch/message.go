package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"sectionwatch/internal/channel"
	"sectionwatch/internal/store"
)

// catalogView is the batch-hydrated catalog data for one claimed batch.
type catalogView struct {
	sections map[int64]store.SectionRow
	courses  map[int64]store.CourseRow
	meetings map[int64][]store.MeetingRow
}

func (r *Runner) hydrate(ctx context.Context, jobs []store.NotificationJob) (catalogView, error) {
	var view catalogView
	seen := map[int64]bool{}
	var sectionIDs []int64
	for _, j := range jobs {
		if id := j.SectionID(); id != 0 && !seen[id] {
			seen[id] = true
			sectionIDs = append(sectionIDs, id)
		}
	}

	var err error
	if view.sections, err = r.store.LoadSections(ctx, sectionIDs); err != nil {
		return view, err
	}
	courseSeen := map[int64]bool{}
	var courseIDs []int64
	for _, sec := range view.sections {
		if !courseSeen[sec.CourseID] {
			courseSeen[sec.CourseID] = true
			courseIDs = append(courseIDs, sec.CourseID)
		}
	}
	if view.courses, err = r.store.LoadCourses(ctx, courseIDs); err != nil {
		return view, err
	}
	if view.meetings, err = r.store.LoadMeetings(ctx, sectionIDs); err != nil {
		return view, err
	}
	return view, nil
}

// eventPayload is the subset of the event's JSON payload used when the
// catalog row has since disappeared.
type eventPayload struct {
	SectionNumber string `json:"sectionNumber"`
	SubjectCode   string `json:"subjectCode"`
	CourseTitle   string `json:"courseTitle"`
}

func (r *Runner) buildMessage(job store.NotificationJob, view catalogView) channel.Message {
	msg := channel.Message{
		ContactValue:   job.SubContactValue,
		DedupeKey:      job.DedupeKey,
		TraceID:        job.EventTraceID,
		IndexNumber:    job.EventIndexNumber,
		Campus:         job.EventCampusCode,
		SubscriptionID: job.SubscriptionID,
	}
	if at, err := store.ParseTime(job.EventAt); err == nil {
		msg.EventAt = at
	} else {
		msg.EventAt = time.Now().UTC()
	}

	if sec, ok := view.sections[job.SectionID()]; ok {
		msg.SectionNumber = sec.SectionNumber
		if course, ok := view.courses[sec.CourseID]; ok {
			msg.CourseTitle = course.Title
			msg.CourseString = course.CourseString
			if msg.CourseString == "" {
				msg.CourseString = fmt.Sprintf("%s:%s", course.SubjectCode, course.CourseNumber)
			}
		}
		msg.MeetingSummary = meetingSummary(view.meetings[sec.SectionID], sec.MeetingModeSummary)
	}

	// Deleted catalog rows still get a usable message from the payload
	// the reconciler froze into the event.
	if msg.CourseTitle == "" && job.EventPayload != "" {
		var p eventPayload
		if json.Unmarshal([]byte(job.EventPayload), &p) == nil {
			msg.CourseTitle = p.CourseTitle
			if msg.SectionNumber == "" {
				msg.SectionNumber = p.SectionNumber
			}
			if msg.CourseString == "" && p.SubjectCode != "" {
				msg.CourseString = p.SubjectCode
			}
		}
	}

	if r.cfg.BaseURL != "" && job.SubUnsubscribeTok != "" {
		base := strings.TrimSuffix(r.cfg.BaseURL, "/")
		msg.ManageURL = base + "/manage/" + job.SubUnsubscribeTok
		msg.UnsubscribeURL = base + "/unsubscribe/" + job.SubUnsubscribeTok
	}
	return msg
}

// meetingSummary renders "MO 10:20-11:40 (BUS-101), TH online" style
// lines, one per meeting, falling back to the section's mode summary.
func meetingSummary(meetings []store.MeetingRow, modeSummary string) string {
	if len(meetings) == 0 {
		return modeSummary
	}
	sorted := make([]store.MeetingRow, len(meetings))
	copy(sorted, meetings)
	sort.SliceStable(sorted, func(i, j int) bool {
		if dayOrder(sorted[i].MeetingDay) != dayOrder(sorted[j].MeetingDay) {
			return dayOrder(sorted[i].MeetingDay) < dayOrder(sorted[j].MeetingDay)
		}
		return sorted[i].StartMinutes < sorted[j].StartMinutes
	})

	parts := make([]string, 0, len(sorted))
	for _, m := range sorted {
		var b strings.Builder
		if m.MeetingDay != "" {
			b.WriteString(m.MeetingDay)
		}
		if m.HasTimes {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%s-%s", clock(m.StartMinutes), clock(m.EndMinutes))
		}
		if loc := location(m); loc != "" {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "(%s)", loc)
		}
		if b.Len() > 0 {
			parts = append(parts, b.String())
		}
	}
	if len(parts) == 0 {
		return modeSummary
	}
	return strings.Join(parts, ", ")
}

func location(m store.MeetingRow) string {
	if m.BuildingCode != "" && m.RoomNumber != "" {
		return m.BuildingCode + "-" + m.RoomNumber
	}
	if m.LocationDesc != "" {
		return m.LocationDesc
	}
	return m.CampusAbbrev
}

func dayOrder(day string) int {
	switch day {
	case "MO":
		return 0
	case "TU":
		return 1
	case "WE":
		return 2
	case "TH":
		return 3
	case "FR":
		return 4
	case "SA":
		return 5
	case "SU":
		return 6
	}
	return 7
}

func clock(minutes int64) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
