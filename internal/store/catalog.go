package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SectionsForTarget loads the reconciler's view of every known section
// for one (term, campus).
func (s *Store) SectionsForTarget(ctx context.Context, termID, campus string) ([]SectionState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.section_id, s.index_number, s.is_open, s.open_status,
		       s.section_number, s.subject_code, c.title
		FROM sections s
		JOIN courses c ON s.course_id = c.course_id
		WHERE s.term_id = ? AND s.campus_code = ?`,
		termID, campus)
	if err != nil {
		return nil, fmt.Errorf("select sections %s/%s: %w", termID, campus, err)
	}
	defer rows.Close()

	var out []SectionState
	for rows.Next() {
		var (
			st                        SectionState
			isOpen                    int
			openStatus, sectionNumber sql.NullString
		)
		if err := rows.Scan(&st.SectionID, &st.IndexNumber, &isOpen, &openStatus,
			&sectionNumber, &st.SubjectCode, &st.CourseTitle); err != nil {
			return nil, err
		}
		st.IsOpen = isOpen == 1
		st.OpenStatus = openStatus.String
		st.SectionNumber = sectionNumber.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// CountSections backs the dataset-readiness gate: a target with zero
// catalog rows is not polled.
func (s *Store) CountSections(ctx context.Context, termID, campus string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sections WHERE term_id = ? AND campus_code = ?`,
		termID, campus).Scan(&n)
	return n, err
}

// DiscoverTargets groups pending/active subscriptions into (term, campus)
// targets for auto mode.
func (s *Store) DiscoverTargets(ctx context.Context) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT term_id, campus_code
		FROM subscriptions
		WHERE status IN (?, ?)
		ORDER BY term_id, campus_code`,
		SubPending, SubActive)
	if err != nil {
		return nil, fmt.Errorf("discover targets: %w", err)
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.TermID, &t.Campus); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LoadSections batch-loads hydration rows by id.
func (s *Store) LoadSections(ctx context.Context, ids []int64) (map[int64]SectionRow, error) {
	out := make(map[int64]SectionRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := `SELECT section_id, course_id, term_id, campus_code, subject_code,
	             section_number, index_number, open_status, meeting_mode_summary
	      FROM sections WHERE section_id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, q, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r                               SectionRow
			sectionNumber, openStatus, mode sql.NullString
		)
		if err := rows.Scan(&r.SectionID, &r.CourseID, &r.TermID, &r.CampusCode,
			&r.SubjectCode, &sectionNumber, &r.IndexNumber, &openStatus, &mode); err != nil {
			return nil, err
		}
		r.SectionNumber = sectionNumber.String
		r.OpenStatus = openStatus.String
		r.MeetingModeSummary = mode.String
		out[r.SectionID] = r
	}
	return out, rows.Err()
}

func (s *Store) LoadCourses(ctx context.Context, ids []int64) (map[int64]CourseRow, error) {
	out := make(map[int64]CourseRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := `SELECT course_id, subject_code, course_number, course_string, title
	      FROM courses WHERE course_id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, q, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r            CourseRow
			courseString sql.NullString
		)
		if err := rows.Scan(&r.CourseID, &r.SubjectCode, &r.CourseNumber, &courseString, &r.Title); err != nil {
			return nil, err
		}
		r.CourseString = courseString.String
		out[r.CourseID] = r
	}
	return out, rows.Err()
}

func (s *Store) LoadMeetings(ctx context.Context, sectionIDs []int64) (map[int64][]MeetingRow, error) {
	out := make(map[int64][]MeetingRow, len(sectionIDs))
	if len(sectionIDs) == 0 {
		return out, nil
	}
	q := `SELECT section_id, meeting_day, start_minutes, end_minutes,
	             campus_abbrev, campus_location_desc, building_code, room_number
	      FROM section_meetings WHERE section_id IN (` + placeholders(len(sectionIDs)) + `)`
	rows, err := s.db.QueryContext(ctx, q, int64Args(sectionIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r                            MeetingRow
			day, abbrev, loc, bldg, room sql.NullString
			startMin, endMin             sql.NullInt64
		)
		if err := rows.Scan(&r.SectionID, &day, &startMin, &endMin, &abbrev, &loc, &bldg, &room); err != nil {
			return nil, err
		}
		r.MeetingDay = day.String
		r.StartMinutes = startMin.Int64
		r.EndMinutes = endMin.Int64
		r.HasTimes = startMin.Valid && endMin.Valid
		r.CampusAbbrev = abbrev.String
		r.LocationDesc = loc.String
		r.BuildingCode = bldg.String
		r.RoomNumber = room.String
		out[r.SectionID] = append(out[r.SectionID], r)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
