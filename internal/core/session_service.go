package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shelfnotes.io/reading-companion/internal/store"
)

// SessionService owns the single-active-session rule. Every change runs
// inside one repository transaction, so concurrent starts cannot both win.
type SessionService struct {
	repo   *store.SessionRepository
	logger *zap.Logger
	now    func() time.Time

	activeMu sync.Mutex
	activeID string
}

var (
	errSessionNotFound = errors.New("session not found")
	errNoChange        = errors.New("no change")
)

func NewSessionService(repo *store.SessionRepository, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SessionService{repo: repo, logger: logger, now: time.Now}
	s.recoverActive()
	return s
}

// recoverActive keeps only the newest active session after a restart.
func (s *SessionService) recoverActive() {
	_ = s.repo.Update(func(sessions []store.ReadingSession) ([]store.ReadingSession, error) {
		newest := -1
		for i, sess := range sessions {
			if sess.IsActive && (newest < 0 || sess.StartTime.After(sessions[newest].StartTime)) {
				newest = i
			}
		}
		now := s.now()
		for i := range sessions {
			if sessions[i].IsActive && i != newest {
				sessions[i].IsActive = false
				sessions[i].EndTime = &now
				s.logger.Warn("Ended stale active session", zap.String("session_id", sessions[i].ID))
			}
		}
		if newest >= 0 {
			s.setActive(sessions[newest].ID)
		}
		return sessions, nil
	})
}

func (s *SessionService) setActive(id string) {
	s.activeMu.Lock()
	s.activeID = id
	s.activeMu.Unlock()
}

func (s *SessionService) clearActiveIf(id string) {
	s.activeMu.Lock()
	if s.activeID == id {
		s.activeID = ""
	}
	s.activeMu.Unlock()
}

func (s *SessionService) activeSessionID() string {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.activeID
}

// StartSession ends whatever session is active, for any book, and opens a
// new one for bookID.
func (s *SessionService) StartSession(bookID string, startPage int) (*store.ReadingSession, error) {
	if bookID == "" {
		return nil, fmt.Errorf("failed to start session: book id is required")
	}
	if startPage < 0 {
		startPage = 0
	}

	var created store.ReadingSession
	err := s.repo.Update(func(sessions []store.ReadingSession) ([]store.ReadingSession, error) {
		now := s.now()
		for i := range sessions {
			if sessions[i].IsActive {
				sessions[i].IsActive = false
				end := now
				sessions[i].EndTime = &end
				s.logger.Info("Ended active session before starting a new one",
					zap.String("session_id", sessions[i].ID), zap.String("book_id", sessions[i].BookID))
			}
		}
		created = store.ReadingSession{
			ID:        uuid.New().String(),
			BookID:    bookID,
			StartTime: now,
			StartPage: startPage,
			NoteIDs:   []string{},
			IsActive:  true,
		}
		s.setActive(created.ID)
		return append(sessions, created), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return &created, nil
}

// EndSession closes the named session. The active marker is only cleared
// when it points at this same session. Unknown ids return nil, nil.
func (s *SessionService) EndSession(sessionID string, endPage *int, keyInsight *string) (*store.ReadingSession, error) {
	var ended *store.ReadingSession
	err := s.repo.Update(func(sessions []store.ReadingSession) ([]store.ReadingSession, error) {
		for i := range sessions {
			if sessions[i].ID != sessionID {
				continue
			}
			now := s.now()
			sessions[i].IsActive = false
			sessions[i].EndTime = &now
			if endPage != nil {
				v := *endPage
				sessions[i].EndPage = &v
			}
			if keyInsight != nil {
				v := *keyInsight
				sessions[i].KeyInsight = &v
			}
			s.clearActiveIf(sessionID)
			out := sessions[i]
			ended = &out
			return sessions, nil
		}
		return nil, errSessionNotFound
	})
	if errors.Is(err, errSessionNotFound) {
		s.logger.Debug("EndSession for unknown session", zap.String("session_id", sessionID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	return ended, nil
}

// AttachNote appends noteID once. It reports whether the session exists.
func (s *SessionService) AttachNote(sessionID, noteID string) bool {
	found := false
	_ = s.repo.Update(func(sessions []store.ReadingSession) ([]store.ReadingSession, error) {
		for i := range sessions {
			if sessions[i].ID != sessionID {
				continue
			}
			found = true
			if sessions[i].HasNote(noteID) {
				return nil, errNoChange
			}
			sessions[i].NoteIDs = append(sessions[i].NoteIDs, noteID)
			return sessions, nil
		}
		return nil, errSessionNotFound
	})
	return found
}

func (s *SessionService) Active() *store.ReadingSession {
	id := s.activeSessionID()
	if id == "" {
		return nil
	}
	sess, _ := s.repo.Get(id)
	if sess == nil || !sess.IsActive {
		return nil
	}
	return sess
}

func (s *SessionService) Get(id string) (*store.ReadingSession, error) {
	return s.repo.Get(id)
}

// newestFirst sorts by start time, latest first.
func newestFirst(sessions []store.ReadingSession) []store.ReadingSession {
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].StartTime.After(sessions[j].StartTime) })
	return sessions
}

func (s *SessionService) ForBook(bookID string) []store.ReadingSession {
	all := s.repo.All()
	out := all[:0]
	for _, sess := range all {
		if sess.BookID == bookID {
			out = append(out, sess)
		}
	}
	return newestFirst(out)
}

func (s *SessionService) Recent(limit int) []store.ReadingSession {
	if limit <= 0 {
		limit = 10
	}
	all := newestFirst(s.repo.All())
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Today returns sessions started on the current local calendar day.
func (s *SessionService) Today() []store.ReadingSession {
	now := s.now()
	y, m, d := now.Date()
	all := s.repo.All()
	out := all[:0]
	for _, sess := range all {
		sy, sm, sd := sess.StartTime.In(now.Location()).Date()
		if sy == y && sm == m && sd == d {
			out = append(out, sess)
		}
	}
	return newestFirst(out)
}

func (s *SessionService) Delete(id string) bool {
	found := false
	_ = s.repo.Update(func(sessions []store.ReadingSession) ([]store.ReadingSession, error) {
		for i := range sessions {
			if sessions[i].ID == id {
				found = true
				s.clearActiveIf(id)
				return append(sessions[:i], sessions[i+1:]...), nil
			}
		}
		return nil, errSessionNotFound
	})
	return found
}

type SessionStats struct {
	TotalReadingTime time.Duration `json:"total_reading_time"`
	TotalPages       int           `json:"total_pages"`
	AverageDuration  time.Duration `json:"average_duration"`
	SessionCount     int           `json:"session_count"`
	FormattedTotal   string        `json:"formatted_total"`
}

// Stats folds over all sessions, or one book's when bookID is set. The
// average only counts ended sessions.
func (s *SessionService) Stats(bookID string) SessionStats {
	now := s.now()
	var st SessionStats
	var endedTotal time.Duration
	ended := 0
	for _, sess := range s.repo.All() {
		if bookID != "" && sess.BookID != bookID {
			continue
		}
		d := sess.Duration(now)
		st.SessionCount++
		st.TotalReadingTime += d
		st.TotalPages += sess.PagesRead()
		if !sess.IsActive {
			endedTotal += d
			ended++
		}
	}
	if ended > 0 {
		st.AverageDuration = endedTotal / time.Duration(ended)
	}
	st.FormattedTotal = FormatDuration(st.TotalReadingTime)
	return st
}

// FormatDuration renders "1h 5m" or "5m".
func FormatDuration(d time.Duration) string {
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
