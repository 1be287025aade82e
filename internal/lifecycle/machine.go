// Package lifecycle owns the storage-location states of a file record and the
// guards on moving between them.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/I54m/LFS/internal/database"
	"github.com/I54m/LFS/internal/models"
)

// Expiry periods used by the archival flows.
const (
	ArchivedYears = 1
	LocalMonths   = 6
)

// Machine applies state transitions and persists them through the repository.
type Machine struct {
	repo database.Repository
	loc  *time.Location
	now  func() time.Time
}

type Option func(*Machine)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLocation sets the zone whose midnight defines "today".
func WithLocation(loc *time.Location) Option {
	return func(m *Machine) {
		if loc != nil {
			m.loc = loc
		}
	}
}

func NewMachine(repo database.Repository, opts ...Option) *Machine {
	m := &Machine{repo: repo, loc: time.Local, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Today returns midnight of the current day in the machine's location.
func (m *Machine) Today() time.Time {
	return Midnight(m.now(), m.loc)
}

// Midnight truncates t to the start of its day in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Expiration computes the expiry date relative to today. Years count as 364
// days and months as 30; negative days and weeks are clamped to zero.
func Expiration(today time.Time, days, weeks, months, years int) time.Time {
	if years > 0 {
		days += 364 * years
	}
	if months > 0 {
		days += 30 * months
	}
	days = max(days, 0)
	weeks = max(weeks, 0)
	return today.AddDate(0, 0, days+7*weeks)
}

// SetExpiration sets the record's expiry date and persists it, provided the
// stored state has not moved on since file was read.
func (m *Machine) SetExpiration(ctx context.Context, file *models.FileRecord, days, weeks, months, years int) error {
	file.ExpirationDate = Expiration(m.Today(), days, weeks, months, years)
	return m.saveIf(ctx, file, file.State, "expire")
}

// MarkPersistent pins a local record to the local tier. The write fails if
// a transfer claimed the record since it was read.
func (m *Machine) MarkPersistent(ctx context.Context, file *models.FileRecord) error {
	if file.State != models.StateLocal {
		return &models.IllegalStateError{ID: file.ID, Op: "persist", Reason: "record is " + string(file.State)}
	}
	file.Persistent = true
	if err := m.saveIf(ctx, file, models.StateLocal, "persist"); err != nil {
		file.Persistent = false
		return err
	}
	return nil
}

// BeginMoving marks a transfer as in progress. The swap is conditional on the
// stored state still matching file.State, so only one of two concurrent
// callers wins.
func (m *Machine) BeginMoving(ctx context.Context, file *models.FileRecord) error {
	if file.Persistent {
		return &models.IllegalStateError{ID: file.ID, Op: "move", Reason: "record is persistent"}
	}
	if file.State == models.StateMoving {
		return &models.IllegalStateError{ID: file.ID, Op: "move", Reason: "transfer already in progress"}
	}

	swapped, err := m.repo.CompareAndSwapState(ctx, file.ID, file.State, models.StateMoving)
	if err != nil {
		return fmt.Errorf("move %s: %w", file.ID, err)
	}
	if !swapped {
		return &models.IllegalStateError{ID: file.ID, Op: "move", Reason: "state changed concurrently"}
	}
	file.State = models.StateMoving
	return nil
}

// MarkArchived records that the bytes now live on the archive tier and
// re-expires the record. It only completes a transfer this caller began, so
// the stored record must still be MOVING.
func (m *Machine) MarkArchived(ctx context.Context, file *models.FileRecord, days, weeks, months, years int) error {
	if file.Persistent {
		return &models.IllegalStateError{ID: file.ID, Op: "archive", Reason: "record is persistent"}
	}
	return m.finishMove(ctx, file, models.StateArchived, "archive",
		Expiration(m.Today(), days, weeks, months, years))
}

// MarkLocal records that the bytes are back on the local tier, expiring in
// six months. Like MarkArchived it requires a stored MOVING state.
func (m *Machine) MarkLocal(ctx context.Context, file *models.FileRecord) error {
	return m.finishMove(ctx, file, models.StateLocal, "localise",
		Expiration(m.Today(), 0, 0, LocalMonths, 0))
}

func (m *Machine) finishMove(ctx context.Context, file *models.FileRecord, to models.State, op string, expires time.Time) error {
	if file.State != models.StateMoving {
		return &models.IllegalStateError{ID: file.ID, Op: op, Reason: "no transfer in progress"}
	}
	prevExpiry := file.ExpirationDate
	file.State = to
	file.ExpirationDate = expires
	if err := m.saveIf(ctx, file, models.StateMoving, op); err != nil {
		file.State = models.StateMoving
		file.ExpirationDate = prevExpiry
		return err
	}
	return nil
}

// saveIf persists file only while the stored record is still in expected.
func (m *Machine) saveIf(ctx context.Context, file *models.FileRecord, expected models.State, op string) error {
	saved, err := m.repo.SaveIfState(ctx, file, expected)
	if err != nil {
		return fmt.Errorf("save %s: %w", file.ID, err)
	}
	if !saved {
		return &models.IllegalStateError{ID: file.ID, Op: op, Reason: "state changed concurrently"}
	}
	return nil
}

// CanBeManagedBy reports whether user may change the record's flags.
func CanBeManagedBy(file *models.FileRecord, user *models.User) bool {
	if file.UploaderID == "" || user == nil || !user.Authenticated {
		return false
	}
	if user.Superuser {
		return true
	}
	return user.ID == file.UploaderID
}
