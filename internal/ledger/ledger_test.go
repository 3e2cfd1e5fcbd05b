package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestLedger(store database.AttendanceStore, loc *time.Location, now time.Time) *Ledger {
	return New(store, Options{
		Location: loc,
		Now:      func() time.Time { return now },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestStatusOf(t *testing.T) {
	in := day
	out := day.Add(time.Hour)
	assert.Equal(t, StatusAbsent, StatusOf(nil))
	assert.Equal(t, StatusAbsent, StatusOf(&database.AttendanceRecord{}))
	assert.Equal(t, StatusCheckedIn, StatusOf(&database.AttendanceRecord{CheckIn: &in}))
	assert.Equal(t, StatusCheckedOut, StatusOf(&database.AttendanceRecord{CheckIn: &in, CheckOut: &out}))
}

func TestCheckInCheckOut(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		steps   func(l *Ledger) error
		wantErr error
	}{
		{
			name: "check-in then check-out",
			steps: func(l *Ledger) error {
				if _, err := l.CheckIn(ctx, 1, day); err != nil {
					return err
				}
				_, err := l.CheckOut(ctx, 1, day.Add(8*time.Hour))
				return err
			},
		},
		{
			name: "second check-in",
			steps: func(l *Ledger) error {
				if _, err := l.CheckIn(ctx, 1, day); err != nil {
					return err
				}
				_, err := l.CheckIn(ctx, 1, day.Add(time.Minute))
				return err
			},
			wantErr: apperr.ErrAlreadyCheckedIn,
		},
		{
			name: "check-in after check-out",
			steps: func(l *Ledger) error {
				if _, err := l.CheckIn(ctx, 1, day); err != nil {
					return err
				}
				if _, err := l.CheckOut(ctx, 1, day.Add(time.Hour)); err != nil {
					return err
				}
				_, err := l.CheckIn(ctx, 1, day.Add(2*time.Hour))
				return err
			},
			wantErr: apperr.ErrAlreadyCheckedIn,
		},
		{
			name: "check-out without check-in",
			steps: func(l *Ledger) error {
				_, err := l.CheckOut(ctx, 1, day)
				return err
			},
			wantErr: apperr.ErrNotCheckedIn,
		},
		{
			name: "second check-out",
			steps: func(l *Ledger) error {
				if _, err := l.CheckIn(ctx, 1, day); err != nil {
					return err
				}
				if _, err := l.CheckOut(ctx, 1, day.Add(time.Hour)); err != nil {
					return err
				}
				_, err := l.CheckOut(ctx, 1, day.Add(2*time.Hour))
				return err
			},
			wantErr: apperr.ErrAlreadyCheckedOut,
		},
		{
			name: "check-out before check-in",
			steps: func(l *Ledger) error {
				if _, err := l.CheckIn(ctx, 1, day); err != nil {
					return err
				}
				_, err := l.CheckOut(ctx, 1, day.Add(-time.Minute))
				return err
			},
			wantErr: apperr.ErrInvalidOrder,
		},
		{
			name: "check-out equal to check-in",
			steps: func(l *Ledger) error {
				if _, err := l.CheckIn(ctx, 1, day); err != nil {
					return err
				}
				_, err := l.CheckOut(ctx, 1, day)
				return err
			},
		},
		{
			name: "check-in on another day is independent",
			steps: func(l *Ledger) error {
				if _, err := l.CheckIn(ctx, 1, day); err != nil {
					return err
				}
				_, err := l.CheckIn(ctx, 1, day.AddDate(0, 0, 1))
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(mock.NewMockStore(), time.UTC, day)
			err := tt.steps(l)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
		})
	}
}

func TestFailedTransitionLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	store := mock.NewMockStore()
	l := newTestLedger(store, time.UTC, day)

	_, err := l.CheckIn(ctx, 1, day)
	require.NoError(t, err)
	_, err = l.CheckOut(ctx, 1, day.Add(-time.Hour))
	require.ErrorIs(t, err, apperr.ErrInvalidOrder)

	rec, err := l.TodayStatus(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.CheckIn.Equal(day))
	assert.Nil(t, rec.CheckOut)
	assert.Equal(t, StatusCheckedIn, StatusOf(rec))
}

func TestParallelCheckInsExactlyOneSucceeds(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(mock.NewMockStore(), time.UTC, day)

	const n = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		already   int
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.CheckIn(ctx, 7, day.Add(time.Duration(i)*time.Second))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperr.CodeOf(err) == apperr.CodeAlreadyCheckedIn:
				already++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, already)
}

func TestDateUsesConfiguredZone(t *testing.T) {
	ctx := context.Background()
	prague, err := time.LoadLocation("Europe/Prague")
	require.NoError(t, err)

	// 23:30 UTC on 2 March is already 3 March in Prague.
	late := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)

	utc := newTestLedger(mock.NewMockStore(), nil, late)
	assert.Equal(t, "2026-03-02", utc.Key(1, late).Date)

	local := newTestLedger(mock.NewMockStore(), prague, late)
	rec, err := local.CheckIn(ctx, 1, late)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-03", rec.Date)

	today, err := local.TodayStatus(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, today)
	assert.Equal(t, rec.ID, today.ID)
}

func TestTodayStatusAbsent(t *testing.T) {
	l := newTestLedger(mock.NewMockStore(), time.UTC, day)
	rec, err := l.TodayStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(mock.NewMockStore(), time.UTC, day)

	for i := range 40 {
		_, err := l.CheckIn(ctx, 1, day.AddDate(0, 0, -i))
		require.NoError(t, err)
	}
	_, err := l.CheckIn(ctx, 2, day)
	require.NoError(t, err)

	all, err := l.History(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, all, database.DefaultAttendanceHistoryLimit)
	assert.Equal(t, "2026-03-02", all[0].Date)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i-1].Date, all[i].Date, fmt.Sprintf("record %d out of order", i))
	}

	few, err := l.History(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, few, 3)
	assert.Equal(t, "2026-02-28", few[2].Date)

	capped, err := l.History(ctx, 1, 10_000)
	require.NoError(t, err)
	assert.Len(t, capped, 40)
}

func TestStorageTimeoutPropagates(t *testing.T) {
	store := mock.NewMockStore()
	store.Delay = 50 * time.Millisecond
	l := newTestLedger(store, time.UTC, day)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := l.CheckIn(ctx, 1, day)
	require.ErrorIs(t, err, apperr.ErrStorageTimeout)
	assert.Equal(t, apperr.KindStorageTimeout, apperr.KindOf(err))
}
