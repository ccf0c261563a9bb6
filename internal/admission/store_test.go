package admission

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/imhub/internal/channel"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

type dbCall struct {
	sql  string
	args []any
}

// fakeDB answers QueryRow by statement; statements without a row report no rows.
type fakeDB struct {
	rows    map[string]fakeRow
	execErr error
	queries []dbCall
	execs   []dbCall
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, dbCall{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), f.execErr
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.queries = append(f.queries, dbCall{sql: sql, args: args})
	if row, ok := f.rows[sql]; ok {
		return row
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeDB) ran(sql string) bool {
	for _, q := range f.queries {
		if q.sql == sql {
			return true
		}
	}
	return false
}

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, staleAfter time.Duration, rows map[string]fakeRow) (*Store, *fakeDB) {
	t.Helper()
	conn := &fakeDB{rows: rows}
	s := newStore(nil, conn, staleAfter)
	s.now = func() time.Time { return testNow }
	return s, conn
}

func testRecord(t *testing.T) Record {
	t.Helper()
	rec, err := NewRecord(channel.InboundEvent{
		ExternalID: "om_1",
		AppID:      "app-1",
		Provider:   channel.TypeFeishu,
		CreatedAt:  time.UnixMilli(1700000000000),
	})
	require.NoError(t, err)
	return rec
}

func notAnswered() fakeRow { return fakeRow{values: []any{false}} }

func TestAdmit_AnsweredMessageIsCompleted(t *testing.T) {
	t.Parallel()

	s, conn := newTestStore(t, time.Minute, map[string]fakeRow{
		messageExistsSQL: {values: []any{true}},
	})
	out, err := s.Admit(context.Background(), testRecord(t))
	require.NoError(t, err)
	assert.Equal(t, Completed, out)
	assert.False(t, conn.ran(insertSQL))
}

func TestAdmit_InsertWins(t *testing.T) {
	t.Parallel()

	s, conn := newTestStore(t, time.Minute, map[string]fakeRow{
		messageExistsSQL: notAnswered(),
		insertSQL:        {values: []any{"om_1"}},
	})
	out, err := s.Admit(context.Background(), testRecord(t))
	require.NoError(t, err)
	assert.Equal(t, Admitted, out)

	require.Len(t, conn.queries, 2)
	args := conn.queries[1].args
	assert.Equal(t, "om_1", args[0])
	assert.Equal(t, "feishu", args[3])
	assert.Equal(t, testNow, args[6])
	assert.False(t, conn.ran(reclaimSQL))
}

func TestAdmit_ReclaimsStaleRecord(t *testing.T) {
	t.Parallel()

	s, conn := newTestStore(t, 10*time.Minute, map[string]fakeRow{
		messageExistsSQL: notAnswered(),
		reclaimSQL:       {values: []any{"om_1"}},
	})
	out, err := s.Admit(context.Background(), testRecord(t))
	require.NoError(t, err)
	assert.Equal(t, Admitted, out)

	last := conn.queries[len(conn.queries)-1]
	require.Equal(t, reclaimSQL, last.sql)
	assert.Equal(t, []any{"om_1", testNow, testNow.Add(-10 * time.Minute)}, last.args)
	assert.False(t, conn.ran(processingSQL))
}

func TestAdmit_ReclaimDisabledOnlyTakesReleased(t *testing.T) {
	t.Parallel()

	s, conn := newTestStore(t, 0, map[string]fakeRow{
		messageExistsSQL: notAnswered(),
		processingSQL:    {values: []any{true}},
	})
	out, err := s.Admit(context.Background(), testRecord(t))
	require.NoError(t, err)
	assert.Equal(t, InFlight, out)
	assert.Equal(t, epoch, conn.queries[2].args[2])
}

func TestAdmit_ExistingRecordState(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		processing bool
		want       Outcome
	}{
		{name: "in flight", processing: true, want: InFlight},
		{name: "completed", processing: false, want: Completed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestStore(t, time.Minute, map[string]fakeRow{
				messageExistsSQL: notAnswered(),
				processingSQL:    {values: []any{tc.processing}},
			})
			out, err := s.Admit(context.Background(), testRecord(t))
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestAdmit_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	cases := []struct {
		name string
		rows map[string]fakeRow
	}{
		{name: "message check", rows: map[string]fakeRow{messageExistsSQL: {err: boom}}},
		{name: "insert", rows: map[string]fakeRow{messageExistsSQL: notAnswered(), insertSQL: {err: boom}}},
		{name: "reclaim", rows: map[string]fakeRow{messageExistsSQL: notAnswered(), reclaimSQL: {err: boom}}},
		{name: "read back", rows: map[string]fakeRow{messageExistsSQL: notAnswered(), processingSQL: {err: boom}}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestStore(t, time.Minute, tc.rows)
			_, err := s.Admit(context.Background(), testRecord(t))
			assert.ErrorIs(t, err, boom)
		})
	}

	s, conn := newTestStore(t, time.Minute, nil)
	_, err := s.Admit(context.Background(), Record{ID: " "})
	assert.Error(t, err)
	assert.Empty(t, conn.queries)
}

func TestRelease_ResetsAdmissionToEpoch(t *testing.T) {
	t.Parallel()

	s, conn := newTestStore(t, time.Minute, nil)
	require.NoError(t, s.Release(context.Background(), "om_1"))
	require.Len(t, conn.execs, 1)
	assert.Equal(t, releaseSQL, conn.execs[0].sql)
	assert.Equal(t, []any{"om_1", epoch}, conn.execs[0].args)

	conn.execErr = errors.New("down")
	assert.Error(t, s.Release(context.Background(), "om_1"))
}

func TestComplete_StampsNow(t *testing.T) {
	t.Parallel()

	s, conn := newTestStore(t, time.Minute, nil)
	require.NoError(t, s.Complete(context.Background(), "om_1"))
	require.Len(t, conn.execs, 1)
	assert.Equal(t, []any{"om_1", testNow}, conn.execs[0].args)
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, time.Minute, nil)
	_, err := s.Get(context.Background(), "om_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
