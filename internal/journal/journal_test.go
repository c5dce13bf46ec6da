package journal

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/awi-cli/internal/config"
)

// flexibleSQL makes a mock expectation insensitive to whitespace.
func flexibleSQL(sql string) string {
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(strings.TrimSpace(sql)), `\s+`)
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	j := NewMemory()

	require.NoError(t, j.Record(ctx, Entry{TaskID: "t1", Step: 2, Kind: KindOperation, Outcome: "success"}))
	require.NoError(t, j.Record(ctx, Entry{TaskID: "t2", Step: 1, Kind: KindDom, Outcome: "dom"}))
	require.NoError(t, j.Record(ctx, Entry{TaskID: "t1", Step: 1, Kind: KindTransition, Outcome: "structured_api_active"}))
	assert.ErrorIs(t, j.Record(ctx, Entry{Step: 3}), ErrNoTaskID)

	got, err := j.Entries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Step)
	assert.Equal(t, 2, got[1].Step)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, time.UTC, got[0].RecordedAt.Location())

	none, err := j.Entries(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
	j.Close()
}

func TestOpen(t *testing.T) {
	r, err := Open(context.Background(), config.JournalConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, r)

	_, err = Open(context.Background(), config.JournalConfig{Type: "cassandra"}, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = Open(context.Background(), config.JournalConfig{Type: "postgres"}, zaptest.NewLogger(t))
	assert.Error(t, err, "postgres requires a url")
}

func newMockJournal(t *testing.T) (pgxmock.PgxPoolIface, *Postgres) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectPing()
	mock.ExpectExec(flexibleSQL(schemaSQL)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	p, err := NewPostgres(context.Background(), mock, zaptest.NewLogger(t))
	require.NoError(t, err)
	return mock, p
}

func TestNewPostgres_PingFailure(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mock.Close()

	pingErr := errors.New("database unavailable")
	mock.ExpectPing().WillReturnError(pingErr)

	_, err = NewPostgres(context.Background(), mock, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Record(t *testing.T) {
	mock, p := newMockJournal(t)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	e := Entry{
		ID:         uuid.NewString(),
		TaskID:     "task-1",
		Target:     "https://blog.example.com",
		Step:       1,
		Kind:       KindOperation,
		Operation:  "comments.create",
		Method:     "POST",
		Endpoint:   "/posts/42/comments",
		Outcome:    "success",
		Status:     201,
		Detail:     []byte(`{"content":"Great post!"}`),
		Duration:   1500 * time.Millisecond,
		RecordedAt: at,
	}

	mock.ExpectExec(flexibleSQL(insertSQL)).
		WithArgs(e.ID, e.TaskID, e.Target, e.Step, "operation", e.Operation, e.Method, e.Endpoint,
			e.Outcome, e.Status, "", e.Detail, int64(1500), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, p.Record(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecordFailure(t *testing.T) {
	mock, p := newMockJournal(t)
	mock.ExpectExec(flexibleSQL(insertSQL)).WillReturnError(errors.New("disk full"))

	err := p.Record(context.Background(), Entry{TaskID: "task-1", Kind: KindDom, Outcome: "dom"})
	assert.ErrorContains(t, err, "disk full")
	assert.ErrorIs(t, p.Record(context.Background(), Entry{}), ErrNoTaskID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Entries(t *testing.T) {
	mock, p := newMockJournal(t)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"id", "target", "step", "kind", "operation", "method", "endpoint", "outcome", "status", "message", "detail", "duration_ms", "recorded_at"}).
		AddRow("e1", "https://blog.example.com", 1, "transition", "", "", "", "structured_api_active", 0, "", []byte(`{}`), int64(0), at).
		AddRow("e2", "https://blog.example.com", 2, "operation", "posts.list", "GET", "/posts", "success", 200, "", []byte(`{}`), int64(250), at)
	mock.ExpectQuery(flexibleSQL(selectSQL)).WithArgs("task-1").WillReturnRows(rows)

	got, err := p.Entries(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, KindTransition, got[0].Kind)
	assert.Equal(t, "task-1", got[1].TaskID)
	assert.Equal(t, "posts.list", got[1].Operation)
	assert.Equal(t, 200, got[1].Status)
	assert.Equal(t, 250*time.Millisecond, got[1].Duration)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_EntriesQueryError(t *testing.T) {
	mock, p := newMockJournal(t)
	mock.ExpectQuery(flexibleSQL(selectSQL)).WithArgs("task-1").WillReturnError(errors.New("boom"))

	_, err := p.Entries(context.Background(), "task-1")
	assert.ErrorContains(t, err, "failed to query journal")
	assert.NoError(t, mock.ExpectationsWereMet())
}
