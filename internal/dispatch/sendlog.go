package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wasched/internal/storage"
	logx "wasched/pkg/logx"
)

type LogStatus string

const (
	LogSending LogStatus = "sending"
	LogSent    LogStatus = "sent"
	LogFailed  LogStatus = "failed"
)

// LogEntry is one send attempt in the audit trail. Rows are appended (one
// per attempt) and only ever move sending -> sent|failed; they are never
// deleted except by retention pruning.
type LogEntry struct {
	ID          string    `db:"id"`
	ScheduleID  string    `db:"schedule_id"`
	Kind        string    `db:"kind"`
	ContactRef  string    `db:"contact_ref"`
	Message     string    `db:"message"`
	Status      LogStatus `db:"status"`
	Error       string    `db:"error"`
	AddressUsed string    `db:"address_used"`
	At          time.Time `db:"-"`
}

// SendLog is the append-only execution audit trail. The dispatch pipeline
// is its only writer.
type SendLog struct {
	db  *storage.DB
	log logx.Logger

	maxRows    int
	writeCount atomic.Uint64
	pruneEvery uint64
}

func NewSendLog(db *storage.DB, log logx.Logger, maxRows int) *SendLog {
	return &SendLog{db: db, log: log, maxRows: maxRows, pruneEvery: 500}
}

// Begin appends a `sending` entry, visible to observers before the
// transport call completes. Returns the entry id.
func (sl *SendLog) Begin(ctx context.Context, scheduleID, kind, contactRef, message string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := sl.db.SQL.ExecContext(ctx, `
		INSERT INTO send_log (id, schedule_id, kind, contact_ref, message, status, at)
		VALUES (?,?,?,?,?,?,?)`,
		id, scheduleID, kind, contactRef, message, string(LogSending), at.UnixMilli())
	if err != nil {
		return "", err
	}
	sl.maybePrune(ctx)
	return id, nil
}

// Append writes an entry directly in a terminal status, for failures that
// never reach the transport (e.g. unknown contact).
func (sl *SendLog) Append(ctx context.Context, e LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := sl.db.SQL.ExecContext(ctx, `
		INSERT INTO send_log (id, schedule_id, kind, contact_ref, message, status, error, at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.ScheduleID, e.Kind, e.ContactRef, e.Message, string(e.Status),
		storage.NullStr(e.Error), e.At.UnixMilli())
	if err != nil {
		return err
	}
	sl.maybePrune(ctx)
	return nil
}

func (sl *SendLog) MarkSent(ctx context.Context, id, addressUsed string, at time.Time) error {
	_, err := sl.db.SQL.ExecContext(ctx, `
		UPDATE send_log SET status = ?, address_used = ?, at = ? WHERE id = ?`,
		string(LogSent), storage.NullStr(addressUsed), at.UnixMilli(), id)
	return err
}

func (sl *SendLog) MarkFailed(ctx context.Context, id, errMsg string, at time.Time) error {
	_, err := sl.db.SQL.ExecContext(ctx, `
		UPDATE send_log SET status = ?, error = ?, at = ? WHERE id = ?`,
		string(LogFailed), storage.NullStr(errMsg), at.UnixMilli(), id)
	return err
}

type logRow struct {
	ID          string  `db:"id"`
	ScheduleID  string  `db:"schedule_id"`
	Kind        string  `db:"kind"`
	ContactRef  string  `db:"contact_ref"`
	Message     string  `db:"message"`
	Status      string  `db:"status"`
	Error       *string `db:"error"`
	AddressUsed *string `db:"address_used"`
	At          int64   `db:"at"`
}

func (r logRow) toEntry() LogEntry {
	e := LogEntry{
		ID:         r.ID,
		ScheduleID: r.ScheduleID,
		Kind:       r.Kind,
		ContactRef: r.ContactRef,
		Message:    r.Message,
		Status:     LogStatus(r.Status),
		At:         time.UnixMilli(r.At),
	}
	if r.Error != nil {
		e.Error = *r.Error
	}
	if r.AddressUsed != nil {
		e.AddressUsed = *r.AddressUsed
	}
	return e
}

// History returns all attempts for one schedule in chronological order.
func (sl *SendLog) History(ctx context.Context, scheduleID string) ([]LogEntry, error) {
	var rows []logRow
	err := sl.db.SQL.SelectContext(ctx, &rows,
		`SELECT * FROM send_log WHERE schedule_id = ? ORDER BY at, id`, scheduleID)
	if err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntry())
	}
	return out, nil
}

// Recent returns the newest n entries across all schedules.
func (sl *SendLog) Recent(ctx context.Context, n int) ([]LogEntry, error) {
	if n <= 0 {
		n = 50
	}
	var rows []logRow
	err := sl.db.SQL.SelectContext(ctx, &rows,
		`SELECT * FROM send_log ORDER BY at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntry())
	}
	return out, nil
}

func (sl *SendLog) maybePrune(ctx context.Context) {
	if sl.maxRows <= 0 {
		return
	}
	if sl.writeCount.Add(1)%sl.pruneEvery != 0 {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 100*time.Millisecond)
	defer cancel()
	_, err := sl.db.SQL.ExecContext(pctx, `
		DELETE FROM send_log WHERE id NOT IN (
			SELECT id FROM send_log ORDER BY at DESC, id DESC LIMIT ?)`,
		sl.maxRows)
	if err != nil {
		sl.log.Debug("send log prune failed", logx.Err(err))
	}
}
