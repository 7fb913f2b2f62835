package jobstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/pulse/calendar"
	"github.com/teranos/pulse/db"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/schedule"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// txn is the handle one store operation runs its statements through. Queries
// are written with ? placeholders and rebound for the dialect. Every row set
// is read to the end and closed before the next statement is issued.
type txn struct {
	ctx   context.Context
	ex    execer
	d     db.Dialect
	sched string
	n     *notifier
}

func (t *txn) exec(query string, args ...any) (sql.Result, error) {
	return t.ex.ExecContext(t.ctx, t.d.Rebind(query), args...)
}

func (t *txn) execCount(query string, args ...any) (int64, error) {
	res, err := t.exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *txn) query(query string, args ...any) (*sql.Rows, error) {
	return t.ex.QueryContext(t.ctx, t.d.Rebind(query), args...)
}

func (t *txn) queryRow(query string, args ...any) *sql.Row {
	return t.ex.QueryRowContext(t.ctx, t.d.Rebind(query), args...)
}

func (t *txn) count(query string, args ...any) (int, error) {
	var n int
	err := t.queryRow(query, args...).Scan(&n)
	return n, err
}

func (t *txn) exists(query string, args ...any) (bool, error) {
	n, err := t.count(query, args...)
	return n > 0, err
}

func (t *txn) stringColumn(query string, args ...any) ([]string, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *txn) keys(query string, args ...any) ([]schedule.Key, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []schedule.Key{}
	for rows.Next() {
		var k schedule.Key
		if err := rows.Scan(&k.Name, &k.Group); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// placeholders renders n comma separated ? markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stateArgs(states []schedule.TriggerState) []any {
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	return args
}

// Jobs

const jobColumns = "job_name, job_group, description, job_type, is_durable, is_nonconcurrent, is_update_data, requests_recovery, swallow_errors, job_data"

func scanJob(sc scanner) (*schedule.JobDetail, error) {
	var (
		j    schedule.JobDetail
		data string
	)
	if err := sc.Scan(&j.Key.Name, &j.Key.Group, &j.Description, &j.JobType, &j.Durable,
		&j.ConcurrentExecutionDisallowed, &j.PersistJobDataAfterExecution, &j.RequestsRecovery,
		&j.SwallowErrors, &data); err != nil {
		return nil, err
	}
	m, err := schedule.DecodeJobDataMap(data)
	if err != nil {
		return nil, errors.JobPersistencef(err, "decode data map of job %s", j.Key)
	}
	j.JobData = m
	return &j, nil
}

func (t *txn) insertJob(j *schedule.JobDetail) error {
	data, err := j.JobData.Encode()
	if err != nil {
		return errors.Wrapf(err, "encode data map of job %s", j.Key)
	}
	_, err = t.exec(`INSERT INTO sched_jobs (sched_name, `+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.sched, j.Key.Name, j.Key.Group, j.Description, j.JobType, j.Durable,
		j.ConcurrentExecutionDisallowed, j.PersistJobDataAfterExecution, j.RequestsRecovery,
		j.SwallowErrors, data)
	return err
}

func (t *txn) updateJob(j *schedule.JobDetail) error {
	data, err := j.JobData.Encode()
	if err != nil {
		return errors.Wrapf(err, "encode data map of job %s", j.Key)
	}
	_, err = t.exec(`UPDATE sched_jobs SET description = ?, job_type = ?, is_durable = ?,
		is_nonconcurrent = ?, is_update_data = ?, requests_recovery = ?, swallow_errors = ?, job_data = ?
		WHERE sched_name = ? AND job_name = ? AND job_group = ?`,
		j.Description, j.JobType, j.Durable, j.ConcurrentExecutionDisallowed,
		j.PersistJobDataAfterExecution, j.RequestsRecovery, j.SwallowErrors, data,
		t.sched, j.Key.Name, j.Key.Group)
	return err
}

func (t *txn) updateJobData(key schedule.Key, data schedule.JobDataMap) error {
	encoded, err := data.Encode()
	if err != nil {
		return errors.Wrapf(err, "encode data map of job %s", key)
	}
	_, err = t.exec(`UPDATE sched_jobs SET job_data = ? WHERE sched_name = ? AND job_name = ? AND job_group = ?`,
		encoded, t.sched, key.Name, key.Group)
	return err
}

// selectJob returns nil when the job does not exist.
func (t *txn) selectJob(key schedule.Key) (*schedule.JobDetail, error) {
	row := t.queryRow(`SELECT `+jobColumns+` FROM sched_jobs
		WHERE sched_name = ? AND job_name = ? AND job_group = ?`, t.sched, key.Name, key.Group)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (t *txn) jobExists(key schedule.Key) (bool, error) {
	return t.exists(`SELECT COUNT(*) FROM sched_jobs WHERE sched_name = ? AND job_name = ? AND job_group = ?`,
		t.sched, key.Name, key.Group)
}

func (t *txn) deleteJob(key schedule.Key) (bool, error) {
	n, err := t.execCount(`DELETE FROM sched_jobs WHERE sched_name = ? AND job_name = ? AND job_group = ?`,
		t.sched, key.Name, key.Group)
	return n > 0, err
}

func (t *txn) selectJobKeys(group string) ([]schedule.Key, error) {
	if group == "" {
		return t.keys(`SELECT job_name, job_group FROM sched_jobs WHERE sched_name = ?
			ORDER BY job_group, job_name`, t.sched)
	}
	return t.keys(`SELECT job_name, job_group FROM sched_jobs WHERE sched_name = ? AND job_group = ?
		ORDER BY job_group, job_name`, t.sched, group)
}

// Triggers

const triggerColumns = "trigger_name, trigger_group, job_name, job_group, description, next_fire_time, prev_fire_time, priority, trigger_state, trigger_kind, schedule_data, start_time, end_time, calendar_name, misfire_instr, times_triggered, job_data"

func scanTrigger(sc scanner) (*schedule.Trigger, schedule.TriggerState, error) {
	var (
		tr                        schedule.Trigger
		next, prev, end           sql.NullInt64
		start                     int64
		state, kind, data, jobDat string
		cal                       sql.NullString
		misfire                   int
	)
	if err := sc.Scan(&tr.Key.Name, &tr.Key.Group, &tr.JobKey.Name, &tr.JobKey.Group, &tr.Description,
		&next, &prev, &tr.Priority, &state, &kind, &data, &start, &end, &cal, &misfire,
		&tr.TimesTriggered, &jobDat); err != nil {
		return nil, schedule.StateNone, err
	}
	st, err := schedule.ParseTriggerState(state)
	if err != nil {
		return nil, schedule.StateNone, errors.JobPersistencef(err, "trigger %s", tr.Key)
	}
	sched, err := schedule.DecodeSchedule(schedule.Kind(kind), data)
	if err != nil {
		return nil, schedule.StateNone, errors.JobPersistencef(err, "decode schedule of trigger %s", tr.Key)
	}
	m, err := schedule.DecodeJobDataMap(jobDat)
	if err != nil {
		return nil, schedule.StateNone, errors.JobPersistencef(err, "decode data map of trigger %s", tr.Key)
	}
	tr.Schedule = sched
	tr.JobData = m
	tr.NextFireTime = timePtr(next)
	tr.PreviousFireTime = timePtr(prev)
	tr.StartTime = fromMillis(start)
	tr.EndTime = timePtr(end)
	tr.CalendarName = cal.String
	tr.MisfireInstruction = schedule.MisfireInstruction(misfire)
	return &tr, st, nil
}

func triggerArgs(tr *schedule.Trigger) (kind schedule.Kind, data, jobData string, err error) {
	kind, data, err = schedule.EncodeSchedule(tr.Schedule)
	if err != nil {
		return "", "", "", errors.Wrapf(err, "encode schedule of trigger %s", tr.Key)
	}
	jobData, err = tr.JobData.Encode()
	if err != nil {
		return "", "", "", errors.Wrapf(err, "encode data map of trigger %s", tr.Key)
	}
	return kind, data, jobData, nil
}

func (t *txn) insertTrigger(tr *schedule.Trigger, state schedule.TriggerState) error {
	kind, data, jobData, err := triggerArgs(tr)
	if err != nil {
		return err
	}
	_, err = t.exec(`INSERT INTO sched_triggers (sched_name, `+triggerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.sched, tr.Key.Name, tr.Key.Group, tr.JobKey.Name, tr.JobKey.Group, tr.Description,
		nullMillis(tr.NextFireTime), nullMillis(tr.PreviousFireTime), tr.Priority, string(state),
		string(kind), data, toMillis(tr.StartTime), nullMillis(tr.EndTime), nullString(tr.CalendarName),
		int(tr.MisfireInstruction), tr.TimesTriggered, jobData)
	return err
}

func (t *txn) updateTrigger(tr *schedule.Trigger, state schedule.TriggerState) error {
	kind, data, jobData, err := triggerArgs(tr)
	if err != nil {
		return err
	}
	_, err = t.exec(`UPDATE sched_triggers SET job_name = ?, job_group = ?, description = ?,
		next_fire_time = ?, prev_fire_time = ?, priority = ?, trigger_state = ?, trigger_kind = ?,
		schedule_data = ?, start_time = ?, end_time = ?, calendar_name = ?, misfire_instr = ?,
		times_triggered = ?, job_data = ?
		WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?`,
		tr.JobKey.Name, tr.JobKey.Group, tr.Description, nullMillis(tr.NextFireTime),
		nullMillis(tr.PreviousFireTime), tr.Priority, string(state), string(kind), data,
		toMillis(tr.StartTime), nullMillis(tr.EndTime), nullString(tr.CalendarName),
		int(tr.MisfireInstruction), tr.TimesTriggered, jobData,
		t.sched, tr.Key.Name, tr.Key.Group)
	return err
}

// selectTrigger returns a nil trigger when it does not exist.
func (t *txn) selectTrigger(key schedule.Key) (*schedule.Trigger, schedule.TriggerState, error) {
	row := t.queryRow(`SELECT `+triggerColumns+` FROM sched_triggers
		WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?`, t.sched, key.Name, key.Group)
	tr, st, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schedule.StateNone, nil
	}
	return tr, st, err
}

func (t *txn) selectTriggers(where string, args ...any) ([]*schedule.Trigger, []schedule.TriggerState, error) {
	rows, err := t.query(`SELECT `+triggerColumns+` FROM sched_triggers WHERE sched_name = ? AND `+where+`
		ORDER BY trigger_group, trigger_name`, append([]any{t.sched}, args...)...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var (
		out    []*schedule.Trigger
		states []schedule.TriggerState
	)
	for rows.Next() {
		tr, st, err := scanTrigger(rows)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, tr)
		states = append(states, st)
	}
	return out, states, rows.Err()
}

func (t *txn) selectTriggersForJob(jobKey schedule.Key) ([]*schedule.Trigger, []schedule.TriggerState, error) {
	return t.selectTriggers("job_name = ? AND job_group = ?", jobKey.Name, jobKey.Group)
}

func (t *txn) triggerExists(key schedule.Key) (bool, error) {
	return t.exists(`SELECT COUNT(*) FROM sched_triggers WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?`,
		t.sched, key.Name, key.Group)
}

func (t *txn) deleteTrigger(key schedule.Key) (bool, error) {
	n, err := t.execCount(`DELETE FROM sched_triggers WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?`,
		t.sched, key.Name, key.Group)
	return n > 0, err
}

func (t *txn) selectTriggerState(key schedule.Key) (schedule.TriggerState, error) {
	var s string
	err := t.queryRow(`SELECT trigger_state FROM sched_triggers
		WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?`, t.sched, key.Name, key.Group).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.StateNone, nil
	}
	if err != nil {
		return schedule.StateNone, err
	}
	return schedule.ParseTriggerState(s)
}

func (t *txn) updateTriggerState(key schedule.Key, state schedule.TriggerState) error {
	_, err := t.exec(`UPDATE sched_triggers SET trigger_state = ?
		WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?`,
		string(state), t.sched, key.Name, key.Group)
	return err
}

// updateTriggerStateFrom changes the state only when it is one of from and
// reports whether a row changed.
func (t *txn) updateTriggerStateFrom(key schedule.Key, state schedule.TriggerState, from ...schedule.TriggerState) (bool, error) {
	args := append([]any{string(state), t.sched, key.Name, key.Group}, stateArgs(from)...)
	n, err := t.execCount(`UPDATE sched_triggers SET trigger_state = ?
		WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ? AND trigger_state IN (`+placeholders(len(from))+`)`,
		args...)
	return n > 0, err
}

func (t *txn) updateJobTriggerStatesFrom(jobKey schedule.Key, state schedule.TriggerState, from ...schedule.TriggerState) error {
	args := append([]any{string(state), t.sched, jobKey.Name, jobKey.Group}, stateArgs(from)...)
	_, err := t.exec(`UPDATE sched_triggers SET trigger_state = ?
		WHERE sched_name = ? AND job_name = ? AND job_group = ? AND trigger_state IN (`+placeholders(len(from))+`)`,
		args...)
	return err
}

func (t *txn) updateJobTriggerStates(jobKey schedule.Key, state schedule.TriggerState) error {
	_, err := t.exec(`UPDATE sched_triggers SET trigger_state = ?
		WHERE sched_name = ? AND job_name = ? AND job_group = ?`,
		string(state), t.sched, jobKey.Name, jobKey.Group)
	return err
}

func (t *txn) updateGroupTriggerStatesFrom(group string, state schedule.TriggerState, from ...schedule.TriggerState) error {
	args := append([]any{string(state), t.sched, group}, stateArgs(from)...)
	_, err := t.exec(`UPDATE sched_triggers SET trigger_state = ?
		WHERE sched_name = ? AND trigger_group = ? AND trigger_state IN (`+placeholders(len(from))+`)`,
		args...)
	return err
}

func (t *txn) updateAllTriggerStatesFrom(state schedule.TriggerState, from ...schedule.TriggerState) error {
	args := append([]any{string(state), t.sched}, stateArgs(from)...)
	_, err := t.exec(`UPDATE sched_triggers SET trigger_state = ?
		WHERE sched_name = ? AND trigger_state IN (`+placeholders(len(from))+`)`, args...)
	return err
}

func (t *txn) selectTriggerKeys(group string) ([]schedule.Key, error) {
	if group == "" {
		return t.keys(`SELECT trigger_name, trigger_group FROM sched_triggers WHERE sched_name = ?
			ORDER BY trigger_group, trigger_name`, t.sched)
	}
	return t.keys(`SELECT trigger_name, trigger_group FROM sched_triggers WHERE sched_name = ? AND trigger_group = ?
		ORDER BY trigger_group, trigger_name`, t.sched, group)
}

func (t *txn) selectTriggerKeysForJob(jobKey schedule.Key) ([]schedule.Key, error) {
	return t.keys(`SELECT trigger_name, trigger_group FROM sched_triggers
		WHERE sched_name = ? AND job_name = ? AND job_group = ?
		ORDER BY trigger_group, trigger_name`, t.sched, jobKey.Name, jobKey.Group)
}

func (t *txn) selectTriggerKeysInState(state schedule.TriggerState) ([]schedule.Key, error) {
	return t.keys(`SELECT trigger_name, trigger_group FROM sched_triggers
		WHERE sched_name = ? AND trigger_state = ?
		ORDER BY trigger_group, trigger_name`, t.sched, string(state))
}

func (t *txn) countTriggersForJob(jobKey schedule.Key) (int, error) {
	return t.count(`SELECT COUNT(*) FROM sched_triggers WHERE sched_name = ? AND job_name = ? AND job_group = ?`,
		t.sched, jobKey.Name, jobKey.Group)
}

// selectTriggersToAcquire lists WAITING triggers due by noLaterThan in firing
// order. Triggers that fell behind misfireBefore are left to the misfire pass,
// except those that ignore misfires.
func (t *txn) selectTriggersToAcquire(misfireBefore, noLaterThan time.Time, limit int) ([]schedule.Key, error) {
	return t.keys(`SELECT trigger_name, trigger_group FROM sched_triggers
		WHERE sched_name = ? AND trigger_state = ? AND next_fire_time <= ?
		AND (next_fire_time >= ? OR misfire_instr = ?)
		ORDER BY next_fire_time ASC, priority DESC, trigger_group ASC, trigger_name ASC
		LIMIT ?`, t.sched, string(schedule.StateWaiting), toMillis(noLaterThan),
		toMillis(misfireBefore), int(schedule.MisfireIgnore), limit)
}

// selectMisfiredTriggers lists WAITING triggers whose next fire time is older
// than misfireBefore, oldest first.
func (t *txn) selectMisfiredTriggers(misfireBefore time.Time, limit int) ([]schedule.Key, error) {
	return t.keys(`SELECT trigger_name, trigger_group FROM sched_triggers
		WHERE sched_name = ? AND trigger_state = ? AND next_fire_time < ? AND misfire_instr <> ?
		ORDER BY next_fire_time ASC, priority DESC, trigger_group ASC, trigger_name ASC
		LIMIT ?`, t.sched, string(schedule.StateWaiting), toMillis(misfireBefore),
		int(schedule.MisfireIgnore), limit)
}

func (t *txn) selectEarliestFireTime() (*time.Time, error) {
	var next sql.NullInt64
	err := t.queryRow(`SELECT MIN(next_fire_time) FROM sched_triggers WHERE sched_name = ? AND trigger_state = ?`,
		t.sched, string(schedule.StateWaiting)).Scan(&next)
	if err != nil {
		return nil, err
	}
	return timePtr(next), nil
}

// Fired triggers

const firedColumns = "entry_id, trigger_name, trigger_group, job_name, job_group, instance_name, fired_time, sched_time, priority, state, is_nonconcurrent, requests_recovery"

func (t *txn) insertFired(rec *FiredTriggerRecord) error {
	_, err := t.exec(`INSERT INTO sched_fired_triggers (sched_name, `+firedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.sched, rec.EntryID, rec.TriggerKey.Name, rec.TriggerKey.Group, rec.JobKey.Name, rec.JobKey.Group,
		rec.InstanceID, toMillis(rec.FiredTime), toMillis(rec.ScheduledTime), rec.Priority, string(rec.State),
		rec.NonConcurrent, rec.RequestsRecovery)
	return err
}

func (t *txn) updateFired(rec *FiredTriggerRecord) error {
	_, err := t.exec(`UPDATE sched_fired_triggers SET instance_name = ?, fired_time = ?, sched_time = ?,
		state = ?, job_name = ?, job_group = ?, is_nonconcurrent = ?, requests_recovery = ?
		WHERE sched_name = ? AND entry_id = ?`,
		rec.InstanceID, toMillis(rec.FiredTime), toMillis(rec.ScheduledTime), string(rec.State),
		rec.JobKey.Name, rec.JobKey.Group, rec.NonConcurrent, rec.RequestsRecovery,
		t.sched, rec.EntryID)
	return err
}

func (t *txn) deleteFired(entryID string) error {
	_, err := t.exec(`DELETE FROM sched_fired_triggers WHERE sched_name = ? AND entry_id = ?`, t.sched, entryID)
	return err
}

func (t *txn) selectFired(where string, args ...any) ([]*FiredTriggerRecord, error) {
	rows, err := t.query(`SELECT `+firedColumns+` FROM sched_fired_triggers WHERE sched_name = ? AND `+where+`
		ORDER BY fired_time`, append([]any{t.sched}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*FiredTriggerRecord
	for rows.Next() {
		var (
			rec          FiredTriggerRecord
			fired, sched int64
			state        string
		)
		if err := rows.Scan(&rec.EntryID, &rec.TriggerKey.Name, &rec.TriggerKey.Group, &rec.JobKey.Name,
			&rec.JobKey.Group, &rec.InstanceID, &fired, &sched, &rec.Priority, &state,
			&rec.NonConcurrent, &rec.RequestsRecovery); err != nil {
			return nil, err
		}
		rec.FiredTime = fromMillis(fired)
		rec.ScheduledTime = fromMillis(sched)
		rec.State = schedule.FiredState(state)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (t *txn) selectFiredByEntry(entryID string) (*FiredTriggerRecord, error) {
	recs, err := t.selectFired("entry_id = ?", entryID)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (t *txn) selectFiredByInstance(instanceID string) ([]*FiredTriggerRecord, error) {
	return t.selectFired("instance_name = ?", instanceID)
}

func (t *txn) jobExecuting(jobKey schedule.Key) (bool, error) {
	return t.exists(`SELECT COUNT(*) FROM sched_fired_triggers
		WHERE sched_name = ? AND job_name = ? AND job_group = ? AND state = ?`,
		t.sched, jobKey.Name, jobKey.Group, string(schedule.FiredExecuting))
}

func (t *txn) triggerExecuting(key schedule.Key) (bool, error) {
	return t.exists(`SELECT COUNT(*) FROM sched_fired_triggers
		WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ? AND state = ?`,
		t.sched, key.Name, key.Group, string(schedule.FiredExecuting))
}

// jobBlocked reports a non-concurrent execution of jobKey in flight.
func (t *txn) jobBlocked(jobKey schedule.Key) (bool, error) {
	return t.exists(`SELECT COUNT(*) FROM sched_fired_triggers
		WHERE sched_name = ? AND job_name = ? AND job_group = ? AND state = ? AND is_nonconcurrent = ?`,
		t.sched, jobKey.Name, jobKey.Group, string(schedule.FiredExecuting), true)
}

func (t *txn) selectFiredInstances() ([]string, error) {
	return t.stringColumn(`SELECT DISTINCT instance_name FROM sched_fired_triggers WHERE sched_name = ?`, t.sched)
}

// Calendars

func (t *txn) selectCalendar(name string) (calendar.Calendar, error) {
	var data string
	err := t.queryRow(`SELECT calendar FROM sched_calendars WHERE sched_name = ? AND calendar_name = ?`,
		t.sched, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cal, err := calendar.Unmarshal([]byte(data))
	if err != nil {
		return nil, errors.JobPersistencef(err, "decode calendar %q", name)
	}
	return cal, nil
}

func (t *txn) calendarExists(name string) (bool, error) {
	return t.exists(`SELECT COUNT(*) FROM sched_calendars WHERE sched_name = ? AND calendar_name = ?`, t.sched, name)
}

func (t *txn) upsertCalendar(name string, cal calendar.Calendar, exists bool) error {
	data, err := calendar.Marshal(cal)
	if err != nil {
		return errors.Wrapf(err, "encode calendar %q", name)
	}
	if exists {
		_, err = t.exec(`UPDATE sched_calendars SET calendar = ? WHERE sched_name = ? AND calendar_name = ?`,
			string(data), t.sched, name)
		return err
	}
	_, err = t.exec(`INSERT INTO sched_calendars (sched_name, calendar_name, calendar) VALUES (?, ?, ?)`,
		t.sched, name, string(data))
	return err
}

// Paused groups

func (t *txn) pausedGroupExists(group string) (bool, error) {
	return t.exists(`SELECT COUNT(*) FROM sched_paused_trigger_grps WHERE sched_name = ? AND trigger_group = ?`,
		t.sched, group)
}

func (t *txn) insertPausedGroup(group string) error {
	exists, err := t.pausedGroupExists(group)
	if err != nil || exists {
		return err
	}
	_, err = t.exec(`INSERT INTO sched_paused_trigger_grps (sched_name, trigger_group) VALUES (?, ?)`, t.sched, group)
	return err
}

func (t *txn) deletePausedGroup(group string) error {
	_, err := t.exec(`DELETE FROM sched_paused_trigger_grps WHERE sched_name = ? AND trigger_group = ?`, t.sched, group)
	return err
}

// groupPaused reports whether triggers added to group start paused. Under
// PauseAll the group is recorded as paused on first use.
func (t *txn) groupPaused(group string) (bool, error) {
	paused, err := t.pausedGroupExists(group)
	if err != nil || paused {
		return paused, err
	}
	all, err := t.pausedGroupExists(AllGroupsPaused)
	if err != nil || !all {
		return false, err
	}
	return true, t.insertPausedGroup(group)
}

// Scheduler state

type schedulerStateRecord struct {
	InstanceID      string
	LastCheckin     time.Time
	CheckinInterval time.Duration
}

func (t *txn) selectSchedulerStates() ([]schedulerStateRecord, error) {
	rows, err := t.query(`SELECT instance_name, last_checkin_time, checkin_interval
		FROM sched_scheduler_state WHERE sched_name = ?`, t.sched)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schedulerStateRecord
	for rows.Next() {
		var (
			rec               schedulerStateRecord
			checkin, interval int64
		)
		if err := rows.Scan(&rec.InstanceID, &checkin, &interval); err != nil {
			return nil, err
		}
		rec.LastCheckin = fromMillis(checkin)
		rec.CheckinInterval = time.Duration(interval) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *txn) upsertSchedulerState(instanceID string, checkin time.Time, interval time.Duration) error {
	n, err := t.execCount(`UPDATE sched_scheduler_state SET last_checkin_time = ?, checkin_interval = ?
		WHERE sched_name = ? AND instance_name = ?`,
		toMillis(checkin), interval.Milliseconds(), t.sched, instanceID)
	if err != nil || n > 0 {
		return err
	}
	_, err = t.exec(`INSERT INTO sched_scheduler_state (sched_name, instance_name, last_checkin_time, checkin_interval)
		VALUES (?, ?, ?, ?)`, t.sched, instanceID, toMillis(checkin), interval.Milliseconds())
	return err
}

func (t *txn) deleteSchedulerState(instanceID string) error {
	_, err := t.exec(`DELETE FROM sched_scheduler_state WHERE sched_name = ? AND instance_name = ?`, t.sched, instanceID)
	return err
}

// Locks

func (t *txn) insertLockRow(lockName string) error {
	_, err := t.exec(`INSERT INTO sched_locks (sched_name, lock_name) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		t.sched, lockName)
	return err
}

func (t *txn) clearAll() error {
	for _, table := range []string{
		"sched_fired_triggers", "sched_triggers", "sched_jobs",
		"sched_calendars", "sched_paused_trigger_grps",
	} {
		if _, err := t.exec(`DELETE FROM `+table+` WHERE sched_name = ?`, t.sched); err != nil {
			return errors.Wrapf(err, "clear %s", table)
		}
	}
	return nil
}
