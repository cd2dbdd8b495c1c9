// Package store implements the Task Projection Store of spec.md §4.4 (C4):
// an embedded single-file relational cache (TaskIdMap) of the minimal task
// shape, the due-candidate and group-status queries, and the mirror-write
// statements the chaser loop depends on. Schema and query shape follow the
// teacher's own sqlite wrapper (pkg/skills/monitor/db.go), generalized from
// a single flat table to the TaskIdMap projection.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS TaskIdMap (
	TaskId               INTEGER PRIMARY KEY AUTOINCREMENT,
	SpItemId             TEXT,
	ListKey              TEXT,
	CustomerId           TEXT NOT NULL,
	PhaseName            TEXT,
	TaskName             TEXT,
	WorkflowId           TEXT,
	CorrelationId        TEXT,
	CategoryKey          TEXT,
	AnchorDateType       TEXT,
	StartOffsetDays      INTEGER,
	Region               TEXT,
	TeamId               TEXT,
	ChannelId            TEXT,
	RootMessageId        TEXT,
	LastMessageId        TEXT,
	State                TEXT NOT NULL DEFAULT 'reserved',
	Status               TEXT,
	AckVersion           INTEGER NOT NULL DEFAULT 0,
	AckExpiresUtc        TEXT,
	NextChaseAtUtcCached TEXT,
	LastChaseAtUtc       TEXT,
	CreatedUtc           TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ix_taskidmap_spitemid ON TaskIdMap (SpItemId) WHERE SpItemId IS NOT NULL;
CREATE INDEX IF NOT EXISTS ix_taskidmap_correlationid ON TaskIdMap (CorrelationId);
CREATE INDEX IF NOT EXISTS ix_taskidmap_dims ON TaskIdMap (CustomerId, PhaseName, TaskName, WorkflowId);
CREATE INDEX IF NOT EXISTS ix_taskidmap_channel ON TaskIdMap (TeamId, ChannelId);
CREATE INDEX IF NOT EXISTS ix_taskidmap_nextchase ON TaskIdMap (NextChaseAtUtcCached);
CREATE INDEX IF NOT EXISTS ix_taskidmap_ackexpires ON TaskIdMap (AckExpiresUtc);
`

// timeLayout is the ISO-8601-with-offset round-trip format spec.md §4.4
// mandates for all stored time values.
const timeLayout = time.RFC3339Nano

// Task is the full TaskIdMap projection (spec.md §3).
type Task struct {
	TaskId               int64
	SpItemId             sql.NullString
	ListKey              string
	CustomerId           string
	PhaseName            string
	TaskName             string
	WorkflowId           string
	CorrelationId        string
	CategoryKey          string
	AnchorDateType       string
	StartOffsetDays      int
	Region               string
	TeamId               string
	ChannelId            string
	RootMessageId        string
	LastMessageId        string
	State                string
	Status               sql.NullString
	AckVersion           int
	AckExpiresUtc        sql.NullTime
	NextChaseAtUtcCached sql.NullTime
	LastChaseAtUtc       sql.NullTime
	CreatedUtc           time.Time
}

// GroupStatus is one row of the group-status query (spec.md §4.4) that
// powers the sequential gate (§4.7).
type GroupStatus struct {
	TaskId          int64
	TaskName        string
	Status          sql.NullString
	StartOffsetDays int
}

// Store wraps the embedded relational store holding TaskIdMap.
type Store struct {
	db *sql.DB
}

// New migrates the TaskIdMap schema against db and returns a Store.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate TaskIdMap: %w", err)
	}
	return &Store{db: db}, nil
}

func nullTimeString(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return t.Time.UTC().Format(timeLayout)
}

// Reserve creates a new row in state "reserved" with its dimensional keys,
// per the Reserve lifecycle step of spec.md §3.
func (s *Store) Reserve(customerId, listKey, phaseName, taskName, workflowId, correlationId string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO TaskIdMap (ListKey, CustomerId, PhaseName, TaskName, WorkflowId, CorrelationId, State, CreatedUtc)
		VALUES (?, ?, ?, ?, ?, ?, 'reserved', ?)
	`, listKey, customerId, phaseName, taskName, workflowId, correlationId, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("reserve task: %w", err)
	}
	return res.LastInsertId()
}

// Link transitions a reserved row to "linked" once the system-of-record
// item id is known (spec.md §3 Link lifecycle step).
func (s *Store) Link(taskId int64, spItemId, categoryKey, anchorDateType string, startOffsetDays int, region, teamId, channelId string) error {
	res, err := s.db.Exec(`
		UPDATE TaskIdMap
		SET SpItemId = ?, CategoryKey = ?, AnchorDateType = ?, StartOffsetDays = ?, Region = ?, TeamId = ?, ChannelId = ?, State = 'linked'
		WHERE TaskId = ? AND State = 'reserved'
	`, spItemId, categoryKey, anchorDateType, startOffsetDays, region, teamId, channelId, taskId)
	if err != nil {
		return fmt.Errorf("link task %d: %w", taskId, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("link task %d: %w", taskId, err)
	}
	if affected == 0 {
		return fmt.Errorf("link task %d: no reserved row found", taskId)
	}
	return nil
}

// DueCandidates is the due-candidate query of spec.md §4.4.
func (s *Store) DueCandidates(now time.Time, batchSize int) ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT TaskId, SpItemId, ListKey, CustomerId, PhaseName, TaskName, WorkflowId, CorrelationId,
		       CategoryKey, AnchorDateType, StartOffsetDays, Region, TeamId, ChannelId,
		       RootMessageId, LastMessageId, State, Status, AckVersion,
		       AckExpiresUtc, NextChaseAtUtcCached, LastChaseAtUtc, CreatedUtc
		FROM TaskIdMap
		WHERE NextChaseAtUtcCached IS NOT NULL
		  AND NextChaseAtUtcCached <= ?
		  AND (Status IS NULL OR Status <> 'Completed')
		ORDER BY NextChaseAtUtcCached ASC
		LIMIT ?
	`, now.UTC().Format(timeLayout), batchSize)
	if err != nil {
		return nil, fmt.Errorf("due candidates query: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due candidate: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (Task, error) {
	var t Task
	var ackExpires, nextChase, lastChase, created sql.NullString

	err := row.Scan(
		&t.TaskId, &t.SpItemId, &t.ListKey, &t.CustomerId, &t.PhaseName, &t.TaskName, &t.WorkflowId, &t.CorrelationId,
		&t.CategoryKey, &t.AnchorDateType, &t.StartOffsetDays, &t.Region, &t.TeamId, &t.ChannelId,
		&t.RootMessageId, &t.LastMessageId, &t.State, &t.Status, &t.AckVersion,
		&ackExpires, &nextChase, &lastChase, &created,
	)
	if err != nil {
		return Task{}, err
	}

	t.AckExpiresUtc = parseNullTime(ackExpires)
	t.NextChaseAtUtcCached = parseNullTime(nextChase)
	t.LastChaseAtUtc = parseNullTime(lastChase)
	if created.Valid {
		if parsed, err := time.Parse(timeLayout, created.String); err == nil {
			t.CreatedUtc = parsed
		}
	}
	return t, nil
}

func parseNullTime(s sql.NullString) sql.NullTime {
	if !s.Valid || s.String == "" {
		return sql.NullTime{}
	}
	parsed, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: parsed, Valid: true}
}

// GroupStatuses is the group-status query of spec.md §4.4, powering the
// sequential gate (§4.7).
func (s *Store) GroupStatuses(customerId, categoryKey, anchorDateType string, startOffsetDays int) ([]GroupStatus, error) {
	rows, err := s.db.Query(`
		SELECT TaskId, TaskName, Status, StartOffsetDays
		FROM TaskIdMap
		WHERE CustomerId = ? AND CategoryKey = ? AND AnchorDateType = ? AND StartOffsetDays = ? AND State = 'linked'
		ORDER BY TaskName ASC
	`, customerId, categoryKey, anchorDateType, startOffsetDays)
	if err != nil {
		return nil, fmt.Errorf("group status query: %w", err)
	}
	defer rows.Close()

	var out []GroupStatus
	for rows.Next() {
		var g GroupStatus
		if err := rows.Scan(&g.TaskId, &g.TaskName, &g.Status, &g.StartOffsetDays); err != nil {
			return nil, fmt.Errorf("scan group status: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateStatus mirrors a freshly observed SoR status (spec.md §4.4).
func (s *Store) UpdateStatus(taskId int64, status string) error {
	_, err := s.db.Exec(`UPDATE TaskIdMap SET Status = ? WHERE TaskId = ?`, status, taskId)
	if err != nil {
		return fmt.Errorf("update status for task %d: %w", taskId, err)
	}
	return nil
}

// UpdateNextChaseAtUtcCached mirrors a recomputed schedule with no other
// change, e.g. the out-of-window reschedule of spec.md §4.7 step 5.
func (s *Store) UpdateNextChaseAtUtcCached(taskId int64, nextUtc time.Time) error {
	_, err := s.db.Exec(`UPDATE TaskIdMap SET NextChaseAtUtcCached = ? WHERE TaskId = ?`,
		nextUtc.UTC().Format(timeLayout), taskId)
	if err != nil {
		return fmt.Errorf("update next chase for task %d: %w", taskId, err)
	}
	return nil
}

// RotateAck performs the atomic mirror of spec.md §4.4/§4.7 step 8:
// (AckVersion, AckExpiresUtc, LastChaseAtUtc, NextChaseAtUtcCached) as a
// single row update.
func (s *Store) RotateAck(taskId int64, ackVersion int, ackExpiresUtc, lastChaseAtUtc, nextChaseAtUtcCached time.Time) error {
	_, err := s.db.Exec(`
		UPDATE TaskIdMap
		SET AckVersion = ?, AckExpiresUtc = ?, LastChaseAtUtc = ?, NextChaseAtUtcCached = ?
		WHERE TaskId = ?
	`, ackVersion, ackExpiresUtc.UTC().Format(timeLayout), lastChaseAtUtc.UTC().Format(timeLayout),
		nextChaseAtUtcCached.UTC().Format(timeLayout), taskId)
	if err != nil {
		return fmt.Errorf("rotate ack for task %d: %w", taskId, err)
	}
	return nil
}

// UpdateMessageIds mirrors the chat coordinates after a post, including the
// new-root fallback of spec.md §4.6.
func (s *Store) UpdateMessageIds(taskId int64, rootMessageId, lastMessageId string) error {
	_, err := s.db.Exec(`UPDATE TaskIdMap SET RootMessageId = ?, LastMessageId = ? WHERE TaskId = ?`,
		rootMessageId, lastMessageId, taskId)
	if err != nil {
		return fmt.Errorf("update message ids for task %d: %w", taskId, err)
	}
	return nil
}

// UpdateCategory mirrors a reconciliation refresh of the dimensional
// category/offset fields (spec.md §3 "Mutate").
func (s *Store) UpdateCategory(taskId int64, categoryKey string, startOffsetDays int) error {
	_, err := s.db.Exec(`UPDATE TaskIdMap SET CategoryKey = ?, StartOffsetDays = ? WHERE TaskId = ?`,
		categoryKey, startOffsetDays, taskId)
	if err != nil {
		return fmt.Errorf("update category for task %d: %w", taskId, err)
	}
	return nil
}

// AckVersionOf returns the currently recorded AckVersion for taskId, used
// by C3's verifier to apply the v >= AckVersion-1 rule.
func (s *Store) AckVersionOf(taskId int64) (int, error) {
	var v int
	err := s.db.QueryRow(`SELECT AckVersion FROM TaskIdMap WHERE TaskId = ?`, taskId).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("ack version for task %d: %w", taskId, err)
	}
	return v, nil
}

// ItemCoordinatesForTask resolves the (ListKey, SpItemId) pair for taskId,
// used by the ack handler to call C5.MarkCompleted against the new §4.3
// payload shape (which only carries a local TaskId, not the SoR coordinates).
func (s *Store) ItemCoordinatesForTask(taskId int64) (listId, itemId string, err error) {
	var spItemId sql.NullString
	err = s.db.QueryRow(`SELECT ListKey, SpItemId FROM TaskIdMap WHERE TaskId = ?`, taskId).Scan(&listId, &spItemId)
	if err != nil {
		return "", "", fmt.Errorf("item coordinates for task %d: %w", taskId, err)
	}
	return listId, spItemId.String, nil
}

// Checkpoint issues a wal_checkpoint in the given mode (spec.md §4.4
// Maintenance: TRUNCATE|FULL|RESTART|PASSIVE). Failure to checkpoint is
// never fatal; callers are expected to log and continue.
func (s *Store) Checkpoint(mode string) error {
	_, err := s.db.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
	if err != nil {
		return fmt.Errorf("wal_checkpoint(%s): %w", mode, err)
	}
	return nil
}
