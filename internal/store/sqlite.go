// Package store persists events, artifact builds and compose attachments
// in sqlite. It is the only implementation of state.Store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opsforge/rebuildd/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id    TEXT NOT NULL UNIQUE,
	search_key    TEXT NOT NULL,
	kind          TEXT NOT NULL,
	state         TEXT NOT NULL,
	state_reason  TEXT NOT NULL DEFAULT '',
	time_created  TIMESTAMP NOT NULL,
	time_done     TIMESTAMP
);

CREATE TABLE IF NOT EXISTS artifact_builds (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id      INTEGER NOT NULL REFERENCES events(id),
	name          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	state         TEXT NOT NULL,
	state_reason  TEXT NOT NULL DEFAULT '',
	dep_on        INTEGER REFERENCES artifact_builds(id),
	original_nvr  TEXT NOT NULL,
	rebuilt_nvr   TEXT NOT NULL,
	task_id       INTEGER NOT NULL DEFAULT 0,
	build_args    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_builds_event ON artifact_builds(event_id);
CREATE INDEX IF NOT EXISTS idx_builds_task ON artifact_builds(task_id);

CREATE TABLE IF NOT EXISTS composes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	compose_id  INTEGER NOT NULL UNIQUE,
	ready       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS build_composes (
	build_id    INTEGER NOT NULL REFERENCES artifact_builds(id),
	compose_id  INTEGER NOT NULL REFERENCES composes(id),
	PRIMARY KEY (build_id, compose_id)
);
`

// SQLite implements state.Store on a local sqlite database.
type SQLite struct {
	db *sql.DB
}

// Open opens (and creates if needed) the database at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// sqlite allows one writer; serialize access at the pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) GetOrCreateEvent(ctx context.Context, messageID, searchKey, kind string) (*state.Event, bool, error) {
	ev, err := s.eventBy(ctx, "message_id = ?", messageID)
	if err == nil {
		return ev, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (message_id, search_key, kind, state, time_created) VALUES (?, ?, ?, ?, ?)`,
		messageID, searchKey, kind, string(state.EventStateInitialized), now)
	if err != nil {
		return nil, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}
	return &state.Event{
		ID:          id,
		MessageID:   messageID,
		SearchKey:   searchKey,
		Kind:        kind,
		State:       state.EventStateInitialized,
		TimeCreated: now,
	}, true, nil
}

func (s *SQLite) EventByID(ctx context.Context, id int64) (*state.Event, error) {
	ev, err := s.eventBy(ctx, "id = ?", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %d not found", id)
	}
	return ev, err
}

func (s *SQLite) eventBy(ctx context.Context, where string, arg any) (*state.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, search_key, kind, state, state_reason, time_created, time_done
		 FROM events WHERE `+where, arg)
	return scanEvent(row)
}

func (s *SQLite) UpdateEventState(ctx context.Context, id int64, st state.EventState, reason string) error {
	var done any
	if st.Terminal() {
		done = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET state = ?, state_reason = ?, time_done = COALESCE(?, time_done) WHERE id = ?`,
		string(st), reason, done, id)
	return err
}

func (s *SQLite) ListEvents(ctx context.Context) ([]*state.Event, error) {
	return s.events(ctx, `SELECT id, message_id, search_key, kind, state, state_reason, time_created, time_done
		FROM events ORDER BY id DESC`)
}

func (s *SQLite) UnfinishedEvents(ctx context.Context) ([]*state.Event, error) {
	return s.events(ctx, `SELECT id, message_id, search_key, kind, state, state_reason, time_created, time_done
		FROM events WHERE state IN (?, ?) ORDER BY id`,
		string(state.EventStateInitialized), string(state.EventStateBuilding))
}

func (s *SQLite) events(ctx context.Context, query string, args ...any) ([]*state.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*state.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*state.Event, error) {
	var ev state.Event
	var reason sql.NullString
	var done sql.NullTime
	err := r.Scan(&ev.ID, &ev.MessageID, &ev.SearchKey, &ev.Kind, &ev.State, &reason, &ev.TimeCreated, &done)
	if err != nil {
		return nil, err
	}
	ev.StateReason = reason.String
	if done.Valid {
		t := done.Time
		ev.TimeDone = &t
	}
	return &ev, nil
}

func (s *SQLite) CreateBuild(ctx context.Context, b *state.ArtifactBuild) error {
	args, err := json.Marshal(b.Args)
	if err != nil {
		return err
	}
	var depOn any
	if b.DepOnID != nil {
		depOn = *b.DepOnID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifact_builds (event_id, name, kind, state, state_reason, dep_on, original_nvr, rebuilt_nvr, task_id, build_args)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.EventID, b.Name, b.Kind, string(b.State), b.StateReason, depOn, b.OriginalNVR, b.RebuiltNVR, b.TaskID, string(args))
	if err != nil {
		return err
	}
	b.ID, err = res.LastInsertId()
	return err
}

const buildColumns = `b.id, b.event_id, b.name, b.kind, b.state, b.state_reason, b.dep_on,
	b.original_nvr, b.rebuilt_nvr, b.task_id, b.build_args`

func (s *SQLite) BuildByID(ctx context.Context, id int64) (*state.ArtifactBuild, error) {
	builds, err := s.builds(ctx, `SELECT `+buildColumns+` FROM artifact_builds b WHERE b.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(builds) == 0 {
		return nil, fmt.Errorf("build %d not found", id)
	}
	return builds[0], nil
}

func (s *SQLite) BuildByTaskID(ctx context.Context, taskID int64) (*state.ArtifactBuild, error) {
	builds, err := s.builds(ctx, `SELECT `+buildColumns+` FROM artifact_builds b WHERE b.task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	if len(builds) == 0 {
		return nil, nil
	}
	if len(builds) > 1 {
		return nil, fmt.Errorf("duplicate builds for task %d", taskID)
	}
	return builds[0], nil
}

func (s *SQLite) BuildsByIDs(ctx context.Context, ids []int64) ([]*state.ArtifactBuild, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.builds(ctx, `SELECT `+buildColumns+` FROM artifact_builds b WHERE b.id IN (`+ph+`) ORDER BY b.id`, args...)
}

func (s *SQLite) BuildsByEvent(ctx context.Context, eventID int64) ([]*state.ArtifactBuild, error) {
	return s.builds(ctx, `SELECT `+buildColumns+` FROM artifact_builds b WHERE b.event_id = ? ORDER BY b.id`, eventID)
}

func (s *SQLite) BuildsDependingOn(ctx context.Context, buildID int64) ([]*state.ArtifactBuild, error) {
	return s.builds(ctx, `SELECT `+buildColumns+` FROM artifact_builds b WHERE b.dep_on = ? ORDER BY b.id`, buildID)
}

func (s *SQLite) BuildsWaitingForCompose(ctx context.Context, composeID int64) ([]*state.ArtifactBuild, error) {
	return s.builds(ctx, `SELECT `+buildColumns+` FROM artifact_builds b
		JOIN build_composes bc ON bc.build_id = b.id
		JOIN composes c ON c.id = bc.compose_id
		WHERE c.compose_id = ? AND b.state = ? ORDER BY b.id`,
		composeID, string(state.BuildStatePlanned))
}

func (s *SQLite) builds(ctx context.Context, query string, args ...any) ([]*state.ArtifactBuild, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*state.ArtifactBuild
	for rows.Next() {
		var b state.ArtifactBuild
		var reason sql.NullString
		var depOn sql.NullInt64
		var rawArgs string
		err := rows.Scan(&b.ID, &b.EventID, &b.Name, &b.Kind, &b.State, &reason, &depOn,
			&b.OriginalNVR, &b.RebuiltNVR, &b.TaskID, &rawArgs)
		if err != nil {
			return nil, err
		}
		b.StateReason = reason.String
		if depOn.Valid {
			v := depOn.Int64
			b.DepOnID = &v
		}
		if err := json.Unmarshal([]byte(rawArgs), &b.Args); err != nil {
			return nil, fmt.Errorf("decoding build args of build %d: %w", b.ID, err)
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, b := range out {
		if err := s.loadComposes(ctx, b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLite) loadComposes(ctx context.Context, b *state.ArtifactBuild) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.compose_id, c.ready FROM composes c
		 JOIN build_composes bc ON bc.compose_id = c.id
		 WHERE bc.build_id = ? ORDER BY c.id`, b.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	b.Composes = nil
	for rows.Next() {
		var c state.Compose
		if err := rows.Scan(&c.ID, &c.ComposeID, &c.Ready); err != nil {
			return err
		}
		b.Composes = append(b.Composes, c)
	}
	return rows.Err()
}

func (s *SQLite) UpdateBuildState(ctx context.Context, id int64, st state.BuildState, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE artifact_builds SET state = ?, state_reason = ? WHERE id = ?`, string(st), reason, id)
	return err
}

func (s *SQLite) UpdateBuildArgs(ctx context.Context, id int64, args state.BuildArgs) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE artifact_builds SET build_args = ? WHERE id = ?`, string(raw), id)
	return err
}

func (s *SQLite) SetBuildTask(ctx context.Context, id, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE artifact_builds SET task_id = ? WHERE id = ?`, taskID, id)
	return err
}

func (s *SQLite) AttachCompose(ctx context.Context, buildID, composeID int64, ready bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO composes (compose_id, ready) VALUES (?, ?)
		 ON CONFLICT(compose_id) DO UPDATE SET ready = MAX(ready, excluded.ready)`,
		composeID, ready); err != nil {
		return err
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM composes WHERE compose_id = ?`, composeID).Scan(&id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO build_composes (build_id, compose_id) VALUES (?, ?)`, buildID, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) MarkComposeReady(ctx context.Context, composeID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE composes SET ready = 1 WHERE compose_id = ?`, composeID)
	return err
}
