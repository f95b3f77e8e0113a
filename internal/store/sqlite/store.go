package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"octopilot/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	arena_id TEXT NOT NULL,
	box_name TEXT NOT NULL,
	mouse_name TEXT NOT NULL,
	task_name TEXT NOT NULL,
	spec TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER NULL,
	reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_arena ON sessions(arena_id, started_at);

CREATE TABLE IF NOT EXISTS trial_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	arena_id TEXT NOT NULL,
	trial INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER NOT NULL,
	goal_port TEXT NOT NULL,
	rewarded_ports TEXT NOT NULL,
	outcome TEXT NOT NULL,
	sound_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	UNIQUE(session_id, trial),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_trial_records_arena ON trial_records(arena_id, started_at);

CREATE TABLE IF NOT EXISTS trial_pokes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trial_id INTEGER NOT NULL,
	port TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	poked_at INTEGER NOT NULL,
	FOREIGN KEY(trial_id) REFERENCES trial_records(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_trial_pokes_trial ON trial_pokes(trial_id, poked_at);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	arena_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_arena ON decision_log(arena_id, created_at);
`

// Store is the session journal. Timestamps are kept as unix milliseconds.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	spec := string(session.Spec)
	if spec == "" {
		spec = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions(id, arena_id, box_name, mouse_name, task_name, spec, started_at, ended_at, reason)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.ArenaID, session.BoxName, session.MouseName, session.TaskName, spec,
		session.StartedAt.UnixMilli(), nullableMilli(session.EndedAt), session.Reason,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID, reason string, endedAt time.Time) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET ended_at = ?, reason = ? WHERE id = ? AND ended_at IS NULL`,
		endedAt.UnixMilli(), reason, sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end session %s: %w", sessionID, sql.ErrNoRows)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, arena_id, box_name, mouse_name, task_name, spec, started_at, ended_at, reason
		FROM sessions WHERE id = ?`,
		sessionID,
	)
	sess, err := scanSession(row)
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the most recent sessions of an arena first.
func (s *Store) ListSessions(ctx context.Context, arenaID string, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, arena_id, box_name, mouse_name, task_name, spec, started_at, ended_at, reason
		FROM sessions
		WHERE arena_id = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		arenaID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}

// AppendTrial stores one closed trial and its pokes atomically.
func (s *Store) AppendTrial(ctx context.Context, rec domain.TrialRecord) error {
	rewarded, err := json.Marshal(rec.RewardedPorts)
	if err != nil {
		return fmt.Errorf("marshal rewarded ports: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append trial tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO trial_records(
			session_id, arena_id, trial, started_at, ended_at, goal_port,
			rewarded_ports, outcome, sound_id, reason
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.ArenaID, rec.Trial, rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(), rec.GoalPort,
		string(rewarded), string(rec.Outcome), rec.SoundID, rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert trial %d: %w", rec.Trial, err)
	}
	trialID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("trial row id: %w", err)
	}
	for _, p := range rec.Pokes {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO trial_pokes(trial_id, port, agent_id, channel, poked_at) VALUES(?, ?, ?, ?, ?)`,
			trialID, p.Port, p.AgentID, string(p.Channel), p.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert poke: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append trial tx: %w", err)
	}
	return nil
}

// ListTrials returns the trials of a session in order.
func (s *Store) ListTrials(ctx context.Context, sessionID string) ([]domain.TrialRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, session_id, arena_id, trial, started_at, ended_at, goal_port,
			rewarded_ports, outcome, sound_id, reason
		FROM trial_records
		WHERE session_id = ?
		ORDER BY trial ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	result := make([]domain.TrialRecord, 0)
	for rows.Next() {
		var rec domain.TrialRecord
		var id, started, ended int64
		var rewarded, outcome string
		if err := rows.Scan(
			&id, &rec.SessionID, &rec.ArenaID, &rec.Trial, &started, &ended, &rec.GoalPort,
			&rewarded, &outcome, &rec.SoundID, &rec.Reason,
		); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		if err := json.Unmarshal([]byte(rewarded), &rec.RewardedPorts); err != nil {
			return nil, fmt.Errorf("decode rewarded ports of trial %d: %w", rec.Trial, err)
		}
		rec.StartedAt = milliToTime(started)
		rec.EndedAt = milliToTime(ended)
		rec.Outcome = domain.Outcome(outcome)
		ids = append(ids, id)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trials: %w", err)
	}
	rows.Close()

	for i, id := range ids {
		pokes, err := s.listPokes(ctx, id)
		if err != nil {
			return nil, err
		}
		result[i].Pokes = pokes
	}
	return result, nil
}

func (s *Store) listPokes(ctx context.Context, trialID int64) ([]domain.PokeRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT port, agent_id, channel, poked_at FROM trial_pokes WHERE trial_id = ? ORDER BY id ASC`,
		trialID,
	)
	if err != nil {
		return nil, fmt.Errorf("list pokes: %w", err)
	}
	defer rows.Close()

	var result []domain.PokeRecord
	for rows.Next() {
		var p domain.PokeRecord
		var channel string
		var at int64
		if err := rows.Scan(&p.Port, &p.AgentID, &channel, &at); err != nil {
			return nil, fmt.Errorf("scan poke: %w", err)
		}
		p.Channel = domain.Channel(channel)
		p.Timestamp = milliToTime(at)
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pokes: %w", err)
	}
	return result, nil
}

// OutcomeCounts tallies the outcomes of a session.
func (s *Store) OutcomeCounts(ctx context.Context, sessionID string) (map[domain.Outcome]int, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT outcome, COUNT(1) FROM trial_records WHERE session_id = ? GROUP BY outcome`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	result := make(map[domain.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		result[domain.Outcome(outcome)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome counts: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(arena_id, session_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.ArenaID, entry.SessionID, entry.Actor, entry.Action, entry.Reason, payload, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// ListDecisions returns the newest decisions of an arena first.
func (s *Store) ListDecisions(ctx context.Context, arenaID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, arena_id, session_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE arena_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		arenaID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.ArenaID, &item.SessionID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = milliToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (domain.Session, error) {
	var sess domain.Session
	var spec string
	var started int64
	var ended sql.NullInt64
	if err := row.Scan(
		&sess.ID, &sess.ArenaID, &sess.BoxName, &sess.MouseName, &sess.TaskName, &spec,
		&started, &ended, &sess.Reason,
	); err != nil {
		return domain.Session{}, err
	}
	sess.Spec = json.RawMessage(spec)
	sess.StartedAt = milliToTime(started)
	sess.EndedAt = nullMilliToTimePtr(ended)
	return sess, nil
}

func nullMilliToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := milliToTime(v.Int64)
	return &t
}

func milliToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}
