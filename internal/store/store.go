// internal/store/store.go
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"council/internal/council"
)

// ErrNotFound is returned by Get for an unknown ID
var ErrNotFound = errors.New("result not found")

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Record is one row of the history listing
type Record struct {
	ID             string
	Question       string
	Chairman       string
	TopModel       string
	AgreementScore float64
	EarlyExit      bool
	Succeeded      bool
	CreatedAt      time.Time
}

// Open opens (creating if needed) the results database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		question TEXT NOT NULL,
		chairman TEXT,
		top_model TEXT,
		agreement REAL DEFAULT 0,
		early_exit INTEGER DEFAULT 0,
		succeeded INTEGER DEFAULT 0,
		body TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_created ON results(created_at);

	CREATE TABLE IF NOT EXISTS failures (
		result_id TEXT NOT NULL REFERENCES results(id),
		call TEXT NOT NULL,
		error TEXT NOT NULL,
		PRIMARY KEY (result_id, call)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists a result, replacing any earlier copy with the same ID.
// Partial results from failed deliberations are stored too.
func (s *Store) Save(result *council.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	summary := result.Summarize()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO results (id, question, chairman, top_model, agreement, early_exit, succeeded, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.Question, result.Chairman, summary.TopModel, summary.AgreementScore,
		summary.EarlyExit, result.Succeeded(), string(body), s.createdAt(result),
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", result.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM failures WHERE result_id = ?`, result.ID); err != nil {
		return err
	}
	for call, msg := range result.Failures {
		if _, err := tx.Exec(
			`INSERT INTO failures (result_id, call, error) VALUES (?, ?, ?)`,
			result.ID, call, msg,
		); err != nil {
			return fmt.Errorf("save failure %s: %w", call, err)
		}
	}

	return tx.Commit()
}

func (s *Store) createdAt(result *council.Result) time.Time {
	if !result.Timing.StartedAt.IsZero() {
		return result.Timing.StartedAt.UTC()
	}
	return s.now().UTC()
}

// Get loads a full result by ID or by an unambiguous ID prefix
func (s *Store) Get(id string) (*council.Result, error) {
	body, err := s.body(id)
	if err != nil {
		return nil, err
	}

	var result council.Result
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", id, err)
	}
	return &result, nil
}

func (s *Store) body(id string) (string, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM results WHERE id = ?`, id).Scan(&body)
	if err == nil {
		return body, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	rows, err := s.db.Query(`SELECT body FROM results WHERE id LIKE ? ESCAPE '\' LIMIT 2`, escapeLike(id)+"%")
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var matches []string
	for rows.Next() {
		if err := rows.Scan(&body); err != nil {
			return "", err
		}
		matches = append(matches, body)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous result id prefix %q", id)
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

// List returns the newest results first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]Record, error) {
	query := `SELECT id, question, chairman, top_model, agreement, early_exit, succeeded, created_at
		 FROM results ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var chairman, top sql.NullString
		if err := rows.Scan(&r.ID, &r.Question, &chairman, &top, &r.AgreementScore, &r.EarlyExit, &r.Succeeded, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Chairman = chairman.String
		r.TopModel = top.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// FailureCounts tallies recorded call failures per model across all results
func (s *Store) FailureCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT call FROM failures`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var call string
		if err := rows.Scan(&call); err != nil {
			return nil, err
		}
		counts[council.FailureModel(call)]++
	}
	return counts, rows.Err()
}

// Delete removes a result and its failures
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM failures WHERE result_id = ?`, id); err != nil {
		return err
	}
	res, err := s.db.Exec(`DELETE FROM results WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
