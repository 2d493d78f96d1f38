package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// CreateRun inserts a new audit run in the running state.
func (s *Store) CreateRun(r Run) error {
	manifest := r.ManifestJSON
	if manifest == "" {
		manifest = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, agent, model, manifest_json, status, created_at)
		VALUES (?, ?, ?, ?, 'running', ?)`,
		r.ID, r.Agent, r.Model, manifest, formatTime(s.now()),
	)
	return err
}

// LogToolCall appends a tool call event. input and output are stored as JSON.
func (s *Store) LogToolCall(runID, tool string, input, output any, ok bool) error {
	in, err := marshalOptional(input)
	if err != nil {
		return fmt.Errorf("encoding %s input: %w", tool, err)
	}
	out, err := marshalOptional(output)
	if err != nil {
		return fmt.Errorf("encoding %s output: %w", tool, err)
	}
	return s.insertEvent(runID, "tool_call", tool, in, out, ok)
}

// LogArtifact stores a named text artifact produced during the run.
func (s *Store) LogArtifact(runID, name, content string) error {
	out, err := json.Marshal(content)
	if err != nil {
		return err
	}
	return s.insertEvent(runID, "artifact", name, sql.NullString{}, sql.NullString{String: string(out), Valid: true}, true)
}

func (s *Store) insertEvent(runID, kind, name string, in, out sql.NullString, ok bool) error {
	_, err := s.db.Exec(`
		INSERT INTO run_events (run_id, kind, name, input_json, output_json, ok, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, kind, name, in, out, ok, formatTime(s.now()),
	)
	return err
}

// CompleteRun marks a run finished with status "ok" or "failed".
func (s *Store) CompleteRun(runID, status, errMsg string) error {
	var e sql.NullString
	if errMsg != "" {
		e = sql.NullString{String: errMsg, Valid: true}
	}
	res, err := s.db.Exec(`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, e, formatTime(s.now()), runID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// GetRun returns a run with its events in insertion order.
func (s *Store) GetRun(id string) (Run, error) {
	var r Run
	var createdAt string
	var completedAt, errMsg sql.NullString
	err := s.db.QueryRow(`
		SELECT id, agent, model, manifest_json, status, error, created_at, completed_at
		FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Agent, &r.Model, &r.ManifestJSON, &r.Status, &errMsg, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	r.Error = errMsg.String
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Run{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if completedAt.Valid {
		if r.CompletedAt, err = parseTime(completedAt.String); err != nil {
			return Run{}, fmt.Errorf("parsing completed_at: %w", err)
		}
	}

	rows, err := s.db.Query(`
		SELECT id, kind, name, input_json, output_json, ok, created_at
		FROM run_events WHERE run_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return Run{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var ev RunEvent
		var in, out sql.NullString
		var at string
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Name, &in, &out, &ev.OK, &at); err != nil {
			return Run{}, err
		}
		ev.InputJSON = in.String
		ev.OutputJSON = out.String
		if ev.CreatedAt, err = parseTime(at); err != nil {
			return Run{}, fmt.Errorf("parsing event created_at: %w", err)
		}
		r.Events = append(r.Events, ev)
	}
	return r, rows.Err()
}

func marshalOptional(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
