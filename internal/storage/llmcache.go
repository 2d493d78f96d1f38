package storage

import (
	"database/sql"
	"errors"
)

// GetLLMResponse returns a cached model response or ErrNotFound.
func (s *Store) GetLLMResponse(key string) (string, error) {
	var resp string
	err := s.db.QueryRow(`SELECT response FROM llm_cache WHERE key = ?`, key).Scan(&resp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return resp, err
}

// PutLLMResponse stores a model response, replacing any previous entry.
func (s *Store) PutLLMResponse(key, mode, model, response string) error {
	_, err := s.db.Exec(`
		INSERT INTO llm_cache (key, mode, model, response, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET response = excluded.response, created_at = excluded.created_at`,
		key, mode, model, response, formatTime(s.now()),
	)
	return err
}
