// Package recipes is the serving tier's catalog of transcribed recipes,
// written by the record-recipe webhook and read by the recipe endpoints.
package recipes

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Ingredient struct {
	Item     string `json:"item"`
	Quantity string `json:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Position int    `json:"position"`
}

type Recipe struct {
	JobID        string       `json:"job_id"`
	Title        string       `json:"title"`
	PrepTime     string       `json:"prep_time,omitempty"`
	CookTime     string       `json:"cook_time,omitempty"`
	Servings     string       `json:"servings,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	ImageKey     string       `json:"image_key,omitempty"`
	Ingredients  []Ingredient `json:"ingredients"`
	Instructions []string     `json:"instructions"`
	CreatedAt    time.Time    `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite catalog at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err = db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recipes (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id     TEXT NOT NULL UNIQUE,
			title      TEXT NOT NULL,
			prep_time  TEXT NOT NULL DEFAULT '',
			cook_time  TEXT NOT NULL DEFAULT '',
			servings   TEXT NOT NULL DEFAULT '',
			notes      TEXT NOT NULL DEFAULT '',
			image_key  TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS ingredients (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			recipe_id INTEGER NOT NULL REFERENCES recipes(id) ON DELETE CASCADE,
			item      TEXT NOT NULL,
			quantity  TEXT NOT NULL DEFAULT '',
			unit      TEXT NOT NULL DEFAULT '',
			position  INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS instructions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			recipe_id   INTEGER NOT NULL REFERENCES recipes(id) ON DELETE CASCADE,
			step_number INTEGER NOT NULL,
			description TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_recipes_created_at ON recipes(created_at);
	`)
	return err
}

// Record stores the recipe, replacing any previous one for the same job.
// Replaying the webhook or reprocessing a job is therefore safe.
func (s *Store) Record(ctx context.Context, rec *Recipe) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recipes WHERE job_id = ?`, rec.JobID); err != nil {
		return fmt.Errorf("delete previous recipe for %s: %w", rec.JobID, err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO recipes (job_id, title, prep_time, cook_time, servings, notes, image_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.JobID, rec.Title, rec.PrepTime, rec.CookTime, rec.Servings, rec.Notes, rec.ImageKey, createdAt)
	if err != nil {
		return fmt.Errorf("insert recipe for %s: %w", rec.JobID, err)
	}
	recipeID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for i, ing := range rec.Ingredients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ingredients (recipe_id, item, quantity, unit, position)
			VALUES (?, ?, ?, ?, ?)
		`, recipeID, ing.Item, ing.Quantity, ing.Unit, i+1); err != nil {
			return fmt.Errorf("insert ingredient: %w", err)
		}
	}
	for i, step := range rec.Instructions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO instructions (recipe_id, step_number, description)
			VALUES (?, ?, ?)
		`, recipeID, i+1, step); err != nil {
			return fmt.Errorf("insert instruction: %w", err)
		}
	}
	return tx.Commit()
}

// Get returns the recipe for a job, or nil when none is recorded.
func (s *Store) Get(ctx context.Context, jobID string) (*Recipe, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, title, prep_time, cook_time, servings, notes, image_key, created_at
		FROM recipes WHERE job_id = ?
	`, jobID)

	var id int64
	rec := &Recipe{}
	err := row.Scan(&id, &rec.JobID, &rec.Title, &rec.PrepTime, &rec.CookTime,
		&rec.Servings, &rec.Notes, &rec.ImageKey, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recipe %s: %w", jobID, err)
	}

	if rec.Ingredients, err = s.ingredients(ctx, id); err != nil {
		return nil, err
	}
	if rec.Instructions, err = s.instructions(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns the most recently recorded recipes, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*Recipe, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM recipes ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recipe id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Recipe, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) ingredients(ctx context.Context, recipeID int64) ([]Ingredient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item, quantity, unit, position FROM ingredients
		WHERE recipe_id = ? ORDER BY position
	`, recipeID)
	if err != nil {
		return nil, fmt.Errorf("load ingredients: %w", err)
	}
	defer rows.Close()

	var out []Ingredient
	for rows.Next() {
		var ing Ingredient
		if err := rows.Scan(&ing.Item, &ing.Quantity, &ing.Unit, &ing.Position); err != nil {
			return nil, err
		}
		out = append(out, ing)
	}
	return out, rows.Err()
}

func (s *Store) instructions(ctx context.Context, recipeID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT description FROM instructions
		WHERE recipe_id = ? ORDER BY step_number
	`, recipeID)
	if err != nil {
		return nil, fmt.Errorf("load instructions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var step string
		if err := rows.Scan(&step); err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
