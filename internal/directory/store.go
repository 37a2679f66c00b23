// Package directory is the read-mostly lookup layer over the screening
// app database: position and round identifiers, plus the per-user OAuth
// token store. The CRUD surface for these entities lives elsewhere; the
// pipeline only resolves ids and creates rounds for new watches.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hireloop/mailwatch/internal/subscription"
)

type Round struct {
	ID         string
	PublicID   string
	PositionID string
	Name       string
	CreatedAt  time.Time
}

type DB struct {
	db *sql.DB
}

// Open opens the app database, creating the tables the pipeline touches
// when they do not exist yet.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			public_id TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS rounds (
			id TEXT PRIMARY KEY,
			public_id TEXT UNIQUE NOT NULL,
			position_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, provider, name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}

	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// PositionPublicID resolves a position's public identifier.
func (d *DB) PositionPublicID(ctx context.Context, id string) (string, error) {
	var publicID string
	err := d.db.QueryRowContext(ctx,
		"SELECT public_id FROM positions WHERE id = ?", id,
	).Scan(&publicID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("unknown position %s", id)
		}
		return "", fmt.Errorf("failed to resolve position: %w", err)
	}
	return publicID, nil
}

// RoundPublicID resolves a round's public identifier.
func (d *DB) RoundPublicID(ctx context.Context, id string) (string, error) {
	var publicID string
	err := d.db.QueryRowContext(ctx,
		"SELECT public_id FROM rounds WHERE id = ?", id,
	).Scan(&publicID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("unknown round %s", id)
		}
		return "", fmt.Errorf("failed to resolve round: %w", err)
	}
	return publicID, nil
}

// CreateRound creates the downstream grouping documents of a new watch
// are attached to. Called once per newly established watch.
func (d *DB) CreateRound(ctx context.Context, positionID, name string) (*Round, error) {
	round := &Round{
		ID:         uuid.NewString(),
		PublicID:   uuid.NewString(),
		PositionID: positionID,
		Name:       name,
		CreatedAt:  time.Now(),
	}

	_, err := d.db.ExecContext(ctx,
		"INSERT INTO rounds (id, public_id, position_id, name, created_at) VALUES (?, ?, ?, ?, ?)",
		round.ID, round.PublicID, round.PositionID, round.Name, round.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create round: %w", err)
	}
	return round, nil
}

// Get implements credential.TokenStore. Absent keys return "".
func (d *DB) Get(ctx context.Context, userID string, provider subscription.Provider, name string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx,
		"SELECT value FROM oauth_tokens WHERE user_id = ? AND provider = ? AND name = ?",
		userID, string(provider), name,
	).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return value, nil
}

// Set implements credential.TokenStore.
func (d *DB) Set(ctx context.Context, userID string, provider subscription.Provider, name, value string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (user_id, provider, name, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider, name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, userID, string(provider), name, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// Remove implements credential.TokenStore.
func (d *DB) Remove(ctx context.Context, userID string, provider subscription.Provider, name string) error {
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM oauth_tokens WHERE user_id = ? AND provider = ? AND name = ?",
		userID, string(provider), name,
	)
	if err != nil {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	return nil
}
