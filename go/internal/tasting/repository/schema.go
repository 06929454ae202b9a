package repository

import (
	"context"
	"fmt"
)

// Both dialects share column names and types closely enough that one query
// set serves both. Timestamps are epoch millis.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS drinks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		image_url TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS games (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		mode TEXT NOT NULL,
		host_id TEXT,
		is_complete BOOLEAN NOT NULL DEFAULT 0,
		current_round INTEGER NOT NULL DEFAULT -1,
		session_code TEXT NOT NULL UNIQUE,
		round_time_limit INTEGER NOT NULL DEFAULT 60,
		settings BLOB
	);`,
	`CREATE TABLE IF NOT EXISTS players (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		game_id TEXT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		is_host BOOLEAN NOT NULL DEFAULT 0,
		device_id TEXT,
		join_order INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS game_rounds (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		game_id TEXT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		correct_drink_id TEXT NOT NULL REFERENCES drinks(id),
		time_limit INTEGER,
		round_order INTEGER NOT NULL,
		start_time INTEGER,
		end_time INTEGER
	);`,
	`CREATE TABLE IF NOT EXISTS guesses (
		id TEXT PRIMARY KEY,
		player_id TEXT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
		round_id TEXT NOT NULL REFERENCES game_rounds(id) ON DELETE CASCADE,
		drink_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (player_id, round_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_players_game ON players(game_id);`,
	`CREATE INDEX IF NOT EXISTS idx_rounds_game ON game_rounds(game_id, round_order);`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS drinks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		image_url TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS games (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		mode TEXT NOT NULL,
		host_id TEXT,
		is_complete BOOLEAN NOT NULL DEFAULT FALSE,
		current_round INTEGER NOT NULL DEFAULT -1,
		session_code TEXT NOT NULL UNIQUE,
		round_time_limit INTEGER NOT NULL DEFAULT 60,
		settings JSONB
	);`,
	`CREATE TABLE IF NOT EXISTS players (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		game_id TEXT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		is_host BOOLEAN NOT NULL DEFAULT FALSE,
		device_id TEXT,
		join_order INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS game_rounds (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		game_id TEXT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		correct_drink_id TEXT NOT NULL REFERENCES drinks(id),
		time_limit INTEGER,
		round_order INTEGER NOT NULL,
		start_time BIGINT,
		end_time BIGINT
	);`,
	`CREATE TABLE IF NOT EXISTS guesses (
		id TEXT PRIMARY KEY,
		player_id TEXT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
		round_id TEXT NOT NULL REFERENCES game_rounds(id) ON DELETE CASCADE,
		drink_id TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE (player_id, round_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_players_game ON players(game_id);`,
	`CREATE INDEX IF NOT EXISTS idx_rounds_game ON game_rounds(game_id, round_order);`,
	`CREATE OR REPLACE FUNCTION generate_session_code() RETURNS TEXT AS $$
	DECLARE
		alphabet TEXT := 'ABCDEFGHJKLMNPQRSTUVWXYZ23456789';
		code TEXT;
	BEGIN
		LOOP
			code := '';
			FOR i IN 1..6 LOOP
				code := code || substr(alphabet, 1 + floor(random() * length(alphabet))::int, 1);
			END LOOP;
			EXIT WHEN NOT EXISTS (SELECT 1 FROM games WHERE session_code = code);
		END LOOP;
		RETURN code;
	END;
	$$ LANGUAGE plpgsql;`,
}

// EnsureSchema creates the tables if they are missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	schema := sqliteSchema
	if r.postgres {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
