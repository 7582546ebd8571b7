// Package results persists end-of-game results in SQLite.
package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS games (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER NOT NULL,
	final_time INTEGER NOT NULL,
	desynced BOOLEAN DEFAULT 0
);
CREATE TABLE IF NOT EXISTS players (
	game_id INTEGER NOT NULL,
	user_number INTEGER NOT NULL,
	name TEXT NOT NULL,
	slot INTEGER NOT NULL,
	connected BOOLEAN DEFAULT 0,
	result TEXT,
	FOREIGN KEY(game_id) REFERENCES games(id)
);
CREATE INDEX IF NOT EXISTS idx_players_game ON players(game_id);
`

// ErrClosed reports use of a closed store.
var ErrClosed = errors.New("results: store closed")

// Player is one user's outcome in a game.
type Player struct {
	User      int
	Name      string
	Slot      int
	Connected bool
	Result    string
}

// GameRecord describes a finished game.
type GameRecord struct {
	ID        int64
	Session   string
	StartedAt time.Time
	EndedAt   time.Time
	FinalTime int32
	Desynced  bool
	Players   []Player
}

// Store is a SQLite-backed results database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create results directory: %w", err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open results database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping results database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create results schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// RecordGame stores a game and its players in one transaction and returns
// the new game ID.
func (s *Store) RecordGame(ctx context.Context, game GameRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO games (session, started_at, ended_at, final_time, desynced) VALUES (?, ?, ?, ?, ?)`,
		game.Session, game.StartedAt.UnixMilli(), game.EndedAt.UnixMilli(), game.FinalTime, game.Desynced)
	if err != nil {
		return 0, fmt.Errorf("insert game: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO players (game_id, user_number, name, slot, connected, result) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, p := range game.Players {
		if _, err := stmt.ExecContext(ctx, id, p.User, p.Name, p.Slot, p.Connected, p.Result); err != nil {
			return 0, fmt.Errorf("insert player %q: %w", p.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// Games returns every recorded game, newest first.
func (s *Store) Games(ctx context.Context) ([]GameRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session, started_at, ended_at, final_time, desynced FROM games ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	var games []GameRecord
	for rows.Next() {
		var g GameRecord
		var started, ended int64
		if err := rows.Scan(&g.ID, &g.Session, &started, &ended, &g.FinalTime, &g.Desynced); err != nil {
			rows.Close()
			return nil, err
		}
		g.StartedAt = time.UnixMilli(started)
		g.EndedAt = time.UnixMilli(ended)
		games = append(games, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range games {
		players, err := s.players(ctx, games[i].ID)
		if err != nil {
			return nil, err
		}
		games[i].Players = players
	}
	return games, nil
}

func (s *Store) players(ctx context.Context, gameID int64) ([]Player, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_number, name, slot, connected, COALESCE(result, '') FROM players WHERE game_id = ? ORDER BY user_number`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Player
	for rows.Next() {
		var p Player
		if err := rows.Scan(&p.User, &p.Name, &p.Slot, &p.Connected, &p.Result); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
