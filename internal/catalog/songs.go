package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a song or user id does not exist.
var ErrNotFound = errors.New("not found")

// Song is one catalog record: a song's lyrics with its chord chart.
type Song struct {
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Band      string    `json:"band"`
	Key       string    `json:"key"`
	Lyrics    string    `json:"lyrics"`
	Chords    string    `json:"chords"`
	ID        int64     `json:"id"`
}

// SongFields holds the editable fields of a Song.
type SongFields struct {
	Title  string `json:"title"`
	Band   string `json:"band"`
	Key    string `json:"key"`
	Lyrics string `json:"lyrics"`
	Chords string `json:"chords"`
}

// Validate reports the first missing required field.
func (f SongFields) Validate() error {
	for _, field := range []struct{ name, value string }{
		{"title", f.Title},
		{"band", f.Band},
		{"key", f.Key},
		{"lyrics", f.Lyrics},
		{"chords", f.Chords},
	} {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s is required", field.name)
		}
	}
	return nil
}

const songColumns = "id, title, band, song_key, lyrics, chords, created_at"

// ListSongs returns songs ordered by title. A non-empty query keeps only
// songs whose title or band contains it.
func (s *Store) ListSongs(ctx context.Context, query string) ([]Song, error) {
	q := "SELECT " + songColumns + " FROM songs"
	var args []any
	if query = strings.TrimSpace(query); query != "" {
		q += " WHERE title LIKE ? OR band LIKE ?"
		pattern := "%" + query + "%"
		args = append(args, pattern, pattern)
	}
	q += " ORDER BY title COLLATE NOCASE, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list songs: %w", err)
	}
	defer rows.Close()

	songs := []Song{}
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		songs = append(songs, song)
	}
	return songs, rows.Err()
}

// GetSong returns the song with id, or ErrNotFound.
func (s *Store) GetSong(ctx context.Context, id int64) (Song, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+songColumns+" FROM songs WHERE id = ?", id)
	song, err := scanSong(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Song{}, ErrNotFound
	}
	return song, err
}

// CreateSong inserts a song and returns its id.
func (s *Store) CreateSong(ctx context.Context, f SongFields) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO songs (title, band, song_key, lyrics, chords, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		f.Title, f.Band, f.Key, f.Lyrics, f.Chords, now().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("create song: %w", err)
	}
	return res.LastInsertId()
}

// UpdateSong replaces the editable fields of song id.
func (s *Store) UpdateSong(ctx context.Context, id int64, f SongFields) error {
	if err := f.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE songs SET title = ?, band = ?, song_key = ?, lyrics = ?, chords = ? WHERE id = ?",
		f.Title, f.Band, f.Key, f.Lyrics, f.Chords, id)
	if err != nil {
		return fmt.Errorf("update song %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSong removes song id. Deleting a missing song is not an error.
func (s *Store) DeleteSong(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM songs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete song %d: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSong(row scanner) (Song, error) {
	var (
		song    Song
		created string
	)
	if err := row.Scan(&song.ID, &song.Title, &song.Band, &song.Key, &song.Lyrics, &song.Chords, &created); err != nil {
		return Song{}, err
	}
	t, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return Song{}, fmt.Errorf("song %d created_at: %w", song.ID, err)
	}
	song.CreatedAt = t
	return song, nil
}
