package repo

import (
	"context"
	"time"
)

// RememberWord stores word and trims the table to the newest max entries.
func (r Repo) RememberWord(ctx context.Context, word string, max int, now time.Time) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO vocabulary(word,created_at) VALUES (?,?)
ON CONFLICT(word) DO UPDATE SET created_at=excluded.created_at`, word, FormatTime(now)); err != nil {
		return err
	}
	if max > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vocabulary WHERE word NOT IN (
SELECT word FROM vocabulary ORDER BY created_at DESC, word LIMIT ?)`, max); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) ListWords(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT word FROM vocabulary ORDER BY created_at DESC, word`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
