package store

import (
	"context"
	"database/sql"
)

// Settings returns all persisted settings as a flat key→value map.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, wrapErr(err)
		}
		out[k] = v
	}
	return out, wrapErr(rows.Err())
}

// PutSettings writes the given keys in one transaction. Callers that need
// "apply settings + purge affected cache" run the purge after this returns
// nil, so a failed write never leaves half-applied settings behind.
func (s *Store) PutSettings(ctx context.Context, kv map[string]string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for k, v := range kv {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO settings (key, value) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// ProfileRows returns the persisted argv templates of one profile keyed by
// client class.
func (s *Store) ProfileRows(ctx context.Context, name string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT client_class, args FROM profiles WHERE name = ?`, name)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var class, args string
		if err := rows.Scan(&class, &args); err != nil {
			return nil, wrapErr(err)
		}
		out[class] = args
	}
	return out, wrapErr(rows.Err())
}

// PutProfile persists all client-class entries of one profile atomically.
// Partial saves are forbidden: either every class row lands or none do.
func (s *Store) PutProfile(ctx context.Context, name string, byClass map[string]string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE name = ?`, name); err != nil {
			return err
		}
		for class, args := range byClass {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO profiles (name, client_class, args) VALUES (?, ?, ?)`,
				name, class, args); err != nil {
				return err
			}
		}
		return nil
	})
}
