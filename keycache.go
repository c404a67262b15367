/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// KeyCache is a small sqlite-backed store that survives process restarts,
// used for two things spec.md leaves as "an implementation may persist
// this":
//
//   - explaining orphan RRSIGs across restarts: a key tag seen once is
//     remembered even after its private material (or even its DNSKEY
//     publication) is gone, so a later run can still log "this signature
//     was made by key 12345, retired on 2024-01-01" instead of just
//     "unknown key";
//   - checkpointing a ResignState (spec.md 4.7's continuation object) so
//     an incremental resign that's mid-phase when the process is killed
//     can resume from the last completed phase instead of restarting.
//
// Grounded on the teacher's general sqlite usage pattern for durable
// local state (config.go's DB-backed key stores), narrowed to these two
// tables.
type KeyCache struct {
	db *sql.DB
}

// OpenKeyCache opens (creating if absent) the sqlite database at path and
// ensures both tables exist.
func OpenKeyCache(path string) (*KeyCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("keycache: open %s: %w", path, err)
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS key_history (
			keytag INTEGER NOT NULL,
			algorithm INTEGER NOT NULL,
			flags INTEGER NOT NULL,
			offline INTEGER NOT NULL,
			dnskey_rr TEXT NOT NULL,
			last_seen_unix INTEGER NOT NULL,
			PRIMARY KEY (keytag, algorithm)
		)`,
		`CREATE TABLE IF NOT EXISTS resign_checkpoints (
			zone TEXT PRIMARY KEY,
			phase INTEGER NOT NULL,
			state_json TEXT NOT NULL,
			updated_unix INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("keycache: schema init: %w", err)
		}
	}
	return &KeyCache{db: db}, nil
}

func (kc *KeyCache) Close() error { return kc.db.Close() }

// RecordKey upserts a key's last-known attributes for later ExplainKeyTag
// lookups. Nothing in this package calls it; the Keyring does not record
// its keys here by itself.
func (kc *KeyCache) RecordKey(k *SigningKey, nowUnix int64) error {
	dnskeyRR := k.DNSKEY.String()
	_, err := kc.db.Exec(`
		INSERT INTO key_history (keytag, algorithm, flags, offline, dnskey_rr, last_seen_unix)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(keytag, algorithm) DO UPDATE SET
			flags=excluded.flags, offline=excluded.offline,
			dnskey_rr=excluded.dnskey_rr, last_seen_unix=excluded.last_seen_unix`,
		k.KeyTag, k.Algorithm, k.DNSKEY.Flags, boolToInt(k.Offline), dnskeyRR, nowUnix)
	if err != nil {
		return fmt.Errorf("keycache: record key %d: %w", k.KeyTag, err)
	}
	return nil
}

// ExplainKeyTag looks up what is known about a key tag/algorithm this
// Keyring no longer recognises, for the orphan-signature log message
// spec.md 7 expects ("orphan-signature" errors should be diagnosable).
func (kc *KeyCache) ExplainKeyTag(tag uint16, algorithm uint8) (dnskeyRR string, lastSeenUnix int64, found bool, err error) {
	row := kc.db.QueryRow(`SELECT dnskey_rr, last_seen_unix FROM key_history WHERE keytag=? AND algorithm=?`, tag, algorithm)
	err = row.Scan(&dnskeyRR, &lastSeenUnix)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("keycache: explain tag %d: %w", tag, err)
	}
	return dnskeyRR, lastSeenUnix, true, nil
}

// SaveCheckpoint persists a ResignState so an interrupted incremental
// resign can be resumed.
func (kc *KeyCache) SaveCheckpoint(zone string, state *ResignState, nowUnix int64) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("keycache: marshal checkpoint: %w", err)
	}
	_, err = kc.db.Exec(`
		INSERT INTO resign_checkpoints (zone, phase, state_json, updated_unix)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(zone) DO UPDATE SET
			phase=excluded.phase, state_json=excluded.state_json, updated_unix=excluded.updated_unix`,
		zone, int(state.Phase), string(blob), nowUnix)
	if err != nil {
		return fmt.Errorf("keycache: save checkpoint for %s: %w", zone, err)
	}
	return nil
}

// LoadCheckpoint restores a previously saved ResignState, if any.
func (kc *KeyCache) LoadCheckpoint(zone string) (*ResignState, bool, error) {
	row := kc.db.QueryRow(`SELECT state_json FROM resign_checkpoints WHERE zone=?`, zone)
	var blob string
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("keycache: load checkpoint for %s: %w", zone, err)
	}
	var state ResignState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, false, fmt.Errorf("keycache: unmarshal checkpoint for %s: %w", zone, err)
	}
	return &state, true, nil
}

// ClearCheckpoint removes a zone's saved checkpoint once a resign
// completes (state.Phase reaches PhaseDone).
func (kc *KeyCache) ClearCheckpoint(zone string) error {
	_, err := kc.db.Exec(`DELETE FROM resign_checkpoints WHERE zone=?`, zone)
	return err
}

// explainOrphan logs what is known, if anything, about an orphan
// signature's key tag via ctx.KeyCache, per spec.md 7's expectation that an
// "orphan-signature" condition be diagnosable rather than just "unknown
// key". A nil KeyCache (the default) makes this a no-op.
func (ctx *SignContext) explainOrphan(name string, tag uint16, algorithm uint8) {
	if ctx.KeyCache == nil {
		return
	}
	dnskeyRR, lastSeen, found, err := ctx.KeyCache.ExplainKeyTag(tag, algorithm)
	if err != nil {
		ctx.Logger.Printf("orphan signature %s/key %d: keycache lookup failed: %v", name, tag, err)
		return
	}
	if !found {
		ctx.Logger.Printf("orphan signature %s/key %d: no history for this key tag", name, tag)
		return
	}
	ctx.Logger.Printf("orphan signature %s/key %d: last seen %d, was %s", name, tag, lastSeen, dnskeyRR)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
