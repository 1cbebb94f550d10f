package postgres

const querySchema = `
CREATE TABLE IF NOT EXISTS trigger_cursors (
    trigger_id    TEXT PRIMARY KEY,
    last_fired_at TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letters (
    id              UUID PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    trigger_id      TEXT NOT NULL,
    template_id     TEXT NOT NULL,
    recipient       TEXT NOT NULL,
    scheduled_at    TIMESTAMPTZ NOT NULL,
    attempts        INTEGER NOT NULL,
    last_error      TEXT NOT NULL,
    reason          TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS dead_letters_created_at_idx ON dead_letters (created_at);
`

const queryLoadCursors = `
SELECT trigger_id, last_fired_at FROM trigger_cursors
`

// Cursors only move forward; a late write from a demoted leader is ignored.
const querySaveCursor = `
INSERT INTO trigger_cursors (trigger_id, last_fired_at, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (trigger_id) DO UPDATE
SET last_fired_at = GREATEST(trigger_cursors.last_fired_at, EXCLUDED.last_fired_at),
    updated_at = now()
`

const queryDeleteCursor = `
DELETE FROM trigger_cursors WHERE trigger_id = $1
`

const queryPruneCursors = `
DELETE FROM trigger_cursors WHERE NOT (trigger_id = ANY($1))
`

const queryInsertDeadLetter = `
INSERT INTO dead_letters (id, idempotency_key, trigger_id, template_id, recipient, scheduled_at, attempts, last_error, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const queryListDeadLetters = `
SELECT id, idempotency_key, trigger_id, template_id, recipient, scheduled_at, attempts, last_error, reason, created_at
FROM dead_letters
ORDER BY created_at DESC
LIMIT $1
`

const queryPruneDeadLetters = `
DELETE FROM dead_letters WHERE created_at < $1
`
