// Package persist is the durable mirror of the remote journal: message
// previews and bodies, the pending-body work list, per-user account
// state and the homework cache, all in one sqlite database.
package persist

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ivmosin/dnevnik/internal/message"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var createTableSql = []string{
	// The messages table mirrors remote message previews and,
	// once backfilled, bodies.
	//
	// Field: hash
	//
	//   sha256 of "<user_id>_<folder>_<msg_id>".  The unique index
	//   on it is the sole defense against duplicate inserts from
	//   overlapping sync sweeps; a lost race is a rejected insert,
	//   not corruption.
	//
	// Field: body
	//
	//   NULL until the body backfill (or an on-demand detail
	//   fetch) stores the full message.  A read message with a
	//   NULL body is exactly the backfill-eligible state.
	`
CREATE TABLE IF NOT EXISTS messages (
user_id INTEGER NOT NULL,
folder TEXT NOT NULL,
msg_id TEXT NOT NULL,
hash TEXT NOT NULL,
subject TEXT NOT NULL DEFAULT '',
sender TEXT NOT NULL DEFAULT '{}',
recipients TEXT NOT NULL DEFAULT '[]',
date TIMESTAMP NOT NULL,
unread INTEGER NOT NULL DEFAULT 0,
with_files INTEGER NOT NULL DEFAULT 0,
body TEXT,
files TEXT,
PRIMARY KEY (user_id, folder, msg_id)
);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_hash ON messages (hash);`,
	// The pending_bodies table is the durable backfill work list.
	// Rows are upserted by their full key, so re-discovering the
	// same pending message is a no-op.
	`
CREATE TABLE IF NOT EXISTS pending_bodies (
user_id INTEGER NOT NULL,
folder TEXT NOT NULL,
msg_id TEXT NOT NULL,
PRIMARY KEY (user_id, folder, msg_id)
);`,
	// The users table holds per-account state: credentials,
	// profile fields and the lazily cached remote message counts.
	//
	// Field: inbox_count / sent_count
	//
	//   NULL until the first getMessages call needs a total, then
	//   cached indefinitely.  Deliberately stale; see the count
	//   accessors.
	`
CREATE TABLE IF NOT EXISTS users (
user_id INTEGER NOT NULL PRIMARY KEY,
login TEXT NOT NULL DEFAULT '',
vendor TEXT NOT NULL DEFAULT '',
auth_token TEXT NOT NULL DEFAULT '',
token_expiry TIMESTAMP,
firstname TEXT NOT NULL DEFAULT '',
middlename TEXT NOT NULL DEFAULT '',
lastname TEXT NOT NULL DEFAULT '',
name TEXT NOT NULL DEFAULT '',
inbox_count INTEGER,
sent_count INTEGER
);`,
	// The homework table caches the last homework payload per user
	// with its fetch time; the session refreshes it after a short
	// TTL.
	`
CREATE TABLE IF NOT EXISTS homework (
user_id INTEGER NOT NULL PRIMARY KEY,
fetched_at TIMESTAMP NOT NULL,
payload TEXT NOT NULL
);`,
}

// Record couples a message with the folder and user it is stored
// under.  Sync sweeps collect records across folders before one batch
// insert.
type Record struct {
	UserID int64
	Folder message.Folder
	Msg    *message.Message
}

// DB wraps the sqlite database.
type DB struct {
	db  *sql.DB
	log zerolog.Logger
}

func hashKey(userID int64, folder message.Folder, msgID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d_%s_%s", userID, folder, msgID)))
	return hex.EncodeToString(sum[:])
}

// IsDuplicate reports whether err is a uniqueness-constraint violation
// on insert.
func IsDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(errors.Cause(err), &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(ctx context.Context, path string, log zerolog.Logger) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short when the backfill worker and a user
	// request write concurrently; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from the given path", path)
	}
	log = log.With().Str("component", "persist").Logger()
	log.Debug().Str("dsn", dsn).Msg("opening database")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q", path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the database schema", path)
	}

	return &DB{db: db, log: log}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, ddl := range createTableSql {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return errors.Wrapf(err, "while executing %q", ddl)
		}
	}
	return nil
}

// InsertPreviews stores a batch of records best-effort: rows colliding
// with an already stored message (a racing sweep got there first) are
// skipped and counted, never abort the batch.
func (db *DB) InsertPreviews(ctx context.Context, recs []Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	const q = `INSERT INTO messages
(user_id, folder, msg_id, hash, subject, sender, recipients, date, unread, with_files, body, files)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	insert, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return 0, errors.Wrap(err, "db prepare statement failed for messages insert")
	}
	defer insert.Close()

	inserted := 0
	for _, rec := range recs {
		sender, recipients, files, err := marshalParticipants(rec.Msg)
		if err != nil {
			return inserted, err
		}
		var body sql.NullString
		if rec.Msg.HasBody() {
			body = sql.NullString{String: rec.Msg.Text, Valid: true}
		}
		_, err = insert.ExecContext(ctx,
			rec.UserID, string(rec.Folder), rec.Msg.ID,
			hashKey(rec.UserID, rec.Folder, rec.Msg.ID),
			rec.Msg.Subject, sender, recipients, rec.Msg.Date.Time,
			rec.Msg.Unread, rec.Msg.WithFiles, body, files)
		if err != nil {
			if IsDuplicate(err) {
				db.log.Debug().Int64("user", rec.UserID).
					Str("folder", string(rec.Folder)).Str("msg", rec.Msg.ID).
					Msg("skipping duplicate preview insert")
				continue
			}
			return inserted, errors.Wrapf(err, "inserting preview %v", rec.Msg.ID)
		}
		inserted++
	}
	return inserted, tx.Commit()
}

func marshalParticipants(msg *message.Message) (sender, recipients string, files sql.NullString, err error) {
	s, err := json.Marshal(msg.From)
	if err != nil {
		return "", "", files, errors.Wrap(err, "encoding sender")
	}
	r, err := json.Marshal(msg.To)
	if err != nil {
		return "", "", files, errors.Wrap(err, "encoding recipients")
	}
	if msg.Files != nil {
		f, err := json.Marshal(msg.Files)
		if err != nil {
			return "", "", files, errors.Wrap(err, "encoding files")
		}
		files = sql.NullString{String: string(f), Valid: true}
	}
	return string(s), string(r), files, nil
}

// HaveMessage reports whether the message is already stored, by the
// derived hash key.
func (db *DB) HaveMessage(ctx context.Context, userID int64, folder message.Folder, msgID string) (bool, error) {
	const q = `SELECT 1 FROM messages WHERE hash = $1`
	var one int
	err := db.db.QueryRowContext(ctx, q, hashKey(userID, folder, msgID)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "db message existence check failed")
	}
	return true, nil
}

const messageColumns = `folder, msg_id, subject, sender, recipients, date, unread, with_files, body, files`

func scanMessage(scan func(dest ...any) error) (message.Folder, *message.Message, error) {
	var (
		folder, msgID, subject, sender, recipients string
		date                                       time.Time
		unread, withFiles                          bool
		body, files                                sql.NullString
	)
	if err := scan(&folder, &msgID, &subject, &sender, &recipients,
		&date, &unread, &withFiles, &body, &files); err != nil {
		return "", nil, errors.Wrap(err, "db message scan failed")
	}
	msg := &message.Message{Preview: message.Preview{
		ID:        msgID,
		Subject:   subject,
		Date:      message.Time{Time: date},
		Unread:    unread,
		WithFiles: withFiles,
	}}
	if err := json.Unmarshal([]byte(sender), &msg.From); err != nil {
		return "", nil, errors.Wrap(err, "decoding sender")
	}
	if err := json.Unmarshal([]byte(recipients), &msg.To); err != nil {
		return "", nil, errors.Wrap(err, "decoding recipients")
	}
	msg.Text = body.String
	if files.Valid {
		if err := json.Unmarshal([]byte(files.String), &msg.Files); err != nil {
			return "", nil, errors.Wrap(err, "decoding files")
		}
	}
	return message.Folder(folder), msg, nil
}

// ListMessages returns up to limit stored messages for the folder,
// newest first.
func (db *DB) ListMessages(ctx context.Context, userID int64, folder message.Folder, limit int) ([]*message.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages
WHERE user_id = $1 AND folder = $2 ORDER BY date DESC LIMIT $3`
	rows, err := db.db.QueryContext(ctx, q, userID, string(folder), limit)
	if err != nil {
		return nil, errors.Wrap(err, "db message list failed")
	}
	defer rows.Close()

	var msgs []*message.Message
	for rows.Next() {
		_, msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// GetMessage returns the stored message, or nil when absent ("not
// found yet" is a normal transient state during backfill).
func (db *DB) GetMessage(ctx context.Context, userID int64, folder message.Folder, msgID string) (*message.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages
WHERE user_id = $1 AND folder = $2 AND msg_id = $3`
	row := db.db.QueryRowContext(ctx, q, userID, string(folder), msgID)
	_, msg, err := scanMessage(row.Scan)
	if errors.Cause(err) == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

// SetBody writes the fetched body into an already stored preview row.
// It reports whether a row was updated; a miss means the preview was
// never stored (or was purged) and the body has nowhere to go.
func (db *DB) SetBody(ctx context.Context, userID int64, folder message.Folder, msg *message.Message) (bool, error) {
	var files sql.NullString
	if msg.Files != nil {
		f, err := json.Marshal(msg.Files)
		if err != nil {
			return false, errors.Wrap(err, "encoding files")
		}
		files = sql.NullString{String: string(f), Valid: true}
	}
	const q = `UPDATE messages SET body = $1, files = $2, with_files = $3
WHERE user_id = $4 AND folder = $5 AND msg_id = $6`
	res, err := db.db.ExecContext(ctx, q, msg.Text, files, msg.WithFiles,
		userID, string(folder), msg.ID)
	if err != nil {
		return false, errors.Wrapf(err, "storing body for %v", msg.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// MarkRead flips the message to read in every folder it is stored
// under.  Local only; the remote read state is reconciled lazily.
func (db *DB) MarkRead(ctx context.Context, userID int64, msgID string) error {
	const q = `UPDATE messages SET unread = 0 WHERE user_id = $1 AND msg_id = $2`
	_, err := db.db.ExecContext(ctx, q, userID, msgID)
	return errors.Wrapf(err, "marking %v read", msgID)
}

// MarkAllRead clears the unread flag on every stored message in the
// folder.  First phase of the reset-then-reapply reconciliation.
func (db *DB) MarkAllRead(ctx context.Context, userID int64, folder message.Folder) error {
	const q = `UPDATE messages SET unread = 0 WHERE user_id = $1 AND folder = $2 AND unread = 1`
	_, err := db.db.ExecContext(ctx, q, userID, string(folder))
	return errors.Wrap(err, "marking folder read")
}

// MarkUnread re-flags exactly the given ids as unread.  Second phase
// of the reset-then-reapply reconciliation.
func (db *DB) MarkUnread(ctx context.Context, userID int64, folder message.Folder, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(msgIDs))
	args := []any{userID, string(folder)}
	for i, id := range msgIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, id)
	}
	q := `UPDATE messages SET unread = 1
WHERE user_id = $1 AND folder = $2 AND msg_id IN (` + strings.Join(placeholders, ", ") + `)`
	_, err := db.db.ExecContext(ctx, q, args...)
	return errors.Wrap(err, "marking ids unread")
}

// UnreadCount returns the number of stored unread messages in the
// folder.
func (db *DB) UnreadCount(ctx context.Context, userID int64, folder message.Folder) (int, error) {
	const q = `SELECT COUNT(*) FROM messages WHERE user_id = $1 AND folder = $2 AND unread = 1`
	var n int
	if err := db.db.QueryRowContext(ctx, q, userID, string(folder)).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "db unread count failed")
	}
	return n, nil
}

// MessagesBySubject returns every stored message for the user whose
// subject matches one of the given subjects, newest first, with the
// folder each copy is stored under.  Participant filtering for thread
// reconstruction happens in the session.
func (db *DB) MessagesBySubject(ctx context.Context, userID int64, subjects []string) ([]Record, error) {
	if len(subjects) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(subjects))
	args := []any{userID}
	for i, s := range subjects {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, s)
	}
	q := `SELECT ` + messageColumns + ` FROM messages
WHERE user_id = $1 AND subject IN (` + strings.Join(placeholders, ", ") + `)
ORDER BY date DESC`
	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "db subject query failed")
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		folder, msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, Record{UserID: userID, Folder: folder, Msg: msg})
	}
	return recs, rows.Err()
}

// EnqueueBodies upserts pending-body entries; re-inserting an entry
// that is already queued is a no-op.
func (db *DB) EnqueueBodies(ctx context.Context, pbs []message.PendingBody) error {
	if len(pbs) == 0 {
		return nil
	}
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	const q = `INSERT INTO pending_bodies (user_id, folder, msg_id) VALUES ($1, $2, $3)
ON CONFLICT (user_id, folder, msg_id) DO NOTHING`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for pending upsert")
	}
	defer stmt.Close()

	for _, pb := range pbs {
		if _, err := stmt.ExecContext(ctx, pb.UserID, string(pb.Folder), pb.ID); err != nil {
			return errors.Wrapf(err, "enqueueing body %v", pb.ID)
		}
	}
	return tx.Commit()
}

// DeletePendingBody retires one entry from the work list.
func (db *DB) DeletePendingBody(ctx context.Context, pb message.PendingBody) error {
	const q = `DELETE FROM pending_bodies WHERE user_id = $1 AND folder = $2 AND msg_id = $3`
	_, err := db.db.ExecContext(ctx, q, pb.UserID, string(pb.Folder), pb.ID)
	return errors.Wrapf(err, "deleting pending body %v", pb.ID)
}

// ListPendingBodies returns the user's backfill backlog.
func (db *DB) ListPendingBodies(ctx context.Context, userID int64) ([]message.PendingBody, error) {
	const q = `SELECT folder, msg_id FROM pending_bodies WHERE user_id = $1`
	rows, err := db.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, errors.Wrap(err, "db pending list failed")
	}
	defer rows.Close()

	var pbs []message.PendingBody
	for rows.Next() {
		var folder, msgID string
		if err := rows.Scan(&folder, &msgID); err != nil {
			return nil, errors.Wrap(err, "db pending scan failed")
		}
		pbs = append(pbs, message.PendingBody{
			UserID: userID, Folder: message.Folder(folder), ID: msgID})
	}
	return pbs, rows.Err()
}

// GetProfile loads the stored profile fields; found is false when the
// user has never authenticated.
func (db *DB) GetProfile(ctx context.Context, userID int64) (*message.Profile, bool, error) {
	const q = `SELECT login, vendor, firstname, middlename, lastname, name
FROM users WHERE user_id = $1`
	p := &message.Profile{UserID: userID}
	err := db.db.QueryRowContext(ctx, q, userID).Scan(
		&p.Login, &p.Vendor, &p.FirstName, &p.MiddleName, &p.LastName, &p.Name)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "db profile load failed")
	}
	return p, true, nil
}

// SaveProfile upserts the profile fields.
func (db *DB) SaveProfile(ctx context.Context, p *message.Profile) error {
	const q = `INSERT INTO users (user_id, login, vendor, firstname, middlename, lastname, name)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id) DO UPDATE SET
login = $2, vendor = $3, firstname = $4, middlename = $5, lastname = $6, name = $7`
	_, err := db.db.ExecContext(ctx, q, p.UserID, p.Login, p.Vendor,
		p.FirstName, p.MiddleName, p.LastName, p.Name)
	return errors.Wrap(err, "db profile save failed")
}

// GetToken loads the stored access token; a zero token means the user
// has never authenticated.
func (db *DB) GetToken(ctx context.Context, userID int64) (message.Token, error) {
	const q = `SELECT auth_token, token_expiry FROM users WHERE user_id = $1`
	var (
		token  string
		expiry sql.NullTime
	)
	err := db.db.QueryRowContext(ctx, q, userID).Scan(&token, &expiry)
	if err == sql.ErrNoRows {
		return message.Token{}, nil
	}
	if err != nil {
		return message.Token{}, errors.Wrap(err, "db token load failed")
	}
	return message.Token{Value: token, Expiry: expiry.Time}, nil
}

// SetToken upserts the access token and its expiry.
func (db *DB) SetToken(ctx context.Context, userID int64, token message.Token) error {
	const q = `INSERT INTO users (user_id, auth_token, token_expiry) VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET auth_token = $2, token_expiry = $3`
	_, err := db.db.ExecContext(ctx, q, userID, token.Value, token.Expiry)
	return errors.Wrap(err, "db token save failed")
}

func countColumn(folder message.Folder) string {
	if folder == message.Sent {
		return "sent_count"
	}
	return "inbox_count"
}

// MessageCount returns the cached remote total for the folder; found
// is false when it was never fetched.
func (db *DB) MessageCount(ctx context.Context, userID int64, folder message.Folder) (int, bool, error) {
	q := `SELECT ` + countColumn(folder) + ` FROM users WHERE user_id = $1`
	var n sql.NullInt64
	err := db.db.QueryRowContext(ctx, q, userID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "db message count load failed")
	}
	return int(n.Int64), n.Valid, nil
}

// SetMessageCount caches the remote total for the folder.
func (db *DB) SetMessageCount(ctx context.Context, userID int64, folder message.Folder, n int) error {
	col := countColumn(folder)
	q := `INSERT INTO users (user_id, ` + col + `) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET ` + col + ` = $2`
	_, err := db.db.ExecContext(ctx, q, userID, n)
	return errors.Wrap(err, "db message count save failed")
}

// GetHomework returns the cached homework payload and its fetch time;
// a nil payload means nothing is cached.
func (db *DB) GetHomework(ctx context.Context, userID int64) ([]byte, time.Time, error) {
	const q = `SELECT payload, fetched_at FROM homework WHERE user_id = $1`
	var (
		payload   string
		fetchedAt time.Time
	)
	err := db.db.QueryRowContext(ctx, q, userID).Scan(&payload, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, errors.Wrap(err, "db homework load failed")
	}
	return []byte(payload), fetchedAt, nil
}

// PutHomework caches the homework payload with the current time.
func (db *DB) PutHomework(ctx context.Context, userID int64, payload []byte) error {
	const q = `INSERT INTO homework (user_id, fetched_at, payload) VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET fetched_at = $2, payload = $3`
	_, err := db.db.ExecContext(ctx, q, userID, time.Now().UTC(), string(payload))
	return errors.Wrap(err, "db homework save failed")
}

// PurgeUser deletes every durable row owned by the user: messages,
// pending bodies, homework and the account row itself.
func (db *DB) PurgeUser(ctx context.Context, userID int64) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM messages WHERE user_id = $1`,
		`DELETE FROM pending_bodies WHERE user_id = $1`,
		`DELETE FROM homework WHERE user_id = $1`,
		`DELETE FROM users WHERE user_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			return errors.Wrapf(err, "purge failed at %q", q)
		}
	}
	return tx.Commit()
}
