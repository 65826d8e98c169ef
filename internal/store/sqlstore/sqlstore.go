// Package sqlstore implements store.Storer once, on top of goqu, for both
// SQL backends (postgres, sqlite3). The two backend packages differ only in
// how they open the *sql.DB and which goqu dialect they register; query
// construction, JSON column marshaling, and unique-violation translation are
// identical, so they live here instead of being duplicated per backend.
//
// Flexible fields (event content, tags, streamIds, permissions, clientData)
// are stored as a single JSON column rather than normalized tables. The
// stream-set algebra and tag/type matching that events.get needs then runs
// in Go via internal/store/queryfilter, scoped first by the cheap SQL
// predicates (user, trashed state, modifiedSince) so a query never has to
// scan another tenant's rows.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/oklog/ulid/v2"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/store"
	"github.com/pryvgo/core/internal/store/queryfilter"
)

// Store implements store.Storer against any SQL backend goqu supports.
type Store struct {
	db     *sql.DB
	goqu   *goqu.Database
	isUniq func(error) bool

	tUsers           exp.IdentifierExpression
	tStreams         exp.IdentifierExpression
	tStreamDeletions exp.IdentifierExpression
	tEvents          exp.IdentifierExpression
	tEventHistory    exp.IdentifierExpression
	tEventDeletions  exp.IdentifierExpression
	tAccesses        exp.IdentifierExpression
	tFollowedSlices  exp.IdentifierExpression
	tProfiles        exp.IdentifierExpression
}

// New wires a Store on top of an already-open db using dialect (the goqu
// dialect name the caller registered, e.g. "postgres" or "sqlite3"),
// prefixing every table with tablePrefix. isUniq classifies a driver error
// as a uniqueness-constraint violation; it is backend-specific because pgx
// and modernc.org/sqlite report it differently.
func New(db *sql.DB, dialect, tablePrefix string, isUniq func(error) bool) *Store {
	g := goqu.New(dialect, db)
	t := func(name string) exp.IdentifierExpression { return goqu.T(tablePrefix + name) }
	return &Store{
		db:               db,
		goqu:             g,
		isUniq:           isUniq,
		tUsers:           t("users"),
		tStreams:         t("streams"),
		tStreamDeletions: t("stream_deletions"),
		tEvents:          t("events"),
		tEventHistory:    t("event_history"),
		tEventDeletions:  t("event_deletions"),
		tAccesses:        t("accesses"),
		tFollowedSlices:  t("followed_slices"),
		tProfiles:        t("profiles"),
	}
}

func (s *Store) Close() {}

func newID() string { return ulid.Make().String() }

func now() int64 { return time.Now().UTC().Unix() }

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalInto[T any](raw []byte, out *T) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// ─── Users ───

type userRow struct {
	ID            string
	Username      string
	Email         string
	Language      string
	PasswordHash  string
	StorageDBDocs int64
	StorageFiles  int64
	Created       int64
	Modified      int64
}

func (s *Store) scanUser(row interface {
	Scan(dest ...any) error
}) (*model.User, error) {
	var r userRow
	if err := row.Scan(&r.ID, &r.Username, &r.Email, &r.Language, &r.PasswordHash, &r.StorageDBDocs, &r.StorageFiles, &r.Created, &r.Modified); err != nil {
		return nil, err
	}
	return &model.User{
		ID:           r.ID,
		Username:     r.Username,
		Email:        r.Email,
		Language:     r.Language,
		PasswordHash: r.PasswordHash,
		StorageUsed:  model.StorageUsed{DBDocuments: r.StorageDBDocs, AttachedFiles: r.StorageFiles},
		Created:      r.Created,
		Modified:     r.Modified,
	}, nil
}

var userCols = []any{"id", "username", "email", "language", "password_hash", "storage_db_documents", "storage_attached_files", "created", "modified"}

func (s *Store) CreateUser(ctx context.Context, u model.User) (*model.User, error) {
	id := newID()
	t := now()

	query, _, err := s.goqu.Insert(s.tUsers).Rows(goqu.Record{
		"id": id, "username": u.Username, "email": u.Email, "language": u.Language,
		"password_hash": u.PasswordHash, "storage_db_documents": 0, "storage_attached_files": 0,
		"created": t, "modified": t,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create user query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		if s.isUniq(err) {
			return nil, apperror.DuplicateKeyError{Keys: []string{"username"}}
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	u.ID = id
	u.Created, u.Modified = t, t
	return &u, nil
}

func (s *Store) getUserWhere(ctx context.Context, expr exp.Expression) (*model.User, error) {
	query, _, err := s.goqu.From(s.tUsers).Select(userCols...).Where(expr).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get user query: %w", err)
	}
	u, err := s.scanUser(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getUserWhere(ctx, goqu.I("username").Eq(username))
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return s.getUserWhere(ctx, goqu.I("id").Eq(id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.getUserWhere(ctx, goqu.I("email").Eq(email))
}

func (s *Store) UpdateUser(ctx context.Context, id string, patch map[string]any) (*model.User, error) {
	rec := goqu.Record{"modified": now()}
	if v, ok := patch["email"].(string); ok {
		rec["email"] = v
	}
	if v, ok := patch["language"].(string); ok {
		rec["language"] = v
	}
	if v, ok := patch["passwordHash"].(string); ok {
		rec["password_hash"] = v
	}

	query, _, err := s.goqu.Update(s.tUsers).Set(rec).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update user query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		if s.isUniq(err) {
			return nil, apperror.DuplicateKeyError{Keys: []string{"email"}}
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tUsers).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete user query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

func (s *Store) AdjustStorageUsed(ctx context.Context, userID string, dbDocumentsDelta, attachedFilesDelta int64) error {
	query, _, err := s.goqu.Update(s.tUsers).Set(goqu.Record{
		"storage_db_documents":   goqu.L("storage_db_documents + ?", dbDocumentsDelta),
		"storage_attached_files": goqu.L("storage_attached_files + ?", attachedFilesDelta),
		"modified":               now(),
	}).Where(goqu.I("id").Eq(userID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build adjust storage query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

func (s *Store) RecomputeStorageUsed(ctx context.Context, userID string, dbDocuments, attachedFiles int64) (*model.StorageUsed, error) {
	query, _, err := s.goqu.Update(s.tUsers).Set(goqu.Record{
		"storage_db_documents": dbDocuments, "storage_attached_files": attachedFiles, "modified": now(),
	}).Where(goqu.I("id").Eq(userID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build recompute storage query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("recompute storage used: %w", err)
	}
	return &model.StorageUsed{DBDocuments: dbDocuments, AttachedFiles: attachedFiles}, nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	query, _, err := s.goqu.From(s.tUsers).Select("id").Order(goqu.I("id").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list user ids query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ─── Streams ───

type streamRow struct {
	ID             string
	UserID         string
	Name           string
	ParentID       sql.NullString
	Trashed        bool
	ClientData     []byte
	SingleActivity bool
	Created        int64
	CreatedBy      string
	Modified       int64
	ModifiedBy     string
	Integrity      string
}

var streamCols = []any{"id", "user_id", "name", "parent_id", "trashed", "client_data", "single_activity", "created", "created_by", "modified", "modified_by", "integrity"}

func scanStream(row interface{ Scan(dest ...any) error }) (*model.Stream, error) {
	var r streamRow
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.ParentID, &r.Trashed, &r.ClientData, &r.SingleActivity, &r.Created, &r.CreatedBy, &r.Modified, &r.ModifiedBy, &r.Integrity); err != nil {
		return nil, err
	}
	out := &model.Stream{
		ID: r.ID, UserID: r.UserID, Name: r.Name, Trashed: r.Trashed,
		SingleActivity: r.SingleActivity, Created: r.Created, CreatedBy: r.CreatedBy,
		Modified: r.Modified, ModifiedBy: r.ModifiedBy, Integrity: r.Integrity,
	}
	if r.ParentID.Valid {
		out.ParentID = &r.ParentID.String
	}
	if err := unmarshalInto(r.ClientData, &out.ClientData); err != nil {
		return nil, fmt.Errorf("unmarshal stream client data: %w", err)
	}
	return out, nil
}

func (s *Store) ListStreams(ctx context.Context, userID string, state store.EventState) ([]*model.Stream, error) {
	sel := s.goqu.From(s.tStreams).Select(streamCols...).Where(goqu.I("user_id").Eq(userID))
	switch state {
	case store.StateDefault:
		sel = sel.Where(goqu.I("trashed").Eq(false))
	case store.StateTrashed:
		sel = sel.Where(goqu.I("trashed").Eq(true))
	}
	query, _, err := sel.Order(goqu.I("id").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list streams query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []*model.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) GetStream(ctx context.Context, userID, id string) (*model.Stream, error) {
	query, _, err := s.goqu.From(s.tStreams).Select(streamCols...).
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get stream query: %w", err)
	}
	st, err := scanStream(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	return st, nil
}

func (s *Store) GetStreamByName(ctx context.Context, userID string, parentID *string, name string) (*model.Stream, error) {
	sel := s.goqu.From(s.tStreams).Select(streamCols...).
		Where(goqu.I("user_id").Eq(userID), goqu.I("name").Eq(name))
	if parentID == nil {
		sel = sel.Where(goqu.I("parent_id").IsNull())
	} else {
		sel = sel.Where(goqu.I("parent_id").Eq(*parentID))
	}
	query, _, err := sel.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get stream by name query: %w", err)
	}
	st, err := scanStream(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stream by name: %w", err)
	}
	return st, nil
}

func (s *Store) CreateStream(ctx context.Context, st model.Stream) (*model.Stream, error) {
	id := newID()
	t := now()
	clientData, err := marshalJSON(st.ClientData)
	if err != nil {
		return nil, fmt.Errorf("marshal stream client data: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tStreams).Rows(goqu.Record{
		"id": id, "user_id": st.UserID, "name": st.Name, "parent_id": nullableString(st.ParentID),
		"trashed": false, "client_data": clientData, "single_activity": st.SingleActivity,
		"created": t, "created_by": st.CreatedBy, "modified": t, "modified_by": st.ModifiedBy,
		"integrity": st.Integrity,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create stream query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		if s.isUniq(err) {
			return nil, apperror.DuplicateKeyError{Keys: []string{"name"}}
		}
		return nil, fmt.Errorf("create stream: %w", err)
	}

	st.ID, st.Created, st.Modified = id, t, t
	return &st, nil
}

func (s *Store) UpdateStream(ctx context.Context, userID, id string, patch map[string]any) (*model.Stream, error) {
	rec := goqu.Record{"modified": now()}
	if v, ok := patch["name"].(string); ok {
		rec["name"] = v
	}
	if v, ok := patch["parentId"]; ok {
		if v == nil {
			rec["parent_id"] = nil
		} else if s, ok := v.(string); ok {
			rec["parent_id"] = s
		}
	}
	if v, ok := patch["modifiedBy"].(string); ok {
		rec["modified_by"] = v
	}
	if v, ok := patch["clientData"]; ok {
		raw, err := marshalJSON(v)
		if err != nil {
			return nil, fmt.Errorf("marshal stream client data patch: %w", err)
		}
		rec["client_data"] = raw
	}

	query, _, err := s.goqu.Update(s.tStreams).Set(rec).Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update stream query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		if s.isUniq(err) {
			return nil, apperror.DuplicateKeyError{Keys: []string{"name"}}
		}
		return nil, fmt.Errorf("update stream: %w", err)
	}
	return s.GetStream(ctx, userID, id)
}

func (s *Store) TrashStream(ctx context.Context, userID, id string, trashed bool) (*model.Stream, error) {
	query, _, err := s.goqu.Update(s.tStreams).Set(goqu.Record{"trashed": trashed, "modified": now()}).
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build trash stream query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("trash stream: %w", err)
	}
	return s.GetStream(ctx, userID, id)
}

func (s *Store) DeleteStream(ctx context.Context, userID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete stream tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	delQuery, _, err := s.goqu.Delete(s.tStreams).Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete stream query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delQuery); err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}

	insQuery, _, err := s.goqu.Insert(s.tStreamDeletions).Rows(goqu.Record{
		"id": id, "user_id": userID, "deleted": now(),
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build stream deletion insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insQuery); err != nil {
		return fmt.Errorf("record stream deletion: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ListDeletedStreamsSince(ctx context.Context, userID string, since int64) ([]model.Deletion, error) {
	return s.listDeletions(ctx, s.tStreamDeletions, userID, since)
}

func (s *Store) listDeletions(ctx context.Context, table exp.IdentifierExpression, userID string, since int64) ([]model.Deletion, error) {
	query, _, err := s.goqu.From(table).Select("id", "deleted").
		Where(goqu.I("user_id").Eq(userID), goqu.I("deleted").Gte(since)).
		Order(goqu.I("deleted").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list deletions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list deletions: %w", err)
	}
	defer rows.Close()

	var out []model.Deletion
	for rows.Next() {
		var d model.Deletion
		if err := rows.Scan(&d.ID, &d.Deleted); err != nil {
			return nil, fmt.Errorf("scan deletion: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// ─── Events ───

type eventRow struct {
	ID          string
	UserID      string
	StreamIDs   []byte
	Type        string
	Time        float64
	Duration    sql.NullFloat64
	Content     []byte
	Tags        []byte
	Description string
	ClientData  []byte
	Trashed     bool
	Attachments []byte
	Created     int64
	CreatedBy   string
	Modified    int64
	ModifiedBy  string
	HeadID      sql.NullString
	Integrity   string
}

var eventCols = []any{
	"id", "user_id", "stream_ids", "type", "time", "duration", "content", "tags",
	"description", "client_data", "trashed", "attachments", "created", "created_by",
	"modified", "modified_by", "head_id", "integrity",
}

func scanEvent(row interface{ Scan(dest ...any) error }) (*model.Event, error) {
	var r eventRow
	if err := row.Scan(&r.ID, &r.UserID, &r.StreamIDs, &r.Type, &r.Time, &r.Duration, &r.Content, &r.Tags,
		&r.Description, &r.ClientData, &r.Trashed, &r.Attachments, &r.Created, &r.CreatedBy,
		&r.Modified, &r.ModifiedBy, &r.HeadID, &r.Integrity); err != nil {
		return nil, err
	}
	out := &model.Event{
		ID: r.ID, UserID: r.UserID, Type: r.Type, Time: r.Time, Description: r.Description,
		Trashed: r.Trashed, Created: r.Created, CreatedBy: r.CreatedBy,
		Modified: r.Modified, ModifiedBy: r.ModifiedBy, Integrity: r.Integrity,
	}
	if r.Duration.Valid {
		out.Duration = &r.Duration.Float64
	}
	if r.HeadID.Valid {
		out.HeadID = &r.HeadID.String
	}
	if err := unmarshalInto(r.StreamIDs, &out.StreamIDs); err != nil {
		return nil, fmt.Errorf("unmarshal event streamIds: %w", err)
	}
	if err := unmarshalInto(r.Content, &out.Content); err != nil {
		return nil, fmt.Errorf("unmarshal event content: %w", err)
	}
	if err := unmarshalInto(r.Tags, &out.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal event tags: %w", err)
	}
	if err := unmarshalInto(r.ClientData, &out.ClientData); err != nil {
		return nil, fmt.Errorf("unmarshal event client data: %w", err)
	}
	if err := unmarshalInto(r.Attachments, &out.Attachments); err != nil {
		return nil, fmt.Errorf("unmarshal event attachments: %w", err)
	}
	return out, nil
}

func eventRecord(e model.Event) (goqu.Record, error) {
	streamIDs, err := marshalJSON(e.StreamIDs)
	if err != nil {
		return nil, err
	}
	content, err := marshalJSON(e.Content)
	if err != nil {
		return nil, err
	}
	tags, err := marshalJSON(e.Tags)
	if err != nil {
		return nil, err
	}
	clientData, err := marshalJSON(e.ClientData)
	if err != nil {
		return nil, err
	}
	attachments, err := marshalJSON(e.Attachments)
	if err != nil {
		return nil, err
	}

	var duration any
	if e.Duration != nil {
		duration = *e.Duration
	}
	var headID any
	if e.HeadID != nil {
		headID = *e.HeadID
	}

	return goqu.Record{
		"stream_ids": streamIDs, "type": e.Type, "time": e.Time, "duration": duration,
		"content": content, "tags": tags, "description": e.Description, "client_data": clientData,
		"trashed": e.Trashed, "attachments": attachments, "created_by": e.CreatedBy,
		"modified_by": e.ModifiedBy, "head_id": headID, "integrity": e.Integrity,
	}, nil
}

func (s *Store) Query(ctx context.Context, userID string, q store.EventQuery) ([]*model.Event, error) {
	sel := s.goqu.From(s.tEvents).Select(eventCols...).Where(goqu.I("user_id").Eq(userID))
	switch q.State {
	case store.StateDefault:
		sel = sel.Where(goqu.I("trashed").Eq(false))
	case store.StateTrashed:
		sel = sel.Where(goqu.I("trashed").Eq(true))
	}
	if q.ModifiedSince != nil {
		sel = sel.Where(goqu.I("modified").Gte(*q.ModifiedSince))
	}
	if q.SortAscending {
		sel = sel.Order(goqu.I("time").Asc())
	} else {
		sel = sel.Order(goqu.I("time").Desc())
	}

	query, _, err := sel.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query events query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var matches []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if !queryfilter.Match(e, q) {
			continue
		}
		matches = append(matches, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return queryfilter.SortAndPage(matches, q), nil
}

func (s *Store) QueryDeletions(ctx context.Context, userID string, since int64) ([]model.Deletion, error) {
	return s.listDeletions(ctx, s.tEventDeletions, userID, since)
}

func (s *Store) GetEvent(ctx context.Context, userID, id string) (*model.Event, error) {
	query, _, err := s.goqu.From(s.tEvents).Select(eventCols...).
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get event query: %w", err)
	}
	e, err := scanEvent(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

func (s *Store) GetEventHistory(ctx context.Context, userID, id string) ([]*model.Event, error) {
	query, _, err := s.goqu.From(s.tEventHistory).Select("snapshot").
		Where(goqu.I("user_id").Eq(userID), goqu.I("event_id").Eq(id)).
		Order(goqu.I("seq").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build event history query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get event history: %w", err)
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan event history row: %w", err)
		}
		var e model.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("unmarshal event history snapshot: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) CreateEvent(ctx context.Context, e model.Event) (*model.Event, error) {
	id := newID()
	t := now()
	rec, err := eventRecord(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	rec["id"] = id
	rec["user_id"] = e.UserID
	rec["created"] = t
	rec["modified"] = t

	query, _, err := s.goqu.Insert(s.tEvents).Rows(rec).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create event query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		if s.isUniq(err) {
			return nil, apperror.DuplicateKeyError{Keys: []string{"id"}}
		}
		return nil, fmt.Errorf("create event: %w", err)
	}

	e.ID, e.Created, e.Modified = id, t, t
	return &e, nil
}

// UpdateEvent applies patch, snapshotting the pre-patch row into event_history
// first so GetEventHistory can reconstruct every past version.
func (s *Store) UpdateEvent(ctx context.Context, userID, id string, patch map[string]any) (*model.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update event tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selQuery, _, err := s.goqu.From(s.tEvents).Select(eventCols...).
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select event for update: %w", err)
	}
	current, err := scanEvent(tx.QueryRowContext(ctx, selQuery))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.KindUnknownResource, "event not found")
	}
	if err != nil {
		return nil, fmt.Errorf("select event for update: %w", err)
	}

	snapshot, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("marshal event snapshot: %w", err)
	}
	histQuery, _, err := s.goqu.Insert(s.tEventHistory).Rows(goqu.Record{
		"event_id": id, "user_id": userID, "snapshot": snapshot, "created": now(),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build event history insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, histQuery); err != nil {
		return nil, fmt.Errorf("record event history: %w", err)
	}

	rec := goqu.Record{"modified": now()}
	if v, ok := patch["streamIds"]; ok {
		raw, err := marshalJSON(v)
		if err != nil {
			return nil, err
		}
		rec["stream_ids"] = raw
	}
	if v, ok := patch["type"].(string); ok {
		rec["type"] = v
	}
	if v, ok := patch["time"].(float64); ok {
		rec["time"] = v
	}
	if v, ok := patch["duration"]; ok {
		if v == nil {
			rec["duration"] = nil
		} else if f, ok := v.(float64); ok {
			rec["duration"] = f
		}
	}
	if v, ok := patch["content"]; ok {
		raw, err := marshalJSON(v)
		if err != nil {
			return nil, err
		}
		rec["content"] = raw
	}
	if v, ok := patch["tags"]; ok {
		raw, err := marshalJSON(v)
		if err != nil {
			return nil, err
		}
		rec["tags"] = raw
	}
	if v, ok := patch["description"].(string); ok {
		rec["description"] = v
	}
	if v, ok := patch["clientData"]; ok {
		raw, err := marshalJSON(v)
		if err != nil {
			return nil, err
		}
		rec["client_data"] = raw
	}
	if v, ok := patch["modifiedBy"].(string); ok {
		rec["modified_by"] = v
	}

	updQuery, _, err := s.goqu.Update(s.tEvents).Set(rec).
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update event query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, updQuery); err != nil {
		return nil, fmt.Errorf("update event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update event tx: %w", err)
	}
	return s.GetEvent(ctx, userID, id)
}

func (s *Store) TrashEvent(ctx context.Context, userID, id string, trashed bool) (*model.Event, error) {
	query, _, err := s.goqu.Update(s.tEvents).Set(goqu.Record{"trashed": trashed, "modified": now()}).
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build trash event query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("trash event: %w", err)
	}
	return s.GetEvent(ctx, userID, id)
}

func (s *Store) DeleteEvent(ctx context.Context, userID, id string) (*model.Deletion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete event tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	delQuery, _, err := s.goqu.Delete(s.tEvents).Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build delete event query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delQuery); err != nil {
		return nil, fmt.Errorf("delete event: %w", err)
	}

	d := model.Deletion{ID: id, Deleted: now()}
	insQuery, _, err := s.goqu.Insert(s.tEventDeletions).Rows(goqu.Record{
		"id": d.ID, "user_id": userID, "deleted": d.Deleted,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build event deletion insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insQuery); err != nil {
		return nil, fmt.Errorf("record event deletion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete event tx: %w", err)
	}
	return &d, nil
}

func (s *Store) AddAttachment(ctx context.Context, userID, eventID string, att model.Attachment) (*model.Event, error) {
	e, err := s.GetEvent(ctx, userID, eventID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, apperror.New(apperror.KindUnknownResource, "event not found")
	}
	e.Attachments = append(e.Attachments, att)
	return s.replaceAttachments(ctx, userID, eventID, e.Attachments)
}

func (s *Store) RemoveAttachment(ctx context.Context, userID, eventID, attachmentID string) (*model.Event, error) {
	e, err := s.GetEvent(ctx, userID, eventID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, apperror.New(apperror.KindUnknownResource, "event not found")
	}
	kept := make([]model.Attachment, 0, len(e.Attachments))
	for _, a := range e.Attachments {
		if a.ID != attachmentID {
			kept = append(kept, a)
		}
	}
	return s.replaceAttachments(ctx, userID, eventID, kept)
}

func (s *Store) replaceAttachments(ctx context.Context, userID, eventID string, attachments []model.Attachment) (*model.Event, error) {
	raw, err := marshalJSON(attachments)
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}
	query, _, err := s.goqu.Update(s.tEvents).Set(goqu.Record{"attachments": raw, "modified": now()}).
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(eventID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update attachments query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update attachments: %w", err)
	}
	return s.GetEvent(ctx, userID, eventID)
}

// ReassignStreamID, DeleteEventsWhollyWithin, and RemoveStreamIDFromOthers
// implement stream-deletion merge semantics (spec.md §4.4). Because
// streamIds lives as a JSON column, they load the user's events, reassign in
// Go, and write back changed rows — fine at single-stream-deletion scale.

func (s *Store) ReassignStreamID(ctx context.Context, userID, fromStreamID, toStreamID string) (int, error) {
	events, err := s.Query(ctx, userID, store.EventQuery{State: store.StateAll})
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, e := range events {
		idx := indexOf(e.StreamIDs, fromStreamID)
		if idx < 0 {
			continue
		}
		ids := append(append([]string{}, e.StreamIDs[:idx]...), e.StreamIDs[idx+1:]...)
		if toStreamID != "" && !containsStr(ids, toStreamID) {
			ids = append(ids, toStreamID)
		}
		if err := s.setStreamIDs(ctx, userID, e.ID, ids); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (s *Store) DeleteEventsWhollyWithin(ctx context.Context, userID string, streamIDs []string) (int, error) {
	events, err := s.Query(ctx, userID, store.EventQuery{State: store.StateAll})
	if err != nil {
		return 0, err
	}
	set := make(map[string]struct{}, len(streamIDs))
	for _, id := range streamIDs {
		set[id] = struct{}{}
	}
	deleted := 0
	for _, e := range events {
		if !whollyWithin(e.StreamIDs, set) {
			continue
		}
		if _, err := s.DeleteEvent(ctx, userID, e.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) RemoveStreamIDFromOthers(ctx context.Context, userID, streamID string, subtreeIDs []string) (int, error) {
	events, err := s.Query(ctx, userID, store.EventQuery{State: store.StateAll})
	if err != nil {
		return 0, err
	}
	subtree := make(map[string]struct{}, len(subtreeIDs))
	for _, id := range subtreeIDs {
		subtree[id] = struct{}{}
	}
	updated := 0
	for _, e := range events {
		if whollyWithin(e.StreamIDs, subtree) {
			continue // handled by DeleteEventsWhollyWithin instead
		}
		idx := indexOf(e.StreamIDs, streamID)
		if idx < 0 {
			continue
		}
		ids := append(append([]string{}, e.StreamIDs[:idx]...), e.StreamIDs[idx+1:]...)
		if err := s.setStreamIDs(ctx, userID, e.ID, ids); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (s *Store) setStreamIDs(ctx context.Context, userID, eventID string, ids []string) error {
	raw, err := marshalJSON(ids)
	if err != nil {
		return err
	}
	query, _, err := s.goqu.Update(s.tEvents).Set(goqu.Record{"stream_ids": raw, "modified": now()}).
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(eventID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build set stream ids query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

func indexOf(ss []string, v string) int {
	for i, s := range ss {
		if s == v {
			return i
		}
	}
	return -1
}

func containsStr(ss []string, v string) bool {
	return indexOf(ss, v) >= 0
}

func whollyWithin(ids []string, set map[string]struct{}) bool {
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// ─── Accesses ───

type accessRow struct {
	ID          string
	UserID      string
	Token       string
	Type        string
	Name        string
	Permissions []byte
	ExpireAfter sql.NullInt64
	Expires     sql.NullInt64
	ClientData  []byte
	DeviceName  string
	CreatedBy   string
	ModifiedBy  string
	Created     int64
	Modified    int64
	Integrity   string
	LastUsed    int64
	Calls       []byte
}

var accessCols = []any{
	"id", "user_id", "token", "type", "name", "permissions", "expire_after", "expires",
	"client_data", "device_name", "created_by", "modified_by", "created", "modified",
	"integrity", "last_used", "calls",
}

func scanAccess(row interface{ Scan(dest ...any) error }) (*model.Access, error) {
	var r accessRow
	if err := row.Scan(&r.ID, &r.UserID, &r.Token, &r.Type, &r.Name, &r.Permissions, &r.ExpireAfter, &r.Expires,
		&r.ClientData, &r.DeviceName, &r.CreatedBy, &r.ModifiedBy, &r.Created, &r.Modified,
		&r.Integrity, &r.LastUsed, &r.Calls); err != nil {
		return nil, err
	}
	out := &model.Access{
		ID: r.ID, UserID: r.UserID, Token: r.Token, Type: model.AccessType(r.Type), Name: r.Name,
		DeviceName: r.DeviceName, CreatedBy: r.CreatedBy, ModifiedBy: r.ModifiedBy,
		Created: r.Created, Modified: r.Modified, Integrity: r.Integrity, LastUsed: r.LastUsed,
	}
	if r.ExpireAfter.Valid {
		out.ExpireAfter = &r.ExpireAfter.Int64
	}
	if r.Expires.Valid {
		out.Expires = &r.Expires.Int64
	}
	if err := unmarshalInto(r.Permissions, &out.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshal access permissions: %w", err)
	}
	if err := unmarshalInto(r.ClientData, &out.ClientData); err != nil {
		return nil, fmt.Errorf("unmarshal access client data: %w", err)
	}
	if err := unmarshalInto(r.Calls, &out.Calls); err != nil {
		return nil, fmt.Errorf("unmarshal access calls: %w", err)
	}
	return out, nil
}

func (s *Store) ListAccesses(ctx context.Context, userID string) ([]*model.Access, error) {
	query, _, err := s.goqu.From(s.tAccesses).Select(accessCols...).
		Where(goqu.I("user_id").Eq(userID)).Order(goqu.I("id").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list accesses query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list accesses: %w", err)
	}
	defer rows.Close()

	var out []*model.Access
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetAccessByToken(ctx context.Context, userID, token string) (*model.Access, error) {
	query, _, err := s.goqu.From(s.tAccesses).Select(accessCols...).
		Where(goqu.I("user_id").Eq(userID), goqu.I("token").Eq(token)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get access by token query: %w", err)
	}
	a, err := scanAccess(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get access by token: %w", err)
	}
	return a, nil
}

func (s *Store) GetAccessByID(ctx context.Context, userID, id string) (*model.Access, error) {
	query, _, err := s.goqu.From(s.tAccesses).Select(accessCols...).
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get access by id query: %w", err)
	}
	a, err := scanAccess(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get access by id: %w", err)
	}
	return a, nil
}

func (s *Store) CreateAccess(ctx context.Context, a model.Access) (*model.Access, error) {
	id := newID()
	t := now()
	permissions, err := marshalJSON(a.Permissions)
	if err != nil {
		return nil, err
	}
	clientData, err := marshalJSON(a.ClientData)
	if err != nil {
		return nil, err
	}
	calls, err := marshalJSON(a.Calls)
	if err != nil {
		return nil, err
	}

	var expireAfter, expires any
	if a.ExpireAfter != nil {
		expireAfter = *a.ExpireAfter
	}
	if a.Expires != nil {
		expires = *a.Expires
	}

	query, _, err := s.goqu.Insert(s.tAccesses).Rows(goqu.Record{
		"id": id, "user_id": a.UserID, "token": a.Token, "type": string(a.Type), "name": a.Name,
		"permissions": permissions, "expire_after": expireAfter, "expires": expires,
		"client_data": clientData, "device_name": a.DeviceName, "created_by": a.CreatedBy,
		"modified_by": a.ModifiedBy, "created": t, "modified": t, "integrity": a.Integrity,
		"last_used": 0, "calls": calls,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create access query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		if s.isUniq(err) {
			return nil, apperror.DuplicateKeyError{Keys: []string{"token"}}
		}
		return nil, fmt.Errorf("create access: %w", err)
	}

	a.ID, a.Created, a.Modified = id, t, t
	return &a, nil
}

func (s *Store) UpdateAccess(ctx context.Context, userID, id string, patch map[string]any) (*model.Access, error) {
	rec := goqu.Record{"modified": now()}
	if v, ok := patch["name"].(string); ok {
		rec["name"] = v
	}
	if v, ok := patch["modifiedBy"].(string); ok {
		rec["modified_by"] = v
	}
	if v, ok := patch["clientData"]; ok {
		raw, err := marshalJSON(v)
		if err != nil {
			return nil, err
		}
		rec["client_data"] = raw
	}
	if v, ok := patch["expires"]; ok {
		if v == nil {
			rec["expires"] = nil
		} else if f, ok := v.(float64); ok {
			rec["expires"] = int64(f)
		}
	}

	query, _, err := s.goqu.Update(s.tAccesses).Set(rec).
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update access query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update access: %w", err)
	}
	return s.GetAccessByID(ctx, userID, id)
}

func (s *Store) DeleteAccess(ctx context.Context, userID, id string) error {
	query, _, err := s.goqu.Delete(s.tAccesses).Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete access query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

func (s *Store) TouchAccess(ctx context.Context, userID, id, methodID string, when int64) error {
	a, err := s.GetAccessByID(ctx, userID, id)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}
	if a.Calls == nil {
		a.Calls = make(map[string]int)
	}
	a.Calls[methodID]++
	calls, err := marshalJSON(a.Calls)
	if err != nil {
		return err
	}

	query, _, err := s.goqu.Update(s.tAccesses).Set(goqu.Record{"last_used": when, "calls": calls}).
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build touch access query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

// ─── Followed Slices ───

func (s *Store) ListFollowedSlices(ctx context.Context, userID string) ([]*model.FollowedSlice, error) {
	query, _, err := s.goqu.From(s.tFollowedSlices).
		Select("id", "user_id", "name", "url", "access_token", "created", "modified").
		Where(goqu.I("user_id").Eq(userID)).Order(goqu.I("id").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list followed slices query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list followed slices: %w", err)
	}
	defer rows.Close()

	var out []*model.FollowedSlice
	for rows.Next() {
		var f model.FollowedSlice
		if err := rows.Scan(&f.ID, &f.UserID, &f.Name, &f.URL, &f.AccessToken, &f.Created, &f.Modified); err != nil {
			return nil, fmt.Errorf("scan followed slice: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *Store) CreateFollowedSlice(ctx context.Context, f model.FollowedSlice) (*model.FollowedSlice, error) {
	id := newID()
	t := now()
	query, _, err := s.goqu.Insert(s.tFollowedSlices).Rows(goqu.Record{
		"id": id, "user_id": f.UserID, "name": f.Name, "url": f.URL,
		"access_token": f.AccessToken, "created": t, "modified": t,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create followed slice query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		if s.isUniq(err) {
			return nil, apperror.DuplicateKeyError{Keys: []string{"name"}}
		}
		return nil, fmt.Errorf("create followed slice: %w", err)
	}
	f.ID, f.Created, f.Modified = id, t, t
	return &f, nil
}

func (s *Store) UpdateFollowedSlice(ctx context.Context, userID, id string, patch map[string]any) (*model.FollowedSlice, error) {
	rec := goqu.Record{"modified": now()}
	if v, ok := patch["name"].(string); ok {
		rec["name"] = v
	}
	query, _, err := s.goqu.Update(s.tFollowedSlices).Set(rec).
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update followed slice query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update followed slice: %w", err)
	}

	sel, _, err := s.goqu.From(s.tFollowedSlices).
		Select("id", "user_id", "name", "url", "access_token", "created", "modified").
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get followed slice query: %w", err)
	}
	var f model.FollowedSlice
	if err := s.db.QueryRowContext(ctx, sel).Scan(&f.ID, &f.UserID, &f.Name, &f.URL, &f.AccessToken, &f.Created, &f.Modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get updated followed slice: %w", err)
	}
	return &f, nil
}

func (s *Store) DeleteFollowedSlice(ctx context.Context, userID, id string) error {
	query, _, err := s.goqu.Delete(s.tFollowedSlices).
		Where(goqu.I("user_id").Eq(userID), goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete followed slice query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

// ─── Profiles ───

func (s *Store) GetProfile(ctx context.Context, userID string, scope model.ProfileScope, accessID string) (map[string]any, error) {
	query, _, err := s.goqu.From(s.tProfiles).Select("data").
		Where(goqu.I("user_id").Eq(userID), goqu.I("scope").Eq(string(scope)), goqu.I("access_id").Eq(accessID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get profile query: %w", err)
	}
	var raw []byte
	err = s.db.QueryRowContext(ctx, query).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	var data map[string]any
	if err := unmarshalInto(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func (s *Store) UpdateProfile(ctx context.Context, userID string, scope model.ProfileScope, accessID string, patch map[string]any) (map[string]any, error) {
	current, err := s.GetProfile(ctx, userID, scope, accessID)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		if v == nil {
			delete(current, k)
			continue
		}
		current[k] = v
	}

	raw, err := marshalJSON(current)
	if err != nil {
		return nil, fmt.Errorf("marshal profile: %w", err)
	}

	// Portable upsert: delete-then-insert inside a transaction, since
	// ON CONFLICT syntax differs between postgres and sqlite dialects.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update profile tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	delQuery, _, err := s.goqu.Delete(s.tProfiles).
		Where(goqu.I("user_id").Eq(userID), goqu.I("scope").Eq(string(scope)), goqu.I("access_id").Eq(accessID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build delete profile query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delQuery); err != nil {
		return nil, fmt.Errorf("clear profile bucket: %w", err)
	}

	insQuery, _, err := s.goqu.Insert(s.tProfiles).Rows(goqu.Record{
		"user_id": userID, "scope": string(scope), "access_id": accessID, "data": raw,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert profile query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insQuery); err != nil {
		return nil, fmt.Errorf("write profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update profile tx: %w", err)
	}
	return current, nil
}
