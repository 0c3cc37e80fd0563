package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"leadline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const leadColumns = `id,rank,business_name,website_url,niche,city,contact_email,contact_phone,lead_score,asset_grade,status,notes,tags_json,owner_id,locked_by_run_id,lock_expires_at,created_at,updated_at`

func scanLead(scan func(dest ...any) error) (domain.Lead, error) {
	var l domain.Lead
	var rank sql.NullInt64
	var website, niche, city, email, phone, grade, notes, tags, owner, lockRun, lockExp sql.NullString
	err := scan(&l.ID, &rank, &l.BusinessName, &website, &niche, &city, &email, &phone,
		&l.LeadScore, &grade, &l.Status, &notes, &tags, &owner, &lockRun, &lockExp, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if rank.Valid {
		l.Rank = int(rank.Int64)
	}
	l.WebsiteURL = website.String
	l.Niche = niche.String
	l.City = city.String
	l.ContactEmail = email.String
	l.ContactPhone = phone.String
	l.AssetGrade = grade.String
	l.Notes = notes.String
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &l.Tags)
	}
	if owner.Valid {
		l.OwnerID = &owner.String
	}
	if lockRun.Valid {
		l.LockedByRunID = &lockRun.String
	}
	if lockExp.Valid {
		l.LockExpiresAt = &lockExp.String
	}
	return l, nil
}

func (r Repo) InsertLead(ctx context.Context, tx *sql.Tx, l domain.Lead) error {
	tags, err := marshalStringSlice(l.Tags)
	if err != nil {
		return err
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `INSERT INTO leads(`+leadColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, nullableInt(l.Rank), l.BusinessName, nullable(l.WebsiteURL), nullable(l.Niche), nullable(l.City),
		nullable(l.ContactEmail), nullable(l.ContactPhone), l.LeadScore, nullable(l.AssetGrade), l.Status,
		nullable(l.Notes), tags, nullableStringPtr(l.OwnerID), nullableStringPtr(l.LockedByRunID),
		nullableStringPtr(l.LockExpiresAt), l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) UpdateLead(ctx context.Context, tx *sql.Tx, l domain.Lead) error {
	tags, err := marshalStringSlice(l.Tags)
	if err != nil {
		return err
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE leads SET rank=?, business_name=?, website_url=?, niche=?, city=?, contact_email=?, contact_phone=?, lead_score=?, asset_grade=?, status=?, notes=?, tags_json=?, owner_id=?, locked_by_run_id=?, lock_expires_at=?, updated_at=? WHERE id=?`,
		nullableInt(l.Rank), l.BusinessName, nullable(l.WebsiteURL), nullable(l.Niche), nullable(l.City),
		nullable(l.ContactEmail), nullable(l.ContactPhone), l.LeadScore, nullable(l.AssetGrade), l.Status,
		nullable(l.Notes), tags, nullableStringPtr(l.OwnerID), nullableStringPtr(l.LockedByRunID),
		nullableStringPtr(l.LockExpiresAt), l.UpdatedAt, l.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id)
	return scanLead(row.Scan)
}

func (r Repo) GetLeadTx(ctx context.Context, tx *sql.Tx, id string) (domain.Lead, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id)
	return scanLead(row.Scan)
}

func (r Repo) DeleteLeadTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM leads WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type LeadFilters struct {
	Status          string
	Niche           string
	City            string
	OwnerID         string
	MinScore        int
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListLeads(ctx context.Context, f LeadFilters) ([]domain.Lead, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Niche != "" {
		clauses = append(clauses, "niche=?")
		args = append(args, f.Niche)
	}
	if f.City != "" {
		clauses = append(clauses, "city=?")
		args = append(args, f.City)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.MinScore > 0 {
		clauses = append(clauses, "lead_score>=?")
		args = append(args, f.MinScore)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + leadColumns + ` FROM leads ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) CountLeadsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM leads GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) InsertOutreach(ctx context.Context, tx *sql.Tx, e domain.OutreachEntry) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO outreach_log(id,lead_id,ts,channel,snippet,outcome) VALUES (?,?,?,?,?,?)`,
		e.ID, e.LeadID, e.TS, e.Channel, nullable(e.Snippet), nullable(e.Outcome))
	return err
}

func (r Repo) ListOutreach(ctx context.Context, leadID string) ([]domain.OutreachEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,lead_id,ts,channel,COALESCE(snippet,''),COALESCE(outcome,'') FROM outreach_log WHERE lead_id=? ORDER BY ts ASC, id ASC`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutreachEntry
	for rows.Next() {
		var e domain.OutreachEntry
		if err := rows.Scan(&e.ID, &e.LeadID, &e.TS, &e.Channel, &e.Snippet, &e.Outcome); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the highest event ID, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
