package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"leadline/internal/domain"
)

const assetColumns = `id,lead_id,type,title,payload,source_module,content_hash,metadata_json,created_at`

func scanAsset(scan func(dest ...any) error) (domain.Asset, error) {
	var a domain.Asset
	var leadID, hash, meta sql.NullString
	err := scan(&a.ID, &leadID, &a.Type, &a.Title, &a.Payload, &a.SourceModule, &hash, &meta, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if leadID.Valid {
		a.LeadID = &leadID.String
	}
	if hash.Valid {
		a.ContentHash = &hash.String
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &a.Metadata)
	}
	return a, nil
}

func (r Repo) InsertAsset(ctx context.Context, a domain.Asset) error {
	var meta any
	if len(a.Metadata) > 0 {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO assets(`+assetColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, nullableStringPtr(a.LeadID), a.Type, a.Title, a.Payload, a.SourceModule,
		nullableStringPtr(a.ContentHash), meta, a.CreatedAt)
	return err
}

func (r Repo) GetAsset(ctx context.Context, id string) (domain.Asset, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=?`, id)
	return scanAsset(row.Scan)
}

// FindTextAssetByHash looks up an existing deduplicated text asset in one
// lead's scope. A nil lead matches unowned assets.
func (r Repo) FindTextAssetByHash(ctx context.Context, leadID *string, hash string) (domain.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE type=? AND content_hash=? AND `
	args := []any{domain.AssetText, hash}
	if leadID != nil {
		query += `lead_id=?`
		args = append(args, *leadID)
	} else {
		query += `lead_id IS NULL`
	}
	query += ` LIMIT 1`
	row := r.DB.QueryRowContext(ctx, query, args...)
	return scanAsset(row.Scan)
}

type AssetFilters struct {
	LeadID       string
	Type         string
	SourceModule string
	Limit        int
}

// ListAssets returns assets most-recent-first.
func (r Repo) ListAssets(ctx context.Context, f AssetFilters) ([]domain.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE 1=1`
	var args []any
	if f.LeadID != "" {
		query += ` AND lead_id=?`
		args = append(args, f.LeadID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	if f.SourceModule != "" {
		query += ` AND source_module=?`
		args = append(args, f.SourceModule)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAsset(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM assets WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
