package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"leadline/internal/domain"
)

// MaxDossierVersionTx returns the highest version saved for a lead, 0 when none.
func (r Repo) MaxDossierVersionTx(ctx context.Context, tx *sql.Tx, leadID string) (int, error) {
	var v int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM dossiers WHERE lead_id=?`, leadID).Scan(&v)
	return v, err
}

func (r Repo) InsertDossierTx(ctx context.Context, tx *sql.Tx, d domain.Dossier) error {
	ids, err := marshalStringSlice(d.ConsideredAssetIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO dossiers(id,lead_id,version,package_json,considered_asset_ids_json,created_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.LeadID, d.Version, d.PackageJSON, ids, d.CreatedAt)
	return err
}

// ListDossiersByLead returns dossiers newest version first.
func (r Repo) ListDossiersByLead(ctx context.Context, leadID string) ([]domain.Dossier, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,lead_id,version,package_json,considered_asset_ids_json,created_at FROM dossiers WHERE lead_id=? ORDER BY version DESC`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dossier
	for rows.Next() {
		var d domain.Dossier
		var ids sql.NullString
		if err := rows.Scan(&d.ID, &d.LeadID, &d.Version, &d.PackageJSON, &ids, &d.CreatedAt); err != nil {
			return nil, err
		}
		if ids.Valid && ids.String != "" {
			_ = json.Unmarshal([]byte(ids.String), &d.ConsideredAssetIDs)
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) GetDossier(ctx context.Context, id string) (domain.Dossier, error) {
	var d domain.Dossier
	var ids sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,lead_id,version,package_json,considered_asset_ids_json,created_at FROM dossiers WHERE id=?`, id).
		Scan(&d.ID, &d.LeadID, &d.Version, &d.PackageJSON, &ids, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if ids.Valid && ids.String != "" {
		_ = json.Unmarshal([]byte(ids.String), &d.ConsideredAssetIDs)
	}
	return d, nil
}
