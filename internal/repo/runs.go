package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"leadline/internal/domain"
)

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,lead_id,status,package_json,error,started_at,completed_at) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.LeadID, run.Status, nullableStringPtr(run.PackageJSON), nullableStringPtr(run.Error),
		run.StartedAt, nullableStringPtr(run.CompletedAt))
	return err
}

func (r Repo) UpdateRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, package_json=?, error=?, completed_at=? WHERE id=?`,
		run.Status, nullableStringPtr(run.PackageJSON), nullableStringPtr(run.Error),
		nullableStringPtr(run.CompletedAt), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	var run domain.Run
	var pkg, errMsg, completed sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,lead_id,status,package_json,error,started_at,completed_at FROM runs WHERE id=?`, id).
		Scan(&run.ID, &run.LeadID, &run.Status, &pkg, &errMsg, &run.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if pkg.Valid {
		run.PackageJSON = &pkg.String
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	if completed.Valid {
		run.CompletedAt = &completed.String
	}
	return run, nil
}

func (r Repo) ListRunsByLead(ctx context.Context, leadID string) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,lead_id,status,package_json,error,started_at,completed_at FROM runs WHERE lead_id=? ORDER BY started_at DESC, id DESC`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		var pkg, errMsg, completed sql.NullString
		if err := rows.Scan(&run.ID, &run.LeadID, &run.Status, &pkg, &errMsg, &run.StartedAt, &completed); err != nil {
			return nil, err
		}
		if pkg.Valid {
			run.PackageJSON = &pkg.String
		}
		if errMsg.Valid {
			run.Error = &errMsg.String
		}
		if completed.Valid {
			run.CompletedAt = &completed.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) InsertReplayStepTx(ctx context.Context, tx *sql.Tx, s domain.ReplayStep) error {
	assetIDs, err := marshalStringSlice(s.AssetIDs)
	if err != nil {
		return err
	}
	logLines, err := marshalStringSlice(s.Log)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO replay_steps(id,run_id,order_index,module,action,status,started_at,ended_at,retry_count,input_json,asset_ids_json,log_json,error,output_summary)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.RunID, s.OrderIndex, s.Module, s.Action, s.Status, s.StartedAt, nullableStringPtr(s.EndedAt),
		s.RetryCount, nullable(s.InputJSON), assetIDs, logLines, nullableStringPtr(s.Error), nullableStringPtr(s.OutputSummary))
	return err
}

// ListReplaySteps returns a run's replay log ordered by execution.
func (r Repo) ListReplaySteps(ctx context.Context, runID string) ([]domain.ReplayStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,order_index,module,action,status,started_at,ended_at,retry_count,input_json,asset_ids_json,log_json,error,output_summary FROM replay_steps WHERE run_id=? ORDER BY order_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReplayStep
	for rows.Next() {
		var s domain.ReplayStep
		var ended, input, assetIDs, logLines, errMsg, summary sql.NullString
		if err := rows.Scan(&s.ID, &s.RunID, &s.OrderIndex, &s.Module, &s.Action, &s.Status, &s.StartedAt,
			&ended, &s.RetryCount, &input, &assetIDs, &logLines, &errMsg, &summary); err != nil {
			return nil, err
		}
		if ended.Valid {
			s.EndedAt = &ended.String
		}
		s.InputJSON = input.String
		if assetIDs.Valid && assetIDs.String != "" {
			_ = json.Unmarshal([]byte(assetIDs.String), &s.AssetIDs)
		}
		if logLines.Valid && logLines.String != "" {
			_ = json.Unmarshal([]byte(logLines.String), &s.Log)
		}
		if errMsg.Valid {
			s.Error = &errMsg.String
		}
		if summary.Valid {
			s.OutputSummary = &summary.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
