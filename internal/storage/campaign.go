package storage

import (
	"context"
	"fmt"
)

// claimBatchQuery picks claimable jobs and flips them to processing in one
// statement. FOR UPDATE SKIP LOCKED keeps concurrent claimants (including
// other processes) from ever seeing the same row.
const claimBatchQuery = `
	WITH picked AS (
		SELECT cj.id
		FROM campaign_jobs cj
		JOIN campaigns c ON c.id = cj.campaign_id
		WHERE cj.status = 'pending'
		  AND c.scheduled_at <= NOW()
		  AND c.status != 'paused'
		ORDER BY cj.created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	),
	claimed AS (
		UPDATE campaign_jobs cj
		SET status = 'processing'
		FROM picked
		WHERE cj.id = picked.id
		RETURNING cj.id, cj.campaign_id, cj.phone_number
	)
	SELECT
		cl.id,
		cl.campaign_id,
		c.name,
		cl.phone_number,
		c.message_template,
		t.id,
		t.company_name,
		t.status,
		t.wa_provider,
		COALESCE(t.session_id, ''),
		COALESCE(t.cloud_phone_id, ''),
		COALESCE(t.cloud_token, '')
	FROM claimed cl
	JOIN campaigns c ON c.id = cl.campaign_id
	JOIN tenants t ON t.id = c.tenant_id
`

// errTextLimit bounds the operator-visible failure text on a job.
const errTextLimit = 500

func (p *Postgres) ClaimBatch(ctx context.Context, limit int) ([]CampaignJob, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, claimBatchQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var jobs []CampaignJob
	for rows.Next() {
		var j CampaignJob
		err := rows.Scan(
			&j.ID, &j.CampaignID, &j.CampaignName, &j.Phone, &j.Template,
			&j.Tenant.ID, &j.Tenant.Name, &j.Tenant.Status, &j.Tenant.Provider,
			&j.Tenant.SessionID, &j.Tenant.CloudPhoneID, &j.Tenant.CloudToken,
		)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (p *Postgres) MarkSent(ctx context.Context, jobID int64, campaignID int64, externalID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE campaign_jobs
		SET status = 'sent',
		    sent_at = NOW(),
		    wa_message_id = NULLIF($2, ''),
		    error_text = NULL
		WHERE id = $1
	`, jobID, externalID)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		UPDATE campaigns SET success_count = success_count + 1 WHERE id = $1
	`, campaignID)
	return err
}

func (p *Postgres) MarkFailed(ctx context.Context, jobID int64, campaignID int64, errText string) error {
	if len(errText) > errTextLimit {
		errText = errText[:errTextLimit]
	}

	_, err := p.db.ExecContext(ctx, `
		UPDATE campaign_jobs
		SET status = 'failed',
		    error_text = $2
		WHERE id = $1
	`, jobID, errText)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		UPDATE campaigns SET failed_count = failed_count + 1 WHERE id = $1
	`, campaignID)
	return err
}
