package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hookrelay/hookrelay/internal/action"
	"github.com/hookrelay/hookrelay/internal/delivery"
	"github.com/hookrelay/hookrelay/internal/event"
	"github.com/hookrelay/hookrelay/internal/routing"
)

// Postgres backs all four repositories with a pgx pool. Claims use
// conditional updates (and SKIP LOCKED for batches) so that racing
// workers get exactly one winner per event; dedup uses a transaction-level
// advisory lock keyed on webhook id + correlation id.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Set returns the Postgres store wired as a repository set.
func (p *Postgres) Set() Set {
	return Set{Webhooks: p, Actions: p, Events: p, Results: p}
}

// routingDoc is the jsonb shape routing configurations are stored as.
type routingDoc struct {
	Rules    []routing.Rule   `json:"rules"`
	Strategy routing.Strategy `json:"strategy"`
	Fallback *routing.Rule    `json:"fallback,omitempty"`
}

func (p *Postgres) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	var (
		w           Webhook
		routingJSON []byte
		configJSON  []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, key, action_id, routing, enabled, config
		FROM hookrelay.webhooks
		WHERE id = $1 AND enabled`, id,
	).Scan(&w.ID, &w.Key, &w.ActionID, &routingJSON, &w.Enabled, &configJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &w.Config); err != nil {
			return nil, fmt.Errorf("webhook %s config: %w", id, err)
		}
	}
	if len(routingJSON) > 0 {
		var doc routingDoc
		if err := json.Unmarshal(routingJSON, &doc); err != nil {
			return nil, fmt.Errorf("webhook %s routing: %w", id, err)
		}
		cfg, err := routing.NewConfiguration(doc.Rules, doc.Strategy, doc.Fallback)
		if err != nil {
			return nil, fmt.Errorf("webhook %s routing: %w", id, err)
		}
		w.Routing = cfg
	}
	return &w, nil
}

func (p *Postgres) ValidateKey(ctx context.Context, id, key string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM hookrelay.webhooks
			WHERE id = $1 AND key = $2 AND enabled)`, id, key,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("validate key: %w", err)
	}
	return ok, nil
}

func (p *Postgres) GetAction(ctx context.Context, id string) (*action.Action, error) {
	var (
		a          action.Action
		configJSON []byte
		policyJSON []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(description, ''), protocol_id, config, policy, created_at, updated_at
		FROM hookrelay.actions
		WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.Description, &a.ProtocolID, &configJSON, &policyJSON, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &a.Config); err != nil {
			return nil, fmt.Errorf("action %s config: %w", id, err)
		}
	}
	if len(policyJSON) > 0 {
		a.Policy = &delivery.Policy{}
		if err := json.Unmarshal(policyJSON, a.Policy); err != nil {
			return nil, fmt.Errorf("action %s policy: %w", id, err)
		}
	}
	return &a, nil
}

func (p *Postgres) GetProtocol(ctx context.Context, id string) (*action.Protocol, error) {
	var (
		pr            action.Protocol
		policyJSON    []byte
		semanticsJSON []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(description, ''), default_policy, allowed_semantics
		FROM hookrelay.protocols
		WHERE id = $1`, id,
	).Scan(&pr.ID, &pr.Name, &pr.Description, &policyJSON, &semanticsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("protocol %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get protocol: %w", err)
	}
	if err := json.Unmarshal(policyJSON, &pr.DefaultPolicy); err != nil {
		return nil, fmt.Errorf("protocol %s policy: %w", id, err)
	}
	if len(semanticsJSON) > 0 {
		if err := json.Unmarshal(semanticsJSON, &pr.AllowedSemantics); err != nil {
			return nil, fmt.Errorf("protocol %s semantics: %w", id, err)
		}
	}
	return &pr, nil
}

func (p *Postgres) RecordReceived(ctx context.Context, rcpt *Receipt, ev *event.Event) (string, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if rcpt.CorrelationID != "" {
		// Serialize concurrent duplicate deliveries for this webhook and
		// correlation id; the lock is released at commit/rollback.
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			rcpt.WebhookID+"\x00"+rcpt.CorrelationID,
		); err != nil {
			return "", false, fmt.Errorf("dedup lock: %w", err)
		}

		var existing string
		err := tx.QueryRow(ctx, `
			SELECT e.id
			FROM hookrelay.events e
			JOIN hookrelay.receipts r ON r.response_id = e.id
			WHERE r.webhook_id = $1 AND e.correlation_id = $2
			  AND e.status NOT IN ('completed', 'exhausted', 'rejected')
			LIMIT 1`, rcpt.WebhookID, rcpt.CorrelationID,
		).Scan(&existing)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return "", false, fmt.Errorf("commit: %w", err)
			}
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", false, fmt.Errorf("dedup lookup: %w", err)
		}
	}

	headersJSON, err := json.Marshal(rcpt.RawHeaders)
	if err != nil {
		return "", false, fmt.Errorf("marshal headers: %w", err)
	}
	metadataJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return "", false, fmt.Errorf("marshal metadata: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO hookrelay.events(id, action_id, direction, content, content_type, status, correlation_id, metadata, created_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8::jsonb, $9, 0)`,
		ev.ID, ev.ActionID, string(ev.Direction), ev.Content, ev.ContentType,
		string(ev.Status), ev.CorrelationID, string(metadataJSON), ev.CreatedAt,
	); err != nil {
		return "", false, fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO hookrelay.receipts(response_id, webhook_id, raw_headers, raw_body, content_type, correlation_id, received_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, NULLIF($6, ''), $7)`,
		rcpt.ResponseID, rcpt.WebhookID, string(headersJSON), rcpt.RawBody,
		rcpt.ContentType, rcpt.CorrelationID, rcpt.Timestamp,
	); err != nil {
		return "", false, fmt.Errorf("insert receipt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	return ev.ID, true, nil
}

const eventColumns = `id, action_id, direction, content, content_type, status,
	COALESCE(correlation_id, ''), metadata, created_at, processed_at,
	retry_count, next_retry_at, COALESCE(last_error, '')`

func scanEvent(row pgx.Row) (*event.Event, error) {
	var (
		ev           event.Event
		metadataJSON []byte
	)
	err := row.Scan(&ev.ID, &ev.ActionID, &ev.Direction, &ev.Content, &ev.ContentType,
		&ev.Status, &ev.CorrelationID, &metadataJSON, &ev.CreatedAt, &ev.ProcessedAt,
		&ev.RetryCount, &ev.NextRetryAt, &ev.LastError)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("event %s metadata: %w", ev.ID, err)
		}
	}
	return &ev, nil
}

func (p *Postgres) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	ev, err := scanEvent(p.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM hookrelay.events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

func (p *Postgres) Claim(ctx context.Context, id string, now time.Time) (*event.Event, error) {
	ev, err := scanEvent(p.pool.QueryRow(ctx, `
		UPDATE hookrelay.events
		SET status = 'processing', updated_at = now()
		WHERE id = $1
		  AND status IN ('pending', 'scheduled_retry')
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		RETURNING `+eventColumns, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either claimed by another worker or unknown; disambiguate so the
		// caller can skip vs surface a defect.
		var exists bool
		if qerr := p.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM hookrelay.events WHERE id = $1)`, id,
		).Scan(&exists); qerr != nil {
			return nil, fmt.Errorf("claim lookup: %w", qerr)
		}
		if exists {
			return nil, fmt.Errorf("event %s: %w", id, ErrAlreadyClaimed)
		}
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("claim event: %w", err)
	}
	return ev, nil
}

func (p *Postgres) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*event.Event, error) {
	rows, err := p.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM hookrelay.events
			WHERE status IN ('pending', 'scheduled_retry')
			  AND (next_retry_at IS NULL OR next_retry_at <= $1)
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE hookrelay.events e
		SET status = 'processing', updated_at = now()
		FROM due
		WHERE e.id = due.id
		RETURNING e.`+eventColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var claimed []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("claim batch scan: %w", err)
		}
		claimed = append(claimed, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}
	return claimed, nil
}

func (p *Postgres) Update(ctx context.Context, ev *event.Event) error {
	metadataJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	ct, err := p.pool.Exec(ctx, `
		UPDATE hookrelay.events
		SET status = $2, processed_at = $3, retry_count = $4, next_retry_at = $5,
		    last_error = NULLIF($6, ''), metadata = $7::jsonb, updated_at = now()
		WHERE id = $1`,
		ev.ID, string(ev.Status), ev.ProcessedAt, ev.RetryCount, ev.NextRetryAt,
		ev.LastError, string(metadataJSON))
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", ev.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) StoreResult(ctx context.Context, res *Result) error {
	outputJSON, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO hookrelay.results(response_id, success, output, error, created_at)
		VALUES ($1, $2, $3::jsonb, NULLIF($4, ''), $5)
		ON CONFLICT (response_id) DO UPDATE
		SET success = EXCLUDED.success, output = EXCLUDED.output,
		    error = EXCLUDED.error, created_at = EXCLUDED.created_at`,
		res.ResponseID, res.Success, string(outputJSON), res.Error, res.Timestamp)
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

func (p *Postgres) GetResult(ctx context.Context, responseID string) (*Result, error) {
	var (
		res        Result
		outputJSON []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT response_id, success, output, COALESCE(error, ''), created_at
		FROM hookrelay.results
		WHERE response_id = $1`, responseID,
	).Scan(&res.ResponseID, &res.Success, &outputJSON, &res.Error, &res.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", responseID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &res.Output); err != nil {
			return nil, fmt.Errorf("result %s output: %w", responseID, err)
		}
	}
	return &res, nil
}
