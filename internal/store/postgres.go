package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sitetrace/changeflow/internal/db"
	"github.com/sitetrace/changeflow/internal/fault"
	"github.com/sitetrace/changeflow/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_candidate":  `SELECT ` + pgCandidateCols + ` FROM change_candidates WHERE id = $1`,
	"get_order":      `SELECT ` + pgOrderCols + ` FROM change_orders WHERE id = $1`,
	"get_token":      `SELECT ` + pgTokenCols + ` FROM action_tokens WHERE value = $1`,
	"find_ingestion": `SELECT ` + pgIngestionCols + ` FROM ingest_records WHERE external_id = $1`,
	"consume_token": `UPDATE action_tokens SET used_at = $1
		WHERE value = $2 AND used_at IS NULL AND superseded_at IS NULL AND expires_at > $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wires an existing pool, used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ingest_records (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	project_id   TEXT NOT NULL,
	channel      TEXT NOT NULL,
	external_id  TEXT NOT NULL UNIQUE,
	payload      JSONB NOT NULL,
	attachments  JSONB,
	sender       TEXT,
	subject      TEXT,
	received_at  TIMESTAMPTZ,
	status       TEXT NOT NULL DEFAULT 'queued',
	error_detail TEXT,
	processed_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS change_candidates (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	project_id         TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'proposed',
	description        TEXT NOT NULL,
	area               TEXT,
	material_from      TEXT,
	material_to        TEXT,
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
	embedding          JSONB,
	raw_text           TEXT,
	prompt_version     TEXT,
	model_used         TEXT,
	tokens_used        INTEGER,
	processing_time_ms BIGINT,
	rejection_reason   TEXT,
	confirmed_at       TIMESTAMPTZ,
	rejected_at        TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evidence_links (
	candidate_id TEXT NOT NULL REFERENCES change_candidates(id),
	record_id    TEXT NOT NULL REFERENCES ingest_records(id),
	relevance    DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (candidate_id, record_id)
);

CREATE TABLE IF NOT EXISTS change_orders (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	project_id     TEXT NOT NULL,
	order_seq      INTEGER NOT NULL,
	order_number   TEXT NOT NULL,
	description    TEXT,
	status         TEXT NOT NULL DEFAULT 'draft',
	subtotal       NUMERIC(14,4) NOT NULL DEFAULT 0,
	markup_percent NUMERIC(7,4) NOT NULL DEFAULT 0,
	markup_amount  NUMERIC(14,4) NOT NULL DEFAULT 0,
	tax_percent    NUMERIC(7,4) NOT NULL DEFAULT 0,
	tax_amount     NUMERIC(14,4) NOT NULL DEFAULT 0,
	total          NUMERIC(14,4) NOT NULL DEFAULT 0,
	currency       TEXT NOT NULL DEFAULT 'USD',
	document_ref   TEXT,
	client_ip      TEXT,
	user_agent     TEXT,
	consent_at     TIMESTAMPTZ,
	sent_at        TIMESTAMPTZ,
	signed_at      TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (project_id, order_seq)
);

CREATE TABLE IF NOT EXISTS change_order_items (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	order_id     TEXT NOT NULL REFERENCES change_orders(id),
	candidate_id TEXT,
	description  TEXT NOT NULL,
	category     TEXT NOT NULL DEFAULT 'other',
	quantity     NUMERIC(12,4) NOT NULL DEFAULT 1,
	unit         TEXT NOT NULL DEFAULT 'unit',
	unit_cost    NUMERIC(14,4) NOT NULL DEFAULT 0,
	total_cost   NUMERIC(14,4) NOT NULL DEFAULT 0,
	sort_order   INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS action_tokens (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	order_id      TEXT NOT NULL REFERENCES change_orders(id),
	value         TEXT NOT NULL UNIQUE,
	action        TEXT NOT NULL DEFAULT 'sign',
	recipient     TEXT,
	expires_at    TIMESTAMPTZ NOT NULL,
	used_at       TIMESTAMPTZ,
	superseded_at TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS state_transitions (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	from_status TEXT,
	to_status   TEXT NOT NULL,
	actor_type  TEXT NOT NULL,
	actor_id    TEXT,
	reason      TEXT,
	metadata    JSONB,
	ip_address  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ingest_records_status ON ingest_records(status);
CREATE INDEX IF NOT EXISTS idx_candidates_project_status ON change_candidates(project_id, status);
CREATE INDEX IF NOT EXISTS idx_evidence_record ON evidence_links(record_id);
CREATE INDEX IF NOT EXISTS idx_orders_project ON change_orders(project_id);
CREATE INDEX IF NOT EXISTS idx_items_order ON change_order_items(order_id);
CREATE INDEX IF NOT EXISTS idx_tokens_order ON action_tokens(order_id);
CREATE INDEX IF NOT EXISTS idx_transitions_entity ON state_transitions(entity_type, entity_id, created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Ingestion records ---

const pgIngestionCols = `id, project_id, channel, external_id, payload, attachments, sender, subject, received_at, status, error_detail, processed_at, created_at, updated_at`

func (s *PostgresStore) CreateIngestion(ctx context.Context, rec *model.IngestionRecord, tr *model.Transition) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = model.ProcessingQueued
	}

	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal payload")
	}
	attachJSON, err := json.Marshal(rec.Attachments)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attachments")
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO ingest_records
			 (id, project_id, channel, external_id, payload, attachments, sender, subject, received_at, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			rec.ID, rec.ProjectID, string(rec.Channel), rec.ExternalID,
			payloadJSON, attachJSON, rec.Sender, rec.Subject,
			rec.ReceivedAt, string(rec.Status), now, now,
		)
		if err != nil {
			if isPgUnique(err) {
				return fault.Conflict("ingestion", rec.ExternalID)
			}
			return eris.Wrap(err, "postgres: insert ingest record")
		}
		if tr != nil && tr.EntityID == "" {
			tr.EntityID = rec.ID
		}
		return insertTransitionPg(ctx, tx, tr)
	})
}

func (s *PostgresStore) GetIngestion(ctx context.Context, id string) (*model.IngestionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgIngestionCols+` FROM ingest_records WHERE id = $1`, id)
	rec, err := scanIngestionPg(row)
	if err != nil && eris.Is(err, pgx.ErrNoRows) {
		return nil, fault.NotFound("ingestion", id)
	}
	return rec, err
}

func (s *PostgresStore) FindIngestionByExternalID(ctx context.Context, externalID string) (*model.IngestionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgIngestionCols+` FROM ingest_records WHERE external_id = $1`, externalID)
	rec, err := scanIngestionPg(row)
	if err != nil && eris.Is(err, pgx.ErrNoRows) {
		return nil, fault.NotFound("ingestion", externalID)
	}
	return rec, err
}

func (s *PostgresStore) TransitionIngestion(ctx context.Context, id string, from, to model.ProcessingStatus, errDetail string, tr *model.Transition) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var processedAt *time.Time
		if to == model.ProcessingCompleted || to == model.ProcessingFailed {
			processedAt = &now
		}
		tag, err := tx.Exec(ctx,
			`UPDATE ingest_records
			 SET status = $1, error_detail = $2, processed_at = COALESCE($3, processed_at), updated_at = $4
			 WHERE id = $5 AND status = $6`,
			string(to), nullStrPg(errDetail), processedAt, now, id, string(from),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: transition ingestion %s", id)
		}
		if err := guardTag(tag, func() error {
			_, gerr := s.GetIngestion(ctx, id)
			if gerr != nil {
				return gerr
			}
			return fault.Conflict("ingestion", id)
		}); err != nil {
			return err
		}
		return insertTransitionPg(ctx, tx, tr)
	})
}

func (s *PostgresStore) StaleIngestions(ctx context.Context, cutoff time.Time) ([]model.IngestionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgIngestionCols+` FROM ingest_records
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC`,
		string(model.ProcessingInProgress), cutoff.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale ingestions")
	}
	defer rows.Close()

	var out []model.IngestionRecord
	for rows.Next() {
		rec, err := scanIngestionPg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: stale ingestions iterate")
}

// --- Candidates and evidence ---

const pgCandidateCols = `id, project_id, status, description, area, material_from, material_to, confidence, embedding, raw_text, prompt_version, model_used, tokens_used, processing_time_ms, rejection_reason, confirmed_at, rejected_at, created_at, updated_at`

func (s *PostgresStore) CreateCandidate(ctx context.Context, c *model.ChangeCandidate, link *model.EvidenceLink, tr *model.Transition) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	embJSON, err := json.Marshal(c.Embedding)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal embedding")
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO change_candidates
			 (id, project_id, status, description, area, material_from, material_to, confidence, embedding, raw_text,
			  prompt_version, model_used, tokens_used, processing_time_ms, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			c.ID, c.ProjectID, string(c.Status), c.Description, c.Area, c.MaterialFrom, c.MaterialTo,
			c.Confidence, embJSON, c.RawText,
			c.Provenance.PromptVersion, c.Provenance.ModelUsed, c.Provenance.TokensUsed, c.Provenance.ProcessingTimeMS,
			now, now,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert candidate")
		}
		if link != nil {
			link.CandidateID = c.ID
			link.CreatedAt = now
			if _, err := tx.Exec(ctx,
				`INSERT INTO evidence_links (candidate_id, record_id, relevance, created_at) VALUES ($1, $2, $3, $4)`,
				link.CandidateID, link.RecordID, link.Relevance, now,
			); err != nil {
				return eris.Wrap(err, "postgres: insert evidence link")
			}
		}
		if tr != nil && tr.EntityID == "" {
			tr.EntityID = c.ID
		}
		return insertTransitionPg(ctx, tx, tr)
	})
}

func (s *PostgresStore) GetCandidate(ctx context.Context, id string) (*model.ChangeCandidate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgCandidateCols+` FROM change_candidates WHERE id = $1`, id)
	c, err := scanCandidatePg(row)
	if err != nil && eris.Is(err, pgx.ErrNoRows) {
		return nil, fault.NotFound("candidate", id)
	}
	return c, err
}

func (s *PostgresStore) ListCandidates(ctx context.Context, projectID string, statuses ...model.CandidateStatus) ([]model.ChangeCandidate, error) {
	query := `SELECT ` + pgCandidateCols + ` FROM change_candidates WHERE project_id = $1`
	args := []any{projectID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = fmt.Sprintf("$%d", i+2)
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list candidates")
	}
	defer rows.Close()

	var out []model.ChangeCandidate
	for rows.Next() {
		c, err := scanCandidatePg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func (s *PostgresStore) TransitionCandidate(ctx context.Context, id string, from, to model.CandidateStatus, upd CandidateUpdate, tr *model.Transition) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		set := []string{"status = $1", "updated_at = $2"}
		args := []any{string(to), now}
		appendSet := func(col string, v any) {
			args = append(args, v)
			set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
		}
		if upd.Confidence != nil {
			appendSet("confidence", *upd.Confidence)
		}
		if upd.Description != nil {
			appendSet("description", *upd.Description)
		}
		if upd.Area != nil {
			appendSet("area", *upd.Area)
		}
		if upd.MaterialFrom != nil {
			appendSet("material_from", *upd.MaterialFrom)
		}
		if upd.MaterialTo != nil {
			appendSet("material_to", *upd.MaterialTo)
		}
		if upd.RejectionReason != nil {
			appendSet("rejection_reason", *upd.RejectionReason)
		}
		if upd.ConfirmedAt != nil {
			appendSet("confirmed_at", upd.ConfirmedAt.UTC())
		}
		if upd.RejectedAt != nil {
			appendSet("rejected_at", upd.RejectedAt.UTC())
		}
		args = append(args, id)
		idIdx := len(args)
		args = append(args, string(from))

		tag, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE change_candidates SET %s WHERE id = $%d AND status = $%d`,
				strings.Join(set, ", "), idIdx, idIdx+1),
			args...,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: transition candidate %s", id)
		}
		if err := guardTag(tag, func() error {
			_, gerr := s.GetCandidate(ctx, id)
			if gerr != nil {
				return gerr
			}
			return fault.Conflict("candidate", id)
		}); err != nil {
			return err
		}
		return insertTransitionPg(ctx, tx, tr)
	})
}

func (s *PostgresStore) AddEvidence(ctx context.Context, link *model.EvidenceLink, from model.CandidateStatus, confidence *float64, tr *model.Transition) error {
	now := time.Now().UTC()
	link.CreatedAt = now
	return s.inTx(ctx, func(tx pgx.Tx) error {
		// The candidate write carries the same status guard as a
		// transition: evidence observed at a stale status never lands.
		var (
			tag pgconn.CommandTag
			err error
		)
		if confidence != nil {
			tag, err = tx.Exec(ctx,
				`UPDATE change_candidates SET confidence = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
				*confidence, now, link.CandidateID, string(from),
			)
		} else {
			tag, err = tx.Exec(ctx,
				`UPDATE change_candidates SET updated_at = $1 WHERE id = $2 AND status = $3`,
				now, link.CandidateID, string(from),
			)
		}
		if err != nil {
			return eris.Wrap(err, "postgres: update candidate for evidence")
		}
		if err := guardTag(tag, func() error {
			_, gerr := s.GetCandidate(ctx, link.CandidateID)
			if gerr != nil {
				return gerr
			}
			return fault.Conflict("candidate", link.CandidateID)
		}); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO evidence_links (candidate_id, record_id, relevance, created_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (candidate_id, record_id) DO NOTHING`,
			link.CandidateID, link.RecordID, link.Relevance, now,
		); err != nil {
			return eris.Wrap(err, "postgres: insert evidence link")
		}
		return insertTransitionPg(ctx, tx, tr)
	})
}

func (s *PostgresStore) ListEvidence(ctx context.Context, candidateID string) ([]model.EvidenceLink, error) {
	return s.listEvidencePg(ctx, `candidate_id`, candidateID)
}

func (s *PostgresStore) EvidenceForRecord(ctx context.Context, recordID string) ([]model.EvidenceLink, error) {
	return s.listEvidencePg(ctx, `record_id`, recordID)
}

func (s *PostgresStore) listEvidencePg(ctx context.Context, col, id string) ([]model.EvidenceLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT candidate_id, record_id, relevance, created_at FROM evidence_links WHERE `+col+` = $1 ORDER BY created_at ASC`,
		id,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list evidence")
	}
	defer rows.Close()

	var out []model.EvidenceLink
	for rows.Next() {
		var l model.EvidenceLink
		if err := rows.Scan(&l.CandidateID, &l.RecordID, &l.Relevance, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan evidence link")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list evidence iterate")
}

func (s *PostgresStore) CandidatesForOrder(ctx context.Context, orderID string) ([]model.ChangeCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT c.`+strings.ReplaceAll(pgCandidateCols, ", ", ", c.")+`
		 FROM change_candidates c
		 JOIN change_order_items i ON i.candidate_id = c.id
		 WHERE i.order_id = $1`,
		orderID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: candidates for order")
	}
	defer rows.Close()

	var out []model.ChangeCandidate
	for rows.Next() {
		c, err := scanCandidatePg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: candidates for order iterate")
}

// --- Orders and items ---

const pgOrderCols = `id, project_id, order_seq, order_number, description, status, subtotal, markup_percent, markup_amount, tax_percent, tax_amount, total, currency, document_ref, client_ip, user_agent, consent_at, sent_at, signed_at, created_at, updated_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.ChangeOrder, tr *model.Transition) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	return s.inTx(ctx, func(tx pgx.Tx) error {
		var seq int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(order_seq), 0) + 1 FROM change_orders WHERE project_id = $1`,
			o.ProjectID,
		).Scan(&seq); err != nil {
			return eris.Wrap(err, "postgres: next order seq")
		}
		o.OrderSeq = seq
		o.OrderNumber = model.FormatOrderNumber(now.Year(), seq)

		_, err := tx.Exec(ctx,
			`INSERT INTO change_orders
			 (id, project_id, order_seq, order_number, description, status, subtotal, markup_percent, markup_amount,
			  tax_percent, tax_amount, total, currency, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			o.ID, o.ProjectID, o.OrderSeq, o.OrderNumber, o.Description, string(o.Status),
			o.Subtotal, o.MarkupPercent, o.MarkupAmount,
			o.TaxPercent, o.TaxAmount, o.Total, o.Currency,
			now, now,
		)
		if err != nil {
			if isPgUnique(err) {
				return fault.Conflict("order", o.ProjectID)
			}
			return eris.Wrap(err, "postgres: insert order")
		}
		if tr != nil && tr.EntityID == "" {
			tr.EntityID = o.ID
		}
		return insertTransitionPg(ctx, tx, tr)
	})
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.ChangeOrder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgOrderCols+` FROM change_orders WHERE id = $1`, id)
	o, err := scanOrderPg(row)
	if err != nil && eris.Is(err, pgx.ErrNoRows) {
		return nil, fault.NotFound("order", id)
	}
	return o, err
}

func (s *PostgresStore) ListOrders(ctx context.Context, projectID string) ([]model.ChangeOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgOrderCols+` FROM change_orders WHERE project_id = $1 ORDER BY order_seq ASC`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list orders")
	}
	defer rows.Close()

	var out []model.ChangeOrder
	for rows.Next() {
		o, err := scanOrderPg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list orders iterate")
}

func (s *PostgresStore) SaveItem(ctx context.Context, item *model.ChangeOrderItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
		item.CreatedAt = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		scale, markupPct, taxPct, err := s.guardMutableOrderPg(ctx, tx, item.OrderID)
		if err != nil {
			return err
		}
		item.TotalCost = model.LineTotal(item.Quantity, item.UnitCost, scale)

		_, err = tx.Exec(ctx,
			`INSERT INTO change_order_items
			 (id, order_id, candidate_id, description, category, quantity, unit, unit_cost, total_cost, sort_order, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (id) DO UPDATE SET
			   description = excluded.description, category = excluded.category,
			   quantity = excluded.quantity, unit = excluded.unit,
			   unit_cost = excluded.unit_cost, total_cost = excluded.total_cost,
			   sort_order = excluded.sort_order`,
			item.ID, item.OrderID, nullStrPg(item.CandidateID), item.Description, string(item.Category),
			item.Quantity, item.Unit, item.UnitCost, item.TotalCost,
			item.SortOrder, item.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: save item")
		}
		return s.recomputeTotalsPg(ctx, tx, item.OrderID, markupPct, taxPct, scale)
	})
}

func (s *PostgresStore) DeleteItem(ctx context.Context, orderID, itemID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		scale, markupPct, taxPct, err := s.guardMutableOrderPg(ctx, tx, orderID)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM change_order_items WHERE id = $1 AND order_id = $2`, itemID, orderID)
		if err != nil {
			return eris.Wrap(err, "postgres: delete item")
		}
		if tag.RowsAffected() == 0 {
			return fault.NotFound("item", itemID)
		}
		return s.recomputeTotalsPg(ctx, tx, orderID, markupPct, taxPct, scale)
	})
}

func (s *PostgresStore) guardMutableOrderPg(ctx context.Context, tx pgx.Tx, orderID string) (int32, decimal.Decimal, decimal.Decimal, error) {
	var status, cur string
	var markupPct, taxPct decimal.Decimal
	err := tx.QueryRow(ctx,
		`SELECT status, markup_percent, tax_percent, currency FROM change_orders WHERE id = $1 FOR UPDATE`, orderID,
	).Scan(&status, &markupPct, &taxPct, &cur)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return 0, decimal.Zero, decimal.Zero, fault.NotFound("order", orderID)
		}
		return 0, decimal.Zero, decimal.Zero, eris.Wrap(err, "postgres: load order pricing")
	}
	if !model.OrderStatus(status).Mutable() {
		return 0, decimal.Zero, decimal.Zero, fault.InvalidTransition("order", orderID, status, status)
	}
	return model.MinorUnitScale(cur), markupPct, taxPct, nil
}

func (s *PostgresStore) recomputeTotalsPg(ctx context.Context, tx pgx.Tx, orderID string, markupPct, taxPct decimal.Decimal, scale int32) error {
	rows, err := tx.Query(ctx,
		`SELECT total_cost FROM change_order_items WHERE order_id = $1`, orderID)
	if err != nil {
		return eris.Wrap(err, "postgres: read item totals")
	}
	defer rows.Close()

	var items []model.ChangeOrderItem
	for rows.Next() {
		var tc decimal.Decimal
		if err := rows.Scan(&tc); err != nil {
			return eris.Wrap(err, "postgres: scan item total")
		}
		items = append(items, model.ChangeOrderItem{TotalCost: tc})
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: item totals iterate")
	}
	rows.Close()

	t := model.ComputeTotals(items, markupPct, taxPct, scale)
	_, err = tx.Exec(ctx,
		`UPDATE change_orders SET subtotal = $1, markup_amount = $2, tax_amount = $3, total = $4, updated_at = $5 WHERE id = $6`,
		t.Subtotal, t.MarkupAmount, t.TaxAmount, t.Total, time.Now().UTC(), orderID,
	)
	return eris.Wrap(err, "postgres: update totals")
}

func (s *PostgresStore) ListItems(ctx context.Context, orderID string) ([]model.ChangeOrderItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, candidate_id, description, category, quantity, unit, unit_cost, total_cost, sort_order, created_at
		 FROM change_order_items WHERE order_id = $1 ORDER BY sort_order ASC, created_at ASC`,
		orderID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list items")
	}
	defer rows.Close()

	var out []model.ChangeOrderItem
	for rows.Next() {
		var it model.ChangeOrderItem
		var candidateID *string
		if err := rows.Scan(&it.ID, &it.OrderID, &candidateID, &it.Description, &it.Category,
			&it.Quantity, &it.Unit, &it.UnitCost, &it.TotalCost, &it.SortOrder, &it.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		if candidateID != nil {
			it.CandidateID = *candidateID
		}
		out = append(out, it)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) TransitionOrder(ctx context.Context, id string, from, to model.OrderStatus, upd OrderUpdate, tr *model.Transition) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.transitionOrderTx(ctx, tx, id, from, to, upd, tr)
	})
}

// transitionOrderTx is the guarded order update shared by TransitionOrder
// and RedeemToken; it runs inside the caller's transaction.
func (s *PostgresStore) transitionOrderTx(ctx context.Context, tx pgx.Tx, id string, from, to model.OrderStatus, upd OrderUpdate, tr *model.Transition) error {
	now := time.Now().UTC()
	set := []string{"status = $1", "updated_at = $2"}
	args := []any{string(to), now}
	appendSet := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.DocumentRef != nil {
		appendSet("document_ref", *upd.DocumentRef)
	}
	if upd.SentAt != nil {
		appendSet("sent_at", upd.SentAt.UTC())
	}
	if upd.SignedAt != nil {
		appendSet("signed_at", upd.SignedAt.UTC())
	}
	if upd.Consent != nil {
		appendSet("client_ip", upd.Consent.ClientIP)
		appendSet("user_agent", upd.Consent.UserAgent)
		appendSet("consent_at", upd.Consent.SignedAt.UTC())
	}
	args = append(args, id)
	idIdx := len(args)
	args = append(args, string(from))

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE change_orders SET %s WHERE id = $%d AND status = $%d`,
			strings.Join(set, ", "), idIdx, idIdx+1),
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition order %s", id)
	}
	if err := guardTag(tag, func() error {
		_, gerr := s.GetOrder(ctx, id)
		if gerr != nil {
			return gerr
		}
		return fault.Conflict("order", id)
	}); err != nil {
		return err
	}
	return insertTransitionPg(ctx, tx, tr)
}

// --- Tokens ---

const pgTokenCols = `id, order_id, value, action, recipient, expires_at, used_at, superseded_at, created_at`

func (s *PostgresStore) MintToken(ctx context.Context, t *model.ActionToken) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE action_tokens SET superseded_at = $1
			 WHERE order_id = $2 AND used_at IS NULL AND superseded_at IS NULL`,
			now, t.OrderID,
		); err != nil {
			return eris.Wrap(err, "postgres: supersede tokens")
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO action_tokens (id, order_id, value, action, recipient, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.ID, t.OrderID, t.Value, string(t.Action), t.Recipient, t.ExpiresAt.UTC(), now,
		)
		return eris.Wrap(err, "postgres: insert token")
	})
}

func (s *PostgresStore) GetToken(ctx context.Context, value string) (*model.ActionToken, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgTokenCols+` FROM action_tokens WHERE value = $1`, value)
	t, err := scanTokenPg(row)
	if err != nil && eris.Is(err, pgx.ErrNoRows) {
		return nil, fault.NotFound("token", value)
	}
	return t, err
}

func (s *PostgresStore) ConsumeToken(ctx context.Context, value string, now time.Time) (*model.ActionToken, error) {
	now = now.UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE action_tokens SET used_at = $1
		 WHERE value = $2 AND used_at IS NULL AND superseded_at IS NULL AND expires_at > $3`,
		now, value, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: consume token")
	}
	if tag.RowsAffected() == 1 {
		return s.GetToken(ctx, value)
	}

	t, err := s.GetToken(ctx, value)
	if err != nil {
		return nil, err
	}
	return nil, classifyDeadToken(t)
}

// RedeemToken consumes the token and applies the owning order's guarded
// transition in one transaction. Any failure past the consume rolls the
// whole redemption back, so the token stays live.
func (s *PostgresStore) RedeemToken(ctx context.Context, value string, now time.Time, from, to model.OrderStatus, upd OrderUpdate, tr *model.Transition) (*model.ActionToken, error) {
	now = now.UTC()
	var token *model.ActionToken
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE action_tokens SET used_at = $1
			 WHERE value = $2 AND used_at IS NULL AND superseded_at IS NULL AND expires_at > $3`,
			now, value, now,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: consume token")
		}
		if tag.RowsAffected() != 1 {
			t, gerr := s.GetToken(ctx, value)
			if gerr != nil {
				return gerr
			}
			return classifyDeadToken(t)
		}
		row := tx.QueryRow(ctx,
			`SELECT `+pgTokenCols+` FROM action_tokens WHERE value = $1`, value)
		token, err = scanTokenPg(row)
		if err != nil {
			return eris.Wrap(err, "postgres: read consumed token")
		}
		if tr != nil && tr.EntityID == "" {
			tr.EntityID = token.OrderID
		}
		return s.transitionOrderTx(ctx, tx, token.OrderID, from, to, upd, tr)
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

// --- Ledger ---

func (s *PostgresStore) AppendTransition(ctx context.Context, tr *model.Transition) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return insertTransitionPg(ctx, tx, tr)
	})
}

func (s *PostgresStore) History(ctx context.Context, entityType model.EntityType, entityID string) ([]model.Transition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, from_status, to_status, actor_type, actor_id, reason, metadata, ip_address, created_at
		 FROM state_transitions
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY created_at ASC, id ASC`,
		string(entityType), entityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: history")
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		t, err := scanTransitionPg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: history iterate")
}

func (s *PostgresStore) ListEntityIDs(ctx context.Context, entityType model.EntityType) ([]string, error) {
	var table string
	switch entityType {
	case model.EntityCandidate:
		table = "change_candidates"
	case model.EntityOrder:
		table = "change_orders"
	case model.EntityIngestion:
		table = "ingest_records"
	default:
		return nil, fault.Validation("no table for entity type " + string(entityType))
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM `+table+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entity ids")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity id")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "postgres: entity ids iterate")
}

// --- helpers ---

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	if err := fn(tx); err != nil {
		tx.Rollback(ctx) //nolint:errcheck
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

func insertTransitionPg(ctx context.Context, tx pgx.Tx, tr *model.Transition) error {
	if tr == nil {
		return nil
	}
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	metaJSON, err := json.Marshal(tr.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal transition metadata")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO state_transitions
		 (id, entity_type, entity_id, from_status, to_status, actor_type, actor_id, reason, metadata, ip_address, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tr.ID, string(tr.EntityType), tr.EntityID, nullStrPg(tr.FromStatus), tr.ToStatus,
		string(tr.Actor.Type), nullStrPg(tr.Actor.ID), nullStrPg(tr.Reason),
		metaJSON, nullStrPg(tr.IPAddress), tr.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert transition")
}

func guardTag(tag pgconn.CommandTag, classify func() error) error {
	if tag.RowsAffected() == 0 {
		return classify()
	}
	return nil
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullStrPg(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type pgScanner interface {
	Scan(dest ...any) error
}

func scanIngestionPg(row pgScanner) (*model.IngestionRecord, error) {
	var rec model.IngestionRecord
	var payloadJSON, attachJSON []byte
	var sender, subject, errDetail *string
	var receivedAt, processedAt *time.Time

	err := row.Scan(&rec.ID, &rec.ProjectID, &rec.Channel, &rec.ExternalID, &payloadJSON,
		&attachJSON, &sender, &subject, &receivedAt, &rec.Status, &errDetail, &processedAt,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan ingest record")
	}

	if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal payload")
	}
	if len(attachJSON) > 0 && string(attachJSON) != "null" {
		if err := json.Unmarshal(attachJSON, &rec.Attachments); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal attachments")
		}
	}
	rec.Sender = derefPg(sender)
	rec.Subject = derefPg(subject)
	rec.ErrorDetail = derefPg(errDetail)
	if receivedAt != nil {
		rec.ReceivedAt = *receivedAt
	}
	rec.ProcessedAt = processedAt
	return &rec, nil
}

func scanCandidatePg(row pgScanner) (*model.ChangeCandidate, error) {
	var c model.ChangeCandidate
	var area, materialFrom, materialTo, rawText, promptVersion, modelUsed, rejection *string
	var embJSON []byte
	var tokensUsed *int
	var processingMS *int64

	err := row.Scan(&c.ID, &c.ProjectID, &c.Status, &c.Description, &area, &materialFrom, &materialTo,
		&c.Confidence, &embJSON, &rawText, &promptVersion, &modelUsed, &tokensUsed, &processingMS,
		&rejection, &c.ConfirmedAt, &c.RejectedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan candidate")
	}

	c.Area = derefPg(area)
	c.MaterialFrom = derefPg(materialFrom)
	c.MaterialTo = derefPg(materialTo)
	c.RawText = derefPg(rawText)
	c.RejectionReason = derefPg(rejection)
	c.Provenance = model.Provenance{
		PromptVersion: derefPg(promptVersion),
		ModelUsed:     derefPg(modelUsed),
	}
	if tokensUsed != nil {
		c.Provenance.TokensUsed = *tokensUsed
	}
	if processingMS != nil {
		c.Provenance.ProcessingTimeMS = *processingMS
	}
	if len(embJSON) > 0 && string(embJSON) != "null" {
		if err := json.Unmarshal(embJSON, &c.Embedding); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal embedding")
		}
	}
	return &c, nil
}

func scanOrderPg(row pgScanner) (*model.ChangeOrder, error) {
	var o model.ChangeOrder
	var description, documentRef, clientIP, userAgent *string
	var consentAt *time.Time

	err := row.Scan(&o.ID, &o.ProjectID, &o.OrderSeq, &o.OrderNumber, &description, &o.Status,
		&o.Subtotal, &o.MarkupPercent, &o.MarkupAmount, &o.TaxPercent, &o.TaxAmount, &o.Total, &o.Currency,
		&documentRef, &clientIP, &userAgent, &consentAt, &o.SentAt, &o.SignedAt,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan order")
	}

	o.Description = derefPg(description)
	o.DocumentRef = derefPg(documentRef)
	if consentAt != nil {
		o.Consent = &model.ConsentRecord{
			ClientIP:  derefPg(clientIP),
			UserAgent: derefPg(userAgent),
			SignedAt:  *consentAt,
		}
	}
	return &o, nil
}

func scanTokenPg(row pgScanner) (*model.ActionToken, error) {
	var t model.ActionToken
	var recipient *string

	err := row.Scan(&t.ID, &t.OrderID, &t.Value, &t.Action, &recipient,
		&t.ExpiresAt, &t.UsedAt, &t.SupersededAt, &t.CreatedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan token")
	}
	t.Recipient = derefPg(recipient)
	return &t, nil
}

func scanTransitionPg(row pgScanner) (*model.Transition, error) {
	var tr model.Transition
	var fromStatus, actorID, reason, ipAddress *string
	var metaJSON []byte

	err := row.Scan(&tr.ID, &tr.EntityType, &tr.EntityID, &fromStatus, &tr.ToStatus,
		&tr.Actor.Type, &actorID, &reason, &metaJSON, &ipAddress, &tr.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan transition")
	}
	tr.FromStatus = derefPg(fromStatus)
	tr.Actor.ID = derefPg(actorID)
	tr.Reason = derefPg(reason)
	tr.IPAddress = derefPg(ipAddress)
	if len(metaJSON) > 0 && string(metaJSON) != "null" {
		if err := json.Unmarshal(metaJSON, &tr.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal transition metadata")
		}
	}
	return &tr, nil
}

func derefPg(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
