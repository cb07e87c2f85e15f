package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sitetrace/changeflow/internal/fault"
	"github.com/sitetrace/changeflow/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ingest_records (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL,
	channel      TEXT NOT NULL,
	external_id  TEXT NOT NULL UNIQUE,
	payload      TEXT NOT NULL,
	attachments  TEXT,
	sender       TEXT,
	subject      TEXT,
	received_at  DATETIME,
	status       TEXT NOT NULL DEFAULT 'queued',
	error_detail TEXT,
	processed_at DATETIME,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS change_candidates (
	id                 TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'proposed',
	description        TEXT NOT NULL,
	area               TEXT,
	material_from      TEXT,
	material_to        TEXT,
	confidence         REAL NOT NULL DEFAULT 0,
	embedding          TEXT,
	raw_text           TEXT,
	prompt_version     TEXT,
	model_used         TEXT,
	tokens_used        INTEGER,
	processing_time_ms INTEGER,
	rejection_reason   TEXT,
	confirmed_at       DATETIME,
	rejected_at        DATETIME,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence_links (
	candidate_id TEXT NOT NULL REFERENCES change_candidates(id),
	record_id    TEXT NOT NULL REFERENCES ingest_records(id),
	relevance    REAL NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	PRIMARY KEY (candidate_id, record_id)
);

CREATE TABLE IF NOT EXISTS change_orders (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL,
	order_seq      INTEGER NOT NULL,
	order_number   TEXT NOT NULL,
	description    TEXT,
	status         TEXT NOT NULL DEFAULT 'draft',
	subtotal       TEXT NOT NULL DEFAULT '0',
	markup_percent TEXT NOT NULL DEFAULT '0',
	markup_amount  TEXT NOT NULL DEFAULT '0',
	tax_percent    TEXT NOT NULL DEFAULT '0',
	tax_amount     TEXT NOT NULL DEFAULT '0',
	total          TEXT NOT NULL DEFAULT '0',
	currency       TEXT NOT NULL DEFAULT 'USD',
	document_ref   TEXT,
	client_ip      TEXT,
	user_agent     TEXT,
	consent_at     DATETIME,
	sent_at        DATETIME,
	signed_at      DATETIME,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE (project_id, order_seq)
);

CREATE TABLE IF NOT EXISTS change_order_items (
	id           TEXT PRIMARY KEY,
	order_id     TEXT NOT NULL REFERENCES change_orders(id),
	candidate_id TEXT,
	description  TEXT NOT NULL,
	category     TEXT NOT NULL DEFAULT 'other',
	quantity     TEXT NOT NULL DEFAULT '1',
	unit         TEXT NOT NULL DEFAULT 'unit',
	unit_cost    TEXT NOT NULL DEFAULT '0',
	total_cost   TEXT NOT NULL DEFAULT '0',
	sort_order   INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS action_tokens (
	id            TEXT PRIMARY KEY,
	order_id      TEXT NOT NULL REFERENCES change_orders(id),
	value         TEXT NOT NULL UNIQUE,
	action        TEXT NOT NULL DEFAULT 'sign',
	recipient     TEXT,
	expires_at    DATETIME NOT NULL,
	used_at       DATETIME,
	superseded_at DATETIME,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS state_transitions (
	id          TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	from_status TEXT,
	to_status   TEXT NOT NULL,
	actor_type  TEXT NOT NULL,
	actor_id    TEXT,
	reason      TEXT,
	metadata    TEXT,
	ip_address  TEXT,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingest_records_status ON ingest_records(status);
CREATE INDEX IF NOT EXISTS idx_candidates_project_status ON change_candidates(project_id, status);
CREATE INDEX IF NOT EXISTS idx_evidence_record ON evidence_links(record_id);
CREATE INDEX IF NOT EXISTS idx_orders_project ON change_orders(project_id);
CREATE INDEX IF NOT EXISTS idx_items_order ON change_order_items(order_id);
CREATE INDEX IF NOT EXISTS idx_tokens_order ON action_tokens(order_id);
CREATE INDEX IF NOT EXISTS idx_transitions_entity ON state_transitions(entity_type, entity_id, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Ingestion records ---

func (s *SQLiteStore) CreateIngestion(ctx context.Context, rec *model.IngestionRecord, tr *model.Transition) error {
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
		return eris.Wrap(err, "sqlite: marshal payload")
	}
	attachJSON, err := json.Marshal(rec.Attachments)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attachments")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ingest_records
			 (id, project_id, channel, external_id, payload, attachments, sender, subject, received_at, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ProjectID, string(rec.Channel), rec.ExternalID,
			string(payloadJSON), string(attachJSON), rec.Sender, rec.Subject,
			rec.ReceivedAt, string(rec.Status), now, now,
		)
		if err != nil {
			if isSQLiteUnique(err) {
				return fault.Conflict("ingestion", rec.ExternalID)
			}
			return eris.Wrap(err, "sqlite: insert ingest record")
		}
		if tr != nil && tr.EntityID == "" {
			tr.EntityID = rec.ID
		}
		return insertTransitionSQLite(ctx, tx, tr)
	})
}

func (s *SQLiteStore) GetIngestion(ctx context.Context, id string) (*model.IngestionRecord, error) {
	return s.scanOneIngestion(ctx, `WHERE id = ?`, id)
}

func (s *SQLiteStore) FindIngestionByExternalID(ctx context.Context, externalID string) (*model.IngestionRecord, error) {
	return s.scanOneIngestion(ctx, `WHERE external_id = ?`, externalID)
}

const sqliteIngestionCols = `id, project_id, channel, external_id, payload, attachments, sender, subject, received_at, status, error_detail, processed_at, created_at, updated_at`

func (s *SQLiteStore) scanOneIngestion(ctx context.Context, where string, arg any) (*model.IngestionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteIngestionCols+` FROM ingest_records `+where, arg)
	rec, err := scanIngestion(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("ingestion", toString(arg))
	}
	return rec, err
}

func (s *SQLiteStore) TransitionIngestion(ctx context.Context, id string, from, to model.ProcessingStatus, errDetail string, tr *model.Transition) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var processedAt any
		if to == model.ProcessingCompleted || to == model.ProcessingFailed {
			processedAt = now
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE ingest_records
			 SET status = ?, error_detail = ?, processed_at = COALESCE(?, processed_at), updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(to), nullIfEmpty(errDetail), processedAt, now, id, string(from),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: transition ingestion %s", id)
		}
		if err := guardUpdated(res, func() error {
			_, gerr := s.GetIngestion(ctx, id)
			if gerr != nil {
				return gerr
			}
			return fault.Conflict("ingestion", id)
		}); err != nil {
			return err
		}
		return insertTransitionSQLite(ctx, tx, tr)
	})
}

func (s *SQLiteStore) StaleIngestions(ctx context.Context, cutoff time.Time) ([]model.IngestionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteIngestionCols+` FROM ingest_records
		 WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at ASC`,
		string(model.ProcessingInProgress), cutoff.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale ingestions")
	}
	defer rows.Close()

	var out []model.IngestionRecord
	for rows.Next() {
		rec, err := scanIngestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: stale ingestions iterate")
}

// --- Candidates and evidence ---

const sqliteCandidateCols = `id, project_id, status, description, area, material_from, material_to, confidence, embedding, raw_text, prompt_version, model_used, tokens_used, processing_time_ms, rejection_reason, confirmed_at, rejected_at, created_at, updated_at`

func (s *SQLiteStore) CreateCandidate(ctx context.Context, c *model.ChangeCandidate, link *model.EvidenceLink, tr *model.Transition) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	embJSON, err := json.Marshal(c.Embedding)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal embedding")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO change_candidates
			 (id, project_id, status, description, area, material_from, material_to, confidence, embedding, raw_text,
			  prompt_version, model_used, tokens_used, processing_time_ms, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ProjectID, string(c.Status), c.Description, c.Area, c.MaterialFrom, c.MaterialTo,
			c.Confidence, string(embJSON), c.RawText,
			c.Provenance.PromptVersion, c.Provenance.ModelUsed, c.Provenance.TokensUsed, c.Provenance.ProcessingTimeMS,
			now, now,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert candidate")
		}
		if link != nil {
			link.CandidateID = c.ID
			link.CreatedAt = now
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO evidence_links (candidate_id, record_id, relevance, created_at) VALUES (?, ?, ?, ?)`,
				link.CandidateID, link.RecordID, link.Relevance, now,
			); err != nil {
				return eris.Wrap(err, "sqlite: insert evidence link")
			}
		}
		if tr != nil && tr.EntityID == "" {
			tr.EntityID = c.ID
		}
		return insertTransitionSQLite(ctx, tx, tr)
	})
}

func (s *SQLiteStore) GetCandidate(ctx context.Context, id string) (*model.ChangeCandidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCandidateCols+` FROM change_candidates WHERE id = ?`, id)
	c, err := scanCandidate(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("candidate", id)
	}
	return c, err
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, projectID string, statuses ...model.CandidateStatus) ([]model.ChangeCandidate, error) {
	query := `SELECT ` + sqliteCandidateCols + ` FROM change_candidates WHERE project_id = ?`
	args := []any{projectID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list candidates")
	}
	defer rows.Close()

	var out []model.ChangeCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

func (s *SQLiteStore) TransitionCandidate(ctx context.Context, id string, from, to model.CandidateStatus, upd CandidateUpdate, tr *model.Transition) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		set := []string{"status = ?", "updated_at = ?"}
		args := []any{string(to), now}
		appendSet := func(col string, v any) {
			set = append(set, col+" = ?")
			args = append(args, v)
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
		args = append(args, id, string(from))

		res, err := tx.ExecContext(ctx,
			`UPDATE change_candidates SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`,
			args...,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: transition candidate %s", id)
		}
		if err := guardUpdated(res, func() error {
			_, gerr := s.GetCandidate(ctx, id)
			if gerr != nil {
				return gerr
			}
			return fault.Conflict("candidate", id)
		}); err != nil {
			return err
		}
		return insertTransitionSQLite(ctx, tx, tr)
	})
}

func (s *SQLiteStore) AddEvidence(ctx context.Context, link *model.EvidenceLink, from model.CandidateStatus, confidence *float64, tr *model.Transition) error {
	now := time.Now().UTC()
	link.CreatedAt = now
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// The candidate write carries the same status guard as a
		// transition: evidence observed at a stale status never lands.
		set := `updated_at = ?`
		args := []any{now}
		if confidence != nil {
			set = `confidence = ?, updated_at = ?`
			args = []any{*confidence, now}
		}
		args = append(args, link.CandidateID, string(from))
		res, err := tx.ExecContext(ctx,
			`UPDATE change_candidates SET `+set+` WHERE id = ? AND status = ?`,
			args...,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: update candidate for evidence")
		}
		if err := guardUpdated(res, func() error {
			_, gerr := s.GetCandidate(ctx, link.CandidateID)
			if gerr != nil {
				return gerr
			}
			return fault.Conflict("candidate", link.CandidateID)
		}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO evidence_links (candidate_id, record_id, relevance, created_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (candidate_id, record_id) DO NOTHING`,
			link.CandidateID, link.RecordID, link.Relevance, now,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert evidence link")
		}
		return insertTransitionSQLite(ctx, tx, tr)
	})
}

func (s *SQLiteStore) ListEvidence(ctx context.Context, candidateID string) ([]model.EvidenceLink, error) {
	return s.listEvidence(ctx, `candidate_id`, candidateID)
}

func (s *SQLiteStore) EvidenceForRecord(ctx context.Context, recordID string) ([]model.EvidenceLink, error) {
	return s.listEvidence(ctx, `record_id`, recordID)
}

func (s *SQLiteStore) listEvidence(ctx context.Context, col, id string) ([]model.EvidenceLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT candidate_id, record_id, relevance, created_at FROM evidence_links WHERE `+col+` = ? ORDER BY created_at ASC`,
		id,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list evidence")
	}
	defer rows.Close()

	var out []model.EvidenceLink
	for rows.Next() {
		var l model.EvidenceLink
		if err := rows.Scan(&l.CandidateID, &l.RecordID, &l.Relevance, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evidence link")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list evidence iterate")
}

func (s *SQLiteStore) CandidatesForOrder(ctx context.Context, orderID string) ([]model.ChangeCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT c.`+strings.ReplaceAll(sqliteCandidateCols, ", ", ", c.")+`
		 FROM change_candidates c
		 JOIN change_order_items i ON i.candidate_id = c.id
		 WHERE i.order_id = ?`,
		orderID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: candidates for order")
	}
	defer rows.Close()

	var out []model.ChangeCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: candidates for order iterate")
}

// --- Orders and items ---

const sqliteOrderCols = `id, project_id, order_seq, order_number, description, status, subtotal, markup_percent, markup_amount, tax_percent, tax_amount, total, currency, document_ref, client_ip, user_agent, consent_at, sent_at, signed_at, created_at, updated_at`

func (s *SQLiteStore) CreateOrder(ctx context.Context, o *model.ChangeOrder, tr *model.Transition) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	return s.inTx(ctx, func(tx *sql.Tx) error {
		// Per-project monotonic sequence; the unique constraint turns a
		// lost race into a Conflict instead of a duplicate number.
		var seq int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(order_seq), 0) + 1 FROM change_orders WHERE project_id = ?`,
			o.ProjectID,
		).Scan(&seq); err != nil {
			return eris.Wrap(err, "sqlite: next order seq")
		}
		o.OrderSeq = seq
		o.OrderNumber = model.FormatOrderNumber(now.Year(), seq)

		_, err := tx.ExecContext(ctx,
			`INSERT INTO change_orders
			 (id, project_id, order_seq, order_number, description, status, subtotal, markup_percent, markup_amount,
			  tax_percent, tax_amount, total, currency, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.ProjectID, o.OrderSeq, o.OrderNumber, o.Description, string(o.Status),
			o.Subtotal.String(), o.MarkupPercent.String(), o.MarkupAmount.String(),
			o.TaxPercent.String(), o.TaxAmount.String(), o.Total.String(), o.Currency,
			now, now,
		)
		if err != nil {
			if isSQLiteUnique(err) {
				return fault.Conflict("order", o.ProjectID)
			}
			return eris.Wrap(err, "sqlite: insert order")
		}
		if tr != nil && tr.EntityID == "" {
			tr.EntityID = o.ID
		}
		return insertTransitionSQLite(ctx, tx, tr)
	})
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*model.ChangeOrder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteOrderCols+` FROM change_orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("order", id)
	}
	return o, err
}

func (s *SQLiteStore) ListOrders(ctx context.Context, projectID string) ([]model.ChangeOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteOrderCols+` FROM change_orders WHERE project_id = ? ORDER BY order_seq ASC`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list orders")
	}
	defer rows.Close()

	var out []model.ChangeOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list orders iterate")
}

func (s *SQLiteStore) SaveItem(ctx context.Context, item *model.ChangeOrderItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
		item.CreatedAt = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		scale, markupPct, taxPct, err := s.guardMutableOrder(ctx, tx, item.OrderID)
		if err != nil {
			return err
		}
		item.TotalCost = model.LineTotal(item.Quantity, item.UnitCost, scale)

		_, err = tx.ExecContext(ctx,
			`INSERT INTO change_order_items
			 (id, order_id, candidate_id, description, category, quantity, unit, unit_cost, total_cost, sort_order, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			   description = excluded.description, category = excluded.category,
			   quantity = excluded.quantity, unit = excluded.unit,
			   unit_cost = excluded.unit_cost, total_cost = excluded.total_cost,
			   sort_order = excluded.sort_order`,
			item.ID, item.OrderID, nullIfEmpty(item.CandidateID), item.Description, string(item.Category),
			item.Quantity.String(), item.Unit, item.UnitCost.String(), item.TotalCost.String(),
			item.SortOrder, item.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: save item")
		}
		return s.recomputeTotals(ctx, tx, item.OrderID, markupPct, taxPct, scale)
	})
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, orderID, itemID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		scale, markupPct, taxPct, err := s.guardMutableOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM change_order_items WHERE id = ? AND order_id = ?`, itemID, orderID)
		if err != nil {
			return eris.Wrap(err, "sqlite: delete item")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: delete item rows affected")
		}
		if n == 0 {
			return fault.NotFound("item", itemID)
		}
		return s.recomputeTotals(ctx, tx, orderID, markupPct, taxPct, scale)
	})
}

// guardMutableOrder loads the pricing context for an order and rejects
// mutation of terminal orders.
func (s *SQLiteStore) guardMutableOrder(ctx context.Context, tx *sql.Tx, orderID string) (int32, decimal.Decimal, decimal.Decimal, error) {
	var status, markup, tax, cur string
	err := tx.QueryRowContext(ctx,
		`SELECT status, markup_percent, tax_percent, currency FROM change_orders WHERE id = ?`, orderID,
	).Scan(&status, &markup, &tax, &cur)
	if err == sql.ErrNoRows {
		return 0, decimal.Zero, decimal.Zero, fault.NotFound("order", orderID)
	}
	if err != nil {
		return 0, decimal.Zero, decimal.Zero, eris.Wrap(err, "sqlite: load order pricing")
	}
	if !model.OrderStatus(status).Mutable() {
		return 0, decimal.Zero, decimal.Zero, fault.InvalidTransition("order", orderID, status, status)
	}
	markupPct, err := decimal.NewFromString(markup)
	if err != nil {
		return 0, decimal.Zero, decimal.Zero, eris.Wrap(err, "sqlite: parse markup percent")
	}
	taxPct, err := decimal.NewFromString(tax)
	if err != nil {
		return 0, decimal.Zero, decimal.Zero, eris.Wrap(err, "sqlite: parse tax percent")
	}
	return model.MinorUnitScale(cur), markupPct, taxPct, nil
}

// recomputeTotals rereads the items inside the transaction and rewrites
// the derived money columns so they are never stale.
func (s *SQLiteStore) recomputeTotals(ctx context.Context, tx *sql.Tx, orderID string, markupPct, taxPct decimal.Decimal, scale int32) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT total_cost FROM change_order_items WHERE order_id = ?`, orderID)
	if err != nil {
		return eris.Wrap(err, "sqlite: read item totals")
	}
	defer rows.Close()

	var items []model.ChangeOrderItem
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return eris.Wrap(err, "sqlite: scan item total")
		}
		tc, err := decimal.NewFromString(raw)
		if err != nil {
			return eris.Wrap(err, "sqlite: parse item total")
		}
		items = append(items, model.ChangeOrderItem{TotalCost: tc})
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: item totals iterate")
	}

	t := model.ComputeTotals(items, markupPct, taxPct, scale)
	_, err = tx.ExecContext(ctx,
		`UPDATE change_orders SET subtotal = ?, markup_amount = ?, tax_amount = ?, total = ?, updated_at = ? WHERE id = ?`,
		t.Subtotal.String(), t.MarkupAmount.String(), t.TaxAmount.String(), t.Total.String(),
		time.Now().UTC(), orderID,
	)
	return eris.Wrap(err, "sqlite: update totals")
}

func (s *SQLiteStore) ListItems(ctx context.Context, orderID string) ([]model.ChangeOrderItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, candidate_id, description, category, quantity, unit, unit_cost, total_cost, sort_order, created_at
		 FROM change_order_items WHERE order_id = ? ORDER BY sort_order ASC, created_at ASC`,
		orderID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list items")
	}
	defer rows.Close()

	var out []model.ChangeOrderItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) TransitionOrder(ctx context.Context, id string, from, to model.OrderStatus, upd OrderUpdate, tr *model.Transition) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.transitionOrderTx(ctx, tx, id, from, to, upd, tr)
	})
}

// transitionOrderTx is the guarded order update shared by TransitionOrder
// and RedeemToken; it runs inside the caller's transaction.
func (s *SQLiteStore) transitionOrderTx(ctx context.Context, tx *sql.Tx, id string, from, to model.OrderStatus, upd OrderUpdate, tr *model.Transition) error {
	now := time.Now().UTC()
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), now}
	if upd.DocumentRef != nil {
		set = append(set, "document_ref = ?")
		args = append(args, *upd.DocumentRef)
	}
	if upd.SentAt != nil {
		set = append(set, "sent_at = ?")
		args = append(args, upd.SentAt.UTC())
	}
	if upd.SignedAt != nil {
		set = append(set, "signed_at = ?")
		args = append(args, upd.SignedAt.UTC())
	}
	if upd.Consent != nil {
		set = append(set, "client_ip = ?", "user_agent = ?", "consent_at = ?")
		args = append(args, upd.Consent.ClientIP, upd.Consent.UserAgent, upd.Consent.SignedAt.UTC())
	}
	args = append(args, id, string(from))

	res, err := tx.ExecContext(ctx,
		`UPDATE change_orders SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition order %s", id)
	}
	if err := guardUpdated(res, func() error {
		_, gerr := s.GetOrder(ctx, id)
		if gerr != nil {
			return gerr
		}
		return fault.Conflict("order", id)
	}); err != nil {
		return err
	}
	return insertTransitionSQLite(ctx, tx, tr)
}

// --- Tokens ---

func (s *SQLiteStore) MintToken(ctx context.Context, t *model.ActionToken) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// At most one live token per order: supersede before inserting.
		if _, err := tx.ExecContext(ctx,
			`UPDATE action_tokens SET superseded_at = ?
			 WHERE order_id = ? AND used_at IS NULL AND superseded_at IS NULL`,
			now, t.OrderID,
		); err != nil {
			return eris.Wrap(err, "sqlite: supersede tokens")
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO action_tokens (id, order_id, value, action, recipient, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.OrderID, t.Value, string(t.Action), t.Recipient, t.ExpiresAt.UTC(), now,
		)
		return eris.Wrap(err, "sqlite: insert token")
	})
}

const sqliteTokenCols = `id, order_id, value, action, recipient, expires_at, used_at, superseded_at, created_at`

func (s *SQLiteStore) GetToken(ctx context.Context, value string) (*model.ActionToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTokenCols+` FROM action_tokens WHERE value = ?`, value)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("token", value)
	}
	return t, err
}

func (s *SQLiteStore) ConsumeToken(ctx context.Context, value string, now time.Time) (*model.ActionToken, error) {
	now = now.UTC()
	// Single conditional update: of two concurrent redemptions exactly one
	// sees used_at IS NULL.
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_tokens SET used_at = ?
		 WHERE value = ? AND used_at IS NULL AND superseded_at IS NULL AND expires_at > ?`,
		now, value, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: consume token")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: consume token rows affected")
	}
	if n == 1 {
		return s.GetToken(ctx, value)
	}

	// Lost the update: classify why without mutating anything.
	t, err := s.GetToken(ctx, value)
	if err != nil {
		return nil, err
	}
	return nil, classifyDeadToken(t)
}

// RedeemToken consumes the token and applies the owning order's guarded
// transition in one transaction. Any failure past the consume rolls the
// whole redemption back, so the token stays live.
func (s *SQLiteStore) RedeemToken(ctx context.Context, value string, now time.Time, from, to model.OrderStatus, upd OrderUpdate, tr *model.Transition) (*model.ActionToken, error) {
	now = now.UTC()
	var token *model.ActionToken
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE action_tokens SET used_at = ?
			 WHERE value = ? AND used_at IS NULL AND superseded_at IS NULL AND expires_at > ?`,
			now, value, now,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: consume token")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: consume token rows affected")
		}
		if n != 1 {
			t, gerr := s.GetToken(ctx, value)
			if gerr != nil {
				return gerr
			}
			return classifyDeadToken(t)
		}
		row := tx.QueryRowContext(ctx,
			`SELECT `+sqliteTokenCols+` FROM action_tokens WHERE value = ?`, value)
		token, err = scanToken(row)
		if err != nil {
			return eris.Wrap(err, "sqlite: read consumed token")
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

// classifyDeadToken explains a failed consume from the token row alone.
func classifyDeadToken(t *model.ActionToken) error {
	switch {
	case t.UsedAt != nil:
		return eris.Wrap(fault.ErrTokenAlreadyUsed, "token redeemed at "+t.UsedAt.Format(time.RFC3339))
	case t.SupersededAt != nil:
		return eris.Wrap(fault.ErrTokenExpired, "token superseded by a re-send")
	default:
		return eris.Wrap(fault.ErrTokenExpired, "token expired at "+t.ExpiresAt.Format(time.RFC3339))
	}
}

// --- Ledger ---

func (s *SQLiteStore) AppendTransition(ctx context.Context, tr *model.Transition) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertTransitionSQLite(ctx, tx, tr)
	})
}

func (s *SQLiteStore) History(ctx context.Context, entityType model.EntityType, entityID string) ([]model.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, from_status, to_status, actor_type, actor_id, reason, metadata, ip_address, created_at
		 FROM state_transitions
		 WHERE entity_type = ? AND entity_id = ?
		 ORDER BY created_at ASC, id ASC`,
		string(entityType), entityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: history")
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: history iterate")
}

func (s *SQLiteStore) ListEntityIDs(ctx context.Context, entityType model.EntityType) ([]string, error) {
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
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM `+table+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entity ids")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity id")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: entity ids iterate")
}

// --- helpers ---

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func insertTransitionSQLite(ctx context.Context, tx *sql.Tx, tr *model.Transition) error {
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
		return eris.Wrap(err, "sqlite: marshal transition metadata")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO state_transitions
		 (id, entity_type, entity_id, from_status, to_status, actor_type, actor_id, reason, metadata, ip_address, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, string(tr.EntityType), tr.EntityID, nullIfEmpty(tr.FromStatus), tr.ToStatus,
		string(tr.Actor.Type), nullIfEmpty(tr.Actor.ID), nullIfEmpty(tr.Reason),
		string(metaJSON), nullIfEmpty(tr.IPAddress), tr.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert transition")
}

// guardUpdated maps a zero-row conditional update to the right fault via
// the supplied classifier.
func guardUpdated(res sql.Result, classify func() error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return classify()
	}
	return nil
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

type scannable interface {
	Scan(dest ...any) error
}

func scanIngestion(row scannable) (*model.IngestionRecord, error) {
	var rec model.IngestionRecord
	var payloadJSON string
	var attachJSON, sender, subject, errDetail sql.NullString
	var receivedAt, processedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.ProjectID, &rec.Channel, &rec.ExternalID, &payloadJSON,
		&attachJSON, &sender, &subject, &receivedAt, &rec.Status, &errDetail, &processedAt,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan ingest record")
	}

	if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal payload")
	}
	if attachJSON.Valid && attachJSON.String != "" && attachJSON.String != "null" {
		if err := json.Unmarshal([]byte(attachJSON.String), &rec.Attachments); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal attachments")
		}
	}
	rec.Sender = sender.String
	rec.Subject = subject.String
	rec.ErrorDetail = errDetail.String
	if receivedAt.Valid {
		rec.ReceivedAt = receivedAt.Time
	}
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	return &rec, nil
}

func scanCandidate(row scannable) (*model.ChangeCandidate, error) {
	var c model.ChangeCandidate
	var area, materialFrom, materialTo, embJSON, rawText, promptVersion, modelUsed, rejection sql.NullString
	var tokensUsed, processingMS sql.NullInt64
	var confirmedAt, rejectedAt sql.NullTime

	err := row.Scan(&c.ID, &c.ProjectID, &c.Status, &c.Description, &area, &materialFrom, &materialTo,
		&c.Confidence, &embJSON, &rawText, &promptVersion, &modelUsed, &tokensUsed, &processingMS,
		&rejection, &confirmedAt, &rejectedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan candidate")
	}

	c.Area = area.String
	c.MaterialFrom = materialFrom.String
	c.MaterialTo = materialTo.String
	c.RawText = rawText.String
	c.RejectionReason = rejection.String
	c.Provenance = model.Provenance{
		PromptVersion:    promptVersion.String,
		ModelUsed:        modelUsed.String,
		TokensUsed:       int(tokensUsed.Int64),
		ProcessingTimeMS: processingMS.Int64,
	}
	if embJSON.Valid && embJSON.String != "" && embJSON.String != "null" {
		if err := json.Unmarshal([]byte(embJSON.String), &c.Embedding); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal embedding")
		}
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		c.ConfirmedAt = &t
	}
	if rejectedAt.Valid {
		t := rejectedAt.Time
		c.RejectedAt = &t
	}
	return &c, nil
}

func scanOrder(row scannable) (*model.ChangeOrder, error) {
	var o model.ChangeOrder
	var description, documentRef, clientIP, userAgent sql.NullString
	var subtotal, markupPct, markupAmt, taxPct, taxAmt, total string
	var consentAt, sentAt, signedAt sql.NullTime

	err := row.Scan(&o.ID, &o.ProjectID, &o.OrderSeq, &o.OrderNumber, &description, &o.Status,
		&subtotal, &markupPct, &markupAmt, &taxPct, &taxAmt, &total, &o.Currency,
		&documentRef, &clientIP, &userAgent, &consentAt, &sentAt, &signedAt,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan order")
	}

	o.Description = description.String
	o.DocumentRef = documentRef.String
	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&o.Subtotal, subtotal}, {&o.MarkupPercent, markupPct}, {&o.MarkupAmount, markupAmt},
		{&o.TaxPercent, taxPct}, {&o.TaxAmount, taxAmt}, {&o.Total, total},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse order money")
		}
		*f.dst = d
	}
	if consentAt.Valid {
		o.Consent = &model.ConsentRecord{
			ClientIP:  clientIP.String,
			UserAgent: userAgent.String,
			SignedAt:  consentAt.Time,
		}
	}
	if sentAt.Valid {
		t := sentAt.Time
		o.SentAt = &t
	}
	if signedAt.Valid {
		t := signedAt.Time
		o.SignedAt = &t
	}
	return &o, nil
}

func scanItem(row scannable) (*model.ChangeOrderItem, error) {
	var it model.ChangeOrderItem
	var candidateID sql.NullString
	var quantity, unitCost, totalCost string

	err := row.Scan(&it.ID, &it.OrderID, &candidateID, &it.Description, &it.Category,
		&quantity, &it.Unit, &unitCost, &totalCost, &it.SortOrder, &it.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan item")
	}
	it.CandidateID = candidateID.String
	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&it.Quantity, quantity}, {&it.UnitCost, unitCost}, {&it.TotalCost, totalCost},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse item money")
		}
		*f.dst = d
	}
	return &it, nil
}

func scanToken(row scannable) (*model.ActionToken, error) {
	var t model.ActionToken
	var recipient sql.NullString
	var usedAt, supersededAt sql.NullTime

	err := row.Scan(&t.ID, &t.OrderID, &t.Value, &t.Action, &recipient,
		&t.ExpiresAt, &usedAt, &supersededAt, &t.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan token")
	}
	t.Recipient = recipient.String
	if usedAt.Valid {
		u := usedAt.Time
		t.UsedAt = &u
	}
	if supersededAt.Valid {
		u := supersededAt.Time
		t.SupersededAt = &u
	}
	return &t, nil
}

func scanTransition(row scannable) (*model.Transition, error) {
	var tr model.Transition
	var fromStatus, actorID, reason, metaJSON, ipAddress sql.NullString

	err := row.Scan(&tr.ID, &tr.EntityType, &tr.EntityID, &fromStatus, &tr.ToStatus,
		&tr.Actor.Type, &actorID, &reason, &metaJSON, &ipAddress, &tr.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan transition")
	}
	tr.FromStatus = fromStatus.String
	tr.Actor.ID = actorID.String
	tr.Reason = reason.String
	tr.IPAddress = ipAddress.String
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &tr.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal transition metadata")
		}
	}
	return &tr, nil
}
