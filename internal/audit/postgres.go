package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the durable Repository. Appends for the same subject are
// serialized by a transaction-scoped advisory lock keyed on the subject id,
// so sequence numbers stay gapless and the hash chain stays linear under
// concurrent writers.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a postgres-backed repository.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Append implements Repository. The transaction runs read-committed: the
// chain-head read after the advisory lock must see the row committed by
// whichever appender held the lock before us. A repeatable-read snapshot
// taken while waiting would replay the old head and trip the
// (subject_id, seq) unique constraint.
func (p *Postgres) Append(ctx context.Context, rec Record) (Record, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, fmt.Errorf("audit: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, rec.SubjectID); err != nil {
		return Record{}, fmt.Errorf("audit: chain lock: %w", err)
	}

	var (
		prevSeq  int64
		prevHash []byte
	)
	err = tx.QueryRow(ctx,
		`SELECT seq, hash FROM audit_records WHERE subject_id = $1 ORDER BY seq DESC LIMIT 1`,
		rec.SubjectID,
	).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("audit: chain head: %w", err)
	}

	rec.Seq = prevSeq + 1
	rec.PrevHash = prevHash
	rec.Hash = ChainHash(prevHash, rec)

	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal context: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO audit_records
(id, kind, subject_id, actor_id, action, resource_type, resource_instance,
 verdict, reason, decisive_grant_id, context, seq, prev_hash, hash, at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		rec.ID, string(rec.Kind), rec.SubjectID, rec.ActorID, rec.Action, rec.ResourceType, rec.ResourceInstance,
		rec.Verdict, rec.Reason, rec.DecisiveGrantID, ctxJSON, rec.Seq, rec.PrevHash, rec.Hash, rec.At)
	if err != nil {
		return Record{}, fmt.Errorf("audit: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("audit: commit tx: %w", err)
	}
	return rec, nil
}

// List implements Repository. One extra row is fetched to detect a next
// page without a count query.
func (p *Postgres) List(ctx context.Context, filters Filters) (Result, error) {
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	const query = `SELECT id, kind, subject_id, actor_id, action, resource_type, resource_instance,
verdict, reason, decisive_grant_id, context, seq, prev_hash, hash, at
FROM audit_records
WHERE ($1::bigint IS NULL OR subject_id = $1)
  AND ($2::bigint IS NULL OR actor_id = $2)
  AND ($3::text = '' OR kind = $3)
  AND ($4::timestamptz IS NULL OR at >= $4)
  AND ($5::timestamptz IS NULL OR at < $5)
ORDER BY at DESC, seq DESC
OFFSET $6 LIMIT $7`

	rows, err := p.pool.Query(ctx, query,
		filters.SubjectID, filters.ActorID, string(filters.Kind),
		nullableTime(filters.From), nullableTime(filters.To),
		offset, pageSize+1)
	if err != nil {
		return Result{}, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec     Record
			kind    string
			ctxJSON []byte
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.SubjectID, &rec.ActorID, &rec.Action, &rec.ResourceType,
			&rec.ResourceInstance, &rec.Verdict, &rec.Reason, &rec.DecisiveGrantID, &ctxJSON,
			&rec.Seq, &rec.PrevHash, &rec.Hash, &rec.At); err != nil {
			return Result{}, err
		}
		rec.Kind = Kind(kind)
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &rec.Context); err != nil {
				return Result{}, fmt.Errorf("audit: unmarshal context: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}

	hasNext := len(records) > pageSize
	if hasNext {
		records = records[:pageSize]
	}
	return Result{
		Records: records,
		Paging:  PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext},
	}, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
