package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/kudupay/kudu/internal/retry"
)

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

const (
	pgRetryAttempts = 3 // initial call + 2 retries
	pgRetryBase     = 50 * time.Millisecond
)

// PostgresStore realizes the document-store contract on one JSONB table:
//
//	(pk, sk, gsi1pk, gsi1sk, gsi2pk, gsi2sk, doc JSONB, expires_at BIGINT)
//
// Conditional writes take a row lock (SELECT ... FOR UPDATE), evaluate
// the condition against the locked image, and apply — the same
// validate-then-apply discipline MemoryStore runs under its mutex.
// TransactWrite wraps all ops in one sql.Tx so the batch commits or
// rolls back as a unit. Serialization conflicts, deadlocks, and
// connection failures classify as Transient and are retried at most
// twice with jittered backoff; condition failures are never retried.
type PostgresStore struct {
	db    *sql.DB
	table string

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPostgresStore wraps db. table must be a plain lowercase identifier
// (it is interpolated into SQL). The TTL janitor starts immediately.
func NewPostgresStore(db *sql.DB, table string) (*PostgresStore, error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	p := &PostgresStore{
		db:    db,
		table: table,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go p.janitor()
	return p, nil
}

// Stop halts the janitor goroutine.
func (p *PostgresStore) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Migrate applies the idempotent DDL for the item table and its indexes.
// cmd/migrate (goose) owns the durable migration history; this is the
// belt-and-braces path for fresh databases.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			pk          TEXT NOT NULL,
			sk          TEXT NOT NULL,
			gsi1pk      TEXT,
			gsi1sk      TEXT,
			gsi2pk      TEXT,
			gsi2sk      TEXT,
			doc         JSONB NOT NULL,
			expires_at  BIGINT,
			PRIMARY KEY (pk, sk)
		);
		CREATE INDEX IF NOT EXISTS %[1]s_gsi1 ON %[1]s (gsi1pk, gsi1sk) WHERE gsi1pk IS NOT NULL;
		CREATE INDEX IF NOT EXISTS %[1]s_gsi2 ON %[1]s (gsi2pk, gsi2sk) WHERE gsi2pk IS NOT NULL;
		CREATE INDEX IF NOT EXISTS %[1]s_ttl  ON %[1]s (expires_at) WHERE expires_at IS NOT NULL;
	`, p.table))
	return err
}

func (p *PostgresStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, _ = p.db.ExecContext(ctx, fmt.Sprintf(
				`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, p.table),
				p.now().Unix())
			cancel()
		case <-p.stop:
			return
		}
	}
}

// Get returns the item at (pk, sk), or (nil, nil) when absent or expired.
func (p *PostgresStore) Get(ctx context.Context, pk, sk string) (Item, error) {
	var item Item
	err := p.withRetry(ctx, "get", func() error {
		var raw []byte
		err := p.db.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT doc FROM %s WHERE pk = $1 AND sk = $2 AND (expires_at IS NULL OR expires_at > $3)`,
			p.table), pk, sk, p.now().Unix()).Scan(&raw)
		if err == sql.ErrNoRows {
			item = nil
			return nil
		}
		if err != nil {
			return err
		}
		item, err = decodeDoc(raw)
		return err
	})
	return item, err
}

// Put writes item, optionally guarded by cond.
func (p *PostgresStore) Put(ctx context.Context, item Item, cond *Cond) error {
	pk, sk := Str(item, AttrPk), Str(item, AttrSk)
	if pk == "" || sk == "" {
		return invalid("put", "item missing pk/sk")
	}
	// The common unconditional and create-if-absent shapes run as single
	// statements; anything richer takes the locked transaction path.
	if cond == nil {
		return p.withRetry(ctx, "put", func() error {
			return p.upsert(ctx, p.db, item)
		})
	}
	if cond.NotExists && !cond.Exists && len(cond.Eq)+len(cond.GTE)+len(cond.GT) == 0 {
		return p.withRetry(ctx, "put", func() error {
			n, err := p.insertIfAbsent(ctx, p.db, item)
			if err != nil {
				return err
			}
			if n == 0 {
				return retry.Permanent(condFailed("put", fmt.Errorf("item %s/%s exists", pk, sk)))
			}
			return nil
		})
	}
	return p.withRetry(ctx, "put", func() error {
		return p.inTx(ctx, func(tx *sql.Tx) error {
			return p.applyOp(ctx, tx, Op{Put: &PutOp{Item: item, Cond: cond}})
		})
	})
}

// Update mutates the item at (pk, sk) under a row lock and returns the
// new image. A missing item fails as a condition failure.
func (p *PostgresStore) Update(ctx context.Context, pk, sk string, upd Update, cond *Cond) (Item, error) {
	var out Item
	err := p.withRetry(ctx, "update", func() error {
		return p.inTx(ctx, func(tx *sql.Tx) error {
			current, err := p.lockRow(ctx, tx, pk, sk)
			if err != nil {
				return err
			}
			if current == nil {
				return retry.Permanent(condFailed("update", fmt.Errorf("item %s/%s not found", pk, sk)))
			}
			if err := checkCond("update", current, cond); err != nil {
				return retry.Permanent(err)
			}
			next := Clone(current)
			applyUpdate(next, upd)
			if err := p.upsert(ctx, tx, next); err != nil {
				return err
			}
			out = next
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the item at (pk, sk).
func (p *PostgresStore) Delete(ctx context.Context, pk, sk string, cond *Cond) error {
	if cond == nil {
		return p.withRetry(ctx, "delete", func() error {
			_, err := p.db.ExecContext(ctx, fmt.Sprintf(
				`DELETE FROM %s WHERE pk = $1 AND sk = $2`, p.table), pk, sk)
			return err
		})
	}
	return p.withRetry(ctx, "delete", func() error {
		return p.inTx(ctx, func(tx *sql.Tx) error {
			return p.applyOp(ctx, tx, Op{Delete: &DeleteOp{Pk: pk, Sk: sk, Cond: cond}})
		})
	})
}

// Query reads a page of items from one partition, ordered by sort key.
func (p *PostgresStore) Query(ctx context.Context, q Query) (*Page, error) {
	return p.runQuery(ctx, "query", q, "pk", "sk")
}

// QueryIndex reads a page from a secondary index.
func (p *PostgresStore) QueryIndex(ctx context.Context, index string, q Query) (*Page, error) {
	pkCol, skCol, err := indexAttrs(index)
	if err != nil {
		return nil, err
	}
	return p.runQuery(ctx, "query_index", q, pkCol, skCol)
}

func (p *PostgresStore) runQuery(ctx context.Context, op string, q Query, pkCol, skCol string) (*Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	dir, cmp := "ASC", ">"
	if !q.Forward {
		dir, cmp = "DESC", "<"
	}

	where := []string{
		fmt.Sprintf("%s = $1", pkCol),
		"(expires_at IS NULL OR expires_at > $2)",
	}
	args := []any{q.Pk, p.now().Unix()}
	if q.SkPrefix != "" {
		args = append(args, escapeLike(q.SkPrefix)+"%")
		where = append(where, fmt.Sprintf(`%s LIKE $%d ESCAPE '\'`, skCol, len(args)))
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.Sk)
		where = append(where, fmt.Sprintf("%s %s $%d", skCol, cmp, len(args)))
	}

	// Fetch limit+1 to learn whether another page follows.
	stmt := fmt.Sprintf(`SELECT doc, %s FROM %s WHERE %s ORDER BY %s %s, sk %s LIMIT %d`,
		skCol, p.table, strings.Join(where, " AND "), skCol, dir, dir, limit+1)

	var page *Page
	err := p.withRetry(ctx, op, func() error {
		rows, err := p.db.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		page = &Page{}
		for rows.Next() {
			var raw []byte
			var sortKey string
			if err := rows.Scan(&raw, &sortKey); err != nil {
				return err
			}
			item, err := decodeDoc(raw)
			if err != nil {
				return err
			}
			page.Items = append(page.Items, item)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(page.Items) > limit {
			page.Items = page.Items[:limit]
			last := page.Items[limit-1]
			page.LastKey = &Key{Pk: Str(last, AttrPk), Sk: pageSortKey(last, skCol)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// pageSortKey reads the attribute backing the queried sort column.
func pageSortKey(item Item, skCol string) string {
	if skCol == "sk" {
		return Str(item, AttrSk)
	}
	return Str(item, skCol)
}

// TransactWrite applies up to MaxTransactOps operations in one
// transaction. Row locks are taken in op order; any condition failure
// rolls the whole batch back.
func (p *PostgresStore) TransactWrite(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return invalid("transact_write", "empty batch")
	}
	if len(ops) > MaxTransactOps {
		return invalid("transact_write", "batch of %d exceeds limit %d", len(ops), MaxTransactOps)
	}
	return p.withRetry(ctx, "transact_write", func() error {
		return p.inTx(ctx, func(tx *sql.Tx) error {
			for _, op := range ops {
				if err := p.applyOp(ctx, tx, op); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ProbeIndex checks that the backing index exists.
func (p *PostgresStore) ProbeIndex(ctx context.Context, index string) error {
	if _, _, err := indexAttrs(index); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s", p.table, index)
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM pg_indexes WHERE indexname = $1`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s: %w", name, ErrIndexMissing)
	}
	return err
}

// applyOp executes one batch op inside tx using lock-validate-apply.
func (p *PostgresStore) applyOp(ctx context.Context, tx *sql.Tx, op Op) error {
	pk, sk, cond, err := opTarget(op)
	if err != nil {
		return retry.Permanent(err)
	}

	current, err := p.lockRow(ctx, tx, pk, sk)
	if err != nil {
		return err
	}

	switch {
	case op.Put != nil:
		if err := checkCond("transact_write", current, cond); err != nil {
			return retry.Permanent(err)
		}
		if current == nil {
			n, err := p.insertIfAbsent(ctx, tx, op.Put.Item)
			if err != nil {
				return err
			}
			if n == 0 {
				// A concurrent insert won between our lock probe and
				// this statement; the row exists now.
				return retry.Permanent(condFailed("transact_write",
					fmt.Errorf("item %s/%s exists", pk, sk)))
			}
			return nil
		}
		return p.upsert(ctx, tx, op.Put.Item)

	case op.Update != nil:
		if current == nil {
			return retry.Permanent(condFailed("transact_write",
				fmt.Errorf("item %s/%s not found", pk, sk)))
		}
		if err := checkCond("transact_write", current, cond); err != nil {
			return retry.Permanent(err)
		}
		next := Clone(current)
		applyUpdate(next, op.Update.Update)
		return p.upsert(ctx, tx, next)

	case op.Delete != nil:
		if cond != nil {
			if current == nil && !cond.NotExists {
				return retry.Permanent(condFailed("transact_write",
					fmt.Errorf("item %s/%s not found", pk, sk)))
			}
			if err := checkCond("transact_write", current, cond); err != nil {
				return retry.Permanent(err)
			}
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE pk = $1 AND sk = $2`, p.table), pk, sk)
		return err
	}
	return retry.Permanent(invalid("transact_write", "op has no Put/Update/Delete"))
}

// lockRow reads and locks the live row at (pk, sk); nil when absent or
// expired (an expired row is still locked so it can be overwritten).
func (p *PostgresStore) lockRow(ctx context.Context, tx *sql.Tx, pk, sk string) (Item, error) {
	var raw []byte
	var expires sql.NullInt64
	err := tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT doc, expires_at FROM %s WHERE pk = $1 AND sk = $2 FOR UPDATE`, p.table),
		pk, sk).Scan(&raw, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid && expires.Int64 <= p.now().Unix() {
		return nil, nil
	}
	return decodeDoc(raw)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsert writes the full item image, keeping index columns in sync with
// the document.
func (p *PostgresStore) upsert(ctx context.Context, ex execer, item Item) error {
	doc, err := json.Marshal(item)
	if err != nil {
		return retry.Permanent(invalid("put", "item not JSON-encodable: %v", err))
	}
	_, err = ex.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (pk, sk, gsi1pk, gsi1sk, gsi2pk, gsi2sk, doc, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (pk, sk) DO UPDATE SET
			gsi1pk = EXCLUDED.gsi1pk, gsi1sk = EXCLUDED.gsi1sk,
			gsi2pk = EXCLUDED.gsi2pk, gsi2sk = EXCLUDED.gsi2sk,
			doc = EXCLUDED.doc, expires_at = EXCLUDED.expires_at`,
		p.table), itemCols(item, doc)...)
	return err
}

// insertIfAbsent inserts item unless a live row already occupies the key.
// An expired row is overwritten. Returns rows affected (0 = blocked).
func (p *PostgresStore) insertIfAbsent(ctx context.Context, ex execer, item Item) (int64, error) {
	doc, err := json.Marshal(item)
	if err != nil {
		return 0, retry.Permanent(invalid("put", "item not JSON-encodable: %v", err))
	}
	args := append(itemCols(item, doc), p.now().Unix())
	res, err := ex.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (pk, sk, gsi1pk, gsi1sk, gsi2pk, gsi2sk, doc, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (pk, sk) DO UPDATE SET
			gsi1pk = EXCLUDED.gsi1pk, gsi1sk = EXCLUDED.gsi1sk,
			gsi2pk = EXCLUDED.gsi2pk, gsi2sk = EXCLUDED.gsi2sk,
			doc = EXCLUDED.doc, expires_at = EXCLUDED.expires_at
		WHERE %s.expires_at IS NOT NULL AND %s.expires_at <= $9`,
		p.table, p.table, p.table), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func itemCols(item Item, doc []byte) []any {
	return []any{
		Str(item, AttrPk), Str(item, AttrSk),
		nullStr(Str(item, AttrGSI1Pk)), nullStr(Str(item, AttrGSI1Sk)),
		nullStr(Str(item, AttrGSI2Pk)), nullStr(Str(item, AttrGSI2Sk)),
		doc, nullInt(Int(item, AttrExpiresAt)),
	}
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// withRetry runs fn up to pgRetryAttempts times, retrying only transport
// failures. Condition failures are wrapped retry.Permanent inside fn and
// come back untouched. The final transport error surfaces as Transient.
func (p *PostgresStore) withRetry(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(ctx, pgRetryAttempts, pgRetryBase, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var pe *retry.PermanentError
		if errors.As(err, &pe) {
			return err
		}
		var se *Error
		if errors.As(err, &se) || !isRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if isRetryable(err) {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	return err
}

// isRetryable classifies failures worth another attempt: serialization
// conflicts, deadlocks, and connection-level errors. Driver failures
// that are not pq server errors (closed conns, timeouts) also count.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return code == "40001" || code == "40P01" || strings.HasPrefix(code, "08")
	}
	return true
}

// escapeLike escapes LIKE metacharacters so a sort-key prefix matches
// literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func decodeDoc(raw []byte) (Item, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var item Item
	if err := dec.Decode(&item); err != nil {
		return nil, fmt.Errorf("decode doc: %w", err)
	}
	return item, nil
}
