package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/escudos/core"
	"github.com/trezcool/escudos/core/escudo"
	"github.com/trezcool/escudos/core/user"
)

const grantColumns = `id, user_id, amount, source, status, is_used, split_from, payment_id, course_id, created_at, expires_at, used_at`

type grantRow struct {
	ID        string      `db:"id"`
	UserID    string      `db:"user_id"`
	Amount    int         `db:"amount"`
	Source    string      `db:"source"`
	Status    string      `db:"status"`
	IsUsed    bool        `db:"is_used"`
	SplitFrom null.String `db:"split_from"`
	PaymentID null.String `db:"payment_id"`
	CourseID  null.String `db:"course_id"`
	CreatedAt time.Time   `db:"created_at"`
	ExpiresAt time.Time   `db:"expires_at"`
	UsedAt    null.Time   `db:"used_at"`
}

func newGrantRow(g escudo.Grant) grantRow {
	return grantRow{
		ID:        g.ID,
		UserID:    g.UserID,
		Amount:    g.Amount,
		Source:    string(g.Source),
		Status:    string(g.Status),
		IsUsed:    g.IsUsed,
		SplitFrom: null.NewString(g.SplitFrom, g.SplitFrom != ""),
		PaymentID: null.NewString(g.PaymentID, g.PaymentID != ""),
		CourseID:  null.NewString(g.CourseID, g.CourseID != ""),
		CreatedAt: g.CreatedAt,
		ExpiresAt: g.ExpiresAt,
		UsedAt:    null.TimeFromPtr(g.UsedAt),
	}
}

func (r grantRow) toGrant() escudo.Grant {
	g := escudo.Grant{
		ID:        r.ID,
		UserID:    r.UserID,
		Amount:    r.Amount,
		Source:    escudo.Source(r.Source),
		Status:    escudo.Status(r.Status),
		IsUsed:    r.IsUsed,
		SplitFrom: r.SplitFrom.String,
		PaymentID: r.PaymentID.String,
		CourseID:  r.CourseID.String,
		CreatedAt: r.CreatedAt.UTC(),
		ExpiresAt: r.ExpiresAt.UTC(),
	}
	if r.UsedAt.Valid {
		usedAt := r.UsedAt.Time.UTC()
		g.UsedAt = &usedAt
	}
	return g
}

func toGrants(rows []grantRow) []escudo.Grant {
	grants := make([]escudo.Grant, 0, len(rows))
	for _, r := range rows {
		grants = append(grants, r.toGrant())
	}
	return grants
}

type historyRow struct {
	grantRow
	CourseTitle      null.String  `db:"course_title"`
	CoursePrice      null.Float64 `db:"course_price"`
	PaymentAmount    null.Float64 `db:"payment_amount"`
	PaymentCurrency  null.String  `db:"payment_currency"`
	PaymentCreatedAt null.Time    `db:"payment_created_at"`
}

func (r historyRow) toEntry() escudo.HistoryEntry {
	entry := escudo.HistoryEntry{Grant: r.toGrant()}
	if r.CourseTitle.Valid {
		entry.Course = &escudo.CourseSummary{ID: r.CourseID.String, Title: r.CourseTitle.String, Price: r.CoursePrice.Float64}
	}
	if r.PaymentCurrency.Valid {
		entry.Payment = &escudo.PaymentSummary{
			ID:        r.PaymentID.String,
			UserID:    r.UserID,
			Amount:    r.PaymentAmount.Float64,
			Currency:  r.PaymentCurrency.String,
			CreatedAt: r.PaymentCreatedAt.Time.UTC(),
		}
	}
	return entry
}

// EscudoRepository stores grants in PostgreSQL. Built with NewEscudoRepository it runs each call
// on its own; inside RunInTx every call shares the transaction.
type EscudoRepository struct {
	root *sqlx.DB // nil inside a transaction
	db   core.DBExecutor
}

var _ escudo.Repository = (*EscudoRepository)(nil) // interface compliance check

func NewEscudoRepository(db *sqlx.DB) *EscudoRepository {
	return &EscudoRepository{root: db, db: db}
}

func (repo *EscudoRepository) RunInTx(ctx context.Context, fn func(repo escudo.Repository) error) error {
	if repo.root == nil { // already in a transaction
		return fn(repo)
	}
	return runInTx(ctx, repo.root, func(tx core.DBExecutor) error {
		return fn(&EscudoRepository{db: tx})
	})
}

func (repo *EscudoRepository) IsRetryable(err error) bool {
	return isRetryable(err)
}

func (repo *EscudoRepository) LockUser(ctx context.Context, userID string) error {
	var id string
	err := repo.db.GetContext(ctx, &id, `SELECT id FROM "user" WHERE id = $1 FOR UPDATE`, userID)
	if err == sql.ErrNoRows || pqCode(err) == pqInvalidText {
		return user.ErrNotFound
	}
	return errors.Wrap(err, "locking user")
}

func (repo *EscudoRepository) CreateGrants(ctx context.Context, grants ...escudo.Grant) error {
	q := `INSERT INTO escudo_grant (` + grantColumns + `)
		VALUES (:id, :user_id, :amount, :source, :status, :is_used, :split_from, :payment_id, :course_id,
			:created_at, :expires_at, :used_at)`
	for _, g := range grants {
		if _, err := sqlx.NamedExecContext(ctx, repo.db, q, newGrantRow(g)); err != nil {
			if pqCode(err) == pqUniqueViolation && pqConstraint(err) == "escudo_grant_payment_idx" {
				return escudo.ErrPaymentTaken
			}
			return errors.Wrap(err, "inserting grant")
		}
	}
	return nil
}

func (repo *EscudoRepository) GetGrantByPayment(ctx context.Context, paymentID string) (escudo.Grant, error) {
	var row grantRow
	q := `SELECT ` + grantColumns + ` FROM escudo_grant WHERE payment_id = $1 AND split_from IS NULL`
	if err := repo.db.GetContext(ctx, &row, q, paymentID); err == sql.ErrNoRows {
		return escudo.Grant{}, escudo.ErrGrantNotFound
	} else if err != nil {
		return escudo.Grant{}, errors.Wrap(err, "selecting grant by payment")
	}
	return row.toGrant(), nil
}

func (repo *EscudoRepository) selectGrants(ctx context.Context, q string, args ...interface{}) ([]escudo.Grant, error) {
	var rows []grantRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "selecting grants")
	}
	return toGrants(rows), nil
}

func (repo *EscudoRepository) QueryActiveGrants(ctx context.Context, userID string, at time.Time) ([]escudo.Grant, error) {
	return repo.selectGrants(ctx, `SELECT `+grantColumns+` FROM escudo_grant
		WHERE user_id = $1 AND NOT is_used AND expires_at > $2
		ORDER BY created_at, id
		FOR UPDATE`, userID, at)
}

func (repo *EscudoRepository) QueryExpiredGrants(ctx context.Context, at time.Time) ([]escudo.Grant, error) {
	return repo.selectGrants(ctx, `SELECT `+grantColumns+` FROM escudo_grant
		WHERE NOT is_used AND expires_at <= $1
		ORDER BY user_id, created_at, id`, at)
}

func (repo *EscudoRepository) QueryExpiringGrants(ctx context.Context, from, to time.Time) ([]escudo.Grant, error) {
	return repo.selectGrants(ctx, `SELECT `+grantColumns+` FROM escudo_grant
		WHERE NOT is_used AND expires_at > $1 AND expires_at <= $2
		ORDER BY user_id, expires_at, id`, from, to)
}

func (repo *EscudoRepository) MarkGrants(ctx context.Context, ids []string, status escudo.Status, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := repo.db.ExecContext(ctx, `UPDATE escudo_grant SET status = $1, is_used = TRUE, used_at = $2
		WHERE id = ANY($3::uuid[]) AND NOT is_used`, string(status), at, pq.Array(ids))
	if err != nil {
		return 0, errors.Wrap(err, "updating grants")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "counting updated grants")
	}
	return int(n), nil
}

func (repo *EscudoRepository) SumActiveGrants(ctx context.Context, userID string, at time.Time) (int, error) {
	var sum int
	err := repo.db.GetContext(ctx, &sum, `SELECT COALESCE(SUM(amount), 0) FROM escudo_grant
		WHERE user_id = $1 AND NOT is_used AND expires_at > $2`, userID, at)
	if pqCode(err) == pqInvalidText {
		return 0, nil
	}
	return sum, errors.Wrap(err, "summing grants")
}

func (repo *EscudoRepository) QueryHistory(ctx context.Context, userID string) ([]escudo.HistoryEntry, error) {
	var rows []historyRow
	err := repo.db.SelectContext(ctx, &rows, `SELECT g.id, g.user_id, g.amount, g.source, g.status, g.is_used,
			g.split_from, g.payment_id, g.course_id, g.created_at, g.expires_at, g.used_at,
			c.title AS course_title, c.price AS course_price,
			p.amount AS payment_amount, p.currency AS payment_currency, p.created_at AS payment_created_at
		FROM escudo_grant g
		LEFT JOIN course c ON c.id = g.course_id
		LEFT JOIN payment p ON p.id = g.payment_id
		WHERE g.user_id = $1
		ORDER BY g.created_at DESC, g.id DESC`, userID)
	if pqCode(err) == pqInvalidText {
		return []escudo.HistoryEntry{}, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "selecting history")
	}

	entries := make([]escudo.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toEntry())
	}
	return entries, nil
}

func (repo *EscudoRepository) GetUserBalance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := repo.db.GetContext(ctx, &balance, `SELECT escudos FROM "user" WHERE id = $1`, userID)
	if err == sql.ErrNoRows || pqCode(err) == pqInvalidText {
		return 0, user.ErrNotFound
	}
	return balance, errors.Wrap(err, "selecting user balance")
}

func (repo *EscudoRepository) SetUserBalance(ctx context.Context, userID string, balance int) error {
	res, err := repo.db.ExecContext(ctx, `UPDATE "user" SET escudos = $1 WHERE id = $2`, balance, userID)
	if err != nil {
		return errors.Wrap(err, "updating user balance")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting updated users")
	}
	if n == 0 {
		return user.ErrNotFound
	}
	return nil
}

func (repo *EscudoRepository) QueryUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := repo.db.SelectContext(ctx, &ids, `SELECT id FROM "user" ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, "selecting user ids")
	}
	return ids, nil
}

func (repo *EscudoRepository) SaveCourse(ctx context.Context, course escudo.CourseSummary) error {
	_, err := repo.db.ExecContext(ctx, `INSERT INTO course (id, title, price) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, price = EXCLUDED.price`,
		course.ID, course.Title, course.Price)
	return errors.Wrap(err, "upserting course")
}

func (repo *EscudoRepository) SavePayment(ctx context.Context, payment escudo.PaymentSummary) error {
	_, err := repo.db.ExecContext(ctx, `INSERT INTO payment (id, user_id, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		payment.ID, payment.UserID, payment.Amount, payment.Currency, payment.CreatedAt)
	return errors.Wrap(err, "inserting payment")
}
