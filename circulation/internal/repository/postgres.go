package repository

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
)

const (
	copiesTableName       = `copies`
	reservationsTableName = `reservations`
)

var (
	qb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	copyColumns        = []string{"id", "copy_uid", "book_uid", "edition", "status", "holder", "due_date", "renewal_count", "hold_reservation_uid"}
	reservationColumns = []string{"id", "reservation_uid", "book_uid", "username", "requested_at"}
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type postgresRepo struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

func NewPostgresRepository(db *pgxpool.Pool, log *zap.Logger) Repository {
	return &postgresRepo{
		db:  db,
		log: log.Named("repo"),
	}
}

func (r *postgresRepo) WithinTitle(ctx context.Context, bookUid string, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `select pg_advisory_xact_lock(hashtextextended($1, 0))`, "title:"+bookUid); err != nil {
		return errors.Wrap(err, "lock title")
	}
	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *postgresRepo) CopyTitle(ctx context.Context, copyUid string) (string, error) {
	return scalar[string](ctx, r.db, qb.Select("book_uid").From(copiesTableName).Where(sq.Eq{"copy_uid": copyUid}))
}

func (r *postgresRepo) ReservationTitle(ctx context.Context, reservationUid string) (string, error) {
	const q = `
	select book_uid from reservations where reservation_uid = $1
	union all
	select book_uid from copies where hold_reservation_uid = $1
	limit 1`
	return scalar[string](ctx, r.db, sq.Expr(q, reservationUid))
}

func (r *postgresRepo) GetCopy(ctx context.Context, copyUid string) (model.Copy, error) {
	return getCopy(ctx, r.db, qb.Select(copyColumns...).From(copiesTableName).Where(sq.Eq{"copy_uid": copyUid}))
}

func (r *postgresRepo) ListCopies(ctx context.Context, bookUid string) ([]model.Copy, error) {
	return listCopies(ctx, r.db, qb.Select(copyColumns...).From(copiesTableName).
		Where(sq.Eq{"book_uid": bookUid}).
		OrderBy("id"))
}

func (r *postgresRepo) ListExpiredHolds(ctx context.Context, before time.Time) ([]model.Copy, error) {
	return listCopies(ctx, r.db, qb.Select(copyColumns...).From(copiesTableName).
		Where(sq.Eq{"status": model.StatusReserved}).
		Where(sq.Lt{"due_date": before}).
		OrderBy("due_date", "id"))
}

func (r *postgresRepo) UserReservations(ctx context.Context, username string) (model.UserReservations, error) {
	const q = `
	select r.id, r.reservation_uid, r.book_uid, r.username, r.requested_at,
	       (select count(*) from reservations q
	        where q.book_uid = r.book_uid and (q.requested_at, q.id) <= (r.requested_at, r.id))::int as position
	from reservations r
	where r.username = $1
	order by r.requested_at, r.id`
	rows, err := r.db.Query(ctx, q, username)
	if err != nil {
		return model.UserReservations{}, err
	}
	pending, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.PendingReservation])
	if err != nil {
		return model.UserReservations{}, errors.Wrap(err, "pgx.CollectRows")
	}
	holds, err := listCopies(ctx, r.db, qb.Select(copyColumns...).From(copiesTableName).
		Where(sq.Eq{"status": model.StatusReserved, "holder": username}).
		OrderBy("due_date", "id"))
	if err != nil {
		return model.UserReservations{}, err
	}
	return model.UserReservations{Pending: pending, Holds: holds}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetCopy(ctx context.Context, copyUid string) (model.Copy, error) {
	return getCopy(ctx, t.tx, qb.Select(copyColumns...).From(copiesTableName).
		Where(sq.Eq{"copy_uid": copyUid}).
		Suffix("for update"))
}

func (t *pgTx) InsertCopy(ctx context.Context, c model.Copy) (model.Copy, error) {
	q := qb.Insert(copiesTableName).
		Columns("copy_uid", "book_uid", "edition", "status", "holder", "due_date", "renewal_count", "hold_reservation_uid").
		Values(c.CopyUid, c.BookUid, c.Edition, c.Status, c.Holder, c.DueDate, c.RenewalCount, c.HoldReservationUid).
		Suffix("returning " + joinColumns(copyColumns))
	res, err := getCopy(ctx, t.tx, q)
	if isUniqueViolation(err) {
		return model.Copy{}, errors.Errorf("copy %s already exists", c.CopyUid)
	}
	return res, err
}

func (t *pgTx) UpdateCopy(ctx context.Context, c model.Copy) error {
	query, args, err := qb.Update(copiesTableName).
		Set("status", c.Status).
		Set("holder", c.Holder).
		Set("due_date", c.DueDate).
		Set("renewal_count", c.RenewalCount).
		Set("hold_reservation_uid", c.HoldReservationUid).
		Where(sq.Eq{"copy_uid": c.CopyUid}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "update copy")
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (t *pgTx) FirstAvailableCopy(ctx context.Context, bookUid string) (model.Copy, error) {
	return getCopy(ctx, t.tx, qb.Select(copyColumns...).From(copiesTableName).
		Where(sq.Eq{"book_uid": bookUid, "status": model.StatusAvailable}).
		OrderBy("id").
		Limit(1).
		Suffix("for update"))
}

func (t *pgTx) CopyByHold(ctx context.Context, bookUid, reservationUid string) (model.Copy, error) {
	return getCopy(ctx, t.tx, qb.Select(copyColumns...).From(copiesTableName).
		Where(sq.Eq{"book_uid": bookUid, "status": model.StatusReserved, "hold_reservation_uid": reservationUid}).
		Limit(1).
		Suffix("for update"))
}

func (t *pgTx) GetReservation(ctx context.Context, reservationUid string) (model.Reservation, error) {
	return getReservation(ctx, t.tx, qb.Select(reservationColumns...).From(reservationsTableName).
		Where(sq.Eq{"reservation_uid": reservationUid}))
}

func (t *pgTx) OldestReservation(ctx context.Context, bookUid string) (model.Reservation, error) {
	return getReservation(ctx, t.tx, qb.Select(reservationColumns...).From(reservationsTableName).
		Where(sq.Eq{"book_uid": bookUid}).
		OrderBy("requested_at", "id").
		Limit(1))
}

func (t *pgTx) CreateReservation(ctx context.Context, r model.Reservation) (model.Reservation, error) {
	q := qb.Insert(reservationsTableName).
		Columns("reservation_uid", "book_uid", "username", "requested_at").
		Values(r.ReservationUid, r.BookUid, r.Username, r.RequestedAt).
		Suffix("returning " + joinColumns(reservationColumns))
	res, err := getReservation(ctx, t.tx, q)
	if isUniqueViolation(err) {
		return model.Reservation{}, errs.ErrAlreadyReserved
	}
	return res, err
}

func (t *pgTx) DeleteReservation(ctx context.Context, reservationUid string) error {
	query, args, err := qb.Delete(reservationsTableName).Where(sq.Eq{"reservation_uid": reservationUid}).ToSql()
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "delete reservation")
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (t *pgTx) LockUser(ctx context.Context, username string) error {
	_, err := t.tx.Exec(ctx, `select pg_advisory_xact_lock(hashtextextended($1, 0))`, "user:"+username)
	return errors.Wrap(err, "lock user")
}

func (t *pgTx) HasClaim(ctx context.Context, bookUid, username string) (bool, error) {
	const q = `
	select exists(select 1 from reservations where book_uid = $1 and username = $2)
	    or exists(select 1 from copies where book_uid = $1 and status = 'RESERVED' and holder = $2)`
	var ok bool
	if err := t.tx.QueryRow(ctx, q, bookUid, username).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (t *pgTx) CountClaims(ctx context.Context, username string) (int, error) {
	const q = `
	select (select count(*) from reservations where username = $1)
	     + (select count(*) from copies where status = 'RESERVED' and holder = $1)`
	var count int
	if err := t.tx.QueryRow(ctx, q, username).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func getCopy(ctx context.Context, db querier, b sq.Sqlizer) (model.Copy, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return model.Copy{}, err
	}
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return model.Copy{}, err
	}
	c, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Copy])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Copy{}, errs.ErrNotFound
		}
		return model.Copy{}, err
	}
	return c, nil
}

func listCopies(ctx context.Context, db querier, b sq.Sqlizer) ([]model.Copy, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Copy])
	if err != nil {
		return nil, errors.Wrap(err, "pgx.CollectRows")
	}
	return items, nil
}

func getReservation(ctx context.Context, db querier, b sq.Sqlizer) (model.Reservation, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return model.Reservation{}, err
	}
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return model.Reservation{}, err
	}
	res, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Reservation])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Reservation{}, errs.ErrNotFound
		}
		return model.Reservation{}, err
	}
	return res, nil
}

func scalar[T any](ctx context.Context, db querier, b sq.Sqlizer) (T, error) {
	var zero T
	query, args, err := b.ToSql()
	if err != nil {
		return zero, err
	}
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return zero, err
	}
	v, err := pgx.CollectOneRow(rows, pgx.RowTo[T])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, errs.ErrNotFound
		}
		return zero, err
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func joinColumns(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += ", " + c
	}
	return out
}
