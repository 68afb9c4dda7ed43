package repository

import (
	"context"
	"fmt"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
)

const maxConflictRetries = 16

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Key layout, title and user segments hex encoded so no id can extend another's prefix:
//
//	copy/<copyUid>                               copy record
//	resv/<reservationUid>                        reservation record
//	title/<book>/copy/<id>                       -> copyUid, copies of a title in insertion order
//	title/<book>/queue/<unixNano>/<id>           -> reservationUid, FIFO queue of a title
//	user/<user>/guard                            write marker serializing claim counting
//	user/<user>/claim/<book>/resv/<resvUid>      pending reservation of the user
//	user/<user>/claim/<book>/hold/<copyUid>      RESERVED hold of the user
//
// Units only touch keys of their own title and of the users involved, so
// units of unrelated titles and users never conflict.
const (
	copyPrefix        = "copy/"
	reservationPrefix = "resv/"

	claimReservation = "resv"
	claimHold        = "hold"
)

func seg(s string) string { return hex.EncodeToString([]byte(s)) }

func copyKey(copyUid string) []byte { return []byte(copyPrefix + copyUid) }

func reservationKey(reservationUid string) []byte { return []byte(reservationPrefix + reservationUid) }

func titleCopiesPrefix(bookUid string) []byte { return []byte("title/" + seg(bookUid) + "/copy/") }

func titleCopyKey(bookUid string, id int64) []byte {
	return []byte(fmt.Sprintf("title/%s/copy/%020d", seg(bookUid), id))
}

func queuePrefix(bookUid string) []byte { return []byte("title/" + seg(bookUid) + "/queue/") }

func queueKey(r model.Reservation) []byte {
	return []byte(fmt.Sprintf("title/%s/queue/%020d/%020d", seg(r.BookUid), r.RequestedAt.UnixNano(), r.ID))
}

func userGuardKey(username string) []byte { return []byte("user/" + seg(username) + "/guard") }

func userClaimsPrefix(username string) []byte { return []byte("user/" + seg(username) + "/claim/") }

func userTitleClaimsPrefix(username, bookUid string) []byte {
	return []byte("user/" + seg(username) + "/claim/" + seg(bookUid) + "/")
}

func claimKey(username, bookUid, kind, uid string) []byte {
	return append(userTitleClaimsPrefix(username, bookUid), kind+"/"+uid...)
}

// claimFromKey splits the tail of a claim key into kind and uid.
func claimFromKey(key []byte, prefix []byte) (kind, uid string) {
	rest := string(key[len(prefix):])
	// <book>/<kind>/<uid>
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 {
		return "", ""
	}
	return parts[1], parts[2]
}

// The model hides ids from JSON, the records keep them.
type copyRecord struct {
	model.Copy
	ID int64 `json:"id"`
}

type reservationRecord struct {
	model.Reservation
	ID int64 `json:"id"`
}

func (r copyRecord) toModel() model.Copy {
	c := r.Copy
	c.ID = r.ID
	return c
}

func (r reservationRecord) toModel() model.Reservation {
	res := r.Reservation
	res.ID = r.ID
	return res
}

type badgerRepo struct {
	db      *badger.DB
	log     *zap.Logger
	locks   *keyedMutex
	copySeq *badger.Sequence
	resvSeq *badger.Sequence
}

// NewBadgerRepository opens an embedded store in dir, in memory when dir is empty.
func NewBadgerRepository(dir string, log *zap.Logger) (*badgerRepo, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "badger.Open")
	}
	copySeq, err := db.GetSequence([]byte("seq/copy"), 64)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "copy sequence")
	}
	resvSeq, err := db.GetSequence([]byte("seq/reservation"), 64)
	if err != nil {
		_ = copySeq.Release()
		_ = db.Close()
		return nil, errors.Wrap(err, "reservation sequence")
	}
	return &badgerRepo{
		db:      db,
		log:     log.Named("repo"),
		locks:   newKeyedMutex(),
		copySeq: copySeq,
		resvSeq: resvSeq,
	}, nil
}

func (r *badgerRepo) Close() error {
	_ = r.copySeq.Release()
	_ = r.resvSeq.Release()
	return r.db.Close()
}

// WithinTitle serializes units of one title in process and commits fn as a
// single badger transaction. Units of different titles touching the same user
// conflict at commit, such a unit is rerun from scratch.
func (r *badgerRepo) WithinTitle(ctx context.Context, bookUid string, fn func(ctx context.Context, tx Tx) error) error {
	unlock := r.locks.Lock("title:" + bookUid)
	defer unlock()

	var err error
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = r.db.Update(func(txn *badger.Txn) error {
			return fn(ctx, &badgerTx{repo: r, txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		r.log.Debug("title unit conflict", zap.String("book_uid", bookUid), zap.Int("attempt", attempt))
	}
	return errors.Wrap(err, "title unit")
}

func (r *badgerRepo) CopyTitle(_ context.Context, copyUid string) (string, error) {
	var c copyRecord
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, copyKey(copyUid), &c)
	})
	return c.BookUid, err
}

func (r *badgerRepo) ReservationTitle(_ context.Context, reservationUid string) (string, error) {
	var bookUid string
	err := r.db.View(func(txn *badger.Txn) error {
		var res reservationRecord
		err := getJSON(txn, reservationKey(reservationUid), &res)
		if err == nil {
			bookUid = res.BookUid
			return nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		err = scanPrefix(txn, []byte(copyPrefix), func(_, val []byte) (bool, error) {
			var c copyRecord
			if err := json.Unmarshal(val, &c); err != nil {
				return false, err
			}
			if c.HoldReservationUid != nil && *c.HoldReservationUid == reservationUid {
				bookUid = c.BookUid
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			return err
		}
		if bookUid == "" {
			return errs.ErrNotFound
		}
		return nil
	})
	return bookUid, err
}

func (r *badgerRepo) GetCopy(_ context.Context, copyUid string) (model.Copy, error) {
	var c copyRecord
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, copyKey(copyUid), &c)
	})
	if err != nil {
		return model.Copy{}, err
	}
	return c.toModel(), nil
}

func (r *badgerRepo) ListCopies(_ context.Context, bookUid string) ([]model.Copy, error) {
	items := make([]model.Copy, 0)
	err := r.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, titleCopiesPrefix(bookUid), func(_, val []byte) (bool, error) {
			var c copyRecord
			if err := getJSON(txn, copyKey(string(val)), &c); err != nil {
				return false, err
			}
			items = append(items, c.toModel())
			return false, nil
		})
	})
	return items, err
}

func (r *badgerRepo) ListExpiredHolds(_ context.Context, before time.Time) ([]model.Copy, error) {
	items := make([]model.Copy, 0)
	err := r.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(copyPrefix), func(_, val []byte) (bool, error) {
			var c copyRecord
			if err := json.Unmarshal(val, &c); err != nil {
				return false, err
			}
			if c.Status == model.StatusReserved && c.DueDate != nil && c.DueDate.Before(before) {
				items = append(items, c.toModel())
			}
			return false, nil
		})
	})
	sort.Slice(items, func(i, j int) bool {
		if !items[i].DueDate.Equal(*items[j].DueDate) {
			return items[i].DueDate.Before(*items[j].DueDate)
		}
		return items[i].ID < items[j].ID
	})
	return items, err
}

func (r *badgerRepo) UserReservations(_ context.Context, username string) (model.UserReservations, error) {
	res := model.UserReservations{
		Pending: make([]model.PendingReservation, 0),
		Holds:   make([]model.Copy, 0),
	}
	err := r.db.View(func(txn *badger.Txn) error {
		var resvUids, copyUids []string
		prefix := userClaimsPrefix(username)
		err := scanKeys(txn, prefix, func(key []byte) (bool, error) {
			switch kind, uid := claimFromKey(key, prefix); kind {
			case claimReservation:
				resvUids = append(resvUids, uid)
			case claimHold:
				copyUids = append(copyUids, uid)
			}
			return false, nil
		})
		if err != nil {
			return err
		}
		for _, uid := range resvUids {
			var rec reservationRecord
			if err = getJSON(txn, reservationKey(uid), &rec); err != nil {
				return err
			}
			p := model.PendingReservation{Reservation: rec.toModel()}
			own := queueKey(p.Reservation)
			err = scanKeys(txn, queuePrefix(p.BookUid), func(key []byte) (bool, error) {
				p.Position++
				return string(key) == string(own), nil
			})
			if err != nil {
				return err
			}
			res.Pending = append(res.Pending, p)
		}
		for _, uid := range copyUids {
			var c copyRecord
			if err = getJSON(txn, copyKey(uid), &c); err != nil {
				return err
			}
			res.Holds = append(res.Holds, c.toModel())
		}
		return nil
	})
	sort.Slice(res.Pending, func(i, j int) bool { return res.Pending[i].Before(res.Pending[j].Reservation) })
	sort.Slice(res.Holds, func(i, j int) bool { return res.Holds[i].ID < res.Holds[j].ID })
	return res, err
}

type badgerTx struct {
	repo  *badgerRepo
	txn   *badger.Txn
	users map[string]struct{}
}

func (t *badgerTx) GetCopy(_ context.Context, copyUid string) (model.Copy, error) {
	var c copyRecord
	if err := getJSON(t.txn, copyKey(copyUid), &c); err != nil {
		return model.Copy{}, err
	}
	return c.toModel(), nil
}

func (t *badgerTx) InsertCopy(_ context.Context, c model.Copy) (model.Copy, error) {
	if _, err := t.txn.Get(copyKey(c.CopyUid)); err == nil {
		return model.Copy{}, errors.Errorf("copy %s already exists", c.CopyUid)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return model.Copy{}, err
	}
	id, err := t.repo.copySeq.Next()
	if err != nil {
		return model.Copy{}, errors.Wrap(err, "copy sequence")
	}
	c.ID = int64(id) + 1
	if err = setJSON(t.txn, copyKey(c.CopyUid), copyRecord{Copy: c, ID: c.ID}); err != nil {
		return model.Copy{}, err
	}
	if err = t.txn.Set(titleCopyKey(c.BookUid, c.ID), []byte(c.CopyUid)); err != nil {
		return model.Copy{}, err
	}
	if err = t.setHoldClaim(c); err != nil {
		return model.Copy{}, err
	}
	return c, nil
}

func (t *badgerTx) UpdateCopy(_ context.Context, c model.Copy) error {
	var cur copyRecord
	if err := getJSON(t.txn, copyKey(c.CopyUid), &cur); err != nil {
		return err
	}
	// identity and title are immutable
	c.ID = cur.ID
	c.BookUid = cur.BookUid
	if cur.Status == model.StatusReserved && cur.Holder != nil {
		if err := t.txn.Delete(claimKey(*cur.Holder, cur.BookUid, claimHold, cur.CopyUid)); err != nil {
			return err
		}
	}
	if err := t.setHoldClaim(c); err != nil {
		return err
	}
	return setJSON(t.txn, copyKey(c.CopyUid), copyRecord{Copy: c, ID: c.ID})
}

// setHoldClaim indexes a RESERVED copy under its holder.
func (t *badgerTx) setHoldClaim(c model.Copy) error {
	if c.Status != model.StatusReserved || c.Holder == nil {
		return nil
	}
	return t.txn.Set(claimKey(*c.Holder, c.BookUid, claimHold, c.CopyUid), nil)
}

func (t *badgerTx) FirstAvailableCopy(ctx context.Context, bookUid string) (model.Copy, error) {
	return t.findCopy(bookUid, func(c model.Copy) bool {
		return c.Status == model.StatusAvailable
	})
}

func (t *badgerTx) CopyByHold(_ context.Context, bookUid, reservationUid string) (model.Copy, error) {
	return t.findCopy(bookUid, func(c model.Copy) bool {
		return c.Status == model.StatusReserved && c.HoldReservationUid != nil && *c.HoldReservationUid == reservationUid
	})
}

func (t *badgerTx) findCopy(bookUid string, match func(model.Copy) bool) (model.Copy, error) {
	var (
		found model.Copy
		ok    bool
	)
	err := scanPrefix(t.txn, titleCopiesPrefix(bookUid), func(_, val []byte) (bool, error) {
		var c copyRecord
		if err := getJSON(t.txn, copyKey(string(val)), &c); err != nil {
			return false, err
		}
		if match(c.toModel()) {
			found, ok = c.toModel(), true
		}
		return ok, nil
	})
	if err != nil {
		return model.Copy{}, err
	}
	if !ok {
		return model.Copy{}, errs.ErrNotFound
	}
	return found, nil
}

func (t *badgerTx) GetReservation(_ context.Context, reservationUid string) (model.Reservation, error) {
	var rec reservationRecord
	if err := getJSON(t.txn, reservationKey(reservationUid), &rec); err != nil {
		return model.Reservation{}, err
	}
	return rec.toModel(), nil
}

func (t *badgerTx) OldestReservation(ctx context.Context, bookUid string) (model.Reservation, error) {
	var head string
	err := scanPrefix(t.txn, queuePrefix(bookUid), func(_, val []byte) (bool, error) {
		head = string(val)
		return true, nil
	})
	if err != nil {
		return model.Reservation{}, err
	}
	if head == "" {
		return model.Reservation{}, errs.ErrNotFound
	}
	return t.GetReservation(ctx, head)
}

func (t *badgerTx) CreateReservation(_ context.Context, r model.Reservation) (model.Reservation, error) {
	dup := false
	err := scanKeys(t.txn, append(userTitleClaimsPrefix(r.Username, r.BookUid), claimReservation+"/"...), func([]byte) (bool, error) {
		dup = true
		return true, nil
	})
	if err != nil {
		return model.Reservation{}, err
	}
	if dup {
		return model.Reservation{}, errs.ErrAlreadyReserved
	}
	id, err := t.repo.resvSeq.Next()
	if err != nil {
		return model.Reservation{}, errors.Wrap(err, "reservation sequence")
	}
	r.ID = int64(id) + 1
	if err = setJSON(t.txn, reservationKey(r.ReservationUid), reservationRecord{Reservation: r, ID: r.ID}); err != nil {
		return model.Reservation{}, err
	}
	if err = t.txn.Set(queueKey(r), []byte(r.ReservationUid)); err != nil {
		return model.Reservation{}, err
	}
	if err = t.txn.Set(claimKey(r.Username, r.BookUid, claimReservation, r.ReservationUid), nil); err != nil {
		return model.Reservation{}, err
	}
	return r, nil
}

func (t *badgerTx) DeleteReservation(ctx context.Context, reservationUid string) error {
	r, err := t.GetReservation(ctx, reservationUid)
	if err != nil {
		return err
	}
	if err = t.txn.Delete(reservationKey(reservationUid)); err != nil {
		return err
	}
	if err = t.txn.Delete(claimKey(r.Username, r.BookUid, claimReservation, reservationUid)); err != nil {
		return err
	}
	return t.txn.Delete(queueKey(r))
}

// LockUser reads and rewrites the user's guard key. Two units of the same
// user then conflict at commit and the later one reruns on a fresh snapshot,
// which sees the claims the first one committed.
func (t *badgerTx) LockUser(_ context.Context, username string) error {
	if t.users == nil {
		t.users = make(map[string]struct{})
	}
	if _, ok := t.users[username]; ok {
		return nil
	}
	key := userGuardKey(username)
	if _, err := t.txn.Get(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	if err := t.txn.Set(key, []byte(strconv.FormatInt(time.Now().UnixNano(), 10))); err != nil {
		return err
	}
	t.users[username] = struct{}{}
	return nil
}

func (t *badgerTx) HasClaim(_ context.Context, bookUid, username string) (bool, error) {
	found := false
	err := scanKeys(t.txn, userTitleClaimsPrefix(username, bookUid), func([]byte) (bool, error) {
		found = true
		return true, nil
	})
	return found, err
}

func (t *badgerTx) CountClaims(_ context.Context, username string) (int, error) {
	count := 0
	err := scanKeys(t.txn, userClaimsPrefix(username), func([]byte) (bool, error) {
		count++
		return false, nil
	})
	return count, err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errs.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// scanPrefix visits keys under prefix in order until fn reports stop.
// Read-write transactions allow a single open iterator, so fn must not scan.
func scanPrefix(txn *badger.Txn, prefix []byte, fn func(key, val []byte) (stop bool, err error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var stop bool
		err := item.Value(func(val []byte) error {
			var err error
			stop, err = fn(item.Key(), val)
			return err
		})
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// scanKeys is scanPrefix without fetching values.
func scanKeys(txn *badger.Txn, prefix []byte, fn func(key []byte) (stop bool, err error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		stop, err := fn(it.Item().KeyCopy(nil))
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}
