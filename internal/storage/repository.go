package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/jidegrand/travelcart/internal/signal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a watch does not exist.
	ErrNotFound = errors.New("storage: watch not found")
	// ErrVersionConflict is returned when a conditional watch update lost a race.
	ErrVersionConflict = errors.New("storage: watch version conflict")
)

const watchColumns = `
        id::text,
        origin,
        destination,
        departure_date,
        return_date,
        travelers,
        currency,
        target_price::text,
        baseline_price::text,
        current_price::text,
        signal,
        signal_reason,
        confidence,
        expected_price::text,
        window_start,
        window_end,
        fallback_date,
        hold_active,
        hold_price::text,
        hold_fee::text,
        hold_expires,
        last_checked,
        version,
        created_at,
        updated_at`

const (
	insertWatchSQL = `INSERT INTO watches (
        id,
        origin,
        destination,
        departure_date,
        return_date,
        travelers,
        currency,
        target_price,
        baseline_price,
        current_price,
        signal,
        signal_reason,
        confidence,
        expected_price,
        window_start,
        window_end,
        fallback_date,
        last_checked
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
    )
    RETURNING` + watchColumns + `;`

	getWatchSQL = `SELECT` + watchColumns + `
    FROM watches
    WHERE id = $1;`

	listActiveWatchesSQL = `SELECT` + watchColumns + `
    FROM watches
    WHERE departure_date >= $1
    ORDER BY departure_date, id;`

	listWatchesSQL = `SELECT` + watchColumns + `
    FROM watches
    ORDER BY created_at DESC
    LIMIT $1;`

	updateWatchSignalSQL = `UPDATE watches
    SET
        current_price  = $3,
        signal         = $4,
        signal_reason  = $5,
        confidence     = $6,
        expected_price = $7,
        window_start   = $8,
        window_end     = $9,
        fallback_date  = $10,
        last_checked   = $11,
        version        = version + 1,
        updated_at     = now()
    WHERE id = $1
      AND version = $2
    RETURNING version, updated_at;`

	updatePreferencesSQL = `UPDATE watches
    SET
        target_price = COALESCE($2, target_price),
        hold_active  = CASE WHEN $3 THEN $4 ELSE hold_active END,
        hold_price   = CASE WHEN $3 THEN $5 ELSE hold_price END,
        hold_fee     = CASE WHEN $3 THEN $6 ELSE hold_fee END,
        hold_expires = CASE WHEN $3 THEN $7 ELSE hold_expires END,
        version      = version + 1,
        updated_at   = now()
    WHERE id = $1
    RETURNING` + watchColumns + `;`

	deleteWatchSQL = `DELETE FROM watches WHERE id = $1;`

	insertSampleSQL = `INSERT INTO price_samples (
        watch_id,
        price,
        seats_available,
        recorded_at
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id;`

	recentSamplesSQL = `SELECT
        id,
        watch_id::text,
        price::text,
        seats_available,
        recorded_at
    FROM price_samples
    WHERE watch_id = $1
    ORDER BY recorded_at DESC, id DESC
    LIMIT $2;`

	listSamplesBetweenSQL = `SELECT
        id,
        watch_id::text,
        price::text,
        seats_available,
        recorded_at
    FROM price_samples
    WHERE watch_id = $1
      AND recorded_at >= $2
      AND recorded_at < $3
    ORDER BY recorded_at, id;`

	insertNotificationSQL = `INSERT INTO notifications (
        watch_id,
        type,
        title,
        body,
        urgency,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    RETURNING id, created_at;`

	latestNotificationSQL = `SELECT
        id,
        watch_id::text,
        type,
        title,
        body,
        urgency,
        created_at
    FROM notifications
    WHERE watch_id = $1
      AND type = $2
      AND created_at >= $3
    ORDER BY created_at DESC
    LIMIT 1;`

	listRecentNotificationsSQL = `SELECT
        id,
        watch_id::text,
        type,
        title,
        body,
        urgency,
        created_at
    FROM notifications
    WHERE ($1 = '' OR watch_id::text = $1)
    ORDER BY created_at DESC
    LIMIT $2;`

	deleteNotificationsBeforeSQL = `DELETE FROM notifications WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// WatchStore defines watch persistence.
type WatchStore interface {
	CreateWatch(ctx context.Context, watch Watch, first PriceSample) (Watch, error)
	GetWatch(ctx context.Context, id string) (Watch, error)
	ListActiveWatches(ctx context.Context, today time.Time) ([]Watch, error)
	ListWatches(ctx context.Context, limit int) ([]Watch, error)
	UpdateWatchSignal(ctx context.Context, watch Watch) (Watch, error)
	UpdatePreferences(ctx context.Context, id string, prefs Preferences) (Watch, error)
	DeleteWatch(ctx context.Context, id string) error
}

// SampleStore defines the append-only price history.
type SampleStore interface {
	AppendSample(ctx context.Context, sample PriceSample) (PriceSample, error)
	RecentSamples(ctx context.Context, watchID string, limit int) ([]PriceSample, error)
	ListSamplesBetween(ctx context.Context, watchID string, from, to time.Time) ([]PriceSample, error)
}

// NotificationStore defines the notification ledger.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n Notification) (Notification, error)
	LatestNotification(ctx context.Context, watchID string, typ NotificationType, since time.Time) (*Notification, error)
	ListRecentNotifications(ctx context.Context, watchID string, limit int) ([]Notification, error)
	DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	WatchStore
	SampleStore
	NotificationStore
}

// Store aggregates access to watches, samples and notifications.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// CreateWatch inserts a watch together with its first price sample. The
// baseline price is written here and nowhere else.
func (s *Store) CreateWatch(ctx context.Context, watch Watch, first PriceSample) (Watch, error) {
	pool, err := s.getPool()
	if err != nil {
		return Watch{}, err
	}
	if watch.ID == "" {
		watch.ID = uuid.NewString()
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return Watch{}, fmt.Errorf("begin create watch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	windowStart, windowEnd := windowArgs(watch.OptimalWindow)
	created, err := scanWatch(tx.QueryRow(ctx, insertWatchSQL,
		watch.ID,
		watch.Origin,
		watch.Destination,
		watch.DepartureDate,
		watch.ReturnDate,
		watch.Travelers,
		watch.Currency,
		watch.TargetPrice.String(),
		watch.BaselinePrice.String(),
		watch.CurrentPrice.String(),
		string(watch.Signal),
		watch.SignalReason,
		string(watch.Confidence),
		nullDecimalArg(watch.ExpectedPrice),
		windowStart,
		windowEnd,
		watch.FallbackDate,
		watch.LastChecked,
	))
	if err != nil {
		return Watch{}, fmt.Errorf("insert watch: %w", err)
	}

	first.WatchID = created.ID
	if err := tx.QueryRow(ctx, insertSampleSQL, first.WatchID, first.Price.String(), first.SeatsAvailable, first.RecordedAt).Scan(&first.ID); err != nil {
		return Watch{}, fmt.Errorf("insert first sample: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Watch{}, fmt.Errorf("commit create watch: %w", err)
	}
	return created, nil
}

// GetWatch loads a single watch.
func (s *Store) GetWatch(ctx context.Context, id string) (Watch, error) {
	pool, err := s.getPool()
	if err != nil {
		return Watch{}, err
	}
	watch, err := scanWatch(pool.QueryRow(ctx, getWatchSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Watch{}, ErrNotFound
	}
	if err != nil {
		return Watch{}, fmt.Errorf("get watch: %w", err)
	}
	return watch, nil
}

// ListActiveWatches lists watches departing today or later.
func (s *Store) ListActiveWatches(ctx context.Context, today time.Time) ([]Watch, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listActiveWatchesSQL, signal.Date(today))
	if err != nil {
		return nil, fmt.Errorf("list active watches: %w", err)
	}
	return collectWatches(rows)
}

// ListWatches lists the most recently created watches.
func (s *Store) ListWatches(ctx context.Context, limit int) ([]Watch, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listWatchesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list watches: %w", err)
	}
	return collectWatches(rows)
}

// UpdateWatchSignal writes the price and all derived signal fields in one
// statement, conditional on the version the caller read.
func (s *Store) UpdateWatchSignal(ctx context.Context, watch Watch) (Watch, error) {
	pool, err := s.getPool()
	if err != nil {
		return Watch{}, err
	}

	windowStart, windowEnd := windowArgs(watch.OptimalWindow)
	err = pool.QueryRow(ctx, updateWatchSignalSQL,
		watch.ID,
		watch.Version,
		watch.CurrentPrice.String(),
		string(watch.Signal),
		watch.SignalReason,
		string(watch.Confidence),
		nullDecimalArg(watch.ExpectedPrice),
		windowStart,
		windowEnd,
		watch.FallbackDate,
		watch.LastChecked,
	).Scan(&watch.Version, &watch.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Watch{}, ErrVersionConflict
	}
	if err != nil {
		return Watch{}, fmt.Errorf("update watch signal: %w", err)
	}
	return watch, nil
}

// UpdatePreferences applies user edits and bumps the version.
func (s *Store) UpdatePreferences(ctx context.Context, id string, prefs Preferences) (Watch, error) {
	pool, err := s.getPool()
	if err != nil {
		return Watch{}, err
	}

	var target interface{}
	if prefs.TargetPrice != nil {
		target = prefs.TargetPrice.String()
	}
	hold := HoldState{}
	if prefs.Hold != nil {
		hold = *prefs.Hold
	}

	watch, err := scanWatch(pool.QueryRow(ctx, updatePreferencesSQL,
		id,
		target,
		prefs.Hold != nil,
		hold.Active,
		nullDecimalArg(hold.Price),
		nullDecimalArg(hold.Fee),
		hold.ExpiresAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Watch{}, ErrNotFound
	}
	if err != nil {
		return Watch{}, fmt.Errorf("update preferences: %w", err)
	}
	return watch, nil
}

// DeleteWatch removes a watch and, by cascade, its history.
func (s *Store) DeleteWatch(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deleteWatchSQL, id)
	if err != nil {
		return fmt.Errorf("delete watch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendSample records a fare observation.
func (s *Store) AppendSample(ctx context.Context, sample PriceSample) (PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return PriceSample{}, err
	}
	if err := pool.QueryRow(ctx, insertSampleSQL,
		sample.WatchID,
		sample.Price.String(),
		sample.SeatsAvailable,
		sample.RecordedAt,
	).Scan(&sample.ID); err != nil {
		return PriceSample{}, fmt.Errorf("append sample: %w", err)
	}
	return sample, nil
}

// RecentSamples lists the newest samples for a watch, newest first.
func (s *Store) RecentSamples(ctx context.Context, watchID string, limit int) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, recentSamplesSQL, watchID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent samples: %w", err)
	}
	return collectSamples(rows)
}

// ListSamplesBetween lists samples for a watch within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, watchID string, from, to time.Time) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listSamplesBetweenSQL, watchID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list samples between: %w", err)
	}
	return collectSamples(rows)
}

// InsertNotification persists an emitted notification.
func (s *Store) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return Notification{}, err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := pool.QueryRow(ctx, insertNotificationSQL,
		n.WatchID,
		string(n.Type),
		n.Title,
		n.Body,
		string(n.Urgency),
		n.CreatedAt,
	).Scan(&n.ID, &n.CreatedAt); err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// LatestNotification returns the newest same-type notification created at or
// after since, or nil when there is none.
func (s *Store) LatestNotification(ctx context.Context, watchID string, typ NotificationType, since time.Time) (*Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	n, err := scanNotification(pool.QueryRow(ctx, latestNotificationSQL, watchID, string(typ), since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest notification: %w", err)
	}
	return &n, nil
}

// ListRecentNotifications lists notifications, optionally for one watch.
func (s *Store) ListRecentNotifications(ctx context.Context, watchID string, limit int) ([]Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentNotificationsSQL, watchID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent notifications: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// DeleteNotificationsBefore prunes the notification ledger.
func (s *Store) DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteNotificationsBeforeSQL, olderThan); err != nil {
		return fmt.Errorf("delete notifications before: %w", err)
	}
	return nil
}

func collectWatches(rows pgx.Rows) ([]Watch, error) {
	defer rows.Close()
	watches := make([]Watch, 0)
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		watches = append(watches, w)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return watches, nil
}

func collectSamples(rows pgx.Rows) ([]PriceSample, error) {
	defer rows.Close()
	samples := make([]PriceSample, 0)
	for rows.Next() {
		var (
			sample   PriceSample
			priceStr string
			seats    sql.NullInt32
		)
		if err := rows.Scan(&sample.ID, &sample.WatchID, &priceStr, &seats, &sample.RecordedAt); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse sample price: %w", err)
		}
		sample.Price = price
		if seats.Valid {
			v := int(seats.Int32)
			sample.SeatsAvailable = &v
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanNotification(row pgx.Row) (Notification, error) {
	var (
		n       Notification
		typ     string
		urgency string
	)
	if err := row.Scan(&n.ID, &n.WatchID, &typ, &n.Title, &n.Body, &urgency, &n.CreatedAt); err != nil {
		return Notification{}, err
	}
	n.Type = NotificationType(typ)
	n.Urgency = Urgency(urgency)
	return n, nil
}

func scanWatch(row pgx.Row) (Watch, error) {
	var (
		w           Watch
		returnDate  sql.NullTime
		targetStr   string
		baselineStr string
		currentStr  string
		sig         string
		confidence  string
		expected    sql.NullString
		windowStart sql.NullTime
		windowEnd   sql.NullTime
		fallback    sql.NullTime
		holdPrice   sql.NullString
		holdFee     sql.NullString
		holdExpires sql.NullTime
		lastChecked sql.NullTime
	)

	if err := row.Scan(
		&w.ID,
		&w.Origin,
		&w.Destination,
		&w.DepartureDate,
		&returnDate,
		&w.Travelers,
		&w.Currency,
		&targetStr,
		&baselineStr,
		&currentStr,
		&sig,
		&w.SignalReason,
		&confidence,
		&expected,
		&windowStart,
		&windowEnd,
		&fallback,
		&w.Hold.Active,
		&holdPrice,
		&holdFee,
		&holdExpires,
		&lastChecked,
		&w.Version,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		return Watch{}, err
	}

	var err error
	if w.TargetPrice, err = decimal.NewFromString(targetStr); err != nil {
		return Watch{}, fmt.Errorf("parse target price: %w", err)
	}
	if w.BaselinePrice, err = decimal.NewFromString(baselineStr); err != nil {
		return Watch{}, fmt.Errorf("parse baseline price: %w", err)
	}
	if w.CurrentPrice, err = decimal.NewFromString(currentStr); err != nil {
		return Watch{}, fmt.Errorf("parse current price: %w", err)
	}
	if w.ExpectedPrice, err = parseNullDecimal(expected); err != nil {
		return Watch{}, fmt.Errorf("parse expected price: %w", err)
	}
	if w.Hold.Price, err = parseNullDecimal(holdPrice); err != nil {
		return Watch{}, fmt.Errorf("parse hold price: %w", err)
	}
	if w.Hold.Fee, err = parseNullDecimal(holdFee); err != nil {
		return Watch{}, fmt.Errorf("parse hold fee: %w", err)
	}

	w.Signal = signal.Signal(sig)
	w.Confidence = signal.Confidence(confidence)
	w.ReturnDate = timePtr(returnDate)
	w.FallbackDate = timePtr(fallback)
	w.Hold.ExpiresAt = timePtr(holdExpires)
	w.LastChecked = timePtr(lastChecked)
	if windowStart.Valid && windowEnd.Valid {
		w.OptimalWindow = &signal.Window{Start: windowStart.Time, End: windowEnd.Time}
	}
	return w, nil
}

func parseNullDecimal(v sql.NullString) (decimal.NullDecimal, error) {
	if !v.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullDecimalArg(v decimal.NullDecimal) interface{} {
	if !v.Valid {
		return nil
	}
	return v.Decimal.String()
}

func windowArgs(w *signal.Window) (interface{}, interface{}) {
	if w == nil {
		return nil, nil
	}
	return w.Start, w.End
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
