// Package repository содержит реализации хранилища данных реферальной системы.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/referral-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrEmailTaken возвращается при попытке зарегистрировать уже занятый email.
var (
	ErrEmailTaken = errors.New("email already taken")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// БД может подниматься дольше сервиса, поэтому первый ping ретраится.
	backoff := retry.WithMaxRetries(3, retry.NewExponential(1*time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с выданным реферальным кодом.
func (r *PostgresRepository) CreateUser(ctx context.Context, name, email string, passwordHash []byte, referralCode string, referrerCode *string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (name, email, password_hash, referral_code, referrer_code)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		name, email, passwordHash, referralCode, referrerCode,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if pgErr.ConstraintName == "users_email_key" {
				return 0, fmt.Errorf("%w: %s", ErrEmailTaken, email)
			}
			// Коллизия реферального кода: генератор считается почти уникальным,
			// поэтому наружу уходит обычная ошибка, а не sentinel.
			return 0, fmt.Errorf("referral code collision: %w", err)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

const userColumns = `id, name, email, password_hash, referral_code, referrer_code, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.ReferralCode, &u.ReferrerCode, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		email,
	)
	return scanUser(row)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

// GetUserByReferralCode возвращает владельца указанного реферального кода.
func (r *PostgresRepository) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE referral_code = $1`,
		code,
	)
	return scanUser(row)
}

// AddClick записывает переход по реферальной ссылке.
// Код не проверяется на существование: журнал переходов append-only.
func (r *PostgresRepository) AddClick(ctx context.Context, code, remoteAddr string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO clicks (code, remote_addr) VALUES ($1, $2)`,
		code, remoteAddr,
	)
	if err != nil {
		return fmt.Errorf("insert click: %w", err)
	}
	return nil
}

// CreateOrder сохраняет заказ, привязанный к реферальному коду.
func (r *PostgresRepository) CreateOrder(ctx context.Context, amountCents int64, code string, buyerEmail *string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (amount, code, buyer_email) VALUES ($1, $2, $3) RETURNING id`,
		amountCents, code, buyerEmail,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

// CreateCommissions сохраняет пакет начислений по одному заказу в одной транзакции.
func (r *PostgresRepository) CreateCommissions(ctx context.Context, commissions []model.Commission) error {
	if len(commissions) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range commissions {
		_, err := tx.Exec(ctx,
			`INSERT INTO commissions (order_id, user_id, level, rate_bps, amount)
			 VALUES ($1, $2, $3, $4, $5)`,
			c.OrderID, c.UserID, c.Level, c.RateBps, c.AmountCents,
		)
		if err != nil {
			return fmt.Errorf("insert commission: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetStatsByCode возвращает агрегированную статистику по коду.
// userID — владелец кода, по нему суммируются начисления.
func (r *PostgresRepository) GetStatsByCode(ctx context.Context, code string, userID int64) (*model.CodeStats, error) {
	var stats model.CodeStats

	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM clicks WHERE code = $1`,
		code,
	).Scan(&stats.Clicks)
	if err != nil {
		return nil, fmt.Errorf("count clicks: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM orders WHERE code = $1`,
		code,
	).Scan(&stats.Orders, &stats.RevenueCents)
	if err != nil {
		return nil, fmt.Errorf("sum orders: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM commissions WHERE user_id = $1`,
		userID,
	).Scan(&stats.CommissionCents)
	if err != nil {
		return nil, fmt.Errorf("sum commissions: %w", err)
	}

	return &stats, nil
}

// GetCommissionsByUser возвращает историю начислений пользователя.
func (r *PostgresRepository) GetCommissionsByUser(ctx context.Context, userID int64) ([]model.Commission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, user_id, level, rate_bps, amount, created_at, notified_at
		 FROM commissions
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select commissions: %w", err)
	}
	defer rows.Close()

	return scanCommissions(rows)
}

// GetUnnotifiedCommissions возвращает начисления, для которых ещё не отправлено уведомление.
func (r *PostgresRepository) GetUnnotifiedCommissions(ctx context.Context, limit int) ([]model.Commission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, user_id, level, rate_bps, amount, created_at, notified_at
		 FROM commissions
		 WHERE notified_at IS NULL
		 ORDER BY id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unnotified commissions: %w", err)
	}
	defer rows.Close()

	return scanCommissions(rows)
}

func scanCommissions(rows pgx.Rows) ([]model.Commission, error) {
	var res []model.Commission
	for rows.Next() {
		var c model.Commission
		err := rows.Scan(&c.ID, &c.OrderID, &c.UserID, &c.Level, &c.RateBps, &c.AmountCents, &c.CreatedAt, &c.NotifiedAt)
		if err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkCommissionsNotified помечает начисления как доставленные в вебхук.
func (r *PostgresRepository) MarkCommissionsNotified(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.pool.Exec(ctx,
		`UPDATE commissions SET notified_at = now() WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("mark commissions notified: %w", err)
	}

	return nil
}
