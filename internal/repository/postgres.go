// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
	"github.com/mmeshcher/invoicing-system/internal/crypto"
	"github.com/mmeshcher/invoicing-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = apperr.New(apperr.ErrConflict, "user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = apperr.New(apperr.ErrNotFound, "user not found")
	// ErrCompanyNotFound возвращается, если компании нет или она принадлежит другому пользователю.
	ErrCompanyNotFound = apperr.New(apperr.ErrNotFound, "company not found")
	// ErrInvoiceNotFound возвращается, если счёта нет или он принадлежит другому пользователю.
	ErrInvoiceNotFound = apperr.New(apperr.ErrNotFound, "invoice not found")
	// ErrCredentialNotFound возвращается, если почтовый аккаунт не подключён.
	ErrCredentialNotFound = apperr.New(apperr.ErrNotFound, "credential not found")
	// ErrAlreadyFulfilled возвращается при повторной отметке об оплате.
	ErrAlreadyFulfilled = apperr.New(apperr.ErrAlreadySettled, "invoice already fulfilled")
)

// NumberFunc строит номер счёта по шаблону плательщика и текущему значению его счётчика.
type NumberFunc func(pattern string, counter int64) string

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
	enc  crypto.Encryptor
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
// Токены почтовых аккаунтов шифруются enc перед записью.
func NewPostgresRepository(dsn string, enc crypto.Encryptor) (*PostgresRepository, error) {
	if enc == nil {
		return nil, errors.New("encryptor is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, enc: enc}

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

func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

// withRetry повторяет fn при конфликтах сериализации, дедлоках и недоступности БД.
// Остальные ошибки возвращаются сразу.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newRetryBackOff(), ctx))
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

// isConnectionError распознаёт только отказ в соединении: запрос до сервера не дошёл,
// и повтор не может задвоить запись.
func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

const companyColumns = `id, user_id, name, alias, email, address, currency,
	invoice_number_pattern, invoice_number_counter, created_at`

func scanCompany(row pgx.Row) (*model.Company, error) {
	var c model.Company
	err := row.Scan(
		&c.ID, &c.UserID, &c.Name, &c.Alias, &c.Email, &c.Address, &c.Currency,
		&c.InvoiceNumberPattern, &c.InvoiceNumberCounter, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Currency = strings.TrimSpace(c.Currency)
	return &c, nil
}

// CreateCompany добавляет компанию в справочник пользователя. Счётчик номеров начинается с нуля.
func (r *PostgresRepository) CreateCompany(ctx context.Context, c *model.Company) (*model.Company, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO companies (user_id, name, alias, email, address, currency, invoice_number_pattern)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+companyColumns,
		c.UserID, c.Name, c.Alias, c.Email, c.Address, c.Currency, c.InvoiceNumberPattern,
	)

	created, err := scanCompany(row)
	if err != nil {
		return nil, fmt.Errorf("create company: %w", err)
	}
	return created, nil
}

// GetCompany возвращает компанию пользователя.
func (r *PostgresRepository) GetCompany(ctx context.Context, userID, id int64) (*model.Company, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE id = $1 AND user_id = $2`,
		id, userID,
	)

	c, err := scanCompany(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCompanyNotFound
		}
		return nil, fmt.Errorf("get company: %w", err)
	}
	return c, nil
}

// ListCompanies возвращает справочник компаний пользователя.
func (r *PostgresRepository) ListCompanies(ctx context.Context, userID int64) ([]model.Company, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE user_id = $1 ORDER BY name, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select companies: %w", err)
	}
	defer rows.Close()

	var res []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		res = append(res, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateCompany меняет реквизиты компании. Счётчик номеров не меняется.
func (r *PostgresRepository) UpdateCompany(ctx context.Context, c *model.Company) (*model.Company, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE companies
		 SET name = $3, alias = $4, email = $5, address = $6, currency = $7, invoice_number_pattern = $8
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+companyColumns,
		c.ID, c.UserID, c.Name, c.Alias, c.Email, c.Address, c.Currency, c.InvoiceNumberPattern,
	)

	updated, err := scanCompany(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCompanyNotFound
		}
		return nil, fmt.Errorf("update company: %w", err)
	}
	return updated, nil
}

// CreateInvoice выпускает счёт.
//
// Строка плательщика блокируется на время транзакции, поэтому чтение счётчика,
// построение номера, вставка счёта и увеличение счётчика выполняются атомарно:
// параллельные вызовы для одного плательщика получают разные номера без пропусков.
// Валюта счёта берётся у плательщика в момент создания.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, draft model.InvoiceDraft, number NumberFunc) (*model.Invoice, error) {
	var inv *model.Invoice

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			pattern  string
			counter  int64
			currency string
		)
		err = tx.QueryRow(ctx,
			`SELECT invoice_number_pattern, invoice_number_counter, currency
			 FROM companies
			 WHERE id = $1 AND user_id = $2
			 FOR UPDATE`,
			draft.PayerID, draft.UserID,
		).Scan(&pattern, &counter, &currency)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("payer: %w", ErrCompanyNotFound)
			}
			return fmt.Errorf("lock payer for update: %w", err)
		}

		var receiverExists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM companies WHERE id = $1 AND user_id = $2)`,
			draft.ReceiverID, draft.UserID,
		).Scan(&receiverExists)
		if err != nil {
			return fmt.Errorf("check receiver: %w", err)
		}
		if !receiverExists {
			return fmt.Errorf("receiver: %w", ErrCompanyNotFound)
		}

		created := &model.Invoice{
			UserID:      draft.UserID,
			Number:      number(pattern, counter),
			PayerID:     draft.PayerID,
			ReceiverID:  draft.ReceiverID,
			Amount:      draft.Amount,
			Currency:    strings.TrimSpace(currency),
			IssuedAt:    draft.IssuedAt,
			ExpiredAt:   draft.ExpiredAt,
			Description: draft.Description,
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO invoices (user_id, number, payer_id, receiver_id, amount, currency, issued_at, expired_at, description)
			 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
			 RETURNING id, created_at`,
			created.UserID, created.Number, created.PayerID, created.ReceiverID, created.Amount.String(),
			created.Currency, created.IssuedAt, created.ExpiredAt, created.Description,
		).Scan(&created.ID, &created.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE companies SET invoice_number_counter = invoice_number_counter + 1 WHERE id = $1`,
			draft.PayerID,
		)
		if err != nil {
			return fmt.Errorf("increment counter: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		inv = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	return inv, nil
}

const invoiceColumns = `i.id, i.user_id, i.number, i.payer_id, i.receiver_id, i.amount::text, i.currency,
	i.issued_at, i.expired_at, i.fulfilled_at, i.description, i.created_at,
	(SELECT COUNT(*) FROM send_history h WHERE h.invoice_id = i.id)`

func scanInvoice(row pgx.Row) (*model.Invoice, error) {
	var (
		inv    model.Invoice
		amount string
	)
	err := row.Scan(
		&inv.ID, &inv.UserID, &inv.Number, &inv.PayerID, &inv.ReceiverID, &amount, &inv.Currency,
		&inv.IssuedAt, &inv.ExpiredAt, &inv.FulfilledAt, &inv.Description, &inv.CreatedAt,
		&inv.SendCount,
	)
	if err != nil {
		return nil, err
	}

	inv.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	inv.Currency = strings.TrimSpace(inv.Currency)
	return &inv, nil
}

// GetInvoice возвращает счёт пользователя вместе с числом отправок.
func (r *PostgresRepository) GetInvoice(ctx context.Context, userID, id int64) (*model.Invoice, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices i WHERE i.id = $1 AND i.user_id = $2`,
		id, userID,
	)

	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

// ListInvoices возвращает счета пользователя, новые первыми.
func (r *PostgresRepository) ListInvoices(ctx context.Context, userID int64) ([]model.Invoice, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+invoiceColumns+`
		 FROM invoices i
		 WHERE i.user_id = $1
		 ORDER BY i.created_at DESC, i.id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select invoices: %w", err)
	}
	defer rows.Close()

	var res []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		res = append(res, *inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkFulfilled отмечает счёт оплаченным. Повторная отметка возвращает ErrAlreadyFulfilled.
func (r *PostgresRepository) MarkFulfilled(ctx context.Context, userID, id int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE invoices SET fulfilled_at = $3 WHERE id = $1 AND user_id = $2 AND fulfilled_at IS NULL`,
		id, userID, at,
	)
	if err != nil {
		return fmt.Errorf("mark fulfilled: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1 AND user_id = $2)`,
		id, userID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check invoice: %w", err)
	}
	if !exists {
		return ErrInvoiceNotFound
	}
	return ErrAlreadyFulfilled
}

// AppendSendHistory добавляет запись в историю отправок счёта.
func (r *PostgresRepository) AppendSendHistory(ctx context.Context, rec *model.SendHistoryRecord) error {
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO send_history (invoice_id, sent_at, recipient_email, provider_message_id, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		rec.InvoiceID, rec.SentAt, rec.RecipientEmail, rec.ProviderMessageID, metadata,
	).Scan(&rec.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return ErrInvoiceNotFound
		}
		return fmt.Errorf("insert send history: %w", err)
	}
	return nil
}

// CountSendHistory возвращает число записей в истории отправок счёта.
func (r *PostgresRepository) CountSendHistory(ctx context.Context, invoiceID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM send_history WHERE invoice_id = $1`,
		invoiceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count send history: %w", err)
	}
	return n, nil
}

// ListSendHistory возвращает историю отправок счёта в порядке отправки.
func (r *PostgresRepository) ListSendHistory(ctx context.Context, invoiceID int64) ([]model.SendHistoryRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, invoice_id, sent_at, recipient_email, provider_message_id, metadata
		 FROM send_history
		 WHERE invoice_id = $1
		 ORDER BY sent_at, id`,
		invoiceID,
	)
	if err != nil {
		return nil, fmt.Errorf("select send history: %w", err)
	}
	defer rows.Close()

	var res []model.SendHistoryRecord
	for rows.Next() {
		var rec model.SendHistoryRecord
		if err := rows.Scan(&rec.ID, &rec.InvoiceID, &rec.SentAt, &rec.RecipientEmail, &rec.ProviderMessageID, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("scan send history: %w", err)
		}
		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

const credentialColumns = `user_id, provider, account_email, access_token, refresh_token, expires_at, updated_at`

func (r *PostgresRepository) scanCredential(row pgx.Row) (*model.AccountCredential, error) {
	var c model.AccountCredential
	err := row.Scan(&c.UserID, &c.Provider, &c.AccountEmail, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if c.AccessToken, err = r.enc.Decrypt(c.AccessToken); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if c.RefreshToken, err = r.enc.Decrypt(c.RefreshToken); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return &c, nil
}

func (r *PostgresRepository) encryptTokens(c *model.AccountCredential) (access, refresh string, err error) {
	if access, err = r.enc.Encrypt(c.AccessToken); err != nil {
		return "", "", fmt.Errorf("encrypt access token: %w", err)
	}
	if refresh, err = r.enc.Encrypt(c.RefreshToken); err != nil {
		return "", "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return access, refresh, nil
}

// GetCredential возвращает токены почтового аккаунта пользователя.
func (r *PostgresRepository) GetCredential(ctx context.Context, userID int64, provider string) (*model.AccountCredential, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM account_credentials WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	)

	c, err := r.scanCredential(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// UpsertCredential сохраняет токены после согласия пользователя, заменяя прежние.
func (r *PostgresRepository) UpsertCredential(ctx context.Context, c *model.AccountCredential) (*model.AccountCredential, error) {
	access, refresh, err := r.encryptTokens(c)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO account_credentials (user_id, provider, account_email, access_token, refresh_token, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (user_id, provider) DO UPDATE
		 SET account_email = EXCLUDED.account_email,
		     access_token = EXCLUDED.access_token,
		     refresh_token = EXCLUDED.refresh_token,
		     expires_at = EXCLUDED.expires_at,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+credentialColumns,
		c.UserID, c.Provider, c.AccountEmail, access, refresh, c.ExpiresAt,
	)

	saved, err := r.scanCredential(row)
	if err != nil {
		return nil, fmt.Errorf("upsert credential: %w", err)
	}
	return saved, nil
}

// saveRefreshedCredentialSQL обновляет только существующую запись и не затирает
// токен с более поздним сроком действия.
const saveRefreshedCredentialSQL = `UPDATE account_credentials
	 SET access_token = $3,
	     refresh_token = $4,
	     expires_at = $5,
	     updated_at = now()
	 WHERE user_id = $1 AND provider = $2
	   AND (expires_at IS NULL OR $5::timestamptz IS NULL OR expires_at <= $5::timestamptz)
	 RETURNING ` + credentialColumns

// SaveRefreshedCredential сохраняет обновлённые токены, если они не старее уже сохранённых.
// Если другой процесс успел записать токен с более поздним сроком, возвращается его запись.
// Удалённая за время обновления запись не восстанавливается: возвращается ErrCredentialNotFound.
func (r *PostgresRepository) SaveRefreshedCredential(ctx context.Context, c *model.AccountCredential) (*model.AccountCredential, error) {
	access, refresh, err := r.encryptTokens(c)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, saveRefreshedCredentialSQL,
		c.UserID, c.Provider, access, refresh, c.ExpiresAt,
	)

	saved, err := r.scanCredential(row)
	if err == nil {
		return saved, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("save refreshed credential: %w", err)
	}

	// Ни одной строки: запись удалена или уже содержит более свежий токен.
	return r.GetCredential(ctx, c.UserID, c.Provider)
}
