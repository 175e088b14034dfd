// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/flux-system/internal/deliverycode"
	"github.com/mmeshcher/flux-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDeliveryNotFound возвращается, если доставка не найдена.
	ErrDeliveryNotFound = errors.New("delivery not found")
	// ErrOrderConflict возвращается, если условный переход статуса не прошёл:
	// заказ уже перешёл в другой статус параллельной записью.
	ErrOrderConflict = errors.New("order status changed concurrently")
	// ErrDriverBusy возвращается, если за курьером уже закреплён активный заказ.
	ErrDriverBusy = errors.New("driver already has an accepted order")
	// ErrNotOrderDriver возвращается, если действие выполняет не назначенный на заказ курьер.
	ErrNotOrderDriver = errors.New("driver is not assigned to this order")
	// ErrNotOrderOwner возвращается, если действие выполняет не компания-владелец заказа.
	ErrNotOrderOwner = errors.New("order belongs to another company")
	// ErrCodeNotGenerated возвращается при обращении к коду доставки до назначения курьера.
	ErrCodeNotGenerated = errors.New("delivery code not generated yet")
	// ErrCodeAlreadyGenerated возвращается при повторной попытке сгенерировать код доставки.
	ErrCodeAlreadyGenerated = errors.New("delivery code already generated")
	// ErrAlreadyValidated возвращается при попытке подтвердить уже подтверждённую доставку.
	ErrAlreadyValidated = errors.New("delivery already validated")
	// ErrAttemptsExhausted возвращается после исчерпания лимита попыток подтверждения кода.
	ErrAttemptsExhausted = errors.New("validation attempts exhausted")
	// ErrDeliveriesNotValidated возвращается при попытке завершить заказ с неподтверждёнными доставками.
	ErrDeliveriesNotValidated = errors.New("order has unvalidated deliveries")
)

// DeliveryCode содержит плейнтекст одноразового кода и его хеш для записи в хранилище.
type DeliveryCode struct {
	Plain string
	Hash  string
}

// ValidationResult описывает исход попытки подтверждения кода доставки.
type ValidationResult struct {
	OK                bool
	AttemptsRemaining int
}

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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, login, password_hash, role, state, city, subscription_until)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Login, u.PasswordHash, string(u.Role), u.State, u.City, u.SubscriptionUntil,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrUserExists, u.Login)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return r.getUser(ctx, `SELECT id, login, password_hash, role, state, city, subscription_until, created_at
		 FROM users WHERE login = $1`, login)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return r.getUser(ctx, `SELECT id, login, password_hash, role, state, city, subscription_until, created_at
		 FROM users WHERE id = $1`, id)
}

func (r *PostgresRepository) getUser(ctx context.Context, query string, arg any) (*model.User, error) {
	row := r.pool.QueryRow(ctx, query, arg)

	var (
		u    model.User
		role string
	)
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.State, &u.City, &u.SubscriptionUntil, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// SetSubscriptionUntil обновляет срок действия подписки пользователя.
func (r *PostgresRepository) SetSubscriptionUntil(ctx context.Context, userID uuid.UUID, until time.Time) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET subscription_until = $2 WHERE id = $1`,
		userID, until,
	)
	if err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateOrder атомарно сохраняет заказ вместе со всеми его доставками.
// Коды доставок на этом этапе не генерируются: колонки остаются NULL
// до назначения курьера.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO orders (id, company_id, status, total_cents, state, city)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			o.ID, o.CompanyID, string(o.Status), o.TotalCents, o.State, o.City,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, d := range o.Deliveries {
			_, err = tx.Exec(ctx,
				`INSERT INTO deliveries (id, order_id, pickup_address, dropoff_address, package_type,
				                         price_cents, customer_name, customer_phone)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				d.ID, o.ID, d.PickupAddress, d.DropoffAddress, string(d.PackageType),
				d.PriceCents, d.CustomerName, d.CustomerPhone,
			)
			if err != nil {
				return fmt.Errorf("insert delivery: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// DriverHasActiveOrder сообщает, закреплён ли за курьером заказ в статусе accepted.
// Проверка рекомендательная: авторитетная выполняется внутри транзакции AcceptOrder.
func (r *PostgresRepository) DriverHasActiveOrder(ctx context.Context, driverID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE driver_id = $1 AND status = $2)`,
		driverID, string(model.OrderStatusAccepted),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active order: %w", err)
	}
	return exists, nil
}

// AcceptOrder выполняет условный переход pending -> accepted и записывает коды доставок.
// Гарантируется, что при гонке нескольких курьеров выигрывает ровно один:
// переход выполняется одним UPDATE с проверкой текущего статуса, а уникальный
// частичный индекс не даёт курьеру удерживать второй активный заказ.
// Коды генерируются ровно один раз: запись защищена условием code_hash IS NULL.
func (r *PostgresRepository) AcceptOrder(ctx context.Context, orderID, driverID uuid.UUID, codes map[uuid.UUID]DeliveryCode) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var busy bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE driver_id = $1 AND status = $2)`,
		driverID, string(model.OrderStatusAccepted),
	).Scan(&busy)
	if err != nil {
		return nil, fmt.Errorf("check active order: %w", err)
	}
	if busy {
		return nil, ErrDriverBusy
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE orders SET status = $3, driver_id = $2 WHERE id = $1 AND status = $4`,
		orderID, driverID, string(model.OrderStatusAccepted), string(model.OrderStatusPending),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, ErrDriverBusy
		}
		return nil, fmt.Errorf("accept order: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("select order status: %w", err)
		}
		return nil, ErrOrderConflict
	}

	for deliveryID, code := range codes {
		cmdTag, err = tx.Exec(ctx,
			`UPDATE deliveries SET delivery_code = $3, code_hash = $4
			 WHERE id = $1 AND order_id = $2 AND code_hash IS NULL`,
			deliveryID, orderID, code.Plain, code.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("store delivery code: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return nil, ErrCodeAlreadyGenerated
		}
	}

	order, err := r.getOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return order, nil
}

// MarkCodeSent фиксирует момент внеполосной отправки кода клиенту.
func (r *PostgresRepository) MarkCodeSent(ctx context.Context, deliveryID uuid.UUID, at time.Time) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE deliveries SET code_sent_at = $2 WHERE id = $1`,
		deliveryID, at,
	)
	if err != nil {
		return fmt.Errorf("mark code sent: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

// attemptDecision описывает исход попытки подтверждения кода.
// Attempts — новое значение счётчика попыток строки доставки.
type attemptDecision struct {
	OK       bool
	Attempts int
}

// evaluateAttempt применяет протокол подтверждения кода к снимку строки
// доставки: код должен быть сгенерирован, доставка ещё не подтверждена
// и лимит попыток не исчерпан. Совпадение хеша не меняет счётчик,
// промах увеличивает его на единицу; после подтверждения счётчик
// заморожен навсегда.
func evaluateAttempt(codeHash *string, validatedAt *time.Time, attempts int, candidateHash string) (attemptDecision, error) {
	if codeHash == nil {
		return attemptDecision{}, ErrCodeNotGenerated
	}
	if validatedAt != nil {
		return attemptDecision{}, ErrAlreadyValidated
	}
	if attempts >= deliverycode.MaxAttempts {
		return attemptDecision{}, ErrAttemptsExhausted
	}

	if *codeHash == candidateHash {
		return attemptDecision{OK: true, Attempts: attempts}, nil
	}
	return attemptDecision{Attempts: attempts + 1}, nil
}

// RegisterValidationAttempt регистрирует попытку подтверждения кода доставки.
// Решение принимает evaluateAttempt над снимком строки доставки, взятой
// под блокировку: совпадение хеша устанавливает validated_at ровно один раз,
// промах увеличивает счётчик, после исчерпания лимита дальнейшие попытки
// отклоняются. Каждая попытка записывается в журнал с идентификатором
// действовавшего курьера.
func (r *PostgresRepository) RegisterValidationAttempt(ctx context.Context, deliveryID, driverID uuid.UUID, candidateHash string) (*ValidationResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		codeHash      *string
		validatedAt   *time.Time
		attempts      int
		orderDriverID *uuid.UUID
	)
	err = tx.QueryRow(ctx,
		`SELECT d.code_hash, d.validated_at, d.validation_attempts, o.driver_id
		 FROM deliveries d
		 JOIN orders o ON o.id = d.order_id
		 WHERE d.id = $1
		 FOR UPDATE OF d`,
		deliveryID,
	).Scan(&codeHash, &validatedAt, &attempts, &orderDriverID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("select delivery: %w", err)
	}

	if orderDriverID == nil || *orderDriverID != driverID {
		return nil, ErrNotOrderDriver
	}

	dec, err := evaluateAttempt(codeHash, validatedAt, attempts, candidateHash)
	if err != nil {
		return nil, err
	}

	if dec.OK {
		_, err = tx.Exec(ctx,
			`UPDATE deliveries SET validated_at = now() WHERE id = $1`,
			deliveryID,
		)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE deliveries SET validation_attempts = $2 WHERE id = $1`,
			deliveryID, dec.Attempts,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("update delivery: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO delivery_validation_attempts (delivery_id, driver_id, success) VALUES ($1, $2, $3)`,
		deliveryID, driverID, dec.OK,
	)
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &ValidationResult{
		OK:                dec.OK,
		AttemptsRemaining: deliverycode.MaxAttempts - dec.Attempts,
	}, nil
}

// checkDriverCompletion проверяет предусловия перехода accepted -> driver_completed:
// заказ закреплён за этим курьером, находится в статусе accepted и все его
// доставки подтверждены.
func checkDriverCompletion(o *model.Order, driverID uuid.UUID) error {
	if o.DriverID == nil || *o.DriverID != driverID {
		return ErrNotOrderDriver
	}
	if o.Status != model.OrderStatusAccepted {
		return ErrOrderConflict
	}
	if o.PendingValidations() > 0 {
		return ErrDeliveriesNotValidated
	}
	return nil
}

// CompleteByDriver выполняет условный переход accepted -> driver_completed.
// Строка заказа берётся под блокировку, предусловия проверяет
// checkDriverCompletion по снимку заказа с доставками. Подтверждение
// доставки монотонно (validated_at не снимается), поэтому пропущенный
// переход не может стать неправомерным до коммита.
func (r *PostgresRepository) CompleteByDriver(ctx context.Context, orderID, driverID uuid.UUID) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked int
	err = tx.QueryRow(ctx, `SELECT 1 FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock order: %w", err)
	}

	order, err := r.getOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if err := checkDriverCompletion(order, driverID); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`,
		orderID, string(model.OrderStatusDriverCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("complete by driver: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	order.Status = model.OrderStatusDriverCompleted
	return order, nil
}

// ConfirmCompleted выполняет условный переход driver_completed -> completed
// по подтверждению компании-владельца. Переход освобождает слот активного
// заказа курьера.
func (r *PostgresRepository) ConfirmCompleted(ctx context.Context, orderID, companyID uuid.UUID) (*model.Order, error) {
	return r.companyTransition(ctx, orderID, companyID, model.OrderStatusDriverCompleted, model.OrderStatusCompleted)
}

// CancelOrder выполняет условный переход pending -> cancelled по запросу компании-владельца.
func (r *PostgresRepository) CancelOrder(ctx context.Context, orderID, companyID uuid.UUID) (*model.Order, error) {
	return r.companyTransition(ctx, orderID, companyID, model.OrderStatusPending, model.OrderStatusCancelled)
}

func (r *PostgresRepository) companyTransition(ctx context.Context, orderID, companyID uuid.UUID, from, to model.OrderStatus) (*model.Order, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $4 WHERE id = $1 AND company_id = $2 AND status = $3`,
		orderID, companyID, string(from), string(to),
	)
	if err != nil {
		return nil, fmt.Errorf("transition order: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var ownerID uuid.UUID
		err = r.pool.QueryRow(ctx, `SELECT company_id FROM orders WHERE id = $1`, orderID).Scan(&ownerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("select order: %w", err)
		}
		if ownerID != companyID {
			return nil, ErrNotOrderOwner
		}
		return nil, ErrOrderConflict
	}

	return r.GetOrder(ctx, orderID)
}

// GetOrder возвращает заказ со всеми его доставками.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return r.getOrderTx(ctx, nil, orderID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) getOrderTx(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (*model.Order, error) {
	var q querier = r.pool
	if tx != nil {
		q = tx
	}

	row := q.QueryRow(ctx,
		`SELECT id, company_id, driver_id, status, total_cents, state, city, created_at
		 FROM orders WHERE id = $1`,
		orderID,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("select order: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT id, order_id, pickup_address, dropoff_address, package_type, price_cents,
		        customer_name, customer_phone, code_sent_at, validated_at, validation_attempts
		 FROM deliveries WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select deliveries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		o.Deliveries = append(o.Deliveries, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return o, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.CompanyID, &o.DriverID, &status, &o.TotalCents, &o.State, &o.City, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func scanDelivery(row pgx.Row) (*model.Delivery, error) {
	var (
		d           model.Delivery
		packageType string
	)
	err := row.Scan(&d.ID, &d.OrderID, &d.PickupAddress, &d.DropoffAddress, &packageType, &d.PriceCents,
		&d.CustomerName, &d.CustomerPhone, &d.CodeSentAt, &d.ValidatedAt, &d.ValidationAttempts)
	if err != nil {
		return nil, err
	}
	d.PackageType = model.PackageType(packageType)
	return &d, nil
}

// ListAvailableOrders возвращает заказы в статусе pending в указанном городе.
// Фильтр — простое равенство города, без геодистанции.
func (r *PostgresRepository) ListAvailableOrders(ctx context.Context, city string) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT id, company_id, driver_id, status, total_cents, state, city, created_at
		 FROM orders
		 WHERE status = $1 AND city = $2
		 ORDER BY created_at`,
		string(model.OrderStatusPending), city,
	)
}

// ListOrdersByCompany возвращает заказы компании, новые первыми.
func (r *PostgresRepository) ListOrdersByCompany(ctx context.Context, companyID uuid.UUID) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT id, company_id, driver_id, status, total_cents, state, city, created_at
		 FROM orders
		 WHERE company_id = $1
		 ORDER BY created_at DESC`,
		companyID,
	)
}

// ListOrdersByDriver возвращает заказы, закреплённые за курьером, новые первыми.
func (r *PostgresRepository) ListOrdersByDriver(ctx context.Context, driverID uuid.UUID) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT id, company_id, driver_id, status, total_cents, state, city, created_at
		 FROM orders
		 WHERE driver_id = $1
		 ORDER BY created_at DESC`,
		driverID,
	)
}

// ListStaleAccepted возвращает заказы, зависшие в статусе accepted с момента
// ранее cutoff. Автоматического переназначения нет, список предназначен для
// ручного разбора операторами.
func (r *PostgresRepository) ListStaleAccepted(ctx context.Context, cutoff time.Time) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT id, company_id, driver_id, status, total_cents, state, city, created_at
		 FROM orders
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at`,
		string(model.OrderStatusAccepted), cutoff,
	)
}

func (r *PostgresRepository) listOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(orders) == 0 {
		return orders, nil
	}

	if err := r.attachDeliveries(ctx, orders); err != nil {
		return nil, err
	}

	return orders, nil
}

func (r *PostgresRepository) attachDeliveries(ctx context.Context, orders []model.Order) error {
	ids := make([]uuid.UUID, 0, len(orders))
	index := make(map[uuid.UUID]*model.Order, len(orders))
	for i := range orders {
		ids = append(ids, orders[i].ID)
		index[orders[i].ID] = &orders[i]
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, pickup_address, dropoff_address, package_type, price_cents,
		        customer_name, customer_phone, code_sent_at, validated_at, validation_attempts
		 FROM deliveries WHERE order_id = ANY($1)
		 ORDER BY id`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select deliveries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return fmt.Errorf("scan delivery: %w", err)
		}
		if o, ok := index[d.OrderID]; ok {
			o.Deliveries = append(o.Deliveries, *d)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	return nil
}

// GetDeliveryCode возвращает плейнтекст кода доставки компании-владельцу заказа.
// Повторное чтение всегда возвращает одно и то же значение: код после
// генерации не меняется.
func (r *PostgresRepository) GetDeliveryCode(ctx context.Context, deliveryID, companyID uuid.UUID) (string, error) {
	var (
		code    *string
		ownerID uuid.UUID
	)
	err := r.pool.QueryRow(ctx,
		`SELECT d.delivery_code, o.company_id
		 FROM deliveries d
		 JOIN orders o ON o.id = d.order_id
		 WHERE d.id = $1`,
		deliveryID,
	).Scan(&code, &ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrDeliveryNotFound
		}
		return "", fmt.Errorf("select delivery code: %w", err)
	}

	if ownerID != companyID {
		return "", ErrNotOrderOwner
	}
	if code == nil {
		return "", ErrCodeNotGenerated
	}

	return *code, nil
}
