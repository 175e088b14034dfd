// Package service реализует бизнес-логику маркетплейса доставки FLUX:
// жизненный цикл заказа, антифрод-протокол кодов доставки и правила допуска.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/flux-system/internal/deliverycode"
	"github.com/mmeshcher/flux-system/internal/model"
	"github.com/mmeshcher/flux-system/internal/repository"
)

// ErrValidation возвращается при некорректных входных данных запроса.
var (
	ErrValidation = errors.New("validation error")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRoleNotAllowed возвращается, если операция недоступна роли пользователя.
	ErrRoleNotAllowed = errors.New("operation not allowed for this role")
	// ErrNoSubscription возвращается, если у пользователя нет действующей подписки.
	ErrNoSubscription = errors.New("active subscription required")
)

// Session описывает действующего пользователя. Сессия передаётся во все
// операции явно: предусловия автомата статусов — чистые функции своих входов,
// без обращения к глобальному состоянию.
type Session struct {
	UserID uuid.UUID
	Role   model.Role
	City   string
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u *model.User) error
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	SetSubscriptionUntil(ctx context.Context, userID uuid.UUID, until time.Time) error
	CreateOrder(ctx context.Context, o *model.Order) error
	DriverHasActiveOrder(ctx context.Context, driverID uuid.UUID) (bool, error)
	AcceptOrder(ctx context.Context, orderID, driverID uuid.UUID, codes map[uuid.UUID]repository.DeliveryCode) (*model.Order, error)
	MarkCodeSent(ctx context.Context, deliveryID uuid.UUID, at time.Time) error
	RegisterValidationAttempt(ctx context.Context, deliveryID, driverID uuid.UUID, candidateHash string) (*repository.ValidationResult, error)
	CompleteByDriver(ctx context.Context, orderID, driverID uuid.UUID) (*model.Order, error)
	ConfirmCompleted(ctx context.Context, orderID, companyID uuid.UUID) (*model.Order, error)
	CancelOrder(ctx context.Context, orderID, companyID uuid.UUID) (*model.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error)
	ListAvailableOrders(ctx context.Context, city string) ([]model.Order, error)
	ListOrdersByCompany(ctx context.Context, companyID uuid.UUID) ([]model.Order, error)
	ListOrdersByDriver(ctx context.Context, driverID uuid.UUID) ([]model.Order, error)
	ListStaleAccepted(ctx context.Context, cutoff time.Time) ([]model.Order, error)
	GetDeliveryCode(ctx context.Context, deliveryID, companyID uuid.UUID) (string, error)
}

// Notifier описывает внеполосную отправку уведомлений через шлюз сообщений.
// Отправка — best-effort: её сбой не блокирует переходы статусов.
type Notifier interface {
	PublishCodeDispatch(ctx context.Context, orderID, deliveryID uuid.UUID, phone, code string) error
	PublishSOS(ctx context.Context, orderID, driverID uuid.UUID, message string) error
}

// EventSink принимает события изменения заказов для доставки подписчикам
// реального времени.
type EventSink interface {
	WriteToUser(userID uuid.UUID, eventType string, order *model.Order)
}

// Типы событий изменения заказа, публикуемых подписчикам.
const (
	EventOrderCreated         = "order_created"
	EventOrderAccepted        = "order_accepted"
	EventOrderDriverCompleted = "order_driver_completed"
	EventOrderCompleted       = "order_completed"
	EventOrderCancelled       = "order_cancelled"
)

// Service содержит бизнес-логику сервиса FLUX.
type Service struct {
	repo     Repository
	notifier Notifier
	events   EventSink
}

// NewService создаёт новый сервис. Notifier и EventSink могут быть nil:
// соответствующие побочные эффекты в этом случае пропускаются.
func NewService(repo Repository, notifier Notifier, events EventSink) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
		events:   events,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с указанной ролью.
func (s *Service) RegisterUser(ctx context.Context, login, password string, role model.Role, state, city string) (*model.User, error) {
	if login == "" || password == "" {
		return nil, fmt.Errorf("%w: login and password are required", ErrValidation)
	}
	if role != model.RoleCompany && role != model.RoleDriver {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &model.User{
		ID:           uuid.New(),
		Login:        login,
		PasswordHash: hashed,
		Role:         role,
		State:        state,
		City:         city,
	}

	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	return u, nil
}

// AuthenticateUser проверяет логин и пароль пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// DeliveryRequest описывает одну доставку в запросе создания заказа.
type DeliveryRequest struct {
	PickupAddress  string
	DropoffAddress string
	PackageType    model.PackageType
	PriceCents     int64
	CustomerName   string
	CustomerPhone  string
}

// CreateOrder создаёт заказ компании в статусе pending.
// Требуется действующая подписка; сумма заказа считается один раз как
// сумма цен доставок.
func (s *Service) CreateOrder(ctx context.Context, session Session, deliveries []DeliveryRequest) (*model.Order, error) {
	if session.Role != model.RoleCompany {
		return nil, ErrRoleNotAllowed
	}

	if err := s.requireSubscription(ctx, session.UserID); err != nil {
		return nil, err
	}

	if len(deliveries) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one delivery", ErrValidation)
	}

	company, err := s.repo.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	order := &model.Order{
		ID:        uuid.New(),
		CompanyID: session.UserID,
		Status:    model.OrderStatusPending,
		State:     company.State,
		City:      company.City,
	}

	for _, req := range deliveries {
		if req.PickupAddress == "" || req.DropoffAddress == "" {
			return nil, fmt.Errorf("%w: pickup and dropoff addresses are required", ErrValidation)
		}
		if req.CustomerName == "" || req.CustomerPhone == "" {
			return nil, fmt.Errorf("%w: customer name and phone are required", ErrValidation)
		}
		if !model.IsValidPackageType(req.PackageType) {
			return nil, fmt.Errorf("%w: unknown package type %q", ErrValidation, req.PackageType)
		}
		if req.PriceCents <= 0 {
			return nil, fmt.Errorf("%w: delivery price must be positive", ErrValidation)
		}

		order.Deliveries = append(order.Deliveries, model.Delivery{
			ID:             uuid.New(),
			OrderID:        order.ID,
			PickupAddress:  req.PickupAddress,
			DropoffAddress: req.DropoffAddress,
			PackageType:    req.PackageType,
			PriceCents:     req.PriceCents,
			CustomerName:   req.CustomerName,
			CustomerPhone:  req.CustomerPhone,
		})
	}

	order.TotalCents = model.TotalCents(order.Deliveries)

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	s.publish(order.CompanyID, EventOrderCreated, order)

	return order, nil
}

// AvailableOrders возвращает курьеру доступные заказы его города.
// Просмотр доступен и без подписки: подписка проверяется в момент принятия.
func (s *Service) AvailableOrders(ctx context.Context, session Session) ([]model.Order, error) {
	if session.Role != model.RoleDriver {
		return nil, ErrRoleNotAllowed
	}

	driver, err := s.repo.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	return s.repo.ListAvailableOrders(ctx, driver.City)
}

// AcceptResult описывает исход принятия заказа курьером.
type AcceptResult struct {
	Order *model.Order
	// FailedDispatches содержит доставки, код которых не удалось отправить
	// клиенту. Принятие заказа при этом состоялось: компания может передать
	// код вручную.
	FailedDispatches []uuid.UUID
}

// AcceptOrder выполняет принятие заказа курьером: переход pending -> accepted.
// Подписка проверяется в момент действия. Проверка единственного активного
// заказа выполняется дважды: быстрый отказ здесь и авторитетная проверка в
// транзакции хранилища, так как при конкурентном доступе предварительная
// проверка носит рекомендательный характер. Коды доставок генерируются ровно
// один раз и внеполосно отправляются клиентам.
func (s *Service) AcceptOrder(ctx context.Context, session Session, orderID uuid.UUID) (*AcceptResult, error) {
	if session.Role != model.RoleDriver {
		return nil, ErrRoleNotAllowed
	}

	if err := s.requireSubscription(ctx, session.UserID); err != nil {
		return nil, err
	}

	busy, err := s.repo.DriverHasActiveOrder(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, repository.ErrDriverBusy
	}

	current, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(model.OrderStatusAccepted) {
		return nil, repository.ErrOrderConflict
	}

	codes := make(map[uuid.UUID]repository.DeliveryCode, len(current.Deliveries))
	for _, d := range current.Deliveries {
		code, err := deliverycode.Generate()
		if err != nil {
			return nil, err
		}
		codes[d.ID] = repository.DeliveryCode{
			Plain: code,
			Hash:  deliverycode.Hash(d.ID, code),
		}
	}

	order, err := s.repo.AcceptOrder(ctx, orderID, session.UserID, codes)
	if err != nil {
		return nil, err
	}

	result := &AcceptResult{Order: order}

	for _, d := range order.Deliveries {
		if err := s.dispatchCode(ctx, order.ID, d.ID, d.CustomerPhone, codes[d.ID].Plain); err != nil {
			result.FailedDispatches = append(result.FailedDispatches, d.ID)
		}
	}

	s.publish(order.CompanyID, EventOrderAccepted, order)
	s.publish(session.UserID, EventOrderAccepted, order)

	return result, nil
}

func (s *Service) dispatchCode(ctx context.Context, orderID, deliveryID uuid.UUID, phone, code string) error {
	if s.notifier == nil {
		return nil
	}

	if err := s.notifier.PublishCodeDispatch(ctx, orderID, deliveryID, phone, code); err != nil {
		return err
	}

	return s.repo.MarkCodeSent(ctx, deliveryID, time.Now())
}

// ValidationResult описывает исход попытки подтверждения кода.
type ValidationResult struct {
	OK                bool
	AttemptsRemaining int
}

// ValidateDeliveryCode подтверждает код доставки от имени курьера.
// Неверный код — восстановимый отказ: счётчик попыток увеличивается, после
// пятой неудачи доставка блокируется до вмешательства оператора.
func (s *Service) ValidateDeliveryCode(ctx context.Context, session Session, deliveryID uuid.UUID, candidate string) (*ValidationResult, error) {
	if session.Role != model.RoleDriver {
		return nil, ErrRoleNotAllowed
	}

	if !deliverycode.IsValidFormat(candidate) {
		return nil, fmt.Errorf("%w: code must be %d digits", ErrValidation, deliverycode.CodeLength)
	}

	res, err := s.repo.RegisterValidationAttempt(ctx, deliveryID, session.UserID, deliverycode.Hash(deliveryID, candidate))
	if err != nil {
		return nil, err
	}

	return &ValidationResult{
		OK:                res.OK,
		AttemptsRemaining: res.AttemptsRemaining,
	}, nil
}

// CompleteOrder выполняет переход accepted -> driver_completed от имени курьера.
// Хранилище пропускает переход только при подтверждении всех доставок заказа.
func (s *Service) CompleteOrder(ctx context.Context, session Session, orderID uuid.UUID) (*model.Order, error) {
	if session.Role != model.RoleDriver {
		return nil, ErrRoleNotAllowed
	}

	order, err := s.repo.CompleteByDriver(ctx, orderID, session.UserID)
	if err != nil {
		return nil, err
	}

	s.publish(order.CompanyID, EventOrderDriverCompleted, order)
	s.publish(session.UserID, EventOrderDriverCompleted, order)

	return order, nil
}

// ConfirmOrder выполняет переход driver_completed -> completed по подтверждению
// компании. После перехода слот активного заказа курьера свободен.
func (s *Service) ConfirmOrder(ctx context.Context, session Session, orderID uuid.UUID) (*model.Order, error) {
	if session.Role != model.RoleCompany {
		return nil, ErrRoleNotAllowed
	}

	order, err := s.repo.ConfirmCompleted(ctx, orderID, session.UserID)
	if err != nil {
		return nil, err
	}

	s.publish(order.CompanyID, EventOrderCompleted, order)
	if order.DriverID != nil {
		s.publish(*order.DriverID, EventOrderCompleted, order)
	}

	return order, nil
}

// CancelOrder отменяет заказ компании. Отмена поддерживается только из
// статуса pending: после назначения курьера отмена не предусмотрена.
func (s *Service) CancelOrder(ctx context.Context, session Session, orderID uuid.UUID) (*model.Order, error) {
	if session.Role != model.RoleCompany {
		return nil, ErrRoleNotAllowed
	}

	order, err := s.repo.CancelOrder(ctx, orderID, session.UserID)
	if err != nil {
		return nil, err
	}

	s.publish(order.CompanyID, EventOrderCancelled, order)

	return order, nil
}

// Orders возвращает заказы текущего пользователя: компании — её заказы,
// курьеру — закреплённые за ним.
func (s *Service) Orders(ctx context.Context, session Session) ([]model.Order, error) {
	switch session.Role {
	case model.RoleCompany:
		return s.repo.ListOrdersByCompany(ctx, session.UserID)
	case model.RoleDriver:
		return s.repo.ListOrdersByDriver(ctx, session.UserID)
	default:
		return nil, ErrRoleNotAllowed
	}
}

// Order возвращает заказ, если он доступен текущему пользователю:
// компании-владельцу, назначенному курьеру, администратору либо курьеру,
// просматривающему доступный заказ своего города.
func (s *Service) Order(ctx context.Context, session Session, orderID uuid.UUID) (*model.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch {
	case session.Role == model.RoleAdmin:
		return order, nil
	case session.Role == model.RoleCompany && order.CompanyID == session.UserID:
		return order, nil
	case session.Role == model.RoleDriver && order.DriverID != nil && *order.DriverID == session.UserID:
		return order, nil
	case session.Role == model.RoleDriver && order.Status.CanTransition(model.OrderStatusAccepted) && order.City == session.City:
		return order, nil
	}

	return nil, repository.ErrOrderNotFound
}

// DeliveryCode возвращает компании-владельцу плейнтекст кода доставки для
// ручной передачи клиенту. Курьер плейнтекст не видит никогда.
func (s *Service) DeliveryCode(ctx context.Context, session Session, deliveryID uuid.UUID) (string, error) {
	if session.Role != model.RoleCompany {
		return "", ErrRoleNotAllowed
	}

	return s.repo.GetDeliveryCode(ctx, deliveryID, session.UserID)
}

// SendSOS отправляет сигнал SOS в канал поддержки от имени курьера,
// закреплённого за заказом.
func (s *Service) SendSOS(ctx context.Context, session Session, orderID uuid.UUID, message string) error {
	if session.Role != model.RoleDriver {
		return ErrRoleNotAllowed
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.DriverID == nil || *order.DriverID != session.UserID {
		return repository.ErrNotOrderDriver
	}

	if s.notifier == nil {
		return nil
	}

	return s.notifier.PublishSOS(ctx, orderID, session.UserID, message)
}

// GrantSubscription продлевает подписку пользователя на указанное число дней.
// Действующая подписка продлевается от текущего срока, истёкшая — от настоящего момента.
func (s *Service) GrantSubscription(ctx context.Context, session Session, userID uuid.UUID, days int) (*model.User, error) {
	if session.Role != model.RoleAdmin {
		return nil, ErrRoleNotAllowed
	}
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", ErrValidation)
	}

	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	from := now
	if u.SubscriptionUntil != nil && u.SubscriptionUntil.After(now) {
		from = *u.SubscriptionUntil
	}
	until := from.Add(time.Duration(days) * 24 * time.Hour)

	if err := s.repo.SetSubscriptionUntil(ctx, userID, until); err != nil {
		return nil, err
	}

	u.SubscriptionUntil = &until
	return u, nil
}

// StaleAcceptedOrders возвращает администратору заказы, зависшие в статусе
// accepted дольше указанного срока.
func (s *Service) StaleAcceptedOrders(ctx context.Context, session Session, olderThan time.Duration) ([]model.Order, error) {
	if session.Role != model.RoleAdmin {
		return nil, ErrRoleNotAllowed
	}

	return s.repo.ListStaleAccepted(ctx, time.Now().Add(-olderThan))
}

// requireSubscription проверяет подписку в момент действия по данным
// хранилища, а не по сессии: флаг допуска не кешируется.
func (s *Service) requireSubscription(ctx context.Context, userID uuid.UUID) error {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !u.HasActiveSubscription(time.Now()) {
		return ErrNoSubscription
	}
	return nil
}

func (s *Service) publish(userID uuid.UUID, eventType string, order *model.Order) {
	if s.events == nil {
		return
	}
	s.events.WriteToUser(userID, eventType, order)
}
