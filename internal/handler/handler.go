// Package handler содержит HTTP-обработчики API сервиса FLUX.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/flux-system/internal/middleware"
	"github.com/mmeshcher/flux-system/internal/model"
	"github.com/mmeshcher/flux-system/internal/realtime"
	"github.com/mmeshcher/flux-system/internal/repository"
	"github.com/mmeshcher/flux-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string, role model.Role, state, city string) (*model.User, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	CreateOrder(ctx context.Context, session service.Session, deliveries []service.DeliveryRequest) (*model.Order, error)
	AvailableOrders(ctx context.Context, session service.Session) ([]model.Order, error)
	AcceptOrder(ctx context.Context, session service.Session, orderID uuid.UUID) (*service.AcceptResult, error)
	ValidateDeliveryCode(ctx context.Context, session service.Session, deliveryID uuid.UUID, candidate string) (*service.ValidationResult, error)
	CompleteOrder(ctx context.Context, session service.Session, orderID uuid.UUID) (*model.Order, error)
	ConfirmOrder(ctx context.Context, session service.Session, orderID uuid.UUID) (*model.Order, error)
	CancelOrder(ctx context.Context, session service.Session, orderID uuid.UUID) (*model.Order, error)
	Orders(ctx context.Context, session service.Session) ([]model.Order, error)
	Order(ctx context.Context, session service.Session, orderID uuid.UUID) (*model.Order, error)
	DeliveryCode(ctx context.Context, session service.Session, deliveryID uuid.UUID) (string, error)
	SendSOS(ctx context.Context, session service.Session, orderID uuid.UUID, message string) error
	GrantSubscription(ctx context.Context, session service.Session, userID uuid.UUID, days int) (*model.User, error)
	StaleAcceptedOrders(ctx context.Context, session service.Session, olderThan time.Duration) ([]model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса FLUX.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	hub            *realtime.Hub
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, hub *realtime.Hub) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		hub:            hub,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, msg string) {
	h.writeJSON(w, statusCode, errorResponse{Error: msg})
}

// writeServiceError переводит ошибки бизнес-логики в дискретные HTTP-ответы.
// Любой сбой даёт пользователю читаемое сообщение: конфликт требует повторной
// синхронизации, отсутствие подписки — перехода к оформлению, неизвестная
// ошибка — повторной попытки.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		h.writeError(w, http.StatusUnauthorized, "invalid login or password")
	case errors.Is(err, service.ErrRoleNotAllowed):
		h.writeError(w, http.StatusForbidden, "operation not allowed for this role")
	case errors.Is(err, service.ErrNoSubscription):
		h.writeError(w, http.StatusPaymentRequired, "active subscription required")
	case errors.Is(err, repository.ErrUserExists):
		h.writeError(w, http.StatusConflict, "login already taken")
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrDeliveryNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrDriverBusy):
		h.writeError(w, http.StatusConflict, "you already have an active order")
	case errors.Is(err, repository.ErrOrderConflict):
		h.writeError(w, http.StatusConflict, "order status changed, refresh and try again")
	case errors.Is(err, repository.ErrNotOrderDriver),
		errors.Is(err, repository.ErrNotOrderOwner):
		h.writeError(w, http.StatusForbidden, "order belongs to another user")
	case errors.Is(err, repository.ErrDeliveriesNotValidated):
		h.writeError(w, http.StatusConflict, "all delivery codes must be validated first")
	case errors.Is(err, repository.ErrAlreadyValidated):
		h.writeError(w, http.StatusConflict, "delivery already validated")
	case errors.Is(err, repository.ErrCodeNotGenerated):
		h.writeError(w, http.StatusConflict, "delivery code not generated yet")
	case errors.Is(err, repository.ErrAttemptsExhausted):
		h.writeError(w, http.StatusLocked, "validation attempts exhausted, contact support")
	default:
		h.logger.Error("internal error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (service.Session, bool) {
	session, ok := middleware.GetSessionFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
	}
	return session, ok
}

type registerRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Role     string `json:"role"`
	State    string `json:"state"`
	City     string `json:"city"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, model.Role(req.Role), req.State, req.City)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.issueToken(w, u)
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и выдачу токена.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.issueToken(w, u)
}

func (h *Handler) issueToken(w http.ResponseWriter, u *model.User) {
	token, err := h.authMiddleware.IssueToken(u)
	if err != nil {
		h.logger.Error("issue token", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, token)
	h.writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

type createDeliveryRequest struct {
	PickupAddress  string  `json:"pickup_address"`
	DropoffAddress string  `json:"dropoff_address"`
	PackageType    string  `json:"package_type"`
	Price          float64 `json:"price"`
	CustomerName   string  `json:"customer_name"`
	CustomerPhone  string  `json:"customer_phone"`
}

type createOrderRequest struct {
	Deliveries []createDeliveryRequest `json:"deliveries"`
}

type deliveryResponse struct {
	ID                 uuid.UUID `json:"id"`
	PickupAddress      string    `json:"pickup_address"`
	DropoffAddress     string    `json:"dropoff_address"`
	PackageType        string    `json:"package_type"`
	Price              float64   `json:"price"`
	CustomerName       string    `json:"customer_name"`
	CustomerPhone      string    `json:"customer_phone"`
	CodeSentAt         *string   `json:"code_sent_at,omitempty"`
	ValidatedAt        *string   `json:"validated_at,omitempty"`
	ValidationAttempts int       `json:"validation_attempts"`
}

type orderResponse struct {
	ID                 uuid.UUID          `json:"id"`
	CompanyID          uuid.UUID          `json:"company_id"`
	DriverID           *uuid.UUID         `json:"driver_id,omitempty"`
	Status             string             `json:"status"`
	TotalValue         float64            `json:"total_value"`
	State              string             `json:"state"`
	City               string             `json:"city"`
	CreatedAt          string             `json:"created_at"`
	PendingValidations int                `json:"pending_validations"`
	Deliveries         []deliveryResponse `json:"deliveries"`
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:                 o.ID,
		CompanyID:          o.CompanyID,
		DriverID:           o.DriverID,
		Status:             string(o.Status),
		TotalValue:         float64(o.TotalCents) / 100,
		State:              o.State,
		City:               o.City,
		CreatedAt:          o.CreatedAt.Format(time.RFC3339),
		PendingValidations: o.PendingValidations(),
		Deliveries:         make([]deliveryResponse, 0, len(o.Deliveries)),
	}

	for _, d := range o.Deliveries {
		resp.Deliveries = append(resp.Deliveries, deliveryResponse{
			ID:                 d.ID,
			PickupAddress:      d.PickupAddress,
			DropoffAddress:     d.DropoffAddress,
			PackageType:        string(d.PackageType),
			Price:              float64(d.PriceCents) / 100,
			CustomerName:       d.CustomerName,
			CustomerPhone:      d.CustomerPhone,
			CodeSentAt:         formatTimePtr(d.CodeSentAt),
			ValidatedAt:        formatTimePtr(d.ValidatedAt),
			ValidationAttempts: d.ValidationAttempts,
		})
	}

	return resp
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// CreateOrder создаёт заказ компании со списком доставок.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	deliveries := make([]service.DeliveryRequest, 0, len(req.Deliveries))
	for _, d := range req.Deliveries {
		deliveries = append(deliveries, service.DeliveryRequest{
			PickupAddress:  d.PickupAddress,
			DropoffAddress: d.DropoffAddress,
			PackageType:    model.PackageType(d.PackageType),
			PriceCents:     int64(math.Round(d.Price * 100)),
			CustomerName:   d.CustomerName,
			CustomerPhone:  d.CustomerPhone,
		})
	}

	order, err := h.service.CreateOrder(r.Context(), session, deliveries)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// GetOrders возвращает заказы текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	orders, err := h.service.Orders(r.Context(), session)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeOrderList(w, orders)
}

// GetAvailableOrders возвращает курьеру доступные заказы его города.
func (h *Handler) GetAvailableOrders(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	orders, err := h.service.AvailableOrders(r.Context(), session)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeOrderList(w, orders)
}

func (h *Handler) writeOrderList(w http.ResponseWriter, orders []model.Order) {
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает заказ, если он доступен текущему пользователю.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	orderID, ok := h.pathUUID(w, r, "orderID")
	if !ok {
		return
	}

	order, err := h.service.Order(r.Context(), session, orderID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type acceptOrderResponse struct {
	Order            orderResponse `json:"order"`
	FailedDispatches []uuid.UUID   `json:"failed_dispatches,omitempty"`
}

// AcceptOrder выполняет принятие заказа курьером.
func (h *Handler) AcceptOrder(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	orderID, ok := h.pathUUID(w, r, "orderID")
	if !ok {
		return
	}

	result, err := h.service.AcceptOrder(r.Context(), session, orderID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if len(result.FailedDispatches) > 0 {
		h.logger.Warn("code dispatch failed for some deliveries",
			zap.String("order", orderID.String()),
			zap.Int("failed", len(result.FailedDispatches)),
		)
	}

	h.writeJSON(w, http.StatusOK, acceptOrderResponse{
		Order:            toOrderResponse(result.Order),
		FailedDispatches: result.FailedDispatches,
	})
}

type validateCodeRequest struct {
	Code string `json:"code"`
}

type validateCodeResponse struct {
	OK                bool `json:"ok"`
	AttemptsRemaining int  `json:"attempts_remaining"`
}

// ValidateDeliveryCode подтверждает код доставки от имени курьера.
// Неверный код — не ошибка протокола: ответ 200 с ok=false и остатком попыток.
func (h *Handler) ValidateDeliveryCode(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	deliveryID, ok := h.pathUUID(w, r, "deliveryID")
	if !ok {
		return
	}

	var req validateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.ValidateDeliveryCode(r.Context(), session, deliveryID, req.Code)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, validateCodeResponse{
		OK:                result.OK,
		AttemptsRemaining: result.AttemptsRemaining,
	})
}

// CompleteOrder выполняет переход accepted -> driver_completed.
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	h.orderTransition(w, r, h.service.CompleteOrder)
}

// ConfirmOrder выполняет переход driver_completed -> completed.
func (h *Handler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	h.orderTransition(w, r, h.service.ConfirmOrder)
}

// CancelOrder выполняет переход pending -> cancelled.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.orderTransition(w, r, h.service.CancelOrder)
}

func (h *Handler) orderTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, service.Session, uuid.UUID) (*model.Order, error)) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	orderID, ok := h.pathUUID(w, r, "orderID")
	if !ok {
		return
	}

	order, err := fn(r.Context(), session, orderID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type deliveryCodeResponse struct {
	Code string `json:"code"`
}

// GetDeliveryCode возвращает компании плейнтекст кода доставки для ручной передачи.
func (h *Handler) GetDeliveryCode(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	deliveryID, ok := h.pathUUID(w, r, "deliveryID")
	if !ok {
		return
	}

	code, err := h.service.DeliveryCode(r.Context(), session, deliveryID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, deliveryCodeResponse{Code: code})
}

type sosRequest struct {
	Message string `json:"message"`
}

// SendSOS отправляет сигнал SOS курьера в канал поддержки.
func (h *Handler) SendSOS(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	orderID, ok := h.pathUUID(w, r, "orderID")
	if !ok {
		return
	}

	var req sosRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.SendSOS(r.Context(), session, orderID, req.Message); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

type subscriptionRequest struct {
	Days int `json:"days"`
}

type subscriptionResponse struct {
	UserID            uuid.UUID `json:"user_id"`
	SubscriptionUntil string    `json:"subscription_until"`
}

// GrantSubscription продлевает подписку пользователя (только администратор).
func (h *Handler) GrantSubscription(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := h.service.GrantSubscription(r.Context(), session, userID, req.Days)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, subscriptionResponse{
		UserID:            u.ID,
		SubscriptionUntil: u.SubscriptionUntil.Format(time.RFC3339),
	})
}

// GetStaleOrders возвращает администратору заказы, зависшие в статусе accepted.
func (h *Handler) GetStaleOrders(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	olderThan := 24 * time.Hour
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid older_than duration")
			return
		}
		olderThan = d
	}

	orders, err := h.service.StaleAcceptedOrders(r.Context(), session, olderThan)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeOrderList(w, orders)
}

// Subscribe открывает вебсокет-подписку на события изменения заказов пользователя.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	if h.hub == nil {
		h.writeError(w, http.StatusServiceUnavailable, "realtime updates disabled")
		return
	}

	h.hub.Handler(session.UserID, w, r)
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid identifier")
		return uuid.Nil, false
	}
	return id, true
}
