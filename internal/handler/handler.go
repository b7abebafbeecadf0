// Package handler содержит HTTP-обработчики API сервиса выставления счетов.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
	"github.com/mmeshcher/invoicing-system/internal/metrics"
	"github.com/mmeshcher/invoicing-system/internal/middleware"
	"github.com/mmeshcher/invoicing-system/internal/model"
	"github.com/mmeshcher/invoicing-system/internal/service"
	"github.com/mmeshcher/invoicing-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	ConnectAccount(ctx context.Context, userID int64, p service.ConnectParams) (*model.AccountCredential, error)

	CreateCompany(ctx context.Context, userID int64, p service.CompanyParams) (*model.Company, error)
	UpdateCompany(ctx context.Context, userID, id int64, p service.CompanyParams) (*model.Company, error)
	GetCompany(ctx context.Context, userID, id int64) (*model.Company, error)
	ListCompanies(ctx context.Context, userID int64) ([]model.Company, error)
	PreviewInvoiceNumber(ctx context.Context, userID, companyID int64) (string, error)

	GenerateInvoice(ctx context.Context, userID int64, p service.GenerateParams) (*model.Invoice, error)
	GetInvoice(ctx context.Context, userID, id int64) (*model.InvoiceView, error)
	ListInvoices(ctx context.Context, userID int64) ([]model.InvoiceView, error)
	SendInvoice(ctx context.Context, userID, id int64) (*model.InvoiceView, error)
	MarkInvoicePaid(ctx context.Context, userID, id int64, at time.Time) (*model.InvoiceView, error)
	InvoicePDF(ctx context.Context, userID, id int64) ([]byte, string, error)
	ListSendHistory(ctx context.Context, userID, id int64) ([]model.SendHistoryRecord, error)
}

// Handler реализует HTTP-обработчики API сервиса выставления счетов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        *metrics.Metrics
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// Метрики необязательны: при nil маршрут /metrics не регистрируется.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, m *metrics.Metrics) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        m,
	}
}

const maxBodySize = 1 << 20

type errorResponse struct {
	Kind    apperr.Kind       `json:"kind"`
	Message string            `json:"message"`
	Hint    string            `json:"hint,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindAlreadySettled:
		return http.StatusConflict
	case apperr.KindUnauthorized, apperr.KindReauthenticationRequired:
		return http.StatusUnauthorized
	case apperr.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case apperr.KindCredentialRefreshFailed, apperr.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError отвечает клиенту классом ошибки. Текст внутренних ошибок не раскрывается.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := apperr.KindOf(err)
	code := statusOf(kind)

	resp := errorResponse{
		Kind:    kind,
		Message: err.Error(),
		Hint:    apperr.Hint(err),
		Fields:  validation.Fields(err),
	}

	if code == http.StatusInternalServerError {
		h.logger.Error(op+" error", zap.Error(err), zap.String("path", r.URL.Path))
		resp.Message = http.StatusText(code)
		resp.Hint = ""
	} else {
		h.logger.Debug(op+" rejected", zap.Error(err), zap.String("kind", string(kind)))
	}

	h.writeJSON(w, code, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response error", zap.Error(err))
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(err, apperr.ErrValidation, "invalid request body")
	}
	return nil
}

// pathID читает числовой идентификатор из пути. Некорректный идентификатор
// считается несуществующим.
func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Newf(apperr.ErrNotFound, "unknown id %q", raw)
	}
	return id, nil
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, r, "auth", apperr.New(apperr.ErrUnauthorized, "authentication required"))
		return 0, false
	}
	return userID, true
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (h *Handler) readCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	var req credentialsRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, "read credentials", err)
		return req, false
	}
	req.Login = strings.TrimSpace(req.Login)
	if req.Login == "" || req.Password == "" {
		h.writeError(w, r, "read credentials", apperr.New(apperr.ErrValidation, "login and password are required"))
		return req, false
	}
	return req, true
}

// Register регистрирует нового пользователя и сразу его аутентифицирует.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readCredentials(w, r)
	if !ok {
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		h.writeError(w, r, "register", err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login аутентифицирует пользователя.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readCredentials(w, r)
	if !ok {
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			h.logger.Error("login error", zap.Error(err))
		}
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{
			Kind:    apperr.KindUnauthorized,
			Message: "invalid credentials",
		})
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type accountResponse struct {
	Provider     string     `json:"provider"`
	AccountEmail string     `json:"accountEmail"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// ConnectAccount сохраняет токены почтового аккаунта текущего пользователя.
func (h *Handler) ConnectAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req service.ConnectParams
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, "connect account", err)
		return
	}

	cred, err := h.service.ConnectAccount(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, r, "connect account", err)
		return
	}

	h.writeJSON(w, http.StatusOK, accountResponse{
		Provider:     cred.Provider,
		AccountEmail: cred.AccountEmail,
		ExpiresAt:    cred.ExpiresAt,
	})
}
