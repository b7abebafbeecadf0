package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
	"github.com/mmeshcher/invoicing-system/internal/model"
	"github.com/mmeshcher/invoicing-system/internal/service"
	"github.com/mmeshcher/invoicing-system/internal/status"
)

const dateLayout = "2006-01-02"

type generateRequest struct {
	PayerID     int64           `json:"payerId"`
	ReceiverID  int64           `json:"receiverId"`
	Amount      decimal.Decimal `json:"amount"`
	IssuedAt    string          `json:"issuedAt"`
	DueDate     string          `json:"dueDate"`
	Description string          `json:"description"`
}

func parseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, apperr.Newf(apperr.ErrValidation, "%s must be a date in YYYY-MM-DD format", field)
	}
	return t, nil
}

func (req generateRequest) params() (service.GenerateParams, error) {
	issued, err := parseDate("issuedAt", req.IssuedAt)
	if err != nil {
		return service.GenerateParams{}, err
	}
	due, err := parseDate("dueDate", req.DueDate)
	if err != nil {
		return service.GenerateParams{}, err
	}
	return service.GenerateParams{
		PayerID:     req.PayerID,
		ReceiverID:  req.ReceiverID,
		Amount:      req.Amount,
		IssuedAt:    issued,
		DueDate:     due,
		Description: req.Description,
	}, nil
}

type partyResponse struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Address string `json:"address,omitempty"`
}

type invoiceResponse struct {
	ID             int64         `json:"id"`
	Number         string        `json:"number"`
	Payer          partyResponse `json:"payer"`
	Receiver       partyResponse `json:"receiver"`
	Amount         string        `json:"amount"`
	Currency       string        `json:"currency"`
	IssuedAt       string        `json:"issuedAt"`
	DueDate        string        `json:"dueDate"`
	FulfilledAt    *time.Time    `json:"fulfilledAt,omitempty"`
	Description    string        `json:"description,omitempty"`
	Status         status.Status `json:"status"`
	SendCount      int           `json:"sendCount"`
	RemainingSends int           `json:"remainingSends"`
	CreatedAt      time.Time     `json:"createdAt"`
}

func toParty(c model.Company) partyResponse {
	return partyResponse{ID: c.ID, Name: c.DisplayName(), Email: c.Email, Address: c.Address}
}

func toInvoiceResponse(v model.InvoiceView) invoiceResponse {
	inv := v.Invoice
	return invoiceResponse{
		ID:             inv.ID,
		Number:         inv.Number,
		Payer:          toParty(v.Payer),
		Receiver:       toParty(v.Receiver),
		Amount:         inv.Amount.StringFixed(2),
		Currency:       inv.Currency,
		IssuedAt:       inv.IssuedAt.Format(dateLayout),
		DueDate:        inv.ExpiredAt.Format(dateLayout),
		FulfilledAt:    inv.FulfilledAt,
		Description:    inv.Description,
		Status:         v.Status,
		SendCount:      inv.SendCount,
		RemainingSends: v.RemainingSends,
		CreatedAt:      inv.CreatedAt,
	}
}

// GenerateInvoice выпускает счёт и возвращает его вместе со сторонами.
func (h *Handler) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req generateRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, "generate invoice", err)
		return
	}
	p, err := req.params()
	if err != nil {
		h.writeError(w, r, "generate invoice", err)
		return
	}

	inv, err := h.service.GenerateInvoice(r.Context(), userID, p)
	if err != nil {
		h.writeError(w, r, "generate invoice", err)
		return
	}

	view, err := h.service.GetInvoice(r.Context(), userID, inv.ID)
	if err != nil {
		h.writeError(w, r, "generate invoice", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toInvoiceResponse(*view))
}

// GetInvoice возвращает счёт текущего пользователя.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	h.invoiceAction(w, r, "get invoice", h.service.GetInvoice)
}

// SendInvoice отправляет счёт плательщику с почтового аккаунта пользователя.
func (h *Handler) SendInvoice(w http.ResponseWriter, r *http.Request) {
	h.invoiceAction(w, r, "send invoice", h.service.SendInvoice)
}

type payRequest struct {
	PaidAt *time.Time `json:"paidAt"`
}

// PayInvoice отмечает счёт оплаченным. Тело запроса необязательно.
func (h *Handler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	h.invoiceAction(w, r, "pay invoice", func(ctx context.Context, userID, id int64) (*model.InvoiceView, error) {
		var req payRequest
		if err := h.decodeOptional(r, &req); err != nil {
			return nil, err
		}
		return h.service.MarkInvoicePaid(ctx, userID, id, lo.FromPtr(req.PaidAt))
	})
}

func (h *Handler) decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.Wrap(err, apperr.ErrValidation, "invalid request body")
}

// invoiceAction выполняет операцию над счётом из пути и отвечает его представлением.
func (h *Handler) invoiceAction(w http.ResponseWriter, r *http.Request, op string, action func(ctx context.Context, userID, id int64) (*model.InvoiceView, error)) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}

	view, err := action(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toInvoiceResponse(*view))
}

// ListInvoices возвращает счета текущего пользователя.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	views, err := h.service.ListInvoices(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, "list invoices", err)
		return
	}

	if len(views) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, lo.Map(views, func(v model.InvoiceView, _ int) invoiceResponse {
		return toInvoiceResponse(v)
	}))
}

// InvoicePDF отдаёт PDF счёта.
func (h *Handler) InvoicePDF(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "invoice pdf", err)
		return
	}

	pdf, filename, err := h.service.InvoicePDF(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, "invoice pdf", err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		h.logger.Warn("write pdf error", zap.Error(err))
	}
}

type historyResponse struct {
	ID                int64             `json:"id"`
	SentAt            time.Time         `json:"sentAt"`
	RecipientEmail    string            `json:"recipientEmail"`
	ProviderMessageID string            `json:"providerMessageId,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// SendHistory возвращает историю отправок счёта.
func (h *Handler) SendHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "send history", err)
		return
	}

	history, err := h.service.ListSendHistory(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, "send history", err)
		return
	}

	h.writeJSON(w, http.StatusOK, lo.Map(history, func(rec model.SendHistoryRecord, _ int) historyResponse {
		return historyResponse{
			ID:                rec.ID,
			SentAt:            rec.SentAt,
			RecipientEmail:    rec.RecipientEmail,
			ProviderMessageID: rec.ProviderMessageID,
			Metadata:          rec.Metadata,
		}
	}))
}
