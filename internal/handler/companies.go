package handler

import (
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/mmeshcher/invoicing-system/internal/model"
	"github.com/mmeshcher/invoicing-system/internal/service"
)

type companyResponse struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	Alias                string    `json:"alias,omitempty"`
	Email                string    `json:"email"`
	Address              string    `json:"address,omitempty"`
	Currency             string    `json:"currency"`
	InvoiceNumberPattern string    `json:"invoiceNumberPattern"`
	InvoiceNumberCounter int64     `json:"invoiceNumberCounter"`
	CreatedAt            time.Time `json:"createdAt"`
}

func toCompanyResponse(c model.Company) companyResponse {
	return companyResponse{
		ID:                   c.ID,
		Name:                 c.Name,
		Alias:                c.Alias,
		Email:                c.Email,
		Address:              c.Address,
		Currency:             c.Currency,
		InvoiceNumberPattern: c.InvoiceNumberPattern,
		InvoiceNumberCounter: c.InvoiceNumberCounter,
		CreatedAt:            c.CreatedAt,
	}
}

// CreateCompany добавляет компанию в справочник текущего пользователя.
func (h *Handler) CreateCompany(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req service.CompanyParams
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, "create company", err)
		return
	}

	c, err := h.service.CreateCompany(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, r, "create company", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toCompanyResponse(*c))
}

// UpdateCompany меняет реквизиты компании текущего пользователя.
func (h *Handler) UpdateCompany(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "update company", err)
		return
	}

	var req service.CompanyParams
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, "update company", err)
		return
	}

	c, err := h.service.UpdateCompany(r.Context(), userID, id, req)
	if err != nil {
		h.writeError(w, r, "update company", err)
		return
	}

	h.writeJSON(w, http.StatusOK, toCompanyResponse(*c))
}

// GetCompany возвращает компанию текущего пользователя.
func (h *Handler) GetCompany(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "get company", err)
		return
	}

	c, err := h.service.GetCompany(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, "get company", err)
		return
	}

	h.writeJSON(w, http.StatusOK, toCompanyResponse(*c))
}

// ListCompanies возвращает справочник компаний текущего пользователя.
func (h *Handler) ListCompanies(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	companies, err := h.service.ListCompanies(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, "list companies", err)
		return
	}

	if len(companies) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, lo.Map(companies, func(c model.Company, _ int) companyResponse {
		return toCompanyResponse(c)
	}))
}

type nextNumberResponse struct {
	Number string `json:"number"`
}

// NextInvoiceNumber показывает номер, который получит следующий счёт компании.
func (h *Handler) NextInvoiceNumber(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "next invoice number", err)
		return
	}

	number, err := h.service.PreviewInvoiceNumber(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, "next invoice number", err)
		return
	}

	h.writeJSON(w, http.StatusOK, nextNumberResponse{Number: number})
}
