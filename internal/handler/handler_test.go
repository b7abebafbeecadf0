package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
	"github.com/mmeshcher/invoicing-system/internal/metrics"
	"github.com/mmeshcher/invoicing-system/internal/middleware"
	"github.com/mmeshcher/invoicing-system/internal/model"
	"github.com/mmeshcher/invoicing-system/internal/service"
	"github.com/mmeshcher/invoicing-system/internal/status"
	"github.com/mmeshcher/invoicing-system/internal/validation"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUserID int64
	authErr    error

	connectErr error

	company    *model.Company
	companies  []model.Company
	companyErr error
	nextNumber string

	generated   service.GenerateParams
	generateErr error

	view     *model.InvoiceView
	views    []model.InvoiceView
	viewErr  error
	sendErr  error
	paidAt   time.Time
	payErr   error
	pdf      []byte
	history  []model.SendHistoryRecord
	histErr  error
	lastUser int64
	lastID   int64
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) ConnectAccount(ctx context.Context, userID int64, p service.ConnectParams) (*model.AccountCredential, error) {
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	return &model.AccountCredential{UserID: userID, Provider: "google", AccountEmail: p.AccountEmail}, nil
}

func (s *stubService) CreateCompany(ctx context.Context, userID int64, p service.CompanyParams) (*model.Company, error) {
	if s.companyErr != nil {
		return nil, s.companyErr
	}
	return &model.Company{ID: 1, UserID: userID, Name: p.Name, Email: p.Email, Currency: p.Currency, InvoiceNumberPattern: p.InvoiceNumberPattern}, nil
}

func (s *stubService) UpdateCompany(ctx context.Context, userID, id int64, p service.CompanyParams) (*model.Company, error) {
	s.lastID = id
	if s.companyErr != nil {
		return nil, s.companyErr
	}
	return &model.Company{ID: id, UserID: userID, Name: p.Name}, nil
}

func (s *stubService) GetCompany(ctx context.Context, userID, id int64) (*model.Company, error) {
	s.lastUser, s.lastID = userID, id
	return s.company, s.companyErr
}

func (s *stubService) ListCompanies(ctx context.Context, userID int64) ([]model.Company, error) {
	return s.companies, s.companyErr
}

func (s *stubService) PreviewInvoiceNumber(ctx context.Context, userID, companyID int64) (string, error) {
	return s.nextNumber, s.companyErr
}

func (s *stubService) GenerateInvoice(ctx context.Context, userID int64, p service.GenerateParams) (*model.Invoice, error) {
	s.generated = p
	if s.generateErr != nil {
		return nil, s.generateErr
	}
	return &s.view.Invoice, nil
}

func (s *stubService) GetInvoice(ctx context.Context, userID, id int64) (*model.InvoiceView, error) {
	s.lastUser, s.lastID = userID, id
	return s.view, s.viewErr
}

func (s *stubService) ListInvoices(ctx context.Context, userID int64) ([]model.InvoiceView, error) {
	return s.views, s.viewErr
}

func (s *stubService) SendInvoice(ctx context.Context, userID, id int64) (*model.InvoiceView, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return s.view, nil
}

func (s *stubService) MarkInvoicePaid(ctx context.Context, userID, id int64, at time.Time) (*model.InvoiceView, error) {
	s.paidAt = at
	if s.payErr != nil {
		return nil, s.payErr
	}
	return s.view, nil
}

func (s *stubService) InvoicePDF(ctx context.Context, userID, id int64) ([]byte, string, error) {
	if s.viewErr != nil {
		return nil, "", s.viewErr
	}
	return s.pdf, "invoice-X-01.pdf", nil
}

func (s *stubService) ListSendHistory(ctx context.Context, userID, id int64) ([]model.SendHistoryRecord, error) {
	return s.history, s.histErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret", time.Hour)

	return NewHandler(svc, logger, auth, metrics.New(prometheus.NewRegistry()))
}

func sampleView() *model.InvoiceView {
	issued := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return &model.InvoiceView{
		Invoice: model.Invoice{
			ID:        7,
			Number:    "ACME-01",
			PayerID:   1,
			Amount:    decimal.RequireFromString("100.5"),
			Currency:  "EUR",
			IssuedAt:  issued,
			ExpiredAt: issued.AddDate(0, 0, 14),
		},
		Payer:          model.Company{ID: 1, Name: "Acme Ltd", Alias: "Acme", Email: "billing@acme.test"},
		Receiver:       model.Company{ID: 2, Name: "Me", Email: "me@example.test"},
		Status:         status.Created,
		RemainingSends: 3,
	}
}

// serve прогоняет запрос через полный роутер от имени пользователя userID.
func serve(t *testing.T, h *Handler, userID int64, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if userID != 0 {
		rec := httptest.NewRecorder()
		h.authMiddleware.SetAuthCookie(rec, userID)
		req.AddCookie(rec.Result().Cookies()[0])
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()

	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerUserID: 42,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatal("expected auth cookie")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{
		registerErr: apperr.New(apperr.ErrConflict, "login already taken"),
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "pass"})
	rec := serve(t, h, 0, http.MethodPost, "/api/user/register", body)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if resp := decodeError(t, rec); resp.Kind != apperr.KindConflict {
		t.Errorf("kind = %q, want conflict", resp.Kind)
	}
}

func TestRegister_EmptyLogin(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(credentialsRequest{Login: "  ", Password: "pass"})
	rec := serve(t, h, 0, http.MethodPost, "/api/user/register", body)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestLogin_UnauthorizedOnError(t *testing.T) {
	svc := &stubService{
		authErr: context.DeadlineExceeded,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindValidation, http.StatusBadRequest},
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindConflict, http.StatusConflict},
		{apperr.KindUnauthorized, http.StatusUnauthorized},
		{apperr.KindQuotaExceeded, http.StatusTooManyRequests},
		{apperr.KindAlreadySettled, http.StatusConflict},
		{apperr.KindReauthenticationRequired, http.StatusUnauthorized},
		{apperr.KindCredentialRefreshFailed, http.StatusBadGateway},
		{apperr.KindTransport, http.StatusBadGateway},
		{apperr.KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := statusOf(tt.kind); got != tt.want {
				t.Errorf("statusOf(%q) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}

func TestWriteError_HidesInternalMessage(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/invoices/1", nil)
	rec := httptest.NewRecorder()
	h.writeError(rec, req, "get invoice", errors.New("pq: password authentication failed"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	resp := decodeError(t, rec)
	if resp.Kind != apperr.KindInternal {
		t.Errorf("kind = %q, want internal", resp.Kind)
	}
	if strings.Contains(resp.Message, "password") {
		t.Errorf("internal message leaked: %q", resp.Message)
	}
}

func TestWriteError_ValidationFields(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	err := validation.Struct(service.CompanyParams{Currency: "EUR", InvoiceNumberPattern: "X-%0"})

	req := httptest.NewRequest(http.MethodPost, "/api/companies", nil)
	rec := httptest.NewRecorder()
	h.writeError(rec, req, "create company", err)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	resp := decodeError(t, rec)
	if resp.Fields["name"] != "required" || resp.Fields["email"] != "required" {
		t.Errorf("fields = %v, want name and email required", resp.Fields)
	}
}

func TestRouter_RequiresAuth(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	for _, target := range []string{"/api/companies", "/api/invoices", "/api/invoices/1/history"} {
		rec := serve(t, h, 0, http.MethodGet, target, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want %d", target, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestRouter_Metrics(t *testing.T) {
	h := newTestHandler(t, &stubService{registerUserID: 1})

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "pass"})
	serve(t, h, 0, http.MethodPost, "/api/user/register", body)

	rec := serve(t, h, 0, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "/api/user/register") {
		t.Error("metrics should contain the register route")
	}
}

func TestCreateCompany(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body := []byte(`{"name":"Acme","email":"a@acme.test","currency":"EUR","invoiceNumberPattern":"A-%0"}`)
	rec := serve(t, h, 5, http.MethodPost, "/api/companies", body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	var resp companyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Name != "Acme" || resp.InvoiceNumberPattern != "A-%0" {
		t.Errorf("unexpected company: %+v", resp)
	}
}

func TestCreateCompany_InvalidJSON(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := serve(t, h, 5, http.MethodPost, "/api/companies", []byte(`{"name":`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetCompany_PathID(t *testing.T) {
	svc := &stubService{company: &model.Company{ID: 12, Name: "Acme"}}
	h := newTestHandler(t, svc)

	rec := serve(t, h, 5, http.MethodGet, "/api/companies/12", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.lastUser != 5 || svc.lastID != 12 {
		t.Errorf("service called with user %d id %d, want 5 and 12", svc.lastUser, svc.lastID)
	}

	rec = serve(t, h, 5, http.MethodGet, "/api/companies/abc", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestListCompanies_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{companies: []model.Company{}})

	rec := serve(t, h, 1, http.MethodGet, "/api/companies", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestNextInvoiceNumber(t *testing.T) {
	h := newTestHandler(t, &stubService{nextNumber: "ACME-2024-01"})

	rec := serve(t, h, 1, http.MethodGet, "/api/companies/3/next-number", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp nextNumberResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Number != "ACME-2024-01" {
		t.Errorf("number = %q, want ACME-2024-01", resp.Number)
	}
}

func TestGenerateInvoice(t *testing.T) {
	svc := &stubService{view: sampleView()}
	h := newTestHandler(t, svc)

	body := []byte(`{"payerId":1,"receiverId":2,"amount":"100.50","issuedAt":"2024-03-01","dueDate":"2024-03-15"}`)
	rec := serve(t, h, 1, http.MethodPost, "/api/invoices", body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	wantDue := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if !svc.generated.DueDate.Equal(wantDue) || !svc.generated.Amount.Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("unexpected params: %+v", svc.generated)
	}

	var resp invoiceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Number != "ACME-01" || resp.Amount != "100.50" || resp.DueDate != "2024-03-15" {
		t.Errorf("unexpected invoice: %+v", resp)
	}
	if resp.Payer.Name != "Acme" {
		t.Errorf("payer name = %q, want alias Acme", resp.Payer.Name)
	}
	if resp.Status != status.Created {
		t.Errorf("status = %v, want CREATED", resp.Status)
	}
}

func TestGenerateInvoice_BadDate(t *testing.T) {
	h := newTestHandler(t, &stubService{view: sampleView()})

	body := []byte(`{"payerId":1,"receiverId":2,"amount":"10","dueDate":"15.03.2024"}`)
	rec := serve(t, h, 1, http.MethodPost, "/api/invoices", body)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if resp := decodeError(t, rec); !strings.Contains(resp.Message, "dueDate") {
		t.Errorf("message = %q, want mention of dueDate", resp.Message)
	}
}

func TestSendInvoice_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantHint bool
	}{
		{"quota", apperr.New(apperr.ErrQuotaExceeded, "send limit reached"), http.StatusTooManyRequests, false},
		{"settled", apperr.New(apperr.ErrAlreadySettled, "invoice is paid"), http.StatusConflict, false},
		{"reauth", service.ErrMailAccountNotConnected, http.StatusUnauthorized, true},
		{"refresh", apperr.New(apperr.ErrCredentialRefreshFailed, "provider unavailable"), http.StatusBadGateway, false},
		{"transport", apperr.New(apperr.ErrTransport, "smtp: 421"), http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{sendErr: tt.err})

			rec := serve(t, h, 1, http.MethodPost, "/api/invoices/7/send", nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if resp := decodeError(t, rec); (resp.Hint != "") != tt.wantHint {
				t.Errorf("hint = %q, want present=%v", resp.Hint, tt.wantHint)
			}
		})
	}
}

func TestPayInvoice(t *testing.T) {
	t.Run("without body", func(t *testing.T) {
		svc := &stubService{view: sampleView()}
		h := newTestHandler(t, svc)

		rec := serve(t, h, 1, http.MethodPost, "/api/invoices/7/pay", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if !svc.paidAt.IsZero() {
			t.Errorf("paidAt = %v, want zero", svc.paidAt)
		}
	})

	t.Run("explicit date", func(t *testing.T) {
		svc := &stubService{view: sampleView()}
		h := newTestHandler(t, svc)

		rec := serve(t, h, 1, http.MethodPost, "/api/invoices/7/pay", []byte(`{"paidAt":"2024-03-10T12:00:00Z"}`))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if want := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC); !svc.paidAt.Equal(want) {
			t.Errorf("paidAt = %v, want %v", svc.paidAt, want)
		}
	})

	t.Run("already paid", func(t *testing.T) {
		h := newTestHandler(t, &stubService{payErr: apperr.New(apperr.ErrAlreadySettled, "invoice already fulfilled")})

		rec := serve(t, h, 1, http.MethodPost, "/api/invoices/7/pay", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
		}
	})
}

func TestInvoicePDF(t *testing.T) {
	h := newTestHandler(t, &stubService{pdf: []byte("%PDF-1.3 test")})

	rec := serve(t, h, 1, http.MethodGet, "/api/invoices/7/pdf", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("content-type = %q, want application/pdf", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "invoice-X-01.pdf") {
		t.Errorf("content-disposition = %q", cd)
	}
	if !strings.HasPrefix(rec.Body.String(), "%PDF-") {
		t.Error("body is not a PDF")
	}
}

func TestListInvoices_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{views: []model.InvoiceView{}})

	rec := serve(t, h, 1, http.MethodGet, "/api/invoices", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestSendHistory_JSONResponse(t *testing.T) {
	now := time.Now().UTC()
	svc := &stubService{
		history: []model.SendHistoryRecord{
			{ID: 1, InvoiceID: 7, SentAt: now, RecipientEmail: "billing@acme.test", ProviderMessageID: "<id@acme.test>"},
		},
	}
	h := newTestHandler(t, svc)

	rec := serve(t, h, 1, http.MethodGet, "/api/invoices/7/history", nil)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp []historyResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp[0].RecipientEmail != "billing@acme.test" {
		t.Errorf("unexpected history: %+v", resp)
	}
}

func TestSendHistory_NotFound(t *testing.T) {
	h := newTestHandler(t, &stubService{histErr: apperr.New(apperr.ErrNotFound, "invoice not found")})

	rec := serve(t, h, 1, http.MethodGet, "/api/invoices/99/history", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestConnectAccount(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body := []byte(`{"accountEmail":"me@gmail.test","accessToken":"ya29","refreshToken":"1//r","expiresIn":3600}`)
	rec := serve(t, h, 1, http.MethodPost, "/api/user/credentials", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if strings.Contains(rec.Body.String(), "ya29") {
		t.Error("response must not echo tokens")
	}
}
