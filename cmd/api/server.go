package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"taptosettle/auth"
	"taptosettle/blob"
	"taptosettle/contract"
	"taptosettle/payment"
	"taptosettle/settlement"
)

// maxUploadBytes bounds a single evidence upload request.
const maxUploadBytes = 32 << 20

// maxWebhookBytes bounds a provider webhook body.
const maxWebhookBytes = 1 << 20

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type settlementService interface {
	CreateCase(ctx context.Context, params settlement.CreateParams) (settlement.Case, error)
	AttachEvidence(ctx context.Context, id string, items []settlement.EvidenceItem) (settlement.Case, error)
	GetCase(ctx context.Context, id string) (settlement.Case, error)
	LookupByShareToken(ctx context.Context, token string) (settlement.Case, error)
	ListCases(ctx context.Context) ([]settlement.Case, error)
}

type paymentService interface {
	InitiateCheckout(ctx context.Context, caseID string) (payment.CheckoutSession, error)
	HandleProviderEvent(ctx context.Context, rawBody []byte, signatureHeader string) error
}

type contractService interface {
	IssueContract(ctx context.Context, caseID string) (string, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (string, auth.Role, error)
}

// Server holds the HTTP handlers and the services they delegate to.
type Server struct {
	settlementService settlementService
	paymentService    paymentService
	contractService   contractService
	authService       authService
	uploads           blob.Store
	contractsDir      string
}

// Routes assembles the full HTTP surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Post("/webhook/stripe", s.handleWebhook)

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Route("/api/cases", func(api chi.Router) {
		api.Use(s.requireAuth)
		api.Post("/", s.handleCreateCase)
		api.Get("/", s.handleListCases)
		api.Get("/{caseID}", s.handleCase)
		api.Post("/{caseID}/evidence", s.handleEvidence)
		api.Post("/{caseID}/checkout", s.handleCheckout)
		api.Post("/{caseID}/contract", s.handleContract)
	})

	r.Get("/api/shared/{token}", s.handleShared)

	r.Get("/checkout/success", s.handleCheckoutSuccess)
	r.Get("/checkout/cancel", s.handleCheckoutCancel)
	r.Handle("/contracts/*", http.StripPrefix("/contracts/", http.FileServer(http.Dir(s.contractsDir))))

	return r
}

// requireAuth validates the bearer token and stashes the caller identity in
// the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerUserResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

type createCaseRequest struct {
	AmountCents      int64   `json:"amountCents"`
	DownPaymentCents int64   `json:"downPaymentCents"`
	Months           int     `json:"months"`
	DownPct          float64 `json:"downPct"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c, err := s.settlementService.CreateCase(r.Context(), settlement.CreateParams{
		AmountCents:      req.AmountCents,
		DownPaymentCents: req.DownPaymentCents,
		Months:           req.Months,
		DownPct:          req.DownPct,
	})
	if err != nil {
		writeSettlementError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCaseResponse(c))
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := s.settlementService.ListCases(r.Context())
	if err != nil {
		writeSettlementError(w, err)
		return
	}

	items := make([]caseResponse, 0, len(cases))
	for _, c := range cases {
		items = append(items, toCaseResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.settlementService.GetCase(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return
	}

	items := make([]settlement.EvidenceItem, 0, len(files))
	for _, header := range files {
		f, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("open upload %s", header.Filename))
			return
		}
		stored, err := s.uploads.Save(r.Context(), caseID, header.Filename, f)
		f.Close()
		if err != nil {
			log.Printf("api: store upload %s: %v", header.Filename, err)
			writeError(w, http.StatusInternalServerError, "store upload failed")
			return
		}
		items = append(items, settlement.EvidenceItem{
			Name:            header.Filename,
			StorageLocation: stored.Key,
			SizeBytes:       stored.SizeBytes,
			MimeType:        header.Header.Get("Content-Type"),
		})
	}

	c, err := s.settlementService.AttachEvidence(r.Context(), caseID, items)
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	session, err := s.paymentService.InitiateCheckout(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrCaseNotFound):
			writeError(w, http.StatusNotFound, "case not found")
		case errors.Is(err, settlement.ErrAlreadyPaid):
			writeError(w, http.StatusConflict, "case is already paid")
		case errors.Is(err, payment.ErrProvider):
			writeError(w, http.StatusBadGateway, "payment provider unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "checkout failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId":   session.ID,
		"checkoutUrl": session.URL,
	})
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	url, err := s.contractService.IssueContract(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		var payReq *contract.PaymentRequiredError
		switch {
		case errors.As(err, &payReq):
			writeJSON(w, http.StatusPaymentRequired, map[string]string{
				"error":         "contract fee has not been paid",
				"paymentStatus": string(payReq.Status),
			})
		case errors.Is(err, settlement.ErrCaseNotFound):
			writeError(w, http.StatusNotFound, "case not found")
		case errors.Is(err, contract.ErrRender):
			log.Printf("api: issue contract: %v", err)
			writeError(w, http.StatusBadGateway, "contract generation failed")
		default:
			log.Printf("api: issue contract: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"contractUrl": url})
}

func (s *Server) handleShared(w http.ResponseWriter, r *http.Request) {
	c, err := s.settlementService.LookupByShareToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}

	err = s.paymentService.HandleProviderEvent(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payment.ErrBadSignature) {
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		// Storage failures are safe to redeliver since processing is idempotent.
		log.Printf("api: webhook: %v", err)
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handleCheckoutSuccess(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><body><h1>Payment received</h1><p>Your contract fee was paid. You can return to your case and download the contract.</p></body></html>`)
}

func (s *Server) handleCheckoutCancel(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><body><h1>Payment cancelled</h1><p>No charge was made. You can restart checkout from your case at any time.</p></body></html>`)
}

type evidenceResponse struct {
	Name            string `json:"name"`
	StorageLocation string `json:"storageLocation"`
	SizeBytes       int64  `json:"sizeBytes"`
	MimeType        string `json:"mimeType"`
}

type caseResponse struct {
	ID                string             `json:"id"`
	CreatedAt         string             `json:"createdAt"`
	Status            string             `json:"status"`
	AmountCents       int64              `json:"amountCents"`
	DownPaymentCents  int64              `json:"downPaymentCents"`
	Months            int                `json:"months"`
	DownPct           float64            `json:"downPct"`
	Evidence          []evidenceResponse `json:"evidence"`
	PaymentStatus     string             `json:"paymentStatus"`
	PaidAt            *string            `json:"paidAt"`
	ProviderSessionID *string            `json:"providerSessionId"`
	ShareToken        string             `json:"shareToken"`
	ContractURL       *string            `json:"contractUrl"`
}

func toCaseResponse(c settlement.Case) caseResponse {
	evidence := make([]evidenceResponse, 0, len(c.Evidence))
	for _, item := range c.Evidence {
		evidence = append(evidence, evidenceResponse{
			Name:            item.Name,
			StorageLocation: item.StorageLocation,
			SizeBytes:       item.SizeBytes,
			MimeType:        item.MimeType,
		})
	}

	var paidAt *string
	if c.PaidAt != nil {
		v := c.PaidAt.UTC().Format(time.RFC3339)
		paidAt = &v
	}

	return caseResponse{
		ID:                c.ID,
		CreatedAt:         c.CreatedAt.UTC().Format(time.RFC3339),
		Status:            string(c.Status),
		AmountCents:       c.AmountCents,
		DownPaymentCents:  c.DownPaymentCents,
		Months:            c.Months,
		DownPct:           c.DownPct,
		Evidence:          evidence,
		PaymentStatus:     string(c.PaymentStatus),
		PaidAt:            paidAt,
		ProviderSessionID: c.ProviderSessionID,
		ShareToken:        c.ShareToken,
		ContractURL:       c.ContractURL,
	}
}

func toUserResponse(u auth.User) registerUserResponse {
	return registerUserResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func writeSettlementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrCaseNotFound):
		writeError(w, http.StatusNotFound, "case not found")
	case errors.Is(err, settlement.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("api: settlement: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
