package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xtrntr/papertrade/internal/access"
	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/notify"
	"github.com/xtrntr/papertrade/internal/service"
	"github.com/xtrntr/papertrade/internal/txlog"
)

type contextKey string

const userIDKey contextKey = "user_id"

// UserIDFromContext returns the user authenticated by JWTAuthMiddleware
func UserIDFromContext(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(userIDKey).(int)
	return id, ok
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Service     *service.Service
	AuthService *auth.AuthService
	Hub         *notify.Hub
}

// NewHandler creates a new handler
func NewHandler(svc *service.Service, authService *auth.AuthService, hub *notify.Hub) *Handler {
	return &Handler{Service: svc, AuthService: authService, Hub: hub}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrQuoteUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrInsufficientFunds),
		errors.Is(err, service.ErrInsufficientShares),
		errors.Is(err, service.ErrNotOwned),
		errors.Is(err, service.ErrClassroomManaged),
		errors.Is(err, service.ErrPortfolioLimit),
		errors.Is(err, service.ErrConflict),
		errors.Is(err, models.ErrUsernameTaken):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvariantViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAccessDenied):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, "Internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return id, true
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password, req.Tier)
	if err != nil {
		if errors.Is(err, models.ErrUsernameTaken) {
			writeError(w, http.StatusConflict, "Username already taken")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"tier":     user.Tier,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			zap.L().Error("login failed", zap.Error(err))
		}
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens. Websocket clients that cannot set
// headers may pass the token as the "token" query parameter.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requester(w http.ResponseWriter, r *http.Request) (int, bool) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	}
	return userID, ok
}

// ListPortfolios lists the caller's portfolios
func (h *Handler) ListPortfolios(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	ps, err := h.Service.ListPortfolios(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ps == nil {
		ps = []models.Portfolio{}
	}
	writeJSON(w, http.StatusOK, ps)
}

// CreatePortfolio opens an independent portfolio for the caller
func (h *Handler) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	var req portfolioRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Service.CreatePortfolio(r.Context(), userID, req.Name, req.Cash)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPortfolio returns the valuation of a portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	v, err := h.Service.Value(r.Context(), userID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// UpdatePortfolio renames a portfolio and/or resets its cash. Omitted
// fields keep their current value.
func (h *Handler) UpdatePortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req portfolioPatchRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.Service.UpdatePortfolio(r.Context(), userID, id, service.PortfolioPatch{Name: req.Name, Cash: req.Cash})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePortfolio deletes an owned independent portfolio, or withdraws a
// student's classroom portfolio when called by the classroom's teacher
func (h *Handler) DeletePortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	role, err := h.Service.Role(r.Context(), userID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	switch role {
	case access.ClassroomTeacher:
		err = h.Service.WithdrawStudent(r.Context(), userID, id)
	case access.Owner, access.Denied:
		err = h.Service.DeletePortfolio(r.Context(), userID, id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Portfolio deleted"})
}

// PlaceOrder executes a market order at the current quote
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Ticker    string `json:"ticker"`
		Shares    int64  `json:"shares"`
		Direction string `json:"direction"`
	}
	if !decode(w, r, &req) {
		return
	}
	dir := models.Direction(strings.ToLower(req.Direction))
	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))

	rec, err := h.Service.Execute(r.Context(), id, userID, ticker, req.Shares, dir)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetPortfolioTransactions lists a portfolio's history oldest first
func (h *Handler) GetPortfolioTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	h.listTransactions(w, r, userID, txlog.ByPortfolio(id))
}

// GetUserTransactions lists the caller's own history across portfolios
func (h *Handler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	h.listTransactions(w, r, userID, txlog.ByUser(userID))
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request, userID int, f txlog.Filter) {
	recs, err := h.Service.ListTransactions(r.Context(), userID, f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetAccess reports the caller's relation to a portfolio
func (h *Handler) GetAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	role, err := h.Service.Role(r.Context(), userID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var canView, canMutate bool
	switch role {
	case access.Owner:
		canView, canMutate = true, true
	case access.ClassroomTeacher:
		canView = true
	case access.Denied:
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"role":       role.String(),
		"can_view":   canView,
		"can_mutate": canMutate,
	})
}

// CreateClassroom opens a classroom taught by the caller
func (h *Handler) CreateClassroom(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	var req classroomRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.Service.CreateClassroom(r.Context(), userID, req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// EnrollStudent opens a classroom-backed portfolio for a student
func (h *Handler) EnrollStudent(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	classroomID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req enrollRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.Service.EnrollStudent(r.Context(), userID, classroomID, req.StudentID, req.Name, req.Cash)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Subscribe streams executions on a portfolio the caller may view. The
// first message is the current valuation.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	id, err := strconv.Atoi(r.URL.Query().Get("portfolio_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid portfolio_id")
		return
	}
	v, err := h.Service.Value(r.Context(), userID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.Hub.Serve(w, r, id, v)
}
