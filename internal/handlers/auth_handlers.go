package handlers

import (
	"net/http"

	"mycomanager-backend/internal/auth"
	api_models "mycomanager-backend/internal/models"
	"mycomanager-backend/pkg/httputil"

	"go.uber.org/zap"
)

type AuthHandler struct {
	sessions SessionService
	logger   *zap.Logger
}

func NewAuthHandler(sessions SessionService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{sessions: sessions, logger: logger}
}

// HandleSignup handles the POST /v1/auth/signup request.
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req api_models.SignupRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, live, err := h.sessions.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Info("signup failed", zap.String("email", req.Email), zap.Error(err))
		respondServiceError(w, err, "Signup failed due to an internal error")
		return
	}
	httputil.RespondJSON(w, http.StatusCreated, authResponse(sess, live))
}

// HandleLogin handles the POST /v1/auth/login request.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req api_models.LoginRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, live, err := h.sessions.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		if isAuthRejection(err) {
			h.logger.Info("login rejected", zap.String("email", req.Email), zap.Error(err))
		} else {
			h.logger.Error("login failed", zap.String("email", req.Email), zap.Error(err))
		}
		respondServiceError(w, err, "Login failed due to an internal error")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, authResponse(sess, live))
}

// HandleLogout handles POST /v1/auth/logout. Local state is always dropped.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.GetAccessTokenFromContext(r.Context())
	if !ok {
		httputil.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := h.sessions.SignOut(r.Context(), token); err != nil {
		h.logger.Warn("logout reported an error", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMe handles GET /v1/me.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	live, ok := liveSession(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	resp := api_models.MeResponse{
		User:            userResponse(live.Session.User()),
		NeedsOnboarding: live.NeedsOnboarding(),
		LiveUpdates:     live.LiveUpdates(),
		Sending:         live.Session.Sending(),
	}
	if p := live.Profile(); p != nil {
		answers := p.Answers
		resp.Profile = &answers
	}
	httputil.RespondJSON(w, http.StatusOK, resp)
}
