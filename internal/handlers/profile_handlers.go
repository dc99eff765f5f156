package handlers

import (
	"net/http"

	api_models "mycomanager-backend/internal/models"
	"mycomanager-backend/internal/onboarding"
	"mycomanager-backend/pkg/httputil"

	"go.uber.org/zap"
)

// ProfileHandler serves the onboarding questionnaire and the grower profile.
type ProfileHandler struct {
	sessions SessionService
	logger   *zap.Logger
}

func NewProfileHandler(sessions SessionService, logger *zap.Logger) *ProfileHandler {
	return &ProfileHandler{sessions: sessions, logger: logger}
}

// HandleQuestions handles GET /v1/onboarding/questions.
func (h *ProfileHandler) HandleQuestions(w http.ResponseWriter, r *http.Request) {
	qs := onboarding.Questions()
	resp := api_models.OnboardingResponse{
		Questions:      make([]api_models.OnboardingQuestion, 0, len(qs)),
		ClosingMessage: onboarding.ClosingMessage,
	}
	for _, q := range qs {
		resp.Questions = append(resp.Questions, api_models.OnboardingQuestion{ID: q.ID, Text: q.Text})
	}
	httputil.RespondJSON(w, http.StatusOK, resp)
}

// HandleGetProfile handles GET /v1/profile.
func (h *ProfileHandler) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	live, ok := liveSession(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	p := live.Profile()
	if p == nil {
		httputil.RespondError(w, http.StatusNotFound, "Profile not found, complete onboarding first")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, api_models.ProfileResponse{Profile: *p})
}

// HandleSaveProfile handles PUT /v1/profile with the questionnaire answers.
func (h *ProfileHandler) HandleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var req api_models.SaveProfileRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	live, ok := liveSession(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	p, err := h.sessions.SaveProfile(r.Context(), live, api_models.ProfileAnswers{
		Esperienza: req.Esperienza,
		Obiettivi:  req.Obiettivi,
		Setup:      req.Setup,
		Problemi:   req.Problemi,
	})
	if err != nil {
		h.logger.Error("failed to save profile", zap.Error(err))
		respondServiceError(w, err, "Failed to save profile")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, api_models.ProfileResponse{
		Profile:        *p,
		ClosingMessage: onboarding.ClosingMessage,
	})
}
