package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mirage/pkg/domain"
	"mirage/pkg/personality"
	"mirage/services/api/internal/app"
)

// health

func (s *Server) handleHealthPing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   ServiceName,
		"timestamp": timestamp(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "timestamp": timestamp()})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, _ *http.Request) {
	services := map[string]bool{
		"api":      true,
		"supabase": s.settings.SupabaseConfigured(),
		"livekit":  s.settings.LiveKitConfigured(),
		"gemini":   s.settings.GeminiConfigured(),
		"simli":    s.settings.SimliConfigured(),
	}
	status := "healthy"
	for _, ok := range services {
		if !ok {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"services":    services,
		"environment": s.settings.Environment,
		"timestamp":   timestamp(),
	})
}

// auth

type userResponse struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	FullName           *string    `json:"full_name"`
	AvatarURL          *string    `json:"avatar_url"`
	PreferredAgentType string     `json:"preferred_agent_type"`
	IsActive           bool       `json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
	LastLoginAt        *time.Time `json:"last_login_at"`
}

type profileResponse struct {
	userResponse
	Preferences map[string]any `json:"preferences"`
}

func toUserResponse(u domain.User) userResponse {
	return userResponse{
		ID:                 u.ID,
		Email:              u.Email,
		FullName:           nullable(u.FullName),
		AvatarURL:          nullable(u.AvatarURL),
		PreferredAgentType: u.PreferredAgentType,
		IsActive:           u.IsActive,
		CreatedAt:          u.CreatedAt,
		LastLoginAt:        u.LastLoginAt,
	}
}

func toProfileResponse(u domain.User) profileResponse {
	prefs := u.Preferences
	if prefs == nil {
		prefs = map[string]any{}
	}
	return profileResponse{userResponse: toUserResponse(u), Preferences: prefs}
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, user domain.User) {
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleValidate(w http.ResponseWriter, _ *http.Request, user domain.User) {
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"user_id": user.ID,
		"email":   user.Email,
	})
}

// users

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request, user domain.User) {
	current, err := s.app.Profile(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(current))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req profileUpdateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.app.UpdateProfile(r.Context(), user, app.ProfileChanges{
		FullName:           req.FullName,
		AvatarURL:          req.AvatarURL,
		PreferredAgentType: req.PreferredAgentType,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Profile updated successfully",
		"user":    toProfileResponse(updated),
	})
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req preferencesUpdateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.app.UpdatePreferences(r.Context(), user, app.PreferenceChanges{
		PreferredAgentType: req.PreferredAgentType,
		Preferences:        req.Preferences,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":              "Preferences updated successfully",
		"preferences":          updated.Preferences,
		"preferred_agent_type": updated.PreferredAgentType,
	})
}

func (s *Server) handleUploadAvatar(w http.ResponseWriter, r *http.Request, user domain.User) {
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxAvatarBytes+(1<<20))
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "file too large (max 5 MiB)")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, app.MaxAvatarBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read upload")
		return
	}
	updated, err := s.app.UploadAvatar(r.Context(), user, data)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Avatar updated successfully",
		"user":    toProfileResponse(updated),
	})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request, user domain.User) {
	token, err := app.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := s.app.DeleteAccount(r.Context(), user, token); err != nil {
		s.audit(r, "api.account.delete", "fail", "user_id", user.ID)
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.account.delete", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Account deleted successfully"})
}

// sessions

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allowRate(w, r, s.sessionLimiter, user.ID) {
		return
	}
	var req sessionCreateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.app.CreateSession(r.Context(), user, req.AgentType, req.Title)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Session created successfully",
		"session": sess,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, user domain.User) {
	activeOnly := true
	if raw := strings.TrimSpace(r.URL.Query().Get("active_only")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active_only must be a boolean")
			return
		}
		activeOnly = v
	}
	sessions, err := s.app.ListSessions(r.Context(), user, activeOnly)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, user domain.User) {
	sess, err := s.app.GetSession(r.Context(), user, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request, user domain.User) {
	// Foreign and missing sessions answer 404 whatever the body holds.
	if _, err := s.app.GetSession(r.Context(), user, r.PathValue("id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var req sessionUpdateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.app.UpdateSession(r.Context(), user, r.PathValue("id"), app.SessionChanges{
		Title:     req.Title,
		AgentType: req.AgentType,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Session updated successfully",
		"session": sess,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.DeleteSession(r.Context(), user, r.PathValue("id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session deleted successfully"})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request, user domain.User) {
	sess, err := s.app.EndSession(r.Context(), user, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Session ended successfully",
		"session": sess,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	limit, ok := queryInt(w, r, "limit", app.DefaultMessageLimit)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	page, err := s.app.ListMessages(r.Context(), user, r.PathValue("id"), limit, offset)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	msgs := page.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
		"total":    page.Total,
	})
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be an integer")
		return 0, false
	}
	return v, true
}

// livekit

func (s *Server) handleRoomToken(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allowRate(w, r, s.tokenLimiter, user.ID) {
		return
	}
	var req roomTokenRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tok, err := s.app.IssueRoomToken(r.Context(), user, app.TokenRequest{
		SessionID: req.SessionID,
		AgentType: req.AgentType,
	})
	if err != nil {
		s.audit(r, "api.room_token.issue", "fail", "user_id", user.ID, "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.room_token.issue", "success", "user_id", user.ID, "room", tok.RoomName, "session_id", tok.SessionID)
	writeJSON(w, http.StatusOK, map[string]string{
		"token":      tok.Token,
		"room_name":  tok.RoomName,
		"session_id": tok.SessionID,
		"url":        tok.URL,
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request, user domain.User) {
	rooms, err := s.app.ListRooms(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms, "count": len(rooms)})
}

// agents

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request, user *domain.User) {
	def := s.app.DefaultAgentType()
	if user != nil && personality.Valid(user.PreferredAgentType) {
		def = user.PreferredAgentType
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":  personality.List(),
		"default": def,
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	p, ok := personality.Lookup(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"detail":    app.ErrAgentNotFound.Error(),
			"available": personality.IDs(),
		})
		return
	}
	writeJSON(w, http.StatusOK, p)
}
