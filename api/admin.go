package api

import (
	"net/http"

	"github.com/ember-chat/ember-chat/auth"
	"github.com/ember-chat/ember-chat/globals"
	"github.com/ember-chat/ember-chat/types"
	"github.com/gorilla/mux"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// handleLogin exchanges moderator credentials for a token. The very first
// login of the configured bootstrap admin creates its moderator record from
// the configured password.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.JWTSecret == "" {
		writeError(w, types.TransientError("no token secret configured", nil))
		return
	}
	request := loginRequest{}
	if err := decodeBody(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Username == "" || request.Password == "" {
		writeError(w, types.ValidationError("username and password required"))
		return
	}

	m, err := s.persister.GetModerator(request.Username)
	if err != nil {
		if types.KindOf(err) != types.KindNotFound {
			writeError(w, err)
			return
		}
		m, err = s.bootstrapAdmin(request.Username)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	if !auth.CheckPassword(m.PasswordHash, request.Password) {
		writeError(w, types.ForbiddenError("invalid credentials"))
		return
	}

	now := s.Now()
	m.LastLoginAt = &now
	if err := s.persister.StoreModerator(m); err != nil {
		globals.AppLogger.Warn("could not record login time", "error", err)
	}
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), m, now, s.cfg.TokenTTL())
	if err != nil {
		writeError(w, types.TransientError("could not issue token", err))
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Username: m.Username, Role: m.Role})
}

func (s *Server) bootstrapAdmin(username string) (*types.Moderator, error) {
	if username != s.cfg.AdminUser || s.cfg.AdminPassword == "" {
		return nil, types.ForbiddenError("invalid credentials")
	}
	hash, err := auth.HashPassword(s.cfg.AdminPassword)
	if err != nil {
		return nil, types.TransientError("could not hash password", err)
	}
	m := &types.Moderator{Username: username, PasswordHash: hash, Role: types.RoleAdmin}
	if err := s.persister.StoreModerator(m); err != nil {
		return nil, err
	}
	globals.AppLogger.Info("bootstrapped admin account", "username", username)
	return m, nil
}

func (s *Server) requirePermission(w http.ResponseWriter, r *http.Request, perm auth.Permission) bool {
	actor := actorFrom(r)
	if !auth.HasPermission(actor.Role, perm) {
		writeError(w, types.ForbiddenError("not allowed"))
		return false
	}
	return true
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, auth.PermViewStats) {
		return
	}
	stats, err := s.persister.Stats(s.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	stats.OnlineParticipants = s.hub.NoClients()
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, auth.PermViewStats) {
		return
	}
	participants, err := s.persister.ListParticipants()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

type banRequest struct {
	Reason   string `json:"reason"`
	Duration int    `json:"duration"` // hours, 0 = indefinite
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	request := banRequest{}
	if err := decodeBody(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if err := s.gateway.Ban(actorFrom(r), mux.Vars(r)["id"], request.Reason, request.Duration); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"banned": true})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Unban(actorFrom(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"banned": false})
}

type kickRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	request := kickRequest{}
	if err := decodeBody(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if err := s.gateway.Kick(actorFrom(r), mux.Vars(r)["id"], request.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"kicked": true})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.DeleteMessage(actorFrom(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleTogglePin(w http.ResponseWriter, r *http.Request) {
	pinned, err := s.gateway.TogglePin(actorFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.PinUpdatePayload{MessageID: mux.Vars(r)["id"], Pinned: pinned})
}

func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	if !s.requirePermission(w, r, auth.PermBlockAddresses) {
		return
	}
	blocked, err := s.persister.ListBlockedAddresses()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocked)
}

type blockRequest struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	request := blockRequest{}
	if err := decodeBody(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if err := s.gateway.BlockAddress(actorFrom(r), request.Address, request.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"blocked": true})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.UnblockAddress(actorFrom(r), mux.Vars(r)["address"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"blocked": false})
}

type announceRequest struct {
	Content  string `json:"content"`
	Severity string `json:"severity"`
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	request := announceRequest{}
	if err := decodeBody(r, &request); err != nil {
		writeError(w, err)
		return
	}
	payload, err := s.gateway.Announce(actorFrom(r), request.Content, request.Severity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}
