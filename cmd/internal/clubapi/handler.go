// Package clubapi is the JSON HTTP surface over the club engine and the inbox protocol.
package clubapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"clubhouse/cmd/internal/club"
	"clubhouse/cmd/internal/inbox"
	"clubhouse/cmd/internal/leaderboard"
	"clubhouse/cmd/security/token"

	"github.com/go-chi/chi/v5"
)

const (
	maxBodyBytes      = 64 << 10
	defaultInboxLimit = club.DefaultInboxLimit
)

// Verifier checks bearer tokens.
type Verifier interface {
	Verify(raw string) (token.Principal, error)
}

type Handler struct {
	engine   *club.Engine
	store    club.Store
	inbox    *inbox.Service
	board    *leaderboard.Service
	verifier Verifier
	log      *slog.Logger
	sends    *throttle
}

type HandlerOption func(*Handler)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithLeaderboard mounts GET /leaderboards/clubs.
func WithLeaderboard(b *leaderboard.Service) HandlerOption {
	return func(h *Handler) { h.board = b }
}

// WithSendRate sets the per-principal budget for message-sending routes: one token every
// `every`, bursting to `burst`.
func WithSendRate(every time.Duration, burst int) HandlerOption {
	return func(h *Handler) { h.sends = newThrottle(every, burst) }
}

func NewHandler(engine *club.Engine, svc *inbox.Service, verifier Verifier, opts ...HandlerOption) (*Handler, error) {
	if engine == nil || svc == nil || verifier == nil {
		return nil, errors.New("clubapi: engine, inbox and verifier are required")
	}
	h := &Handler{
		engine:   engine,
		store:    engine.Store(),
		inbox:    svc,
		verifier: verifier,
		log:      slog.Default(),
		sends:    newThrottle(0, 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routes returns the authenticated API router. Mount it under /api/v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireAuthentication)

	r.Get("/me/clubs", h.myClubs)
	if h.board != nil {
		r.Get("/leaderboards/clubs", h.leaderboard)
	}

	r.Route("/clubs", func(r chi.Router) {
		r.Post("/", h.createClub)
		r.Route("/{clubID}", func(r chi.Router) {
			r.Get("/", h.getClub)
			r.Patch("/", h.updateClub)
			r.Delete("/", h.deleteClub)
			r.Post("/join", h.joinClub)
			r.Post("/leave", h.leaveClub)
			r.Post("/members/{userID}", h.manageMember)
			r.Post("/transfer", h.transferLeadership)

			r.With(h.throttled).Post("/join-requests", h.sendJoinRequest)
			r.With(h.throttled).Post("/invitations", h.sendInvitation)
			r.With(h.throttled).Post("/mail", h.sendClubMail)
		})
	})

	r.Route("/inbox", func(r chi.Router) {
		r.Get("/", h.listInbox)
		r.With(h.throttled).Post("/messages", h.sendMessage)
		r.Delete("/{messageID}", h.deleteMessage)
		r.Post("/{messageID}/join-request", h.handleJoinRequest)
		r.Post("/{messageID}/invitation", h.handleInvitation)
	})

	return r
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, maxBodyBytes, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) createClub(w http.ResponseWriter, r *http.Request) {
	var req createClubRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, res, err := h.engine.CreateClub(r.Context(), actorID(r), club.CreateInput{
		Name:        req.Name,
		Description: req.Description,
		Location:    req.Location,
		Type:        req.Type,
		BannerURL:   req.BannerURL,
	})
	if err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		opResponse
		Club clubJSON `json:"club"`
	}{fromResult(res), toClubJSON(c)})
}

func (h *Handler) getClub(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.GetClub(r.Context(), chi.URLParam(r, "clubID"))
	if err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	members := make([]memberJSON, 0, len(view.Members))
	for _, m := range view.Members {
		members = append(members, memberJSON{UserID: m.UserID, Role: m.Role, JoinedAt: m.JoinedAt})
	}
	writeJSON(w, http.StatusOK, clubResponse{Success: true, Club: toClubJSON(view.Club), Members: members})
}

func (h *Handler) updateClub(w http.ResponseWriter, r *http.Request) {
	var req updateClubRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, res, err := h.engine.UpdateClub(r.Context(), actorID(r), chi.URLParam(r, "clubID"), club.UpdateInput{
		Name:        req.Name,
		Description: req.Description,
		Location:    req.Location,
		Type:        req.Type,
		BannerURL:   req.BannerURL,
	})
	if err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		opResponse
		Club clubJSON `json:"club"`
	}{fromResult(res), toClubJSON(c)})
}

func (h *Handler) deleteClub(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.DeleteClub(r.Context(), actorID(r), chi.URLParam(r, "clubID"))
	h.writeResult(w, r, res, err)
}

func (h *Handler) joinClub(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.JoinClub(r.Context(), actorID(r), chi.URLParam(r, "clubID"))
	h.writeResult(w, r, res, err)
}

func (h *Handler) leaveClub(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.LeaveClub(r.Context(), actorID(r), chi.URLParam(r, "clubID"))
	h.writeResult(w, r, res, err)
}

func (h *Handler) manageMember(w http.ResponseWriter, r *http.Request) {
	var req manageMemberRequest
	if !h.decode(w, r, &req) {
		return
	}
	action, err := club.ParseAction(req.Action)
	if err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	res, err := h.engine.ManageMember(r.Context(), actorID(r), chi.URLParam(r, "clubID"), chi.URLParam(r, "userID"), action)
	h.writeResult(w, r, res, err)
}

func (h *Handler) transferLeadership(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.TransferLeadership(r.Context(), actorID(r), chi.URLParam(r, "clubID"), req.NewLeaderID)
	h.writeResult(w, r, res, err)
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, res club.Result, err error) {
	if err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fromResult(res))
}

func (h *Handler) myClubs(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListClubsForUser(r.Context(), actorID(r))
	if err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	out := make([]myClubJSON, 0, len(list))
	for _, uc := range list {
		out = append(out, myClubJSON{clubJSON: toClubJSON(uc.Club), Role: uc.Role})
	}
	writeJSON(w, http.StatusOK, myClubsResponse{Success: true, Clubs: out})
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", leaderboard.DefaultLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a positive integer")
		return
	}
	entries, err := h.board.Top(r.Context(), limit)
	if err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, leaderboardResponse{Success: true, Clubs: entries})
}

func (h *Handler) sendJoinRequest(w http.ResponseWriter, r *http.Request) {
	var req joinRequestRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.inbox.SendJoinRequest(r.Context(), actorID(r), chi.URLParam(r, "clubID"), req.Message)
	h.writeMessage(w, r, msg, err)
}

func (h *Handler) sendInvitation(w http.ResponseWriter, r *http.Request) {
	var req invitationRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.inbox.SendInvitation(r.Context(), actorID(r), chi.URLParam(r, "clubID"), req.TargetUserID, req.Message)
	h.writeMessage(w, r, msg, err)
}

func (h *Handler) sendClubMail(w http.ResponseWriter, r *http.Request) {
	var req clubMailRequest
	if !h.decode(w, r, &req) {
		return
	}
	sent, err := h.inbox.SendClubMail(r.Context(), actorID(r), chi.URLParam(r, "clubID"), req.Subject, req.Message)
	if err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mailResponse{Success: true, Sent: sent})
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.inbox.SendMessage(r.Context(), actorID(r), req.ReceiverID, req.Subject, req.Body)
	h.writeMessage(w, r, msg, err)
}

func (h *Handler) writeMessage(w http.ResponseWriter, r *http.Request, msg club.Message, err error) {
	if err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	// The sender gets the structured view; the legacy marker stays out of API responses.
	var rec *inbox.Record
	if len(msg.Metadata) > 0 {
		if parsed, perr := inbox.ParseRecord(msg.Metadata); perr == nil {
			rec = &parsed
		}
	}
	writeJSON(w, http.StatusCreated, messageResponse{
		Success: true,
		Message: toMessageJSON(msg, inbox.StripMarker(msg.Body), rec),
	})
}

func (h *Handler) listInbox(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", defaultInboxLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a positive integer")
		return
	}
	entries, err := h.inbox.Inbox(r.Context(), actorID(r), limit)
	if err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	out := make([]messageJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, toMessageJSON(e.Message, e.Text, e.Record))
	}
	writeJSON(w, http.StatusOK, inboxResponse{Success: true, Messages: out})
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.inbox.DeleteMessage(r.Context(), actorID(r), chi.URLParam(r, "messageID")); err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opResponse{Success: true, Message: "message deleted"})
}

func (h *Handler) handleJoinRequest(w http.ResponseWriter, r *http.Request) {
	var req handleJoinRequestRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := inbox.ParseDecision(req.Action)
	if err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	out, err := h.inbox.HandleJoinRequest(r.Context(), actorID(r), chi.URLParam(r, "messageID"), d, req.ClubID, req.UserID)
	h.writeOutcome(w, r, out, err, "join request approved", "join request rejected")
}

func (h *Handler) handleInvitation(w http.ResponseWriter, r *http.Request) {
	var req handleInvitationRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := inbox.ParseDecision(req.Action)
	if err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	out, err := h.inbox.HandleInvitation(r.Context(), actorID(r), chi.URLParam(r, "messageID"), d, req.ClubID, req.InviterID)
	h.writeOutcome(w, r, out, err, "invitation accepted", "invitation declined")
}

func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, out inbox.Outcome, err error, yes, no string) {
	if err != nil {
		writeOpError(w, h.log, r, err)
		return
	}
	resp := opResponse{Success: true, Message: no, ClubID: out.ClubID}
	joined := out.Joined
	resp.Joined = &joined
	if out.Joined {
		res := fromResult(out.Result)
		resp.Message = yes
		resp.TotalLikes = res.TotalLikes
		resp.Warning = res.Warning
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
