package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ember-chat/ember-chat/types"
	"github.com/ember-chat/ember-chat/ws"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
	maxUploadBytes   = 10 << 20
)

type messagePage struct {
	Messages []*types.Message `json:"messages"`
	Page     int              `json:"page"`
	HasMore  bool             `json:"hasMore"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	messages, hasMore, err := s.persister.ListMessages(page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messagePage{Messages: messages, Page: page, HasMore: hasMore})
}

func (s *Server) handlePinnedMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.persister.PinnedMessages(defaultPageLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type createMessageRequest struct {
	IdentityID     string `json:"identityId"`
	Content        string `json:"content"`
	Kind           string `json:"kind"`
	AttachmentURL  string `json:"attachmentUrl"`
	AttachmentName string `json:"attachmentName"`
}

// handleCreateMessage accepts message submissions outside a websocket
// session. The submission quota is enforced against the stored history here,
// since there is no session window to consult.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	request := createMessageRequest{}
	if err := decodeBody(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.IdentityID == "" {
		writeError(w, types.ValidationError("identityId required"))
		return
	}
	participant, err := s.persister.GetParticipant(request.IdentityID)
	if err != nil {
		writeError(w, err)
		return
	}
	now := s.Now()
	if participant.BanActive(now) {
		writeError(w, types.ForbiddenError("you are banned from this chat"))
		return
	}
	kind := request.Kind
	if kind == "" {
		kind = types.MessageKindText
	}
	message := types.NewMessage(participant, request.Content, kind, request.AttachmentURL, request.AttachmentName, now, s.cfg.MessageTTL())
	if err := message.Validate(); err != nil {
		writeError(w, err)
		return
	}

	window := time.Duration(s.cfg.RateLimitConfig.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	max := s.cfg.RateLimitConfig.MaxMessages
	if max <= 0 {
		max = 10
	}
	count, err := s.persister.CountMessagesSince(participant.IdentityID, now.Add(-window))
	if err != nil {
		writeError(w, err)
		return
	}
	if count >= max {
		writeError(w, types.RateLimitedError("rate limit exceeded, slow down"))
		return
	}

	if err := s.persister.StoreMessage(message); err != nil {
		writeError(w, err)
		return
	}
	// when the author is online, counters are bumped on the live presence
	// record so the snapshot does not lag behind the stored identity
	touched := false
	if live, ok := s.hub.Registry().ByIdentity(participant.IdentityID); ok {
		if updated, ok := s.hub.Registry().Touch(live.ConnectionID, now); ok {
			participant = &updated
			touched = true
		}
	}
	if !touched {
		participant.MessageCount++
		participant.LastActiveAt = now
	}
	if err := s.persister.StoreParticipant(participant); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Publish(ws.All(), types.EventMessageReceived, message)
	writeJSON(w, http.StatusCreated, message)
}

var uploadKinds = map[string]struct{}{
	types.MessageKindImage: {},
	types.MessageKindVoice: {},
	types.MessageKindFile:  {},
}

type uploadResponse struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// handleUpload stores an attachment under the upload directory and returns
// the URL to reference it in a message submission.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]
	if _, ok := uploadKinds[kind]; !ok {
		writeError(w, types.ValidationError("unknown upload kind: "+kind))
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, types.ValidationError("malformed multipart request"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, types.ValidationError("file field required"))
		return
	}
	defer file.Close()

	dir := filepath.Join(s.cfg.UploadDir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, types.TransientError("could not create upload directory", err))
		return
	}
	name := uuid.NewString() + filepath.Ext(header.Filename)
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		writeError(w, types.TransientError("could not store upload", err))
		return
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		writeError(w, types.TransientError("could not store upload", err))
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{URL: "/uploads/" + kind + "/" + name, Name: header.Filename})
}
