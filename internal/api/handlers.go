package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/BTreeMap/StagePipe/internal/flow"
	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/twiliowhatsapp"
)

// turnResponse is the result body of POST /v1/turns.
type turnResponse struct {
	ThreadID         string            `json:"thread_id"`
	Reply            string            `json:"reply"`
	StageID          string            `json:"stage_id"`
	StageChanged     bool              `json:"stage_changed"`
	TransitionReason string            `json:"transition_reason,omitempty"`
	Variables        map[string]string `json:"variables"`
	MeetingCreated   bool              `json:"meeting_created"`
}

// stagesRequest is the body of PUT /v1/agents/{agentID}/stages.
type stagesRequest struct {
	Stages []stageInput `json:"stages" validate:"required,min=1,dive"`
}

type stageInput struct {
	ID                string   `json:"id" validate:"required,max=200"`
	Name              string   `json:"name" validate:"max=200"`
	Order             int      `json:"order"`
	Type              string   `json:"type" validate:"required,oneof=identify diagnosis schedule handoff custom"`
	RequiredVariables []string `json:"required_variables" validate:"dive,required"`
	Instructions      string   `json:"instructions" validate:"max=4000"`
	EntryCondition    string   `json:"entry_condition"`
}

func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		slog.Warn("Server.turnHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(validationMessage(err)))
		return
	}

	res, err := s.turns.HandleTurn(r.Context(), req)
	if err != nil {
		if errors.Is(err, flow.ErrPersistence) {
			slog.Error("Server.turnHandler: turn failed", "threadID", req.ThreadID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process turn"))
			return
		}
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if res.Duplicate {
		writeJSONResponse(w, http.StatusOK, models.Duplicate(req.MessageID))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(turnResponse{
		ThreadID:         res.ThreadID,
		Reply:            res.Reply,
		StageID:          res.StageID,
		StageChanged:     res.StageChanged,
		TransitionReason: res.TransitionReason,
		Variables:        res.Variables.Map(),
		MeetingCreated:   res.MeetingCreated,
	}))
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadID")
	sess, err := s.sessions.GetSession(threadID)
	if err != nil {
		slog.Error("Server.sessionHandler: failed to load session", "threadID", threadID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) listStagesHandler(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	list, err := s.stages.Load(agentID)
	if err != nil {
		slog.Error("Server.listStagesHandler: failed to load stages", "agentID", agentID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load stages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}

func (s *Server) replaceStagesHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	agentID := r.PathValue("agentID")
	var req stagesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		slog.Warn("Server.replaceStagesHandler: validation failed", "agentID", agentID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(validationMessage(err)))
		return
	}

	stages := make([]models.Stage, len(req.Stages))
	for i, in := range req.Stages {
		stages[i] = models.Stage{
			ID:                in.ID,
			Name:              in.Name,
			Order:             in.Order,
			Type:              models.StageType(in.Type),
			RequiredVariables: in.RequiredVariables,
			Instructions:      in.Instructions,
			EntryCondition:    in.EntryCondition,
		}
	}
	list, err := s.stages.Replace(agentID, stages)
	if err != nil {
		if errors.Is(err, models.ErrInvalidStage) || errors.Is(err, models.ErrDuplicateStage) || errors.Is(err, models.ErrEmptyStageOrder) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.replaceStagesHandler: failed to save stages", "agentID", agentID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save stages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}

// twilioWebhookHandler queues an inbound Twilio message for the dispatcher and
// acknowledges with empty TwiML. The reply is sent later through the outbox.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	if s.opts.Verifier != nil {
		fullURL := s.opts.PublicURL + r.URL.RequestURI()
		if err := s.opts.Verifier.Verify(fullURL, r.PostForm, r.Header.Get(twiliowhatsapp.SignatureHeader)); err != nil {
			slog.Warn("Server.twilioWebhookHandler: signature rejected", "url", fullURL)
			writeJSONResponse(w, http.StatusForbidden, models.Error("invalid signature"))
			return
		}
	}

	msg, err := twiliowhatsapp.ParseWebhook(r.PostForm, s.opts.Clock())
	if err != nil {
		if errors.Is(err, twiliowhatsapp.ErrNotAMessage) {
			writeTwiML(w)
			return
		}
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.opts.Twilio.Deliver(msg); err != nil {
		slog.Error("Server.twilioWebhookHandler: failed to queue message", "from", msg.From, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Message could not be queued"))
		return
	}
	slog.Debug("Server.twilioWebhookHandler: message queued", "from", msg.From, "messageID", msg.MessageID)
	writeTwiML(w)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"health": "ok"}))
}

// validationMessage renders validator errors as "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msg := "invalid request:"
	for i, fe := range verrs {
		if i > 0 {
			msg += ","
		}
		msg += " " + fe.Namespace() + " " + fe.Tag()
	}
	return msg
}
