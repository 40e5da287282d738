package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	emmcontext "github.com/your-org/lte-mme/internal/emm/context"
	"github.com/your-org/lte-mme/internal/emm/identifier"
	"github.com/your-org/lte-mme/internal/emm/nas"
)

var errNotFound = errors.New("context not found")

// attachRequestDTO mirrors nas.AttachRequestIEs plus the enb key/ran id the
// access layer attaches on top. []byte fields decode from base64 strings
// via encoding/json's default []byte handling.
type attachRequestDTO struct {
	ENBID       uint32 `json:"enb_id"`
	ENBUEID     uint32 `json:"enb_ue_id"`
	RanID       uint32 `json:"ran_id"`
	RanIDValid  bool   `json:"ran_id_valid"`

	InitialRequest          bool        `json:"initial_request"`
	AttachType              uint8       `json:"attach_type"`
	IsNativeSecurityContext bool        `json:"is_native_security_context"`
	KSI                     uint8       `json:"ksi"`
	IsNativeGUTI            bool        `json:"is_native_guti"`
	GUTI                    *nas.GUTI   `json:"guti,omitempty"`
	IMSI                    *string     `json:"imsi,omitempty"`
	IMEI                    *string     `json:"imei,omitempty"`

	LastVisitedRegisteredTAI *nas.TAI `json:"last_visited_registered_tai,omitempty"`
	OriginatingTAI           nas.TAI  `json:"originating_tai"`
	OriginatingECGI          nas.ECGI `json:"originating_ecgi"`

	UENetworkCapability []byte           `json:"ue_network_capability,omitempty"`
	MSNetworkCapability []byte           `json:"ms_network_capability,omitempty"`
	DRX                 nas.DRXParameter `json:"drx"`

	ESMMessageContainer []byte          `json:"esm_message_container"`
	Decode              nas.DecodeStatus `json:"decode"`
}

func (dto *attachRequestDTO) toIEs() *nas.AttachRequestIEs {
	return &nas.AttachRequestIEs{
		InitialRequest:           dto.InitialRequest,
		AttachType:               nas.AttachType(dto.AttachType),
		IsNativeSecurityContext:  dto.IsNativeSecurityContext,
		KSI:                      dto.KSI,
		IsNativeGUTI:             dto.IsNativeGUTI,
		GUTI:                     dto.GUTI,
		IMSI:                     dto.IMSI,
		IMEI:                     dto.IMEI,
		LastVisitedRegisteredTAI: dto.LastVisitedRegisteredTAI,
		OriginatingTAI:           dto.OriginatingTAI,
		OriginatingECGI:          dto.OriginatingECGI,
		UENetworkCapability:      dto.UENetworkCapability,
		MSNetworkCapability:      dto.MSNetworkCapability,
		DRX:                      dto.DRX,
		ESMMessageContainer:      dto.ESMMessageContainer,
		Decode:                   dto.Decode,
	}
}

// handleAttachRequest handles POST /emm/v1/attach-request.
func (s *Server) handleAttachRequest(w http.ResponseWriter, r *http.Request) {
	var dto attachRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	enbKey := emmcontext.EnbKey{ENBID: dto.ENBID, ENBUEID: dto.ENBUEID}
	ies := dto.toIEs()
	key := s.machine.DispatchKeyForAttach(enbKey, dto.RanID, dto.RanIDValid, ies)
	err := s.machine.Submit(r.Context(), key, "on_attach_request", func(ctx context.Context) error {
		return s.machine.OnAttachRequest(ctx, enbKey, dto.RanID, dto.RanIDValid, ies)
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "attach request handling failed", err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type esmCompleteDTO struct {
	RanID    uint32           `json:"ran_id"`
	ESMBytes []byte           `json:"esm_bytes"`
	Decode   nas.DecodeStatus `json:"decode"`
}

// handleAttachComplete handles POST /emm/v1/attach-complete.
func (s *Server) handleAttachComplete(w http.ResponseWriter, r *http.Request) {
	var dto esmCompleteDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	key := s.machine.DispatchKey(dto.RanID)
	err := s.machine.Submit(r.Context(), key, "on_attach_complete", func(ctx context.Context) error {
		return s.machine.OnAttachComplete(ctx, dto.RanID, dto.ESMBytes, dto.Decode)
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "attach complete handling failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type causeDTO struct {
	RanID uint32 `json:"ran_id"`
	Cause uint8  `json:"cause"`
}

// handleAttachRejectProtocolError handles POST /emm/v1/attach-reject-protocol-error.
func (s *Server) handleAttachRejectProtocolError(w http.ResponseWriter, r *http.Request) {
	var dto causeDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	key := s.machine.DispatchKey(dto.RanID)
	err := s.machine.Submit(r.Context(), key, "on_attach_reject_from_protocol_error", func(ctx context.Context) error {
		return s.machine.OnAttachRejectFromProtocolError(ctx, dto.RanID, nas.EMMCause(dto.Cause))
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "attach reject handling failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type identityResponseDTO struct {
	RanID  uint32           `json:"ran_id"`
	IMSI   string           `json:"imsi"`
	Decode nas.DecodeStatus `json:"decode"`
}

// handleIdentityResponse handles POST /emm/v1/identity-response.
func (s *Server) handleIdentityResponse(w http.ResponseWriter, r *http.Request) {
	var dto identityResponseDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	key := s.machine.DispatchKey(dto.RanID)
	err := s.machine.Submit(r.Context(), key, "on_identity_response", func(ctx context.Context) error {
		return s.machine.OnIdentityResponse(ctx, dto.RanID, dto.IMSI, dto.Decode)
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "identity response handling failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authResponseDTO struct {
	RanID  uint32           `json:"ran_id"`
	RES    []byte           `json:"res"`
	Decode nas.DecodeStatus `json:"decode"`
}

// handleAuthenticationResponse handles POST /emm/v1/authentication-response.
func (s *Server) handleAuthenticationResponse(w http.ResponseWriter, r *http.Request) {
	var dto authResponseDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	key := s.machine.DispatchKey(dto.RanID)
	err := s.machine.Submit(r.Context(), key, "on_authentication_response", func(ctx context.Context) error {
		return s.machine.OnAuthenticationResponse(ctx, dto.RanID, dto.RES, dto.Decode)
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "authentication response handling failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuthenticationFailure handles POST /emm/v1/authentication-failure.
func (s *Server) handleAuthenticationFailure(w http.ResponseWriter, r *http.Request) {
	var dto causeDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	key := s.machine.DispatchKey(dto.RanID)
	err := s.machine.Submit(r.Context(), key, "on_authentication_failure", func(ctx context.Context) error {
		return s.machine.OnAuthenticationFailure(ctx, dto.RanID, nas.EMMCause(dto.Cause))
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "authentication failure handling failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ranIDOnlyDTO struct {
	RanID  uint32           `json:"ran_id"`
	Decode nas.DecodeStatus `json:"decode"`
}

// handleSecurityModeComplete handles POST /emm/v1/security-mode-complete.
func (s *Server) handleSecurityModeComplete(w http.ResponseWriter, r *http.Request) {
	var dto ranIDOnlyDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	key := s.machine.DispatchKey(dto.RanID)
	err := s.machine.Submit(r.Context(), key, "on_security_mode_complete", func(ctx context.Context) error {
		return s.machine.OnSecurityModeComplete(ctx, dto.RanID, dto.Decode)
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "security mode complete handling failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSecurityModeReject handles POST /emm/v1/security-mode-reject.
func (s *Server) handleSecurityModeReject(w http.ResponseWriter, r *http.Request) {
	var dto causeDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	key := s.machine.DispatchKey(dto.RanID)
	err := s.machine.Submit(r.Context(), key, "on_security_mode_reject", func(ctx context.Context) error {
		return s.machine.OnSecurityModeReject(ctx, dto.RanID, nas.EMMCause(dto.Cause))
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "security mode reject handling failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// contextSummaryDTO is the admin-surface view of one indexed EMM context.
type contextSummaryDTO struct {
	RanID   *uint32 `json:"ran_id,omitempty"`
	IMSI    *string `json:"imsi,omitempty"`
	State   string  `json:"state"`
	Attached bool   `json:"attached"`
}

// handleListContexts handles GET /admin/v1/contexts.
func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	entries := s.identifiers.All()
	out := make([]contextSummaryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, summarize(e.Keys, e.Context))
	}
	s.respondJSON(w, http.StatusOK, out)
}

// handleGetContext handles GET /admin/v1/contexts/{ranId}.
func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "ranId")
	ranID, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid ran id", err)
		return
	}
	ec, ok := s.identifiers.LookupByRanID(uint32(ranID))
	if !ok {
		s.respondError(w, http.StatusNotFound, "context not found", errNotFound)
		return
	}
	for _, e := range s.identifiers.All() {
		if e.Context == ec {
			s.respondJSON(w, http.StatusOK, summarize(e.Keys, ec))
			return
		}
	}
	s.respondError(w, http.StatusNotFound, "context not found", errNotFound)
}

func summarize(keys identifier.Keys, ec *emmcontext.EMMContext) contextSummaryDTO {
	imsi, _ := ec.IMSI.Raw()
	var imsiPtr *string
	if imsi != "" {
		imsiPtr = &imsi
	}
	return contextSummaryDTO{
		RanID:    keys.RanID,
		IMSI:     imsiPtr,
		State:    ec.GetState().String(),
		Attached: ec.IsAttached,
	}
}
