package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CodingBot000/teleconsult/internal/localtime"
	"github.com/CodingBot000/teleconsult/internal/reservation"
)

type Handler struct {
	patients  *reservation.PatientService
	providers *reservation.ProviderService
	validate  *validator.Validate
	logger    zerolog.Logger
}

func NewHandler(patients *reservation.PatientService, providers *reservation.ProviderService, logger zerolog.Logger) *Handler {
	return &Handler{
		patients:  patients,
		providers: providers,
		validate:  validator.New(),
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return false
	}
	return true
}

func reservationIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_reservation_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func requireRole(w http.ResponseWriter, r *http.Request, role reservation.ActorRole) (Identity, bool) {
	identity, ok := GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_identity", "no verified caller identity")
		return Identity{}, false
	}
	if identity.Role != role {
		writeError(w, http.StatusForbidden, "wrong_role", "this operation requires the "+string(role)+" role")
		return Identity{}, false
	}
	return identity, true
}

func (h *Handler) createReservation(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, reservation.RolePatient)
	if !ok {
		return
	}

	var req CreateReservationRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	providerID, _ := uuid.Parse(req.ProviderID)
	consultationID, _ := uuid.Parse(req.ConsultationID)

	res, err := h.patients.RequestReservation(r.Context(), reservation.RequestReservationInput{
		PatientID:      identity.ActorID,
		ProviderID:     providerID,
		ConsultationID: consultationID,
		Timezone:       req.Timezone,
		Slots:          slotInputs(req.Slots),
	})
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toReservationResponse(res))
}

func (h *Handler) getReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := reservationIDParam(w, r)
	if !ok {
		return
	}
	identity, ok := GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_identity", "no verified caller identity")
		return
	}

	var (
		res *reservation.Reservation
		err error
	)
	switch identity.Role {
	case reservation.RolePatient:
		res, err = h.patients.GetReservation(r.Context(), id, identity.ActorID)
	default:
		res, err = h.providers.GetReservation(r.Context(), id, identity.ActorID)
	}
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (h *Handler) listReservations(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, reservation.RoleProvider)
	if !ok {
		return
	}

	q := r.URL.Query()

	filter := reservation.ListFilter{
		Sort: reservation.SortOrder(q.Get("sort")),
	}
	if s := q.Get("status"); s != "" {
		status := reservation.Status(s)
		filter.Status = &status
	}

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize < 1 {
		pageSize = 20
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	list, err := h.providers.ListReservations(r.Context(), identity.ActorID, filter)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	resp := ListReservationsResponse{
		Reservations: make([]ReservationResponse, 0, len(list)),
		Page:         page,
		PageSize:     pageSize,
	}
	for i := range list {
		resp.Reservations = append(resp.Reservations, toReservationResponse(&list[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) respondToProposal(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, reservation.RolePatient)
	if !ok {
		return
	}
	id, ok := reservationIDParam(w, r)
	if !ok {
		return
	}

	var req RespondToProposalRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.patients.RespondToProposal(r.Context(), id, identity.ActorID, reservation.ProposalAction(req.Action), req.SelectedRank)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (h *Handler) proposeAlternates(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, reservation.RoleProvider)
	if !ok {
		return
	}
	id, ok := reservationIDParam(w, r)
	if !ok {
		return
	}

	var req ProposeAlternatesRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.providers.ProposeAlternates(r.Context(), id, identity.ActorID, req.Timezone, slotInputs(req.Slots))
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (h *Handler) confirmReservation(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, reservation.RoleProvider)
	if !ok {
		return
	}
	id, ok := reservationIDParam(w, r)
	if !ok {
		return
	}

	var req ConfirmReservationRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.providers.ConfirmReservation(r.Context(), id, identity.ActorID, req.Rank)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (h *Handler) cancelReservation(w http.ResponseWriter, r *http.Request) {
	identity, ok := GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_identity", "no verified caller identity")
		return
	}
	id, ok := reservationIDParam(w, r)
	if !ok {
		return
	}

	// The body is optional; an empty one means no reason given. Decode
	// whenever bytes are present so chunked requests are not dropped.
	var req CancelReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}

	var (
		res *reservation.Reservation
		err error
	)
	switch identity.Role {
	case reservation.RolePatient:
		res, err = h.patients.CancelReservation(r.Context(), id, identity.ActorID, req.Reason)
	default:
		res, err = h.providers.CancelReservation(r.Context(), id, identity.ActorID, req.Reason)
	}
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (h *Handler) completeReservation(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, reservation.RoleProvider)
	if !ok {
		return
	}
	id, ok := reservationIDParam(w, r)
	if !ok {
		return
	}

	res, err := h.providers.CompleteReservation(r.Context(), id, identity.ActorID)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (h *Handler) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, reservation.ErrValidation),
		errors.Is(err, localtime.ErrInvalidTimeInput):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, reservation.ErrForbidden):
		// Logged for audit: an authenticated caller touched a record it
		// does not own.
		h.logger.Warn().
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("ownership check failed")
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, reservation.ErrReservationNotFound),
		errors.Is(err, reservation.ErrPatientNotFound),
		errors.Is(err, reservation.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, reservation.ErrIllegalTransition),
		errors.Is(err, reservation.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		h.logger.Error().
			Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}
