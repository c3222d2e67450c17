package api

import (
	"time"

	"github.com/CodingBot000/teleconsult/internal/localtime"
	"github.com/CodingBot000/teleconsult/internal/reservation"
)

type SlotPayload struct {
	Rank     int    `json:"rank" validate:"required,min=1"`
	Date     string `json:"date" validate:"required"`
	Time     string `json:"time" validate:"required"`
	Timezone string `json:"timezone,omitempty"`
}

type CreateReservationRequest struct {
	ProviderID     string        `json:"provider_id" validate:"required,uuid"`
	ConsultationID string        `json:"consultation_id" validate:"required,uuid"`
	Timezone       string        `json:"timezone" validate:"required"`
	Slots          []SlotPayload `json:"slots" validate:"required,min=1,dive"`
}

type RespondToProposalRequest struct {
	Action       string `json:"action" validate:"required,oneof=accept reject"`
	SelectedRank *int   `json:"selected_rank,omitempty" validate:"omitempty,min=1"`
}

type ProposeAlternatesRequest struct {
	Timezone string        `json:"timezone" validate:"required"`
	Slots    []SlotPayload `json:"slots" validate:"required,min=1,dive"`
}

type ConfirmReservationRequest struct {
	Rank int `json:"rank" validate:"required,min=1"`
}

type CancelReservationRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// SlotView renders a slot both as the stored UTC instant and as the wall
// clock in the timezone it was submitted in.
type SlotView struct {
	Rank      int       `json:"rank"`
	StartsAt  time.Time `json:"starts_at"`
	LocalDate string    `json:"local_date"`
	LocalTime string    `json:"local_time"`
	Timezone  string    `json:"timezone"`
}

type CancellationView struct {
	Actor       string    `json:"actor"`
	Reason      string    `json:"reason,omitempty"`
	Code        string    `json:"code,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type RoomView struct {
	ID      string `json:"id"`
	JoinURL string `json:"join_url"`
}

type ReservationResponse struct {
	ID                string            `json:"id"`
	PatientID         string            `json:"patient_id"`
	ProviderID        string            `json:"provider_id"`
	ConsultationID    string            `json:"consultation_id"`
	Status            string            `json:"status"`
	StatusChangedAt   time.Time         `json:"status_changed_at"`
	RequestedSlots    []SlotView        `json:"requested_slots"`
	ProposedSlots     []SlotView        `json:"proposed_slots,omitempty"`
	AcceptedRank      *int              `json:"accepted_rank,omitempty"`
	Confirmed         bool              `json:"confirmed"`
	ScheduledAt       *time.Time        `json:"scheduled_at,omitempty"`
	ScheduledTimezone *string           `json:"scheduled_timezone,omitempty"`
	Cancellation      *CancellationView `json:"cancellation,omitempty"`
	Room              *RoomView         `json:"room,omitempty"`
	PatientName       string            `json:"patient_name"`
	PatientEmail      *string           `json:"patient_email,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

type ListReservationsResponse struct {
	Reservations []ReservationResponse `json:"reservations"`
	Page         int                   `json:"page"`
	PageSize     int                   `json:"page_size"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func slotViews(slots []reservation.TimeSlot) []SlotView {
	if len(slots) == 0 {
		return nil
	}
	views := make([]SlotView, 0, len(slots))
	for _, s := range slots {
		view := SlotView{
			Rank:     s.Rank,
			StartsAt: s.StartsAt,
			Timezone: s.SourceTimezone,
		}
		if date, clock, err := localtime.Render(s.StartsAt, s.SourceTimezone); err == nil {
			view.LocalDate = date
			view.LocalTime = clock
		}
		views = append(views, view)
	}
	return views
}

func toReservationResponse(res *reservation.Reservation) ReservationResponse {
	resp := ReservationResponse{
		ID:                res.ID.String(),
		PatientID:         res.PatientID.String(),
		ProviderID:        res.ProviderID.String(),
		ConsultationID:    res.ConsultationID.String(),
		Status:            string(res.Status),
		StatusChangedAt:   res.StatusChangedAt,
		RequestedSlots:    slotViews(res.RequestedSlots),
		ProposedSlots:     slotViews(res.ProposedSlots),
		AcceptedRank:      res.AcceptedRank,
		Confirmed:         res.Confirmed(),
		ScheduledAt:       res.ScheduledAt,
		ScheduledTimezone: res.ScheduledTimezone,
		PatientName:       res.PatientName,
		PatientEmail:      res.PatientEmail,
		CreatedAt:         res.CreatedAt,
	}

	if res.Cancel != nil {
		resp.Cancellation = &CancellationView{
			Actor:       string(res.Cancel.Actor),
			Reason:      res.Cancel.Reason,
			Code:        res.Cancel.Code,
			CancelledAt: res.Cancel.CancelledAt,
		}
	}
	if res.RoomID != nil && res.RoomJoinURL != nil {
		resp.Room = &RoomView{
			ID:      *res.RoomID,
			JoinURL: *res.RoomJoinURL,
		}
	}

	return resp
}

func slotInputs(payloads []SlotPayload) []reservation.SlotInput {
	inputs := make([]reservation.SlotInput, 0, len(payloads))
	for _, p := range payloads {
		inputs = append(inputs, reservation.SlotInput{
			Rank:     p.Rank,
			Date:     p.Date,
			Time:     p.Time,
			Timezone: p.Timezone,
		})
	}
	return inputs
}
