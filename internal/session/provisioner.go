// Package session talks to the external room-provisioning collaborator that
// hands out video rooms and join credentials. Provisioning is idempotent per
// reservation: the room service keys rooms on the reservation id, so repeated
// calls return the same room.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type Room struct {
	ID      string `json:"room_id"`
	JoinURL string `json:"join_url"`
}

type Provisioner interface {
	Provision(ctx context.Context, reservationID uuid.UUID) (Room, error)
}

// HTTPProvisioner requests rooms from an external room service.
type HTTPProvisioner struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProvisioner(baseURL string) *HTTPProvisioner {
	return &HTTPProvisioner{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type provisionRequest struct {
	ReservationID string `json:"reservation_id"`
}

func (p *HTTPProvisioner) Provision(ctx context.Context, reservationID uuid.UUID) (Room, error) {
	body, err := json.Marshal(provisionRequest{ReservationID: reservationID.String()})
	if err != nil {
		return Room{}, fmt.Errorf("marshal provision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rooms", bytes.NewReader(body))
	if err != nil {
		return Room{}, fmt.Errorf("build provision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Room{}, fmt.Errorf("call room service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Room{}, fmt.Errorf("room service returned status %d", resp.StatusCode)
	}

	var room Room
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return Room{}, fmt.Errorf("decode room response: %w", err)
	}
	if room.ID == "" || room.JoinURL == "" {
		return Room{}, fmt.Errorf("room service returned incomplete room")
	}

	return room, nil
}

// StaticProvisioner derives a deterministic room from the reservation id.
// Used in dev and tests when no room service is configured.
type StaticProvisioner struct {
	BaseJoinURL string
}

func (p StaticProvisioner) Provision(_ context.Context, reservationID uuid.UUID) (Room, error) {
	id := reservationID.String()
	return Room{
		ID:      "room-" + id,
		JoinURL: p.BaseJoinURL + "/" + id,
	}, nil
}
