package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"carrera.app/race"
)

// Client to server message types.
const (
	TypeCreateRace     = "createRace"
	TypeJoinRace       = "joinRace"
	TypeSpectateRace   = "spectateRace"
	TypeUpdatePosition = "updatePosition"
	TypeLeaveRace      = "leaveRace"
	TypeJoinRoom       = "joinRoom"
	TypePlayerUpdate   = "playerUpdate"
)

// Server to client message types.
const (
	TypeRaceCreated        = "raceCreated"
	TypeRaceJoined         = "raceJoined"
	TypeSpectatorJoined    = "spectatorJoined"
	TypeRaceLeft           = "raceLeft"
	TypeParticipantsUpdate = string(race.ParticipantsChanged)
	TypePositionUpdate     = string(race.PositionsChanged)
	TypeRaceClosed         = string(race.Closed)
	TypeRoomJoined         = "roomJoined"
	TypePlayerJoined       = "playerJoined"
	TypePlayerLeft         = "playerLeft"
	TypeError              = "error"
)

// ErrBadMessage is returned for frames that cannot be decoded or fail validation.
var ErrBadMessage = errors.New("bad message")

// Envelope is the frame every message travels in.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound is an envelope with a typed payload.
type Outbound struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// CreateRace opens a new race owned by the sender.
type CreateRace struct {
	UserID   string `json:"userId" validate:"required,max=64"`
	UserName string `json:"userName" validate:"required,max=64"`
}

// JoinRace adds the sender as a participant.
type JoinRace struct {
	RaceID   string `json:"raceId" validate:"required,alphanum,max=16"`
	UserID   string `json:"userId" validate:"required,max=64"`
	UserName string `json:"userName" validate:"required,max=64"`
}

// SpectateRace adds the sender as a spectator.
type SpectateRace struct {
	RaceID string `json:"raceId" validate:"required,alphanum,max=16"`
	UserID string `json:"userId" validate:"required,max=64"`
}

// LeaveRace removes the sender from a race.
type LeaveRace struct {
	RaceID string `json:"raceId" validate:"required,alphanum,max=16"`
	UserID string `json:"userId" validate:"required,max=64"`
}

// UpdatePosition reports the sender's latest sample.
type UpdatePosition struct {
	RaceID   string   `json:"raceId" validate:"required,alphanum,max=16"`
	UserID   string   `json:"userId" validate:"required,max=64"`
	Lat      *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng      *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
	Speed    float64  `json:"speed" validate:"gte=0"`
	Distance float64  `json:"distance" validate:"gte=0"`
}

// JoinRoom enters a race through the room protocol. The payload may also be
// the bare room id string.
type JoinRoom struct {
	RoomID string `json:"roomId" validate:"required,alphanum,max=16"`
	Name   string `json:"name" validate:"max=64"`
}

// UnmarshalJSON accepts both {"roomId": "..."} and "...".
func (j *JoinRoom) UnmarshalJSON(b []byte) error {
	if s := bytes.TrimSpace(b); len(s) > 0 && s[0] == '"' {
		return json.Unmarshal(s, &j.RoomID)
	}
	type plain JoinRoom
	return json.Unmarshal(b, (*plain)(j))
}

// LatLng is a coordinate that decodes from [lat, lng] or {"lat": .., "lng": ..}.
type LatLng struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *LatLng) UnmarshalJSON(b []byte) error {
	if s := bytes.TrimSpace(b); len(s) > 0 && s[0] == '[' {
		var pair []float64
		if err := json.Unmarshal(s, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("position needs 2 coordinates, got %d", len(pair))
		}
		l.Lat, l.Lng = pair[0], pair[1]
		return nil
	}
	type plain LatLng
	return json.Unmarshal(b, (*plain)(l))
}

// PlayerUpdate is the room protocol position report.
type PlayerUpdate struct {
	Position *LatLng `json:"position" validate:"required"`
	Distance float64 `json:"distance" validate:"gte=0"`
	Speed    float64 `json:"speed" validate:"gte=0"`
}

// RaceRef acknowledges an operation on a race.
type RaceRef struct {
	RaceID string `json:"raceId"`
}

// RoomRef acknowledges joinRoom.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

// ParticipantsUpdate carries the full participant map of a race.
type ParticipantsUpdate struct {
	RaceID       string                      `json:"raceId"`
	Participants map[string]race.Participant `json:"participants"`
}

// PositionUpdate carries the full position map of a race.
type PositionUpdate struct {
	RaceID    string                   `json:"raceId"`
	Positions map[string]race.Position `json:"positions"`
}

// PlayerEvent is a room protocol relay about one player.
type PlayerEvent struct {
	ID   string      `json:"id"`
	Data interface{} `json:"data,omitempty"`
}

// PlayerData describes a player in playerJoined.
type PlayerData struct {
	Name     string  `json:"name"`
	Position *LatLng `json:"position,omitempty"`
}

// ErrorMessage is sent to the originating connection only.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decoder parses and validates client frames.
type Decoder struct {
	validate *validator.Validate
}

// NewDecoder returns a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{validate: validator.New()}
}

// Envelope parses a raw frame.
func (d *Decoder) Envelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrBadMessage)
	}
	return env, nil
}

// Payload decodes env.Data into v and validates it.
func (d *Decoder) Payload(env Envelope, v interface{}) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s: missing data", ErrBadMessage, env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadMessage, env.Type, err)
	}
	if err := d.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadMessage, env.Type, err)
	}
	return nil
}

// errorMessage maps an operation error to what the client sees.
func errorMessage(err error) ErrorMessage {
	switch {
	case errors.Is(err, race.ErrNotFound):
		return ErrorMessage{Code: "not_found", Message: "race not found"}
	case errors.Is(err, race.ErrNotMember):
		return ErrorMessage{Code: "not_member", Message: "join the race before reporting positions"}
	case errors.Is(err, race.ErrResourceExhausted):
		return ErrorMessage{Code: "resource_exhausted", Message: "could not allocate a race code, try again"}
	case errors.Is(err, ErrBadMessage):
		return ErrorMessage{Code: "bad_request", Message: err.Error()}
	}
	return ErrorMessage{Code: "internal", Message: "internal error"}
}
