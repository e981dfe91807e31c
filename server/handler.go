package server

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"carrera.app/race"
)

// handle dispatches one client frame. Every rejected operation is answered
// with an error message to this connection only.
func (s *Server) handle(c *conn, msg []byte) {
	env, err := s.dec.Envelope(msg)
	if err == nil {
		err = s.dispatch(c, env)
	}
	if err != nil {
		s.reject(c, env.Type, err)
	}
}

func (s *Server) dispatch(c *conn, env Envelope) error {
	switch env.Type {
	case TypeCreateRace:
		return s.createRace(c, env)
	case TypeJoinRace:
		return s.joinRace(c, env)
	case TypeSpectateRace:
		return s.spectateRace(c, env)
	case TypeUpdatePosition:
		return s.updatePosition(c, env)
	case TypeLeaveRace:
		return s.leaveRace(c, env)
	case TypeJoinRoom:
		return s.joinRoom(c, env)
	case TypePlayerUpdate:
		return s.playerUpdate(c, env)
	}
	return fmt.Errorf("%w: unknown type %q", ErrBadMessage, env.Type)
}

func (s *Server) reject(c *conn, msgType string, err error) {
	s.stats.RecordReject()

	em := errorMessage(err)
	if em.Code == "internal" {
		c.log.Error("operation failed", zap.String("type", msgType), zap.Error(err))
	} else {
		c.log.Debug("operation rejected", zap.String("type", msgType), zap.Error(err))
	}
	c.queue(TypeError, em)
}

// attach subscribes c to a race and queues the acknowledgement followed by the
// current state of the race. Both happen under the race lock, so the next
// broadcast c receives is newer than what it was just sent.
func (s *Server) attach(c *conn, raceID, ackType string, ack func(id string) interface{}) error {
	return s.reg.Observe(raceID, func(snap race.Snapshot) {
		s.hub.Subscribe(snap.ID, c.sub)

		c.queue(ackType, ack(snap.ID))
		c.queue(TypeParticipantsUpdate, ParticipantsUpdate{RaceID: snap.ID, Participants: snap.Participants})
		if len(snap.Positions) > 0 {
			c.queue(TypePositionUpdate, PositionUpdate{RaceID: snap.ID, Positions: snap.Positions})
		}
	})
}

func raceRef(id string) interface{} { return RaceRef{RaceID: id} }
func roomRef(id string) interface{} { return RoomRef{RoomID: id} }

func (s *Server) createRace(c *conn, env Envelope) error {
	var d CreateRace
	if err := s.dec.Payload(env, &d); err != nil {
		return err
	}

	id, err := s.reg.CreateSession(d.UserID, d.UserName)
	if err != nil {
		return err
	}
	if err := s.claim(c, id, d.UserID, nil); err != nil {
		return err
	}

	return s.attach(c, id, TypeRaceCreated, raceRef)
}

func (s *Server) joinRace(c *conn, env Envelope) error {
	var d JoinRace
	if err := s.dec.Payload(env, &d); err != nil {
		return err
	}

	id := race.Normalize(d.RaceID)
	err := s.claim(c, id, d.UserID, func() error {
		return s.reg.JoinSession(id, d.UserID, d.UserName)
	})
	if err != nil {
		return err
	}

	return s.attach(c, id, TypeRaceJoined, raceRef)
}

func (s *Server) spectateRace(c *conn, env Envelope) error {
	var d SpectateRace
	if err := s.dec.Payload(env, &d); err != nil {
		return err
	}

	id := race.Normalize(d.RaceID)
	err := s.claim(c, id, d.UserID, func() error {
		return s.reg.SpectateSession(id, d.UserID)
	})
	if err != nil {
		return err
	}

	return s.attach(c, id, TypeSpectatorJoined, raceRef)
}

func (s *Server) updatePosition(c *conn, env Envelope) error {
	var d UpdatePosition
	if err := s.dec.Payload(env, &d); err != nil {
		return err
	}

	return s.reg.ReportPosition(race.Normalize(d.RaceID), d.UserID, *d.Lat, *d.Lng, d.Speed, d.Distance)
}

func (s *Server) leaveRace(c *conn, env Envelope) error {
	var d LeaveRace
	if err := s.dec.Payload(env, &d); err != nil {
		return err
	}

	id := race.Normalize(d.RaceID)
	if c.room == id && d.UserID == c.id {
		s.leaveRoom(c)
		c.queue(TypeRaceLeft, RaceRef{RaceID: id})
		return nil
	}

	// an explicit leave ends the membership whichever connection owns it
	err := s.claims.with(id, func(owners map[string]string) error {
		delete(owners, d.UserID)
		return s.reg.LeaveSession(id, d.UserID)
	})
	if err != nil {
		return err
	}
	if c.forget(id, d.UserID) {
		s.hub.Unsubscribe(id, c.id)
	}

	c.queue(TypeRaceLeft, RaceRef{RaceID: id})
	return nil
}

// joinRoom enters a race under the connection id. A connection is in at most
// one room at a time.
func (s *Server) joinRoom(c *conn, env Envelope) error {
	var d JoinRoom
	if err := s.dec.Payload(env, &d); err != nil {
		return err
	}

	id := race.Normalize(d.RoomID)
	if c.room != "" && c.room != id {
		s.leaveRoom(c)
	}

	err := s.claim(c, id, c.id, func() error {
		return s.reg.JoinSession(id, c.id, d.Name)
	})
	if err != nil {
		return err
	}
	c.room = id

	if err := s.attach(c, id, TypeRoomJoined, roomRef); err != nil {
		return err
	}
	s.hub.Relay(id, c.id, TypePlayerJoined, PlayerEvent{ID: c.id, Data: PlayerData{Name: d.Name}})
	return nil
}

func (s *Server) playerUpdate(c *conn, env Envelope) error {
	var d PlayerUpdate
	if err := s.dec.Payload(env, &d); err != nil {
		return err
	}
	if c.room == "" {
		return fmt.Errorf("no room joined: %w", race.ErrNotMember)
	}

	err := s.reg.ReportPosition(c.room, c.id, d.Position.Lat, d.Position.Lng, d.Speed, d.Distance)
	if err != nil {
		return err
	}
	s.hub.Relay(c.room, c.id, TypePlayerUpdate, PlayerEvent{ID: c.id, Data: d})
	return nil
}

func (s *Server) leaveRoom(c *conn) {
	id := c.room
	c.room = ""

	if err := s.release(c, id, c.id); err != nil {
		c.log.Warn("leave room", zap.String("race", id), zap.Error(err))
	}
	if c.forget(id, c.id) {
		s.hub.Unsubscribe(id, c.id)
	}
	s.hub.Relay(id, c.id, TypePlayerLeft, PlayerEvent{ID: c.id})
}

// claim runs op and records c as the owner of user in raceID, atomically with
// respect to other claims and releases on that race. op may be nil.
func (s *Server) claim(c *conn, raceID, user string, op func() error) error {
	err := s.claims.with(raceID, func(owners map[string]string) error {
		if op != nil {
			if err := op(); err != nil {
				return err
			}
		}
		owners[user] = c.id
		return nil
	})
	if err != nil {
		return err
	}
	c.remember(raceID, user)
	return nil
}

// release removes user from raceID unless another connection has claimed it
// since c did.
func (s *Server) release(c *conn, raceID, user string) error {
	return s.claims.with(raceID, func(owners map[string]string) error {
		if owners[user] != c.id {
			c.log.Debug("membership moved to another connection",
				zap.String("race", raceID),
				zap.String("user", user),
				zap.String("owner", owners[user]))
			return nil
		}
		delete(owners, user)
		return s.reg.LeaveSession(raceID, user)
	})
}

// disconnect removes every membership the connection still owns.
func (s *Server) disconnect(c *conn) {
	if c.room != "" {
		s.leaveRoom(c)
	}

	for id, users := range c.members {
		s.hub.Unsubscribe(id, c.id)
		for user := range users {
			err := s.release(c, id, user)
			if err != nil && !errors.Is(err, race.ErrNotFound) {
				c.log.Warn("leave on disconnect", zap.String("race", id), zap.String("user", user), zap.Error(err))
			}
		}
	}
	c.members = nil
}
