package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/waveline/waveline-server/internal/auth"
	"github.com/waveline/waveline-server/internal/proto"
	"github.com/waveline/waveline-server/internal/session"
)

// SubprotocolPrefix carries the bearer token during the websocket
// handshake. A header side channel keeps the token out of URLs and logs.
const SubprotocolPrefix = "waveline.bearer."

// Relay is the rendezvous point between a room's participants. It
// authorizes connections against the identity service and the session
// authority, then forwards opaque signaling and control envelopes
// between sockets, stamping the sender's id on the way through.
type Relay struct {
	authority *session.Authority
	auth      *auth.Service
	log       *zerolog.Logger
}

// New builds a relay.
func New(authority *session.Authority, authService *auth.Service, logger *zerolog.Logger) *Relay {
	l := logger.With().Str("component", "relay").Logger()
	return &Relay{
		authority: authority,
		auth:      authService,
		log:       &l,
	}
}

// Handle upgrades one participant connection and serves it until close.
func (r *Relay) Handle(w http.ResponseWriter, req *http.Request, roomID, participantID string) {
	token, subprotocol := bearerSubprotocol(req)

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("ws accept failed")
		return
	}

	claims, err := r.auth.Authenticate(token)
	if err != nil {
		// No data is exchanged with an unauthenticated socket.
		conn.Close(websocket.StatusPolicyViolation, "unauthenticated")
		return
	}

	role, err := r.admit(roomID, participantID, claims)
	if err != nil {
		r.log.Warn().Err(err).
			Str("room", roomID).
			Str("participant", participantID).
			Msg("admission refused")
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	socket := newWSSocket(conn)
	if err := r.authority.AttachSocket(roomID, participantID, socket); err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	logger := r.log.With().
		Str("room", roomID).
		Str("participant", participantID).
		Str("role", string(role)).
		Logger()
	logger.Info().Msg("participant connected")

	r.readLoop(req.Context(), conn, socket, roomID, participantID, role, &logger)

	// Socket close removes the participant; a departing facilitator
	// tears the whole room down.
	if err := r.authority.RemoveParticipant(roomID, participantID); err != nil &&
		!errors.Is(err, session.ErrRoomNotFound) && !errors.Is(err, session.ErrParticipantNotFound) {
		logger.Warn().Err(err).Msg("participant removal failed")
	}
	conn.Close(websocket.StatusNormalClosure, "closing")
	logger.Info().Msg("participant disconnected")
}

// admit validates or creates the participant. Facilitators create their
// room on demand; everyone else needs an existing room.
func (r *Relay) admit(roomID, participantID string, claims *auth.Claims) (session.Role, error) {
	role, err := session.ParseRole(claims.Role)
	if err != nil {
		return "", err
	}

	if role == session.RoleFacilitator {
		r.authority.CreateRoom(roomID)
	}

	info, err := r.authority.GetParticipant(roomID, participantID)
	switch {
	case err == nil:
		return info.Role, nil
	case errors.Is(err, session.ErrParticipantNotFound):
		created, addErr := r.authority.AddParticipant(roomID, participantID, role)
		if addErr != nil {
			return "", addErr
		}
		return created.Role, nil
	default:
		return "", err
	}
}

func (r *Relay) readLoop(
	ctx context.Context,
	conn *websocket.Conn,
	socket *wsSocket,
	roomID, participantID string,
	role session.Role,
	logger *zerolog.Logger,
) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				logger.Debug().Err(err).Msg("read failed")
			}
			return
		}

		// Any inbound frame counts as activity.
		_ = r.authority.Heartbeat(roomID, participantID)

		sig, err := proto.ParseSignal(data)
		if err != nil {
			r.reply(ctx, socket, proto.SignalError{
				Type: proto.SignalTypeError,
				Code: "bad_envelope",
				Msg:  err.Error(),
			})
			continue
		}

		switch sig.Type {
		case "heartbeat":
			continue
		case "room.kick":
			r.handleKick(ctx, socket, roomID, role, sig)
			continue
		}

		// Listeners receive media; they do not drive the program. The
		// rejection goes to the sender only; the target never sees it.
		if role == session.RoleListener && proto.IsCommand(sig.Type) {
			r.reply(ctx, socket, proto.SignalError{
				Type: proto.SignalTypeError,
				Code: session.ErrCodeUnauthorizedCommand,
				Msg:  fmt.Sprintf("role %q may not send %s", session.RoleListener, sig.Type),
				InRe: sig.Type,
				Txn:  looseTxn(data),
			})
			continue
		}

		if sig.Target == "" {
			r.reply(ctx, socket, proto.SignalError{
				Type: proto.SignalTypeError,
				Code: "bad_envelope",
				Msg:  "missing target",
				InRe: sig.Type,
			})
			continue
		}

		stamped, err := proto.StampFrom(data, participantID)
		if err != nil {
			r.reply(ctx, socket, proto.SignalError{
				Type: proto.SignalTypeError,
				Code: "bad_envelope",
				Msg:  err.Error(),
				InRe: sig.Type,
			})
			continue
		}

		err = r.authority.Send(ctx, roomID, sig.Target, stamped)
		switch {
		case errors.Is(err, session.ErrParticipantNotFound):
			r.reply(ctx, socket, proto.SignalError{
				Type: proto.SignalTypeError,
				Code: session.ErrCodeParticipantNotFound,
				Msg:  fmt.Sprintf("no participant %q in room", sig.Target),
				InRe: sig.Type,
			})
		case errors.Is(err, session.ErrRoomNotFound):
			// Room destroyed underneath us; the close cascade follows.
			return
		}
	}
}

// handleKick evicts a participant at the facilitator's request.
func (r *Relay) handleKick(ctx context.Context, socket *wsSocket, roomID string, role session.Role, sig proto.Signal) {
	if role != session.RoleFacilitator {
		r.reply(ctx, socket, proto.SignalError{
			Type: proto.SignalTypeError,
			Code: session.ErrCodeUnauthorizedCommand,
			Msg:  fmt.Sprintf("role %q may not kick participants", role),
			InRe: sig.Type,
		})
		return
	}
	if err := r.authority.KickParticipant(roomID, sig.Target); err != nil {
		r.reply(ctx, socket, proto.SignalError{
			Type: proto.SignalTypeError,
			Code: session.ErrCodeParticipantNotFound,
			Msg:  fmt.Sprintf("no participant %q in room", sig.Target),
			InRe: sig.Type,
		})
	}
}

func (r *Relay) reply(ctx context.Context, socket *wsSocket, e proto.SignalError) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := socket.Send(ctx, data); err != nil {
		r.log.Debug().Err(err).Msg("error reply failed")
	}
}

// bearerSubprotocol extracts the token-bearing subprotocol offer so the
// handshake can echo it back.
func bearerSubprotocol(req *http.Request) (token, subprotocol string) {
	for _, header := range req.Header.Values("Sec-WebSocket-Protocol") {
		for _, offer := range strings.Split(header, ",") {
			offer = strings.TrimSpace(offer)
			if strings.HasPrefix(offer, SubprotocolPrefix) {
				return strings.TrimPrefix(offer, SubprotocolPrefix), offer
			}
		}
	}
	return "", ""
}

func looseTxn(raw []byte) string {
	var partial struct {
		Txn string `json:"txn"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return ""
	}
	return partial.Txn
}
