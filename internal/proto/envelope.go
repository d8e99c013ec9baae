package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types carried by the control channel. The envelope field names
// are the unit of wire compatibility and must not change.
const (
	TypeHello = "hello"
	TypeAck   = "ack"

	TypeClockPing = "clock.ping"
	TypeClockPong = "clock.pong"

	TypeAssetManifest = "asset.manifest"
	TypeAssetPresence = "asset.presence"

	TypeTelemetryLevels = "telemetry.levels"

	TypeCmdLoad      = "cmd.load"
	TypeCmdUnload    = "cmd.unload"
	TypeCmdPlay      = "cmd.play"
	TypeCmdStop      = "cmd.stop"
	TypeCmdSeek      = "cmd.seek"
	TypeCmdCrossfade = "cmd.crossfade"
	TypeCmdSetGain   = "cmd.setGain"
	TypeCmdDucking   = "cmd.ducking"
)

// ErrSchemaValidation is returned when a known payload fails to parse.
var ErrSchemaValidation = errors.New("schema validation failed")

// Envelope is the wire wrapper for every control-channel message.
type Envelope struct {
	Type    string          `json:"type"`
	Txn     string          `json:"txn,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  int64           `json:"sentAt,omitempty"`
}

// HelloPayload announces role, room, and protocol version on channel open.
type HelloPayload struct {
	Role    string `json:"role"`
	Room    string `json:"room"`
	Version int    `json:"version"`
}

// AckPayload acknowledges the transaction named by ForTxn.
type AckPayload struct {
	OK     bool   `json:"ok"`
	ForTxn string `json:"forTxn"`
	Error  string `json:"error,omitempty"`
}

// ClockPingPayload initiates one round-trip clock sample.
type ClockPingPayload struct {
	PingID string `json:"pingId"`
}

// ClockPongPayload answers a ping with the responder's clock reading
// in milliseconds.
type ClockPongPayload struct {
	PingID       string  `json:"pingId"`
	ResponderNow float64 `json:"responderNow"`
}

// ManifestEntry describes one asset in the facilitator's catalog.
type ManifestEntry struct {
	ID     string `json:"id"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// AssetManifestPayload is the facilitator's asset catalog.
type AssetManifestPayload struct {
	Entries []ManifestEntry `json:"entries"`
}

// AssetPresencePayload reports which catalog assets the peer holds.
type AssetPresencePayload struct {
	Have    []string `json:"have"`
	Missing []string `json:"missing"`
}

// TelemetryLevelsPayload carries a mic/program level pair.
type TelemetryLevelsPayload struct {
	Mic     float64 `json:"mic"`
	Program float64 `json:"program"`
}

// CmdLoadPayload asks the peer to load an asset.
type CmdLoadPayload struct {
	ID     string `json:"id"`
	SHA256 string `json:"sha256,omitempty"`
	Bytes  int64  `json:"bytes,omitempty"`
	Source string `json:"source,omitempty"`
}

// CmdUnloadPayload asks the peer to release an asset.
type CmdUnloadPayload struct {
	ID string `json:"id"`
}

// CmdPlayPayload schedules playback. AtPeerTime is a wall-clock reading
// in milliseconds on the executing peer's synchronized timeline; zero
// means "now". Offset is the buffer position in seconds.
type CmdPlayPayload struct {
	ID         string   `json:"id"`
	AtPeerTime *float64 `json:"atPeerTime,omitempty"`
	Offset     float64  `json:"offset,omitempty"`
	GainDb     float64  `json:"gainDb,omitempty"`
}

// CmdStopPayload stops playback of one asset.
type CmdStopPayload struct {
	ID string `json:"id"`
}

// CmdSeekPayload repositions one asset's playback.
type CmdSeekPayload struct {
	ID     string  `json:"id"`
	Offset float64 `json:"offset"`
}

// CmdCrossfadePayload fades one asset out while another fades in.
type CmdCrossfadePayload struct {
	FromID   string  `json:"fromId"`
	ToID     string  `json:"toId"`
	Duration float64 `json:"duration"`
	ToOffset float64 `json:"toOffset,omitempty"`
}

// CmdSetGainPayload adjusts one asset's gain.
type CmdSetGainPayload struct {
	ID     string  `json:"id"`
	GainDb float64 `json:"gainDb"`
}

// CmdDuckingPayload configures program ducking under the mic signal.
type CmdDuckingPayload struct {
	Enabled     bool    `json:"enabled"`
	ThresholdDb float64 `json:"thresholdDb"`
	ReduceDb    float64 `json:"reduceDb"`
	AttackMs    float64 `json:"attackMs"`
	ReleaseMs   float64 `json:"releaseMs"`
}

// DecodeEnvelope parses raw bytes into an envelope. The payload is left
// opaque; use DecodePayload to validate it.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrSchemaValidation)
	}
	return env, nil
}

// DecodePayload parses and validates the payload for a known type.
// Unknown types return (nil, nil): the transport acks and ignores them
// for forward compatibility. Known types fail closed on bad payloads.
func DecodePayload(typ string, raw json.RawMessage) (any, error) {
	switch typ {
	case TypeHello:
		return decodeAs[HelloPayload](typ, raw, func(p *HelloPayload) bool { return p.Role != "" })
	case TypeAck:
		return decodeAs[AckPayload](typ, raw, func(p *AckPayload) bool { return p.ForTxn != "" })
	case TypeClockPing:
		return decodeAs[ClockPingPayload](typ, raw, func(p *ClockPingPayload) bool { return p.PingID != "" })
	case TypeClockPong:
		return decodeAs[ClockPongPayload](typ, raw, func(p *ClockPongPayload) bool { return p.PingID != "" })
	case TypeAssetManifest:
		return decodeAs[AssetManifestPayload](typ, raw, nil)
	case TypeAssetPresence:
		return decodeAs[AssetPresencePayload](typ, raw, nil)
	case TypeTelemetryLevels:
		return decodeAs[TelemetryLevelsPayload](typ, raw, nil)
	case TypeCmdLoad:
		return decodeAs[CmdLoadPayload](typ, raw, func(p *CmdLoadPayload) bool { return p.ID != "" })
	case TypeCmdUnload:
		return decodeAs[CmdUnloadPayload](typ, raw, func(p *CmdUnloadPayload) bool { return p.ID != "" })
	case TypeCmdPlay:
		return decodeAs[CmdPlayPayload](typ, raw, func(p *CmdPlayPayload) bool { return p.ID != "" })
	case TypeCmdStop:
		return decodeAs[CmdStopPayload](typ, raw, func(p *CmdStopPayload) bool { return p.ID != "" })
	case TypeCmdSeek:
		return decodeAs[CmdSeekPayload](typ, raw, func(p *CmdSeekPayload) bool { return p.ID != "" })
	case TypeCmdCrossfade:
		return decodeAs[CmdCrossfadePayload](typ, raw, func(p *CmdCrossfadePayload) bool {
			return p.FromID != "" && p.ToID != "" && p.Duration > 0
		})
	case TypeCmdSetGain:
		return decodeAs[CmdSetGainPayload](typ, raw, func(p *CmdSetGainPayload) bool { return p.ID != "" })
	case TypeCmdDucking:
		return decodeAs[CmdDuckingPayload](typ, raw, nil)
	default:
		return nil, nil
	}
}

// IsCommand reports whether a message type is a program command, i.e.
// something only the facilitator may originate.
func IsCommand(typ string) bool {
	switch typ {
	case TypeCmdLoad, TypeCmdUnload, TypeCmdPlay, TypeCmdStop,
		TypeCmdSeek, TypeCmdCrossfade, TypeCmdSetGain, TypeCmdDucking,
		TypeAssetManifest:
		return true
	}
	return false
}

func decodeAs[T any](typ string, raw json.RawMessage, valid func(*T) bool) (any, error) {
	var p T
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s: missing payload", ErrSchemaValidation, typ)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchemaValidation, typ, err)
	}
	if valid != nil && !valid(&p) {
		return nil, fmt.Errorf("%w: %s: missing required fields", ErrSchemaValidation, typ)
	}
	return p, nil
}
