package sched

import (
	"time"

	"github.com/waveline/waveline-server/internal/control"
	"github.com/waveline/waveline-server/internal/proto"
)

// Bind registers the program-command handlers on a control channel,
// making the scheduler the executor for the cmd.* family. Handler
// errors surface to the facilitator in the ack.
func Bind(ch *control.Channel, s *Scheduler, pc PeerClock) {
	ch.Handle(proto.TypeCmdPlay, func(_ proto.Envelope, payload any) error {
		cmd := payload.(proto.CmdPlayPayload)
		var at *time.Time
		if cmd.AtPeerTime != nil {
			t := time.UnixMilli(int64(*cmd.AtPeerTime))
			at = &t
		}
		return s.PlayAt(cmd.ID, pc, at, cmd.Offset, cmd.GainDb)
	})

	ch.Handle(proto.TypeCmdStop, func(_ proto.Envelope, payload any) error {
		cmd := payload.(proto.CmdStopPayload)
		s.Stop(cmd.ID)
		return nil
	})

	ch.Handle(proto.TypeCmdSeek, func(_ proto.Envelope, payload any) error {
		cmd := payload.(proto.CmdSeekPayload)
		s.Seek(cmd.ID, cmd.Offset)
		return nil
	})

	ch.Handle(proto.TypeCmdSetGain, func(_ proto.Envelope, payload any) error {
		cmd := payload.(proto.CmdSetGainPayload)
		s.SetGain(cmd.ID, cmd.GainDb)
		return nil
	})

	ch.Handle(proto.TypeCmdCrossfade, func(_ proto.Envelope, payload any) error {
		cmd := payload.(proto.CmdCrossfadePayload)
		return s.Crossfade(cmd.FromID, cmd.ToID, cmd.Duration, cmd.ToOffset)
	})

	ch.Handle(proto.TypeCmdLoad, func(_ proto.Envelope, payload any) error {
		cmd := payload.(proto.CmdLoadPayload)
		return s.Preload(cmd.ID)
	})

	ch.Handle(proto.TypeCmdUnload, func(_ proto.Envelope, payload any) error {
		cmd := payload.(proto.CmdUnloadPayload)
		s.Unload(cmd.ID)
		return nil
	})
}
