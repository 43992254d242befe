package playback

import (
	"context"
	"log/slog"
)

// Player bundles the queue, drainer and receiver of one output device and
// owns cancellation across them.
type Player struct {
	cfg      Config
	queue    *Queue
	drainer  *Drainer
	receiver *Receiver
	logger   *slog.Logger
}

func NewPlayer(cfg Config, sink Sink, hooks Hooks, logger *slog.Logger) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	queue := NewQueue(cfg)
	return &Player{
		cfg:      cfg,
		queue:    queue,
		drainer:  NewDrainer(queue, sink, cfg, hooks, logger),
		receiver: NewReceiver(queue, sink.Format(), hooks, logger),
		logger:   logger.With(slog.String("component", "player")),
	}, nil
}

// Run plays queued streams until ctx is done.
func (p *Player) Run(ctx context.Context) error {
	return p.drainer.Run(ctx)
}

func (p *Player) HandleText(raw []byte) (any, error) {
	return p.receiver.HandleText(raw)
}

func (p *Player) HandleBinary(data []byte) error {
	return p.receiver.HandleBinary(data)
}

// Cancel stops playback and empties the queue. When it returns the player is
// indistinguishable from a fresh one: idle, no slots, no sink write running.
func (p *Player) Cancel() {
	p.receiver.Unfence()
	p.drainer.Reset()
}

// BargeIn cancels like Cancel and additionally fences the receiver so that
// frames the producer sent before it learned of the new recording are
// dropped.
func (p *Player) BargeIn() {
	p.receiver.Fence()
	p.drainer.Reset()
	p.logger.Info("barge-in: playback cancelled")
}

func (p *Player) State() State { return p.drainer.State() }

func (p *Player) Count() int { return p.queue.Count() }

func (p *Player) Slots() int { return p.cfg.Slots }

func (p *Player) Stats() ReceiverStats { return p.receiver.Stats() }

func (p *Player) Fenced() bool { return p.receiver.Fenced() }
