package voice

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/kioskvoice/internal/audio"
	"github.com/ent0n29/kioskvoice/internal/brain"
	"github.com/ent0n29/kioskvoice/internal/bus"
	"github.com/ent0n29/kioskvoice/internal/journal"
	"github.com/ent0n29/kioskvoice/internal/observability"
	"github.com/ent0n29/kioskvoice/internal/policy"
	"github.com/ent0n29/kioskvoice/internal/protocol"
	"github.com/ent0n29/kioskvoice/internal/reliability"
	"github.com/ent0n29/kioskvoice/internal/session"
	"github.com/ent0n29/kioskvoice/internal/stream"
)

const (
	DefaultTranscriptTimeout = 8 * time.Second
	DefaultWindow            = 4

	turnStopTimeout = 2 * time.Second
	journalTimeout  = 2 * time.Second

	// One more synthesis attempt when the provider is briefly overloaded.
	ttsRetries   = 1
	ttsRetryBase = 150 * time.Millisecond
	ttsRetryCap  = 600 * time.Millisecond

	brainFailureReply = "Sorry, I'm having trouble answering right now. Please try again in a moment."

	tracerName = "github.com/ent0n29/kioskvoice/internal/voice"
)

// Turn end reasons carried by turn_end.
const (
	TurnCompleted = "completed"
	TurnFailed    = "failed"
	TurnEmpty     = "empty"
	TurnRefused   = "refused"
)

// OrchestratorConfig tunes speech production for every connection.
type OrchestratorConfig struct {
	VoiceID  string
	ModelID  string
	Settings TTSSettings
	Format   audio.Format

	// DefaultWindow is the stream credit window used until a device
	// announces its queue size.
	DefaultWindow int
	ChunkBytes    int
	StrictOrder   bool

	Stagger           time.Duration
	GenerationTimeout time.Duration
	MinWords          int
	MaxWords          int

	SystemPrompt      string
	// HistoryMessages is how many earlier user and assistant messages of
	// the session are replayed to the responder. Zero disables history.
	HistoryMessages   int
	TranscriptTimeout time.Duration
}

// Orchestrator turns device queries into ordered speech streams.
type Orchestrator struct {
	sessions  *session.Manager
	responder brain.Responder
	stt       STTProvider
	tts       TTSProvider
	journal   journal.Store
	publisher bus.Publisher
	metrics   *observability.Metrics
	cfg       OrchestratorConfig
	tracer    trace.Tracer
	logger    *slog.Logger

	hookMu      sync.RWMutex
	onSupersede func(sessionID string)
}

func NewOrchestrator(
	sessions *session.Manager,
	responder brain.Responder,
	sttProvider STTProvider,
	ttsProvider TTSProvider,
	store journal.Store,
	publisher bus.Publisher,
	metrics *observability.Metrics,
	cfg OrchestratorConfig,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.DefaultWindow < 1 {
		cfg.DefaultWindow = DefaultWindow
	}
	if cfg.TranscriptTimeout <= 0 {
		cfg.TranscriptTimeout = DefaultTranscriptTimeout
	}
	cfg.Format = cfg.Format.Normalize()
	if publisher == nil {
		publisher = bus.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sessions:  sessions,
		responder: responder,
		stt:       sttProvider,
		tts:       ttsProvider,
		journal:   store,
		publisher: publisher,
		metrics:   metrics,
		cfg:       cfg,
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With(slog.String("component", "orchestrator")),
	}
}

// SetSupersedeHook registers a callback for sessions replaced by a newer
// registration of the same device. The caller is expected to close that
// session's connection.
func (o *Orchestrator) SetSupersedeHook(hook func(sessionID string)) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	o.onSupersede = hook
}

type turn struct {
	id      string
	source  string
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

type phraseRef struct {
	turnID string
	index  int
	text   string
}

// connection is the per-device state of RunConnection. Fields below mu are
// shared with turn goroutines; the recording fields belong to the read loop.
type connection struct {
	o         *Orchestrator
	ctx       context.Context
	sessionID string
	sender    *stream.Sender
	logger    *slog.Logger

	mu       sync.Mutex
	deviceID string
	turn     *turn
	streams  map[uint64]phraseRef

	stt          STTSession
	sttEvents    <-chan STTEvent
	sttRate      int
	transcript   []string
	committedAt  time.Time
	commitTimer  *time.Timer
	commitExpiry <-chan time.Time
}

// RunConnection drives one device connection. Frames for the device are
// written to outbound by a single stream.Sender, so stream frames and
// control messages keep their relative order. It returns when ctx is done
// or inbound is closed.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := o.logger.With(slog.String("session_id", s.ID))
	sender := stream.NewSender(outbound, stream.SenderConfig{
		Window:      o.cfg.DefaultWindow,
		ChunkBytes:  o.cfg.ChunkBytes,
		StrictOrder: o.cfg.StrictOrder,
	}, logger)
	c := &connection{
		o:         o,
		ctx:       ctx,
		sessionID: s.ID,
		sender:    sender,
		logger:    logger,
		deviceID:  s.DeviceID,
		streams:   make(map[uint64]phraseRef),
	}

	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		if err := sender.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("sender stopped", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		if t := c.takeTurn(); t != nil {
			c.stop(t)
		}
		c.closeRecording()
		sender.Close()
		cancel()
		<-senderDone
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			_ = o.sessions.Touch(s.ID)
			c.handle(raw)
		case ev, ok := <-c.sttEvents:
			c.handleTranscription(ev, ok)
		case <-c.commitExpiry:
			c.logger.Warn("transcript timed out")
			c.closeRecording()
			c.sender.Control(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: protocol.CodeNoSpeech, Detail: "transcript timeout"})
		}
	}
}

func (c *connection) handle(raw any) {
	switch msg := raw.(type) {
	case protocol.Register:
		c.register(msg)
	case protocol.TextQuery:
		c.startTurn(msg.Text, "text")
	case protocol.RecordingStart:
		c.startRecording()
	case protocol.AudioChunk:
		c.forwardAudio(msg)
	case protocol.RecordingComplete:
		c.commitRecording()
	case protocol.StreamPlayed:
		outcome := journal.OutcomePlayed
		if msg.Aborted {
			outcome = journal.OutcomeAborted
			c.o.metrics.ObserveIndicator(observability.IndicatorStreamAborted)
		} else if msg.Bytes > 0 {
			c.o.metrics.ObserveStreamPlayback(
				time.Duration(msg.FirstBurstMS)*time.Millisecond,
				time.Duration(msg.PlayMS)*time.Millisecond,
				c.o.cfg.Format.Duration(int(msg.Bytes)),
			)
		}
		c.streamFinished(msg.StreamID, outcome, "")
	case protocol.StreamRejected:
		c.streamFinished(msg.StreamID, journal.OutcomeRejected, msg.Reason)
	case protocol.TurnFinished:
		c.o.metrics.SessionEvents.WithLabelValues("device_turn_finished").Inc()
		c.logger.Debug("device finished playback")
	default:
		c.logger.Warn("unexpected inbound message", slog.Any("message", raw))
	}
}

func (c *connection) register(msg protocol.Register) {
	o := c.o
	window := msg.QueueSlots
	if window < 1 {
		window = o.cfg.DefaultWindow
	}
	c.sender.SetWindow(window)

	previous, err := o.sessions.Register(c.sessionID, msg.DeviceID, window, msg.SampleRate)
	if err != nil {
		c.logger.Warn("register failed", slog.String("device_id", msg.DeviceID), slog.String("error", err.Error()))
		return
	}
	c.mu.Lock()
	c.deviceID = msg.DeviceID
	c.mu.Unlock()

	if previous != "" {
		_, _ = o.sessions.End(previous)
		o.metrics.SessionEvents.WithLabelValues("superseded").Inc()
		o.hookMu.RLock()
		hook := o.onSupersede
		o.hookMu.RUnlock()
		if hook != nil {
			hook(previous)
		}
	}
	o.metrics.SessionEvents.WithLabelValues("registered").Inc()
	c.logger.Info("device registered",
		slog.String("device_id", msg.DeviceID),
		slog.Int("queue_slots", window),
		slog.String("previous_session_id", previous),
	)
	c.sender.Control(protocol.RegisterAck{
		Type:       protocol.TypeRegisterAck,
		SessionID:  c.sessionID,
		QueueSlots: window,
	})
}

// startTurn answers text. A turn still producing speech is cancelled first;
// audio it already delivered stays on the device.
func (c *connection) startTurn(text, source string) {
	o := c.o
	decision := policy.ScreenQuery(text)
	if decision.Reason == "empty" {
		c.logger.Debug("ignoring empty query", slog.String("source", source))
		return
	}

	if prev := c.takeTurn(); prev != nil {
		c.stop(prev)
		_ = o.sessions.Interrupt(c.sessionID)
		o.metrics.SessionEvents.WithLabelValues("turn_superseded").Inc()
		c.sender.Control(protocol.SystemEvent{
			Type:   protocol.TypeSystemEvent,
			Code:   protocol.CodeTurnCancelled,
			Detail: prev.id,
		})
	}

	turnCtx, cancel := context.WithCancel(c.ctx)
	t := &turn{
		id:      uuid.NewString(),
		source:  source,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	c.mu.Lock()
	c.turn = t
	c.mu.Unlock()

	_ = o.sessions.StartTurn(c.sessionID, t.id)
	o.metrics.SessionEvents.WithLabelValues("turn_started").Inc()
	if !decision.Allowed {
		o.metrics.SessionEvents.WithLabelValues("query_" + decision.Reason).Inc()
	}
	c.logger.Info("turn started",
		slog.String("turn_id", t.id),
		slog.String("source", source),
		slog.Bool("allowed", decision.Allowed),
	)
	go c.runTurn(turnCtx, t, decision)
}

func (c *connection) runTurn(ctx context.Context, t *turn, decision policy.QueryDecision) {
	defer close(t.done)
	o := c.o

	ctx, span := o.tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("session.id", c.sessionID),
		attribute.String("turn.id", t.id),
		attribute.String("turn.source", t.source),
	))
	defer span.End()

	var firstAudio sync.Once
	gen := &SpeechGenerator{
		Provider:     o.tts,
		VoiceID:      o.cfg.VoiceID,
		ModelID:      o.cfg.ModelID,
		Settings:     o.cfg.Settings,
		Format:       o.cfg.Format,
		Retries:      ttsRetries,
		RetryBackoff: reliability.Backoff{Base: ttsRetryBase, Cap: ttsRetryCap, Jitter: 0.2},
		OnFirstAudio: func() {
			firstAudio.Do(func() { o.metrics.ObserveFirstAudioLatency(time.Since(t.started)) })
		},
	}
	sched := stream.NewScheduler(c.sender, gen, stream.SchedulerConfig{
		Stagger: o.cfg.Stagger,
		Timeout: o.cfg.GenerationTimeout,
		Format:  o.cfg.Format,
	}, c.logger)
	sched.OnOpen = func(index int, text string, id uint64) {
		c.mu.Lock()
		c.streams[id] = phraseRef{turnID: t.id, index: index, text: text}
		c.mu.Unlock()
	}
	sched.OnResult = func(r stream.PhraseResult) { c.phraseFinished(t, r) }

	phrases := make(chan string, 32)
	done := make(chan []stream.PhraseResult, 1)
	go func() { done <- sched.Run(ctx, phrases) }()

	count := 0
	push := func(list []string) error {
		for _, p := range list {
			if count == 0 {
				o.metrics.ObserveStage(observability.StageTurnToFirstPhrase, time.Since(t.started))
			}
			count++
			select {
			case phrases <- p:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	reason := TurnCompleted
	if decision.Allowed {
		splitter := stream.NewSplitter(o.cfg.MinWords, o.cfg.MaxWords)
		resp, err := o.responder.StreamResponse(ctx, brain.Request{
			SessionID:    c.sessionID,
			TurnID:       t.id,
			InputText:    decision.Text,
			SystemPrompt: o.cfg.SystemPrompt,
			History:      c.history(ctx),
		}, func(delta string) error {
			return push(splitter.Push(delta))
		})
		if err == nil {
			err = push(splitter.Finalize())
		}
		if err == nil && ctx.Err() == nil {
			c.saveExchange(t.id, decision.Text, resp.Text)
		}
		if err != nil && ctx.Err() == nil {
			reason = TurnFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.metrics.ProviderErrors.WithLabelValues("llm", "stream_failed").Inc()
			c.logger.Warn("reply generation failed", slog.String("turn_id", t.id), slog.String("error", err.Error()))
			if count == 0 {
				_ = push([]string{brainFailureReply})
			}
		}
	} else {
		reason = TurnRefused
		_ = push([]string{decision.Reply})
	}
	close(phrases)
	results := <-done

	if reason == TurnCompleted && count == 0 {
		reason = TurnEmpty
	}
	failed := 0
	for _, r := range results {
		if r.Outcome == stream.OutcomeFailed {
			failed++
		}
	}
	elapsed := time.Since(t.started)
	o.metrics.ObserveStage(observability.StageTurnTotal, elapsed)
	span.SetAttributes(
		attribute.Int("turn.phrases", len(results)),
		attribute.Int("turn.phrases_failed", failed),
		attribute.String("turn.reason", reason),
	)

	c.mu.Lock()
	if c.turn == t {
		c.turn = nil
	}
	c.mu.Unlock()
	_ = o.sessions.FinishTurn(c.sessionID, t.id)

	// A cancelled turn is closed by whoever cancelled it.
	if ctx.Err() != nil {
		c.logger.Info("turn cancelled", slog.String("turn_id", t.id), slog.Int("phrases", len(results)))
		return
	}
	c.logger.Info("turn finished",
		slog.String("turn_id", t.id),
		slog.String("reason", reason),
		slog.Int("phrases", len(results)),
		slog.Int("failed", failed),
		slog.Duration("elapsed", elapsed),
	)
	c.sender.Control(protocol.TurnEnd{Type: protocol.TypeTurnEnd, TurnID: t.id, Reason: reason})
}

// history loads the session's recent conversation for the responder.
func (c *connection) history(ctx context.Context) []brain.Message {
	o := c.o
	if o.journal == nil || o.cfg.HistoryMessages <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, journalTimeout)
	defer cancel()
	turns, err := o.journal.RecentTurns(ctx, c.sessionID, o.cfg.HistoryMessages)
	if err != nil {
		o.metrics.SessionEvents.WithLabelValues("history_load_failed").Inc()
		c.logger.Warn("conversation history unavailable", slog.String("error", err.Error()))
		return nil
	}
	msgs := make([]brain.Message, 0, len(turns))
	for _, tr := range turns {
		msgs = append(msgs, brain.Message{Role: tr.Role, Content: tr.Content})
	}
	return msgs
}

// saveExchange stores a finished exchange before turn_end goes out, so the
// next query of the session already sees it.
func (c *connection) saveExchange(turnID, query, reply string) {
	o := c.o
	if o.journal == nil || o.cfg.HistoryMessages <= 0 || strings.TrimSpace(reply) == "" {
		return
	}
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	for _, m := range []brain.Message{{Role: brain.RoleUser, Content: query}, {Role: brain.RoleAssistant, Content: reply}} {
		content, kinds := policy.RedactPII(m.Content)
		err := o.journal.SaveTurn(ctx, journal.TurnRecord{
			SessionID:   c.sessionID,
			DeviceID:    deviceID,
			TurnID:      turnID,
			Role:        m.Role,
			Content:     content,
			PIIRedacted: len(kinds) > 0,
		})
		if err != nil {
			o.metrics.SessionEvents.WithLabelValues("history_save_failed").Inc()
			c.logger.Warn("conversation turn not saved", slog.String("error", err.Error()))
			return
		}
	}
}

func (c *connection) takeTurn() *turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.turn
	c.turn = nil
	return t
}

// stop cancels t and waits, bounded, for its goroutines to return. Once it
// returns no new stream of t can be opened.
func (c *connection) stop(t *turn) {
	t.cancel()
	timer := time.NewTimer(turnStopTimeout)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
		c.logger.Warn("turn did not stop in time", slog.String("turn_id", t.id))
	}
}

// interrupt cancels the active turn and drops every stream that has not
// finished sending.
func (c *connection) interrupt() {
	if t := c.takeTurn(); t != nil {
		c.stop(t)
	}
	c.sender.Reset()
	c.mu.Lock()
	clear(c.streams)
	c.mu.Unlock()
}

func (c *connection) phraseFinished(t *turn, r stream.PhraseResult) {
	c.o.metrics.ObservePhrase(string(r.Outcome), r.Elapsed, r.Bytes)
	if r.Bytes == 0 {
		// Never started on the device, so no report will follow.
		c.mu.Lock()
		delete(c.streams, r.StreamID)
		c.mu.Unlock()
	}
	var detail string
	if r.Err != nil {
		detail = r.Err.Error()
	}
	c.record(journal.StreamRecord{
		TurnID:      t.id,
		StreamID:    r.StreamID,
		PhraseIndex: r.Index,
		Outcome:     string(r.Outcome),
		Text:        r.Text,
		Bytes:       r.Bytes,
		Detail:      detail,
	})
}

// streamFinished handles the device's report that a stream left its queue.
func (c *connection) streamFinished(id uint64, outcome, detail string) {
	c.sender.Release()
	c.o.metrics.StreamOutcomes.WithLabelValues(outcome).Inc()
	if outcome == journal.OutcomeRejected {
		c.o.metrics.ObserveIndicator(observability.IndicatorDeviceRejectPrefix + detail)
	}

	c.mu.Lock()
	ref, ok := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("device reported an unknown stream", slog.Uint64("stream_id", id), slog.String("outcome", outcome))
	}
	c.record(journal.StreamRecord{
		TurnID:      ref.turnID,
		StreamID:    id,
		PhraseIndex: ref.index,
		Outcome:     outcome,
		Text:        ref.text,
		Detail:      detail,
	})
}

// record journals and publishes a stream event in the background.
func (c *connection) record(rec journal.StreamRecord) {
	o := c.o
	c.mu.Lock()
	rec.DeviceID = c.deviceID
	c.mu.Unlock()
	rec.SessionID = c.sessionID
	rec.CreatedAt = time.Now().UTC()
	redacted, kinds := policy.RedactPII(rec.Text)
	rec.Text = redacted
	rec.PIIRedacted = len(kinds) > 0

	go func(r journal.StreamRecord) {
		if o.journal != nil {
			ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
			defer cancel()
			if err := o.journal.Record(ctx, r); err != nil {
				o.metrics.SessionEvents.WithLabelValues("journal_failed").Inc()
				c.logger.Warn("journal record failed", slog.String("error", err.Error()))
			}
		}
		if err := o.publisher.PublishStream(r); err != nil {
			o.metrics.SessionEvents.WithLabelValues("publish_failed").Inc()
		}
	}(rec)
}

// startRecording handles barge-in: speech in flight is dropped and the
// device is told, with recording_ack, where the cancelled frames end.
func (c *connection) startRecording() {
	o := c.o
	c.interrupt()
	c.closeRecording()
	c.sender.Control(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: protocol.CodeRecordingAck})
	_ = o.sessions.Interrupt(c.sessionID)
	o.metrics.SessionEvents.WithLabelValues("barge_in").Inc()
	o.metrics.ObserveIndicator(observability.IndicatorBargeIn)

	if o.stt == nil {
		c.speechUnavailable("no speech recognizer configured")
		return
	}
	sess, events, err := o.stt.StartSession(c.ctx, c.sessionID)
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues("stt", "connect_failed").Inc()
		c.logger.Warn("stt session failed", slog.String("error", err.Error()))
		c.speechUnavailable(err.Error())
		return
	}
	c.stt = sess
	c.sttEvents = events
}

func (c *connection) forwardAudio(msg protocol.AudioChunk) {
	if c.stt == nil || c.commitExpiry != nil {
		return
	}
	c.sttRate = msg.SampleRate
	if err := c.stt.SendAudioChunk(c.ctx, msg.PCM16Base64, msg.SampleRate, false); err != nil {
		c.o.metrics.ProviderErrors.WithLabelValues("stt", "send_failed").Inc()
		c.logger.Warn("stt send failed", slog.String("error", err.Error()))
		c.closeRecording()
		c.speechUnavailable(err.Error())
	}
}

func (c *connection) commitRecording() {
	if c.stt == nil {
		c.sender.Control(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: protocol.CodeNoSpeech})
		return
	}
	if c.commitExpiry != nil {
		return
	}
	if err := c.stt.SendAudioChunk(c.ctx, "", c.sttRate, true); err != nil {
		c.o.metrics.ProviderErrors.WithLabelValues("stt", "commit_failed").Inc()
		c.closeRecording()
		c.speechUnavailable(err.Error())
		return
	}
	c.committedAt = time.Now()
	c.commitTimer = time.NewTimer(c.o.cfg.TranscriptTimeout)
	c.commitExpiry = c.commitTimer.C
}

func (c *connection) handleTranscription(ev STTEvent, ok bool) {
	if !ok {
		awaiting := c.commitExpiry != nil
		c.closeRecording()
		if awaiting {
			c.speechUnavailable("recognizer closed before a transcript")
		}
		return
	}
	switch ev.Type {
	case STTEventCommitted:
		if text := strings.TrimSpace(ev.Text); text != "" {
			c.transcript = append(c.transcript, text)
		}
		if c.commitExpiry == nil {
			// The recognizer segmented on its own; keep collecting.
			return
		}
		text := strings.Join(c.transcript, " ")
		c.o.metrics.ObserveStage(observability.StageRecordingTranscript, time.Since(c.committedAt))
		c.closeRecording()
		if text == "" {
			c.sender.Control(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: protocol.CodeNoSpeech})
			return
		}
		c.startTurn(text, "voice")
	case STTEventError:
		c.o.metrics.ProviderErrors.WithLabelValues("stt", ev.Code).Inc()
		c.logger.Warn("stt error", slog.String("code", ev.Code), slog.String("detail", ev.Detail))
		c.closeRecording()
		c.speechUnavailable(ev.Detail)
	}
}

func (c *connection) closeRecording() {
	if c.commitTimer != nil {
		c.commitTimer.Stop()
	}
	c.commitTimer = nil
	c.commitExpiry = nil
	if c.stt != nil {
		_ = c.stt.Close()
	}
	c.stt = nil
	c.sttEvents = nil
	c.transcript = nil
}

func (c *connection) speechUnavailable(detail string) {
	c.sender.Control(protocol.SystemEvent{
		Type:   protocol.TypeSystemEvent,
		Code:   protocol.CodeSpeechUnavailable,
		Detail: detail,
	})
}
