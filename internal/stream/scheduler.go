package stream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/kioskvoice/internal/audio"
)

const (
	DefaultStagger           = 60 * time.Millisecond
	DefaultGenerationTimeout = 30 * time.Second

	tracerName = "github.com/ent0n29/kioskvoice/internal/stream"
)

// AudioWriter receives the audio of one phrase as it is generated.
type AudioWriter interface {
	// SetTotalBytes reports the expected stream size once it is known.
	SetTotalBytes(n int64)
	Write(p []byte) error
}

// Generator synthesizes one phrase. It returns nil once all audio has been
// written, or the error that cut generation short.
type Generator interface {
	Generate(ctx context.Context, text string, w AudioWriter) error
}

// Outcome of a scheduled phrase.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// PhraseResult describes how one phrase ended on the producer side.
type PhraseResult struct {
	Index    int
	StreamID uint64
	Text     string
	Outcome  Outcome
	Bytes    int64
	Err      error
	Elapsed  time.Duration
}

// SchedulerConfig tunes a Scheduler.
type SchedulerConfig struct {
	// Stagger is the minimum gap between successive phrase launches.
	Stagger time.Duration
	// Timeout bounds a single phrase's generation.
	Timeout time.Duration
	Format  audio.Format
}

// Scheduler launches one generation task per phrase. Tasks run concurrently
// and never wait on each other; launches are staggered so that completion
// order tends to follow phrase order.
type Scheduler struct {
	sender *Sender
	gen    Generator
	cfg    SchedulerConfig
	tracer trace.Tracer
	logger *slog.Logger

	// OnOpen, when set, is called once a phrase has its stream id and
	// before generation starts.
	OnOpen func(index int, text string, streamID uint64)
	// OnResult, when set, is called as each phrase finishes.
	OnResult func(PhraseResult)
}

func NewScheduler(sender *Sender, gen Generator, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Stagger < 0 {
		cfg.Stagger = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGenerationTimeout
	}
	cfg.Format = cfg.Format.Normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sender: sender,
		gen:    gen,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger.With(slog.String("component", "scheduler")),
	}
}

// Run launches a task for every phrase read from phrases until the channel
// closes, then waits for all tasks. Results are ordered by phrase index.
func (s *Scheduler) Run(ctx context.Context, phrases <-chan string) []PhraseResult {
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		results    []PhraseResult
		lastLaunch time.Time
		index      int
	)

	record := func(r PhraseResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
		if s.OnResult != nil {
			s.OnResult(r)
		}
	}

loop:
	for {
		var text string
		var ok bool
		select {
		case <-ctx.Done():
			break loop
		case text, ok = <-phrases:
			if !ok {
				break loop
			}
		}
		if text == "" {
			continue
		}

		if !lastLaunch.IsZero() && s.cfg.Stagger > 0 {
			if wait := s.cfg.Stagger - time.Since(lastLaunch); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					break loop
				case <-timer.C:
				}
			}
		}

		if ctx.Err() != nil {
			break loop
		}
		st, err := s.sender.Open(s.cfg.Format)
		if err != nil {
			record(PhraseResult{Index: index, Text: text, Outcome: OutcomeFailed, Err: err})
			break loop
		}
		lastLaunch = time.Now()
		if s.OnOpen != nil {
			s.OnOpen(index, text, st.ID())
		}
		wg.Add(1)
		go func(idx int, text string, st *Stream) {
			defer wg.Done()
			record(s.generate(ctx, idx, text, st))
		}(index, text, st)
		index++
	}

	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results
}

// Schedule is Run for a phrase list that is known up front.
func (s *Scheduler) Schedule(ctx context.Context, phrases []string) []PhraseResult {
	ch := make(chan string, len(phrases))
	for _, p := range phrases {
		ch <- p
	}
	close(ch)
	return s.Run(ctx, ch)
}

func (s *Scheduler) generate(ctx context.Context, idx int, text string, st *Stream) PhraseResult {
	ctx, span := s.tracer.Start(ctx, "phrase.generate", trace.WithAttributes(
		attribute.Int64("stream.id", int64(st.ID())),
		attribute.Int("phrase.index", idx),
		attribute.Int("phrase.chars", len(text)),
	))
	defer span.End()

	started := time.Now()
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	err := s.gen.Generate(genCtx, text, st)
	cancel()

	res := PhraseResult{
		Index:    idx,
		StreamID: st.ID(),
		Text:     text,
		Elapsed:  time.Since(started),
	}
	switch {
	case err == nil:
		res.Outcome = OutcomeCompleted
		if cerr := st.Complete(); cerr != nil {
			res.Outcome = OutcomeCancelled
			res.Err = cerr
		}
	case ctx.Err() != nil || errors.Is(err, ErrStreamClosed):
		res.Outcome = OutcomeCancelled
		res.Err = err
		_ = st.Fail(err)
	default:
		res.Outcome = OutcomeFailed
		res.Err = err
		_ = st.Fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("phrase generation failed",
			slog.Uint64("stream_id", st.ID()),
			slog.Int("phrase_index", idx),
			slog.String("error", err.Error()),
		)
	}
	res.Bytes = st.Bytes()
	span.SetAttributes(
		attribute.Int64("stream.bytes", res.Bytes),
		attribute.String("stream.outcome", string(res.Outcome)),
	)
	return res
}
