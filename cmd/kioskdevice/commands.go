package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/kioskvoice/internal/audio"
	"github.com/ent0n29/kioskvoice/internal/device"
	"github.com/ent0n29/kioskvoice/internal/playback"
	"github.com/ent0n29/kioskvoice/internal/protocol"
)

// bargeInLine on stdin cancels playback the way pressing the talk button does.
const bargeInLine = "!stop"

type deviceFlags struct {
	url        string
	deviceID   string
	sampleRate int
	logLevel   string

	slots        int
	slotCapacity int
	minBuffer    int
	burst        int
	drainMargin  time.Duration

	sink    string
	wavPath string
	paced   bool
}

func newRootCmd() *cobra.Command {
	f := &deviceFlags{}
	root := &cobra.Command{
		Use:           "kioskdevice",
		Short:         "Software kiosk speaker for the voice producer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.url, "url", "ws://127.0.0.1:8080/ws/tts", "producer websocket endpoint")
	pf.StringVar(&f.deviceID, "device-id", hostDeviceID(), "stable device identifier")
	pf.IntVar(&f.sampleRate, "sample-rate", audio.DefaultSampleRate, "speaker sample rate in Hz")
	pf.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	pf.IntVar(&f.slots, "slots", playback.DefaultSlots, "stream slots in the playback ring")
	pf.IntVar(&f.slotCapacity, "slot-capacity", playback.DefaultSlotCapacity, "bytes per slot, header included")
	pf.IntVar(&f.minBuffer, "min-buffer", playback.DefaultMinBufferBytes, "bytes buffered before an incomplete stream starts")
	pf.IntVar(&f.burst, "burst", playback.DefaultBurstBytes, "bytes written to the output per step")
	pf.DurationVar(&f.drainMargin, "drain-margin", playback.DefaultDrainMargin, "extra wait after the last byte before a stream counts as played")
	pf.StringVar(&f.sink, "sink", "discard", "audio output: discard or wav")
	pf.StringVar(&f.wavPath, "wav-path", "kioskdevice.wav", "output file for --sink=wav")
	pf.BoolVar(&f.paced, "paced", true, "drain audio at playback speed")

	root.AddCommand(newRunCmd(f), newSayCmd(f))
	return root
}

func newRunCmd(f *deviceFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stay connected and send each stdin line as a text query",
		Long: `Stay connected to the producer and play whatever it sends.

Each non-empty line read from stdin is sent as a text query. The line
"` + bargeInLine + `" cancels playback and sends an empty recording, which the
producer answers with no_speech.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			client, closeSink, err := f.newClient()
			if err != nil {
				return err
			}
			defer closeSink()

			done := make(chan error, 1)
			go func() { done <- client.Run(ctx) }()
			go printEvents(ctx, cmd.OutOrStdout(), client)
			go readQueries(ctx, cmd.InOrStdin(), client)

			return <-done
		},
	}
}

func newSayCmd(f *deviceFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "say <text>",
		Short: "Ask one question, play the answer and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client, closeSink, err := f.newClient()
			if err != nil {
				return err
			}
			defer closeSink()

			done := make(chan error, 1)
			go func() { done <- client.Run(ctx) }()
			defer func() {
				cancel()
				<-done
			}()
			return say(ctx, cmd.OutOrStdout(), client, strings.Join(args, " "))
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "give up after this long")
	return cmd
}

func say(ctx context.Context, out io.Writer, client *device.Client, text string) error {
	if err := waitFor[protocol.RegisterAck](ctx, client); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := client.SendText(text); err != nil {
		return err
	}
	start := time.Now()
	if err := waitFor[protocol.TurnEnd](ctx, client); err != nil {
		return fmt.Errorf("await turn_end: %w", err)
	}
	// turn_end means generation finished; audio may still be draining.
	for client.Player().Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	stats := client.Player().Stats()
	fmt.Fprintf(out, "played %d streams in %s (rejected %d, aborted %d)\n",
		stats.Completed, time.Since(start).Round(time.Millisecond), stats.Rejected, stats.Aborted)
	return nil
}

func waitFor[T any](ctx context.Context, client *device.Client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-client.Events():
			if _, ok := ev.(T); ok {
				return nil
			}
			if sys, ok := ev.(protocol.SystemEvent); ok && sys.Code == protocol.CodeSpeechUnavailable {
				return errors.New(sys.Code)
			}
		}
	}
}

func printEvents(ctx context.Context, out io.Writer, client *device.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-client.Events():
			switch m := ev.(type) {
			case protocol.RegisterAck:
				fmt.Fprintf(out, "connected: session %s, %d slots\n", m.SessionID, m.QueueSlots)
			case protocol.TurnEnd:
				fmt.Fprintf(out, "turn %s: %s\n", m.TurnID, m.Reason)
			case protocol.SystemEvent:
				fmt.Fprintf(out, "event: %s %s\n", m.Code, m.Detail)
			}
		}
	}
}

func readQueries(ctx context.Context, in io.Reader, client *device.Client) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		var err error
		switch line {
		case "":
			continue
		case bargeInLine:
			if err = client.StartRecording(); err == nil {
				err = client.CompleteRecording()
			}
		default:
			err = client.SendText(line)
		}
		if err != nil {
			slog.Warn("query not sent", slog.String("error", err.Error()))
		}
	}
}

func (f *deviceFlags) playbackConfig() playback.Config {
	cfg := playback.DefaultConfig()
	cfg.Slots = f.slots
	cfg.SlotCapacity = f.slotCapacity
	cfg.MemoryBudget = f.slots * f.slotCapacity
	cfg.MinBufferBytes = f.minBuffer
	cfg.BurstBytes = f.burst
	cfg.DrainMargin = f.drainMargin
	return cfg
}

// newSink returns the configured output and a function that finalizes it.
func (f *deviceFlags) newSink() (playback.Sink, func(), error) {
	format := audio.Format{SampleRate: f.sampleRate, Channels: 1, BytesPerSample: 2}.Normalize()
	var (
		sink  playback.Sink
		finish = func() {}
	)
	switch f.sink {
	case "discard":
		sink = playback.NewDiscardSink(format)
	case "wav":
		w, err := playback.NewWAVFileSink(f.wavPath, format)
		if err != nil {
			return nil, nil, err
		}
		sink = w
		finish = func() {
			if err := w.Close(); err != nil {
				slog.Warn("wav sink close failed", slog.String("error", err.Error()))
			}
		}
	default:
		return nil, nil, fmt.Errorf("unknown sink %q (expected discard or wav)", f.sink)
	}
	if f.paced {
		sink = playback.NewPacedSink(sink)
	}
	return sink, finish, nil
}

func (f *deviceFlags) newClient() (*device.Client, func(), error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(f.logLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q", f.logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	sink, closeSink, err := f.newSink()
	if err != nil {
		return nil, nil, err
	}
	client, err := device.New(device.Config{
		URL:        f.url,
		DeviceID:   f.deviceID,
		SampleRate: f.sampleRate,
	}, f.playbackConfig(), sink, logger)
	if err != nil {
		closeSink()
		return nil, nil, err
	}
	return client, closeSink, nil
}

func hostDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "kiosk"
	}
	return "kiosk-" + host
}
