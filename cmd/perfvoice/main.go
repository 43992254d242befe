package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/kioskvoice/internal/audio"
	"github.com/ent0n29/kioskvoice/internal/device"
	"github.com/ent0n29/kioskvoice/internal/observability"
	"github.com/ent0n29/kioskvoice/internal/playback"
	"github.com/ent0n29/kioskvoice/internal/protocol"
)

type options struct {
	baseURL        string
	devices        int
	turns          int
	chunkMS        int
	realtime       float64
	paced          bool
	wavPath        string
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type audioClip struct {
	PCM16LE    []byte
	SampleRate int
}

type turnResult struct {
	device  int
	turn    int
	elapsed time.Duration
	reason  string
	err     error
}

var defaultUtterances = []string{
	"Where are the restrooms?",
	"What time does the museum close today?",
	"How do I get to the train station from here?",
	"Is there a cafe on this floor?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	fs := flag.NewFlagSet("perfvoice", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "producer base URL")
	fs.IntVar(&cfg.devices, "devices", 1, "number of simulated kiosk devices")
	fs.IntVar(&cfg.turns, "turns", 10, "turns per device")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 45, "microphone chunk size in milliseconds when -wav is set")
	fs.Float64Var(&cfg.realtime, "realtime", 3.0, "microphone pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.BoolVar(&cfg.paced, "paced", true, "drain device audio at playback speed instead of instantly")
	fs.StringVar(&cfg.wavPath, "wav", "", "optional PCM16 WAV sent as voice input instead of text queries")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for turn_end per turn in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "queries separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.devices <= 0 || cfg.devices > 256 {
		return options{}, fmt.Errorf("devices must be in [1,256]")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	cfg.interTurnDelay = time.Duration(max(interTurnMS, 0)) * time.Millisecond
	cfg.turnTimeout = time.Duration(max(turnTimeoutMS, 1000)) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty queries")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}

	var clip *audioClip
	if cfg.wavPath != "" {
		raw, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return fmt.Errorf("read wav: %w", err)
		}
		c, err := decodeClip(raw)
		if err != nil {
			return fmt.Errorf("decode wav: %w", err)
		}
		clip = &c
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	_ = resetPerf(ctx, httpClient, cfg.baseURL)

	if cfg.verbose {
		fmt.Printf("perfvoice: devices=%d turns=%d voice_input=%v paced=%v\n", cfg.devices, cfg.turns, clip != nil, cfg.paced)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	results := make(chan turnResult, cfg.devices*cfg.turns)
	var wg sync.WaitGroup
	for i := 0; i < cfg.devices; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			runDevice(ctx, cfg, wsURL, idx, clip, logger, results)
		}(i)
	}
	wg.Wait()
	close(results)

	var (
		elapsed []time.Duration
		failed  int
	)
	for r := range results {
		if r.err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "perfvoice: device %d turn %d: %v\n", r.device, r.turn, r.err)
			continue
		}
		elapsed = append(elapsed, r.elapsed)
		if cfg.verbose {
			fmt.Printf("perfvoice: device %d turn %d %s in %s\n", r.device, r.turn, r.reason, r.elapsed.Round(time.Millisecond))
		}
	}
	printSummary(os.Stdout, elapsed, failed)

	snapshot, err := fetchPerf(ctx, httpClient, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("fetch producer latency: %w", err)
	}
	for _, st := range snapshot.Stages {
		fmt.Printf("perfvoice: stage %-28s n=%-4d p50=%.0fms p95=%.0fms over=%d\n", st.Stage, st.Samples, st.P50MS, st.P95MS, st.OverBudget)
	}
	for _, ind := range snapshot.Indicators {
		fmt.Printf("perfvoice: indicator %-24s %d\n", ind.Name, ind.Count)
	}
	if failed > 0 {
		return fmt.Errorf("%d turns failed", failed)
	}
	return nil
}

func runDevice(ctx context.Context, cfg options, wsURL string, idx int, clip *audioClip, logger *slog.Logger, results chan<- turnResult) {
	format := audio.DefaultFormat()
	var sink playback.Sink = playback.NewDiscardSink(format)
	if cfg.paced {
		sink = playback.NewPacedSink(sink)
	}
	client, err := device.New(device.Config{
		URL:      wsURL,
		DeviceID: fmt.Sprintf("perfvoice-%03d", idx),
	}, playback.DefaultConfig(), sink, logger)
	if err != nil {
		results <- turnResult{device: idx, err: err}
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = client.Run(runCtx) }()

	if _, err := awaitEvent[protocol.RegisterAck](client, cfg.turnTimeout); err != nil {
		results <- turnResult{device: idx, err: fmt.Errorf("register: %w", err)}
		return
	}

	for turn := 1; turn <= cfg.turns; turn++ {
		start := time.Now()
		var err error
		if clip != nil {
			err = sendVoiceTurn(client, *clip, cfg.chunkMS, cfg.realtime)
		} else {
			err = client.SendText(cfg.texts[(idx+turn-1)%len(cfg.texts)])
		}
		if err != nil {
			results <- turnResult{device: idx, turn: turn, err: err}
			return
		}
		end, err := awaitEvent[protocol.TurnEnd](client, cfg.turnTimeout)
		results <- turnResult{device: idx, turn: turn, elapsed: time.Since(start), reason: end.Reason, err: err}
		if err != nil {
			return
		}
		if cfg.interTurnDelay > 0 && turn < cfg.turns {
			time.Sleep(cfg.interTurnDelay)
		}
	}
}

func awaitEvent[T any](client *device.Client, timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-client.Events():
			if m, ok := ev.(T); ok {
				return m, nil
			}
			if sys, ok := ev.(protocol.SystemEvent); ok {
				switch sys.Code {
				case protocol.CodeNoSpeech, protocol.CodeSpeechUnavailable:
					var zero T
					return zero, fmt.Errorf("producer reported %s", sys.Code)
				}
			}
		case <-timer.C:
			var zero T
			return zero, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func sendVoiceTurn(client *device.Client, clip audioClip, chunkMS int, realtime float64) error {
	if err := client.StartRecording(); err != nil {
		return err
	}
	f := audio.Format{SampleRate: clip.SampleRate, Channels: 1, BytesPerSample: 2}.Normalize()
	bytesPerChunk := max(f.BytesFor(time.Duration(chunkMS)*time.Millisecond), 2)
	for off := 0; off < len(clip.PCM16LE); off += bytesPerChunk {
		end := min(off+bytesPerChunk, len(clip.PCM16LE))
		if err := client.SendAudio(clip.PCM16LE[off:end]); err != nil {
			return err
		}
		pause := time.Duration(float64(f.Duration(end-off)) / realtime)
		time.Sleep(max(pause, 10*time.Millisecond))
	}
	return client.CompleteRecording()
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/tts"
	return u.String(), nil
}

func resetPerf(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/perf/latency/reset", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func fetchPerf(ctx context.Context, client *http.Client, baseURL string) (observability.StageSnapshot, error) {
	var out observability.StageSnapshot
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return out, err
	}
	res, err := client.Do(req)
	if err != nil {
		return out, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return out, fmt.Errorf("HTTP %d", res.StatusCode)
	}
	err = json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out)
	return out, err
}

func printSummary(w io.Writer, elapsed []time.Duration, failed int) {
	if len(elapsed) == 0 {
		fmt.Fprintf(w, "perfvoice: no completed turns (%d failed)\n", failed)
		return
	}
	sorted := slices.Clone(elapsed)
	slices.Sort(sorted)
	fmt.Fprintf(w, "perfvoice: turns=%d failed=%d p50=%s p95=%s max=%s\n",
		len(sorted), failed,
		percentile(sorted, 0.50).Round(time.Millisecond),
		percentile(sorted, 0.95).Round(time.Millisecond),
		sorted[len(sorted)-1].Round(time.Millisecond),
	)
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted)) + 0.5)
	idx = min(max(idx-1, 0), len(sorted)-1)
	return sorted[idx]
}

// decodeClip reads a PCM16 WAV and downmixes it to mono.
func decodeClip(data []byte) (audioClip, error) {
	pcm, format, err := audio.DecodeWAV(data)
	if err != nil {
		return audioClip{}, err
	}
	if format.BytesPerSample != 2 {
		return audioClip{}, fmt.Errorf("unsupported wav bits_per_sample %d", format.BytesPerSample*8)
	}
	if format.Channels <= 0 {
		return audioClip{}, fmt.Errorf("invalid wav channels=%d", format.Channels)
	}
	if len(pcm) == 0 {
		return audioClip{}, fmt.Errorf("wav has no PCM bytes")
	}
	sampleRate := format.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	if format.Channels == 1 {
		return audioClip{PCM16LE: pcm[:len(pcm)&^1], SampleRate: sampleRate}, nil
	}

	frameBytes := format.Channels * 2
	frameCount := len(pcm) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < format.Channels; ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[base+ch*2:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/format.Channels)))
	}
	return audioClip{PCM16LE: mono, SampleRate: sampleRate}, nil
}
