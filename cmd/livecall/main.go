package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ent0n29/livegate/internal/audio"
	"github.com/ent0n29/livegate/internal/capture"
	"github.com/ent0n29/livegate/internal/observability"
	"github.com/ent0n29/livegate/internal/playback"
	"github.com/ent0n29/livegate/internal/protocol"
	"github.com/ent0n29/livegate/internal/ratelimit"
	"github.com/ent0n29/livegate/internal/transport"
	"github.com/ent0n29/livegate/internal/upstream"
)

type options struct {
	relayURL      string
	direct        string
	model         string
	inputWAV      string
	outputWAV     string
	images        []string
	frameInterval time.Duration
	instruction   string
	text          string
	tools         []protocol.ToolDeclaration
	toolLimit     int
	toolWindow    time.Duration
	playbackRate  int
	sendRate      int
	linger        time.Duration
	metricsAddr   string
	verbose       bool
}

type summary struct {
	chunksSent    atomic.Int64
	framesSent    atomic.Int64
	audioReceived atomic.Int64
	toolCalls     atomic.Int64
	interruptions atomic.Int64

	// Set by the close event, read after closed is signalled.
	closeCode   int
	closeReason string
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecall: %v\n", err)
		os.Exit(2)
	}

	var dialer upstream.Dialer
	switch cfg.direct {
	case "":
	case "mock":
		d := upstream.NewMockDialer()
		d.Echo = true
		dialer = d
	case "gemini":
		d, err := upstream.NewGeminiDialer(context.Background(), upstream.GeminiConfig{
			APIKey:       os.Getenv("GEMINI_API_KEY"),
			DefaultModel: cfg.model,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "livecall: %v\n", err)
			os.Exit(1)
		}
		dialer = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics("livecall")
	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		go func() {
			if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("livecall: metrics server failed: %v", err)
			}
		}()
	}

	sum, err := run(ctx, cfg, dialer, metrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecall: %v\n", err)
		os.Exit(1)
	}
	if cfg.verbose {
		fmt.Printf("livecall: chunks=%d frames=%d audio_bytes=%d tool_calls=%d interruptions=%d close=%d %q\n",
			sum.chunksSent.Load(), sum.framesSent.Load(), sum.audioReceived.Load(), sum.toolCalls.Load(), sum.interruptions.Load(), sum.closeCode, sum.closeReason)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var imagesRaw, toolsRaw string
	fs := flag.NewFlagSet("livecall", flag.ContinueOnError)

	fs.StringVar(&cfg.relayURL, "url", "ws://127.0.0.1:8080/doctor", "relay websocket URL")
	fs.StringVar(&cfg.direct, "direct", "", "dial the model in-process instead of a relay (mock|gemini)")
	fs.StringVar(&cfg.model, "model", "gemini-2.0-flash-live-001", "model for direct sessions")
	fs.StringVar(&cfg.inputWAV, "in", "", "PCM16 WAV file streamed as microphone input")
	fs.StringVar(&cfg.outputWAV, "out", "reply.wav", "WAV file receiving the model's audio")
	fs.StringVar(&imagesRaw, "images", "", "comma separated still images streamed as camera frames")
	fs.DurationVar(&cfg.frameInterval, "frame-interval", time.Second, "camera frame interval")
	fs.StringVar(&cfg.instruction, "instruction", "", "system instruction sent at setup")
	fs.StringVar(&cfg.text, "text", "", "text sent once the session is open")
	fs.StringVar(&toolsRaw, "tools", "", "comma separated tool names to declare")
	fs.IntVar(&cfg.toolLimit, "tool-limit", 5, "max calls per tool per window (0 disables)")
	fs.DurationVar(&cfg.toolWindow, "tool-window", time.Minute, "tool call rate window")
	fs.IntVar(&cfg.playbackRate, "playback-rate", 24000, "sample rate of the reply track")
	fs.IntVar(&cfg.sendRate, "send-rate", 16000, "sample rate microphone audio is sent at")
	fs.DurationVar(&cfg.linger, "linger", 3*time.Second, "how long to keep listening after input ends")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the call runs")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print call progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.relayURL = strings.TrimSpace(cfg.relayURL)
	cfg.direct = strings.ToLower(strings.TrimSpace(cfg.direct))
	switch cfg.direct {
	case "", "mock", "gemini":
	default:
		return options{}, fmt.Errorf("direct must be mock or gemini, got %q", cfg.direct)
	}
	if cfg.direct == "" && cfg.relayURL == "" {
		return options{}, fmt.Errorf("url is required without -direct")
	}
	if strings.TrimSpace(cfg.inputWAV) == "" && strings.TrimSpace(imagesRaw) == "" && strings.TrimSpace(cfg.text) == "" {
		return options{}, fmt.Errorf("one of -in, -images or -text is required")
	}
	if cfg.playbackRate <= 0 || cfg.sendRate <= 0 {
		return options{}, fmt.Errorf("playback-rate and send-rate must be > 0")
	}
	if cfg.linger < 0 {
		cfg.linger = 0
	}
	for _, part := range strings.Split(imagesRaw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			cfg.images = append(cfg.images, p)
		}
	}
	for _, part := range strings.Split(toolsRaw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			cfg.tools = append(cfg.tools, protocol.ToolDeclaration{
				Name:       name,
				Parameters: json.RawMessage(`{"type":"object"}`),
			})
		}
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options, dialer upstream.Dialer, metrics transport.Recorder) (*summary, error) {
	sum := &summary{}

	var stream capture.Stream
	var inputDone <-chan struct{}
	var inputRate int
	if cfg.inputWAV != "" {
		raw, err := os.ReadFile(cfg.inputWAV)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		pcm, rate, err := audio.ReadWAV(raw)
		if err != nil {
			return nil, fmt.Errorf("decode input wav: %w", err)
		}
		in := newEOFInput(capture.NewPCMInput(bytes.NewReader(pcm), rate))
		stream.Audio = in
		inputDone = in.done
		inputRate = rate
	}
	if len(cfg.images) > 0 {
		src, err := capture.LoadImageSource(cfg.images...)
		if err != nil {
			return nil, fmt.Errorf("load images: %w", err)
		}
		stream.Video = src
	}

	timeline := playback.NewTimeline(cfg.playbackRate)
	sched := playback.NewScheduler(timeline, cfg.playbackRate)
	replies := &replyResampler{to: cfg.playbackRate}

	var target transport.Target = transport.RelayTarget{URL: cfg.relayURL}
	if dialer != nil {
		target = transport.DirectTarget{Dialer: dialer, ResponseModalities: []string{"AUDIO"}}
	}
	var opts []transport.Option
	if metrics != nil {
		opts = append(opts, transport.WithMetrics(metrics))
	}
	if cfg.toolLimit > 0 {
		opts = append(opts, transport.WithToolCallLimiter(ratelimit.NewSlidingWindow(cfg.toolLimit, cfg.toolWindow)))
	}

	closed := make(chan struct{})
	var closeOnce sync.Once
	var tr *transport.Transport
	handler := func(ev transport.Event) {
		switch ev.Kind {
		case transport.EventAudio:
			pcm, err := replies.convert(ev.Audio, audio.RateFromMIME(ev.MIMEType, cfg.playbackRate))
			if err != nil {
				fmt.Fprintf(os.Stderr, "livecall: resample reply: %v\n", err)
				return
			}
			if _, err := sched.Enqueue(pcm); err != nil {
				fmt.Fprintf(os.Stderr, "livecall: schedule audio: %v\n", err)
				return
			}
			sum.audioReceived.Add(int64(len(ev.Audio)))
		case transport.EventInterrupted:
			sum.interruptions.Add(1)
			sched.StopAll()
		case transport.EventToolCall:
			sum.toolCalls.Add(1)
			if cfg.verbose {
				fmt.Printf("livecall: tool call %s(%v)\n", ev.ToolCall.Name, ev.ToolCall.Args)
			}
			tr.SendToolResponse(ev.ToolCall.ID, ev.ToolCall.Name, map[string]any{"ok": true})
		case transport.EventTurnComplete:
			if cfg.verbose {
				fmt.Println("livecall: turn complete")
			}
		case transport.EventError:
			fmt.Fprintf(os.Stderr, "livecall: session error: %v\n", ev.Err)
		case transport.EventClose:
			sum.closeCode, sum.closeReason = ev.Code, ev.Reason
			closeOnce.Do(func() { close(closed) })
		}
	}

	var err error
	tr, err = transport.New(transport.SessionConfig{
		Target:            target,
		Model:             cfg.model,
		SystemInstruction: cfg.instruction,
		Tools:             cfg.tools,
	}, handler, opts...)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	if err := tr.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("livecall: session open (%s)\n", describeTarget(cfg))
	}
	if cfg.text != "" {
		tr.SendText(cfg.text)
	}

	contexts := capture.NewContextManager(nil)
	var actx capture.AudioContext
	if stream.Audio != nil {
		actx, err = contexts.Acquire(inputRate)
		if err != nil {
			return nil, fmt.Errorf("audio context: %w", err)
		}
		defer func() { _ = contexts.Release(actx) }()
	}

	mime := audio.PCMMimeType(cfg.sendRate)
	var mic *audio.Resampler
	if stream.Audio != nil {
		if mic, err = audio.NewResampler(inputRate, cfg.sendRate); err != nil {
			return nil, err
		}
	}
	stopCapture, err := capture.Start(stream, actx, capture.Options{FrameInterval: cfg.frameInterval},
		func(block []float32) {
			out, err := mic.Process(block)
			if err != nil || len(out) == 0 {
				return
			}
			sum.chunksSent.Add(1)
			tr.SendMedia(audio.EncodePCM16(out), mime)
		},
		func(frame string) {
			raw, err := base64.StdEncoding.DecodeString(frame)
			if err != nil {
				return
			}
			sum.framesSent.Add(1)
			tr.SendMedia(raw, "image/jpeg")
		},
	)
	if err != nil {
		return nil, err
	}
	defer stopCapture()

	// Without microphone input, frames and text stream for the linger window.
	if inputDone != nil {
		select {
		case <-inputDone:
		case <-closed:
		case <-ctx.Done():
		}
	}
	timer := time.NewTimer(cfg.linger)
	select {
	case <-timer.C:
	case <-closed:
	case <-ctx.Done():
	}
	timer.Stop()

	stopCapture()
	_ = tr.Close()
	select {
	case <-closed:
	case <-time.After(time.Second):
	}

	if cfg.outputWAV != "" {
		if err := audio.WriteWAVFile(cfg.outputWAV, timeline.PCM(), timeline.SampleRate()); err != nil {
			return sum, fmt.Errorf("write output: %w", err)
		}
	}
	return sum, nil
}

func describeTarget(cfg options) string {
	if cfg.direct != "" {
		return "direct " + cfg.direct
	}
	return cfg.relayURL
}

// replyResampler converts model audio to the reply track rate, rebuilding
// its filter when the incoming rate changes.
type replyResampler struct {
	to   int
	from int
	rs   *audio.Resampler
}

func (r *replyResampler) convert(pcm []byte, from int) ([]byte, error) {
	if from == r.to {
		return pcm, nil
	}
	if r.rs == nil || r.from != from {
		rs, err := audio.NewResampler(from, r.to)
		if err != nil {
			return nil, err
		}
		r.rs, r.from = rs, from
	}
	out, err := r.rs.Process(audio.DecodePCM16(pcm))
	if err != nil {
		return nil, err
	}
	return audio.EncodePCM16(out), nil
}

// eofInput closes done once the wrapped input is exhausted.
type eofInput struct {
	capture.AudioInput
	done chan struct{}
	once sync.Once
}

func newEOFInput(in capture.AudioInput) *eofInput {
	return &eofInput{AudioInput: in, done: make(chan struct{})}
}

func (e *eofInput) ReadBlock(buf []float32) (int, error) {
	n, err := e.AudioInput.ReadBlock(buf)
	if err == io.EOF {
		e.once.Do(func() { close(e.done) })
	}
	return n, err
}
