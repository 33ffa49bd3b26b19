package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarcore/internal/audio"
	"github.com/ent0n29/avatarcore/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	avatarID       string
	turns          int
	chunkMS        int
	audioFile      string
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type inbound struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId,omitempty"`
	MessageType string `json:"messageType,omitempty"`
	Content     string `json:"content,omitempty"`
	Cached      bool   `json:"cached,omitempty"`
	Canned      bool   `json:"canned,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// turnResult is the client-observed timing of one turn.
type turnResult struct {
	firstReply time.Duration
	complete   time.Duration
	cached     bool
}

var defaultUtterances = []string{
	"What can you tell me about yourself?",
	"Explain how you handle a long conversation.",
	"What can you tell me about yourself?",
	"Thanks a lot!",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "latencybench: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "latencybench: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS, turnTimeoutMS int

	fs := flag.NewFlagSet("latencybench", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:3003", "avatarcore base URL")
	fs.StringVar(&cfg.userID, "user-id", "latency-bench", "userId for the synthetic session")
	fs.StringVar(&cfg.avatarID, "avatar-id", "default", "avatarId for the synthetic session")
	fs.IntVar(&cfg.turns, "turns", 8, "number of turns to replay")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 250, "audio chunk size in milliseconds when -audio-file is set")
	fs.StringVar(&cfg.audioFile, "audio-file", "", "optional mono PCM16 WAV streamed as stream_audio chunks instead of text turns")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 150, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 10000, "timeout waiting for the emotion frame closing a turn")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print per-turn progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 20 || cfg.chunkMS > 5000 {
		return options{}, fmt.Errorf("chunk-ms must be in [20,5000]")
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
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var chunks []string
	if cfg.audioFile != "" {
		raw, err := os.ReadFile(cfg.audioFile)
		if err != nil {
			return fmt.Errorf("read audio file: %w", err)
		}
		chunks, err = chunkWAV(raw, cfg.chunkMS)
		if err != nil {
			return fmt.Errorf("prepare audio chunks: %w", err)
		}
	}

	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	frames := make(chan inbound, 64)
	readErr := make(chan error, 1)
	go readLoop(conn, frames, readErr, cfg.verbose)

	setupStart := time.Now()
	if err := conn.WriteJSON(map[string]any{
		"type":     protocol.TypeStartSession,
		"userId":   cfg.userID,
		"avatarId": cfg.avatarID,
	}); err != nil {
		return fmt.Errorf("send start_session: %w", err)
	}
	started, err := await(frames, readErr, cfg.turnTimeout, string(protocol.TypeSessionStarted))
	if err != nil {
		return fmt.Errorf("await session_started: %w", err)
	}
	sessionID := started.SessionID
	if cfg.verbose {
		fmt.Printf("latencybench: session=%s setup=%s turns=%d\n", sessionID, time.Since(setupStart).Round(time.Millisecond), cfg.turns)
	}
	defer func() {
		_ = conn.WriteJSON(map[string]any{"type": protocol.TypeEndSession, "sessionId": sessionID})
	}()

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		start := time.Now()
		if len(chunks) > 0 {
			err = sendAudioTurn(conn, sessionID, chunks, i)
		} else {
			err = conn.WriteJSON(map[string]any{
				"type":      protocol.TypeMessage,
				"sessionId": sessionID,
				"content":   cfg.texts[i%len(cfg.texts)],
			})
		}
		if err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		res, err := awaitTurn(frames, readErr, cfg.turnTimeout, start)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		results = append(results, res)
		if cfg.verbose {
			fmt.Printf("latencybench: turn %d/%d reply=%s done=%s cached=%t\n", i+1, cfg.turns,
				res.firstReply.Round(time.Millisecond), res.complete.Round(time.Millisecond), res.cached)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	fmt.Println(summarize(results))
	return nil
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
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, frames chan<- inbound, readErr chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var f inbound
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type == string(protocol.TypeError) && verbose {
			fmt.Fprintf(os.Stderr, "latencybench: error code=%s message=%s\n", f.Code, f.Message)
		}
		frames <- f
	}
}

func await(frames <-chan inbound, readErr <-chan error, timeout time.Duration, typ string) (inbound, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case f := <-frames:
			if f.Type == typ {
				return f, nil
			}
			if f.Type == string(protocol.TypeError) {
				return inbound{}, fmt.Errorf("server error %s: %s", f.Code, f.Message)
			}
		case err := <-readErr:
			return inbound{}, err
		case <-timer.C:
			return inbound{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

// awaitTurn waits for the assistant message and the emotion frame that ends
// the turn.
func awaitTurn(frames <-chan inbound, readErr <-chan error, timeout time.Duration, start time.Time) (turnResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var res turnResult
	for {
		select {
		case f := <-frames:
			switch {
			case f.Type == string(protocol.TypeMessage) && f.MessageType == "assistant":
				res.firstReply = time.Since(start)
				res.cached = f.Cached || f.Canned
			case f.Type == string(protocol.TypeEmotion) && res.firstReply > 0:
				res.complete = time.Since(start)
				return res, nil
			case f.Type == string(protocol.TypeError):
				return res, fmt.Errorf("server error %s: %s", f.Code, f.Message)
			}
		case err := <-readErr:
			return res, err
		case <-timer.C:
			return res, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func sendAudioTurn(conn *websocket.Conn, sessionID string, chunks []string, turn int) error {
	for i, chunk := range chunks {
		if err := conn.WriteJSON(map[string]any{
			"type":       protocol.TypeStreamAudio,
			"sessionId":  sessionID,
			"audioChunk": chunk,
			"sequence":   turn*len(chunks) + i + 1,
		}); err != nil {
			return err
		}
	}
	return nil
}

// chunkWAV splits a mono PCM16 WAV into base64 WAV chunks of chunkMS each.
func chunkWAV(raw []byte, chunkMS int) ([]string, error) {
	f, err := audio.ParseWAVHeader(raw)
	if err != nil {
		return nil, err
	}
	if f.AudioFormat != 1 || f.BitsPerSample != 16 || f.Channels != 1 {
		return nil, fmt.Errorf("want mono PCM16 wav, got format=%d bits=%d channels=%d", f.AudioFormat, f.BitsPerSample, f.Channels)
	}
	end := f.DataOffset + int(f.DataBytes)
	if end > len(raw) {
		end = len(raw)
	}
	pcm := raw[f.DataOffset:end]
	step := int(f.SampleRate) * 2 * chunkMS / 1000
	step -= step % 2
	if step <= 0 {
		return nil, fmt.Errorf("invalid chunk size for sample rate %d", f.SampleRate)
	}

	var out []string
	for off := 0; off < len(pcm); off += step {
		stop := min(off+step, len(pcm))
		stop -= (stop - off) % 2
		if stop <= off {
			break
		}
		wav, err := audio.EncodeWAVPCM16LE(pcm[off:stop], int(f.SampleRate))
		if err != nil {
			return nil, err
		}
		out = append(out, base64.StdEncoding.EncodeToString(wav))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("wav carries no samples")
	}
	return out, nil
}

func summarize(results []turnResult) string {
	if len(results) == 0 {
		return "latencybench: no turns completed"
	}
	replies := make([]time.Duration, 0, len(results))
	cached := 0
	for _, r := range results {
		replies = append(replies, r.firstReply)
		if r.cached {
			cached++
		}
	}
	slices.Sort(replies)
	return fmt.Sprintf("latencybench: turns=%d cached=%d p50=%s p95=%s max=%s",
		len(results), cached,
		percentile(replies, 0.50).Round(time.Millisecond),
		percentile(replies, 0.95).Round(time.Millisecond),
		replies[len(replies)-1].Round(time.Millisecond),
	)
}

// percentile expects sorted input and uses the nearest-rank method.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted)) + 0.999999)
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}
