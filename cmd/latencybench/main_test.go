package main

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/avatarcore/internal/audio"
)

func TestChunkWAVSplitsIntoPlayableChunks(t *testing.T) {
	// 500ms of 16kHz mono silence in 200ms chunks: 200, 200, 100.
	pcm := make([]byte, 16000)
	wav, err := audio.EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}

	chunks, err := chunkWAV(wav, 200)
	if err != nil {
		t.Fatalf("chunkWAV() error = %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	wantMS := []time.Duration{200, 200, 100}
	for i, chunk := range chunks {
		raw, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			t.Fatalf("chunk %d not base64: %v", i, err)
		}
		f, err := audio.ParseWAVHeader(raw)
		if err != nil {
			t.Fatalf("chunk %d ParseWAVHeader() error = %v", i, err)
		}
		if f.SampleRate != 16000 || f.Duration() != wantMS[i]*time.Millisecond {
			t.Fatalf("chunk %d format = %+v duration %v, want 16kHz %v", i, f, f.Duration(), wantMS[i]*time.Millisecond)
		}
	}
}

func TestChunkWAVRejectsNonWAV(t *testing.T) {
	if _, err := chunkWAV(bytes.Repeat([]byte{1}, 64), 200); err == nil {
		t.Fatalf("chunkWAV() on raw bytes succeeded, want error")
	}
}

func TestWSURLFor(t *testing.T) {
	got, err := wsURLFor("https://avatars.example.com/base/")
	if err != nil {
		t.Fatalf("wsURLFor() error = %v", err)
	}
	if got != "wss://avatars.example.com/base/ws" {
		t.Fatalf("wsURLFor() = %q", got)
	}
	if _, err := wsURLFor("ftp://host"); err == nil {
		t.Fatalf("wsURLFor(ftp) succeeded, want error")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []time.Duration{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	if got := percentile(sorted, 0.50); got != 50 {
		t.Fatalf("p50 = %v, want 50", got)
	}
	if got := percentile(sorted, 0.95); got != 100 {
		t.Fatalf("p95 = %v, want 100", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("percentile(nil) = %v, want 0", got)
	}
}

func TestSummarizeCountsCachedTurns(t *testing.T) {
	out := summarize([]turnResult{
		{firstReply: 300 * time.Millisecond},
		{firstReply: 5 * time.Millisecond, cached: true},
	})
	if !strings.Contains(out, "turns=2 cached=1") || !strings.Contains(out, "max=300ms") {
		t.Fatalf("summarize() = %q", out)
	}
}

func TestParseFlagsValidates(t *testing.T) {
	cfg, err := parseFlags([]string{"-texts", " a | | b ", "-turns", "3"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if len(cfg.texts) != 2 || cfg.texts[1] != "b" || cfg.turns != 3 {
		t.Fatalf("parsed = %+v", cfg)
	}
	if _, err := parseFlags([]string{"-turns", "0"}); err == nil {
		t.Fatalf("parseFlags(turns=0) succeeded, want error")
	}
}
