package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/ent0n29/avatarcore/internal/audio"
	"github.com/ent0n29/avatarcore/internal/reliability"
)

var errEmptyPollyAudio = &reliability.CallError{Capability: NameSynthesize, Reason: reliability.ReasonEmpty, Retryable: true, Err: errors.New("polly returned no audio")}

const pollySampleRate = 16000

type pollyClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type PollyConfig struct {
	Region  string
	VoiceID string
	Engine  string
}

// PollySynthesizer renders speech with Amazon Polly. PCM output is wrapped in
// a WAV container so callers always receive a playable clip.
type PollySynthesizer struct {
	mu     sync.Mutex
	client pollyClient
	cfg    PollyConfig
}

func NewPollySynthesizer(cfg PollyConfig) *PollySynthesizer {
	return newPollyWithClient(cfg, nil)
}

func newPollyWithClient(cfg PollyConfig, client pollyClient) *PollySynthesizer {
	cfg.Region = defaultString(cfg.Region, "us-east-1")
	cfg.VoiceID = defaultString(cfg.VoiceID, "Joanna")
	cfg.Engine = defaultString(cfg.Engine, "neural")
	return &PollySynthesizer{client: client, cfg: cfg}
}

func (p *PollySynthesizer) Synthesize(ctx context.Context, req SpeechRequest) (Speech, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Speech{}, &reliability.CallError{Capability: NameSynthesize, Reason: reliability.ReasonClient, Err: errors.New("empty text")}
	}
	client, err := p.resolveClient(ctx)
	if err != nil {
		return Speech{}, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	voice := p.cfg.VoiceID
	// Cloned voice ids are not Polly voices; only named voices pass through.
	if v := strings.TrimSpace(req.VoiceID); v != "" && v != "default" && !strings.Contains(v, "_") {
		voice = v
	}
	rate := fmt.Sprintf("%d", pollySampleRate)

	out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   &rate,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice),
	})
	if err != nil {
		return Speech{}, normalizePollyError(err)
	}
	if out == nil || out.AudioStream == nil {
		return Speech{}, errEmptyPollyAudio
	}
	defer out.AudioStream.Close()

	pcm, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return Speech{}, normalizePollyError(err)
	}
	if len(pcm) == 0 {
		return Speech{}, errEmptyPollyAudio
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, pollySampleRate)
	if err != nil {
		return Speech{}, err
	}
	return Speech{
		AudioURL: "/generated/audio/" + shortDigest(voice+"|"+text) + ".wav",
		Audio:    wav,
		Format:   "wav",
	}, nil
}

func (p *PollySynthesizer) resolveClient(ctx context.Context) (pollyClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}

func normalizePollyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			return &reliability.CallError{Capability: NameSynthesize, Reason: reliability.ReasonOverload, Retryable: true, Err: err}
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException":
			return &reliability.CallError{Capability: NameSynthesize, Reason: reliability.ReasonClient, Err: err}
		default:
			return &reliability.CallError{Capability: NameSynthesize, Reason: reliability.ReasonUpstream, Retryable: true, Err: err}
		}
	}
	return &reliability.CallError{Capability: NameSynthesize, Reason: reliability.ReasonTransport, Retryable: true, Err: err}
}
