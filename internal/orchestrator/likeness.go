package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/ent0n29/avatarcore/internal/capability"
	"github.com/ent0n29/avatarcore/internal/fanout"
	"github.com/ent0n29/avatarcore/internal/jobs"
)

const (
	likenessEstimate     = "2-3 minutes"
	likenessSize         = 512
	likenessVariations   = 3
	likenessModelVersion = "1.0"
)

var likenessExpressions = []string{"neutral", "smiling", "talking", "thoughtful"}

var errNoVariations = errors.New("no base avatar variations rendered")

type LikenessOptions struct {
	Style      string `json:"style,omitempty"`
	Background string `json:"background,omitempty"`
	Lighting   string `json:"lighting,omitempty"`
}

type LikenessRequest struct {
	UserID  string
	Image   []byte
	Options LikenessOptions
}

type FacialStructure struct {
	Jawline    string `json:"jawline"`
	Cheekbones string `json:"cheekbones"`
	Nose       string `json:"nose"`
	Lips       string `json:"lips"`
}

type FaceFeatures struct {
	FaceShape       string          `json:"faceShape"`
	EyeColor        string          `json:"eyeColor"`
	SkinTone        string          `json:"skinTone"`
	HairColor       string          `json:"hairColor"`
	FacialStructure FacialStructure `json:"facialStructure"`
	UniqueFeatures  []string        `json:"uniqueFeatures"`
	Brightness      float64         `json:"brightness"`
	Confidence      float64         `json:"confidence"`
}

type AvatarVariation struct {
	Variation int    `json:"variation"`
	ImageURL  string `json:"imageUrl"`
	Prompt    string `json:"prompt"`
}

type ExpressionAvatar struct {
	Expression string `json:"expression"`
	ImageURL   string `json:"imageUrl"`
}

type LikenessMetadata struct {
	OriginalImageSize int    `json:"originalImageSize"`
	OriginalWidth     int    `json:"originalWidth"`
	OriginalHeight    int    `json:"originalHeight"`
	ProcessingTimeMS  int64  `json:"processingTimeMs"`
	ModelVersion      string `json:"modelVersion"`
}

type LikenessModel struct {
	JobID        string             `json:"jobId"`
	UserID       string             `json:"userId"`
	FaceFeatures FaceFeatures       `json:"faceFeatures"`
	BaseAvatars  []AvatarVariation  `json:"baseAvatars"`
	Expressions  []ExpressionAvatar `json:"expressions"`
	Accuracy     float64            `json:"accuracy"`
	CreatedAt    time.Time          `json:"createdAt"`
	Metadata     LikenessMetadata   `json:"metadata"`
}

// StartLikeness accepts a portrait and builds a likeness model in the
// background.
func (e *Engine) StartLikeness(_ context.Context, req LikenessRequest) (JobTicket, error) {
	if strings.TrimSpace(req.UserID) == "" || len(req.Image) == 0 {
		return JobTicket{}, fmt.Errorf("%w: userId and image file required", ErrInvalidInput)
	}
	userID := strings.TrimSpace(req.UserID)
	return e.startJob(jobs.KindLikeness, userID, "Likeness generation started", likenessEstimate, nil,
		func(ctx context.Context, jobID string) (any, error) {
			return e.runLikeness(ctx, jobID, userID, req)
		})
}

func (e *Engine) runLikeness(ctx context.Context, jobID, userID string, req LikenessRequest) (LikenessModel, error) {
	start := time.Now()

	e.advance(jobID, jobs.StageExtractingFeatures, 10, "Extracting face features")
	features, bounds, err := extractFaceFeatures(req.Image)
	if err != nil {
		return LikenessModel{}, err
	}

	e.advance(jobID, jobs.StageAnalyzingFeatures, 30, "Analyzing features")
	prompt := likenessPrompt(features, req.Options)

	e.advance(jobID, jobs.StageGeneratingBaseAvatar, 50, "Generating base avatar")
	branches := make([]fanout.Branch, likenessVariations)
	for i := range branches {
		variationPrompt := fmt.Sprintf("%s, variation %d, slightly different angle", prompt, i+1)
		branches[i] = e.imageBranch(fmt.Sprintf("variation-%d", i+1), capability.ImageRequest{
			Prompt:  variationPrompt,
			Size:    "1024x1024",
			Quality: "ultra",
			Style:   "photorealistic",
		})
	}
	done := 0
	outcomes := fanout.RunWith(ctx, fanout.Options{
		Timeout: e.cfg.StageTimeout,
		Limit:   e.cfg.StageFanout,
		OnDone: func(o fanout.Outcome) {
			done++
			e.advance(jobID, jobs.VariationStage(done), 50+(done-1)*15, subItemMessage(o))
		},
	}, branches...)
	var variations []AvatarVariation
	for i, o := range outcomes {
		img, ok := fanout.Value[capability.Image](o)
		if !ok {
			continue
		}
		variations = append(variations, AvatarVariation{
			Variation: i + 1,
			ImageURL:  img.URL,
			Prompt:    fmt.Sprintf("%s, variation %d, slightly different angle", prompt, i+1),
		})
	}

	e.advance(jobID, jobs.StageCreatingExpressions, 85, "Creating expressions")
	branches = make([]fanout.Branch, len(likenessExpressions))
	for i, expr := range likenessExpressions {
		branches[i] = e.imageBranch(expr, capability.ImageRequest{
			Prompt:  fmt.Sprintf("%s, %s expression, natural pose", prompt, expr),
			Size:    "1024x1024",
			Quality: "high",
			Style:   "photorealistic",
		})
	}
	outcomes = fanout.RunWith(ctx, fanout.Options{
		Timeout: e.cfg.StageTimeout,
		Limit:   e.cfg.StageFanout,
		OnDone: func(o fanout.Outcome) {
			e.advance(jobID, jobs.StageCreatingExpressions, 85, subItemMessage(o))
		},
	}, branches...)
	var expressions []ExpressionAvatar
	for i, o := range outcomes {
		if img, ok := fanout.Value[capability.Image](o); ok {
			expressions = append(expressions, ExpressionAvatar{Expression: likenessExpressions[i], ImageURL: img.URL})
		}
	}

	e.advance(jobID, jobs.StageFinalizing, 95, "Finalizing")
	if len(variations) == 0 {
		return LikenessModel{}, errNoVariations
	}
	model := LikenessModel{
		JobID:        jobID,
		UserID:       userID,
		FaceFeatures: features,
		BaseAvatars:  variations,
		Expressions:  expressions,
		Accuracy:     likenessAccuracy(features),
		CreatedAt:    e.clock.Now(),
		Metadata: LikenessMetadata{
			OriginalImageSize: len(req.Image),
			OriginalWidth:     bounds.Dx(),
			OriginalHeight:    bounds.Dy(),
			ProcessingTimeMS:  time.Since(start).Milliseconds(),
			ModelVersion:      likenessModelVersion,
		},
	}
	e.artifacts.likeness.Add(userID, model)
	return model, nil
}

func (e *Engine) imageBranch(name string, req capability.ImageRequest) fanout.Branch {
	return fanout.Branch{Name: name, Call: func(ctx context.Context) (any, error) {
		return invoke(ctx, e, capability.NameImage, 0, func(ctx context.Context) (capability.Image, error) {
			return e.caps.Images.GenerateImage(ctx, req)
		})
	}}
}

func subItemMessage(o fanout.Outcome) string {
	if o.OK() {
		return "Rendered " + o.Name
	}
	return "Skipped " + o.Name + ": " + o.Err.Error()
}

// extractFaceFeatures normalises the portrait to a square crop and derives
// coarse appearance attributes from its luminance.
func extractFaceFeatures(raw []byte) (FaceFeatures, image.Rectangle, error) {
	src, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return FaceFeatures{}, image.Rectangle{}, fmt.Errorf("failed to extract face features: %w", err)
	}
	bounds := src.Bounds()
	square := imaging.Fill(src, likenessSize, likenessSize, imaging.Center, imaging.Lanczos)

	overall := meanLuminance(square, square.Bounds())
	hair := meanLuminance(square, image.Rect(0, 0, likenessSize, likenessSize/5))
	face := meanLuminance(square, image.Rect(likenessSize/4, likenessSize/4, likenessSize*3/4, likenessSize*3/4))

	features := FaceFeatures{
		FaceShape: "oval",
		EyeColor:  "brown",
		SkinTone:  toneFor(face),
		HairColor: hairFor(hair),
		FacialStructure: FacialStructure{
			Jawline:    "defined",
			Cheekbones: "high",
			Nose:       "straight",
			Lips:       "medium",
		},
		UniqueFeatures: []string{},
		Brightness:     math.Round(overall*1000) / 1000,
		Confidence:     0.85,
	}
	if h, w := bounds.Dy(), bounds.Dx(); w > 0 && float64(h)/float64(w) > 1.4 {
		features.FaceShape = "oblong"
	}
	if overall < 0.15 || overall > 0.9 {
		// Badly exposed portraits give weaker features.
		features.Confidence = 0.6
	}
	return features, bounds, nil
}

// meanLuminance is the average Rec. 601 luma of rect in [0,1].
func meanLuminance(img *image.NRGBA, rect image.Rectangle) float64 {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return 0
	}
	var sum float64
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			i := img.PixOffset(x, y)
			r, g, b := float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2])
			sum += 0.299*r + 0.587*g + 0.114*b
		}
	}
	return sum / float64(rect.Dx()*rect.Dy()) / 255
}

func toneFor(l float64) string {
	switch {
	case l < 0.35:
		return "dark"
	case l < 0.65:
		return "medium"
	default:
		return "light"
	}
}

func hairFor(l float64) string {
	switch {
	case l < 0.3:
		return "dark"
	case l < 0.6:
		return "brown"
	default:
		return "light"
	}
}

func likenessPrompt(f FaceFeatures, opts LikenessOptions) string {
	style := defaultIfEmpty(opts.Style, "professional")
	background := defaultIfEmpty(opts.Background, "studio")
	lighting := defaultIfEmpty(opts.Lighting, "soft")

	var b strings.Builder
	b.WriteString("Photorealistic portrait of a person with ")
	fmt.Fprintf(&b, "%s face shape, %s jawline, %s cheekbones, %s nose, %s lips. ",
		f.FaceShape, f.FacialStructure.Jawline, f.FacialStructure.Cheekbones, f.FacialStructure.Nose, f.FacialStructure.Lips)
	fmt.Fprintf(&b, "%s skin tone, %s hair, %s eyes. ", f.SkinTone, f.HairColor, f.EyeColor)
	fmt.Fprintf(&b, "%s style, %s background, %s lighting, ", style, background, lighting)
	b.WriteString("high detail, ultra realistic, 8k, professional photography, perfect likeness, identical features, same person")
	return b.String()
}

func likenessAccuracy(f FaceFeatures) float64 {
	accuracy := 0.75
	if f.Confidence > 0.8 {
		accuracy += 0.1
	}
	if len(f.UniqueFeatures) > 0 {
		accuracy += 0.05
	}
	if f.FacialStructure.Jawline == "defined" {
		accuracy += 0.03
	}
	if f.FacialStructure.Cheekbones == "high" {
		accuracy += 0.02
	}
	return math.Min(math.Round(accuracy*100)/100, 0.98)
}

func defaultIfEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
