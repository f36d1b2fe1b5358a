package preview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fogleman/gg"
	"github.com/go-resty/resty/v2"
	"github.com/golang/freetype/truetype"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

const (
	imageWidth      = 1200
	imageHeight     = 630
	headerHeight    = 120
	cardSize        = 140
	cardGap         = 20
	gridStartX      = 100
	gridStartY      = 180
	gridColumns     = 4
	maxCards        = 8
	avatarInset     = 10
	avatarTop       = 25
	avatarSize      = cardSize - 2*avatarInset
	nameMaxRunes    = 10
	unknownName     = "Unknown"
	defaultParallel = 4

	defaultAvatarTimeout = 5 * time.Second
	maxAvatarBytes       = 5 << 20
)

var (
	backgroundColor  = color.NRGBA{R: 0xf8, G: 0xf8, B: 0xf8, A: 0xff}
	headerTopColor   = color.NRGBA{R: 0xff, G: 0xcc, B: 0x66, A: 0xff}
	headerEndColor   = color.NRGBA{R: 0xff, G: 0x99, B: 0x33, A: 0xff}
	cardBorderColor  = color.NRGBA{R: 0xcc, G: 0xcc, B: 0xcc, A: 0xff}
	placeholderColor = color.NRGBA{R: 0xf0, G: 0xf0, B: 0xf0, A: 0xff}
	nameColor        = color.NRGBA{R: 0x00, G: 0x66, B: 0xcc, A: 0xff}
	handleColor      = color.NRGBA{R: 0x66, G: 0x66, B: 0x66, A: 0xff}
)

// Card is the data drawn on a preview image.
type Card struct {
	DisplayName string
	Entries     []CardEntry
}

// CardEntry is one slot on the card. Empty names render as placeholders.
type CardEntry struct {
	Slot        int
	DisplayName string
	Username    string
	AvatarURL   string
}

// ImageConfig configures avatar fetching.
type ImageConfig struct {
	HTTPClient    *http.Client
	AvatarTimeout time.Duration
	Parallelism   int
	Logger        *zap.Logger
}

// ImageRenderer draws 1200x630 PNG previews.
type ImageRenderer struct {
	http        *resty.Client
	parallelism int
	logger      *zap.Logger
	regular     *truetype.Font
	bold        *truetype.Font
}

// NewImageRenderer parses the embedded fonts and prepares the avatar client.
func NewImageRenderer(cfg ImageConfig) (*ImageRenderer, error) {
	regular, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("preview: parse regular font: %w", err)
	}
	bold, err := truetype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("preview: parse bold font: %w", err)
	}

	timeout := cfg.AvatarTimeout
	if timeout <= 0 {
		timeout = defaultAvatarTimeout
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var httpClient *resty.Client
	if cfg.HTTPClient != nil {
		httpClient = resty.NewWithClient(cfg.HTTPClient)
	} else {
		httpClient = resty.New()
	}
	httpClient.SetTimeout(timeout)

	return &ImageRenderer{
		http:        httpClient,
		parallelism: parallelism,
		logger:      logger,
		regular:     regular,
		bold:        bold,
	}, nil
}

// Render draws the card and encodes it as PNG. Avatar failures degrade to placeholders.
func (r *ImageRenderer) Render(ctx context.Context, card Card) ([]byte, error) {
	entries := append([]CardEntry(nil), card.Entries...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Slot < entries[j].Slot })
	if len(entries) > maxCards {
		entries = entries[:maxCards]
	}

	avatars := r.fetchAvatars(ctx, entries)

	dc := gg.NewContext(imageWidth, imageHeight)
	dc.SetColor(backgroundColor)
	dc.Clear()

	gradient := gg.NewLinearGradient(0, 0, 0, headerHeight)
	gradient.AddColorStop(0, headerTopColor)
	gradient.AddColorStop(1, headerEndColor)
	dc.SetFillStyle(gradient)
	dc.DrawRectangle(0, 0, imageWidth, headerHeight)
	dc.Fill()

	titleFace := r.face(r.bold, 48)
	defer titleFace.Close()
	dc.SetFontFace(titleFace)
	dc.SetColor(color.White)
	dc.DrawStringAnchored(card.DisplayName+"'s Top 8", imageWidth/2, 70, 0.5, 0)

	nameFace := r.face(r.bold, 12)
	defer nameFace.Close()
	handleFace := r.face(r.regular, 10)
	defer handleFace.Close()

	for index, entry := range entries {
		x := float64(gridStartX + (index%gridColumns)*(cardSize+cardGap))
		y := float64(gridStartY + (index/gridColumns)*(cardSize+cardGap))

		dc.SetColor(color.White)
		dc.DrawRectangle(x, y, cardSize, cardSize)
		dc.FillPreserve()
		dc.SetColor(cardBorderColor)
		dc.SetLineWidth(2)
		dc.Stroke()

		if avatars[index] != nil {
			dc.DrawImage(avatars[index], int(x)+avatarInset, int(y)+avatarTop)
		} else {
			dc.SetColor(placeholderColor)
			dc.DrawRectangle(x+avatarInset, y+avatarTop, avatarSize, avatarSize)
			dc.Fill()
		}

		displayName := entry.DisplayName
		if strings.TrimSpace(displayName) == "" {
			displayName = unknownName
		}
		dc.SetFontFace(nameFace)
		dc.SetColor(nameColor)
		dc.DrawStringAnchored(truncateRunes(displayName, nameMaxRunes), x+cardSize/2, y+cardSize-30, 0.5, 0)

		dc.SetFontFace(handleFace)
		dc.SetColor(handleColor)
		dc.DrawStringAnchored("@"+truncateRunes(entry.Username, nameMaxRunes), x+cardSize/2, y+cardSize-15, 0.5, 0)

		dc.SetColor(headerEndColor)
		dc.DrawCircle(x+15, y+15, 10)
		dc.Fill()
		dc.SetFontFace(nameFace)
		dc.SetColor(color.White)
		dc.DrawStringAnchored(strconv.Itoa(entry.Slot), x+15, y+19, 0.5, 0)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("preview: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *ImageRenderer) face(f *truetype.Font, size float64) font.Face {
	return truetype.NewFace(f, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
}

// fetchAvatars downloads and scales avatars concurrently; failed slots stay nil.
func (r *ImageRenderer) fetchAvatars(ctx context.Context, entries []CardEntry) []image.Image {
	avatars := make([]image.Image, len(entries))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.parallelism)

	for index, entry := range entries {
		avatarURL := strings.TrimSpace(entry.AvatarURL)
		if avatarURL == "" {
			continue
		}
		group.Go(func() error {
			avatar, err := r.fetchAvatar(groupCtx, avatarURL)
			if err != nil {
				r.logger.Debug("avatar fetch failed",
					zap.String("url", avatarURL),
					zap.Error(err))
				return nil
			}
			avatars[index] = avatar
			return nil
		})
	}
	_ = group.Wait()
	return avatars
}

func (r *ImageRenderer) fetchAvatar(ctx context.Context, avatarURL string) (image.Image, error) {
	response, err := r.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(avatarURL)
	if err != nil {
		return nil, err
	}
	body := response.RawBody()
	defer body.Close()

	if response.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("avatar status %d", response.StatusCode())
	}

	raw, err := io.ReadAll(io.LimitReader(body, maxAvatarBytes))
	if err != nil {
		return nil, err
	}
	decoded, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode avatar: %w", err)
	}
	return scaleSquare(decoded, avatarSize), nil
}

// scaleSquare center-crops to a square and resizes to size x size.
func scaleSquare(src image.Image, size int) image.Image {
	bounds := src.Bounds()
	side := bounds.Dx()
	if bounds.Dy() < side {
		side = bounds.Dy()
	}
	x0 := bounds.Min.X + (bounds.Dx()-side)/2
	y0 := bounds.Min.Y + (bounds.Dy()-side)/2
	crop := image.Rect(x0, y0, x0+side, y0+side)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Over, nil)
	return dst
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
