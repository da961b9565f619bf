package driver

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/fogleman/gg"
)

// maxSegments bounds the scroll loop on pages that keep growing.
const maxSegments = 200

const pageMetricsScript = `return {
	height: Math.max(document.body.scrollHeight, document.documentElement.scrollHeight),
	viewport: window.innerHeight
};`

const scrollToScript = `window.scrollTo(0, arguments[0]); return window.pageYOffset;`

// scrollCapturer is what stitching needs from a session.
type scrollCapturer interface {
	ExecuteScript(ctx context.Context, script string, args ...any) (any, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

type segment struct {
	offset float64
	img    image.Image
}

// stitchFullPage scrolls through the page one viewport at a time and draws
// the viewport captures onto a single canvas. It serves clients whose
// protocol has no full page capture.
func stitchFullPage(ctx context.Context, d scrollCapturer) ([]byte, error) {
	raw, err := d.ExecuteScript(ctx, pageMetricsScript)
	if err != nil {
		return nil, fmt.Errorf("driver: page metrics: %w", err)
	}
	metrics, _ := raw.(map[string]any)
	pageHeight := toFloat(metrics["height"])
	viewport := toFloat(metrics["viewport"])
	if pageHeight <= 0 || viewport <= 0 {
		return nil, fmt.Errorf("driver: page reported no scrollable size")
	}

	var segments []segment
	next := 0.0
	for len(segments) < maxSegments {
		got, err := d.ExecuteScript(ctx, scrollToScript, next)
		if err != nil {
			return nil, fmt.Errorf("driver: scroll to %.0f: %w", next, err)
		}
		offset := toFloat(got)

		shot, err := d.Screenshot(ctx)
		if err != nil {
			return nil, err
		}
		img, err := png.Decode(bytes.NewReader(shot))
		if err != nil {
			return nil, fmt.Errorf("driver: decode segment: %w", err)
		}

		// The browser clamps the last scroll; a repeated offset means the
		// bottom was reached.
		if n := len(segments); n > 0 && offset <= segments[n-1].offset {
			break
		}
		segments = append(segments, segment{offset: offset, img: img})
		if offset+viewport >= pageHeight {
			break
		}
		next = offset + viewport
	}

	if _, err := d.ExecuteScript(ctx, scrollToScript, 0); err != nil {
		return nil, fmt.Errorf("driver: scroll back: %w", err)
	}
	return compose(segments, pageHeight, viewport)
}

func compose(segments []segment, pageHeight, viewport float64) ([]byte, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("driver: nothing captured")
	}
	first := segments[0].img.Bounds()
	// Screenshots are in device pixels while offsets are in CSS pixels.
	scale := float64(first.Dy()) / viewport
	height := int(math.Ceil(pageHeight * scale))
	if last := segments[len(segments)-1]; int(last.offset*scale)+last.img.Bounds().Dy() > height {
		height = int(last.offset*scale) + last.img.Bounds().Dy()
	}

	dc := gg.NewContext(first.Dx(), height)
	for _, s := range segments {
		dc.DrawImage(s.img, 0, int(math.Round(s.offset*scale)))
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("driver: encode stitched page: %w", err)
	}
	return buf.Bytes(), nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
