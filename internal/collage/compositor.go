// Package collage turns batches of previously posted photos into single
// story images: a 3x3 grid composite uploaded to an image host.
package collage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

const (
	gridCols = 3
	gridRows = 3
	cellW    = 360
	padding  = 12

	// Cell aspect (width/height) is the clamped average of the inputs:
	// between 4:5 portrait and 1:1 square.
	minAspect = 0.8
	maxAspect = 1.0

	jpegQuality = 90
)

// Compositor downloads images and renders the 3x3 grid.
type Compositor struct {
	http *http.Client
	log  logx.Logger
}

func NewCompositor(log logx.Logger) *Compositor {
	return &Compositor{
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}
}

// Build fetches exactly 9 images and returns the composed JPEG.
func (c *Compositor) Build(ctx context.Context, urls []string) ([]byte, error) {
	if len(urls) != gridCols*gridRows {
		return nil, fmt.Errorf("collage: need %d images, got %d", gridCols*gridRows, len(urls))
	}

	imgs := make([]image.Image, len(urls))
	aspectSum := 0.0
	for i, u := range urls {
		img, err := c.fetch(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("collage: image %d: %w", i, err)
		}
		imgs[i] = img
		b := img.Bounds()
		if b.Dy() > 0 {
			aspectSum += float64(b.Dx()) / float64(b.Dy())
		}
	}

	aspect := aspectSum / float64(len(imgs))
	if aspect < minAspect {
		aspect = minAspect
	}
	if aspect > maxAspect {
		aspect = maxAspect
	}
	cellH := int(float64(cellW) / aspect)

	canvasW := gridCols*cellW + (gridCols+1)*padding
	canvasH := gridRows*cellH + (gridRows+1)*padding
	canvas := image.NewRGBA(image.Rect(0, 0, canvasW, canvasH))
	xdraw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, xdraw.Src)

	for i, img := range imgs {
		col, row := i%gridCols, i/gridCols
		x := padding + col*(cellW+padding)
		y := padding + row*(cellH+padding)
		cell := image.Rect(x, y, x+cellW, y+cellH)
		drawScaleCrop(canvas, cell, img)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("collage: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// drawScaleCrop scales src to cover dst and center-crops the overflow.
func drawScaleCrop(dst *image.RGBA, cell image.Rectangle, src image.Image) {
	sb := src.Bounds()
	if sb.Dx() == 0 || sb.Dy() == 0 {
		return
	}
	cellAspect := float64(cell.Dx()) / float64(cell.Dy())
	srcAspect := float64(sb.Dx()) / float64(sb.Dy())

	crop := sb
	if srcAspect > cellAspect {
		// Too wide: crop left/right.
		w := int(float64(sb.Dy()) * cellAspect)
		off := (sb.Dx() - w) / 2
		crop = image.Rect(sb.Min.X+off, sb.Min.Y, sb.Min.X+off+w, sb.Max.Y)
	} else if srcAspect < cellAspect {
		// Too tall: crop top/bottom.
		h := int(float64(sb.Dx()) / cellAspect)
		off := (sb.Dy() - h) / 2
		crop = image.Rect(sb.Min.X, sb.Min.Y+off, sb.Max.X, sb.Min.Y+off+h)
	}
	xdraw.CatmullRom.Scale(dst, cell, src, crop, xdraw.Src, nil)
}

func (c *Compositor) fetch(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	img, _, err := image.Decode(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	return img, nil
}
