// internal/browser/session/images.go
package session

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png" // screenshots arrive as PNG

	"golang.org/x/image/draw"
)

// optimizeImage re-encodes a screenshot as a JPEG at the given quality,
// flattening any transparency onto white.
func optimizeImage(src []byte, quality int) ([]byte, error) {
	img, err := decodeImage(src)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(canvas, canvas.Bounds(), img, b.Min, draw.Over)
	return encodeJPEG(canvas, quality)
}

// makeThumbnail scales a screenshot so its longest side is at most maxSide.
// Images that already fit are not enlarged.
func makeThumbnail(src []byte, maxSide, quality int) ([]byte, error) {
	if maxSide <= 0 {
		return nil, fmt.Errorf("invalid thumbnail size %d", maxSide)
	}
	img, err := decodeImage(src)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), maxSide)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return encodeJPEG(dst, quality)
}

// fitWithin returns w×h scaled so neither side exceeds maxSide.
func fitWithin(w, h, maxSide int) (int, int) {
	if w <= maxSide && h <= maxSide {
		return w, h
	}
	if w >= h {
		return maxSide, max(1, h*maxSide/w)
	}
	return max(1, w*maxSide/h), maxSide
}

func decodeImage(src []byte) (image.Image, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("image has no pixels")
	}
	return img, nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	quality = min(max(quality, 1), 100)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
