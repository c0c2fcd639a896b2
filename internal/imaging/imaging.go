// Package imaging generates image variants. Every operation is a pure
// function of its input bytes and parameters.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/HugoSmits86/nativewebp"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"imghost/internal/model"
)

// Output is an encoded variant.
type Output struct {
	Data   []byte
	Mime   string
	Width  int
	Height int
}

// Generator turns an original into one variant.
type Generator interface {
	Generate(original []byte, spec model.JobSpec) (*Output, error)
}

// Processor is the standard Generator.
type Processor struct {
	JPEGQuality int
}

func NewProcessor() *Processor {
	return &Processor{JPEGQuality: 85}
}

// Inspect returns the format name and dimensions without decoding pixels.
func Inspect(data []byte) (format string, width, height int, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", 0, 0, fmt.Errorf("failed to read image header: %w", err)
	}
	return format, cfg.Width, cfg.Height, nil
}

// MimeOf maps a decoder format name to its mime type.
func MimeOf(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	}
	return "application/octet-stream"
}

func (p *Processor) Generate(original []byte, spec model.JobSpec) (*Output, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch spec.Type {
	case model.JobResize:
		return p.resize(original, *spec.Resize)
	case model.JobConvert:
		return p.convert(original, spec.Convert.Format)
	case model.JobOptimize:
		return p.optimize(original)
	}
	return nil, fmt.Errorf("unknown job type %q", spec.Type)
}

func (p *Processor) resize(original []byte, params model.ResizeParams) (*Output, error) {
	src, format, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	b := src.Bounds()
	w, h := fitInside(b.Dx(), b.Dy(), params.Width, params.Height)

	var img image.Image = src
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		img = dst
	}

	target := params.Format
	if target == "" {
		target = format
	}
	return p.encode(img, outputFormat(target))
}

func (p *Processor) convert(original []byte, format string) (*Output, error) {
	switch format {
	case "jpeg", "jpg", "png", "gif", "webp":
	default:
		return nil, fmt.Errorf("unsupported target format %q", format)
	}
	src, _, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return p.encode(src, outputFormat(format))
}

// optimize recompresses without touching pixels and never returns more
// bytes than it was given.
func (p *Processor) optimize(original []byte) (*Output, error) {
	format, w, h, err := Inspect(original)
	if err != nil {
		return nil, err
	}
	out := &Output{Data: original, Mime: MimeOf(format), Width: w, Height: h}

	var candidate []byte
	switch format {
	case "jpeg":
		candidate, err = stripJPEGMetadata(original)
	case "gif":
		candidate, err = reencodeGIF(original)
	default:
		candidate, err = reencodePNG(original)
		if err == nil && format != "png" && len(candidate) < len(original) {
			out.Mime = "image/png"
		}
	}
	if err != nil {
		return nil, err
	}
	if len(candidate) < len(original) {
		out.Data = candidate
	}
	return out, nil
}

// fitInside scales (w, h) to fit a maxW x maxH box keeping the aspect ratio.
// A zero bound is unconstrained. Images are never enlarged.
func fitInside(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if s := float64(maxH) / float64(h); s < scale {
			scale = s
		}
	}
	if scale >= 1 {
		return w, h
	}
	nw := int(float64(w)*scale + 0.5)
	nh := int(float64(h)*scale + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

// outputFormat picks an encodable format. Formats without an encoder fall back to png.
func outputFormat(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "jpeg"
	case "gif":
		return "gif"
	case "webp":
		return "webp"
	default:
		return "png"
	}
}

func (p *Processor) encode(img image.Image, format string) (*Output, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "jpeg":
		quality := p.JPEGQuality
		if quality <= 0 {
			quality = 85
		}
		err = jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: quality})
	case "gif":
		err = gif.Encode(&buf, img, &gif.Options{NumColors: 256})
	case "webp":
		// lossless VP8L
		err = nativewebp.Encode(&buf, img, nil)
	default:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format, err)
	}
	b := img.Bounds()
	return &Output{Data: buf.Bytes(), Mime: MimeOf(format), Width: b.Dx(), Height: b.Dy()}, nil
}

// flatten composites img onto white; jpeg has no alpha channel.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

func reencodePNG(original []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func reencodeGIF(original []byte) ([]byte, error) {
	g, err := gif.DecodeAll(bytes.NewReader(original))
	if err != nil {
		return nil, fmt.Errorf("failed to decode gif: %w", err)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		return nil, fmt.Errorf("failed to encode gif: %w", err)
	}
	return buf.Bytes(), nil
}
