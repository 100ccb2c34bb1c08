// Package ocr adapts Tesseract, through gosseract, to the pipeline's
// detector and recognizer interfaces. A gosseract client is not safe for
// concurrent use; every value in this package must stay on one goroutine.
package ocr

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/otiai10/gosseract/v2"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
)

// DefaultLanguage is the Tesseract language used when none is configured.
const DefaultLanguage = "eng"

// Recognizer reads the text of one region patch at a time.
type Recognizer struct {
	client *gosseract.Client
	lang   string
	enc    png.Encoder
	buf    bytes.Buffer
}

// NewRecognizer creates a Tesseract client for the given language.
func NewRecognizer(lang string) (*Recognizer, error) {
	if lang == "" {
		lang = DefaultLanguage
	}
	client, err := newClient(lang, gosseract.PSM_SINGLE_BLOCK)
	if err != nil {
		return nil, err
	}
	logger.Info("OCR", "Recognizer ready (lang=%s, tesseract %s)", lang, gosseract.Version())
	return &Recognizer{
		client: client,
		lang:   lang,
		enc:    png.Encoder{CompressionLevel: png.NoCompression},
	}, nil
}

func newClient(lang string, mode gosseract.PageSegMode) (*gosseract.Client, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(lang); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetPageSegMode(mode); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	return client, nil
}

// SetImage implements recognition.Recognizer.
func (r *Recognizer) SetImage(img image.Image) error {
	b, err := encodePNG(&r.enc, &r.buf, img)
	if err != nil {
		return err
	}
	return r.client.SetImageFromBytes(b)
}

// Text implements recognition.Recognizer.
func (r *Recognizer) Text() (string, error) {
	return r.client.Text()
}

// WordConfidences implements recognition.Recognizer.
func (r *Recognizer) WordConfidences() ([]int, error) {
	boxes, err := r.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("word boxes: %w", err)
	}
	return wordConfidences(boxes), nil
}

// Close releases the Tesseract client.
func (r *Recognizer) Close() error {
	return r.client.Close()
}

// encodePNG encodes img into buf, reusing its storage. The returned slice is
// only valid until the next call.
func encodePNG(enc *png.Encoder, buf *bytes.Buffer, img image.Image) ([]byte, error) {
	buf.Reset()
	if err := enc.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// wordConfidences rounds each word's confidence to 0-100. Boxes with an empty
// word are layout artifacts and are skipped.
func wordConfidences(boxes []gosseract.BoundingBox) []int {
	conf := make([]int, 0, len(boxes))
	for _, b := range boxes {
		if b.Word == "" {
			continue
		}
		c := int(math.Round(b.Confidence))
		conf = append(conf, min(max(c, 0), 100))
	}
	return conf
}
