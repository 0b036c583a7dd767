package scanning

import "context"

// DefaultLanguage is the tesseract language code for Spanish tickets
const DefaultLanguage = "spa"

// ProgressFunc receives the fraction of recognition completed, from 0 to 1
type ProgressFunc func(fraction float64)

// Recognizer defines the interface for turning a receipt image into text
type Recognizer interface {
	// Recognize returns all the text found in the image. progress may be nil.
	Recognize(ctx context.Context, imageData []byte, contentType, language string, progress ProgressFunc) (string, error)
	// Close releases any resources held by the recognizer
	Close() error
}

// report calls progress when it is set
func report(progress ProgressFunc, fraction float64) {
	if progress != nil {
		progress(fraction)
	}
}
