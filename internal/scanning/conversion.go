package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// transcriptionPrompt asks a vision model for a raw transcription, not an
// interpretation. Field extraction happens later on the returned text.
const transcriptionPrompt = `You are reading a photo of a printed Mexican purchase ticket. Transcribe ALL of the text exactly as printed, in %s.

Rules:
- Keep the original line breaks, one printed line per output line
- Keep numbers, currency symbols, RFC codes, folios, dates and web addresses exactly as printed
- Do not translate, summarize, correct or reorder anything
- Do not add commentary, headings or markdown code blocks
- If a line is unreadable, skip it`

// DetectContentType returns the MIME type for an uploaded ticket. The
// declared type wins; the file extension is used when it is missing.
func DetectContentType(filename, declared string) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// IsSupported reports whether a ticket of this type can be recognized
func IsSupported(contentType string) bool {
	return strings.HasPrefix(contentType, "image/") || contentType == "application/pdf"
}

// renderPDF rasterizes the first page of a PDF ticket
func renderPDF(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// digital tickets are a single page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return encodePNG(img)
}

// decodeImage decodes JPEG, PNG, GIF and the HEIC photos iPhones produce
func decodeImage(data []byte, mimeType string) (image.Image, error) {
	if hasHEICSignature(data) || strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF): %w", err)
	}
	return img, nil
}

// hasHEICSignature looks for an ftyp box with a HEIF family brand
func hasHEICSignature(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// toPNG normalizes any supported ticket into PNG bytes, which every
// recognizer accepts. PNG input is passed through untouched.
func toPNG(data []byte, contentType string) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if mimeType == "application/pdf" {
		out, err := renderPDF(data)
		if err != nil {
			return nil, fmt.Errorf("converting PDF to image: %w", err)
		}
		return out, nil
	}
	// PNG is passed through only when its header decodes; anything else
	// labelled PNG goes through the full decoder
	if mimeType == "image/png" && !hasHEICSignature(data) {
		if _, err := png.DecodeConfig(bytes.NewReader(data)); err == nil {
			return data, nil
		}
	}

	img, err := decodeImage(data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("converting image to PNG: %w", err)
	}
	return encodePNG(img)
}
