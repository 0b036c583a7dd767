package scanning

import (
	"fmt"
	"strings"
)

// cleanTranscript strips the wrapping an LLM tends to put around a plain
// transcription and normalizes line endings
func cleanTranscript(text string) (string, error) {
	text = strings.TrimSpace(text)

	// Remove markdown code fences if present
	if strings.HasPrefix(text, "```") {
		if nl := strings.Index(text, "\n"); nl != -1 {
			text = text[nl+1:]
		} else {
			text = strings.TrimPrefix(text, "```")
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSpace(text)

	if text == "" {
		return "", fmt.Errorf("no text found in response")
	}
	return text, nil
}

// languageName maps tesseract language codes to the name given to LLM prompts
func languageName(code string) string {
	switch strings.ToLower(code) {
	case "spa", "es":
		return "Spanish"
	case "eng", "en":
		return "English"
	case "":
		return "Spanish"
	default:
		return code
	}
}
