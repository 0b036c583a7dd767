package scanning

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner runs an external command. It lets tests stub tesseract.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		slog.Error("exec failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
			"stderr", truncate(errb.String(), 8<<10),
		)
	} else {
		slog.Debug("exec ok",
			"cmd", name,
			"duration_ms", time.Since(start).Milliseconds(),
			"stdout_bytes", out.Len(),
		)
	}
	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// TesseractConfig configures the tesseract CLI
type TesseractConfig struct {
	Binary      string // binary name or absolute path; defaults to "tesseract"
	TessdataDir string // optional --tessdata-dir
	PSM         int    // page segmentation mode; 0 leaves tesseract's default
	TempDir     string // where images are written for tesseract; defaults to os.TempDir()
}

// Tesseract implements Recognizer with the tesseract command line tool
type Tesseract struct {
	cfg    TesseractConfig
	runner Runner
}

// NewTesseract creates a Tesseract recognizer that shells out to the CLI
func NewTesseract(cfg TesseractConfig) *Tesseract {
	return NewTesseractWithRunner(cfg, execRunner{})
}

// NewTesseractWithRunner creates a Tesseract recognizer with a custom runner for testing
func NewTesseractWithRunner(cfg TesseractConfig, runner Runner) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	return &Tesseract{cfg: cfg, runner: runner}
}

// Recognize writes the ticket as PNG to a temporary file and runs
// `tesseract <file> stdout -l <lang>` on it
func (t *Tesseract) Recognize(ctx context.Context, imageData []byte, contentType, language string, progress ProgressFunc) (string, error) {
	report(progress, 0)

	pngData, err := toPNG(imageData, contentType)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(t.cfg.TempDir, "ticket-*.png")
	if err != nil {
		return "", fmt.Errorf("creating temp image: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(pngData); err != nil {
		f.Close()
		return "", fmt.Errorf("writing temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing temp image: %w", err)
	}
	report(progress, 0.1)

	if language == "" {
		language = DefaultLanguage
	}
	args := []string{f.Name(), "stdout", "-l", language}
	if t.cfg.PSM > 0 {
		args = append(args, "--psm", fmt.Sprintf("%d", t.cfg.PSM))
	}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}

	out, errb, err := t.runner.Run(ctx, t.cfg.Binary, args...)
	if err != nil {
		if msg := strings.TrimSpace(string(errb)); msg != "" {
			return "", fmt.Errorf("tesseract: %w: %s", err, truncate(msg, 512))
		}
		return "", fmt.Errorf("tesseract: %w", err)
	}

	text, err := cleanTranscript(stripFormFeeds(string(out)))
	if err != nil {
		return "", fmt.Errorf("reading tesseract output: %w", err)
	}
	report(progress, 1)
	return text, nil
}

// stripFormFeeds removes the page separators tesseract emits
func stripFormFeeds(s string) string {
	return strings.ReplaceAll(s, "\f", "")
}

// Close is a no-op; every call runs its own process
func (t *Tesseract) Close() error {
	return nil
}
