package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/westcon-mx/facturador/internal/delivery"
	"github.com/westcon-mx/facturador/internal/merchant"
	"github.com/westcon-mx/facturador/internal/scanning"
	"github.com/westcon-mx/facturador/internal/workflow"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// a local .env may carry FACTURADOR_* settings
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded settings from .env")
	}

	fs := ff.NewFlagSet("facturador")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "facturador.db", "Database file path for learned merchants")
		storagePath = fs.StringLong("storage", "./tickets", "Directory for the current ticket image")
		scannerType = fs.StringLong("scanner", "tesseract", "OCR engine: 'tesseract', 'gemini' or 'ollama'")
		lang        = fs.StringLong("lang", scanning.DefaultLanguage, "OCR language code")
		tessBinary  = fs.StringLong("tesseract", "tesseract", "Tesseract binary name or path")
		tessdataDir = fs.StringLong("tessdata-dir", "", "Tesseract tessdata directory (optional)")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name")
		ocrTimeout  = fs.DurationLong("ocr-timeout", workflow.DefaultRecognitionTimeout, "Maximum time for a single OCR call")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		imagePath   = fs.StringLong("image", "", "Process a single ticket image and exit instead of serving HTTP")
		portalURL   = fs.StringLong("portal", "", "Portal to use and learn when the ticket's merchant is unknown (with --image)")
		openPortal  = fs.BoolLong("open", "Open the portal in the browser (with --image)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("FACTURADOR"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := merchant.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := merchant.NewStore(db)
	learned, err := store.Load()
	if err != nil {
		// already logged; the session continues with an empty store
		slog.Warn("Learned merchants reset for this session", "error", err)
	}
	slog.Info("Learned merchants loaded", "count", len(learned))

	// Initialize recognizer based on type
	var recognizer scanning.Recognizer
	switch *scannerType {
	case "tesseract":
		slog.Info("Initializing Tesseract recognizer...", "binary", *tessBinary, "lang", *lang)
		recognizer = scanning.NewTesseract(scanning.TesseractConfig{
			Binary:      *tessBinary,
			TessdataDir: *tessdataDir,
		})
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini recognizer...", "model", *geminiModel)
		recognizer, err = scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama recognizer...", "url", *ollamaURL, "model", *ollamaModel)
		recognizer, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "tesseract, gemini or ollama")
		os.Exit(1)
	}
	defer recognizer.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	images, err := workflow.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	resolver := merchant.NewResolver(merchant.Registry(), store)
	controller := workflow.NewController(recognizer, resolver, store, images, workflow.Config{
		Language: *lang,
		Timeout:  *ocrTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *imagePath != "" {
		if err := processTicket(ctx, controller, *imagePath, *portalURL, *openPortal); err != nil {
			slog.Error("Failed to process ticket", "image", *imagePath, "error", err)
			os.Exit(1)
		}
		return
	}

	// Initialize server
	basicAuth := workflow.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := workflow.NewServer(controller, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, addr)
	})

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutting down...")
}

// processTicket runs one cycle for the image at path, then copies the summary
// and hands over the portal URL
func processTicket(ctx context.Context, controller *workflow.Controller, path, portal string, open bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	name := filepath.Base(path)
	contentType := scanning.DetectContentType(name, "")
	if !scanning.IsSupported(contentType) {
		return fmt.Errorf("unsupported file type %q", contentType)
	}

	start := time.Now()
	session, err := controller.Capture(ctx, workflow.Image{Filename: name, ContentType: contentType, Data: data})
	if err != nil {
		if session.Error != "" {
			fmt.Fprintln(os.Stderr, session.Error)
		}
		return err
	}
	slog.Info("Ticket read", "merchant", session.Receipt.MerchantName, "total", session.Receipt.Total.StringFixed(2), "duration_ms", time.Since(start).Milliseconds())

	clip := delivery.NewClipboard()

	if session.State == workflow.StateAwaitingManualPortal {
		if portal == "" {
			summary, err := controller.Summary()
			if err != nil {
				return err
			}
			clip.Copy(summary)
			fmt.Printf("No se encontró el portal de %s. Vuelve a ejecutar con --portal para guardarlo.\n", session.Receipt.MerchantName)
			return nil
		}
		session, err = controller.SubmitManualPortal(portal)
		if err != nil && !errors.Is(err, merchant.ErrPersistenceWriteFailed) {
			return err
		}
		if session.Warning != "" {
			fmt.Fprintln(os.Stderr, session.Warning)
		}
	}

	req, err := controller.Open()
	if err != nil {
		return err
	}

	var opener delivery.Opener
	if open {
		opener = delivery.NewBrowser()
	}
	copied, err := delivery.Deliver(clip, opener, req.Summary, req.URL)
	if copied {
		fmt.Println("Datos copiados al portapapeles.")
	}
	if err != nil {
		slog.Warn("Could not open browser", "error", err)
		open = false
	}
	if !open {
		fmt.Println(req.URL)
	}
	return nil
}
