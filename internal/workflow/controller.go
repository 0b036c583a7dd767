package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/westcon-mx/facturador/internal/fiscal"
	"github.com/westcon-mx/facturador/internal/merchant"
	"github.com/westcon-mx/facturador/internal/receipt"
	"github.com/westcon-mx/facturador/internal/scanning"
)

// State is a step of the single-receipt cycle
type State string

const (
	StateIdle                 State = "idle"
	StateCapturing            State = "capturing"
	StateRecognizing          State = "recognizing"
	StateExtracting           State = "extracting"
	StateResolving            State = "resolving"
	StateReady                State = "ready"
	StateAwaitingManualPortal State = "awaiting_manual_portal"
	StateDone                 State = "done"
	StateError                State = "error"
)

// DefaultRecognitionTimeout bounds a single OCR call
const DefaultRecognitionTimeout = 90 * time.Second

var (
	// ErrRecognitionFailed means the OCR call failed or timed out. The user
	// can capture again.
	ErrRecognitionFailed = errors.New("recognition failed")

	// ErrStaleCycle means a newer capture replaced the cycle before it settled
	ErrStaleCycle = errors.New("cycle superseded by a newer capture")

	// ErrInvalidState means the action is not allowed in the current state
	ErrInvalidState = errors.New("action not allowed in current state")

	// ErrInvalidPortalURL means a manually entered portal could not be used
	ErrInvalidPortalURL = errors.New("invalid portal url")
)

// Image is a captured ticket
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Session is a copy of the controller's current cycle
type Session struct {
	Cycle    uint64             `json:"cycle"`
	State    State              `json:"state"`
	Progress float64            `json:"progress"`
	Receipt  *receipt.Receipt   `json:"receipt,omitempty"`
	Decision *merchant.Decision `json:"decision,omitempty"`
	Image    string             `json:"image,omitempty"`
	Error    string             `json:"error,omitempty"`
	Warning  string             `json:"warning,omitempty"`
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Config holds the controller's tunables
type Config struct {
	Language string        // OCR language; defaults to scanning.DefaultLanguage
	Timeout  time.Duration // OCR timeout; defaults to DefaultRecognitionTimeout
	Profile  fiscal.Profile
}

// Controller drives one receipt at a time through capture, recognition,
// extraction and portal resolution. Each capture gets a new cycle id;
// anything reported by an older cycle is dropped.
type Controller struct {
	mu        sync.Mutex
	session   Session
	cycle     uint64
	imageType string

	recognizer scanning.Recognizer
	resolver   *merchant.Resolver
	store      *merchant.Store
	images     Storage
	timeSource TimeSource
	cfg        Config
}

// NewController creates a Controller in the idle state
func NewController(recognizer scanning.Recognizer, resolver *merchant.Resolver, store *merchant.Store, images Storage, cfg Config) *Controller {
	return NewControllerWithDeps(recognizer, resolver, store, images, cfg, &defaultTimeSource{})
}

// NewControllerWithDeps creates a Controller with a custom time source for testing
func NewControllerWithDeps(recognizer scanning.Recognizer, resolver *merchant.Resolver, store *merchant.Store, images Storage, cfg Config, timeSrc TimeSource) *Controller {
	if cfg.Language == "" {
		cfg.Language = scanning.DefaultLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRecognitionTimeout
	}
	if cfg.Profile == (fiscal.Profile{}) {
		cfg.Profile = fiscal.Westcon
	}
	return &Controller{
		session:    Session{State: StateIdle},
		recognizer: recognizer,
		resolver:   resolver,
		store:      store,
		images:     images,
		timeSource: timeSrc,
		cfg:        cfg,
	}
}

// Session returns a copy of the current cycle
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Capture runs a full cycle for img and blocks until it settles in ready,
// awaiting_manual_portal or error. Any earlier cycle is abandoned.
func (c *Controller) Capture(ctx context.Context, img Image) (Session, error) {
	id := c.begin(img)
	return c.run(ctx, id, img)
}

// CaptureAsync starts a cycle for img in the background and returns its id.
// Poll Session for the outcome.
func (c *Controller) CaptureAsync(ctx context.Context, img Image) uint64 {
	id := c.begin(img)
	// run logs its own failures
	go c.run(ctx, id, img) //nolint:errcheck
	return id
}

// begin discards the current cycle and moves a new one into capturing
func (c *Controller) begin(img Image) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.session.Image
	c.cycle++
	id := c.cycle
	c.session = Session{Cycle: id, State: StateCapturing}

	if c.images != nil {
		if previous != "" {
			if err := c.images.Delete(previous); err != nil {
				slog.Warn("Failed to delete previous ticket image", "filename", previous, "error", err)
			}
		}
		name := fmt.Sprintf("%d_%s", id, sanitizeFilename(img.Filename))
		saved, err := c.images.Save(name, img.Data)
		if err != nil {
			slog.Warn("Failed to keep ticket image", "filename", img.Filename, "error", err)
		} else {
			c.session.Image = saved
			c.imageType = img.ContentType
		}
	}

	slog.Info("Receipt captured", "cycle", id, "filename", img.Filename, "content_type", img.ContentType, "size", len(img.Data))
	return id
}

// update applies fn to the session if cycle id is still current
func (c *Controller) update(id uint64, fn func(s *Session)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.cycle {
		return false
	}
	fn(&c.session)
	return true
}

func (c *Controller) run(ctx context.Context, id uint64, img Image) (Session, error) {
	if !c.update(id, func(s *Session) { s.State = StateRecognizing }) {
		return Session{}, ErrStaleCycle
	}

	ocrCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	text, err := c.recognizer.Recognize(ocrCtx, img.Data, img.ContentType, c.cfg.Language, func(fraction float64) {
		c.update(id, func(s *Session) {
			if s.State == StateRecognizing {
				s.Progress = fraction
			}
		})
	})
	if err != nil {
		if errors.Is(ocrCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", c.cfg.Timeout, err)
		}
		err = fmt.Errorf("%w: %v", ErrRecognitionFailed, err)
		var out Session
		if !c.update(id, func(s *Session) {
			s.State = StateError
			s.Error = "Error al leer el ticket. Intenta con mejor iluminación."
			out = *s
		}) {
			return Session{}, ErrStaleCycle
		}
		slog.Error("Failed to recognize receipt", "cycle", id, "filename", img.Filename, "error", err)
		return out, err
	}

	// extraction and resolution are pure, so they run without suspending
	var out Session
	ok := c.update(id, func(s *Session) {
		s.Progress = 1
		s.State = StateExtracting
		rec := receipt.Extract(text)
		s.Receipt = rec

		s.State = StateResolving
		if d, found := c.resolver.Resolve(rec); found {
			s.Decision = &d
			s.State = StateReady
		} else {
			s.State = StateAwaitingManualPortal
		}
		out = *s
	})
	if !ok {
		return Session{}, ErrStaleCycle
	}

	if out.Decision != nil {
		slog.Info("Portal resolved", "cycle", id, "merchant", out.Decision.MerchantName, "origin", out.Decision.Origin, "url", out.Decision.URL)
	} else {
		slog.Info("No portal found, waiting for manual entry", "cycle", id, "merchant", out.Receipt.MerchantName)
	}
	return out, nil
}

// SubmitManualPortal records the portal the user typed for an unknown
// merchant, teaches it to the learned store and moves to ready. A failed
// write still moves to ready but is returned as ErrPersistenceWriteFailed.
// If a newer capture replaced the cycle during the write, the failure is
// reported as ErrStaleCycle and the newer cycle is left untouched.
func (c *Controller) SubmitManualPortal(rawURL string) (Session, error) {
	portal, err := parsePortalURL(rawURL)
	if err != nil {
		return c.Session(), err
	}

	c.mu.Lock()
	if c.session.State != StateAwaitingManualPortal || c.session.Receipt == nil {
		state := c.session.State
		c.mu.Unlock()
		return c.Session(), fmt.Errorf("%w: manual portal in %s", ErrInvalidState, state)
	}
	id := c.session.Cycle
	rec := c.session.Receipt
	d := merchant.Decision{
		URL:          portal,
		MerchantName: rec.MerchantName,
		Fields:       merchant.FieldMapping{},
		Origin:       merchant.OriginManual,
	}
	c.session.Decision = &d
	c.session.State = StateReady
	out := c.session
	c.mu.Unlock()

	_, storeErr := c.store.Append(merchant.LearnedMerchant{
		Name:        rec.MerchantName,
		PortalURL:   portal,
		TaxID:       rec.IssuerTaxID,
		DateLearned: c.timeSource.Now(),
	})
	if storeErr == nil {
		return out, nil
	}

	if !c.update(id, func(s *Session) {
		s.Warning = "El portal se usará ahora pero no se pudo guardar para la próxima vez."
		out = *s
	}) {
		return out, fmt.Errorf("%w: teaching %s: %w", ErrStaleCycle, rec.MerchantName, storeErr)
	}
	return out, fmt.Errorf("teaching %s: %w", rec.MerchantName, storeErr)
}

// parsePortalURL applies the same normalization as detected addresses and
// checks that the result has a host
func parsePortalURL(raw string) (string, error) {
	if raw == "" || len(raw) > 2048 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPortalURL, raw)
	}
	normalized := merchant.NormalizeURL(raw)
	u, err := url.Parse(normalized)
	if err != nil || u.Host == "" || normalized == "https://" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPortalURL, raw)
	}
	return normalized, nil
}

// Open builds the portal request for the ready receipt and marks the cycle
// done. The summary in the request is meant to be copied before the URL is
// opened. Calling Open again from done rebuilds the same request.
func (c *Controller) Open() (fiscal.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.session
	if (s.State != StateReady && s.State != StateDone) || s.Receipt == nil || s.Decision == nil {
		return fiscal.Request{}, fmt.Errorf("%w: open portal in %s", ErrInvalidState, s.State)
	}

	req, err := fiscal.BuildRequest(c.cfg.Profile, s.Receipt, *s.Decision)
	if err != nil {
		return req, fmt.Errorf("building portal request: %w", err)
	}
	s.State = StateDone
	slog.Info("Portal request built", "cycle", s.Cycle, "url", req.URL)
	return req, nil
}

// Summary returns the copy-paste summary for the current receipt, with the
// portal line when one is known. It does not change state.
func (c *Controller) Summary() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Receipt == nil {
		return "", fmt.Errorf("%w: no receipt in %s", ErrInvalidState, c.session.State)
	}
	return fiscal.Summary(c.cfg.Profile, c.session.Receipt, c.session.Decision), nil
}

// Reset abandons the current cycle and returns to idle
func (c *Controller) Reset() Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.images != nil && c.session.Image != "" {
		if err := c.images.Delete(c.session.Image); err != nil {
			slog.Warn("Failed to delete ticket image", "filename", c.session.Image, "error", err)
		}
	}
	c.cycle++
	c.session = Session{Cycle: c.cycle, State: StateIdle}
	return c.session
}

// Image returns the stored ticket image of the current cycle
func (c *Controller) Image() ([]byte, string, error) {
	c.mu.Lock()
	name, contentType := c.session.Image, c.imageType
	c.mu.Unlock()

	if c.images == nil || name == "" {
		return nil, "", fmt.Errorf("%w: no ticket image", ErrInvalidState)
	}
	data, err := c.images.Get(name)
	if err != nil {
		return nil, "", fmt.Errorf("getting ticket image: %w", err)
	}
	return data, scanning.DetectContentType(name, contentType), nil
}

// Learned returns the most recent learned merchants, oldest first
func (c *Controller) Learned(n int) []merchant.LearnedMerchant {
	return c.store.Recent(n)
}
