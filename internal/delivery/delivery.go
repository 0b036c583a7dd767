// Package delivery hands the portal request to the user: the summary goes to
// the clipboard and the prefilled URL to the browser.
package delivery

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/atotto/clipboard"
	"github.com/pkg/browser"
)

// Copier puts text on the clipboard. It never fails the caller.
type Copier interface {
	Copy(text string) (copied bool)
}

// Opener opens a URL for the user
type Opener interface {
	Open(url string) error
}

// Clipboard copies to the system clipboard. When no clipboard is available
// the text is written to Fallback instead so the user can copy it by hand.
type Clipboard struct {
	Fallback io.Writer
	write    func(string) error
}

// NewClipboard creates a Clipboard that falls back to stdout
func NewClipboard() *Clipboard {
	if clipboard.Unsupported {
		return NewClipboardWithWriter(nil, os.Stdout)
	}
	return NewClipboardWithWriter(clipboard.WriteAll, os.Stdout)
}

// NewClipboardWithWriter creates a Clipboard with a custom writer for testing
func NewClipboardWithWriter(write func(string) error, fallback io.Writer) *Clipboard {
	return &Clipboard{Fallback: fallback, write: write}
}

// Copy reports whether the system clipboard took the text
func (c *Clipboard) Copy(text string) bool {
	if c.write != nil {
		err := c.write(text)
		if err == nil {
			slog.Info("Summary copied to clipboard", "bytes", len(text))
			return true
		}
		slog.Warn("Clipboard unavailable, showing summary instead", "error", err)
	} else {
		slog.Warn("Clipboard unsupported, showing summary instead")
	}

	if c.Fallback != nil {
		fmt.Fprintf(c.Fallback, "%s\n", text)
	}
	return false
}

// Browser opens URLs with the system browser
type Browser struct {
	open func(string) error
}

// NewBrowser creates a Browser using the platform's default handler
func NewBrowser() *Browser {
	return NewBrowserWithOpener(browser.OpenURL)
}

// NewBrowserWithOpener creates a Browser with a custom opener for testing
func NewBrowserWithOpener(open func(string) error) *Browser {
	return &Browser{open: open}
}

// Open opens url
func (b *Browser) Open(url string) error {
	if err := b.open(url); err != nil {
		return fmt.Errorf("opening %s: %w", url, err)
	}
	slog.Info("Portal opened", "url", url)
	return nil
}

// Deliver copies the summary and then opens the portal, in that order, so the
// data is on the clipboard before the page takes focus
func Deliver(c Copier, o Opener, summary, url string) (copied bool, err error) {
	copied = c.Copy(summary)
	if o == nil || url == "" {
		return copied, nil
	}
	return copied, o.Open(url)
}
