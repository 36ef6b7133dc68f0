// Package browser owns the Chrome connection and per-session pages. It feeds
// the capture pipeline (raw input events, hover annotations) and serves the
// structural and visual evidence collectors (DOM summaries, screenshots).
package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"lessonlens-server/internal/config"
)

// Driver owns the detached Chrome instance shared by all sessions.
type Driver struct {
	cfg config.BrowserConfig

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
}

func NewDriver(cfg config.BrowserConfig) *Driver {
	return &Driver{cfg: cfg}
}

// Start connects to an existing Chrome or launches a new one via Rod's
// launcher. Safe to call again; a healthy connection is reused.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		if _, err := d.browser.Version(); err == nil {
			return nil
		}
		log.Printf("stale browser connection detected, reconnecting")
		_ = d.browser.Close()
		d.browser = nil
		d.controlURL = ""
	}

	controlURL := d.cfg.DebuggerURL
	if controlURL == "" && len(d.cfg.Launch) > 0 {
		url, err := d.launch()
		if err != nil {
			return err
		}
		controlURL = url
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	d.browser = browser
	d.controlURL = controlURL
	log.Printf("browser connected at %s", controlURL)
	return nil
}

func (d *Driver) launch() (string, error) {
	bin := d.cfg.Launch[0]
	launch := launcher.New().Bin(bin).Headless(d.cfg.IsHeadless())
	for _, rawFlag := range d.cfg.Launch[1:] {
		flagStr := strings.TrimLeft(rawFlag, "-")
		name, val, hasVal := strings.Cut(flagStr, "=")
		if hasVal {
			launch = launch.Set(flags.Flag(name), val)
		} else {
			launch = launch.Set(flags.Flag(name))
		}
	}
	url, err := launch.Launch()
	if err != nil {
		// Let Rod pick the port and defaults before giving up.
		fallback := launcher.New().Bin(bin).Headless(d.cfg.IsHeadless())
		alt, altErr := fallback.Launch()
		if altErr != nil {
			return "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
		}
		return alt, nil
	}
	return url, nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (d *Driver) ControlURL() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.controlURL
}

// IsConnected reports whether a browser connection exists.
func (d *Driver) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.browser != nil
}

// OpenPage creates an incognito page navigated to url, sized to the
// configured viewport, with the input hooks installed.
func (d *Driver) OpenPage(ctx context.Context, url string) (*Page, error) {
	d.mu.RLock()
	browser := d.browser
	d.mu.RUnlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             d.cfg.GetViewportWidth(),
		Height:            d.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("warning: failed to set viewport: %v", err)
	}

	// Best-effort initial load; the ready-marker wait decides liveness.
	_ = page.Timeout(d.cfg.NavigationTimeout()).Navigate(url)

	p := newPage(page, d.cfg)
	if err := p.installHooks(ctx); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("install input hooks: %w", err)
	}
	return p, nil
}

// Shutdown closes the underlying browser. Pages are owned by their sessions
// and must already be closed.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.browser != nil {
		err = d.browser.Close()
		d.browser = nil
	}
	d.controlURL = ""
	log.Printf("browser shutdown complete")
	return err
}
