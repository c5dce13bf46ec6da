package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/awi-cli/internal/config"
	"github.com/xkilldash9x/awi-cli/internal/network"
)

// Discovery channel paths and header.
const (
	DiscoveryHeader  = "X-AWI-Discovery"
	WellKnownPath    = "/.well-known/llm-text"
	CapabilitiesPath = "/api/agent/capabilities"
)

// DefaultMaxManifestBytes caps how much of a manifest response is read.
const DefaultMaxManifestBytes = 2 << 20

// Channel names the way a manifest was found.
type Channel string

const (
	ChannelHeader       Channel = "header"
	ChannelWellKnown    Channel = "well-known"
	ChannelCapabilities Channel = "capabilities"
)

// Attempt records one channel's outcome, for logs and the discover command.
type Attempt struct {
	Channel Channel
	URL     string
	Err     string
}

// Result is the outcome of Discover. Failure is expressed as Found == false,
// never as an error.
type Result struct {
	Found       bool
	Manifest    *Manifest
	Channel     Channel
	ManifestURL string
	Origin      string
	Rewrites    int
	Attempts    []Attempt
}

// Doer sends HTTP requests. *http.Client and *network.Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Discoverer probes an origin for a manifest through three channels in order:
// discovery header, well-known path, capabilities endpoint.
type Discoverer struct {
	client   Doer
	logger   *zap.Logger
	timeout  time.Duration
	maxBytes int64
}

// NewDiscoverer builds a Discoverer. Zero config values take defaults.
func NewDiscoverer(client Doer, cfg config.DiscoveryConfig, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Discoverer{
		client:   client,
		logger:   logger.Named("discovery"),
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxManifestBytes,
	}
	if d.timeout <= 0 {
		d.timeout = 10 * time.Second
	}
	if d.maxBytes <= 0 {
		d.maxBytes = DefaultMaxManifestBytes
	}
	return d
}

// Discover looks for a manifest on target. format, when non-empty, is sent as
// ?format= on every request. The first channel that yields a valid manifest
// wins and later channels are not tried.
func (d *Discoverer) Discover(ctx context.Context, target, format string) Result {
	targetURL := normalizeTarget(target)
	origin, err := originOf(targetURL)
	if err != nil {
		d.logger.Debug("Unusable discovery target", zap.String("target", target), zap.Error(err))
		return Result{Attempts: []Attempt{{URL: target, Err: err.Error()}}}
	}
	res := Result{Origin: origin}
	d.logger.Info("Discovering AWI manifest", zap.String("origin", origin), zap.String("format", format))

	channels := []struct {
		name  Channel
		probe func(context.Context, string, string, string) (*Manifest, string, error)
	}{
		{ChannelHeader, d.viaHeader},
		{ChannelWellKnown, d.viaWellKnown},
		{ChannelCapabilities, d.viaCapabilities},
	}

	for _, ch := range channels {
		if ctx.Err() != nil {
			res.Attempts = append(res.Attempts, Attempt{Channel: ch.name, Err: ctx.Err().Error()})
			break
		}
		m, manifestURL, err := ch.probe(ctx, targetURL, origin, format)
		if err != nil {
			d.logger.Debug("Discovery channel failed", zap.String("channel", string(ch.name)), zap.Error(err))
			res.Attempts = append(res.Attempts, Attempt{Channel: ch.name, URL: manifestURL, Err: err.Error()})
			continue
		}
		res.Attempts = append(res.Attempts, Attempt{Channel: ch.name, URL: manifestURL})

		normalized, rewrites, err := m.WithOrigin(origin)
		if err != nil {
			res.Attempts[len(res.Attempts)-1].Err = err.Error()
			continue
		}
		if rewrites > 0 {
			d.logger.Info("Rewrote loopback URLs in manifest",
				zap.Int("count", rewrites), zap.String("origin", origin))
		}
		res.Found = true
		res.Manifest = normalized
		res.Channel = ch.name
		res.ManifestURL = manifestURL
		res.Rewrites = rewrites
		d.logger.Info("AWI manifest discovered",
			zap.String("channel", string(ch.name)),
			zap.String("name", normalized.DisplayName()),
			zap.String("version", normalized.Version()))
		return res
	}

	d.logger.Info("No AWI manifest found", zap.String("origin", origin))
	return res
}

// viaHeader sends HEAD (GET when HEAD is refused) to the target and follows
// the discovery header to the manifest.
func (d *Discoverer) viaHeader(ctx context.Context, targetURL, _, format string) (*Manifest, string, error) {
	probeURL := withFormat(targetURL, format)
	resp, err := d.send(ctx, http.MethodHead, probeURL)
	if err == nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		resp.Body.Close()
		resp, err = d.send(ctx, http.MethodGet, probeURL)
	}
	if err != nil {
		return nil, probeURL, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, d.maxBytes))
	resp.Body.Close()

	pointer := strings.TrimSpace(resp.Header.Get(DiscoveryHeader))
	if pointer == "" {
		return nil, probeURL, fmt.Errorf("no %s header", DiscoveryHeader)
	}
	manifestURL, err := resolveRef(targetURL, pointer)
	if err != nil {
		return nil, probeURL, err
	}
	return d.fetch(ctx, manifestURL, format)
}

func (d *Discoverer) viaWellKnown(ctx context.Context, _, origin, format string) (*Manifest, string, error) {
	return d.fetch(ctx, origin+WellKnownPath, format)
}

// viaCapabilities reads the capabilities document and, when it points at a
// fuller manifest through capabilities.discovery.wellKnownUri, prefers that.
func (d *Discoverer) viaCapabilities(ctx context.Context, _, origin, format string) (*Manifest, string, error) {
	capsURL := origin + CapabilitiesPath
	doc, err := d.fetchDocument(ctx, capsURL, format)
	if err != nil {
		return nil, withFormat(capsURL, format), err
	}

	if next := doc.Capabilities.Discovery.WellKnownURI; next != "" {
		fullURL, err := resolveRef(origin, next)
		if err == nil {
			if full, u, err := d.fetch(ctx, fullURL, format); err == nil {
				return full, u, nil
			}
			d.logger.Debug("Capabilities pointer did not yield a manifest", zap.String("url", fullURL))
		}
	}
	if err := doc.Validate(); err != nil {
		return nil, withFormat(capsURL, format), err
	}
	return doc, withFormat(capsURL, format), nil
}

// fetch GETs and validates a manifest.
func (d *Discoverer) fetch(ctx context.Context, rawURL, format string) (*Manifest, string, error) {
	u := withFormat(rawURL, format)
	m, err := d.fetchDocument(ctx, rawURL, format)
	if err != nil {
		return nil, u, err
	}
	if err := m.Validate(); err != nil {
		return nil, u, err
	}
	return m, u, nil
}

// fetchDocument GETs and parses a JSON document without validating it. The
// content type is not trusted; servers often serve .well-known files as
// application/octet-stream.
func (d *Discoverer) fetchDocument(ctx context.Context, rawURL, format string) (*Manifest, error) {
	resp, err := d.send(ctx, http.MethodGet, withFormat(rawURL, format))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := network.ReadLimited(resp.Body, d.maxBytes)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func (d *Discoverer) send(ctx context.Context, method, rawURL string) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the per-request timeout once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// normalizeTarget trims trailing slashes and defaults the scheme to https.
func normalizeTarget(target string) string {
	t := strings.TrimRight(strings.TrimSpace(target), "/")
	lower := strings.ToLower(t)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		t = "https://" + t
	}
	return t
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", rawURL)
	}
	return strings.ToLower(u.Scheme) + "://" + u.Host, nil
}

func resolveRef(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	out := b.ResolveReference(r)
	if out.Scheme != "http" && out.Scheme != "https" {
		return "", fmt.Errorf("refusing manifest url with scheme %q", out.Scheme)
	}
	return out.String(), nil
}

// withFormat adds ?format=hint, keeping any existing query.
func withFormat(rawURL, format string) string {
	if format == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("format", format)
	u.RawQuery = q.Encode()
	return u.String()
}
