package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// ErrLogin marks an authentication failure: bad credentials or a rejected
// session. Distinct from ErrConnection so callers can tell bad credentials
// from bad connectivity.
var ErrLogin = errors.New("portal: login failed")

// ErrConnection marks transport-level failures and unexpected responses.
var ErrConnection = errors.New("portal: connection error")

const (
	defaultLoginURL = "https://oficina.ista.es/GesCon/GestionOficinaVirtual.do"
	defaultDataURL  = "https://oficina.ista.es/GesCon/GestionFincas.do"

	userAgent        = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	excelContentType = "application/vnd.ms-excel"

	defaultMaxWindowDays = 240
	defaultMaxRetries    = 5
	defaultRetryWait     = time.Second

	dateLayout = "02/01/2006"
)

var retryStatusCodes = map[int]bool{
	http.StatusRequestTimeout:     true,
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// Export is one downloaded spreadsheet chunk. ReferenceYear is the year of
// the window's end date; the parser uses it to anchor day/month headers.
type Export struct {
	ReferenceYear int
	Data          []byte
}

// Client talks to the ista Calista virtual office. It owns login, session
// cookies and chunked export downloads; it never interprets the spreadsheet
// bytes it returns.
type Client struct {
	loginURL string
	dataURL  string
	username string
	password string

	client        *http.Client
	logger        *log.Logger
	maxWindowDays int
	maxRetries    int
	retryWait     time.Duration

	loggedIn bool
}

// Option configures the client.
type Option func(*Client)

// WithBaseURLs overrides the portal endpoints.
func WithBaseURLs(loginURL, dataURL string) Option {
	return func(c *Client) {
		if loginURL != "" {
			c.loginURL = loginURL
		}
		if dataURL != "" {
			c.dataURL = dataURL
		}
	}
}

// WithHTTPClient overrides the HTTP client. A cookie jar is attached when the
// given client has none.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithMaxWindowDays overrides the maximum days per export request.
func WithMaxWindowDays(days int) Option {
	return func(c *Client) {
		if days > 0 {
			c.maxWindowDays = days
		}
	}
}

// WithRetryWait overrides the base wait between retries.
func WithRetryWait(wait time.Duration) Option {
	return func(c *Client) {
		if wait > 0 {
			c.retryWait = wait
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a portal client.
func NewClient(username, password string, opts ...Option) (*Client, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("portal: empty username")
	}
	if password == "" {
		return nil, errors.New("portal: empty password")
	}

	c := &Client{
		loginURL:      defaultLoginURL,
		dataURL:       defaultDataURL,
		username:      username,
		password:      password,
		maxWindowDays: defaultMaxWindowDays,
		maxRetries:    defaultMaxRetries,
		retryWait:     defaultRetryWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("portal: cookie jar: %w", err)
		}
		c.client.Jar = jar
	}
	if c.logger == nil {
		c.logger = log.New(io.Discard, "", 0)
	}
	return c, nil
}

// Login authenticates against the virtual office and primes the session for
// export downloads. It is a no-op when a session is already established.
func (c *Client) Login(ctx context.Context) error {
	if c.loggedIn {
		return nil
	}

	form := url.Values{}
	form.Set("metodo", "loginAbonado")
	form.Set("loginName", c.username)
	form.Set("password", c.password)

	resp, err := c.do(ctx, http.MethodPost, c.loginURL, form, nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	// A successful login streams the portal frameset; a rejected one answers
	// with a fixed-size error page carrying Content-Length.
	if resp.Header.Get("Content-Length") != "" {
		return fmt.Errorf("%w: invalid credentials", ErrLogin)
	}

	if err := c.preloadReadingMetadata(ctx); err != nil {
		return err
	}
	c.loggedIn = true
	return nil
}

// Relogin drops the current session and authenticates again.
func (c *Client) Relogin(ctx context.Context) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("portal: cookie jar: %w", err)
	}
	c.client.Jar = jar
	c.loggedIn = false
	return c.Login(ctx)
}

// preloadReadingMetadata performs the preliminary request the portal requires
// before it allows export downloads.
func (c *Client) preloadReadingMetadata(ctx context.Context) error {
	query := url.Values{}
	query.Set("metodo", "preCargaLecturasRadio")

	resp, err := c.do(ctx, http.MethodGet, c.dataURL, nil, query)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

// FetchReadings downloads spreadsheet exports covering [start, end), split
// into windows of at most the configured day count, in chronological order.
func (c *Client) FetchReadings(ctx context.Context, start, end time.Time) ([]Export, error) {
	if !start.Before(end) {
		return nil, errors.New("portal: start date must be before end date")
	}

	var exports []Export
	for windowStart := start; windowStart.Before(end); {
		windowEnd := windowStart.AddDate(0, 0, c.maxWindowDays)
		if windowEnd.After(end) {
			windowEnd = end
		}

		data, err := c.fetchChunk(ctx, windowStart, windowEnd)
		if err != nil {
			return nil, fmt.Errorf("portal: window %s to %s: %w",
				windowStart.Format(dateLayout), windowEnd.Format(dateLayout), err)
		}
		exports = append(exports, Export{ReferenceYear: windowEnd.Year(), Data: data})
		windowStart = windowEnd
	}
	return exports, nil
}

// fetchChunk downloads one export window. A text/html response means the
// session expired; the client relogs in and retries once.
func (c *Client) fetchChunk(ctx context.Context, start, end time.Time) ([]byte, error) {
	query := url.Values{}
	query.Set("metodo", "listadoLecturasRadio")
	query.Set("fechaDesdeRadio", start.Format(dateLayout))
	query.Set("fechaHastaRadio", end.Format(dateLayout))
	query.Set("d-4360165-e", "2")
	query.Set("6578706f7274", "1")

	data, contentType, err := c.download(ctx, query)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(contentType, excelContentType) {
		if !strings.Contains(contentType, "text/html") {
			return nil, fmt.Errorf("%w: unexpected content type %q", ErrConnection, contentType)
		}
		c.logger.Printf("portal: session expired, relogging in")
		if err := c.Relogin(ctx); err != nil {
			return nil, err
		}
		data, contentType, err = c.download(ctx, query)
		if err != nil {
			return nil, err
		}
		if !strings.Contains(contentType, excelContentType) {
			return nil, fmt.Errorf("%w: unexpected content type %q after relogin", ErrConnection, contentType)
		}
	}
	return data, nil
}

func (c *Client) download(ctx context.Context, query url.Values) ([]byte, string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.dataURL, nil, query)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", ErrConnection, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// do sends one request with bounded retries on transient failures.
func (c *Client) do(ctx context.Context, method, rawURL string, form, query url.Values) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.retryWait * time.Duration(attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
			}
		}

		req, err := c.newRequest(ctx, method, rawURL, form, query)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrConnection, err)
			c.logger.Printf("portal: %s %s failed: %v", method, rawURL, err)
			continue
		}
		if retryStatusCodes[resp.StatusCode] {
			drain(resp)
			lastErr = fmt.Errorf("%w: status %d", ErrConnection, resp.StatusCode)
			c.logger.Printf("portal: %s %s returned retryable status %d", method, rawURL, resp.StatusCode)
			continue
		}
		if resp.StatusCode >= http.StatusBadRequest {
			drain(resp)
			return nil, fmt.Errorf("%w: unexpected status %d", ErrConnection, resp.StatusCode)
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, form, query url.Values) (*http.Request, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("portal: build request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if query != nil {
		req.URL.RawQuery = query.Encode()
	}
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
