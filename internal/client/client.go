package client

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	u "net/url"
	"strings"
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

// FetchBufferSize is the read-buffer size for body streaming; segment split
// points are aligned to the same boundary.
const FetchBufferSize = 64 * 1024

const DefaultMaxRedirects = 10

// Request is the surface the transfer core consumes. Range bounds are
// inclusive; -1 disables them.
type Request struct {
	URL       string
	Method    string // GET, HEAD, POST; empty means GET
	Referrer  string
	Cookies   string
	UserAgent string
	Headers   map[string]string
	Username  string
	Password  string
	Body      string // POST payload
	BodyType  string

	RangeStart int64
	RangeEnd   int64
}

// NewRequest returns a Request with ranges disabled.
func NewRequest(url string) Request {
	return Request{URL: url, RangeStart: -1, RangeEnd: -1}
}

// ResponseInfo is the header-level view of an origin response.
type ResponseInfo struct {
	StatusCode         int
	Status             string
	ContentLength      int64 // -1 when the origin does not advertise a size
	ContentType        string
	ContentDisposition string
	AcceptRanges       bool
	ETag               string
	LastModified       string
	FinalURL           string
	Headers            http.Header
}

// DispositionFilename extracts a filename from Content-Disposition,
// preferring the RFC 5987 filename*=charset''encoded form over the plain
// quoted or bare filename= form.
func (r *ResponseInfo) DispositionFilename() string {
	cd := r.ContentDisposition
	if cd == "" {
		return ""
	}
	if idx := strings.Index(cd, "filename*="); idx >= 0 {
		value := cd[idx+len("filename*="):]
		if tick := strings.Index(value, "''"); tick >= 0 {
			encoded := value[tick+2:]
			if end := strings.IndexAny(encoded, "; \t"); end >= 0 {
				encoded = encoded[:end]
			}
			if decoded, err := u.PathUnescape(encoded); err == nil && decoded != "" {
				return decoded
			}
		}
	}
	if idx := strings.Index(cd, "filename="); idx >= 0 {
		value := cd[idx+len("filename="):]
		if strings.HasPrefix(value, `"`) {
			if close := strings.Index(value[1:], `"`); close >= 0 {
				return value[1 : close+1]
			}
			return ""
		}
		if end := strings.IndexAny(value, "; \t"); end >= 0 {
			value = value[:end]
		}
		return strings.TrimSpace(value)
	}
	return ""
}

// Sink receives each body chunk during Fetch. Returning false aborts the
// transfer gracefully; the in-flight chunk is never truncated mid-write by
// the client itself.
type Sink func(chunk []byte) bool

// Transport is the client contract the workers and orchestrator consume.
// HTTPClient and FTPClient implement it.
type Transport interface {
	// Probe fetches only metadata: final URL, status, advertised length,
	// validators and whether the origin supports ranged reads.
	Probe(req Request) (*ResponseInfo, error)
	// Fetch streams the body through the sink. It returns ErrCancelled when
	// the sink stops the transfer and a classified TransferError otherwise.
	Fetch(req Request, sink Sink) (*ResponseInfo, error)
}

// Config carries per-client connection settings.
type Config struct {
	ProxyURL       string
	ConnectTimeout time.Duration
	ReceiveTimeout time.Duration
	VerifyTLS      bool
	MaxRedirects   int
}

// HTTPClient implements Transport over HTTP(S). One client serves all
// connections of a download; the transport pools sockets per host.
type HTTPClient struct {
	client *http.Client
	cfg    Config
}

func NewHTTP(cfg Config) *HTTPClient {
	log := utils.GetLogger("http")
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100, // for connection reuse
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ResponseHeaderTimeout: cfg.ReceiveTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if cfg.ProxyURL != "" {
		proxyParsed, err := u.Parse(cfg.ProxyURL)
		if err != nil {
			log.Error().Err(err).Str("proxy", cfg.ProxyURL).Msg("Invalid proxy URL, proceeding without proxy")
		} else {
			transport.Proxy = http.ProxyURL(proxyParsed)
			log.Debug().Str("proxy", cfg.ProxyURL).Msg("Using proxy for connections")
		}
	}
	return &HTTPClient{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= cfg.MaxRedirects {
					return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
				}
				return nil
			},
		},
	}
}

func (c *HTTPClient) Probe(req Request) (*ResponseInfo, error) {
	httpReq, err := c.build(req, "HEAD")
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, Classify(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return parseInfo(resp), nil
}

func (c *HTTPClient) Fetch(req Request, sink Sink) (*ResponseInfo, error) {
	method := req.Method
	if method == "" {
		method = "GET"
	}
	httpReq, err := c.build(req, method)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, Classify(err)
	}
	defer resp.Body.Close()
	info := parseInfo(resp)

	if resp.StatusCode >= 400 {
		return info, StatusError(resp.StatusCode)
	}
	if req.RangeStart >= 0 && resp.StatusCode != http.StatusPartialContent {
		// The origin ignored the range header; treating the full body as a
		// partial segment would corrupt the file.
		return info, StatusError(resp.StatusCode)
	}

	buffer := make([]byte, FetchBufferSize)
	for {
		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			if !sink(buffer[:n]) {
				return info, ErrCancelled
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return info, nil
			}
			return info, Classify(readErr)
		}
	}
}

func (c *HTTPClient) build(req Request, method string) (*http.Request, error) {
	var body io.Reader
	if method == "POST" && req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequest(method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("error creating %s request: %v", method, err)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}
	if req.Referrer != "" {
		httpReq.Header.Set("Referer", req.Referrer)
	}
	if req.Cookies != "" {
		httpReq.Header.Set("Cookie", req.Cookies)
	}
	if req.BodyType != "" {
		httpReq.Header.Set("Content-Type", req.BodyType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Username != "" {
		httpReq.SetBasicAuth(req.Username, req.Password)
	}
	if req.RangeStart >= 0 {
		if req.RangeEnd >= 0 {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.RangeStart, req.RangeEnd))
		} else {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.RangeStart))
		}
	}
	httpReq.Header.Set("Connection", "keep-alive")
	return httpReq, nil
}

func parseInfo(resp *http.Response) *ResponseInfo {
	info := &ResponseInfo{
		StatusCode:         resp.StatusCode,
		Status:             resp.Status,
		ContentLength:      resp.ContentLength,
		ContentType:        resp.Header.Get("Content-Type"),
		ContentDisposition: resp.Header.Get("Content-Disposition"),
		AcceptRanges:       strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		ETag:               resp.Header.Get("ETag"),
		LastModified:       resp.Header.Get("Last-Modified"),
		Headers:            resp.Header.Clone(),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		info.FinalURL = resp.Request.URL.String()
	}
	return info
}
