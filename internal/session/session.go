// Package session is the authenticated HTTP session against the Overleaf host.
package session

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	cookiejar "github.com/juju/persistent-cookiejar"
	"github.com/juju/ratelimit"

	"github.com/chmdznr/olbackup/internal/scrape"
)

var logger = loggo.GetLogger("olbackup.session")

const (
	// ErrConnectivity means the host could not be reached or its root page
	// did not answer 200.
	ErrConnectivity = errors.ConstError("server unreachable")
	// ErrAuthentication means the login was rejected.
	ErrAuthentication = errors.ConstError("authentication failed")
	// ErrProjectFetch means an archive download answered with a non-success status.
	ErrProjectFetch = errors.ConstError("archive download failed")
)

// Options configures a Session.
type Options struct {
	// CookieFile persists the login between runs. Empty keeps cookies in memory.
	CookieFile string
	// RateLimit caps archive downloads in bytes per second. Zero is unlimited.
	RateLimit int64
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Session issues requests against one host and carries its cookies across
// calls. It is not safe for concurrent use.
type Session struct {
	base   *url.URL
	client *http.Client
	jar    *cookiejar.Jar
	bucket *ratelimit.Bucket
}

// New creates a session for baseURL.
func New(baseURL string, opts Options) (*Session, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Annotatef(err, "parsing url %q", baseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.NotValidf("url %q", baseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{
		Filename:  opts.CookieFile,
		NoPersist: opts.CookieFile == "",
	})
	if err != nil {
		return nil, errors.Annotatef(err, "loading cookie jar")
	}

	// No client timeout; requests are bounded by their context.
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 5 * time.Minute,
		ExpectContinueTimeout: 1 * time.Second,
	}

	s := &Session{
		base:   base,
		client: &http.Client{Transport: tr, Jar: jar},
		jar:    jar,
	}
	if opts.RateLimit > 0 {
		s.bucket = ratelimit.NewBucketWithRate(float64(opts.RateLimit), opts.RateLimit)
	}
	return s, nil
}

// URL returns the absolute URL of path on the session host.
func (s *Session) URL(path string) string {
	return s.base.JoinPath(path).String()
}

func (s *Session) do(req *http.Request) (*Response, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s", req.URL)
	}
	logger.Tracef("%s %s -> %d (%d bytes)", req.Method, req.URL, resp.StatusCode, len(body))
	return &Response{Status: resp.StatusCode, Body: body}, nil
}

// Get fetches path.
func (s *Session) Get(ctx context.Context, path string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(path), nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s.do(req)
}

// Post submits form to path as application/x-www-form-urlencoded.
func (s *Session) Post(ctx context.Context, path string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL(path), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req)
}

// Login checks that the host is up and signs in with the anti-forgery token
// found on its root page.
func (s *Session) Login(ctx context.Context, email, password string) error {
	resp, err := s.Get(ctx, "/")
	if err != nil {
		return errors.Annotatef(ErrConnectivity, "%s: %v", s.base, err)
	}
	if resp.Status != http.StatusOK {
		return errors.Annotatef(ErrConnectivity, "%s answered %d", s.base, resp.Status)
	}

	token, ok := scrape.CSRFToken(resp.Body)
	if !ok {
		return errors.Annotatef(ErrAuthentication, "no csrf token on %s", s.base)
	}

	resp, err = s.Post(ctx, "/login", url.Values{
		"email":    {email},
		"password": {password},
		"_csrf":    {token},
	})
	if err != nil {
		return errors.Annotatef(ErrConnectivity, "posting login: %v", err)
	}
	if !resp.OK() {
		return errors.Annotatef(ErrAuthentication, "login as %s answered %d", email, resp.Status)
	}
	logger.Infof("logged in to %s as %s", s.base, email)
	return nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// DownloadArchive starts the zip export of a project. The caller must close
// the returned body. size is -1 when the server does not announce it.
func (s *Session) DownloadArchive(ctx context.Context, projectID string) (io.ReadCloser, int64, error) {
	path := "/project/" + url.PathEscape(projectID) + "/download/zip"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(path), nil)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, errors.Annotatef(ErrProjectFetch, "project %s: %v", projectID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, 0, errors.Annotatef(ErrProjectFetch, "project %s answered %d", projectID, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if s.bucket != nil {
		body = ratelimit.Reader(body, s.bucket)
	}
	return readCloser{Reader: body, Closer: resp.Body}, resp.ContentLength, nil
}

// Close saves the cookie jar.
func (s *Session) Close() error {
	if err := s.jar.Save(); err != nil {
		return errors.Annotatef(err, "cannot save cookie jar")
	}
	return nil
}
