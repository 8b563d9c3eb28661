// Package server implements the HTTP and HTTPS imposter protocols.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/imposter"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/observability"
)

// Protocol serves imposters over HTTP, or HTTPS when secure
type Protocol struct {
	secure            bool
	logger            *zap.Logger
	readHeaderTimeout time.Duration
	now               func() time.Time
}

// Option configures a Protocol
type Option func(*Protocol)

// WithLogger sets the protocol logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Protocol) {
		p.logger = logger
	}
}

// WithReadHeaderTimeout bounds how long a client may take to send headers
func WithReadHeaderTimeout(timeout time.Duration) Option {
	return func(p *Protocol) {
		p.readHeaderTimeout = timeout
	}
}

// NewHTTP creates the http protocol
func NewHTTP(opts ...Option) *Protocol {
	return newProtocol(false, opts)
}

// NewHTTPS creates the https protocol. Imposters must carry PEM encoded
// "cert" and "key" fields.
func NewHTTPS(opts ...Option) *Protocol {
	return newProtocol(true, opts)
}

func newProtocol(secure bool, opts []Option) *Protocol {
	p := &Protocol{
		secure:            secure,
		logger:            observability.GetLogger(),
		readHeaderTimeout: 10 * time.Second,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the protocol name used in imposter definitions
func (p *Protocol) Name() string {
	if p.secure {
		return "https"
	}
	return "http"
}

// TestRequest returns the canonical request used to dry run stubs
func (p *Protocol) TestRequest() models.Request {
	return models.Request{
		"requestFrom": "",
		"method":      "GET",
		"path":        "/",
		"query":       map[string]interface{}{},
		"headers":     map[string]interface{}{},
		"body":        "",
		"ip":          "",
	}
}

// Listen binds the imposter's port and starts serving it
func (p *Protocol) Listen(ctx context.Context, header *models.Imposter, handler imposter.Handler) (imposter.Server, error) {
	var config *tls.Config
	if p.secure {
		certificate, err := certificateFor(header)
		if err != nil {
			return nil, err
		}
		config = &tls.Config{Certificates: []tls.Certificate{certificate}, MinVersion: tls.VersionTLS12}
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", header.Port))
	if err != nil {
		return nil, err
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if config != nil {
		listener = tls.NewListener(listener, config)
	}

	label := fmt.Sprintf("%s:%d", p.Name(), port)
	s := &Server{
		port:    port,
		handler: handler,
		logger:  p.logger.With(zap.String("protocol", p.Name()), zap.Int("port", port)),
		now:     p.now,
	}
	s.httpServer = &http.Server{
		Handler:           observability.MetricsMiddleware(label, observability.TracingMiddleware(label, s.handleRequest)),
		ReadHeaderTimeout: p.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Imposter server stopped unexpectedly", zap.Error(err))
		}
	}()

	s.logger.Info("Imposter listening", zap.String("addr", listener.Addr().String()))
	return s, nil
}

// certificateFor reads the PEM certificate and key of an https imposter
func certificateFor(header *models.Imposter) (tls.Certificate, error) {
	cert, _ := header.Config["cert"].(string)
	key, _ := header.Config["key"].(string)
	if cert == "" || key == "" {
		return tls.Certificate{}, errs.Validation("https imposters require cert and key", header.Port)
	}

	certificate, err := tls.X509KeyPair([]byte(cert), []byte(key))
	if err != nil {
		return tls.Certificate{}, errs.Validation("invalid certificate or key", header.Port).Wrap(err)
	}
	return certificate, nil
}

// Server is a running HTTP imposter
type Server struct {
	port       int
	handler    imposter.Handler
	httpServer *http.Server
	logger     *zap.Logger
	now        func() time.Time
}

// Port returns the bound port
func (s *Server) Port() int {
	return s.port
}

// Close stops accepting connections and waits for in-flight requests
func (s *Server) Close(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return s.httpServer.Close()
	}
	return nil
}

// handleRequest converts the request, asks the imposter for a response and
// writes it back
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	request, err := s.toRequest(r)
	if err != nil {
		s.logger.Error("Failed to read request body", zap.Error(err))
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("Request received", zap.String("method", r.Method), zap.String("path", r.URL.Path))

	response, err := s.handler.GetResponseFor(r.Context(), request)
	if err != nil {
		s.logger.Warn("Failed to produce response", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, err)
		return
	}

	writeResponse(w, response, s.logger)
}

// toRequest converts an HTTP request into the protocol neutral request
func (s *Server) toRequest(r *http.Request) (models.Request, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	headers := multiValues(r.Header)
	if r.Host != "" {
		headers["Host"] = r.Host
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}

	return models.Request{
		"requestFrom": r.RemoteAddr,
		"method":      r.Method,
		"path":        r.URL.Path,
		"query":       multiValues(r.URL.Query()),
		"headers":     headers,
		"body":        string(body),
		"ip":          ip,
		"timestamp":   models.Timestamp(s.now()),
	}, nil
}

// multiValues keeps single values as strings and repeated ones as arrays
func multiValues(values map[string][]string) map[string]interface{} {
	result := make(map[string]interface{}, len(values))
	for key, list := range values {
		if len(list) == 1 {
			result[key] = list[0]
			continue
		}
		items := make([]interface{}, len(list))
		for i, value := range list {
			items[i] = value
		}
		result[key] = items
	}
	return result
}

// writeResponse writes a resolved response
func writeResponse(w http.ResponseWriter, response *models.Response, logger *zap.Logger) {
	for key, value := range response.Headers {
		switch v := value.(type) {
		case []interface{}:
			for _, item := range v {
				w.Header().Add(key, fmt.Sprint(item))
			}
		case string:
			w.Header().Set(key, v)
		default:
			w.Header().Set(key, fmt.Sprint(v))
		}
	}

	body, err := bodyBytes(response.Body)
	if err != nil {
		logger.Error("Failed to encode response body", zap.Error(err))
	}

	statusCode := response.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	w.WriteHeader(statusCode)

	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			logger.Error("Failed to write response body", zap.Error(err))
		}
	}
}

// bodyBytes writes strings verbatim and anything else as JSON
func bodyBytes(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(b)
	}
}

// writeError reports a failed resolution as a JSON error list
func writeError(w http.ResponseWriter, err error) {
	var typed *errs.Error
	if !errors.As(err, &typed) {
		typed = errs.New("internal error", err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"errors": []*errs.Error{typed}})
}
