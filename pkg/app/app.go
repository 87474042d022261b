// Package app serves the challenge phases over lego's httpreq protocol.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/config"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/data"
)

const (
	contentTypeJSON   = "application/json"
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Solver is what the httpreq endpoints drive.
type Solver interface {
	Present(ctx context.Context, domain, value string) error
	CleanUp(ctx context.Context, domain, value string) error
}

// HTTPReq is the body lego's httpreq provider posts in default mode.
type HTTPReq struct {
	FQDN  string `json:"fqdn" binding:"required"`
	Value string `json:"value" binding:"required"`
}

// New returns the httpreq router. It leaves the global gin mode alone,
// callers pick it once at startup.
func New(cfg *config.Config, solver Solver, log *zap.Logger) *gin.Engine {
	log = log.Named("httpreq")

	r := gin.New()
	r.Use(LogRequest(log), gin.Recovery())

	httpreq := r.Group("/httpreq")
	if cfg.HTTPReqUsername != "" {
		httpreq.Use(gin.BasicAuth(gin.Accounts{cfg.HTTPReqUsername: cfg.HTTPReqPassword}))
	}
	httpreq.Use(ContentTypeJSON())
	httpreq.POST("/present", handle(cfg.Domain, solver.Present, log))
	httpreq.POST("/cleanup", handle(cfg.Domain, solver.CleanUp, log))

	return r
}

// Serve runs handler on cfg.ListenAddr until ctx is done.
func Serve(ctx context.Context, cfg *config.Config, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func handle(zone string, fn func(ctx context.Context, domain, value string) error, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req HTTPReq
		if err := c.ShouldBindJSON(&req); err != nil {
			log.Debug("invalid request body", zap.Error(err))
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}

		domain, err := data.DomainFromFQDN(req.FQDN)
		if err == nil {
			_, err = data.RecordName(domain, zone)
		}
		if err != nil {
			log.Info("rejecting request", zap.String("fqdn", req.FQDN), zap.Error(err))
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}

		if err := fn(c.Request.Context(), domain, req.Value); err != nil {
			log.Error("request failed", zap.String("fqdn", req.FQDN), zap.Error(err))
			_ = c.AbortWithError(http.StatusInternalServerError, err)
			return
		}

		c.Status(http.StatusOK)
	}
}

// ContentTypeJSON rejects requests that do not declare a JSON body.
func ContentTypeJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.ContentType() != contentTypeJSON {
			c.String(http.StatusBadRequest, "Content-Type must be application/json\n")
			c.Abort()
			return
		}
		c.Next()
	}
}

// LogRequest logs status, latency, client address, method and path of
// every request.
func LogRequest(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			fields = append(fields, zap.String("errors", errs.String()))
		}
		log.Info("request", fields...)
	}
}
