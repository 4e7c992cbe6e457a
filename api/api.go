// Package api exposes the preview pipeline to the game layer over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leeineian/earworm"
	"github.com/leeineian/earworm/media"
	"github.com/leeineian/earworm/preview"
	"github.com/leeineian/earworm/proxy"
	"github.com/leeineian/earworm/sys"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type handler struct {
	svc *earworm.Service
}

// NewRouter builds the gin engine for svc.
func NewRouter(svc *earworm.Service) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	h := &handler{svc: svc}
	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/preview", h.getPreview)
	r.POST("/preload", h.preload)
	r.DELETE("/cache", h.clearCache)

	proxies := r.Group("/proxies")
	proxies.GET("", h.listProxies)
	proxies.POST("/refresh", h.refreshProxies)
	proxies.POST("/ban", h.banProxy)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		sys.LogDebug(sys.MsgAPIRequest, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

func (h *handler) health(c *gin.Context) {
	st := h.svc.Gate.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"active":      st.Active,
		"queued":      st.Queued,
		"maxParallel": st.MaxParallel,
		"cached":      h.svc.Cache.Len(),
		"proxies":     h.svc.Proxies != nil,
	})
}

// queryFrom reads artist, track and kind from the URL query.
func queryFrom(c *gin.Context) (media.Query, error) {
	kind, err := media.ParseKind(c.Query("kind"))
	if err != nil {
		return media.Query{}, err
	}
	return media.Query{ArtistName: c.Query("artist"), TrackName: c.Query("track"), Kind: kind}, nil
}

func (h *handler) getPreview(c *gin.Context) {
	q, err := queryFrom(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	skip, _ := strconv.ParseBool(c.Query("skipCache"))

	p, err := h.svc.Resolve(c.Request.Context(), q, preview.Options{SkipCache: skip})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "preview unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"preview": p, "playUrl": p.PlayURL()})
}

type preloadRequest struct {
	Items []preview.Item `json:"items" binding:"required"`
}

func (h *handler) preload(c *gin.Context) {
	var req preloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var last preview.Progress
	items, err := h.svc.Preload(c.Request.Context(), req.Items, func(p preview.Progress) { last = p })
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "items": items, "progress": last})
		return
	}
	if last.Total == 0 {
		last.Total = len(items)
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "progress": last})
}

func (h *handler) clearCache(c *gin.Context) {
	if c.Query("artist") == "" {
		n := h.svc.Cache.Clear(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"cleared": n})
		return
	}
	q, err := queryFrom(c)
	if err == nil {
		err = q.Validate()
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.svc.Cache.Delete(c.Request.Context(), q)
	c.JSON(http.StatusOK, gin.H{"cleared": q.Key()})
}

func (h *handler) requireProxies(c *gin.Context) bool {
	if h.svc.Proxies == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "proxying is disabled"})
		return false
	}
	return true
}

func (h *handler) listProxies(c *gin.Context) {
	if h.svc.Proxies == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "proxies": []proxy.Record{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "proxies": h.svc.Proxies.Records()})
}

func (h *handler) refreshProxies(c *gin.Context) {
	if !h.requireProxies(c) {
		return
	}
	if err := h.svc.Proxies.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"proxies": h.svc.Proxies.Records()})
}

type banRequest struct {
	URL string `json:"url" binding:"required"`
}

func (h *handler) banProxy(c *gin.Context) {
	if !h.requireProxies(c) {
		return
	}
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.svc.Proxies.Ban(req.URL)
	c.JSON(http.StatusOK, gin.H{"banned": proxy.Redact(req.URL)})
}

// Serve runs the HTTP server on addr until ctx ends, then shuts it down.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		sys.LogAPI(sys.MsgAPIListening, addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	sys.LogAPI(sys.MsgAPIStopped, err)
	return err
}
