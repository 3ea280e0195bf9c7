package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"llamaswitch/proxy/config"
)

const (
	defaultReadyPollInterval = time.Second
	defaultReadyPollAttempts = 60
)

// ProxyManager wires the HTTP surface to the supervisor: the management
// API, the OpenAI-compatible endpoints with auto-load, the metrics endpoint
// and the embedded UI.
type ProxyManager struct {
	ginEngine *gin.Engine

	state      *ServiceState
	supervisor *Supervisor
	config     *config.Monitor
	logs       *LogBuffer
	logger     zerolog.Logger

	wsHub       *WSHub
	uiTemplates *UITemplates
	httpClient  *http.Client

	// overridable for tests; the production values implement the bounded
	// 60x1s readiness poll
	readyPollInterval time.Duration
	readyPollAttempts int

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

func New(cfg *config.Monitor, state *ServiceState, logger zerolog.Logger) *ProxyManager {
	logs := NewLogBuffer(LogBufferCapacity)
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	pm := &ProxyManager{
		state:      state,
		config:     cfg,
		logs:       logs,
		logger:     logger,
		supervisor: NewSupervisor(state, cfg, logs, logger),
		// no client timeout: generation responses stream for minutes and
		// the request context carries the caller's lifetime
		httpClient:        &http.Client{Timeout: 0},
		readyPollInterval: defaultReadyPollInterval,
		readyPollAttempts: defaultReadyPollAttempts,
		shutdownCtx:       shutdownCtx,
		shutdownCancel:    shutdownCancel,
	}

	// a changed mapping may invalidate the running command, so any running
	// backend goes down with it
	cfg.OnChange(func() {
		pm.logger.Warn().Msg("config changed, stopping any running backend")
		pm.supervisor.Stop()
	})

	pm.wsHub = NewWSHub(pm.logger)
	go pm.wsHub.Run(pm.shutdownCtx)

	templates, err := loadUITemplates()
	if err != nil {
		pm.logger.Error().Err(err).Msg("ui templates unavailable")
	} else {
		pm.uiTemplates = templates
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	pm.ginEngine = engine
	pm.setupRoutes()

	return pm
}

func (pm *ProxyManager) setupRoutes() {
	e := pm.ginEngine

	e.GET("/api/config", pm.apiGetConfig)
	e.GET("/api/status", pm.apiGetStatus)
	e.GET("/api/logs", pm.apiGetLogs)
	e.POST("/api/start", pm.apiStartBackend)
	e.POST("/api/stop", pm.apiStopBackend)
	e.GET("/api/events", pm.apiSendEvents)
	e.GET("/api/ws", pm.handleWebSocket)

	e.GET("/v1/models", pm.apiListModels)
	e.POST("/v1/chat/completions", pm.proxyOpenAIHandler)
	e.POST("/v1/completions", pm.proxyOpenAIHandler)

	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	e.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	pm.addUIHandlers()
}

// ServeHTTP implements http.Handler so the manager can be mounted directly.
func (pm *ProxyManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pm.ginEngine.ServeHTTP(w, r)
}

// Shutdown stops background streams and tears down any running backend.
func (pm *ProxyManager) Shutdown() {
	pm.shutdownCancel()
	pm.supervisor.Stop()
}

func (pm *ProxyManager) Supervisor() *Supervisor {
	return pm.supervisor
}

func (pm *ProxyManager) sendErrorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": message})
}

// proxyOpenAIHandler is the auto-load gateway: it reads the requested model
// from the body, swaps the backend if needed, waits for readiness and then
// streams the upstream response back unbuffered.
func (pm *ProxyManager) proxyOpenAIHandler(c *gin.Context) {
	path := c.Request.URL.Path

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		metricProxyRequests.WithLabelValues(path, "bad_request").Inc()
		pm.sendErrorResponse(c, http.StatusBadRequest, "could not read request body")
		return
	}
	if !gjson.ValidBytes(body) {
		metricProxyRequests.WithLabelValues(path, "bad_request").Inc()
		pm.sendErrorResponse(c, http.StatusBadRequest, "invalid JSON in request body")
		return
	}
	requestedModel := gjson.GetBytes(body, "model").String()
	if requestedModel == "" {
		metricProxyRequests.WithLabelValues(path, "bad_request").Inc()
		pm.sendErrorResponse(c, http.StatusBadRequest, "model field is required")
		return
	}

	cfg := pm.config.Get()
	realName, found := cfg.RealModelName(requestedModel)
	if !found {
		metricProxyRequests.WithLabelValues(path, "model_not_found").Inc()
		pm.sendErrorResponse(c, http.StatusNotFound, fmt.Sprintf("model %s not found", requestedModel))
		return
	}

	currentModel, _, running := pm.state.Snapshot()
	if realName != currentModel || !running {
		pm.logger.Info().Str("model", realName).Str("path", path).Msg("auto-loading model")
		if _, err := pm.supervisor.Start(realName, 0); err != nil {
			if errors.Is(err, ErrModelNotFound) {
				metricProxyRequests.WithLabelValues(path, "model_not_found").Inc()
				pm.sendErrorResponse(c, http.StatusNotFound, err.Error())
			} else {
				metricProxyRequests.WithLabelValues(path, "spawn_failed").Inc()
				pm.sendErrorResponse(c, http.StatusInternalServerError, err.Error())
			}
			return
		}
	}

	if !pm.waitForReady() {
		// the backend is deliberately left running; a later request may
		// still catch it once loading finishes
		metricProxyRequests.WithLabelValues(path, "timeout").Inc()
		pm.sendErrorResponse(c, http.StatusGatewayTimeout, "model failed to become ready within timeout")
		return
	}

	// re-snapshot after the wait: when concurrent swaps race, the last
	// completed start owns the slot
	targetModel, targetPort, running := pm.state.Snapshot()
	if !running {
		metricProxyRequests.WithLabelValues(path, "backend_gone").Inc()
		pm.sendErrorResponse(c, http.StatusInternalServerError, "backend exited before the request could be forwarded")
		return
	}

	if modelConfig, ok := cfg.Models[targetModel]; ok && modelConfig.UseModelName != "" {
		if rewritten, err := sjson.SetBytes(body, "model", modelConfig.UseModelName); err == nil {
			body = rewritten
		}
	}

	targetURL := fmt.Sprintf("http://%s:%d%s", pm.state.host, targetPort, path)
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		metricProxyRequests.WithLabelValues(path, "proxy_error").Inc()
		pm.sendErrorResponse(c, http.StatusInternalServerError, fmt.Sprintf("proxy error: %v", err))
		return
	}
	copyProxyHeaders(req.Header, c.Request.Header)
	req.ContentLength = int64(len(body))

	resp, err := pm.httpClient.Do(req)
	if err != nil {
		metricProxyRequests.WithLabelValues(path, "proxy_error").Inc()
		pm.sendErrorResponse(c, http.StatusInternalServerError, fmt.Sprintf("proxy error: %v", err))
		return
	}
	defer resp.Body.Close()

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		c.Header("Content-Type", contentType)
	}
	c.Status(resp.StatusCode)
	flushingCopy(c.Writer, resp.Body)
	metricProxyRequests.WithLabelValues(path, "ok").Inc()
}

// waitForReady polls the readiness flag at a fixed interval for a bounded
// number of attempts. No cancellation primitive; the bound is the counter.
func (pm *ProxyManager) waitForReady() bool {
	for attempt := 0; attempt < pm.readyPollAttempts; attempt++ {
		if pm.state.Ready() {
			return true
		}
		time.Sleep(pm.readyPollInterval)
	}
	return pm.state.Ready()
}

// copyProxyHeaders forwards the caller's headers minus the transport
// specific ones the outbound request owns.
func copyProxyHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		switch http.CanonicalHeaderKey(key) {
		case "Content-Length", "Host", "Connection":
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// flushingCopy streams src to the client without buffering the full body,
// flushing after every chunk so token streams arrive as they are produced.
func flushingCopy(dst http.ResponseWriter, src io.Reader) {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
