package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// fixed "created" timestamp for the OpenAI model list, matching what
// llama.cpp-based servers report
const modelListCreated = 1677619200

type StartRequest struct {
	ModelKey string `json:"model_key"`
	Ctx      *int   `json:"ctx"`
}

func (pm *ProxyManager) apiGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":      pm.config.GetModels(),
		"default_ctx": pm.state.defaultCtx,
	})
}

// apiListModels serves the OpenAI-compatible list plus a richer descriptive
// list with derived capabilities. Unlisted models stay startable but are
// hidden here.
func (pm *ProxyManager) apiListModels(c *gin.Context) {
	models := pm.config.GetModels()

	modelIDs := make([]string, 0, len(models))
	for modelID := range models {
		modelIDs = append(modelIDs, modelID)
	}
	sort.Strings(modelIDs)

	openaiList := []gin.H{}
	descriptiveList := []gin.H{}
	for _, modelID := range modelIDs {
		modelConfig := models[modelID]
		if modelConfig.Unlisted {
			continue
		}
		openaiList = append(openaiList, gin.H{
			"id":       modelID,
			"object":   "model",
			"created":  modelListCreated,
			"owned_by": "llamacpp",
		})
		descriptiveList = append(descriptiveList, gin.H{
			"name":         modelID,
			"model":        modelID,
			"type":         "model",
			"description":  modelConfig.Description,
			"aliases":      modelConfig.Aliases,
			"capabilities": modelConfig.Capabilities(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   openaiList,
		"models": descriptiveList,
	})
}

func (pm *ProxyManager) apiGetStatus(c *gin.Context) {
	status := pm.supervisor.Status()
	if gpus, err := ProbeGPUs(); err == nil {
		status.GPUs = gpus
	}
	c.JSON(http.StatusOK, status)
}

func (pm *ProxyManager) apiGetLogs(c *gin.Context) {
	c.JSON(http.StatusOK, pm.logs.Lines())
}

func (pm *ProxyManager) apiStartBackend(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendErrorResponse(c, http.StatusBadRequest, "invalid JSON in request body")
		return
	}
	if req.ModelKey == "" {
		pm.sendErrorResponse(c, http.StatusBadRequest, "model_key is required")
		return
	}

	ctxSize := 0
	if req.Ctx != nil {
		ctxSize = *req.Ctx
	}

	result, err := pm.supervisor.Start(req.ModelKey, ctxSize)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			pm.sendErrorResponse(c, http.StatusNotFound, err.Error())
		} else {
			pm.sendErrorResponse(c, http.StatusInternalServerError, err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "started",
		"model":   result.Model,
		"port":    result.Port,
		"command": result.Command,
	})
}

func (pm *ProxyManager) apiStopBackend(c *gin.Context) {
	pm.supervisor.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

type messageType string

const (
	msgTypeLogData messageType = "logData"
	msgTypeStatus  messageType = "status"
)

type messageEnvelope struct {
	Type messageType `json:"type"`
	Data string      `json:"data"`
}

// apiSendEvents streams log lines and periodic status snapshots as SSE.
func (pm *ProxyManager) apiSendEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Content-Type-Options", "nosniff")

	sendBuffer := make(chan messageEnvelope, 64)

	sendStatus := func() {
		data, err := json.Marshal(pm.supervisor.Status())
		if err != nil {
			return
		}
		select {
		case sendBuffer <- messageEnvelope{Type: msgTypeStatus, Data: string(data)}:
		default:
		}
	}

	cancel := pm.logs.OnLine(func(line string) {
		select {
		case sendBuffer <- messageEnvelope{Type: msgTypeLogData, Data: line}:
		default:
		}
	})
	defer cancel()

	// initial snapshot so a fresh client does not start blank
	for _, line := range pm.logs.Lines() {
		select {
		case sendBuffer <- messageEnvelope{Type: msgTypeLogData, Data: line}:
		default:
		}
	}
	sendStatus()

	statusTicker := time.NewTicker(2 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-pm.shutdownCtx.Done():
			return
		case <-statusTicker.C:
			sendStatus()
		case msg := <-sendBuffer:
			c.SSEvent("message", msg)
			c.Writer.Flush()
		}
	}
}
