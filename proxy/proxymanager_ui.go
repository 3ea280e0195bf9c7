package proxy

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

type UINavigationItem struct {
	Label  string
	Path   string
	Active bool
}

type UIModel struct {
	ID          string
	Description string
	Aliases     string
	Running     bool
}

type UIStatusRow struct {
	Label string
	Value string
}

type UIPageData struct {
	NavItems   []UINavigationItem
	Models     []UIModel
	StatusRows []UIStatusRow
	Logs       string
}

func (pm *ProxyManager) addUIHandlers() {
	e := pm.ginEngine

	e.GET("/", pm.uiIndexHandler)
	e.GET("/ui", pm.uiIndexHandler)
	e.GET("/ui/models", pm.uiModelsPageHandler)
	e.GET("/ui/status", pm.uiStatusPageHandler)
	e.GET("/ui/logs", pm.uiLogsPageHandler)

	if staticFS, err := GetUIStaticFS(); err == nil {
		e.StaticFS("/ui/static", staticFS)
	} else {
		pm.logger.Error().Err(err).Msg("ui static assets unavailable")
	}
}

func (pm *ProxyManager) uiIndexHandler(c *gin.Context) {
	c.Redirect(http.StatusFound, "/ui/models")
}

func (pm *ProxyManager) uiModelsPageHandler(c *gin.Context) {
	data := pm.uiPageData("/ui/models")
	data.Models = pm.uiModelsList()
	pm.renderUITemplate(c, "pages/models", data)
}

func (pm *ProxyManager) uiStatusPageHandler(c *gin.Context) {
	data := pm.uiPageData("/ui/status")
	data.StatusRows = pm.uiStatusRows()
	pm.renderUITemplate(c, "pages/status", data)
}

func (pm *ProxyManager) uiLogsPageHandler(c *gin.Context) {
	data := pm.uiPageData("/ui/logs")
	data.Logs = strings.Join(pm.logs.Lines(), "\n")
	pm.renderUITemplate(c, "pages/logs", data)
}

func (pm *ProxyManager) uiPageData(activePath string) UIPageData {
	return UIPageData{
		NavItems: []UINavigationItem{
			{Label: "Models", Path: "/ui/models", Active: activePath == "/ui/models"},
			{Label: "Status", Path: "/ui/status", Active: activePath == "/ui/status"},
			{Label: "Logs", Path: "/ui/logs", Active: activePath == "/ui/logs"},
		},
	}
}

func (pm *ProxyManager) uiModelsList() []UIModel {
	cfg := pm.config.Get()
	currentModel, _, running := pm.state.Snapshot()

	models := make([]UIModel, 0, len(cfg.Models))
	for id, modelConfig := range cfg.Models {
		if modelConfig.Unlisted {
			continue
		}
		models = append(models, UIModel{
			ID:          id,
			Description: strings.TrimSpace(modelConfig.Description),
			Aliases:     strings.Join(modelConfig.Aliases, ", "),
			Running:     running && id == currentModel,
		})
	}

	sort.Slice(models, func(i, j int) bool {
		return models[i].ID < models[j].ID
	})

	return models
}

func (pm *ProxyManager) uiStatusRows() []UIStatusRow {
	status := pm.supervisor.Status()

	rows := []UIStatusRow{
		{Label: "Running", Value: fmt.Sprintf("%t", status.Running)},
		{Label: "Ready", Value: fmt.Sprintf("%t", status.Ready)},
	}
	if status.Model != "" {
		rows = append(rows, UIStatusRow{Label: "Model", Value: status.Model})
	}
	if status.Running {
		rows = append(rows,
			UIStatusRow{Label: "Port", Value: fmt.Sprintf("%d", status.Port)},
			UIStatusRow{Label: "PID", Value: fmt.Sprintf("%d", status.Pid)},
		)
	}
	rows = append(rows,
		UIStatusRow{Label: "Context", Value: fmt.Sprintf("%d / %d", status.Stats.CtxUsed, status.Ctx)},
		UIStatusRow{Label: "Total tokens", Value: fmt.Sprintf("%d", status.Stats.TotalTokens)},
		UIStatusRow{Label: "Prompt speed", Value: formatSpeed(status.Stats.PromptSpeed)},
		UIStatusRow{Label: "Generation speed", Value: formatSpeed(status.Stats.GenSpeed)},
	)
	if status.Stats.VramMB > 0 {
		rows = append(rows, UIStatusRow{Label: "VRAM", Value: fmt.Sprintf("%d MB", status.Stats.VramMB)})
	}
	if status.Stats.RamMB > 0 {
		rows = append(rows, UIStatusRow{Label: "RAM", Value: fmt.Sprintf("%d MB", status.Stats.RamMB)})
	}
	if gpus, err := ProbeGPUs(); err == nil {
		for _, gpu := range gpus {
			rows = append(rows, UIStatusRow{
				Label: fmt.Sprintf("GPU %d", gpu.Index),
				Value: fmt.Sprintf("%d / %d MB free", gpu.FreeMB, gpu.TotalMB),
			})
		}
	}
	return rows
}

func formatSpeed(speed float64) string {
	if speed <= 0 {
		return "—"
	}
	return fmt.Sprintf("%.2f t/s", speed)
}

func (pm *ProxyManager) renderUITemplate(c *gin.Context, name string, data UIPageData) {
	if pm.uiTemplates == nil {
		c.String(http.StatusInternalServerError, "UI templates unavailable")
		return
	}
	tmpl := pm.uiTemplates.Template(name)
	if tmpl == nil {
		c.String(http.StatusInternalServerError, "UI template not found")
		return
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(c.Writer, data); err != nil {
		c.String(http.StatusInternalServerError, err.Error())
	}
}
