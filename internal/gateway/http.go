package gateway

import (
	"context"
	_ "embed"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rahul/scholar/internal/store"
	"github.com/rahul/scholar/internal/workflow"
)

//go:embed static/index.html
var indexHTML string

type HTTPGateway struct {
	Addr    string
	Echo    *echo.Echo
	Reports Reports
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	TaskID string `json:"task_id"`
}

type progressResponse struct {
	Steps []workflow.StepRecord `json:"steps"`
}

func NewHTTPGateway(addr string, reports Reports) *HTTPGateway {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	g := &HTTPGateway{Addr: addr, Echo: e, Reports: reports}
	g.routes()
	return g
}

func (g *HTTPGateway) routes() {
	g.Echo.GET("/", g.index)
	g.Echo.GET("/api", g.health)
	g.Echo.GET("/healthz", g.health)
	g.Echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	g.Echo.POST("/generate_report", g.generateReport)
	g.Echo.GET("/task_progress/:id", g.taskProgress)
	g.Echo.GET("/task_status/:id", g.taskStatus)
}

func (g *HTTPGateway) Start() error {
	log.Printf("HTTP gateway listening on %s", g.Addr)
	if err := g.Echo.Start(g.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *HTTPGateway) Stop(ctx context.Context) error {
	return g.Echo.Shutdown(ctx)
}

func (g *HTTPGateway) index(c echo.Context) error {
	return c.HTML(http.StatusOK, indexHTML)
}

func (g *HTTPGateway) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// generateReport plans the task and returns its id before any step runs.
func (g *HTTPGateway) generateReport(c echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request", "details": err.Error()})
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "prompt is required"})
	}

	id, err := g.Reports.Submit(c.Request().Context(), req.Prompt)
	if err != nil {
		log.Printf("submit failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to submit task", "details": err.Error()})
	}
	return c.JSON(http.StatusOK, generateResponse{TaskID: id})
}

func (g *HTTPGateway) taskProgress(c echo.Context) error {
	steps := g.Reports.Progress(c.Request().Context(), c.Param("id"))
	if steps == nil {
		steps = []workflow.StepRecord{}
	}
	return c.JSON(http.StatusOK, progressResponse{Steps: steps})
}

func (g *HTTPGateway) taskStatus(c echo.Context) error {
	st, err := g.Reports.Status(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Task not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to retrieve task", "details": err.Error()})
	}
	return c.JSON(http.StatusOK, st)
}
