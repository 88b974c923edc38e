package routes

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/musikutiv/metaFirst/internal/opsdb"
)

// OperationalRoutes serves per-tenant ingest-run and heartbeat endpoints.
type OperationalRoutes struct {
	store       *opsdb.Store
	scope       *opsdb.Scope
	provisioner *opsdb.Provisioner
}

func NewOperationalRoutes(store *opsdb.Store, scope *opsdb.Scope, provisioner *opsdb.Provisioner) *OperationalRoutes {
	return &OperationalRoutes{store: store, scope: scope, provisioner: provisioner}
}

// RegisterRoutes registers operational endpoints.
func (o *OperationalRoutes) RegisterRoutes(s *echo.Echo) {
	api := s.Group("/api/v1/tenants/:tenant")

	api.POST("/runs", o.handleCreateRun)
	api.PATCH("/runs/:run", o.handleUpdateRun)
	api.GET("/runs", o.handleListRuns)
	api.POST("/heartbeats", o.handleRecordHeartbeat)
	api.GET("/heartbeats", o.handleListHeartbeats)
	api.GET("/opsdb", o.handleOpsDBStatus)
}

type createRunRequest struct {
	ProjectID   int64  `json:"project_id"`
	TriggeredBy string `json:"triggered_by"`
	IngestorID  string `json:"ingestor_id"`
}

func (o *OperationalRoutes) handleCreateRun(c echo.Context) error {
	tenantID, err := tenantParam(c)
	if err != nil {
		return err
	}
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	run, err := o.store.CreateIngestRun(c.Request().Context(), tenantID, req.ProjectID, req.TriggeredBy, req.IngestorID)
	if err != nil {
		return operationalHTTPError(err)
	}
	return c.JSON(http.StatusCreated, run)
}

type updateRunRequest struct {
	Status     *string `json:"status"`
	FileCount  *int64  `json:"file_count"`
	TotalBytes *int64  `json:"total_bytes"`
	ErrorCount *int64  `json:"error_count"`
	Message    *string `json:"message"`
	Finished   bool    `json:"finished"`
}

func (o *OperationalRoutes) handleUpdateRun(c echo.Context) error {
	tenantID, err := tenantParam(c)
	if err != nil {
		return err
	}
	runID, err := strconv.ParseInt(c.Param("run"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "run id must be an integer")
	}
	var req updateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	run, err := o.store.UpdateIngestRun(c.Request().Context(), tenantID, runID, opsdb.RunUpdate{
		Status:     req.Status,
		FileCount:  req.FileCount,
		TotalBytes: req.TotalBytes,
		ErrorCount: req.ErrorCount,
		Message:    req.Message,
		Finished:   req.Finished,
	})
	if err != nil {
		return operationalHTTPError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (o *OperationalRoutes) handleListRuns(c echo.Context) error {
	tenantID, err := tenantParam(c)
	if err != nil {
		return err
	}
	var projectID int64
	if raw := c.QueryParam("project"); raw != "" {
		projectID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "project must be an integer")
		}
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
	}

	runs, err := o.store.ListRecentRuns(c.Request().Context(), tenantID, projectID, limit)
	if err != nil {
		return operationalHTTPError(err)
	}
	if runs == nil {
		runs = []opsdb.RunSummary{}
	}
	return c.JSON(http.StatusOK, runs)
}

type heartbeatRequest struct {
	IngestorID   string   `json:"ingestor_id"`
	Hostname     *string  `json:"hostname"`
	Status       string   `json:"status"`
	Message      *string  `json:"message"`
	WatchedPaths []string `json:"watched_paths"`
	Version      *string  `json:"version"`
}

func (o *OperationalRoutes) handleRecordHeartbeat(c echo.Context) error {
	tenantID, err := tenantParam(c)
	if err != nil {
		return err
	}
	var req heartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	hb, err := o.store.RecordHeartbeat(c.Request().Context(), tenantID, opsdb.HeartbeatInput{
		IngestorID:   req.IngestorID,
		Hostname:     req.Hostname,
		Status:       req.Status,
		Message:      req.Message,
		WatchedPaths: req.WatchedPaths,
		Version:      req.Version,
	})
	if err != nil {
		return operationalHTTPError(err)
	}
	return c.JSON(http.StatusOK, hb)
}

func (o *OperationalRoutes) handleListHeartbeats(c echo.Context) error {
	tenantID, err := tenantParam(c)
	if err != nil {
		return err
	}
	includeOffline, _ := strconv.ParseBool(c.QueryParam("include_offline"))

	heartbeats, err := o.store.ListHeartbeats(c.Request().Context(), tenantID, includeOffline)
	if err != nil {
		return operationalHTTPError(err)
	}
	if heartbeats == nil {
		heartbeats = []opsdb.HeartbeatSummary{}
	}
	return c.JSON(http.StatusOK, heartbeats)
}

type opsDBStatusResponse struct {
	Configured  bool             `json:"configured"`
	Initialized bool             `json:"initialized"`
	Tables      []string         `json:"tables"`
	RowCounts   map[string]int64 `json:"row_counts,omitempty"`
}

func (o *OperationalRoutes) handleOpsDBStatus(c echo.Context) error {
	tenantID, err := tenantParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	eng, err := o.scope.Engine(ctx, tenantID)
	if err != nil {
		var cfgErr *opsdb.ConfigurationError
		if errors.As(err, &cfgErr) {
			return c.JSON(http.StatusOK, opsDBStatusResponse{Tables: []string{}})
		}
		return operationalHTTPError(err)
	}

	status, err := o.opsDBStatus(ctx, eng)
	if err != nil {
		return operationalHTTPError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (o *OperationalRoutes) opsDBStatus(ctx context.Context, eng *opsdb.Engine) (opsDBStatusResponse, error) {
	tables, err := o.provisioner.ListTables(ctx, eng)
	if err != nil {
		return opsDBStatusResponse{}, err
	}
	initialized, err := o.provisioner.Initialized(ctx, eng)
	if err != nil {
		return opsDBStatusResponse{}, err
	}
	status := opsDBStatusResponse{Configured: true, Initialized: initialized, Tables: tables}
	if status.Tables == nil {
		status.Tables = []string{}
	}
	if initialized {
		counts, err := o.provisioner.RowCounts(ctx, eng, []string{opsdb.TableIngestRuns, opsdb.TableHeartbeats})
		if err != nil {
			return opsDBStatusResponse{}, err
		}
		status.RowCounts = counts
	}
	return status, nil
}

func tenantParam(c echo.Context) (int64, error) {
	tenantID, err := strconv.ParseInt(c.Param("tenant"), 10, 64)
	if err != nil || tenantID <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "tenant id must be a positive integer")
	}
	return tenantID, nil
}

// operationalHTTPError maps the data-plane error taxonomy onto HTTP statuses.
func operationalHTTPError(err error) error {
	var (
		tenantNotFound *opsdb.TenantNotFoundError
		notFound       *opsdb.NotFoundError
		cfgErr         *opsdb.ConfigurationError
		schemaErr      *opsdb.SchemaNotInitializedError
		valErr         *opsdb.ValidationError
		connErr        *opsdb.ConnectivityError
	)
	switch {
	case errors.As(err, &tenantNotFound), errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &cfgErr), errors.As(err, &schemaErr):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &valErr):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &connErr):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
