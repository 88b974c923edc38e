package routes

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/musikutiv/metaFirst/internal/central"
	"github.com/musikutiv/metaFirst/internal/opsdb"
)

// TenantRoutes serves tenant and project administration against the shared
// metadata store.
type TenantRoutes struct {
	central *central.Store
}

func NewTenantRoutes(store *central.Store) *TenantRoutes {
	return &TenantRoutes{central: store}
}

// RegisterRoutes registers tenant administration endpoints.
func (t *TenantRoutes) RegisterRoutes(s *echo.Echo) {
	api := s.Group("/api/v1/tenants")

	api.POST("", t.handleCreateTenant)
	api.GET("", t.handleListTenants)
	api.GET("/:tenant", t.handleGetTenant)
	api.PUT("/:tenant/opsdb", t.handleSetTenantDSN)
	api.POST("/:tenant/projects", t.handleCreateProject)
	api.GET("/:tenant/projects", t.handleListProjects)
}

type createTenantRequest struct {
	Name   string `json:"name"`
	OpsDSN string `json:"ops_dsn"`
}

func (t *TenantRoutes) handleCreateTenant(c echo.Context) error {
	var req createTenantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	tenant, err := t.central.CreateTenant(c.Request().Context(), req.Name, req.OpsDSN)
	if err != nil {
		return operationalHTTPError(err)
	}
	return c.JSON(http.StatusCreated, maskTenant(tenant))
}

func (t *TenantRoutes) handleListTenants(c echo.Context) error {
	activeOnly, _ := strconv.ParseBool(c.QueryParam("active"))

	tenants, err := t.central.ListTenants(c.Request().Context(), activeOnly)
	if err != nil {
		return operationalHTTPError(err)
	}
	out := make([]*central.Tenant, 0, len(tenants))
	for _, tenant := range tenants {
		out = append(out, maskTenant(tenant))
	}
	return c.JSON(http.StatusOK, out)
}

func (t *TenantRoutes) handleGetTenant(c echo.Context) error {
	tenantID, err := tenantParam(c)
	if err != nil {
		return err
	}
	tenant, err := t.central.GetTenant(c.Request().Context(), tenantID)
	if err != nil {
		return operationalHTTPError(err)
	}
	return c.JSON(http.StatusOK, maskTenant(tenant))
}

type setDSNRequest struct {
	OpsDSN string `json:"ops_dsn"`
}

func (t *TenantRoutes) handleSetTenantDSN(c echo.Context) error {
	tenantID, err := tenantParam(c)
	if err != nil {
		return err
	}
	var req setDSNRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	tenant, err := t.central.SetTenantDSN(c.Request().Context(), tenantID, req.OpsDSN)
	if err != nil {
		return operationalHTTPError(err)
	}
	return c.JSON(http.StatusOK, maskTenant(tenant))
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (t *TenantRoutes) handleCreateProject(c echo.Context) error {
	tenantID, err := tenantParam(c)
	if err != nil {
		return err
	}
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	project, err := t.central.CreateProject(c.Request().Context(), tenantID, req.Name, req.Description)
	if err != nil {
		return operationalHTTPError(err)
	}
	return c.JSON(http.StatusCreated, project)
}

func (t *TenantRoutes) handleListProjects(c echo.Context) error {
	tenantID, err := tenantParam(c)
	if err != nil {
		return err
	}
	projects, err := t.central.ListProjects(c.Request().Context(), tenantID)
	if err != nil {
		return operationalHTTPError(err)
	}
	if projects == nil {
		projects = []*central.Project{}
	}
	return c.JSON(http.StatusOK, projects)
}

// maskTenant hides DSN passwords on every outbound representation.
func maskTenant(t *central.Tenant) *central.Tenant {
	masked := *t
	masked.OpsDSN = opsdb.MaskDSN(masked.OpsDSN)
	return &masked
}
