package visit

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/caresync/visits/internal/platform/auth"
	"github.com/caresync/visits/pkg/pagination"
	"github.com/caresync/visits/pkg/visitmodel"
)

type Handler struct {
	svc  *Service
	orch *Orchestrator
	loc  *time.Location
	now  func() time.Time
}

func NewHandler(svc *Service, orch *Orchestrator, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{svc: svc, orch: orch, loc: loc, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/visits")
	g.GET("", h.GetVisits)
	g.GET("/previous", h.GetPreviousVisits)
	g.GET("/offline", h.ListOffline)
	g.POST("/offline/sync", h.SyncOffline)
	g.GET("/:visitId/details", h.GetVisitDetails)
	g.POST("/:visitId/checkin", h.CheckIn)
	g.POST("/:visitId/checkout", h.CheckOut)
	g.POST("/:visitId/reset", h.Reset)
	// deprecated
	g.PUT("/:visitId/reset", h.Reset)
	g.POST("/:visitId/notes", h.AddNote)
}

// RegisterQARoutes adds the shadow endpoints that take the employee and
// identifier in the request instead of a token. Never register in production.
func (h *Handler) RegisterQARoutes(api *echo.Group) {
	g := api.Group("/visits-qa")
	g.GET("", h.QAGetVisits)
	g.POST("/:visitId/checkin", h.QACheckIn)
	g.POST("/:visitId/checkout", h.QACheckOut)
	g.POST("/:visitId/reset", h.QAReset)
	g.POST("/:visitId/notes", h.QAAddNote)
}

// writeResponse is the envelope of every write endpoint.
type writeResponse struct {
	Title        string      `json:"title"`
	Message      string      `json:"message"`
	Payload      interface{} `json:"payload"`
	ActionStatus string      `json:"actionStatus"`
}

func writeOK(c echo.Context, title, done, pending string, res *ActionResult) error {
	msg := done
	if res.ActionStatus == ActionPending {
		msg = pending
	}
	return c.JSON(http.StatusOK, writeResponse{
		Title:        title,
		Message:      msg,
		Payload:      res,
		ActionStatus: res.ActionStatus,
	})
}

// httpError maps domain errors onto status codes.
func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrLeaseHeld):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUpstreamWrite):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, ErrAggregationUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// actor resolves the authenticated caller and the flags of their branch.
func (h *Handler) actor(c echo.Context) (Actor, FeatureFlags, error) {
	ctx := c.Request().Context()
	id := auth.IdentityFromContext(ctx)
	if id == nil {
		return Actor{}, FeatureFlags{}, echo.NewHTTPError(http.StatusUnauthorized, "identity required")
	}
	override := &Override{
		EmpSystemID: c.QueryParam("overrideEmpId"),
		TenantID:    c.QueryParam("overrideTenantId"),
		SystemName:  c.QueryParam("overrideSystemName"),
	}
	actor, flags := h.svc.ResolveActor(ctx, id, c.QueryParam("branchId"), override)
	return actor, flags, nil
}

func (h *Handler) window(c echo.Context) (pagination.Window, error) {
	w, err := pagination.WindowFromContext(c, h.now(), h.loc)
	if err != nil {
		return w, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return w, nil
}

func (h *Handler) GetVisits(c echo.Context) error {
	actor, flags, err := h.actor(c)
	if err != nil {
		return err
	}
	return h.schedule(c, actor, flags)
}

func (h *Handler) schedule(c echo.Context, actor Actor, flags FeatureFlags) error {
	w, err := h.window(c)
	if err != nil {
		return err
	}
	ignore, _ := strconv.ParseBool(c.QueryParam("ignoreStatus"))
	res, err := h.svc.GetVisits(c.Request().Context(), actor, flags, ScheduleQuery{Window: w, IgnoreStatus: ignore})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetPreviousVisits(c echo.Context) error {
	actor, _, err := h.actor(c)
	if err != nil {
		return err
	}
	w, err := h.window(c)
	if err != nil {
		return err
	}
	visits, err := h.svc.GetPreviousVisits(c.Request().Context(), actor, w.Preceding())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"visits": visits})
}

func (h *Handler) GetVisitDetails(c echo.Context) error {
	actor, flags, err := h.actor(c)
	if err != nil {
		return err
	}
	ref := visitmodel.VisitRef{
		VisitID:  c.Param("visitId"),
		TenantID: c.QueryParam("tenantId"),
		CVID:     c.QueryParam("cvid"),
	}
	details, err := h.svc.GetVisitDetails(c.Request().Context(), actor, flags, ref)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, details)
}

func (h *Handler) CheckIn(c echo.Context) error {
	actor, _, err := h.actor(c)
	if err != nil {
		return err
	}
	var req CheckInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.VisitID = c.Param("visitId")
	return h.checkIn(c, actor, req)
}

func (h *Handler) checkIn(c echo.Context, actor Actor, req CheckInRequest) error {
	res, err := h.orch.CheckIn(c.Request().Context(), actor, req, ParseMode(c.QueryParam("mode")))
	if err != nil {
		return httpError(err)
	}
	return writeOK(c, "Check-in", "Checked in to visit", "Check-in is pending confirmation", res)
}

func (h *Handler) CheckOut(c echo.Context) error {
	actor, _, err := h.actor(c)
	if err != nil {
		return err
	}
	var req CheckOutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.VisitID = c.Param("visitId")
	return h.checkOut(c, actor, req)
}

func (h *Handler) checkOut(c echo.Context, actor Actor, req CheckOutRequest) error {
	res, err := h.orch.CheckOut(c.Request().Context(), actor, req, ParseMode(c.QueryParam("mode")))
	if err != nil {
		return httpError(err)
	}
	return writeOK(c, "Check-out", "Checked out of visit", "Check-out is pending confirmation", res)
}

func (h *Handler) Reset(c echo.Context) error {
	actor, _, err := h.actor(c)
	if err != nil {
		return err
	}
	var req ResetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.VisitID = c.Param("visitId")
	return h.reset(c, actor, req)
}

func (h *Handler) reset(c echo.Context, actor Actor, req ResetRequest) error {
	res, err := h.orch.Reset(c.Request().Context(), actor, req)
	if err != nil {
		return httpError(err)
	}
	return writeOK(c, "Reset", "Visit check-in was reset", "Reset is pending confirmation", res)
}

func (h *Handler) AddNote(c echo.Context) error {
	actor, _, err := h.actor(c)
	if err != nil {
		return err
	}
	var req NoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.VisitID = c.Param("visitId")
	return h.addNote(c, actor, req)
}

func (h *Handler) addNote(c echo.Context, actor Actor, req NoteRequest) error {
	res, err := h.svc.AddBranchNote(c.Request().Context(), actor, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, writeResponse{
		Title:        "Note",
		Message:      "Note sent to branch",
		Payload:      res,
		ActionStatus: ActionSuccess,
	})
}

func (h *Handler) ListOffline(c echo.Context) error {
	actor, _, err := h.actor(c)
	if err != nil {
		return err
	}
	recs, err := h.svc.OfflineRecords(c.Request().Context(), actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"records": recs})
}

func (h *Handler) SyncOffline(c echo.Context) error {
	actor, _, err := h.actor(c)
	if err != nil {
		return err
	}
	summary, err := h.orch.ReplayEmployee(c.Request().Context(), actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

// -- QA shadow handlers --

func (h *Handler) QAGetVisits(c echo.Context) error {
	fields := DirectTestFields{
		EmployeePsID: c.QueryParam("employeePsId"),
		EmpSystemID:  c.QueryParam("empSystemId"),
		SystemName:   c.QueryParam("systemName"),
		BranchID:     c.QueryParam("branchId"),
	}
	actor, flags, err := h.svc.DirectActor(c.Request().Context(), fields, c.QueryParam("tenantId"))
	if err != nil {
		return httpError(err)
	}
	return h.schedule(c, actor, flags)
}

func (h *Handler) QACheckIn(c echo.Context) error {
	var req DirectCheckInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.VisitID = c.Param("visitId")
	actor, _, err := h.svc.DirectActor(c.Request().Context(), req.DirectTestFields, req.TenantID)
	if err != nil {
		return httpError(err)
	}
	return h.checkIn(c, actor, req.CheckInRequest)
}

func (h *Handler) QACheckOut(c echo.Context) error {
	var req DirectCheckOutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.VisitID = c.Param("visitId")
	actor, _, err := h.svc.DirectActor(c.Request().Context(), req.DirectTestFields, req.TenantID)
	if err != nil {
		return httpError(err)
	}
	return h.checkOut(c, actor, req.CheckOutRequest)
}

func (h *Handler) QAReset(c echo.Context) error {
	var req DirectResetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.VisitID = c.Param("visitId")
	actor, _, err := h.svc.DirectActor(c.Request().Context(), req.DirectTestFields, req.TenantID)
	if err != nil {
		return httpError(err)
	}
	return h.reset(c, actor, req.ResetRequest)
}

func (h *Handler) QAAddNote(c echo.Context) error {
	var req DirectNoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.VisitID = c.Param("visitId")
	actor, _, err := h.svc.DirectActor(c.Request().Context(), req.DirectTestFields, req.TenantID)
	if err != nil {
		return httpError(err)
	}
	return h.addNote(c, actor, req.NoteRequest)
}
