// Package http exposes the subsystem to the browser layer as a REST
// surface: status and proxy rules, lifecycle, identity, circuits,
// policy, hidden services and telemetry.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veilbrowse/torgate/internal/circuits"
	"github.com/veilbrowse/torgate/internal/infrastructure/logging"
	"github.com/veilbrowse/torgate/internal/onion"
	"github.com/veilbrowse/torgate/internal/policy"
	"github.com/veilbrowse/torgate/internal/shared/types"
	"github.com/veilbrowse/torgate/internal/supervisor"
	"github.com/veilbrowse/torgate/internal/telemetry"
)

// Handler bundles the subsystem components behind the REST surface.
// Every field is injected; the handler owns nothing.
type Handler struct {
	sup    *supervisor.Supervisor
	circ   *circuits.Controller
	pol    *policy.Config
	onions *onion.Manager
	tel    *telemetry.Reader
	logger *logging.Logger
}

// NewHandler creates the REST handler.
func NewHandler(
	sup *supervisor.Supervisor,
	circ *circuits.Controller,
	pol *policy.Config,
	onions *onion.Manager,
	tel *telemetry.Reader,
	logger *logging.Logger,
) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{sup: sup, circ: circ, pol: pol, onions: onions, tel: tel, logger: logger}
}

// Register mounts all routes on the router group.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health", h.health)
	r.GET("/status", h.status)
	r.GET("/proxy", h.proxy)

	r.POST("/daemon/start", h.start)
	r.POST("/daemon/stop", h.stop)
	r.POST("/daemon/restart", h.restart)

	r.POST("/identity/rotate", h.rotate)

	r.GET("/circuits", h.listCircuits)
	r.GET("/circuits/path", h.activePath)
	r.DELETE("/circuits/:id", h.closeCircuit)

	r.PUT("/policy/exit-countries", h.setExitCountries)
	r.PUT("/policy/excluded-countries", h.setExcludedCountries)
	r.PUT("/policy/entry-countries", h.setEntryCountries)
	r.DELETE("/policy/restrictions", h.clearRestrictions)
	r.PUT("/policy/bridges", h.enableBridges)
	r.DELETE("/policy/bridges", h.disableBridges)
	r.PUT("/policy/isolation", h.setIsolation)
	r.GET("/policy/isolation/port", h.isolatedPort)
	r.GET("/policy/countries", h.allowedCountries)

	r.POST("/onions", h.createOnion)
	r.GET("/onions", h.listOnions)
	r.DELETE("/onions/:id", h.removeOnion)
	r.GET("/onions/classify", h.classify)

	r.GET("/telemetry", h.telemetry)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"state":  h.sup.State(),
	})
}

func (h *Handler) status(c *gin.Context) {
	st := h.sup.Status()
	st.Bridges = h.pol.BridgeInfo()
	st.Isolation = h.pol.IsolationInfo()
	st.IdentityRotations = h.circ.Rotations()

	if exit := h.circ.CurrentExit(); exit != nil {
		node := *exit
		node.Restrictions = h.pol.Restrictions()
		st.ExitNode = &node
	} else if r := h.pol.Restrictions(); len(r.AllowedCountries) > 0 || len(r.ExcludedCountries) > 0 {
		st.ExitNode = &types.ExitNode{Restrictions: r}
	}

	if st.State == types.StateConnected {
		if circs, err := h.circ.Circuits(c.Request.Context()); err == nil {
			st.OpenCircuits = len(circs)
		}
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) proxy(c *gin.Context) {
	p := h.sup.Proxy()
	c.JSON(http.StatusOK, gin.H{
		"proxy": p,
		"rules": p.Rules(),
	})
}

func (h *Handler) start(c *gin.Context) {
	if err := h.sup.Start(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.sup.State()})
}

func (h *Handler) stop(c *gin.Context) {
	if err := h.sup.Stop(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.sup.State()})
}

func (h *Handler) restart(c *gin.Context) {
	if err := h.sup.Restart(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.sup.State()})
}

func (h *Handler) rotate(c *gin.Context) {
	rot, err := h.circ.NewIdentity(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rot)
}

func (h *Handler) listCircuits(c *gin.Context) {
	circs, err := h.circ.Circuits(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"circuits": circs})
}

func (h *Handler) activePath(c *gin.Context) {
	hops, err := h.circ.ActivePath(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hops": hops})
}

func (h *Handler) closeCircuit(c *gin.Context) {
	if err := h.circ.CloseCircuit(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type countriesRequest struct {
	Countries []string `json:"countries" binding:"required"`
}

func (h *Handler) setExitCountries(c *gin.Context) {
	h.applyCountries(c, h.pol.SetExitCountries)
}

func (h *Handler) setExcludedCountries(c *gin.Context) {
	h.applyCountries(c, h.pol.SetExcludedExitCountries)
}

func (h *Handler) setEntryCountries(c *gin.Context) {
	h.applyCountries(c, h.pol.SetEntryCountries)
}

func (h *Handler) applyCountries(c *gin.Context, apply func(ctx context.Context, codes []string) error) {
	var req countriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := apply(c.Request.Context(), req.Countries); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.pol.Restrictions())
}

func (h *Handler) clearRestrictions(c *gin.Context) {
	if err := h.pol.ClearRestrictions(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.pol.Restrictions())
}

type bridgesRequest struct {
	Transport string   `json:"transport" binding:"required"`
	Lines     []string `json:"lines"`
}

func (h *Handler) enableBridges(c *gin.Context) {
	var req bridgesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	restart, err := h.pol.EnableBridges(policy.Transport(req.Transport), req.Lines)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bridges":          h.pol.BridgeInfo(),
		"restart_required": restart,
	})
}

func (h *Handler) disableBridges(c *gin.Context) {
	restart := h.pol.DisableBridges()
	c.JSON(http.StatusOK, gin.H{
		"bridges":          h.pol.BridgeInfo(),
		"restart_required": restart,
	})
}

type isolationRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (h *Handler) setIsolation(c *gin.Context) {
	var req isolationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.pol.SetIsolationMode(policy.IsolationMode(req.Mode)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.pol.IsolationInfo())
}

func (h *Handler) isolatedPort(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		key = policy.NewSessionKey()
	}
	c.JSON(http.StatusOK, gin.H{
		"key":  key,
		"port": h.pol.IsolatedPort(key),
	})
}

func (h *Handler) allowedCountries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"countries": policy.AllowedCountries()})
}

func (h *Handler) createOnion(c *gin.Context) {
	var spec onion.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	svc, err := h.onions.Create(c.Request.Context(), spec)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, svc)
}

func (h *Handler) listOnions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": h.onions.List()})
}

func (h *Handler) removeOnion(c *gin.Context) {
	if err := h.onions.Remove(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) classify(c *gin.Context) {
	host := c.Query("host")
	if host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing host parameter"})
		return
	}
	cls := onion.Classify(host)
	resp := gin.H{"host": host, "classification": cls}
	if loc := c.Query("onion_location"); loc != "" {
		if url, ok := onion.AdviseOnionLocation(host, loc); ok {
			resp["onion_location"] = url
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) telemetry(c *gin.Context) {
	tel, err := h.tel.Read(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tel)
}

// fail maps subsystem sentinels onto HTTP statuses.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	var countryErr *policy.CountryError
	switch {
	case errors.As(err, &countryErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   countryErr.Error(),
			"code":    countryErr.Code,
			"allowed": countryErr.Allowed,
		})
		return
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, supervisor.ErrBinaryNotFound):
		status = http.StatusFailedDependency
	case errors.Is(err, supervisor.ErrBootstrapTimeout),
		errors.Is(err, supervisor.ErrUnexpectedExit):
		status = http.StatusBadGateway
	case errors.Is(err, circuits.ErrCircuitNotFound),
		errors.Is(err, onion.ErrServiceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, circuits.ErrNoActiveCircuit):
		status = http.StatusServiceUnavailable
	case errors.Is(err, policy.ErrUnknownTransport),
		errors.Is(err, policy.ErrMalformedBridge),
		errors.Is(err, policy.ErrNoBridges),
		errors.Is(err, policy.ErrUnknownIsolationMode),
		errors.Is(err, onion.ErrInvalidPort),
		errors.Is(err, onion.ErrUnknownKeyType):
		status = http.StatusBadRequest
	}

	c.JSON(status, gin.H{"error": err.Error()})
}
