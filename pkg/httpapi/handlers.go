package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/relaycore/scheduled/pkg/trigger"
	"github.com/relaycore/scheduled/pkg/types"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listHandlers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"handlers": s.registry.List()})
}

// scheduleRequest is the POST /api/schedule body. Field names follow the
// job-centric naming of the public API rather than the internal model.
type scheduleRequest struct {
	HandlerID        string         `json:"handler_id"`
	JobMethod        string         `json:"job_method"`
	JobParams        map[string]any `json:"job_params"`
	Trigger          triggerRequest `json:"trigger"`
	JobID            string         `json:"job_id,omitempty"`
	MisfireGraceSecs float64        `json:"misfire_grace_time,omitempty"`
	Coalesce         string         `json:"coalesce,omitempty"`
	MaxAttempts      int            `json:"max_attempts,omitempty"`
	ReplaceExisting  bool           `json:"replace_existing,omitempty"`
}

func (s *Server) addSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.HandlerID == "" || req.JobMethod == "" {
		respondError(c, http.StatusBadRequest, "handler_id and job_method are required")
		return
	}

	handler, err := s.registry.Get(req.HandlerID)
	if err != nil {
		respondError(c, http.StatusNotFound, "unknown handler: "+req.HandlerID)
		return
	}
	// Best-effort typo check. The authoritative method check happens at
	// call time, since the handler may re-register with a different set.
	if !handler.HasMethod(req.JobMethod) {
		respondError(c, http.StatusBadRequest, "handler "+req.HandlerID+" does not expose method "+req.JobMethod)
		return
	}

	trig, err := parseTrigger(req.Trigger)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid trigger: "+err.Error())
		return
	}

	next, err := trigger.NextFireTime(trig, time.Now())
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid trigger: "+err.Error())
		return
	}
	if next == nil {
		respondError(c, http.StatusBadRequest, "trigger produces no future fire time")
		return
	}

	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	}

	coalesce := types.Coalesce(req.Coalesce)
	switch coalesce {
	case types.CoalesceLatest, types.CoalesceEarliest, types.CoalesceAll:
	case "":
		coalesce = types.CoalesceLatest
	default:
		respondError(c, http.StatusBadRequest, "invalid coalesce policy: "+req.Coalesce)
		return
	}

	sched := &types.Schedule{
		ID:               id,
		HandlerID:        req.HandlerID,
		MethodName:       req.JobMethod,
		Params:           req.JobParams,
		Trigger:          trig,
		NextFireTime:     next,
		MisfireGraceTime: time.Duration(req.MisfireGraceSecs * float64(time.Second)),
		Coalesce:         coalesce,
		MaxAttempts:      req.MaxAttempts,
		CreatedAt:        time.Now(),
	}

	if err := s.store.Put(sched, req.ReplaceExisting); err != nil {
		respondError(c, statusForStoreErr(err), err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "success", "job_id": id})
}

type runNowRequest struct {
	HandlerID string         `json:"handler_id"`
	JobMethod string         `json:"job_method"`
	JobParams map[string]any `json:"job_params"`
}

func (s *Server) runNow(c *gin.Context) {
	var req runNowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.HandlerID == "" || req.JobMethod == "" {
		respondError(c, http.StatusBadRequest, "handler_id and job_method are required")
		return
	}
	if _, err := s.registry.Get(req.HandlerID); err != nil {
		respondError(c, http.StatusNotFound, "unknown handler: "+req.HandlerID)
		return
	}

	result, err := s.engine.RunNow(req.HandlerID, req.JobMethod, req.JobParams)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "result": result})
}

// scheduleView is the public rendering of one schedule row.
type scheduleView struct {
	ID               string         `json:"id"`
	HandlerID        string         `json:"handler_id"`
	JobMethod        string         `json:"job_method"`
	JobParams        map[string]any `json:"job_params"`
	Trigger          map[string]any `json:"trigger"`
	NextFireTime     *time.Time     `json:"next_fire_time"`
	MisfireGraceSecs float64        `json:"misfire_grace_time"`
	Coalesce         string         `json:"coalesce"`
	CreatedAt        time.Time      `json:"created_at"`
}

func (s *Server) listSchedules(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100, 1000)
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}

	var start, end *time.Time
	if raw := c.Query("start_time"); raw != "" {
		t, err := parseTimeString(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid start_time: "+err.Error())
			return
		}
		start = &t
	}
	if raw := c.Query("end_time"); raw != "" {
		t, err := parseTimeString(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid end_time: "+err.Error())
			return
		}
		end = &t
	}

	scheds, err := s.store.List(start, end, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]scheduleView, 0, len(scheds))
	for _, sched := range scheds {
		views = append(views, scheduleView{
			ID:               sched.ID,
			HandlerID:        sched.HandlerID,
			JobMethod:        sched.MethodName,
			JobParams:        sched.Params,
			Trigger:          triggerView(sched.Trigger),
			NextFireTime:     sched.NextFireTime,
			MisfireGraceSecs: sched.MisfireGraceTime.Seconds(),
			Coalesce:         string(sched.Coalesce),
			CreatedAt:        sched.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"schedules": views,
		"pagination": gin.H{
			"limit":  limit,
			"offset": offset,
			"count":  len(views),
		},
	})
}

func (s *Server) removeSchedule(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.Get(id); err != nil {
		respondError(c, statusForStoreErr(err), "unknown schedule: "+id)
		return
	}
	if err := s.store.Remove(id); err != nil {
		respondError(c, statusForStoreErr(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) getExecutions(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100, 1000)

	var records []*types.ExecutionRecord
	switch {
	case c.Query("handler_id") != "":
		records = s.execLog.GetByHandler(c.Query("handler_id"), limit)
	case c.Query("job_id") != "":
		records = s.execLog.GetByJob(c.Query("job_id"), limit)
	default:
		records = s.execLog.GetRecent(limit)
	}

	if status := c.Query("status"); status != "" {
		filtered := records[:0]
		for _, r := range records {
			if string(r.Status) == status {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	c.JSON(http.StatusOK, gin.H{"count": len(records), "limit": limit, "records": records})
}

func (s *Server) getExecutionStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.execLog.GetStats())
}

func (s *Server) getExecutionErrors(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100, 500)
	errs := s.execLog.GetErrors(limit)
	c.JSON(http.StatusOK, gin.H{"count": len(errs), "errors": errs})
}

func (s *Server) clearExecutions(c *gin.Context) {
	s.execLog.Clear()
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
