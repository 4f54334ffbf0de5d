package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/jobs"
	"github.com/example/freight-dispatch/internal/models"
)

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if err := requireRole(a, models.RoleCustomer); err != nil {
		writeError(w, err)
		return
	}
	var in jobs.CreateInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	j, err := s.jobs.Create(r.Context(), a.UserID, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

// handleListJobs returns the caller's own jobs. Drivers pass scope=open to
// browse the jobs still taking bids; admins always see the open board.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	var (
		list []*models.Job
		err  error
	)
	switch {
	case a.Role == models.RoleCustomer:
		list, err = s.jobs.ListForCustomer(r.Context(), a.UserID)
	case a.Role == models.RoleDriver && r.URL.Query().Get("scope") != "open":
		list, err = s.jobs.ListForDriver(r.Context(), a.UserID)
	default:
		list, err = s.jobs.ListOpen(r.Context())
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// visibleJob loads the job and checks that a may see it. Drivers can see
// any job that is still taking bids.
func (s *Server) visibleJob(r *http.Request, a models.Actor) (*models.Job, error) {
	j, err := s.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	switch {
	case a.Role == models.RoleAdmin,
		a.Role == models.RoleCustomer && j.CustomerID == a.UserID,
		a.Role == models.RoleDriver && (j.DriverID == a.UserID || j.Status == models.JobPending):
		return j, nil
	}
	return nil, apperr.New(apperr.Forbidden, "job %s is not visible to %s", j.ID, a.UserID)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.visibleJob(r, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.JobStatus `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.jobs.TransitionAs(r.Context(), actor(r), mux.Vars(r)["id"], body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(actor(r), models.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.DriverID == "" {
		writeError(w, apperr.New(apperr.InvalidArgument, "driver_id is required"))
		return
	}
	j, err := s.jobs.AssignDriver(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleSettle retries settlement for a completed job the ledger missed.
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(actor(r), models.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	e, err := s.jobs.Settle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	j, err := s.visibleJob(r, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tl, err := s.jobs.Timeline(r.Context(), j.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if a.Role == models.RoleDriver {
		writeError(w, apperr.New(apperr.Forbidden, "drivers cannot rank candidates"))
		return
	}
	j, err := s.visibleJob(r, a)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.jobs.Candidates(r.Context(), j.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
