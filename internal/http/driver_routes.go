package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/drivers"
	"github.com/example/freight-dispatch/internal/models"
)

// selfOrAdmin passes admins and the driver whose id is in the path. A
// driver's id is their token subject.
func selfOrAdmin(a models.Actor, driverID string) error {
	if a.Role == models.RoleAdmin || (a.Role == models.RoleDriver && a.UserID == driverID) {
		return nil
	}
	return apperr.New(apperr.Forbidden, "not allowed to act for driver %s", driverID)
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	var in drivers.RegisterInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	switch a.Role {
	case models.RoleDriver:
		in.ID = a.UserID
	case models.RoleAdmin:
	default:
		writeError(w, apperr.New(apperr.Forbidden, "only drivers and admins register drivers"))
		return
	}
	d, err := s.drivers.Register(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.drivers.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := selfOrAdmin(actor(r), id); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Status models.DriverStatus `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.drivers.SetStatus(r.Context(), id, body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a := actor(r)
	if a.Role != models.RoleDriver || a.UserID != id {
		writeError(w, apperr.New(apperr.Forbidden, "only the driver reports their location"))
		return
	}
	var body models.Coord
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.drivers.RecordLocation(r.Context(), id, body.Lat, body.Lng)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListEarnings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := selfOrAdmin(actor(r), id); err != nil {
		writeError(w, err)
		return
	}
	list, err := s.earnings.ListForDriver(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleEarningsSummary(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := selfOrAdmin(actor(r), id); err != nil {
		writeError(w, err)
		return
	}
	sum, err := s.earnings.Summary(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleAddEarning(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(actor(r), models.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Amount      float64                `json:"amount"`
		Category    models.EarningCategory `json:"category"`
		Description string                 `json:"description"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	e, err := s.earnings.AddBonus(r.Context(), mux.Vars(r)["id"], body.Amount, body.Category, body.Description)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(actor(r), models.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	list, err := s.earnings.MarkPaid(r.Context(), body.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
