package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/models"
)

type priceBody struct {
	Price   float64 `json:"price"`
	Comment string  `json:"comment,omitempty"`
}

// handleSubmitBid files a bid for the calling driver; the driver id always
// comes from the token.
func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if err := requireRole(a, models.RoleDriver); err != nil {
		writeError(w, err)
		return
	}
	var body priceBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.bids.Submit(r.Context(), mux.Vars(r)["id"], a.UserID, body.Price, body.Comment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListJobBids(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if a.Role == models.RoleDriver {
		writeError(w, apperr.New(apperr.Forbidden, "drivers list their own bids"))
		return
	}
	j, err := s.visibleJob(r, a)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.bids.ListForJob(r.Context(), j.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	b, err := s.bids.Accept(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDeclineBid(w http.ResponseWriter, r *http.Request) {
	b, err := s.bids.Decline(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCounterBid(w http.ResponseWriter, r *http.Request) {
	var body priceBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.bids.Counter(r.Context(), mux.Vars(r)["id"], body.Price, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDriverBids(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := selfOrAdmin(actor(r), id); err != nil {
		writeError(w, err)
		return
	}
	var (
		list []*models.Bid
		err  error
	)
	if r.URL.Query().Get("open") == "true" {
		list, err = s.bids.OpenForDriver(r.Context(), id)
	} else {
		list, err = s.bids.ListForDriver(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Method string `json:"method"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	rc, err := s.payments.Confirm(r.Context(), mux.Vars(r)["id"], body.Method, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (s *Server) handlePaymentIntent(w http.ResponseWriter, r *http.Request) {
	in, err := s.payments.CreateIntent(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"intent_id": in.ID, "client_secret": in.ClientSecret})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	p, err := s.payments.Refund(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
