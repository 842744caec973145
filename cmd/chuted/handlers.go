package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/chutesim/chute"
)

type server struct {
	planner  *chute.Planner
	provider chute.WindProvider
	logger   kitlog.Logger
}

type errorBody struct {
	Error string                `json:"error"`
	Last  *chute.GuidanceResult `json:"last,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps the planning errors onto HTTP statuses.
func statusOf(err error) (int, errorBody) {
	var (
		verr    *chute.ValidationError
		werr    *chute.WindDataError
		failure *chute.OptimizationFailure
	)
	body := errorBody{Error: err.Error()}
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, body
	case errors.As(err, &werr):
		return http.StatusBadGateway, body
	case errors.As(err, &failure):
		body.Last = failure.Last
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, body
	}
	return http.StatusInternalServerError, body
}

func (s *server) trajectoryHandler(w http.ResponseWriter, r *http.Request) {
	req := chute.NewRequest(0, 0, 31)
	req.ReleaseAltitude = s.planner.Atmosphere.Z0
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON payload: " + err.Error()})
		return
	}
	res, err := s.planner.PlanTrajectory(r.Context(), req)
	if err != nil {
		status, body := statusOf(err)
		level.Warn(s.logger).Log("subsys", "http", "path", r.URL.Path, "status", status, "err", err)
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchItem struct {
	Result *chute.GuidanceResult `json:"result,omitempty"`
	Status int                   `json:"status"`
	Error  *errorBody            `json:"error,omitempty"`
}

func (s *server) batchHandler(w http.ResponseWriter, r *http.Request) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON payload: " + err.Error()})
		return
	}
	reqs := make([]chute.Request, len(raw))
	for i, msg := range raw {
		reqs[i] = chute.NewRequest(0, 0, 31)
		reqs[i].ReleaseAltitude = s.planner.Atmosphere.Z0
		if err := json.Unmarshal(msg, &reqs[i]); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "request #" + strconv.Itoa(i) + ": " + err.Error()})
			return
		}
	}
	results, errs := s.planner.PlanBatch(r.Context(), reqs)
	items := make([]batchItem, len(reqs))
	for i := range items {
		if errs[i] != nil {
			status, body := statusOf(errs[i])
			items[i] = batchItem{Status: status, Error: &body}
			continue
		}
		items[i] = batchItem{Result: results[i], Status: http.StatusOK}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *server) windHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	lat, errLat := strconv.ParseFloat(vars["lat"], 64)
	lon, errLon := strconv.ParseFloat(vars["lon"], 64)
	if errLat != nil || errLon != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid coordinates"})
		return
	}
	hour := 0
	if h := r.URL.Query().Get("hour"); h != "" {
		var err error
		if hour, err = strconv.Atoi(h); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid hour index"})
			return
		}
	}
	fc, err := s.provider.Forecast(r.Context(), lat, lon)
	if err != nil {
		status, body := statusOf(err)
		writeJSON(w, status, body)
		return
	}
	report, err := fc.Report(hour)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Time string                `json:"time"`
		Rows []chute.WindReportRow `json:"rows"`
	}{fc.Times[hour].Format("2006-01-02T15:04"), report})
}
