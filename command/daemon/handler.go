// Copyright 2020 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package daemon

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/drone-runners/drone-autoscaler/app/autoscaler"
	"github.com/drone-runners/drone-autoscaler/internal/httprender"
	"github.com/drone-runners/drone-autoscaler/store"
	"github.com/drone-runners/drone-autoscaler/types"
)

const defaultHistoryLimit = 100

// instance is the part of the autoscaler served over http.
type instance interface {
	Status() autoscaler.Status
	Configuration() *types.AutoscalerConfig
}

// Handler returns the http handler of the daemon. A nil event store
// disables the history endpoint.
func Handler(a instance, events store.EventStore) http.Handler {
	r := chi.NewRouter()
	r.Use(logging)
	r.Use(middleware.Recoverer)

	r.Mount("/metrics", promhttp.Handler())

	r.Get("/healthz", handleHealth(a))
	r.Get("/config", handleConfig(a))
	if events != nil {
		r.Get("/history", handleHistory(events))
	}
	return r
}

func handleHealth(a instance) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := a.Status()
		if !status.OK() {
			httprender.JSON(w, status, http.StatusServiceUnavailable)
			return
		}
		httprender.OK(w, status)
	}
}

func handleConfig(a instance) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := a.Configuration()
		if cfg == nil {
			httprender.NotFound(w, "autoscaler is not configured")
			return
		}
		httprender.OK(w, cfg)
	}
}

// handleHistory lists recorded events. The since parameter is a
// duration relative to now.
func handleHistory(events store.EventStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := r.URL.Query()
		query := &types.EventQuery{
			Kind:  types.EventKind(params.Get("kind")),
			Name:  params.Get("name"),
			Limit: defaultHistoryLimit,
		}
		if s := params.Get("since"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d < 0 {
				httprender.BadRequest(w, "invalid since parameter")
				return
			}
			query.Since = time.Now().Add(-d)
		}
		if s := params.Get("limit"); s != "" {
			limit, err := strconv.Atoi(s)
			if err != nil || limit <= 0 {
				httprender.BadRequest(w, "invalid limit parameter")
				return
			}
			query.Limit = limit
		}
		list, err := events.List(r.Context(), query)
		if err != nil {
			logrus.WithError(err).Errorln("daemon: cannot list history")
			httprender.InternalError(w)
			return
		}
		if list == nil {
			list = []*types.Event{}
		}
		httprender.OK(w, list)
	}
}
