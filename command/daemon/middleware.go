// Copyright 2020 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package daemon

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// logging writes one log line per request.
func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrap := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		reqStart := time.Now().UTC()
		next.ServeHTTP(wrap, r)

		// health checks and scrapes would flood the logs
		uri := r.URL.RequestURI()
		if strings.HasPrefix(uri, "/healthz") || strings.HasPrefix(uri, "/metrics") {
			return
		}
		logr := logrus.WithContext(r.Context()).
			WithField("status", wrap.Status()).
			WithField("dur[ms]", time.Since(reqStart).Milliseconds())
		logLine := "http: " + r.Method + " " + uri
		if wrap.Status() >= http.StatusInternalServerError {
			logr.Errorln(logLine)
		} else {
			logr.Debugln(logLine)
		}
	})
}
