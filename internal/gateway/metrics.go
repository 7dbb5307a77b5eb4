// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promHandler exposes the lifecycle controller's Prometheus registry at
// GET /metrics, the promhttp.Handler() exposition idiom rather than a
// hand-rolled text formatter.
func (g *Gateway) promHandler() http.Handler {
	return promhttp.HandlerFor(g.controller.Metrics().Registry, promhttp.HandlerOpts{})
}
