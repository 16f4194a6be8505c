// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package server

import (
	"net/http"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mia-platform/amux/internal/dispatcher"
	"github.com/mia-platform/amux/internal/info"
)

// statusRoutes registers the operational endpoints under /-/: liveness,
// readiness bound to the adapter lifecycles, and the Prometheus metrics.
func statusRoutes(app *fiber.App, d *dispatcher.Dispatcher, gatherer prometheus.Gatherer, name string) {
	status := app.Group("/-")

	status.Get("/healthz", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"name":    name,
			"version": info.Version,
			"status":  "OK",
		})
	})

	status.Get("/ready", func(c *fiber.Ctx) error {
		if !d.Settled() {
			return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
				"name":    name,
				"version": info.Version,
				"status":  "KO",
			})
		}

		return c.Status(http.StatusOK).JSON(fiber.Map{
			"name":    name,
			"version": info.Version,
			"status":  "OK",
		})
	})

	status.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}
