// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package server

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/mia-platform/amux/internal/config"
	"github.com/mia-platform/amux/internal/destination"
	"github.com/mia-platform/amux/internal/dispatcher"
	"github.com/mia-platform/amux/internal/logger"
)

// apiRoutes registers the tracking and management endpoints under /v1.
func apiRoutes(app *fiber.App, d *dispatcher.Dispatcher, log logger.Logger) {
	v1 := app.Group("/v1")

	v1.Post("/track", trackHandler(d))
	v1.Post("/identify", identifyHandler(d))
	v1.Post("/page", pageHandler(d))

	v1.Get("/providers", providersHandler(d))
	v1.Post("/providers/:name/enable", func(c *fiber.Ctx) error {
		d.EnableProvider(c.UserContext(), c.Params("name"))
		return c.SendStatus(http.StatusNoContent)
	})
	v1.Post("/providers/:name/disable", func(c *fiber.Ctx) error {
		d.DisableProvider(c.UserContext(), c.Params("name"))
		return c.SendStatus(http.StatusNoContent)
	})

	v1.Get("/config", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(d.Config().Redacted())
	})
	v1.Patch("/config", configHandler(d, log))
}

func trackHandler(d *dispatcher.Dispatcher) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var event destination.Event
		if err := c.BodyParser(&event); err != nil {
			return badRequest(c, "malformed event payload")
		}
		if event.Name == "" {
			return badRequest(c, "event name is required")
		}

		d.TrackEvent(c.UserContext(), event)
		return c.SendStatus(http.StatusAccepted)
	}
}

func identifyHandler(d *dispatcher.Dispatcher) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var identity destination.Identity
		if err := c.BodyParser(&identity); err != nil {
			return badRequest(c, "malformed identity payload")
		}
		if identity.UserID == "" {
			return badRequest(c, "user id is required")
		}

		d.IdentifyUser(c.UserContext(), identity)
		return c.SendStatus(http.StatusAccepted)
	}
}

func pageHandler(d *dispatcher.Dispatcher) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var view destination.PageView
		if err := c.BodyParser(&view); err != nil {
			return badRequest(c, "malformed page view payload")
		}
		if view.URL == "" {
			return badRequest(c, "page url is required")
		}

		d.TrackPageView(c.UserContext(), view)
		return c.SendStatus(http.StatusAccepted)
	}
}

// providerDescription is one entry of the provider listing.
type providerDescription struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	State   string `json:"state"`
}

func providersHandler(d *dispatcher.Dispatcher) fiber.Handler {
	return func(c *fiber.Ctx) error {
		status := d.ProviderStatus()
		states := d.ProviderStates()

		providers := make([]providerDescription, 0, len(status))
		for _, name := range d.AvailableProviders() {
			providers = append(providers, providerDescription{
				Name:    name,
				Enabled: status[name],
				State:   states[name].String(),
			})
		}

		return c.Status(http.StatusOK).JSON(fiber.Map{"providers": providers})
	}
}

func configHandler(d *dispatcher.Dispatcher, log logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var partial config.Partial
		if err := c.BodyParser(&partial); err != nil {
			return badRequest(c, "malformed configuration payload")
		}

		log.Debug("applying configuration update", "rebuild", partial.RequiresRebuild())
		d.UpdateConfig(c.UserContext(), partial)
		return c.Status(http.StatusOK).JSON(d.Config().Redacted())
	}
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(http.StatusBadRequest).JSON(fiber.Map{
		"statusCode": http.StatusBadRequest,
		"error":      http.StatusText(http.StatusBadRequest),
		"message":    message,
	})
}
