// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package logger

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	requestIDHeaderName   = "x-request-id"
	forwardedForHeaderKey = "x-forwarded-for"

	IncomingRequestMessage  = "incoming request"
	RequestCompletedMessage = "request completed"
)

// requestID returns the incoming x-request-id header or generates a fresh one.
func requestID(c *fiber.Ctx) string {
	if id := c.Get(requestIDHeaderName); id != "" {
		return id
	}

	return uuid.NewString()
}

// RequestMiddlewareLogger is a fiber middleware that logs every request not
// matching one of excludedPrefix. The incoming request is traced, the
// completed one logged with its status and timing, and a request-scoped
// logger is stored in the request user context for the handlers.
func RequestMiddlewareLogger(logger Logger, excludedPrefix []string) func(*fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		path := string(c.Request().URI().RequestURI())
		for _, prefix := range excludedPrefix {
			if strings.HasPrefix(path, prefix) {
				return c.Next()
			}
		}

		start := time.Now()
		log := logger.WithName("request").With("requestId", requestID(c))

		c.SetUserContext(WithContext(c.UserContext(), log))

		log.Trace(IncomingRequestMessage,
			"method", c.Method(),
			"path", path,
			"userAgent", c.Get(fiber.HeaderUserAgent),
			"forwardedFor", c.Get(forwardedForHeaderKey),
		)

		err := c.Next()

		statusCode := c.Response().StatusCode()
		bodySize := len(c.Response().Body())
		if fiberErr, ok := err.(*fiber.Error); err != nil && ok {
			statusCode = fiberErr.Code
			bodySize = len(fiberErr.Error())
		}

		log.Info(RequestCompletedMessage,
			"method", c.Method(),
			"path", path,
			"statusCode", statusCode,
			"bodyBytes", bodySize,
			"responseTime", float64(time.Since(start).Milliseconds()),
		)

		return err
	}
}
