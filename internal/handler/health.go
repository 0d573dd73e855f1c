package handler

import (
    "net/http" // net/http provides status codes and response helpers

    "github.com/labstack/echo/v4" // echo is the web framework used for this project
)

// Health answers liveness probes from load balancers and monitoring.
// It deliberately checks nothing downstream: Redis or MySQL trouble
// surfaces as request errors and metrics, not as a dead instance.
func Health(c echo.Context) error {
    return c.String(http.StatusOK, "ok")
}
