package handler // handler defines http handlers

import (
    "errors" // errors provides the sentinel used by getUserID
    "time"   // time validates occurrence date parameters

    "github.com/labstack/echo/v4" // echo defines request context types
)

// getUserID extracts the opaque user identifier that JWTAuth stored in
// the context.  The engine never interprets the value; it is whatever
// subject the identity collaborator issued.
func getUserID(c echo.Context) (string, error) {
    if v, ok := c.Get("user_id").(string); ok && v != "" {
        return v, nil
    }
    return "", errors.New("invalid user_id in context")
}

// parseOccurrenceDate validates a YYYY-MM-DD path parameter and
// returns it in canonical form.
func parseOccurrenceDate(raw string) (string, bool) {
    t, err := time.Parse("2006-01-02", raw)
    if err != nil {
        return "", false
    }
    return t.Format("2006-01-02"), true
}
