package handlers

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/Dahilon/Atlas/internal/middleware/validation"
	"github.com/Dahilon/Atlas/internal/risk/severity"
	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/internal/storage/sqlite"
)

const maxLimit = 5000

func isCountry(s string) bool {
	return validation.IsCountry(s)
}

// ParseFilter reads from, to, country, category and limit query parameters.
// Categories are matched in their normalized form.
func ParseFilter(c *fiber.Ctx) (sqlite.Filter, error) {
	var f sqlite.Filter

	if s := c.Query("from"); s != "" {
		d, err := models.ParseDay(s)
		if err != nil {
			return f, fmt.Errorf("from must be a YYYY-MM-DD date")
		}
		f.From = d
	}
	if s := c.Query("to"); s != "" {
		d, err := models.ParseDay(s)
		if err != nil {
			return f, fmt.Errorf("to must be a YYYY-MM-DD date")
		}
		f.To = d
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, fmt.Errorf("to is before from")
	}

	if s := strings.ToUpper(c.Query("country")); s != "" {
		if !isCountry(s) {
			return f, fmt.Errorf("country must be an ISO-3166 alpha-2 code")
		}
		f.Country = s
	}
	if s := c.Query("category"); s != "" {
		f.Category = severity.NormalizeCategory(s)
	}

	f.Limit = c.QueryInt("limit", 0)
	if f.Limit < 0 || f.Limit > maxLimit {
		return f, fmt.Errorf("limit must be between 0 and %d", maxLimit)
	}
	return f, nil
}
