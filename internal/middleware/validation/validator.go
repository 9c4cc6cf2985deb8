package validation

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	countryPattern  = regexp.MustCompile(`^[A-Z]{2}$`)
	categoryPattern = regexp.MustCompile(`^[\p{L}\p{N} /_&-]{1,64}$`)
	datePattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

type Config struct {
	MaxQueryLength      int
	MaxLimit            int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func IsCountry(s string) bool {
	return countryPattern.MatchString(s)
}

// Middleware rejects trigger bodies of unexpected content types and query
// strings with malformed date, country, category, limit or window values.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2048
	}
	if cfg.MaxLimit == 0 {
		cfg.MaxLimit = 5000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json", "application/x-ndjson"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			allowed := false
			for _, allowedType := range cfg.AllowedContentTypes {
				if strings.Contains(contentType, allowedType) {
					allowed = true
					break
				}
			}
			if !allowed {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		if len(c.Request().URI().QueryString()) > cfg.MaxQueryLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Query string exceeds maximum length",
			})
		}

		if msg := checkQuery(c, cfg.MaxLimit); msg != "" {
			cfg.Logger.Debug("Rejected query parameters",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
				zap.String("reason", msg),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": msg,
			})
		}

		return c.Next()
	}
}

func checkQuery(c *fiber.Ctx, maxLimit int) string {
	for _, key := range []string{"from", "to"} {
		v := c.Query(key)
		if v == "" {
			continue
		}
		if !datePattern.MatchString(v) {
			return key + " must be a YYYY-MM-DD date"
		}
		if _, err := time.Parse("2006-01-02", v); err != nil {
			return key + " is not a valid date"
		}
	}

	if v := c.Query("country"); v != "" && !IsCountry(strings.ToUpper(v)) {
		return "country must be an ISO-3166 alpha-2 code"
	}

	if v := c.Query("category"); v != "" && !categoryPattern.MatchString(v) {
		return "category contains invalid characters"
	}

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxLimit {
			return "limit must be between 0 and " + strconv.Itoa(maxLimit)
		}
	}

	if v := c.Query("window"); v != "" && v != "7d" && v != "30d" {
		return "window must be 7d or 30d"
	}

	return ""
}
