package http

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"geoaudit/internal/fault"
)

// ErrorResponse is the uniform error envelope for every endpoint.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// CreateAuditRequest is the body of POST /v1/audits.
type CreateAuditRequest struct {
	SeedURL             string   `json:"seed_url"`
	Language            string   `json:"language"`
	Market              string   `json:"target_market"`
	Competitors         []string `json:"competitors"`
	CrawlCap            int      `json:"crawl_cap"`
	FetchTimeoutSeconds int      `json:"fetch_timeout_seconds"`
	AllowSubdomains     bool     `json:"allow_subdomains"`
	OwnerID             string   `json:"owner_id"`
	OwnerEmail          string   `json:"owner_email"`
}

// CreateAuditResponse points the caller at the read and event endpoints.
type CreateAuditResponse struct {
	Success   bool   `json:"success"`
	ID        int64  `json:"id"`
	Status    string `json:"status"`
	URL       string `json:"url"`
	EventsURL string `json:"events_url"`
}

// RegenerateRequest is the body of POST /v1/audits/:id/regenerate.
type RegenerateRequest struct {
	ForcePerformance bool `json:"force_performance"`
}

// statusOf maps a fault kind onto the HTTP status the envelope carries.
func statusOf(err error) int {
	switch fault.KindOf(err) {
	case fault.NotFound:
		return fiber.StatusNotFound
	case fault.Conflict:
		return fiber.StatusConflict
	case fault.RateLimited:
		return fiber.StatusTooManyRequests
	case fault.InvalidConfig, fault.SSRFBlocked, fault.ParseError:
		return fiber.StatusBadRequest
	case fault.Timeout:
		return fiber.StatusGatewayTimeout
	case fault.LLMUnavailable, fault.Network, fault.HTTP5xx:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// codeOf renders the fault kind as the envelope's machine-readable code.
func codeOf(err error) string {
	kind := fault.KindOf(err)
	if kind == "" {
		kind = fault.Internal
	}
	return strings.ToUpper(string(kind))
}

func failWith(c *fiber.Ctx, err error) error {
	return c.Status(statusOf(err)).JSON(ErrorResponse{
		Success: false,
		Code:    codeOf(err),
		Error:   err.Error(),
	})
}

func badRequest(c *fiber.Ctx, code, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Success: false,
		Code:    code,
		Error:   msg,
	})
}
