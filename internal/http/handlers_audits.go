package http

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"geoaudit/internal/model"
)

var validMarkets = map[string]bool{
	"us": true, "latam": true, "emea": true, "ar": true, "none": true,
}

func (s *Server) createAuditHandler(c *fiber.Ctx) error {
	var req CreateAuditRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "BAD_REQUEST_INVALID_JSON", "Bad request, malformed JSON")
	}

	req.SeedURL = strings.TrimSpace(req.SeedURL)
	if req.SeedURL == "" {
		return badRequest(c, "BAD_REQUEST", "Missing required field 'seed_url'")
	}
	seed, err := url.Parse(req.SeedURL)
	if err != nil || (seed.Scheme != "http" && seed.Scheme != "https") || seed.Host == "" {
		return badRequest(c, "BAD_REQUEST", "Field 'seed_url' must be an absolute http(s) URL")
	}

	lang := strings.ToLower(strings.TrimSpace(req.Language))
	if lang == "" {
		lang = "en"
	}
	if lang != "en" && lang != "es" {
		return badRequest(c, "BAD_REQUEST", "Field 'language' must be 'en' or 'es'")
	}

	market := strings.ToLower(strings.TrimSpace(req.Market))
	if market == "" {
		market = "none"
	}
	if !validMarkets[market] {
		return badRequest(c, "BAD_REQUEST", "Field 'target_market' must be one of us, latam, emea, ar, none")
	}

	if req.FetchTimeoutSeconds < 0 {
		return badRequest(c, "BAD_REQUEST", "Field 'fetch_timeout_seconds' must not be negative")
	}

	audit := &model.Audit{
		OwnerID:    strings.TrimSpace(req.OwnerID),
		OwnerEmail: strings.TrimSpace(req.OwnerEmail),
		Config: model.AuditConfig{
			SeedURL:             req.SeedURL,
			Language:            lang,
			Market:              market,
			Competitors:         req.Competitors,
			CrawlCap:            req.CrawlCap,
			FetchTimeoutSeconds: req.FetchTimeoutSeconds,
			AllowSubdomains:     req.AllowSubdomains,
		},
	}
	if err := s.store.CreateAudit(c.Context(), audit); err != nil {
		return failWith(c, err)
	}

	if err := s.manager.Submit(audit.ID); err != nil {
		// The audit row stays pending so the caller can retry the submit
		// by re-posting; surface the queue rejection as-is.
		return failWith(c, err)
	}

	s.logger.Info("audit_submitted",
		"audit_id", audit.ID,
		"seed_url", audit.Config.SeedURL,
		"language", lang,
		"market", market,
	)

	id := strconv.FormatInt(audit.ID, 10)
	base := c.Protocol() + "://" + c.Hostname() + "/v1/audits/" + id
	return c.Status(fiber.StatusAccepted).JSON(CreateAuditResponse{
		Success:   true,
		ID:        audit.ID,
		Status:    string(model.StatusPending),
		URL:       base,
		EventsURL: base + "/events",
	})
}

func (s *Server) getAuditHandler(c *fiber.Ctx) error {
	id, err := auditID(c)
	if err != nil {
		return badRequest(c, "BAD_REQUEST", "invalid audit id")
	}
	audit, err := s.store.GetAudit(c.Context(), id)
	if err != nil {
		return failWith(c, err)
	}
	return c.JSON(audit)
}

func (s *Server) listAuditsHandler(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	audits, err := s.store.ListAudits(c.Context(), c.Query("owner"), limit)
	if err != nil {
		return failWith(c, err)
	}
	if audits == nil {
		audits = []model.Audit{}
	}
	return c.JSON(fiber.Map{"audits": audits, "total": len(audits)})
}

func (s *Server) regenerateHandler(c *fiber.Ctx) error {
	id, err := auditID(c)
	if err != nil {
		return badRequest(c, "BAD_REQUEST", "invalid audit id")
	}
	var req RegenerateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "BAD_REQUEST_INVALID_JSON", "Bad request, malformed JSON")
		}
	}

	if err := s.regen.Regenerate(c.Context(), id, req.ForcePerformance); err != nil {
		return failWith(c, err)
	}
	audit, err := s.store.GetAudit(c.Context(), id)
	if err != nil {
		return failWith(c, err)
	}
	return c.JSON(audit)
}

func (s *Server) cancelAuditHandler(c *fiber.Ctx) error {
	id, err := auditID(c)
	if err != nil {
		return badRequest(c, "BAD_REQUEST", "invalid audit id")
	}
	if err := s.manager.Cancel(id); err != nil {
		return failWith(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true, "id": id})
}

func auditID(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}
