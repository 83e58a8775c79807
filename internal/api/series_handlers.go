package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	defaultRangeLimit = 1000
	maxRangeLimit     = 100_000
	defaultCount      = 10
	maxCount          = 10_000
)

// parseTime accepts seconds since the epoch or RFC 3339.
func parseTime(raw string) (int64, error) {
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ts, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid timestamp "+strconv.Quote(raw))
	}
	return t.Unix(), nil
}

// boundedInt reads an optional positive integer query parameter.
func boundedInt(c *fiber.Ctx, key string, def, limit int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, key+" must be a positive integer")
	}
	return min(n, limit), nil
}

func (s *Server) seriesFor(c *fiber.Ctx) (Series, error) {
	name := c.Params("name")
	sr, ok := s.lookup(name)
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "unknown series "+strconv.Quote(name))
	}
	return sr, nil
}

func (s *Server) listSeries(c *fiber.Ctx) error {
	names := s.names()
	return c.JSON(fiber.Map{
		"count":  len(names),
		"series": names,
	})
}

func (s *Server) seriesStats(c *fiber.Ctx) error {
	sr, err := s.seriesFor(c)
	if err != nil {
		return err
	}
	return c.JSON(sr.Stats())
}

// seriesAt returns the record in the slot containing :ts
func (s *Server) seriesAt(c *fiber.Ctx) error {
	sr, err := s.seriesFor(c)
	if err != nil {
		return err
	}
	ts, err := parseTime(c.Params("ts"))
	if err != nil {
		return err
	}

	rec, ok, err := sr.At(ts)
	if err != nil {
		return err
	}
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "no record at "+strconv.FormatInt(ts, 10))
	}
	return c.JSON(fiber.Map{"record": rec})
}

// seriesRange returns records in [start, end]. order=desc yields newest
// first.
func (s *Server) seriesRange(c *fiber.Ctx) error {
	sr, err := s.seriesFor(c)
	if err != nil {
		return err
	}

	if c.Query("start") == "" || c.Query("end") == "" {
		return fiber.NewError(fiber.StatusBadRequest, "start and end are required")
	}
	start, err := parseTime(c.Query("start"))
	if err != nil {
		return err
	}
	end, err := parseTime(c.Query("end"))
	if err != nil {
		return err
	}
	if end < start {
		return fiber.NewError(fiber.StatusBadRequest, "end must not be before start")
	}
	limit, err := boundedInt(c, "limit", defaultRangeLimit, maxRangeLimit)
	if err != nil {
		return err
	}

	var descending bool
	switch strings.ToLower(c.Query("order", "asc")) {
	case "asc":
	case "desc":
		descending = true
	default:
		return fiber.NewError(fiber.StatusBadRequest, "order must be asc or desc")
	}

	records, err := sr.Range(c.UserContext(), start, end, descending, limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"count":   len(records),
		"records": records,
	})
}

// seriesBefore returns up to count records before :ts, newest first.
// inclusive=true includes the slot of :ts.
func (s *Server) seriesBefore(c *fiber.Ctx) error {
	sr, err := s.seriesFor(c)
	if err != nil {
		return err
	}
	ts, err := parseTime(c.Params("ts"))
	if err != nil {
		return err
	}
	count, err := boundedInt(c, "count", 1, maxCount)
	if err != nil {
		return err
	}

	records, err := sr.Before(ts, count, c.QueryBool("inclusive", false))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"count":   len(records),
		"records": records,
	})
}

// seriesLatest returns up to count resident records, newest first.
func (s *Server) seriesLatest(c *fiber.Ctx) error {
	sr, err := s.seriesFor(c)
	if err != nil {
		return err
	}
	count, err := boundedInt(c, "count", defaultCount, maxCount)
	if err != nil {
		return err
	}

	records := sr.Latest(c.UserContext(), count)
	return c.JSON(fiber.Map{
		"count":   len(records),
		"records": records,
	})
}
