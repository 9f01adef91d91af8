package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/dropwatch/dropwatch/internal/config"
	"github.com/dropwatch/dropwatch/internal/model"
)

const (
	resyDefaultBaseURL = "https://api.resy.com"
	resyVenueURLBase   = "https://resy.com/cities"
	resyDefaultCity    = "new-york-ny"
)

// Venue search takes a bounding box only, no radius. Covers Manhattan from
// Battery Park through Inwood: [south, west, north, east].
var resyBoundingBox = [4]float64{40.691, -74.030, 40.882, -73.910}

// Resy is the availability adapter for the Resy venue-search API.
type Resy struct {
	baseURL   string
	apiKey    string
	authToken string
	perPage   int
	maxPages  int
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewResy builds the Resy adapter from provider config.
func NewResy(cfg config.ProviderConfig, logger *slog.Logger) *Resy {
	baseURL := strings.TrimRight(cfg.ResyBaseURL, "/")
	if baseURL == "" {
		baseURL = resyDefaultBaseURL
	}
	return &Resy{
		baseURL:   baseURL,
		apiKey:    cfg.ResyAPIKey,
		authToken: cfg.ResyAuthToken,
		perPage:   cfg.PerPage,
		maxPages:  cfg.MaxPages,
		client:    &http.Client{Timeout: cfg.GetTimeout()},
		limiter:   rate.NewLimiter(rate.Every(200*time.Millisecond), 2),
		logger:    logger.With("component", "provider", "provider", "resy"),
	}
}

func (r *Resy) ID() string {
	return "resy"
}

// SearchAvailability fetches availability around the anchor time slot for
// every configured party size and merges the results into one normalized
// slot per (venue, start time). A party size whose fetch fails is skipped;
// if every party size fails the whole call fails.
func (r *Resy) SearchAvailability(ctx context.Context, dateStr, timeSlot string, partySizes []int) ([]model.NormalizedSlot, error) {
	filters := timeFilterWindow(timeSlot)

	bySlot := make(map[string]*model.NormalizedSlot)
	var order []string
	failed := 0

	for _, partySize := range partySizes {
		venues, err := r.searchParty(ctx, dateStr, filters, partySize)
		if err != nil {
			r.logger.Warn("resy search failed for party size",
				"date", dateStr,
				"time_slot", timeSlot,
				"party_size", partySize,
				"error", err,
			)
			failed++
			continue
		}
		for _, v := range venues {
			for _, actualTime := range v.times {
				sid := SlotID(r.ID(), v.venueID, actualTime)
				if existing, ok := bySlot[sid]; ok {
					if !lo.Contains(existing.Payload.PartySizesAvailable, partySize) {
						existing.Payload.PartySizesAvailable = append(existing.Payload.PartySizesAvailable, partySize)
						sort.Ints(existing.Payload.PartySizesAvailable)
					}
					continue
				}
				bySlot[sid] = &model.NormalizedSlot{
					SlotID:    sid,
					VenueID:   v.venueID,
					VenueName: v.name,
					Payload: model.SlotPayload{
						Name:                v.name,
						VenueID:             v.venueID,
						AvailabilityTimes:   []string{actualTime},
						PartySizesAvailable: []int{partySize},
						ResyURL:             v.resyURL,
						Neighborhood:        v.neighborhood,
						PriceRange:          v.priceRange,
						ImageURL:            v.imageURL,
					},
				}
				order = append(order, sid)
			}
		}
	}

	if len(partySizes) > 0 && failed == len(partySizes) {
		return nil, fmt.Errorf("resy search %s %s: %w", dateStr, timeSlot, ErrUnavailable)
	}

	out := make([]model.NormalizedSlot, 0, len(order))
	for _, sid := range order {
		out = append(out, *bySlot[sid])
	}
	return out, nil
}

// resyVenue is one venue merged across the time-filter window, with its
// availability start times deduped.
type resyVenue struct {
	venueID      string
	name         string
	neighborhood string
	imageURL     string
	resyURL      string
	priceRange   string
	times        []string
}

func (r *Resy) searchParty(ctx context.Context, dateStr string, filters []string, partySize int) ([]*resyVenue, error) {
	merged := make(map[string]*resyVenue)
	seenTimes := make(map[string]map[string]struct{})
	var order []string

	for _, filter := range filters {
		hits, err := r.searchPages(ctx, dateStr, filter, partySize)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			times := h.startTimes()
			if len(times) == 0 {
				continue
			}
			key := h.venueKey()
			v, ok := merged[key]
			if !ok {
				v = &resyVenue{
					venueID:      h.venueID(),
					name:         h.venueName(),
					neighborhood: h.neighborhoodName(),
					imageURL:     h.heroImage(),
					resyURL:      h.resyURL(),
					priceRange:   h.priceRangeLabel(),
				}
				merged[key] = v
				seenTimes[key] = make(map[string]struct{})
				order = append(order, key)
			}
			for _, t := range times {
				if _, dup := seenTimes[key][t]; dup {
					continue
				}
				seenTimes[key][t] = struct{}{}
				v.times = append(v.times, t)
			}
		}
	}

	out := make([]*resyVenue, 0, len(order))
	for _, key := range order {
		out = append(out, merged[key])
	}
	return out, nil
}

// searchPages walks the paginated search for one (date, time filter, party
// size) triple. The API reports total_pages inconsistently (top level, in
// search, or in search.pagination); when it omits it entirely a full page
// means there may be more.
func (r *Resy) searchPages(ctx context.Context, dateStr, timeFilter string, partySize int) ([]resyHit, error) {
	var all []resyHit
	page := 1
	totalPages := 1

	for page <= totalPages && page <= r.maxPages {
		resp, err := r.doSearch(ctx, dateStr, timeFilter, partySize, page)
		if err != nil {
			if len(all) > 0 {
				return all, nil
			}
			return nil, err
		}
		hits := resp.Search.Hits
		all = append(all, hits...)

		if page == 1 {
			if api := resp.totalPages(); api > 0 {
				totalPages = min(api, r.maxPages)
			} else {
				totalPages = r.maxPages
			}
		}
		if page == totalPages && len(hits) >= r.perPage && page < r.maxPages {
			totalPages = page + 1
		}
		if page >= totalPages {
			break
		}
		page++
	}
	return all, nil
}

func (r *Resy) doSearch(ctx context.Context, dateStr, timeFilter string, partySize, page int) (*resySearchResponse, error) {
	body := map[string]any{
		"availability": true,
		"page":         page,
		"per_page":     r.perPage,
		"slot_filter": map[string]any{
			"day":         dateStr,
			"party_size":  partySize,
			"time_filter": timeFilter,
		},
		"types":    []string{"venue"},
		"order_by": "availability",
		"geo":      map[string]any{"bounding_box": resyBoundingBox},
		"query":    "",
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resy search body: %w", err)
	}

	var out resySearchResponse
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/3/venuesearch/search", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", fmt.Sprintf("ResyAPI api_key=%q", r.apiKey))
		req.Header.Set("X-Resy-Auth-Token", r.authToken)
		req.Header.Set("Origin", "https://resy.com")
		req.Header.Set("Referer", "https://resy.com/")
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return retry.RetryableError(fmt.Errorf("resy api status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("resy api status %d", resp.StatusCode)
		}
		out = resySearchResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to decode resy response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type resySearchResponse struct {
	TotalPages int `json:"total_pages"`
	Search     struct {
		Hits       []resyHit `json:"hits"`
		TotalPages int       `json:"total_pages"`
		Pagination struct {
			TotalPages int `json:"total_pages"`
		} `json:"pagination"`
	} `json:"search"`
}

func (r *resySearchResponse) totalPages() int {
	if r.TotalPages > 0 {
		return r.TotalPages
	}
	if r.Search.TotalPages > 0 {
		return r.Search.TotalPages
	}
	return r.Search.Pagination.TotalPages
}

type resyHit struct {
	ID           json.Number `json:"id"`
	Name         string      `json:"name"`
	URLSlug      string      `json:"url_slug"`
	Neighborhood string      `json:"neighborhood"`
	HeroImage    string      `json:"hero_image"`
	ImageURL     string      `json:"image_url"`
	PriceRange   json.Number `json:"price_range"`
	Location     struct {
		Neighborhood string `json:"neighborhood"`
		URLSlug      string `json:"url_slug"`
	} `json:"location"`
	Venue struct {
		ID         json.Number `json:"id"`
		Name       string      `json:"name"`
		URLSlug    string      `json:"url_slug"`
		HeroImage  string      `json:"hero_image"`
		ImageURL   string      `json:"image_url"`
		PriceRange json.Number `json:"price_range"`
	} `json:"venue"`
	Availability struct {
		Slots []struct {
			Date struct {
				Start string `json:"start"`
			} `json:"date"`
		} `json:"slots"`
	} `json:"availability"`
}

func (h *resyHit) venueID() string {
	if h.Venue.ID.String() != "" {
		return h.Venue.ID.String()
	}
	if h.ID.String() != "" {
		return h.ID.String()
	}
	return h.venueName()
}

// venueKey dedupes hits across time-filter fetches: prefer the numeric id,
// fall back to the name.
func (h *resyHit) venueKey() string {
	if h.Venue.ID.String() != "" {
		return "id:" + h.Venue.ID.String()
	}
	if h.ID.String() != "" {
		return "id:" + h.ID.String()
	}
	return "name:" + h.venueName()
}

func (h *resyHit) venueName() string {
	if name := strings.TrimSpace(h.Name); name != "" {
		return name
	}
	return strings.TrimSpace(h.Venue.Name)
}

func (h *resyHit) neighborhoodName() string {
	if h.Neighborhood != "" {
		return h.Neighborhood
	}
	return h.Location.Neighborhood
}

func (h *resyHit) heroImage() string {
	for _, u := range []string{h.Venue.HeroImage, h.Venue.ImageURL, h.HeroImage, h.ImageURL} {
		if u != "" {
			return u
		}
	}
	return ""
}

// resyURL builds the venue's booking page from the hit's url_slug and the
// location's city slug. Hits missing url_slug get a slug derived from the
// venue name, so every payload carries a booking link.
func (h *resyHit) resyURL() string {
	slug := h.URLSlug
	if slug == "" {
		slug = h.Venue.URLSlug
	}
	if slug == "" {
		slug = nameToSlug(h.venueName())
	}
	if slug == "" {
		return ""
	}
	city := h.Location.URLSlug
	if city == "" {
		city = resyDefaultCity
	}
	return resyVenueURLBase + "/" + city + "/" + slug
}

// priceRangeLabel maps resy's 1-4 price tier to "$".."$$$$".
func (h *resyHit) priceRangeLabel() string {
	n, err := h.PriceRange.Int64()
	if err != nil || n <= 0 {
		n, err = h.Venue.PriceRange.Int64()
		if err != nil || n <= 0 {
			return ""
		}
	}
	if n > 4 {
		n = 4
	}
	return strings.Repeat("$", int(n))
}

// nameToSlug converts a display name to a resy-style slug: lowercase,
// apostrophes and ampersands dropped, remaining punctuation split on, spaces
// to hyphens.
func nameToSlug(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '\'' || r == '’' || r == '&':
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), "-")
}

func (h *resyHit) startTimes() []string {
	var times []string
	for _, s := range h.Availability.Slots {
		if t := strings.TrimSpace(s.Date.Start); t != "" {
			times = append(times, t)
		}
	}
	return times
}

// timeFilterWindow expands an anchor like "20:30" into whole-hour filters
// covering the surrounding hour on each side: ["19:00", "20:00", "21:00"].
// An unparseable anchor is passed through as-is.
func timeFilterWindow(timeSlot string) []string {
	s := strings.TrimSpace(timeSlot)
	if s == "" {
		return nil
	}
	hourPart := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		hourPart = s[:i]
	}
	hour, err := strconv.Atoi(hourPart)
	if err != nil || hour < 0 || hour > 23 {
		return []string{s}
	}
	return []string{
		fmt.Sprintf("%02d:00", (hour+23)%24),
		fmt.Sprintf("%02d:00", hour),
		fmt.Sprintf("%02d:00", (hour+1)%24),
	}
}
