package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/dropwatch/dropwatch/internal/config"
	"github.com/dropwatch/dropwatch/internal/model"
)

const (
	openTableDefaultURL   = "https://www.opentable.com/dapi/fe/gql?optype=query&opname=MultiSearchResults"
	openTableOperationSHA = "0c6adc98c9f25677df52a71550a3dfe63cd72c1c1167a04af83a4dd141f2f33c"
	openTableSite         = "https://www.opentable.com"
)

// Default search origin: Manhattan.
const (
	openTableLat     = 40.747654
	openTableLon     = -73.98629
	openTableMetroID = 8
)

// OpenTable is the availability adapter for OpenTable's persisted-query
// search endpoint. One request per search; the slot time equals the anchor
// because the endpoint does not return per-slot start times.
type OpenTable struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenTable builds the OpenTable adapter from provider config.
func NewOpenTable(cfg config.ProviderConfig, logger *slog.Logger) *OpenTable {
	url := strings.TrimSpace(cfg.OpenTableURL)
	if url == "" {
		url = openTableDefaultURL
	}
	return &OpenTable{
		url:     url,
		client:  &http.Client{Timeout: cfg.GetTimeout()},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:  logger.With("component", "provider", "provider", "opentable"),
	}
}

func (o *OpenTable) ID() string {
	return "opentable"
}

// SearchAvailability issues one search for the first party size and
// normalizes each returned restaurant into a slot at the anchor time.
func (o *OpenTable) SearchAvailability(ctx context.Context, dateStr, timeSlot string, partySizes []int) ([]model.NormalizedSlot, error) {
	partySize := 2
	if len(partySizes) > 0 {
		partySize = partySizes[0]
	}
	timeParam := strings.TrimSpace(timeSlot)
	if timeParam == "" {
		timeParam = "19:30"
	}
	if len(timeParam) == 5 && strings.Contains(timeParam, ":") {
		timeParam += ":00"
	}

	resp, err := o.doSearch(ctx, dateStr, timeParam, partySize)
	if err != nil {
		return nil, fmt.Errorf("opentable search %s %s: %w", dateStr, timeSlot, err)
	}

	restaurants := resp.Data.RestaurantSearchV2.SearchResults.Restaurants
	out := make([]model.NormalizedSlot, 0, len(restaurants))
	for _, r := range restaurants {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			continue
		}
		vid := name
		if r.RestaurantID.String() != "" {
			vid = r.RestaurantID.String()
		}
		bookURL := absoluteSiteURL(r.URLs.ProfileLink.Link)
		sid := SlotID(o.ID(), vid, timeParam)
		out = append(out, model.NormalizedSlot{
			SlotID:    sid,
			VenueID:   vid,
			VenueName: name,
			Payload: model.SlotPayload{
				Name:                name,
				VenueID:             vid,
				AvailabilityTimes:   []string{timeParam},
				PartySizesAvailable: []int{partySize},
				BookURL:             bookURL,
				Neighborhood:        r.Neighborhood.Name,
				PriceRange:          r.PriceBand.Name,
				ImageURL:            r.imageURL(),
			},
		})
	}
	return out, nil
}

func (o *OpenTable) doSearch(ctx context.Context, dateStr, timeParam string, partySize int) (*openTableResponse, error) {
	variables := map[string]any{
		"backwardMinutes":            180,
		"diningType":                 "ALL",
		"forwardMinutes":             180,
		"groupsRids":                 false,
		"isAffiliateSearch":          false,
		"isRestrefRequest":           false,
		"maxCarouselResults":         3,
		"maxSearchResults":           50,
		"skipCarouselResults":        3,
		"skipSearchResults":          0,
		"sortBy":                     "WEB_CONVERSION",
		"withAnytimeAvailability":    true,
		"withCarouselResults":        true,
		"withFallbackToListingMode":  false,
		"shouldShowHighlights":       true,
		"latitude":                   openTableLat,
		"longitude":                  openTableLon,
		"date":                       dateStr,
		"debug":                      false,
		"device":                     "desktop",
		"metroId":                    openTableMetroID,
		"originalTerm":               "Manhattan",
		"partySize":                  partySize,
		"time":                       timeParam,
		"tld":                        "com",
		"userLatitude":               openTableLat,
		"userLongitude":              openTableLon,
		"countryCode":                "US",
	}
	body := map[string]any{
		"operationName": "MultiSearchResults",
		"variables":     variables,
		"extensions": map[string]any{
			"persistedQuery": map[string]any{"version": 1, "sha256Hash": openTableOperationSHA},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal opentable search body: %w", err)
	}

	var out openTableResponse
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return retry.RetryableError(fmt.Errorf("opentable api status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("opentable api status %d", resp.StatusCode)
		}
		out = openTableResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to decode opentable response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type openTableResponse struct {
	Data struct {
		RestaurantSearchV2 struct {
			SearchResults struct {
				Restaurants []openTableRestaurant `json:"restaurants"`
			} `json:"searchResults"`
		} `json:"restaurantSearchV2"`
	} `json:"data"`
}

type openTableRestaurant struct {
	RestaurantID json.Number `json:"restaurantId"`
	Name         string      `json:"name"`
	Neighborhood struct {
		Name string `json:"name"`
	} `json:"neighborhood"`
	PriceBand struct {
		Name string `json:"name"`
	} `json:"priceBand"`
	URLs struct {
		ProfileLink struct {
			Link string `json:"link"`
		} `json:"profileLink"`
	} `json:"urls"`
	Photos struct {
		ProfileV3 struct {
			Medium openTablePhoto `json:"medium"`
			Legacy openTablePhoto `json:"legacy"`
			Small  openTablePhoto `json:"small"`
		} `json:"profileV3"`
	} `json:"photos"`
}

type openTablePhoto struct {
	URL string `json:"url"`
}

func (r *openTableRestaurant) imageURL() string {
	for _, p := range []openTablePhoto{r.Photos.ProfileV3.Medium, r.Photos.ProfileV3.Legacy, r.Photos.ProfileV3.Small} {
		u := strings.TrimSpace(p.URL)
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "http") {
			u = "https:" + u
		}
		return u
	}
	return ""
}

func absoluteSiteURL(link string) string {
	link = strings.TrimSpace(link)
	if link == "" || strings.HasPrefix(link, "http") {
		return link
	}
	if strings.HasPrefix(link, "/") {
		return openTableSite + link
	}
	return openTableSite + "/" + link
}
