// Package polymarket implements the market venue's read-side clients.
//
// Three surfaces matter to the agent:
//
//   - Discovery (Gamma API): find the bracket-set event for a (city, day) by
//     probing a bounded list of candidate slugs; parse bracket bounds out of
//     the market questions.
//   - Pricing (CLOB API): midpoint price in [0, 1] per bracket's YES token,
//     optionally served from the live WebSocket feed cache when fresh.
//   - Resolution (Gamma API): per-market outcomePrices strings, where a YES
//     outcome of "1" marks the winning bracket.
//
// The client never mutates external state; it is a pure reader.
package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"tempedge/internal/config"
	"tempedge/pkg/types"
)

// Expected conditions, distinguished from provider failures so the engine
// can log them at the right level and keep the cycle moving.
var (
	ErrNotFound   = errors.New("event not found")
	ErrNoPrice    = errors.New("no price available")
	ErrUnresolved = errors.New("event not resolved")
)

// Gamma publishes a 10 req/s guideline for read traffic; the CLOB midpoint
// endpoint tolerates more but gains nothing from bursts at our cadence.
const (
	gammaRPS   = 10
	gammaBurst = 5
	clobRPS    = 15
	clobBurst  = 10
)

// Client is the venue read client.
type Client struct {
	gamma   *resty.Client
	clob    *resty.Client
	gammaRL *rate.Limiter
	clobRL  *rate.Limiter
	feed    *Feed // optional live mid cache; nil when the WS feed is disabled
	logger  *slog.Logger
}

// NewClient creates a venue client. feed may be nil.
func NewClient(cfg config.MarketConfig, feed *Feed, logger *slog.Logger) *Client {
	newHTTP := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(30 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(2 * time.Second).
			SetRetryMaxWaitTime(8 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			})
	}
	return &Client{
		gamma:   newHTTP(cfg.GammaBaseURL),
		clob:    newHTTP(cfg.CLOBBaseURL),
		gammaRL: rate.NewLimiter(rate.Limit(gammaRPS), gammaBurst),
		clobRL:  rate.NewLimiter(rate.Limit(clobRPS), clobBurst),
		feed:    feed,
		logger:  logger.With("component", "polymarket"),
	}
}

// gammaEvent is the Gamma API event shape (fields we read).
type gammaEvent struct {
	ID      string        `json:"id"`
	Slug    string        `json:"slug"`
	Title   string        `json:"title"`
	Closed  bool          `json:"closed"`
	Markets []gammaMarket `json:"markets"`
}

// gammaMarket is the Gamma API market shape (fields we read). List-valued
// fields arrive as JSON-encoded strings and need a second decode.
type gammaMarket struct {
	ID               string `json:"id"`
	Question         string `json:"question"`
	GroupItemTitle   string `json:"groupItemTitle"`
	Closed           bool   `json:"closed"`
	AcceptingOrders  bool   `json:"acceptingOrders"`
	ClobTokenIDsRaw  string `json:"clobTokenIds"`
	OutcomePricesRaw string `json:"outcomePrices"`
	Liquidity        string `json:"liquidity"`
}

// Discover finds the bracket-set event for a city and event day.
//
// Event identifiers are probed in a fixed candidate order; the first slug
// known to Gamma wins. A day with no event on any candidate is an expected
// condition (ErrNotFound), not a provider failure.
func (c *Client) Discover(ctx context.Context, city string, eventDay types.Day) (*types.BracketSet, error) {
	for _, slug := range CandidateSlugs(city, eventDay) {
		ev, err := c.fetchEvent(ctx, slug)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}

		set, err := bracketSetFromEvent(city, eventDay, ev)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", slug, err)
		}
		c.logger.Debug("event discovered", "city", city, "day", eventDay.String(), "slug", slug, "brackets", len(set.Brackets))
		return set, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNotFound, city, eventDay.String())
}

func (c *Client) fetchEvent(ctx context.Context, slug string) (*gammaEvent, error) {
	if err := c.gammaRL.Wait(ctx); err != nil {
		return nil, err
	}

	var events []gammaEvent
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return nil, fmt.Errorf("fetch event %s: %w", slug, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch event %s: status %d", slug, resp.StatusCode())
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return &events[0], nil
}

// bracketSetFromEvent converts a Gamma event into an ordered BracketSet.
// Markets whose titles don't parse as temperature brackets are skipped.
func bracketSetFromEvent(city string, eventDay types.Day, ev *gammaEvent) (*types.BracketSet, error) {
	brackets := make([]types.Bracket, 0, len(ev.Markets))
	for _, m := range ev.Markets {
		name := m.GroupItemTitle
		if name == "" {
			name = m.Question
		}
		lower, upper, ok := ParseBracketBounds(name)
		if !ok {
			continue
		}

		yesToken := firstToken(m.ClobTokenIDsRaw)
		liq, _ := strconv.ParseFloat(m.Liquidity, 64)
		brackets = append(brackets, types.Bracket{
			MarketID:  m.ID,
			TokenID:   yesToken,
			Name:      name,
			LowerF:    lower,
			UpperF:    upper,
			Closed:    m.Closed || !m.AcceptingOrders,
			Liquidity: liq,
		})
	}
	if len(brackets) == 0 {
		return nil, fmt.Errorf("no temperature brackets in event")
	}

	sortBrackets(brackets)
	if err := checkDisjoint(brackets); err != nil {
		return nil, err
	}

	return &types.BracketSet{
		City:     city,
		EventDay: eventDay,
		Slug:     ev.Slug,
		Brackets: brackets,
	}, nil
}

func sortBrackets(bs []types.Bracket) {
	for i := 1; i < len(bs); i++ {
		for j := i; j > 0 && bs[j].LowerF < bs[j-1].LowerF; j-- {
			bs[j], bs[j-1] = bs[j-1], bs[j]
		}
	}
}

func checkDisjoint(bs []types.Bracket) error {
	for i := 1; i < len(bs); i++ {
		if bs[i].LowerF < bs[i-1].UpperF {
			return fmt.Errorf("brackets overlap: %s / %s", bs[i-1].Name, bs[i].Name)
		}
	}
	return nil
}

// firstToken extracts the YES token from a JSON-encoded token-id array.
func firstToken(raw string) string {
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil || len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// midpointResponse is the CLOB midpoint shape.
type midpointResponse struct {
	Mid string `json:"mid"`
}

// MidProb returns the market-implied probability (midpoint in [0, 1]) for a
// bracket's YES outcome. Closed markets and unpriced tokens return
// ErrNoPrice; callers treat that bracket as undecidable, not the cycle as
// failed.
func (c *Client) MidProb(ctx context.Context, bracket types.Bracket) (float64, error) {
	if bracket.Closed {
		return 0, fmt.Errorf("%w: market %s closed", ErrNoPrice, bracket.MarketID)
	}
	if bracket.TokenID == "" {
		return 0, fmt.Errorf("%w: market %s has no token", ErrNoPrice, bracket.MarketID)
	}

	// The live feed is fresher than a poll when it has seen this token
	// recently; fall through to HTTP otherwise.
	if c.feed != nil {
		if mid, ok := c.feed.LastMid(bracket.TokenID); ok {
			return mid, nil
		}
	}

	if err := c.clobRL.Wait(ctx); err != nil {
		return 0, err
	}

	var result midpointResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", bracket.TokenID).
		SetResult(&result).
		Get("/midpoint")
	if err != nil {
		return 0, fmt.Errorf("fetch midpoint: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return 0, fmt.Errorf("%w: token %s", ErrNoPrice, bracket.TokenID)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("fetch midpoint: status %d", resp.StatusCode())
	}

	mid, err := strconv.ParseFloat(result.Mid, 64)
	if err != nil || mid <= 0 || mid >= 1 {
		return 0, fmt.Errorf("%w: token %s mid %q", ErrNoPrice, bracket.TokenID, result.Mid)
	}
	return mid, nil
}

// OutcomePrices returns the YES outcome price string ("0" or "1") per
// market for a settled event. While the event is open the venue publishes
// intermediate prices; those yield ErrUnresolved.
func (c *Client) OutcomePrices(ctx context.Context, eventSlug string) (map[string]string, error) {
	ev, err := c.fetchEvent(ctx, eventSlug)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(ev.Markets))
	for _, m := range ev.Markets {
		var prices []string
		if err := json.Unmarshal([]byte(m.OutcomePricesRaw), &prices); err != nil || len(prices) == 0 {
			continue
		}
		yes := prices[0]
		if yes != "0" && yes != "1" {
			return nil, fmt.Errorf("%w: %s", ErrUnresolved, eventSlug)
		}
		out[m.ID] = yes
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, eventSlug)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Slug candidates and bracket-name parsing
// ————————————————————————————————————————————————————————————————————————

// citySlugOverrides maps display cities to the short forms the venue uses
// in event slugs.
var citySlugOverrides = map[string]string{
	"new york city": "nyc",
	"los angeles":   "la",
}

// CitySlug converts a display city to its venue slug component.
func CitySlug(city string) string {
	key := strings.ToLower(strings.TrimSpace(city))
	if short, ok := citySlugOverrides[key]; ok {
		return short
	}
	return strings.ReplaceAll(key, " ", "-")
}

// CandidateSlugs returns the bounded set of event identifiers probed for a
// (city, day), most likely first.
func CandidateSlugs(city string, day types.Day) []string {
	cs := CitySlug(city)
	month := strings.ToLower(day.Month.String())
	return []string{
		fmt.Sprintf("highest-temperature-in-%s-on-%s-%d", cs, month, day.Dom),
		fmt.Sprintf("highest-temperature-in-%s-%s-%d", cs, month, day.Dom),
		fmt.Sprintf("high-temp-in-%s-on-%s-%d", cs, month, day.Dom),
	}
}

var (
	reRange = regexp.MustCompile(`(-?\d+)\s*[-–]\s*(-?\d+)\s*°?F?`)
	reBelow = regexp.MustCompile(`(-?\d+)\s*°?F?\s+or\s+(?:below|lower|less)`)
	reAbove = regexp.MustCompile(`(-?\d+)\s*°?F?\s+or\s+(?:above|higher|more)`)
)

// ParseBracketBounds extracts [lower, upper) Fahrenheit bounds from a
// venue bracket label. Recognized forms:
//
//	"58-59°F"        → [58, 59)
//	"57°F or below"  → (-∞, 58)
//	"64°F or above"  → [64, +∞)
//
// Range labels map directly onto the half-open interval: the label's second
// number is the exclusive upper bound. Tail labels are inclusive of the
// named degree.
func ParseBracketBounds(name string) (lower, upper int, ok bool) {
	if m := reBelow.FindStringSubmatch(name); m != nil {
		hi, _ := strconv.Atoi(m[1])
		return types.OpenLower, hi + 1, true
	}
	if m := reAbove.FindStringSubmatch(name); m != nil {
		lo, _ := strconv.Atoi(m[1])
		return lo, types.OpenUpper, true
	}
	if m := reRange.FindStringSubmatch(name); m != nil {
		lo, _ := strconv.Atoi(m[1])
		hi, _ := strconv.Atoi(m[2])
		if hi < lo {
			return 0, 0, false
		}
		return lo, hi, true
	}
	return 0, 0, false
}
