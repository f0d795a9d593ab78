package coretools

import (
	"context"
	"errors"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/concierge/pkg/ratelimit"
	"github.com/harun/concierge/pkg/toolexecutor"
)

// Tool names.
const (
	FlightSearch   = "flight_search"
	CalendarLookup = "calendar_lookup"
	HoldBooking    = "hold_booking"
	BookFlight     = "book_flight"
	MemorySet      = "memory_set"
	MemoryGet      = "memory_get"
	MemorySearch   = "memory_search"
)

// Session memory keys written by the travel tools.
const (
	LastSearchKey  = "last_flight_search"
	ActiveHoldKey  = "active_hold"
	LastBookingKey = "last_booking"
)

const dateLayout = "2006-01-02"

// FlightOption is one offer returned by flight_search.
type FlightOption struct {
	OptionID        string `json:"option_id"`
	Provider        string `json:"provider"`
	Origin          string `json:"origin"`
	Destination     string `json:"destination"`
	DepartDate      string `json:"depart_date"`
	ReturnDate      string `json:"return_date,omitempty"`
	PriceUSD        int    `json:"price_usd"`
	Stops           int    `json:"stops"`
	DurationMinutes int    `json:"duration_minutes"`
}

// FreeWindow is a span of free calendar time.
type FreeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type fare struct {
	id       string
	price    int
	stops    int
	duration int
}

var fares = []fare{
	{id: "PL-101", price: 420, stops: 0, duration: 330},
	{id: "PL-102", price: 310, stops: 1, duration: 510},
	{id: "PL-103", price: 610, stops: 0, duration: 325},
}

var freeWindows = []FreeWindow{
	{Start: "2026-02-24T09:00:00-08:00", End: "2026-02-24T18:00:00-08:00"},
	{Start: "2026-02-26T08:00:00-08:00", End: "2026-02-26T18:00:00-08:00"},
}

// Definitions returns the built-in travel and memory tools in registration order.
func Definitions() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		flightSearchTool(),
		calendarLookupTool(),
		holdBookingTool(),
		bookFlightTool(),
		memorySetTool(),
		memoryGetTool(),
		memorySearchTool(),
	}
}

// Register adds every built-in tool to the registry.
func Register(registry *toolexecutor.Registry) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}
	for _, def := range Definitions() {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

// RateLimits returns the per-tool limits the built-in tools ship with.
// Configured limits take precedence.
func RateLimits() map[string]ratelimit.Limit {
	return map[string]ratelimit.Limit{
		FlightSearch:   {Max: 5, Window: time.Minute},
		CalendarLookup: {Max: 10, Window: time.Minute},
		HoldBooking:    {Max: 10, Window: time.Minute},
		BookFlight:     {Max: 5, Window: time.Minute},
	}
}

func flightSearchTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        FlightSearch,
		Description: "Search flight offers between two airports.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "origin", Type: "string", Description: "Airport code, e.g. SFO", Required: true},
			{Name: "destination", Type: "string", Description: "Airport code, e.g. JFK", Required: true},
			{Name: "depart_date", Type: "string", Description: "YYYY-MM-DD", Required: true},
			{Name: "return_date", Type: "string", Description: "YYYY-MM-DD", Required: false},
			{Name: "max_price_usd", Type: "integer", Description: "Maximum price in USD", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			origin := strings.ToUpper(strings.TrimSpace(stringParam(params, "origin")))
			destination := strings.ToUpper(strings.TrimSpace(stringParam(params, "destination")))
			if origin == destination {
				return nil, fmt.Errorf("origin and destination must differ")
			}

			depart, err := parseDate(params, "depart_date")
			if err != nil {
				return nil, err
			}
			returnDate := stringParam(params, "return_date")
			if returnDate != "" {
				ret, err := parseDate(params, "return_date")
				if err != nil {
					return nil, err
				}
				if ret.Before(depart) {
					return nil, fmt.Errorf("return_date %s is before depart_date %s", returnDate, depart.Format(dateLayout))
				}
			}
			maxPrice := intParam(params, "max_price_usd", 9999)

			options := make([]FlightOption, 0, len(fares))
			for _, f := range fares {
				if f.price > maxPrice {
					continue
				}
				options = append(options, FlightOption{
					OptionID:        f.id,
					Provider:        "priceline",
					Origin:          origin,
					Destination:     destination,
					DepartDate:      depart.Format(dateLayout),
					ReturnDate:      returnDate,
					PriceUSD:        f.price,
					Stops:           f.stops,
					DurationMinutes: f.duration,
				})
			}

			if memory := toolexecutor.SessionMemory(ctx); memory != nil {
				memory[LastSearchKey] = fmt.Sprintf("%s-%s on %s, %d options", origin, destination, depart.Format(dateLayout), len(options))
			}
			return map[string]interface{}{"options": options}, nil
		},
	}
}

func calendarLookupTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        CalendarLookup,
		Description: "Get the user's free time windows for a date range.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "start_date", Type: "string", Description: "YYYY-MM-DD", Required: true},
			{Name: "end_date", Type: "string", Description: "YYYY-MM-DD", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			start, err := parseDate(params, "start_date")
			if err != nil {
				return nil, err
			}
			end, err := parseDate(params, "end_date")
			if err != nil {
				return nil, err
			}
			if end.Before(start) {
				return nil, fmt.Errorf("end_date is before start_date")
			}
			// end_date is inclusive.
			end = end.AddDate(0, 0, 1)

			windows := make([]FreeWindow, 0, len(freeWindows))
			for _, w := range freeWindows {
				ws, err := time.Parse(time.RFC3339, w.Start)
				if err != nil {
					continue
				}
				day := time.Date(ws.Year(), ws.Month(), ws.Day(), 0, 0, 0, 0, time.UTC)
				if !day.Before(start) && day.Before(end) {
					windows = append(windows, w)
				}
			}
			return map[string]interface{}{"free_windows": windows}, nil
		},
	}
}

func holdBookingTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        HoldBooking,
		Description: "Place a temporary hold on a selected flight option.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "option_id", Type: "string", Description: "Option ID from search results", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			optionID, err := knownOption(params)
			if err != nil {
				return nil, err
			}
			holdID := "HOLD-" + optionID
			if memory := toolexecutor.SessionMemory(ctx); memory != nil {
				memory[ActiveHoldKey] = holdID
			}
			return map[string]interface{}{"hold_id": holdID, "expires_in_minutes": 15}, nil
		},
	}
}

func bookFlightTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:             BookFlight,
		Description:      "Book a flight option. Requires explicit user approval.",
		RequiresApproval: true,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "option_id", Type: "string", Description: "Option ID from search results", Required: true},
			{Name: "hold_id", Type: "string", Description: "Hold ID returned from hold_booking", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			optionID, err := knownOption(params)
			if err != nil {
				return nil, err
			}
			holdID := stringParam(params, "hold_id")
			if holdID == "" {
				holdID = "HOLD-" + optionID
			}
			if holdID != "HOLD-"+optionID {
				return nil, fmt.Errorf("hold %s does not belong to option %s", holdID, optionID)
			}

			confirmation := "CONF-" + holdID
			if memory := toolexecutor.SessionMemory(ctx); memory != nil {
				delete(memory, ActiveHoldKey)
				memory[LastBookingKey] = confirmation
			}
			return map[string]interface{}{"confirmation_id": confirmation, "status": "confirmed"}, nil
		},
	}
}

func memorySetTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        MemorySet,
		Description: "Remember a value for the rest of this session.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "key", Type: "string", Description: "Memory key", Required: true},
			{Name: "value", Type: "string", Description: "Value to remember", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			memory := toolexecutor.SessionMemory(ctx)
			if memory == nil {
				return nil, fmt.Errorf("execution context is required")
			}
			key := strings.TrimSpace(stringParam(params, "key"))
			if key == "" {
				return nil, fmt.Errorf("key is required")
			}
			// Grants are written by the approve command only.
			if strings.HasPrefix(key, toolexecutor.GrantKeyPrefix) {
				return nil, fmt.Errorf("key prefix %q is reserved", toolexecutor.GrantKeyPrefix)
			}
			memory[key] = stringParam(params, "value")
			return map[string]interface{}{"stored": key}, nil
		},
	}
}

func memoryGetTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        MemoryGet,
		Description: "Read a value remembered earlier in this session.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "key", Type: "string", Description: "Memory key", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			memory := toolexecutor.SessionMemory(ctx)
			if memory == nil {
				return nil, fmt.Errorf("execution context is required")
			}
			key := strings.TrimSpace(stringParam(params, "key"))
			value, ok := memory[key]
			if !ok || strings.HasPrefix(key, toolexecutor.GrantKeyPrefix) {
				return map[string]interface{}{"key": key, "found": false}, nil
			}
			return map[string]interface{}{"key": key, "found": true, "value": value}, nil
		},
	}
}

// MemoryMatch is one memory_search hit.
type MemoryMatch struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

const defaultSearchLimit = 5

func memorySearchTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        MemorySearch,
		Description: "Find remembered values whose key or value contains the query.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "Text to look for, case-insensitive", Required: true},
			{Name: "limit", Type: "integer", Description: "Maximum matches", Default: defaultSearchLimit},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			memory := toolexecutor.SessionMemory(ctx)
			if memory == nil {
				return nil, fmt.Errorf("execution context is required")
			}
			query := strings.ToLower(strings.TrimSpace(stringParam(params, "query")))
			limit := intParam(params, "limit", defaultSearchLimit)
			if limit <= 0 {
				limit = defaultSearchLimit
			}

			keys := make([]string, 0, len(memory))
			for k := range memory {
				if !strings.HasPrefix(k, toolexecutor.GrantKeyPrefix) {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)

			matches := []MemoryMatch{}
			for _, k := range keys {
				if len(matches) == limit {
					break
				}
				if strings.Contains(strings.ToLower(k), query) || strings.Contains(strings.ToLower(searchText(memory[k])), query) {
					matches = append(matches, MemoryMatch{Key: k, Value: memory[k]})
				}
			}
			return map[string]interface{}{"query": query, "matches": matches}, nil
		},
	}
}

func searchText(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func knownOption(params map[string]interface{}) (string, error) {
	optionID := strings.ToUpper(strings.TrimSpace(stringParam(params, "option_id")))
	for _, f := range fares {
		if f.id == optionID {
			return optionID, nil
		}
	}
	return "", fmt.Errorf("unknown option_id %q", stringParam(params, "option_id"))
}

func stringParam(params map[string]interface{}, name string) string {
	switch v := params[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func intParam(params map[string]interface{}, name string, fallback int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func parseDate(params map[string]interface{}, name string) (time.Time, error) {
	raw := strings.TrimSpace(stringParam(params, name))
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD, got %q", name, raw)
	}
	return t, nil
}
