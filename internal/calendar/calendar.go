// Package calendar reads upcoming events from a CalDAV server for the
// calendar tool and the morning briefing.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
)

// Event is one calendar entry inside a query window.
type Event struct {
	UID         string
	Summary     string
	Location    string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
}

// Client queries a CalDAV calendar collection.
type Client struct {
	dav    *caldav.Client
	rawURL string
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	calPath string // discovered collection path, cached
}

// New creates a CalDAV client. rawURL may point at the server root
// (collection discovery runs on first use) or directly at a calendar
// collection (used as-is when discovery fails). Events are returned in
// loc; nil means UTC.
func New(httpClient *http.Client, rawURL, username, password string, loc *time.Location, logger *slog.Logger) (*Client, error) {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var hc webdav.HTTPClient = httpClient
	if username != "" {
		hc = webdav.HTTPClientWithBasicAuth(httpClient, username, password)
	}
	dav, err := caldav.NewClient(hc, rawURL)
	if err != nil {
		return nil, fmt.Errorf("calendar: client: %w", err)
	}

	return &Client{
		dav:    dav,
		rawURL: rawURL,
		loc:    loc,
		logger: logger.With("component", "calendar"),
		now:    time.Now,
	}, nil
}

// Events returns entries overlapping [from, to), sorted by start time.
func (c *Client) Events(ctx context.Context, from, to time.Time) ([]Event, error) {
	path, err := c.collectionPath(ctx)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from.UTC(),
				End:   to.UTC(),
			}},
		},
	}

	objs, err := c.dav.QueryCalendar(ctx, path, query)
	if err != nil {
		return nil, fmt.Errorf("calendar: query: %w", err)
	}

	var events []Event
	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			mapped, err := c.mapEvent(ev)
			if err != nil {
				c.logger.Warn("skipping unparseable event", "path", obj.Path, "error", err)
				continue
			}
			events = append(events, mapped)
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })
	return events, nil
}

func (c *Client) mapEvent(ev ical.Event) (Event, error) {
	start, err := ev.DateTimeStart(c.loc)
	if err != nil {
		return Event{}, fmt.Errorf("dtstart: %w", err)
	}
	end, err := ev.DateTimeEnd(c.loc)
	if err != nil {
		return Event{}, fmt.Errorf("dtend: %w", err)
	}

	out := Event{Start: start, End: end}
	if p := ev.Props.Get(ical.PropDateTimeStart); p != nil {
		out.AllDay = p.ValueType() == ical.ValueDate
	}
	out.UID, _ = ev.Props.Text(ical.PropUID)
	out.Summary, _ = ev.Props.Text(ical.PropSummary)
	out.Location, _ = ev.Props.Text(ical.PropLocation)
	out.Description, _ = ev.Props.Text(ical.PropDescription)
	return out, nil
}

// collectionPath finds the calendar collection: current-user-principal,
// then the calendar home set, then the first collection that stores
// events. Servers without discovery fall back to the configured path.
func (c *Client) collectionPath(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calPath != "" {
		return c.calPath, nil
	}

	if path, err := c.discover(ctx); err == nil {
		c.calPath = path
		return path, nil
	} else {
		c.logger.Debug("collection discovery failed, using configured path", "error", err)
	}

	u, err := url.Parse(c.rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "", fmt.Errorf("calendar: no collection discovered and url has no usable path")
	}
	c.calPath = u.Path
	return c.calPath, nil
}

func (c *Client) discover(ctx context.Context) (string, error) {
	principal, err := c.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("principal: %w", err)
	}
	homeSet, err := c.dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("home set: %w", err)
	}
	cals, err := c.dav.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", fmt.Errorf("calendars: %w", err)
	}
	for _, cal := range cals {
		if supportsEvents(cal) {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no event calendar at %s", homeSet)
}

func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if comp == ical.CompEvent {
			return true
		}
	}
	return false
}
