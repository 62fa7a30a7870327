package zabbix

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// webSessionCookie is the cookie the web interface sets on login.
const webSessionCookie = "zbx_sessionid"

// Chart resolution scales with the requested period and is capped so
// replies stay small enough for chat attachments.
const (
	chartBaseWidth  = 400
	chartBaseHeight = 200
	chartMaxWidth   = 1000
	chartMaxHeight  = 350
)

// chartResolution returns the width and height for a graph covering
// the given number of hours.
func chartResolution(hours int) (int, int) {
	width := chartBaseWidth + 200*hours
	height := chartBaseHeight + 50*hours
	if width > chartMaxWidth {
		width = chartMaxWidth
	}
	if height > chartMaxHeight {
		height = chartMaxHeight
	}
	return width, height
}

// FetchGraph downloads a chart PNG from the web interface. The web
// surface has its own cookie session, separate from the JSON-RPC
// token; a request that comes back without image data triggers one
// re-login before failing.
func (c *apiClient) FetchGraph(ctx context.Context, source GraphSource, id string, periodHours int) ([]byte, error) {
	chartURL, err := c.chartURL(source, id, periodHours)
	if err != nil {
		return nil, err
	}

	img, err := c.fetchImage(ctx, chartURL)
	if err == nil && looksLikePNG(img) {
		return img, nil
	}

	// Not an image: the session cookie is likely stale and the server
	// answered with the login page.
	if err := c.webLogin(ctx); err != nil {
		return nil, fmt.Errorf("graph %s/%s: %w", source, id, err)
	}
	img, err = c.fetchImage(ctx, chartURL)
	if err != nil {
		return nil, fmt.Errorf("graph %s/%s: %w", source, id, err)
	}
	if !looksLikePNG(img) {
		return nil, fmt.Errorf("graph %s/%s: server did not return an image", source, id)
	}
	return img, nil
}

func (c *apiClient) chartURL(source GraphSource, id string, periodHours int) (string, error) {
	width, height := chartResolution(periodHours)
	q := url.Values{
		"from":        {fmt.Sprintf("now-%dh", periodHours)},
		"to":          {"now"},
		"profileIdx":  {"web.graphs.filter"},
		"profileIdx2": {id},
		"width":       {strconv.Itoa(width)},
		"height":      {strconv.Itoa(height)},
	}

	switch source {
	case SourceItem:
		q.Set("itemids", id)
		q.Set("type", "0")
		return c.baseURL + "/chart.php?" + q.Encode(), nil
	case SourceGraph:
		q.Set("graphid", id)
		return c.baseURL + "/chart2.php?" + q.Encode(), nil
	default:
		return "", fmt.Errorf("unknown graph source %q", source)
	}
}

func (c *apiClient) fetchImage(ctx context.Context, chartURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chartURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.webHTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chart request status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// webLogin signs in on the web interface's main page; the session
// cookie lands in the client's jar.
func (c *apiClient) webLogin(ctx context.Context) error {
	form := url.Values{
		"name":     {c.user},
		"password": {c.pass},
		"enter":    {"Sign in"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/index.php", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.webHTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		return fmt.Errorf("web login status %d", resp.StatusCode)
	}

	base, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	for _, cookie := range c.webHTTP.Jar.Cookies(base) {
		if cookie.Name == webSessionCookie {
			c.logger.Info().Msg("zabbix web session established")
			return nil
		}
	}
	return fmt.Errorf("%w: web interface set no session cookie", ErrAuthFailed)
}

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func looksLikePNG(data []byte) bool {
	if len(data) < len(pngMagic) {
		return false
	}
	for i, b := range pngMagic {
		if data[i] != b {
			return false
		}
	}
	return true
}
