package tableau

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/wisbric/reportowl/internal/telemetry"
)

// DefaultFetchConcurrency bounds in-flight view requests per job.
const DefaultFetchConcurrency = 5

// FetchViewsInParallel fetches the CSV data of every requested view from
// the named workbook. Requests run in sequential batches of size
// concurrency so at most that many remote calls are in flight. Per-view
// failures are logged and skipped; the returned map contains only the
// views that succeeded and may be empty when every fetch failed.
func (c *Client) FetchViewsInParallel(ctx context.Context, reqs []ViewRequest, workbookName, site string, concurrency int) (map[string]string, error) {
	if concurrency <= 0 {
		concurrency = DefaultFetchConcurrency
	}

	out := make(map[string]string, len(reqs))
	if len(reqs) == 0 {
		return out, nil
	}

	entry, err := c.GetValidToken(ctx, site)
	if err != nil {
		return nil, err
	}

	workbookID, err := c.lookupWorkbook(ctx, entry, workbookName)
	if err != nil {
		return nil, err
	}

	viewIDs, err := c.listViews(ctx, entry, workbookID)
	if err != nil {
		return nil, &ViewListingFailedError{WorkbookName: workbookName, Err: err}
	}

	var mu sync.Mutex
	for start := 0; start < len(reqs); start += concurrency {
		end := min(start+concurrency, len(reqs))

		var wg sync.WaitGroup
		for _, req := range reqs[start:end] {
			wg.Add(1)
			go func() {
				defer wg.Done()

				csv, err := c.fetchView(ctx, entry, viewIDs, req)
				if err != nil {
					telemetry.ViewsFetchedTotal.WithLabelValues("error").Inc()
					c.logger.Error("view fetch failed",
						"error", &ViewFetchFailedError{ViewKey: req.ViewKey, Err: err},
						"view", req.ViewName,
						"workbook", workbookName,
					)
					return
				}

				telemetry.ViewsFetchedTotal.WithLabelValues("ok").Inc()
				mu.Lock()
				out[req.ViewKey] = csv
				mu.Unlock()
			}()
		}
		wg.Wait()
	}

	if len(out) == 0 {
		c.logger.Error("all view fetches failed", "workbook", workbookName, "views", len(reqs))
	}
	return out, nil
}

// lookupWorkbook resolves a workbook name to its ID via a contentUrl filter.
func (c *Client) lookupWorkbook(ctx context.Context, entry AuthEntry, workbookName string) (string, error) {
	var resp struct {
		Workbooks struct {
			Workbook []struct {
				ID         string `json:"id"`
				ContentURL string `json:"contentUrl"`
			} `json:"workbook"`
		} `json:"workbooks"`
	}

	rawURL := c.siteURL(entry.SiteID, "workbooks") + "?filter=" + url.QueryEscape("contentUrl:eq:"+workbookName)
	if err := c.doJSON(ctx, "GET", rawURL, entry.Token, nil, &resp); err != nil {
		return "", fmt.Errorf("querying workbooks: %w", err)
	}

	if len(resp.Workbooks.Workbook) == 0 {
		return "", &WorkbookNotFoundError{WorkbookName: workbookName}
	}
	return resp.Workbooks.Workbook[0].ID, nil
}

// listViews enumerates the views of a workbook and returns name → ID.
func (c *Client) listViews(ctx context.Context, entry AuthEntry, workbookID string) (map[string]string, error) {
	var resp struct {
		Views struct {
			View []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"view"`
		} `json:"views"`
	}

	rawURL := c.siteURL(entry.SiteID, "workbooks/"+url.PathEscape(workbookID)+"/views")
	if err := c.doJSON(ctx, "GET", rawURL, entry.Token, nil, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(resp.Views.View))
	for _, v := range resp.Views.View {
		out[v.Name] = v.ID
	}
	return out, nil
}

// fetchView downloads one view's data as CSV with its filters applied.
func (c *Client) fetchView(ctx context.Context, entry AuthEntry, viewIDs map[string]string, req ViewRequest) (string, error) {
	viewID, ok := viewIDs[req.ViewName]
	if !ok {
		return "", fmt.Errorf("view %q not present in workbook", req.ViewName)
	}

	params := url.Values{}
	params.Set("maxAge", "1")
	for name, value := range req.FilterParams {
		params.Set("vf_"+name, value)
	}

	rawURL := c.siteURL(entry.SiteID, "views/"+url.PathEscape(viewID)+"/data") + "?" + params.Encode()
	data, err := c.doRaw(ctx, rawURL, entry.Token)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
