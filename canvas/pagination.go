package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
)

// Pages lazily walks a paginated GET, following rel="next" links. The
// sequence ends after the last page, on the first error, or when the caller
// stops ranging. It is not restartable: ranging again issues new requests.
func (c *Client) Pages(ctx context.Context, req Request) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		params := url.Values{}
		for k, vs := range req.Params {
			params[k] = append([]string(nil), vs...)
		}
		if params.Get("per_page") == "" {
			params.Set("per_page", strconv.Itoa(c.perPage))
		}
		next, err := c.url(req.Path, params)
		if err != nil {
			yield(nil, err)
			return
		}

		tmpl := TemplatePath(req.Path)
		ifNoneMatch := req.IfNoneMatch
		seen := make(map[string]bool)
		for next != "" {
			if seen[next] {
				c.log.Warn().Str("path", tmpl).Msg("pagination loop detected, stopping")
				return
			}
			seen[next] = true

			page, err := c.send(ctx, http.MethodGet, next, nil, ifNoneMatch, tmpl)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(page, nil) || page.NotModified {
				return
			}
			ifNoneMatch = ""
			next = page.Next
		}
	}
}

// FetchAll collects every page of a GET. Array pages are concatenated in
// order; a non-array body is returned as is. The ETag is only kept when the
// response fit in one page, since it does not describe the whole collection
// otherwise.
func (c *Client) FetchAll(ctx context.Context, req Request) (*Result, error) {
	var (
		items []json.RawMessage
		res   Result
	)
	for page, err := range c.Pages(ctx, req) {
		if err != nil {
			return nil, err
		}
		res.Pages++
		if page.NotModified {
			return &Result{ETag: page.ETag, Pages: res.Pages, NotModified: true}, nil
		}
		res.ETag = page.ETag

		body := bytes.TrimSpace(page.Body)
		if len(body) == 0 {
			body = []byte("null")
		}
		if body[0] != '[' {
			if res.Pages == 1 {
				res.Body = json.RawMessage(body)
				return &res, nil
			}
			return nil, fmt.Errorf("canvas: GET %s: page %d is not a JSON array", TemplatePath(req.Path), res.Pages)
		}
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, fmt.Errorf("canvas: GET %s: decode page %d: %w", TemplatePath(req.Path), res.Pages, err)
		}
		items = append(items, batch...)
	}

	if items == nil {
		items = []json.RawMessage{}
	}
	body, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	res.Body = body
	if res.Pages > 1 {
		res.ETag = ""
	}
	return &res, nil
}
