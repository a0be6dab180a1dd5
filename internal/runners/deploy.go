package runners

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aicallyu/olympus/internal/browser"
)

// Deploy checks that the live URL answers, every expected route resolves and
// every expected element renders.
type Deploy struct {
	HTTP        *http.Client
	Browser     browser.Browser
	HTTPTimeout time.Duration
	WaitTimeout time.Duration
}

func (d Deploy) Run(ctx context.Context, req Request) (Result, error) {
	base := strings.TrimRight(req.Project.LiveURL, "/")
	if base == "" {
		return Result{}, errors.New("project has no live url")
	}
	details := map[string]any{"url": base}

	status, err := d.get(ctx, base)
	details["status_code"] = status
	if err != nil || status >= 400 {
		reason := fmt.Sprintf("status %d", status)
		if err != nil {
			reason = err.Error()
		}
		details["reachable"] = false
		return Result{Summary: "live url unreachable: " + reason, Details: details}, nil
	}
	details["reachable"] = true

	var missingRoutes []string
	for _, route := range req.Project.ExpectedRoutes {
		u := base + "/" + strings.TrimLeft(route, "/")
		code, err := d.get(ctx, u)
		if err != nil || code >= 400 {
			missingRoutes = append(missingRoutes, route)
		}
	}
	details["missing_routes"] = nonNil(missingRoutes)

	var missingElements []string
	if len(req.Project.ExpectedElements) > 0 {
		if d.Browser == nil {
			return Result{Details: details}, errors.New("no browser configured for element checks")
		}
		page, err := d.Browser.Open(ctx, base)
		if err != nil {
			return Result{Details: details}, fmt.Errorf("open page: %w", err)
		}
		defer page.Close()
		for _, sel := range req.Project.ExpectedElements {
			if err := d.waitVisible(ctx, page, sel); err != nil {
				missingElements = append(missingElements, sel)
			}
		}
		details["console_errors"] = nonNil(page.ConsoleErrors())
		details["network_errors"] = nonNil(page.NetworkErrors())
	}
	details["missing_elements"] = nonNil(missingElements)

	if len(missingRoutes) == 0 && len(missingElements) == 0 {
		return Result{Passed: true, Summary: "deploy reachable, all routes and elements present", Details: details}, nil
	}
	var parts []string
	if len(missingRoutes) > 0 {
		parts = append(parts, "missing routes: "+strings.Join(missingRoutes, ", "))
	}
	if len(missingElements) > 0 {
		parts = append(parts, "missing elements: "+strings.Join(missingElements, ", "))
	}
	return Result{Summary: strings.Join(parts, "; "), Details: details}, nil
}

func (d Deploy) get(ctx context.Context, url string) (int, error) {
	timeout := d.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	client := d.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, nil
}

func (d Deploy) waitVisible(ctx context.Context, page browser.Page, sel string) error {
	timeout := d.WaitTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return page.WaitVisible(ctx, sel)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
