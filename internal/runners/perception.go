package runners

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aicallyu/olympus/internal/browser"
	"github.com/aicallyu/olympus/internal/domain"
)

const ManualVerification = "requires manual verification"

// Expectation kinds understood in a criterion's expected_result.
const (
	ExpectVisible  = "visible"
	ExpectHidden   = "hidden"
	ExpectText     = "text"
	ExpectContains = "contains"
	// ExpectInvalid is a recognised form with a missing operand. Text holds
	// the reason; the criterion fails without opening the page.
	ExpectInvalid = "invalid"
)

type Expectation struct {
	Kind     string
	Selector string
	Text     string
}

const containsOp = " contains "

// ParseExpectation reads expected_result. Recognised forms:
//
//	<selector> is visible
//	<selector> is hidden
//	text:<substring>
//	<selector> contains <substring>
//
// Anything else means the criterion's own selector must become visible.
func ParseExpectation(expected, selector string) Expectation {
	e := strings.TrimSpace(expected)
	switch {
	case strings.HasPrefix(e, "text:"):
		text := strings.TrimSpace(strings.TrimPrefix(e, "text:"))
		if text == "" {
			return Expectation{Kind: ExpectInvalid, Text: "text: needs a substring"}
		}
		return Expectation{Kind: ExpectText, Text: text}
	case strings.HasSuffix(e, " is visible"):
		return Expectation{Kind: ExpectVisible, Selector: strings.TrimSpace(strings.TrimSuffix(e, " is visible"))}
	case strings.HasSuffix(e, " is hidden"):
		return Expectation{Kind: ExpectHidden, Selector: strings.TrimSpace(strings.TrimSuffix(e, " is hidden"))}
	}
	// Searched before trimming so a trailing empty operand is still seen.
	if i := strings.Index(expected, containsOp); i >= 0 {
		sel := strings.TrimSpace(expected[:i])
		text := strings.TrimSpace(expected[i+len(containsOp):])
		if sel == "" || text == "" {
			return Expectation{Kind: ExpectInvalid, Text: "contains needs a selector and a substring"}
		}
		return Expectation{Kind: ExpectContains, Selector: sel, Text: text}
	}
	return Expectation{Kind: ExpectVisible, Selector: selector}
}

type CriterionResult struct {
	Number      int    `json:"number"`
	ID          string `json:"id,omitempty"`
	Description string `json:"description,omitempty"`
	Passed      bool   `json:"passed"`
	Message     string `json:"message"`
}

// Perception evaluates acceptance criteria against the live deployment.
type Perception struct {
	Browser     browser.Browser
	WaitTimeout time.Duration
}

func (p Perception) Run(ctx context.Context, req Request) (Result, error) {
	url := req.Project.LiveURL
	criteria := req.Criteria
	if len(criteria) == 0 {
		criteria = req.Task.AcceptanceCriteria
	}
	if len(criteria) == 0 {
		return Result{Passed: true, Summary: "no acceptance criteria to check", Details: map[string]any{"criteria": []CriterionResult{}}}, nil
	}
	var results []CriterionResult
	var failed []string
	var consoleErrs, networkErrs []string
	for i, c := range criteria {
		if err := ctx.Err(); err != nil {
			return Result{Details: map[string]any{"criteria": results}}, err
		}
		cr := CriterionResult{Number: i + 1, ID: c.ID, Description: c.Description}
		if strings.TrimSpace(c.TestSelector) == "" {
			cr.Message = ManualVerification
		} else {
			console, network, err := p.check(ctx, url, c)
			consoleErrs = append(consoleErrs, console...)
			networkErrs = append(networkErrs, network...)
			if err != nil {
				cr.Message = err.Error()
			} else {
				cr.Passed = true
				cr.Message = "ok"
			}
		}
		if !cr.Passed {
			failed = append(failed, strconv.Itoa(cr.Number))
		}
		results = append(results, cr)
	}
	details := map[string]any{
		"criteria":       results,
		"console_errors": nonNil(consoleErrs),
		"network_errors": nonNil(networkErrs),
	}
	if len(failed) == 0 {
		return Result{Passed: true, Summary: fmt.Sprintf("all %d criteria passed", len(results)), Details: details}, nil
	}
	return Result{Summary: "failed criteria: " + strings.Join(failed, ", "), Details: details}, nil
}

func (p Perception) check(ctx context.Context, url string, c domain.Criterion) ([]string, []string, error) {
	if p.Browser == nil {
		return nil, nil, errors.New("no browser configured")
	}
	if url == "" {
		return nil, nil, errors.New("project has no live url")
	}
	exp := ParseExpectation(c.ExpectedResult, c.TestSelector)
	if exp.Kind == ExpectInvalid {
		return nil, nil, fmt.Errorf("invalid expected_result %q: %s", c.ExpectedResult, exp.Text)
	}
	page, err := p.Browser.Open(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	wait := p.WaitTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	err = func() error {
		actCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		if err := page.Act(actCtx, c.TestSelector, c.TestAction, c.ActionValue); err != nil {
			return fmt.Errorf("%s %s: %w", c.TestAction, c.TestSelector, err)
		}
		return nil
	}()
	if err == nil {
		err = p.evaluate(ctx, page, exp, wait)
	}
	return page.ConsoleErrors(), page.NetworkErrors(), err
}

func (p Perception) evaluate(ctx context.Context, page browser.Page, exp Expectation, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	switch exp.Kind {
	case ExpectHidden:
		if err := page.WaitHidden(ctx, exp.Selector); err != nil {
			return fmt.Errorf("%s still visible after %s", exp.Selector, wait)
		}
		return nil
	case ExpectText:
		return poll(ctx, func() (bool, error) {
			body, err := page.BodyText(ctx)
			return err == nil && strings.Contains(body, exp.Text), nil
		}, fmt.Sprintf("text %q not found on page", exp.Text))
	case ExpectContains:
		return poll(ctx, func() (bool, error) {
			text, err := page.Text(ctx, exp.Selector)
			return err == nil && strings.Contains(text, exp.Text), nil
		}, fmt.Sprintf("%s does not contain %q", exp.Selector, exp.Text))
	default:
		if err := page.WaitVisible(ctx, exp.Selector); err != nil {
			return fmt.Errorf("%s not visible within %s", exp.Selector, wait)
		}
		return nil
	}
}

func poll(ctx context.Context, fn func() (bool, error), failure string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := fn()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New(failure)
		case <-ticker.C:
		}
	}
}
