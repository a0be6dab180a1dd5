package runners

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aicallyu/olympus/internal/browser"
	"github.com/aicallyu/olympus/internal/domain"
)

type fakeExec struct {
	fail map[string]bool
	dirs []string
	cmds []string
}

type exitErr struct{}

func (exitErr) Error() string { return "exit status 1" }

func (f *fakeExec) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	f.dirs = append(f.dirs, dir)
	cmd := args[len(args)-1]
	f.cmds = append(f.cmds, cmd)
	if f.fail[cmd] {
		return "error TS2322: Type 'string' is not assignable", exitErr{}
	}
	return "ok", nil
}

type fakePage struct {
	visible map[string]bool
	body    string
	texts   map[string]string
	acted   []string
	console []string
}

func (p *fakePage) Act(ctx context.Context, selector, action, value string) error {
	if action == "" || action == browser.ActionNone {
		return nil
	}
	p.acted = append(p.acted, action+":"+selector)
	return nil
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string) error {
	if p.visible[selector] {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePage) WaitHidden(ctx context.Context, selector string) error {
	if !p.visible[selector] {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePage) Text(ctx context.Context, selector string) (string, error) {
	return p.texts[selector], nil
}

func (p *fakePage) BodyText(ctx context.Context) (string, error) { return p.body, nil }
func (p *fakePage) ConsoleErrors() []string                      { return p.console }
func (p *fakePage) NetworkErrors() []string                      { return nil }
func (p *fakePage) Close() error                                 { return nil }

type fakeBrowser struct {
	page   *fakePage
	opened []string
	err    error
}

func (b *fakeBrowser) Open(ctx context.Context, url string) (browser.Page, error) {
	b.opened = append(b.opened, url)
	if b.err != nil {
		return nil, b.err
	}
	return b.page, nil
}

func TestParseExpectation(t *testing.T) {
	cases := []struct {
		in   string
		want Expectation
	}{
		{"#banner is visible", Expectation{Kind: ExpectVisible, Selector: "#banner"}},
		{".modal is hidden", Expectation{Kind: ExpectHidden, Selector: ".modal"}},
		{"text:Welcome back", Expectation{Kind: ExpectText, Text: "Welcome back"}},
		{"#greeting contains Hello Ada", Expectation{Kind: ExpectContains, Selector: "#greeting", Text: "Hello Ada"}},
		{"the dashboard loads", Expectation{Kind: ExpectVisible, Selector: "#fallback"}},
		{"", Expectation{Kind: ExpectVisible, Selector: "#fallback"}},
		{"text:", Expectation{Kind: ExpectInvalid, Text: "text: needs a substring"}},
		{"text:   ", Expectation{Kind: ExpectInvalid, Text: "text: needs a substring"}},
		{"#missing contains ", Expectation{Kind: ExpectInvalid, Text: "contains needs a selector and a substring"}},
		{" contains Ada", Expectation{Kind: ExpectInvalid, Text: "contains needs a selector and a substring"}},
	}
	for _, tc := range cases {
		if got := ParseExpectation(tc.in, "#fallback"); got != tc.want {
			t.Fatalf("ParseExpectation(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestPerceptionMissingElementFails(t *testing.T) {
	b := &fakeBrowser{page: &fakePage{visible: map[string]bool{}}}
	p := Perception{Browser: b, WaitTimeout: 50 * time.Millisecond}
	req := Request{
		Project:  domain.Project{LiveURL: "https://app.example"},
		Criteria: []domain.Criterion{{ID: "c1", TestSelector: "#banner", TestAction: "none", ExpectedResult: "#banner is visible"}},
	}
	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed {
		t.Fatalf("expected failure when #banner never appears")
	}
	crs := res.Details["criteria"].([]CriterionResult)
	if len(crs) != 1 || crs[0].Passed {
		t.Fatalf("unexpected criterion results %+v", crs)
	}
	if res.Summary != "failed criteria: 1" {
		t.Fatalf("summary = %q", res.Summary)
	}
}

func TestPerceptionInvalidExpectationFails(t *testing.T) {
	b := &fakeBrowser{page: &fakePage{visible: map[string]bool{"#missing": true}, body: "anything"}}
	p := Perception{Browser: b, WaitTimeout: 50 * time.Millisecond}
	req := Request{
		Project: domain.Project{LiveURL: "https://app.example"},
		Criteria: []domain.Criterion{
			{ID: "c1", TestSelector: "#missing", ExpectedResult: "text:   "},
			{ID: "c2", TestSelector: "#missing", ExpectedResult: "#missing contains "},
		},
	}
	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed {
		t.Fatalf("empty operands must not pass")
	}
	crs := res.Details["criteria"].([]CriterionResult)
	for _, cr := range crs {
		if cr.Passed || !strings.Contains(cr.Message, "invalid expected_result") {
			t.Fatalf("unexpected criterion result %+v", cr)
		}
	}
	if len(b.opened) != 0 {
		t.Fatalf("invalid expectations should not open the browser, opened %v", b.opened)
	}
}

func TestPerceptionManualCriterionNeverPasses(t *testing.T) {
	b := &fakeBrowser{page: &fakePage{visible: map[string]bool{"#ok": true}}}
	p := Perception{Browser: b, WaitTimeout: 50 * time.Millisecond}
	req := Request{
		Project: domain.Project{LiveURL: "https://app.example"},
		Criteria: []domain.Criterion{
			{ID: "c1", TestSelector: "#ok", ExpectedResult: "#ok is visible"},
			{ID: "c2", Description: "copy reads well"},
		},
	}
	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed {
		t.Fatalf("manual criterion must not pass")
	}
	crs := res.Details["criteria"].([]CriterionResult)
	if !crs[0].Passed || crs[1].Passed || crs[1].Message != ManualVerification {
		t.Fatalf("unexpected results %+v", crs)
	}
	if res.Summary != "failed criteria: 2" {
		t.Fatalf("summary = %q", res.Summary)
	}
	if len(b.opened) != 1 {
		t.Fatalf("manual criterion should not open the browser, opened %v", b.opened)
	}
}

func TestPerceptionActionsAndText(t *testing.T) {
	page := &fakePage{
		visible: map[string]bool{"#menu": true},
		body:    "Welcome back, Ada",
		texts:   map[string]string{"#greeting": "Hello Ada"},
		console: []string{"TypeError: x is undefined"},
	}
	p := Perception{Browser: &fakeBrowser{page: page}, WaitTimeout: 50 * time.Millisecond}
	req := Request{
		Project: domain.Project{LiveURL: "https://app.example"},
		Criteria: []domain.Criterion{
			{TestSelector: "#login", TestAction: "click", ExpectedResult: "text:Welcome back"},
			{TestSelector: "#greeting", TestAction: "hover", ExpectedResult: "#greeting contains Ada"},
			{TestSelector: "#modal", TestAction: "none", ExpectedResult: "#modal is hidden"},
			{TestSelector: "#menu", TestAction: "none", ExpectedResult: "menu shows"},
		},
	}
	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Passed {
		t.Fatalf("expected pass, got %q %+v", res.Summary, res.Details["criteria"])
	}
	if strings.Join(page.acted, ",") != "click:#login,hover:#greeting" {
		t.Fatalf("acted = %v", page.acted)
	}
	if errs := res.Details["console_errors"].([]string); len(errs) == 0 {
		t.Fatalf("expected console errors to be attached")
	}
}

func TestBuildRunsAllCommands(t *testing.T) {
	ex := &fakeExec{fail: map[string]bool{"npx tsc --noEmit": true}}
	b := Build{Exec: ex, Commands: []string{"npm run build", "npx tsc --noEmit", "npm run lint"}}
	res, err := b.Run(context.Background(), Request{Project: domain.Project{RepoPath: "/src/app"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed {
		t.Fatalf("expected failure")
	}
	if len(ex.cmds) != 3 || ex.dirs[0] != "/src/app" {
		t.Fatalf("cmds = %v dirs = %v", ex.cmds, ex.dirs)
	}
	if !strings.Contains(res.Summary, "npx tsc --noEmit") {
		t.Fatalf("summary = %q", res.Summary)
	}
	results := res.Details["commands"].([]commandResult)
	if results[1].ExitCode != -1 || results[0].ExitCode != 0 {
		t.Fatalf("exit codes = %+v", results)
	}
}

func TestBuildPasses(t *testing.T) {
	b := Build{Exec: &fakeExec{}, Commands: []string{"go build ./..."}}
	res, err := b.Run(context.Background(), Request{})
	if err != nil || !res.Passed {
		t.Fatalf("expected pass, got %+v %v", res, err)
	}
}

func TestDeployChecksRoutesAndElements(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/login":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	b := &fakeBrowser{page: &fakePage{visible: map[string]bool{"#app": true}}}
	d := Deploy{HTTP: srv.Client(), Browser: b, HTTPTimeout: time.Second, WaitTimeout: 50 * time.Millisecond}

	res, err := d.Run(context.Background(), Request{Project: domain.Project{
		LiveURL: srv.URL, ExpectedRoutes: []string{"/login"}, ExpectedElements: []string{"#app"},
	}})
	if err != nil || !res.Passed {
		t.Fatalf("expected pass, got %+v %v", res, err)
	}

	res, err = d.Run(context.Background(), Request{Project: domain.Project{
		LiveURL: srv.URL, ExpectedRoutes: []string{"/login", "/settings"}, ExpectedElements: []string{"#app", "#nav"},
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed {
		t.Fatalf("expected failure")
	}
	if got := res.Details["missing_routes"].([]string); len(got) != 1 || got[0] != "/settings" {
		t.Fatalf("missing routes = %v", got)
	}
	if got := res.Details["missing_elements"].([]string); len(got) != 1 || got[0] != "#nav" {
		t.Fatalf("missing elements = %v", got)
	}
}

func TestDeployUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	d := Deploy{HTTP: srv.Client()}
	res, err := d.Run(context.Background(), Request{Project: domain.Project{LiveURL: srv.URL}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed || res.Details["reachable"] != false {
		t.Fatalf("expected unreachable failure, got %+v", res)
	}
}

func TestSafeConvertsPanicAndErrors(t *testing.T) {
	panicky := Func(func(ctx context.Context, req Request) (Result, error) { panic("boom") })
	res := Safe(context.Background(), panicky, Request{}, time.Second)
	if res.Passed || !strings.Contains(res.Summary, "boom") {
		t.Fatalf("unexpected result %+v", res)
	}

	failing := Func(func(ctx context.Context, req Request) (Result, error) { return Result{}, errors.New("browser crashed") })
	res = Safe(context.Background(), failing, Request{}, time.Second)
	if res.Passed || res.Summary != "browser crashed" {
		t.Fatalf("unexpected result %+v", res)
	}

	slow := Func(func(ctx context.Context, req Request) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	res = Safe(context.Background(), slow, Request{}, 20*time.Millisecond)
	if res.Passed || !strings.Contains(res.Summary, "timed out") {
		t.Fatalf("unexpected result %+v", res)
	}
}
