// Package jenkins is a thin client for the parts of the Jenkins remote API
// needed to submit builds and follow them to completion. Calls are bounded
// by the configured timeout and never retried.
package jenkins

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/testflowpro/testflow/internal/config"
	"github.com/testflowpro/testflow/internal/logger"
	"github.com/testflowpro/testflow/internal/models"
)

var (
	// ErrNotFound is returned when Jenkins answers 404 for a queue item or build.
	ErrNotFound = errors.New("jenkins: not found")
	// ErrUnavailable is returned when Jenkins cannot be reached or answers with an error.
	ErrUnavailable = errors.New("jenkins: unavailable")
	// ErrSubmissionFailed is returned when Jenkins refuses a build submission.
	ErrSubmissionFailed = errors.New("jenkins: submission failed")
)

// QueueReference identifies a queue item, as returned in the Location header
// of a build submission. It may be empty.
type QueueReference string

// JobSummary is one entry of the job listing.
type JobSummary struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Color string `json:"color"`
}

// QueueState is the coarse state of a queue item.
type QueueState int

const (
	QueuePending QueueState = iota
	QueueCancelled
	QueueResolved
)

func (s QueueState) String() string {
	switch s {
	case QueueCancelled:
		return "cancelled"
	case QueueResolved:
		return "resolved"
	default:
		return "pending"
	}
}

// QueueItem is the state of a submitted build before it starts.
// BuildNumber is set only when State is QueueResolved.
type QueueItem struct {
	Why         string
	State       QueueState
	BuildNumber int
}

// BuildSelector picks a build of a job: a concrete number or the last build.
type BuildSelector struct {
	number int
}

// LastBuild selects the most recent build of a job.
var LastBuild = BuildSelector{}

// Build selects build n.
func Build(n int) BuildSelector { return BuildSelector{number: n} }

func (b BuildSelector) String() string {
	if b.number <= 0 {
		return "lastBuild"
	}
	return strconv.Itoa(b.number)
}

// BuildInfo is what Jenkins reports about a single build.
type BuildInfo struct {
	Result    string
	Stats     models.ResultStats
	Number    int
	QueueID   int64
	Duration  int64
	Timestamp int64
	Building  bool
}

// StartedAt converts the build timestamp (epoch millis) to a time.
// A zero timestamp yields the zero time.
func (b BuildInfo) StartedAt() time.Time {
	if b.Timestamp <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(b.Timestamp)
}

type buildResponse struct {
	Result    *string       `json:"result"`
	Actions   []buildAction `json:"actions"`
	Number    int           `json:"number"`
	QueueID   int64         `json:"queueId"`
	Duration  int64         `json:"duration"`
	Timestamp int64         `json:"timestamp"`
	Building  bool          `json:"building"`
}

// buildAction captures the JUnit counters Jenkins attaches to a build's
// actions list. Only *TestResultAction entries carry them.
type buildAction struct {
	Class      string `json:"_class"`
	FailCount  int    `json:"failCount"`
	SkipCount  int    `json:"skipCount"`
	TotalCount int    `json:"totalCount"`
}

type queueResponse struct {
	Executable *struct {
		Number int    `json:"number"`
		URL    string `json:"url"`
	} `json:"executable"`
	Why       string `json:"why"`
	Cancelled bool   `json:"cancelled"`
}

type crumbResponse struct {
	Field string `json:"crumbRequestField"`
	Crumb string `json:"crumb"`
}

// Client talks to one Jenkins controller.
type Client struct {
	httpClient *http.Client
	log        *zap.SugaredLogger
	baseURL    string
	user       string
	token      string
	reportPath string
}

// New creates a client from cfg.
func New(cfg config.JenkinsConfig, log *zap.SugaredLogger) *Client {
	reportPath := cfg.ReportPath
	if reportPath == "" {
		reportPath = "allure/"
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.GetTimeout(),
			// Submissions answer with a redirect to the queue item; the
			// Location header is what we want, so do not follow it.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:        logger.OrNop(log).Named("jenkins"),
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		user:       cfg.User,
		token:      cfg.Token,
		reportPath: reportPath,
	}
}

// BaseURL returns the controller URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// jobPath maps "folder/job" onto Jenkins' nested /job/folder/job/job layout.
func jobPath(name string) string {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "/job/" + strings.Join(parts, "/job/")
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request %s %s", method, rawURL)
	}
	if c.user != "" || c.token != "" {
		req.SetBasicAuth(c.user, c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// getJSON performs a GET and decodes a JSON body into out.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "GET %s", rawURL), ErrUnavailable)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(ErrNotFound, "GET %s", rawURL)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Wrapf(ErrUnavailable, "GET %s: status %d: %s", rawURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Mark(errors.Wrapf(err, "decode %s", rawURL), ErrUnavailable)
	}
	return nil
}

// ListJobs returns the top-level jobs of the controller.
func (c *Client) ListJobs(ctx context.Context) ([]JobSummary, error) {
	var body struct {
		Jobs []JobSummary `json:"jobs"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/api/json?tree=jobs[name,url,color]", &body); err != nil {
		return nil, errors.Mark(err, ErrUnavailable)
	}
	if body.Jobs == nil {
		body.Jobs = []JobSummary{}
	}
	return body.Jobs, nil
}

// crumb fetches a CSRF crumb. Controllers without CSRF protection answer 404,
// in which case the submission goes out without a crumb header.
func (c *Client) crumb(ctx context.Context) (crumbResponse, bool) {
	var cr crumbResponse
	if err := c.getJSON(ctx, c.baseURL+"/crumbIssuer/api/json", &cr); err != nil {
		c.log.Debugw("crumb unavailable, submitting without it", "error", err)
		return crumbResponse{}, false
	}
	if cr.Field == "" || cr.Crumb == "" {
		return crumbResponse{}, false
	}
	return cr, true
}

// Submit queues a build of jobName. Parameters are sent to
// buildWithParameters; an empty map uses the plain build endpoint.
func (c *Client) Submit(ctx context.Context, jobName string, params map[string]string) (QueueReference, error) {
	endpoint := "build"
	query := url.Values{}
	if len(params) > 0 {
		endpoint = "buildWithParameters"
		for k, v := range params {
			query.Set(k, v)
		}
	}

	target := c.baseURL + jobPath(jobName) + "/" + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodPost, target)
	if err != nil {
		return "", errors.Mark(err, ErrSubmissionFailed)
	}
	if cr, ok := c.crumb(ctx); ok {
		req.Header.Set(cr.Field, cr.Crumb)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "submit %s", jobName), ErrSubmissionFailed)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusFound:
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errors.Wrapf(ErrSubmissionFailed, "submit %s: status %d: %s",
			jobName, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	ref := QueueReference(resp.Header.Get("Location"))
	c.log.Debugw("build submitted", "job", jobName, "queue_reference", ref, "status", resp.StatusCode)
	return ref, nil
}

// resolve turns a possibly relative queue reference into an absolute URL.
func (c *Client) resolve(ref QueueReference) string {
	s := strings.TrimRight(string(ref), "/")
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return c.baseURL + s
}

// GetQueueItem reports the state of a queue item. Jenkins forgets queue
// items a few minutes after they start, after which ErrNotFound is returned.
func (c *Client) GetQueueItem(ctx context.Context, ref QueueReference) (QueueItem, error) {
	if ref == "" {
		return QueueItem{}, errors.Wrap(ErrNotFound, "empty queue reference")
	}

	var qr queueResponse
	if err := c.getJSON(ctx, c.resolve(ref)+"/api/json", &qr); err != nil {
		return QueueItem{}, err
	}

	switch {
	case qr.Cancelled:
		return QueueItem{State: QueueCancelled, Why: qr.Why}, nil
	case qr.Executable != nil && qr.Executable.Number > 0:
		return QueueItem{State: QueueResolved, BuildNumber: qr.Executable.Number}, nil
	default:
		return QueueItem{State: QueuePending, Why: qr.Why}, nil
	}
}

// GetBuildInfo fetches one build of jobName.
func (c *Client) GetBuildInfo(ctx context.Context, jobName string, build BuildSelector) (BuildInfo, error) {
	var br buildResponse
	if err := c.getJSON(ctx, c.baseURL+jobPath(jobName)+"/"+build.String()+"/api/json", &br); err != nil {
		return BuildInfo{}, err
	}

	info := BuildInfo{
		Number:    br.Number,
		QueueID:   br.QueueID,
		Duration:  br.Duration,
		Timestamp: br.Timestamp,
		Building:  br.Building,
	}
	if br.Result != nil {
		info.Result = *br.Result
	}
	for _, a := range br.Actions {
		if !strings.HasSuffix(a.Class, "TestResultAction") {
			continue
		}
		info.Stats = models.ResultStats{
			Total:   a.TotalCount,
			Failed:  a.FailCount,
			Skipped: a.SkipCount,
			Passed:  max(a.TotalCount-a.FailCount-a.SkipCount, 0),
		}
		break
	}
	return info, nil
}

// ReportURL is the location of the test report published for build n.
func (c *Client) ReportURL(jobName string, n int) string {
	return c.baseURL + jobPath(jobName) + "/" + strconv.Itoa(n) + "/" + strings.TrimLeft(c.reportPath, "/")
}

// QueueID extracts the numeric queue item id from a reference such as
// "http://ci/queue/item/42/" or "42". ok is false when none is present.
func QueueID(ref QueueReference) (int64, bool) {
	s := strings.TrimRight(strings.TrimSpace(string(ref)), "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
