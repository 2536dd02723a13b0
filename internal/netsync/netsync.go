// Package netsync talks to the aggregator API from a dedicated worker
// goroutine, so aggregator latency can never stall relay control. The
// controller enqueues jobs and consumes results over bounded channels.
package netsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/JFreitz/siboltech-node/internal/datadog"
	"github.com/JFreitz/siboltech-node/internal/model"
)

type JobKind string

const (
	JobUpload JobKind = "upload"
	JobPoll   JobKind = "poll"
	JobProbe  JobKind = "probe"
)

type Job struct {
	Kind     JobKind
	Readings model.Readings // upload only
}

// Result reports one finished job. Err is set only for transport
// failures; an HTTP error status leaves Err nil and sets StatusCode,
// which is how the controller tells "aggregator unreachable" from
// "aggregator unhappy".
type Result struct {
	Kind       JobKind
	Err        error
	StatusCode int
	States     string // poll only, raw desired-state string
}

// IngestRequest is the upload body for the aggregator ingest endpoint.
type IngestRequest struct {
	Key      string         `json:"key"`
	Device   string         `json:"device"`
	Readings IngestReadings `json:"readings"`
}

type IngestReadings struct {
	TemperatureC float64 `json:"temperature_c"`
	Humidity     float64 `json:"humidity"`
	TDSPPM       float64 `json:"tds_ppm"`
	PHVoltageV   float64 `json:"ph_voltage_v"`
	DOVoltageV   float64 `json:"do_voltage_v"`
}

// PendingResponse is the poll payload: one character per relay,
// '1' for on.
type PendingResponse struct {
	States string `json:"states"`
}

const queueDepth = 4

type Client struct {
	baseURL string
	key     string
	device  string
	client  *http.Client
	jobs    chan Job
	results chan Result
}

// New builds a client for the aggregator at baseURL. The timeout is
// deliberately short: a dead aggregator costs the worker at most one
// timeout per job.
func New(baseURL, key, device string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		device:  device,
		client:  &http.Client{Timeout: timeout},
		jobs:    make(chan Job, queueDepth),
		results: make(chan Result, queueDepth),
	}
}

// Run processes jobs until ctx is cancelled. A single worker keeps
// requests serialized, matching the one-request-at-a-time behavior of
// the previous firmware.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.jobs:
			res := c.execute(ctx, job)
			c.observe(res)
			select {
			case c.results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

// TryEnqueue hands a job to the worker without blocking. False means
// the queue is full; the caller just waits for the next interval.
func (c *Client) TryEnqueue(job Job) bool {
	select {
	case c.jobs <- job:
		return true
	default:
		return false
	}
}

// Results is the channel of finished jobs, consumed by the controller.
func (c *Client) Results() <-chan Result {
	return c.results
}

func (c *Client) execute(ctx context.Context, job Job) Result {
	switch job.Kind {
	case JobUpload:
		return c.upload(ctx, job.Readings)
	case JobPoll:
		return c.poll(ctx)
	case JobProbe:
		return c.probe(ctx)
	}
	return Result{Kind: job.Kind, Err: fmt.Errorf("unknown job kind %q", job.Kind)}
}

func (c *Client) observe(res Result) {
	outcome := "success"
	if res.Err != nil || (res.StatusCode != 0 && res.StatusCode != http.StatusOK) {
		outcome = "failure"
	}
	datadog.Incr("sync."+string(res.Kind), "outcome:"+outcome)
	if res.Err != nil {
		log.Debug().Err(res.Err).Str("job", string(res.Kind)).Msg("Aggregator request failed")
	}
}

func (c *Client) upload(ctx context.Context, r model.Readings) Result {
	body := IngestRequest{
		Key:    c.key,
		Device: c.device,
		Readings: IngestReadings{
			TemperatureC: r.TemperatureC,
			Humidity:     r.HumidityPct,
			TDSPPM:       r.TDSPPM,
			PHVoltageV:   r.PHVoltageV,
			DOVoltageV:   r.DOVoltageV,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{Kind: JobUpload, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ingest", bytes.NewReader(payload))
	if err != nil {
		return Result{Kind: JobUpload, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Kind: JobUpload, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return Result{Kind: JobUpload, StatusCode: resp.StatusCode}
}

func (c *Client) poll(ctx context.Context) Result {
	resp, err := c.get(ctx, "/api/relay/pending")
	if err != nil {
		return Result{Kind: JobPoll, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Result{Kind: JobPoll, StatusCode: resp.StatusCode}
	}
	var pending PendingResponse
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		log.Debug().Err(err).Msg("Discarding malformed pending payload")
		return Result{Kind: JobPoll, StatusCode: resp.StatusCode}
	}
	return Result{Kind: JobPoll, StatusCode: resp.StatusCode, States: pending.States}
}

// probe is the connectivity check used while disconnected. Any HTTP
// response means the aggregator is reachable; only transport errors
// keep the session down.
func (c *Client) probe(ctx context.Context) Result {
	resp, err := c.get(ctx, "/api/relay/pending")
	if err != nil {
		return Result{Kind: JobProbe, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return Result{Kind: JobProbe, StatusCode: resp.StatusCode}
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}
