package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"
)

// HTTPPushConfig configures the JSON bulk-push provider.
type HTTPPushConfig struct {
	URL        string
	Token      string
	BatchLimit int
	Timeout    time.Duration
}

// HTTPPush delivers batches as one JSON POST per call.
//
// Contract: 2xx responses carry a body listing rejected recipient ids with a
// reason; any other status is a batch-level failure classified by status code.
type HTTPPush struct {
	cfg  HTTPPushConfig
	log  logx.Logger
	http *http.Client
}

func NewHTTPPush(cfg HTTPPushConfig, log logx.Logger) (*HTTPPush, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("httppush url is empty")
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 2000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPPush{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: timeout},
	}, nil
}

func (p *HTTPPush) Name() string    { return "httppush" }
func (p *HTTPPush) BatchLimit() int { return p.cfg.BatchLimit }

type pushRequest struct {
	Recipients []string          `json:"recipients"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Payload    map[string]string `json:"payload,omitempty"`
}

type pushResponse struct {
	Rejected []struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	} `json:"rejected,omitempty"`
}

func (p *HTTPPush) Send(ctx context.Context, b Batch) (Result, error) {
	body, err := json.Marshal(pushRequest{
		Recipients: b.Recipients,
		Title:      b.Title,
		Body:       b.Body,
		Payload:    b.Payload,
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := strings.TrimSpace(p.cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		// Cap the error body so a misbehaving provider can't bloat logs.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		// Accepted but unparseable: treat as full success rather than
		// inventing rejections.
		p.log.Warn("httppush response decode failed", logx.Err(err))
		return Result{}, nil
	}

	res := Result{}
	for _, rj := range out.Rejected {
		res.Rejected = append(res.Rejected, Rejection{
			RecipientID: rj.ID,
			Class:       rejectionClass(rj.Reason),
		})
	}
	return res, nil
}

func rejectionClass(reason string) model.FailureClass {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "unregistered", "gone", "not_found":
		return model.FailureUnregistered
	default:
		return model.FailureRejected
	}
}
