package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/llm/transport"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	checkRPC     = "check_rate_limit"
	incrementRPC = "increment_rate_limit"

	// DefaultRPCTimeout bounds each Supabase RPC call.
	DefaultRPCTimeout = 10 * time.Second
)

// SupabaseClient is a Limiter backed by Supabase Postgres functions.
type SupabaseClient struct {
	baseURL   string
	apiKey    string
	transport *transport.Client
	logger    zerolog.Logger
}

var _ Limiter = (*SupabaseClient)(nil)

// NewSupabaseClient creates a new SupabaseClient for the project at baseURL.
func NewSupabaseClient(baseURL, apiKey string, tr *transport.Client, logger zerolog.Logger) (*SupabaseClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("supabase url is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("supabase key is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("transport is required")
	}
	return &SupabaseClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		transport: tr,
		logger:    logger.With().Str("component", "ratelimit").Str("backend", "supabase").Logger(),
	}, nil
}

func (c *SupabaseClient) call(ctx context.Context, fn, userID string, kind Kind) (gjson.Result, error) {
	if !kind.Valid() {
		return gjson.Result{}, fmt.Errorf("unknown limit kind %q", kind)
	}
	if userID == "" {
		return gjson.Result{}, llm.NewValidationError("user not authenticated")
	}

	body, err := sjson.SetBytes([]byte(`{}`), "p_user_id", userID)
	if err == nil {
		body, err = sjson.SetBytes(body, "p_limit_type", string(kind))
	}
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode %s args: %w", fn, err)
	}

	header := http.Header{}
	header.Set("apikey", c.apiKey)
	header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.transport.Send(ctx, transport.Request{
		Method:  http.MethodPost,
		URL:     c.baseURL + "/rest/v1/rpc/" + fn,
		Header:  header,
		Body:    body,
		Timeout: DefaultRPCTimeout,
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", fn, err)
	}
	data, err := resp.Bytes()
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", fn, err)
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%s: invalid JSON response", fn)
	}
	return gjson.ParseBytes(data), nil
}

// Check implements Limiter.
func (c *SupabaseClient) Check(ctx context.Context, userID string, kind Kind) (Status, error) {
	res, err := c.call(ctx, checkRPC, userID, kind)
	if err != nil {
		return Status{}, err
	}
	// Set-returning functions come back as a one-element array.
	if res.IsArray() {
		res = res.Get("0")
	}
	if !res.Get("allowed").Exists() {
		return Status{}, fmt.Errorf("%s: response has no allowed field", checkRPC)
	}

	status := Status{
		Allowed:   res.Get("allowed").Bool(),
		Remaining: int(res.Get("remaining").Int()),
	}
	if rt := res.Get("reset_time").String(); rt != "" {
		t, err := time.Parse(time.RFC3339Nano, rt)
		if err != nil {
			c.logger.Warn().Err(err).Str("reset_time", rt).Msg("Unparseable reset time")
		} else {
			status.ResetAt = t
		}
	}
	return status, nil
}

// Increment implements Limiter.
func (c *SupabaseClient) Increment(ctx context.Context, userID string, kind Kind) error {
	res, err := c.call(ctx, incrementRPC, userID, kind)
	if err != nil {
		return err
	}
	if !res.Bool() {
		return fmt.Errorf("%s: usage was not recorded", incrementRPC)
	}
	return nil
}
