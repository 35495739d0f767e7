package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"kairos/internal/domain"
)

func sampleRequest() Request {
	return NewRequest("run-1", "BTCUSDT", "1min", 1704067200, []float64{0.1, 0.2},
		domain.PortfolioState{Cash: 1000, Equity: 1000})
}

func ptr[T any](v T) *T { return &v }

func TestNewRequestFormatsTimestamp(t *testing.T) {
	r := sampleRequest()
	if r.Timestamp != "2024-01-01T00:00:00Z" {
		t.Errorf("Timestamp = %q", r.Timestamp)
	}
	if r.APIVersion != APIVersion || r.FeatureVersion != FeatureVersion {
		t.Errorf("versions = %s/%s", r.APIVersion, r.FeatureVersion)
	}
	data, _ := json.Marshal(r)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	for _, k := range []string{"api_version", "feature_version", "run_id", "timestamp", "symbol", "timeframe", "observation", "portfolio_state"} {
		if _, ok := m[k]; !ok {
			t.Errorf("request JSON missing %q", k)
		}
	}
}

func TestResponseValidate(t *testing.T) {
	good := []Response{
		{ActionType: "BUY", Size: 1},
		{ActionType: "hold", Size: 0},
		{ActionType: "SELL", Size: 2, Confidence: ptr(0.5)},
	}
	for _, r := range good {
		if err := r.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v", r, err)
		}
	}
	bad := []Response{
		{ActionType: "SHORT", Size: 1},
		{ActionType: "BUY", Size: -1},
		{ActionType: "BUY", Size: 1, Confidence: ptr(1.5)},
	}
	for _, r := range bad {
		if err := r.Validate(); !errors.Is(err, ErrInvalidResponse) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidResponse", r, err)
		}
	}
}

func TestResponseToAction(t *testing.T) {
	a := Response{ActionType: "BUY", Size: 2, Reason: ptr("signal")}.ToAction()
	if a.Type != domain.ActionBuy || a.Size != 2 || a.Reason != "signal" {
		t.Errorf("ToAction() = %+v", a)
	}
	a = Response{ActionType: "HOLD", Size: 3}.ToAction()
	if a.Type != domain.ActionHold || a.Size != 0 {
		t.Errorf("Hold ToAction() = %+v", a)
	}
}

// ---------------------------------------------------------------------------
// HTTP client
// ---------------------------------------------------------------------------

func TestHTTPActSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/act" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Symbol != "BTCUSDT" {
			t.Errorf("symbol = %q", req.Symbol)
		}
		_ = json.NewEncoder(w).Encode(Response{ActionType: "BUY", Size: 1.5})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", time.Second, 2, nil)
	resp, info, err := c.Act(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Act: %v", err)
	}
	if resp.ActionType != "BUY" || resp.Size != 1.5 {
		t.Errorf("resp = %+v", resp)
	}
	if info.Attempts != 1 || info.Status != http.StatusOK {
		t.Errorf("info = %+v", info)
	}
}

func TestHTTPRetries5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Response{ActionType: "SELL", Size: 1})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, 2, nil)
	resp, info, err := c.Act(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Act: %v", err)
	}
	if resp.ActionType != "SELL" || info.Attempts != 3 {
		t.Errorf("resp = %+v info = %+v", resp, info)
	}
}

func TestHTTPRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, 1, nil)
	_, info, err := c.Act(context.Background(), sampleRequest())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 500 {
		t.Fatalf("err = %v, want 500 StatusError", err)
	}
	if calls.Load() != 2 || info.Attempts != 2 {
		t.Errorf("calls = %d attempts = %d, want 2", calls.Load(), info.Attempts)
	}
	if info.Err == "" {
		t.Error("CallInfo.Err should be set")
	}
}

func TestHTTP4xxNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, 5, nil)
	_, info, err := c.Act(context.Background(), sampleRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 || info.Status != http.StatusBadRequest {
		t.Errorf("calls = %d status = %d", calls.Load(), info.Status)
	}
}

func TestHTTPMalformedBodyNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"action_type": "BUY", "size": -3}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, 5, nil)
	_, _, err := c.Act(context.Background(), sampleRequest())
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("err = %v, want ErrInvalidResponse", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestHTTPUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(url, 200*time.Millisecond, 2, nil)
	_, info, err := c.Act(context.Background(), sampleRequest())
	if err == nil {
		t.Fatal("expected transport error")
	}
	if info.Attempts != 3 || info.Status != 0 {
		t.Errorf("info = %+v, want 3 attempts and no status", info)
	}
}

func TestHTTPTimeoutRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 20*time.Millisecond, 1, nil)
	_, info, err := c.Act(context.Background(), sampleRequest())
	if err == nil {
		t.Fatal("expected timeout")
	}
	if info.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", info.Attempts)
	}
}

func TestHTTPActBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/act_batch" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req BatchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := BatchResponse{}
		for range req.Items {
			resp.Items = append(resp.Items, Response{ActionType: "HOLD"})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, 0, nil)
	items, _, err := c.ActBatch(context.Background(), []Request{sampleRequest(), sampleRequest()})
	if err != nil {
		t.Fatalf("ActBatch: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}
}

func TestHTTPActBatchMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(BatchResponse{Items: []Response{{ActionType: "HOLD"}}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, 3, nil)
	_, info, err := c.ActBatch(context.Background(), []Request{sampleRequest(), sampleRequest()})
	if !errors.Is(err, ErrBatchMismatch) {
		t.Fatalf("err = %v, want ErrBatchMismatch", err)
	}
	if info.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", info.Attempts)
	}
}

// ---------------------------------------------------------------------------
// gRPC transport
// ---------------------------------------------------------------------------

type fakeServer struct {
	fails atomic.Int32
	code  codes.Code
}

func (f *fakeServer) Act(_ context.Context, req Request) (Response, error) {
	if f.fails.Load() > 0 {
		f.fails.Add(-1)
		return Response{}, status.Error(f.code, "injected")
	}
	return Response{ActionType: "BUY", Size: float64(len(req.Observation)), Reason: ptr(req.Symbol)}, nil
}

func (f *fakeServer) ActBatch(ctx context.Context, reqs []Request) ([]Response, error) {
	out := make([]Response, 0, len(reqs))
	for _, r := range reqs {
		resp, err := f.Act(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

func startGRPC(t *testing.T, impl ActServer) *GRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterActServer(s, impl)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	c, err := NewGRPCClient("passthrough:///bufnet", time.Second, 2, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("NewGRPCClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGRPCAct(t *testing.T) {
	c := startGRPC(t, &fakeServer{})
	resp, info, err := c.Act(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Act: %v", err)
	}
	if resp.ActionType != "BUY" || resp.Size != 2 || resp.Reason == nil || *resp.Reason != "BTCUSDT" {
		t.Errorf("resp = %+v", resp)
	}
	if info.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", info.Attempts)
	}
}

func TestGRPCRetriesUnavailable(t *testing.T) {
	f := &fakeServer{code: codes.Unavailable}
	f.fails.Store(2)
	c := startGRPC(t, f)
	_, info, err := c.Act(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Act: %v", err)
	}
	if info.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", info.Attempts)
	}
}

func TestGRPCInvalidArgumentIsPermanent(t *testing.T) {
	f := &fakeServer{code: codes.InvalidArgument}
	f.fails.Store(5)
	c := startGRPC(t, f)
	_, info, err := c.Act(context.Background(), sampleRequest())
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
	if info.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", info.Attempts)
	}
}

func TestRetryableCode(t *testing.T) {
	cases := map[codes.Code]bool{
		codes.Unavailable:       true,
		codes.DeadlineExceeded:  true,
		codes.ResourceExhausted: true,
		codes.Internal:          true,
		codes.Unknown:           false,
		codes.InvalidArgument:   false,
		codes.NotFound:          false,
		codes.Unimplemented:     false,
	}
	for c, want := range cases {
		if got := retryableCode(c); got != want {
			t.Errorf("retryableCode(%v) = %v, want %v", c, got, want)
		}
	}
}

func TestGRPCActBatch(t *testing.T) {
	c := startGRPC(t, &fakeServer{})
	items, _, err := c.ActBatch(context.Background(), []Request{sampleRequest(), sampleRequest(), sampleRequest()})
	if err != nil {
		t.Fatalf("ActBatch: %v", err)
	}
	if len(items) != 3 {
		t.Errorf("items = %d, want 3", len(items))
	}
}
