package lim

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
	keys   []string
}

func (f *fakeCounter) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.keys = append(f.keys, key)
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	if f.counts[key] >= limit {
		return f.counts[key] + 1, nil
	}
	f.counts[key]++
	return f.counts[key], nil
}

func newTestLimiter(t *testing.T, rpm, burst, conservative int, c Counter) *Limiter {
	t.Helper()
	l := New(rpm, burst, conservative, c, nil)
	t.Cleanup(l.Stop)
	fixed := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return fixed }
	return l
}

func allowedN(l *Limiter, ip string, class Class, n int) int {
	ok := 0
	for i := 0; i < n; i++ {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = ip + ":1234"
		if l.CheckLimit(r, class).Allowed {
			ok++
		}
	}
	return ok
}

func TestLocalLimiterBurst(t *testing.T) {
	l := newTestLimiter(t, 60, 3, 2, nil)
	if got := allowedN(l, "10.0.0.1", ClassCreate, 10); got != 3 {
		t.Errorf("create allowed %d, want 3", got)
	}
	if got := allowedN(l, "10.0.0.2", ClassCreate, 10); got != 3 {
		t.Errorf("second client allowed %d, want 3", got)
	}
	if got := allowedN(l, "10.0.0.1", ClassVerify, 10); got != 2 {
		t.Errorf("verify allowed %d, want 2", got)
	}
	if got := allowedN(l, "10.0.0.1", ClassRead, 10); got != 3 {
		t.Errorf("read allowed %d, want 3", got)
	}
}

func TestLimitForClasses(t *testing.T) {
	l := newTestLimiter(t, 60, 10, 5, nil)
	if got := l.limitFor(ClassCreate); got != 60 {
		t.Errorf("create limit = %d", got)
	}
	if got := l.limitFor(ClassRead); got != 300 {
		t.Errorf("read limit = %d", got)
	}
	if got := l.limitFor(ClassVerify); got != 5 {
		t.Errorf("verify limit = %d", got)
	}
	l.TriggerAdaptiveMode()
	if got := l.limitFor(ClassCreate); got != 30 {
		t.Errorf("adaptive create limit = %d, want 30", got)
	}
	if got := l.limitFor(ClassVerify); got != 2 {
		t.Errorf("adaptive verify limit = %d, want 2", got)
	}
}

func TestSharedCounter(t *testing.T) {
	c := &fakeCounter{}
	l := newTestLimiter(t, 2, 10, 1, c)
	if got := allowedN(l, "192.0.2.7", ClassCreate, 5); got != 2 {
		t.Errorf("allowed %d, want 2", got)
	}
	if c.keys[0] != "rl:create:192.0.2.7" {
		t.Errorf("counter key = %q", c.keys[0])
	}
	r := httptest.NewRequest("POST", "/", nil)
	r.RemoteAddr = "192.0.2.7:1"
	res := l.CheckLimit(r, ClassCreate)
	if res.Allowed || res.Remaining != 0 || res.Limit != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestSharedCounterFailureFallsBack(t *testing.T) {
	c := &fakeCounter{err: errors.New("redis down")}
	l := newTestLimiter(t, 60, 2, 1, c)
	if got := allowedN(l, "10.1.1.1", ClassCreate, 5); got != 2 {
		t.Errorf("fallback allowed %d, want local burst 2", got)
	}
}

func TestGetRealIP(t *testing.T) {
	trusted := []string{"10.0.0.0/8", "192.168.1.1"}
	cases := []struct {
		name    string
		remote  string
		xff     string
		proxies []string
		want    string
	}{
		{"no proxies ignores xff", "1.2.3.4:80", "9.9.9.9", nil, "1.2.3.4"},
		{"untrusted remote ignores xff", "1.2.3.4:80", "9.9.9.9", trusted, "1.2.3.4"},
		{"trusted remote uses xff", "10.0.0.5:80", "9.9.9.9", trusted, "9.9.9.9"},
		{"skips trusted hops", "10.0.0.5:80", "8.8.8.8, 9.9.9.9, 192.168.1.1", trusted, "9.9.9.9"},
		{"spoofed left entry ignored", "10.0.0.5:80", "6.6.6.6, 9.9.9.9", trusted, "9.9.9.9"},
		{"garbage entries skipped", "10.0.0.5:80", "9.9.9.9, nonsense", trusted, "9.9.9.9"},
		{"all trusted falls back", "10.0.0.5:80", "10.1.1.1", trusted, "10.0.0.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := GetRealIP(r, tc.proxies); got != tc.want {
				t.Errorf("GetRealIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewPanicsOnBadProxy(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	New(60, 10, 5, nil, []string{"not-an-ip"})
}

func TestAnomalyDetector(t *testing.T) {
	fired := 0
	d := NewAnomalyDetector(func() { fired++ })
	for i := 0; i < 100; i++ {
		d.RecordRequest()
	}
	for i := 0; i < 5; i++ {
		d.RecordError()
	}
	d.AdvanceWindow()
	if fired != 0 {
		t.Fatalf("fired at 5%% error rate")
	}
	d.RecordRequest()
	d.RecordError()
	d.AdvanceWindow()
	if fired != 1 {
		t.Errorf("fired %d times, want 1 once above 5%%", fired)
	}
}

func TestAnomalyTriggersAdaptiveMode(t *testing.T) {
	l := newTestLimiter(t, 60, 10, 5, nil)
	for i := 0; i < 20; i++ {
		l.RecordRequest()
		l.RecordError()
	}
	l.detector.AdvanceWindow()
	if !l.isAdaptiveMode() {
		t.Error("adaptive mode not triggered by error burst")
	}
}
