package debughttp

import (
	"context"
	"io"
	"net/http"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "intentd/pkg/logx"
)

func get(t *testing.T, url, bearer string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestApplyEnableDisable(t *testing.T) {
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	routes := map[string]http.Handler{
		"/status": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"running":true}`)) }),
	}
	s := New(Config{}, routes, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: 7})
	addr := s.Addr()
	require.NotEmpty(t, addr)
	assert.Equal(t, 7, runtime.SetMutexProfileFraction(-1))

	code, body := get(t, "http://"+addr+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, "http://"+addr+"/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"running":true}`, body)

	code, _ = get(t, "http://"+addr+"/debug/pprof/", "")
	assert.Equal(t, http.StatusOK, code)

	s.Apply(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestTokenRequired(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret", MutexProfileFraction: -1, BlockProfileRate: -1}, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })

	code, _ := get(t, "http://"+s.Addr()+"/healthz", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, "http://"+s.Addr()+"/healthz", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, "http://"+s.Addr()+"/healthz", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, "http://"+s.Addr()+"/healthz?token=s3cret", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0", MutexProfileFraction: -1, BlockProfileRate: -1}, nil, logx.Nop())
	assert.ErrorIs(t, s.Start(context.Background()), ErrInsecureBind)
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("10.0.0.1:6060"))
	assert.False(t, isLoopbackAddr("bad"))
}
