package expr

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeaderFunctionIgnoresCase(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html")
	header := http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}
	activation := Activation(RequestContext(req), ResponseContext(http.StatusOK, header, 4), time.Now())

	tests := []struct {
		name   string
		policy string
		want   bool
	}{
		{name: "response header", policy: `header(response, "Content-Type").startsWith("text/html")`, want: true},
		{name: "request header lower case", policy: `header(request, "accept") == "text/html"`, want: true},
		{name: "missing header reads empty", policy: `header(response, "ETag") == ""`, want: true},
		{name: "mismatch", policy: `header(response, "content-type") == "application/json"`, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			policy, err := env.Compile(tc.policy)
			require.NoError(t, err)
			got, err := policy.Allows(activation)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestHeaderFunctionWithoutHeaders(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	policy, err := env.Compile(`header(response, "etag") == ""`)
	require.NoError(t, err)

	ok, err := policy.Allows(Activation(map[string]any{}, map[string]any{"status": int64(200)}, time.Now()))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStorePolicyAgainstExchange(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	policy, err := env.Compile(`response.status < 500 && !request.path.startsWith("/api/")`)
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		status int
		want   bool
	}{
		{name: "page ok", path: "/", status: http.StatusOK, want: true},
		{name: "not found still stored", path: "/missing", status: http.StatusNotFound, want: true},
		{name: "server error skipped", path: "/", status: http.StatusBadGateway, want: false},
		{name: "api skipped", path: "/api/items", status: http.StatusOK, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			activation := Activation(RequestContext(req), ResponseContext(tc.status, http.Header{}, 0), time.Now())
			got, err := policy.Allows(activation)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestStorePolicyCacheControl(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	policy, err := env.Compile(`!response.cacheControl.noStore`)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	header := http.Header{"Cache-Control": []string{"private, no-store"}}
	ok, err := policy.Allows(Activation(RequestContext(req), ResponseContext(200, header, 10), time.Now()))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = policy.Allows(Activation(RequestContext(req), ResponseContext(200, http.Header{}, 10), time.Now()))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRequestContextFlattensHeadersAndQuery(t *testing.T) {
	req := httptest.NewRequest("get", "/docs?lang=en&lang=fr", nil)
	req.Header.Set("Accept", "text/html")

	ctx := RequestContext(req)
	require.Equal(t, "GET", ctx["method"])
	require.Equal(t, "/docs", ctx["path"])
	require.Equal(t, map[string]any{"lang": "en"}, ctx["query"])
	require.Equal(t, "text/html", ctx["headers"].(map[string]any)["accept"])
	require.Empty(t, RequestContext(nil))
}

func TestNowIsTimestamp(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	policy, err := env.Compile(`now > timestamp("2000-01-01T00:00:00Z")`)
	require.NoError(t, err)
	ok, err := policy.Allows(Activation(map[string]any{}, map[string]any{}, time.Now()))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompileRejectsInvalidPolicies(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	for _, source := range []string{`"cache"`, "   ", `unknown.field == 1`, `header(response) == ""`} {
		_, err := env.Compile(source)
		require.Errorf(t, err, "policy %q", source)
	}
}

func TestUncompiledPolicyFails(t *testing.T) {
	var policy Policy
	_, err := policy.Allows(map[string]any{})
	require.Error(t, err)
}

func TestPolicyString(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	policy, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", policy.String())
}
