package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// apiRouter serves the trigger and read routes behind SecurityHeaders. pre
// runs before it, standing in for CORS or request id middleware.
func apiRouter(opt SecurityOptions, pre ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(pre...)
	r.Use(SecurityHeaders(opt))
	r.POST("/snapshots", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	r.GET("/runs/:snapshot_id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.HEAD("/runs/:snapshot_id", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func do(r http.Handler, req *http.Request) http.Header {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Header()
}

func TestSecurityHeaders_BaselineOnEveryRoute(t *testing.T) {
	r := apiRouter(SecurityOptions{})
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/snapshots", nil),
		httptest.NewRequest(http.MethodGet, "/runs/202405", nil),
	} {
		h := do(r, req)
		if h.Get("X-Content-Type-Options") != "nosniff" || h.Get("X-Frame-Options") != "DENY" || h.Get("Referrer-Policy") != "no-referrer" {
			t.Fatalf("%s %s: baseline headers missing: %v", req.Method, req.URL.Path, h)
		}
		for _, k := range []string{"Cache-Control", "Permissions-Policy", "Strict-Transport-Security", "Access-Control-Expose-Headers"} {
			if h.Get(k) != "" {
				t.Fatalf("%s %s: %s set with options off: %q", req.Method, req.URL.Path, k, h.Get(k))
			}
		}
	}
}

func TestSecurityHeaders_TriggerNotStored_ReadsRevalidated(t *testing.T) {
	r := apiRouter(SecurityOptions{NoStore: true, Revalidate: true})

	post := do(r, httptest.NewRequest(http.MethodPost, "/snapshots", nil))
	if post.Get("Cache-Control") != "no-store" || post.Get("Pragma") != "no-cache" || post.Get("Expires") != "0" {
		t.Fatalf("trigger cache headers = %v", post)
	}

	for _, m := range []string{http.MethodGet, http.MethodHead} {
		h := do(r, httptest.NewRequest(m, "/runs/202405", nil))
		if h.Get("Cache-Control") != "no-cache" || h.Get("Pragma") != "" {
			t.Fatalf("%s run lookup cache headers = %v", m, h)
		}
	}
}

func TestSecurityHeaders_NoStoreWithoutRevalidateLeavesReadsAlone(t *testing.T) {
	r := apiRouter(SecurityOptions{NoStore: true})
	if h := do(r, httptest.NewRequest(http.MethodGet, "/runs/202405", nil)); h.Get("Cache-Control") != "" {
		t.Fatalf("GET Cache-Control = %q; want unset", h.Get("Cache-Control"))
	}
}

func TestSecurityHeaders_PolicyHeadersOptIn(t *testing.T) {
	h := do(apiRouter(SecurityOptions{EnablePolicy: true}), httptest.NewRequest(http.MethodGet, "/runs/202405", nil))
	if h.Get("Permissions-Policy") == "" || h.Get("X-Permitted-Cross-Domain-Policies") != "none" {
		t.Fatalf("policy headers = %v", h)
	}
}

func TestSecurityHeaders_HSTSOnlyOverHTTPS(t *testing.T) {
	const sixMonths = "max-age=15552000; includeSubDomains; preload"
	cases := []struct {
		name string
		opt  SecurityOptions
		req  func() *http.Request
		want string
	}{
		{
			name: "disabled even behind https proxy",
			opt:  SecurityOptions{},
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/snapshots", nil)
				r.Header.Set("X-Forwarded-Proto", "https")
				return r
			},
		},
		{
			name: "enabled over plain http",
			opt:  SecurityOptions{EnableHSTS: true},
			req:  func() *http.Request { return httptest.NewRequest(http.MethodPost, "/snapshots", nil) },
		},
		{
			name: "enabled behind proxy, default max age",
			opt:  SecurityOptions{EnableHSTS: true},
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/runs/202405", nil)
				r.Header.Set("X-Forwarded-Proto", "HTTPS")
				return r
			},
			want: sixMonths,
		},
		{
			name: "direct tls, custom max age",
			opt:  SecurityOptions{EnableHSTS: true, HSTSMaxAge: time.Hour},
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/runs/202405", nil)
				r.TLS = &tls.ConnectionState{}
				return r
			},
			want: "max-age=3600; includeSubDomains; preload",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := do(apiRouter(tc.opt), tc.req())
			if got := h.Get("Strict-Transport-Security"); got != tc.want {
				t.Fatalf("HSTS = %q; want %q", got, tc.want)
			}
		})
	}
}

func TestSecurityHeaders_ExposesRequestIDToBrowsers(t *testing.T) {
	presetExpose := func(v string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Expose-Headers", v)
			c.Next()
		}
	}
	cases := []struct {
		name string
		pre  []gin.HandlerFunc
		want string
	}{
		{"no request id", nil, ""},
		{"request id only", []gin.HandlerFunc{RequestID()}, requestIDHeader},
		{"appended to cors list", []gin.HandlerFunc{RequestID(), presetExpose("ETag")}, "ETag, " + requestIDHeader},
		{"already listed", []gin.HandlerFunc{RequestID(), presetExpose(requestIDHeader + ", ETag")}, requestIDHeader + ", ETag"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := do(apiRouter(SecurityOptions{}, tc.pre...), httptest.NewRequest(http.MethodPost, "/snapshots", nil))
			if got := h.Get("Access-Control-Expose-Headers"); got != tc.want {
				t.Fatalf("expose headers = %q; want %q", got, tc.want)
			}
		})
	}
}
