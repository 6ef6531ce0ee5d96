//go:build unit
// +build unit

package v1

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgTesting "github.com/rookery-os/rookpkg/internal/pkg/testing"
)

const testRepoMetadata = `[repository]
name = "core"
description = "Rookery OS core packages"
version = 1

[signing]
fingerprint = "SHA256:abcdef"
`

func setupTestRepoDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	pkgTesting.WriteTestTree(t, dir, map[string]string{
		"repo.toml":         testRepoMetadata,
		"packages.json":     `{"repository":"core","packages":[],"count":0}`,
		"packages.json.sig": `{"algorithm":"hybrid-ed25519-ml-dsa-65"}`,
		"packages/hello-1.0-1.x86_64.rookpkg":        "package bytes",
		"deltas/hello_0.9-1_to_1.0-1.x86_64.rookdelta": "delta bytes",
	})
	return dir
}

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handler, err := NewRepoHandler(setupTestRepoDir(t), pkgTesting.SetupTestLogger(t))
	require.NoError(t, err)

	r := gin.New()
	SetupRoutes(r, handler, NewMetrics())
	return r
}

func doRequest(t *testing.T, r *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest("GET", path, nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRepoHandler_Metadata_Success(t *testing.T) {
	r := setupTestRouter(t)

	w := doRequest(t, r, "/repo.toml")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/toml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `name = "core"`)
}

func TestRepoHandler_Index_Success(t *testing.T) {
	r := setupTestRouter(t)

	w := doRequest(t, r, "/packages.json")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `"repository":"core"`)
}

func TestRepoHandler_IndexSignature_Success(t *testing.T) {
	r := setupTestRouter(t)

	w := doRequest(t, r, "/packages.json.sig")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hybrid-ed25519-ml-dsa-65")
}

func TestRepoHandler_Package_Success(t *testing.T) {
	r := setupTestRouter(t)

	w := doRequest(t, r, "/packages/hello-1.0-1.x86_64.rookpkg")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "package bytes", w.Body.String())
}

func TestRepoHandler_Package_NotFound(t *testing.T) {
	r := setupTestRouter(t)

	w := doRequest(t, r, "/packages/missing-2.0-1.x86_64.rookpkg")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not found")
}

func TestRepoHandler_Package_InvalidFilename_Error(t *testing.T) {
	handler, err := NewRepoHandler(setupTestRepoDir(t), pkgTesting.SetupTestLogger(t))
	require.NoError(t, err)

	cases := []string{
		"../repo.toml",
		"..\\repo.toml",
		"notapackage.txt",
		"a/b.rookpkg",
		"..rookpkg",
	}
	for _, name := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Params = gin.Params{{Key: "filename", Value: name}}

		handler.Package(c)

		assert.Equal(t, http.StatusBadRequest, w.Code, "filename %q", name)
	}
}

func TestRepoHandler_Delta_Success(t *testing.T) {
	r := setupTestRouter(t)

	w := doRequest(t, r, "/deltas/hello_0.9-1_to_1.0-1.x86_64.rookdelta")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "delta bytes", w.Body.String())
}

func TestRepoHandler_Delta_InvalidFilename_Error(t *testing.T) {
	handler, err := NewRepoHandler(setupTestRepoDir(t), pkgTesting.SetupTestLogger(t))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "filename", Value: "../../etc/passwd"}}

	handler.Delta(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRepoHandler_Health_Success(t *testing.T) {
	r := setupTestRouter(t)

	w := doRequest(t, r, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"repository":"core"`)
}

func TestNewRepoHandler_MissingMetadata_Error(t *testing.T) {
	_, err := NewRepoHandler(t.TempDir(), pkgTesting.SetupTestLogger(t))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing repo.toml")
}

func TestMetrics_CountsRequestsAndBytes(t *testing.T) {
	r := setupTestRouter(t)

	doRequest(t, r, "/packages.json")
	doRequest(t, r, "/packages/hello-1.0-1.x86_64.rookpkg")
	doRequest(t, r, "/packages/missing-2.0-1.x86_64.rookpkg")

	w := doRequest(t, r, "/metrics")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `rookpkg_repod_requests_total{route="/packages.json",status="200"} 1`)
	assert.Contains(t, body, `rookpkg_repod_requests_total{route="/packages/:filename",status="200"} 1`)
	assert.Contains(t, body, `rookpkg_repod_requests_total{route="/packages/:filename",status="404"} 1`)
	assert.Contains(t, body, `rookpkg_repod_bytes_served_total{route="/packages/:filename"}`)
}
