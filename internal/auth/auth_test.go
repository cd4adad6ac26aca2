package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const opToken = "operator-token-0123456789"

func testConfig(t *testing.T) Config {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	return Config{
		Enabled: true,
		Users:   []User{{Username: "ann", PasswordHash: string(h), Role: RoleViewer}},
		Tokens:  []Token{{Name: "ci", Value: opToken, Role: RoleOperator}},
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Enabled: true}.Validate())

	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())

	bad := testConfig(t)
	bad.Users[0].PasswordHash = "plain"
	assert.Error(t, bad.Validate())

	bad = testConfig(t)
	bad.Tokens[0].Value = "short"
	assert.Error(t, bad.Validate())

	bad = testConfig(t)
	bad.Tokens[0].Role = "admin"
	assert.Error(t, bad.Validate())

	bad = testConfig(t)
	bad.Users = append(bad.Users, bad.Users[0])
	assert.Error(t, bad.Validate())
}

func TestAuthenticate(t *testing.T) {
	svc, err := NewAuthService(testConfig(t))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+opToken)
	res, err := svc.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, res.Role)
	assert.Equal(t, AuthMethodBearer, res.Method)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.SetBasicAuth("ann", "secret")
	res, err = svc.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "ann", res.Subject)
	assert.Equal(t, RoleViewer, res.Role)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.SetBasicAuth("ann", "wrong")
	_, err = svc.Authenticate(r)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("pw")))
}

func TestHasPermission(t *testing.T) {
	assert.True(t, HasPermission(RoleOperator, RoleViewer))
	assert.True(t, HasPermission(RoleViewer, RoleViewer))
	assert.False(t, HasPermission(RoleViewer, RoleOperator))
	assert.False(t, HasPermission("", RoleViewer))
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := NewMiddleware(testConfig(t))
	require.NoError(t, err)

	g := gin.New()
	g.Use(m.GinAuth())
	g.GET("/read", m.GinRequire(RoleViewer), func(c *gin.Context) { c.Status(http.StatusOK) })
	g.POST("/write", m.GinRequire(RoleOperator), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(method, path string, set func(*http.Request)) int {
		r := httptest.NewRequest(method, path, nil)
		if set != nil {
			set(r)
		}
		w := httptest.NewRecorder()
		g.ServeHTTP(w, r)
		return w.Code
	}
	viewer := func(r *http.Request) { r.SetBasicAuth("ann", "secret") }
	operator := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+opToken) }

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/read", nil))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/read", viewer))
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/write", viewer))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/write", operator))
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := NewMiddleware(Config{})
	require.NoError(t, err)
	g := gin.New()
	g.Use(m.GinAuth())
	g.POST("/write", m.GinRequire(RoleOperator), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	w := httptest.NewRecorder()
	g.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/write", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
