package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Client talks to the directory's internal REST API for account lookup
// and verifies directory-issued bearer tokens locally using the shared
// signing secret.
type Client struct {
	baseURL      string
	serviceToken string
	httpClient   *http.Client

	jwtSecret []byte
	issuer    string
}

func NewClient(baseURL, serviceToken string, jwtSecret []byte, issuer string) *Client {
	return &Client{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		jwtSecret: jwtSecret,
		issuer:    issuer,
	}
}

func (c *Client) ResolveByEmail(ctx context.Context, email string) (*Identity, error) {
	endpoint := fmt.Sprintf("%s/internal/v1/accounts?email=%s", c.baseURL, url.QueryEscape(email))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build account lookup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach directory: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("directory lookup returned status %d", resp.StatusCode)
	}

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("failed to decode directory response: %w", err)
	}
	if identity.DirectoryUID == "" {
		return nil, fmt.Errorf("directory response missing uid")
	}

	return &identity, nil
}

type bearerClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// VerifyBearerToken checks the token signature, issuer and expiry and
// returns the subject email.
func (c *Client) VerifyBearerToken(ctx context.Context, tokenString string) (string, error) {
	claims := &bearerClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.jwtSecret, nil
	}, jwt.WithIssuer(c.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid || claims.Email == "" {
		return "", ErrInvalidToken
	}

	return claims.Email, nil
}
