package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkhare/orgchat/pkg/auth"
	"github.com/mkhare/orgchat/pkg/model"
)

const lookupCacheTTL = 30 * time.Second

// Client talks to the directory service over HTTP for identity lookup and
// verifies credentials locally against the shared signing key. Lookups are
// cached briefly in Redis; the cache is best-effort and never fails a call.
type Client struct {
	baseURL string
	http    *http.Client
	issuer  *auth.Issuer
	cache   *redis.Client
}

func NewClient(baseURL string, issuer *auth.Issuer, cache *redis.Client) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		issuer:  issuer,
		cache:   cache,
	}
}

func (c *Client) FindUserByID(ctx context.Context, id string) (*model.User, error) {
	cacheKey := "directory:user:" + id
	if c.cache != nil {
		if raw, err := c.cache.Get(ctx, cacheKey).Bytes(); err == nil {
			var user model.User
			if err := json.Unmarshal(raw, &user); err == nil {
				return &user, nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/"+id, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrUserNotFound
	default:
		return nil, fmt.Errorf("directory lookup: unexpected status %d", resp.StatusCode)
	}

	var user model.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("directory lookup: decode: %w", err)
	}

	if c.cache != nil {
		if raw, err := json.Marshal(&user); err == nil {
			c.cache.Set(ctx, cacheKey, raw, lookupCacheTTL)
		}
	}

	return &user, nil
}

func (c *Client) VerifyCredential(ctx context.Context, token string) (string, error) {
	claims, err := c.issuer.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}
