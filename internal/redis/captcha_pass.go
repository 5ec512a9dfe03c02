package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const captchaPassPrefix = "captcha:pass:"

// CaptchaPassStore issues short-lived tokens proving that the holder passed
// a captcha recently, so follow-up requests can skip the challenge.
type CaptchaPassStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCaptchaPassStore(client *redis.Client, ttl time.Duration) *CaptchaPassStore {
	return &CaptchaPassStore{client: client, ttl: ttl}
}

func (s *CaptchaPassStore) TTL() time.Duration {
	return s.ttl
}

// Issue stores a new pass token and returns it.
func (s *CaptchaPassStore) Issue(ctx context.Context) (string, error) {
	token := uuid.NewString()
	if err := s.client.Set(ctx, captchaPassPrefix+token, 1, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("issue captcha pass: %w", err)
	}
	return token, nil
}

// Valid reports whether token was issued and has not expired.
func (s *CaptchaPassStore) Valid(ctx context.Context, token string) (bool, error) {
	if _, err := uuid.Parse(token); err != nil {
		return false, nil
	}
	err := s.client.Get(ctx, captchaPassPrefix+token).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check captcha pass: %w", err)
	}
	return true, nil
}
