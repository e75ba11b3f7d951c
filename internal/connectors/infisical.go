package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrMalformedResponse — ответ хранилища не разобрался или в нем нет секретов.
var ErrMalformedResponse = errors.New("malformed secret store response")

// Secret — одна пара ключ/значение хранилища.
type Secret struct {
	Key   string `json:"secretKey"`
	Value string `json:"secretValue"`
}

type secretsResponse struct {
	Secrets *[]Secret `json:"secrets"`
}

type writeSecretRequest struct {
	Path        string `json:"path"`
	Environment string `json:"environment"`
	SecretKey   string `json:"secretKey"`
	SecretValue string `json:"secretValue"`
}

// InfisicalConfig — параметры доступа к Infisical-совместимому API.
type InfisicalConfig struct {
	URL         string
	Token       string
	Environment string
}

// InfisicalClient читает и пишет секреты. Каждый вызов идет через ReliabilityWrapper.
type InfisicalClient struct {
	cfg    InfisicalConfig
	http   *http.Client
	rel    *ReliabilityWrapper
	logger *zap.Logger
}

func NewInfisicalClient(cfg InfisicalConfig, httpClient *http.Client, rel *ReliabilityWrapper, logger *zap.Logger) *InfisicalClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &InfisicalClient{
		cfg:    cfg,
		http:   httpClient,
		rel:    rel,
		logger: logger.With(zap.String("mod", "infisical")),
	}
}

// GetSecrets возвращает все секреты по пути.
func (c *InfisicalClient) GetSecrets(ctx context.Context, path string) ([]Secret, error) {
	q := url.Values{}
	q.Set("path", path)
	q.Set("environment", c.cfg.Environment)
	endpoint := strings.TrimRight(c.cfg.URL, "/") + "/api/v2/secrets?" + q.Encode()

	var out []Secret
	err := c.rel.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := checkStatus("infisical", resp); err != nil {
			return err
		}

		var body secretsResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if body.Secrets == nil {
			return ErrMalformedResponse
		}
		out = *body.Secrets
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("infisical: get secrets: %w", err)
	}
	return out, nil
}

// WriteSecret создает или обновляет один ключ по пути.
func (c *InfisicalClient) WriteSecret(ctx context.Context, path, key, value string) error {
	payload, err := json.Marshal(writeSecretRequest{
		Path:        path,
		Environment: c.cfg.Environment,
		SecretKey:   key,
		SecretValue: value,
	})
	if err != nil {
		return fmt.Errorf("infisical: encode request: %w", err)
	}
	endpoint := strings.TrimRight(c.cfg.URL, "/") + "/api/v2/secrets"

	err = c.rel.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return checkStatus("infisical", resp)
	})
	if err != nil {
		return fmt.Errorf("infisical: write secret %s: %w", key, err)
	}
	return nil
}

// FindSecret ищет значение по ключу без учета регистра.
func FindSecret(secrets []Secret, key string) (string, bool) {
	for _, s := range secrets {
		if strings.EqualFold(s.Key, key) {
			return s.Value, true
		}
	}
	return "", false
}
