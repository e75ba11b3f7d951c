package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ResourceTypeSession — тип ресурса, под которым события видны в JumpServer.
const ResourceTypeSession = "webasset_session"

// OperateLog — запись журнала операций JumpServer.
type OperateLog struct {
	User         string `json:"user"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	Resource     string `json:"resource"`
	RemoteAddr   string `json:"remote_addr"`
	Datetime     string `json:"datetime"`
	Detail       string `json:"detail"`
}

// JumpServerClient зеркалирует события аудита в вышестоящую compliance-платформу.
type JumpServerClient struct {
	baseURL string
	token   string
	http    *http.Client
	rel     *ReliabilityWrapper
}

func NewJumpServerClient(baseURL, token string, httpClient *http.Client, rel *ReliabilityWrapper) *JumpServerClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &JumpServerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		rel:     rel,
	}
}

// SendOperateLog отправляет одну запись. Ошибка возвращается вызывающему воркеру,
// который решает, что с ней делать (лог + метрика).
func (c *JumpServerClient) SendOperateLog(ctx context.Context, entry OperateLog) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("jumpserver: encode: %w", err)
	}

	err = c.rel.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/audits/operate-log/", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Token "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return checkStatus("jumpserver", resp)
	})
	if err != nil {
		return fmt.Errorf("jumpserver: send operate log: %w", err)
	}
	return nil
}
