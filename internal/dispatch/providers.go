package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"medlink-alert/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ============================================
// MQTT 推送提供方
// ============================================

// MQTTPushProvider 推送渠道提供方
// 床旁/手持终端订阅 TopicBase+<push_token> 主题接收推送。
type MQTTPushProvider struct {
	client    mqtt.Client
	topicBase string
	qos       byte
	logger    *zap.Logger
}

// NewMQTTPushProvider 创建MQTT推送提供方
func NewMQTTPushProvider(cfg *config.MQTTConfig, logger *zap.Logger) (*MQTTPushProvider, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &MQTTPushProvider{
		client:    client,
		topicBase: cfg.TopicBase,
		qos:       cfg.QoS,
		logger:    logger,
	}, nil
}

// Send 发布推送消息到终端订阅的主题
func (p *MQTTPushProvider) Send(_ context.Context, endpoint string, payload []byte) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("mqtt client is not connected")
	}

	topic := p.topicBase + endpoint
	token := p.client.Publish(topic, p.qos, false, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Close 断开MQTT连接
func (p *MQTTPushProvider) Close() {
	p.client.Disconnect(250)
}

// ============================================
// HTTP 网关提供方（邮件/短信）
// ============================================

// HTTPGatewayProvider 通过HTTP网关投递的提供方
// 邮件和短信走各自的网关地址，协议相同：POST {"to":..., "message":...}
type HTTPGatewayProvider struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// NewHTTPGatewayProvider 创建HTTP网关提供方
func NewHTTPGatewayProvider(url, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPGatewayProvider {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}

	return &HTTPGatewayProvider{
		client: client,
		url:    url,
		logger: logger,
	}
}

// Send 向网关提交投递请求，非2xx视为失败
func (p *HTTPGatewayProvider) Send(ctx context.Context, endpoint string, payload []byte) error {
	body := map[string]interface{}{
		"to":      endpoint,
		"message": json.RawMessage(payload),
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(p.url)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode())
	}

	return nil
}
