package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sign возвращает HMAC-SHA512 тела запроса в hex, как его считает Paystack.
func Sign(secret string, raw []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature сверяет заголовок x-paystack-signature с подписью сырого тела.
func (c *Client) VerifySignature(raw []byte, signature string) bool {
	if signature == "" || c.secretKey == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(c.secretKey, raw)), []byte(signature))
}

// ParseEvent разбирает тело вебхука.
func ParseEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("event type is empty")
	}
	return &ev, nil
}
