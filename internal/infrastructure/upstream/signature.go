package upstream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// 签名密钥（前端静态密钥，随上游版本变化）
const staticSignKey = "junjie"

// 签名窗口：5 分钟
const signWindowMS = 300_000

// Signature 是一次补全请求的签名材料
type Signature struct {
	Timestamp int64  // 毫秒时间戳
	RequestID string
	Value     string // hex-encoded HMAC
}

// SignRequest derives the per-request signature the upstream expects.
// The subkey rotates on a five-minute window so a signature stays valid
// for replay within its window and expires across windows.
func SignRequest(prompt, userID string, timestampMS int64, requestID string) (Signature, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	// 排序后的键值对拼接：requestId, timestamp, user_id
	ts := strconv.FormatInt(timestampMS, 10)
	sortedPayload := "requestId," + requestID + ",timestamp," + ts + ",user_id," + userID

	windowID := timestampMS / signWindowMS
	subkey, err := hmacHex([]byte(staticSignKey), strconv.FormatInt(windowID, 10))
	if err != nil {
		return Signature{}, fmt.Errorf("derive subkey: %w", err)
	}

	plain := sortedPayload + "|" + base64.StdEncoding.EncodeToString([]byte(prompt)) + "|" + ts
	value, err := hmacHex([]byte(subkey), plain)
	if err != nil {
		return Signature{}, fmt.Errorf("sign payload: %w", err)
	}

	return Signature{
		Timestamp: timestampMS,
		RequestID: requestID,
		Value:     value,
	}, nil
}

func hmacHex(key []byte, message string) (string, error) {
	mac := hmac.New(sha256.New, key)
	if _, err := mac.Write([]byte(message)); err != nil {
		return "", err
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}
