package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/testflowpro/testflow/internal/models"
)

type feishuPayload struct {
	MsgType   string        `json:"msg_type"`
	Content   feishuContent `json:"content"`
	Timestamp string        `json:"timestamp,omitempty"`
	Sign      string        `json:"sign,omitempty"`
}

type feishuContent struct {
	Text string `json:"text"`
}

type feishuResponse struct {
	Code *int   `json:"code"`
	Msg  string `json:"msg"`
}

// FeishuSign computes the bot webhook signature: the HMAC-SHA256 of an
// empty message keyed by "<timestamp>\n<secret>", base64 encoded.
func FeishuSign(secret string, timestamp int64) string {
	key := strconv.FormatInt(timestamp, 10) + "\n" + secret
	mac := hmac.New(sha256.New, []byte(key))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// FeishuSender posts text messages to a Feishu custom bot.
type FeishuSender struct {
	client *http.Client
	now    func() time.Time
}

// NewFeishuSender returns a sender using client.
func NewFeishuSender(client *http.Client) *FeishuSender {
	return &FeishuSender{client: client, now: time.Now}
}

// Send posts msg; it succeeds only when the bot answers code 0.
func (s *FeishuSender) Send(ctx context.Context, cfg *models.NotificationConfig, msg Message) error {
	if cfg.WebhookURL == "" {
		return errors.New("feishu: webhook url is empty")
	}

	payload := feishuPayload{
		MsgType: "text",
		Content: feishuContent{Text: msg.Title + "\n" + msg.Body},
	}
	if cfg.Secret != "" {
		ts := s.now().Unix()
		payload.Timestamp = strconv.FormatInt(ts, 10)
		payload.Sign = FeishuSign(cfg.Secret, ts)
	}

	var resp feishuResponse
	if err := postJSON(ctx, s.client, cfg.WebhookURL, payload, &resp); err != nil {
		return errors.Wrap(err, "feishu")
	}
	if resp.Code == nil || *resp.Code != 0 {
		code := -1
		if resp.Code != nil {
			code = *resp.Code
		}
		return errors.Newf("feishu: code %d: %s", code, resp.Msg)
	}
	return nil
}
