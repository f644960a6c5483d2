package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/testflowpro/testflow/internal/models"
)

type dingTalkPayload struct {
	MsgType  string           `json:"msgtype"`
	Markdown dingTalkMarkdown `json:"markdown"`
}

type dingTalkMarkdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type dingTalkResponse struct {
	ErrCode *int   `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// DingTalkSign computes the robot signature for timestamp (epoch millis):
// the HMAC-SHA256 of "<timestamp>\n<secret>" keyed by the secret, base64 encoded.
func DingTalkSign(secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10) + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// DingTalkSender posts markdown messages to a DingTalk custom robot.
type DingTalkSender struct {
	client *http.Client
	now    func() time.Time
}

// NewDingTalkSender returns a sender using client.
func NewDingTalkSender(client *http.Client) *DingTalkSender {
	return &DingTalkSender{client: client, now: time.Now}
}

func (s *DingTalkSender) endpoint(cfg *models.NotificationConfig) (string, error) {
	u, err := url.Parse(cfg.WebhookURL)
	if err != nil {
		return "", errors.Wrap(err, "dingtalk: parse webhook url")
	}
	if cfg.Secret != "" {
		ts := s.now().UnixMilli()
		q := u.Query()
		q.Set("timestamp", strconv.FormatInt(ts, 10))
		q.Set("sign", DingTalkSign(cfg.Secret, ts))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Send posts msg; it succeeds only when the robot answers errcode 0.
func (s *DingTalkSender) Send(ctx context.Context, cfg *models.NotificationConfig, msg Message) error {
	if cfg.WebhookURL == "" {
		return errors.New("dingtalk: webhook url is empty")
	}
	target, err := s.endpoint(cfg)
	if err != nil {
		return err
	}

	// markdown needs two trailing spaces for a hard line break
	text := "### " + msg.Title + "\n\n" + strings.ReplaceAll(msg.Body, "\n", "  \n")
	payload := dingTalkPayload{
		MsgType:  "markdown",
		Markdown: dingTalkMarkdown{Title: msg.Title, Text: text},
	}

	var resp dingTalkResponse
	if err := postJSON(ctx, s.client, target, payload, &resp); err != nil {
		return errors.Wrap(err, "dingtalk")
	}
	if resp.ErrCode == nil || *resp.ErrCode != 0 {
		code := -1
		if resp.ErrCode != nil {
			code = *resp.ErrCode
		}
		return errors.Newf("dingtalk: errcode %d: %s", code, resp.ErrMsg)
	}
	return nil
}
