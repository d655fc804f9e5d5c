package approval

import (
	"context"

	"github.com/slack-go/slack"
)

// SlackChannel delivers approval codes to a Slack channel, for operators
// who run muxgate headless with no browser ever subscribed to push.
type SlackChannel struct {
	client    *slack.Client
	channelID string
}

func NewSlackChannel(token, channelID string) *SlackChannel {
	return &SlackChannel{
		client:    slack.New(token),
		channelID: channelID,
	}
}

func (c *SlackChannel) Notify(ctx context.Context, message string) error {
	_, _, err := c.client.PostMessageContext(ctx, c.channelID, slack.MsgOptionText(message, false))
	return err
}
