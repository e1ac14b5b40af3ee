package alarms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannelConfig(t *testing.T) {
	cfg, err := ParseChannelConfig(ChannelEmail, []byte(`{"address":" ops@example.com "}`))
	require.NoError(t, err)
	assert.Equal(t, EmailConfig{Address: "ops@example.com"}, cfg)

	cfg, err = ParseChannelConfig(ChannelWebhook, []byte(`{"url":"https://hooks.example.com/a","secret":"s3"}`))
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/a", cfg.Recipient())

	cfg, err = ParseChannelConfig(ChannelFCM, []byte(`{"device_token":"tok"}`))
	require.NoError(t, err)
	assert.Equal(t, PushConfig{DeviceToken: "tok"}, cfg)

	invalid := map[ChannelType]string{
		ChannelEmail:   `{"address":"not-an-address"}`,
		ChannelSlack:   `{"webhook_url":"ftp://x"}`,
		ChannelWebhook: `{"url":""}`,
		ChannelSMS:     `{"phone":"12345"}`,
		ChannelAPNs:    `{}`,
		"pager":        `{}`,
	}
	for channelType, raw := range invalid {
		_, err := ParseChannelConfig(channelType, []byte(raw))
		require.Error(t, err, channelType)
		assert.True(t, IsConfigurationError(err), channelType)
	}
}

func TestChannelDeliverable(t *testing.T) {
	email := Channel{Type: ChannelEmail, Enabled: true}
	assert.False(t, email.Deliverable(), "unverified email")
	email.Verified = true
	assert.True(t, email.Deliverable())

	slack := Channel{Type: ChannelSlack, Enabled: false, Verified: true}
	assert.False(t, slack.Deliverable())
	slack.Enabled = true
	assert.True(t, slack.Deliverable(), "verification only gates email")
}

func TestChannelValidateRejectsMismatchedConfig(t *testing.T) {
	ch := Channel{TenantID: "t1", Type: ChannelSlack, Config: EmailConfig{Address: "a@b.io"}}
	err := ch.Validate()
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}
