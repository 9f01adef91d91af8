package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropwatch/dropwatch/internal/config"
	"github.com/dropwatch/dropwatch/internal/model"
)

func TestNewSMTPMailerRequiresRecipient(t *testing.T) {
	_, err := NewSMTPMailer(config.NotifyConfig{SMTPHost: "smtp.gmail.com", SMTPUser: "u"}, testLogger())
	require.Error(t, err)

	m, err := NewSMTPMailer(config.NotifyConfig{
		Email: "me@example.com", SMTPHost: "smtp.gmail.com", SMTPPort: 587, SMTPUser: "bot@example.com",
	}, testLogger())
	require.NoError(t, err)
	// from defaults to the smtp user
	assert.Equal(t, "bot@example.com", m.from)
}

func TestBuildDigestMessage(t *testing.T) {
	events := []model.DropEvent{
		{VenueName: "Carbone", SlotDate: "2026-02-14", SlotTime: "20:30:00",
			PayloadJSON: `{"availability_times":["2026-02-14 20:30:00"],"resy_url":"https://resy.com/x"}`},
		{VenueName: "Lilia", SlotDate: "2026-02-15"},
	}
	msg := string(buildDigestMessage("from@x.com", "to@x.com", "2 drops", events))

	assert.Contains(t, msg, "Subject: 2 drops")
	assert.Contains(t, msg, "- Carbone on 2026-02-14 at 20:30:00")
	assert.Contains(t, msg, "https://resy.com/x")
	assert.Contains(t, msg, "- Lilia on 2026-02-15")
}

func TestDigestBookingURLPrefersResy(t *testing.T) {
	ev := model.DropEvent{PayloadJSON: `{"availability_times":[],"book_url":"https://b","resy_url":"https://r"}`}
	assert.Equal(t, "https://r", DigestBookingURL(ev))

	ev = model.DropEvent{PayloadJSON: `{"availability_times":[],"book_url":"https://b"}`}
	assert.Equal(t, "https://b", DigestBookingURL(ev))

	assert.Empty(t, DigestBookingURL(model.DropEvent{PayloadJSON: "not json"}))
	assert.Empty(t, DigestBookingURL(model.DropEvent{}))
}
