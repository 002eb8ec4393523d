package notifications

import (
	"strings"
	"testing"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptrTime(t time.Time) *time.Time { return &t }

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer()
	require.NoError(t, err)
	return r
}

func samplePayload(event EventType) Payload {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return Payload{
		EventType:    event,
		QueueID:      "q-1",
		QueueName:    "downtown barber",
		TimeZone:     "Europe/Berlin",
		EntryID:      "e-1",
		Position:     2,
		WaitMinutes:  25,
		ExpectedAt:   ptrTime(base.Add(25 * time.Minute)),
		OriginalTime: ptrTime(base),
		NewTime:      ptrTime(base.Add(90 * time.Minute)),
		ServedAt:     ptrTime(base.Add(time.Hour)),
		QueueURL:     "https://queue.example.com/queues/q-1",
		GeneratedAt:  base,

		ActualWaitMinutes: 42,
	}
}

func TestNewRenderer_LoadsAllTemplates(t *testing.T) {
	r := newTestRenderer(t)

	for _, event := range AllEventTypes {
		for _, variant := range textVariants {
			assert.Contains(t, r.text, templateName(event, variant))
		}
		assert.Contains(t, r.html, templateName(event, variantEmailHTML))
	}
}

func TestRenderer_RendersEveryVariant(t *testing.T) {
	r := newTestRenderer(t)

	for _, event := range AllEventTypes {
		for _, channel := range domain.AllChannelTypes {
			t.Run(string(event)+"/"+string(channel), func(t *testing.T) {
				n, err := r.Render(channel, samplePayload(event), "Ann")
				require.NoError(t, err)
				assert.NotEmpty(t, n.Body)
				assert.NotContains(t, n.Body, "<no value>")
				if channel == domain.ChannelTypeEmail {
					assert.NotEmpty(t, n.Subject)
					assert.True(t, strings.HasPrefix(n.HTMLBody, "<html>"))
				} else {
					assert.Empty(t, n.Subject)
					assert.Empty(t, n.HTMLBody)
				}
			})
		}
	}
}

func TestRenderer_JoinedSMS(t *testing.T) {
	r := newTestRenderer(t)

	n, err := r.Render(domain.ChannelTypeSMS, samplePayload(EventJoinedQueue), "Ann")
	require.NoError(t, err)

	assert.Equal(t,
		"Hi Ann, you joined Downtown Barber. You are 2nd in line, expected at 10:25am (about 25 minutes).",
		n.Body)
}

func TestRenderer_JoinedWithoutName(t *testing.T) {
	r := newTestRenderer(t)

	n, err := r.Render(domain.ChannelTypeSMS, samplePayload(EventJoinedQueue), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(n.Body, "You joined Downtown Barber."))
}

func TestRenderer_DelayShowsOriginalAndNewTimeInQueueZone(t *testing.T) {
	r := newTestRenderer(t)

	n, err := r.Render(domain.ChannelTypeSMS, samplePayload(EventQueueDelayed), "")
	require.NoError(t, err)

	// 09:00 and 10:30 UTC are 10:00 and 11:30 in Berlin in March.
	assert.Contains(t, n.Body, "from 10:00am to 11:30am")

	email, err := r.Render(domain.ChannelTypeEmail, samplePayload(EventQueueDelayed), "")
	require.NoError(t, err)
	assert.Equal(t, "Downtown Barber is delayed until 11:30am", email.Subject)
}

func TestRenderer_ChatHasReplyMenu(t *testing.T) {
	r := newTestRenderer(t)

	for _, event := range AllEventTypes {
		n, err := r.Render(domain.ChannelTypeChat, samplePayload(event), "")
		require.NoError(t, err)
		assert.Contains(t, n.Body, "STATUS")
		assert.Contains(t, n.Body, "LEAVE")
		assert.Contains(t, n.Body, "HELP")
	}
}

func TestRenderer_ServedReportsActualWait(t *testing.T) {
	r := newTestRenderer(t)
	p := samplePayload(EventCustomerServed)

	sms, err := r.Render(domain.ChannelTypeSMS, p, "Ann")
	require.NoError(t, err)
	assert.Equal(t,
		"Thanks for visiting Downtown Barber, Ann. You were served at 11:00am after waiting 42 minutes.",
		sms.Body)

	chat, err := r.Render(domain.ChannelTypeChat, p, "")
	require.NoError(t, err)
	assert.Contains(t, chat.Body, "Time in queue: 42 minutes")

	email, err := r.Render(domain.ChannelTypeEmail, p, "")
	require.NoError(t, err)
	assert.Equal(t, "Thanks for visiting Downtown Barber: served after 42 minutes", email.Subject)
	assert.Contains(t, email.HTMLBody, "<strong>42 minutes</strong>")
	assert.Contains(t, email.Body, "after waiting 42 minutes")
}

func TestFormatSpent(t *testing.T) {
	tests := []struct {
		minutes int
		want    string
	}{
		{0, "less than a minute"},
		{1, "1 minute"},
		{42, "42 minutes"},
		{60, "1h"},
		{75, "1h 15m"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSpent(tt.minutes), "%d minutes", tt.minutes)
	}
}

func TestRenderer_EscapesHTML(t *testing.T) {
	r := newTestRenderer(t)
	p := samplePayload(EventJoinedQueue)

	n, err := r.Render(domain.ChannelTypeEmail, p, "<script>alert(1)</script>")
	require.NoError(t, err)

	assert.NotContains(t, n.HTMLBody, "<script>")
	assert.Contains(t, n.HTMLBody, "&lt;script&gt;")
}

func TestRenderer_UnknownChannel(t *testing.T) {
	r := newTestRenderer(t)

	_, err := r.Render(domain.ChannelType("pager"), samplePayload(EventJoinedQueue), "")
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestMessageData_ClockFallsBackToUTC(t *testing.T) {
	p := samplePayload(EventJoinedQueue)
	p.TimeZone = "Not/AZone"

	d := MessageData{Payload: p}
	assert.Equal(t, "9:25am", d.Clock(p.ExpectedAt))
	assert.Equal(t, "", d.Clock(nil))
}

func TestFormatWait(t *testing.T) {
	tests := []struct {
		minutes int
		want    string
	}{
		{0, "now"},
		{1, "about 1 minute"},
		{45, "about 45 minutes"},
		{60, "about 1h"},
		{95, "about 1h 35m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatWait(tt.minutes))
	}
}

func TestOrdinal(t *testing.T) {
	tests := map[int]string{1: "1st", 2: "2nd", 3: "3rd", 4: "4th", 11: "11th", 12: "12th", 13: "13th", 21: "21st", 102: "102nd", 111: "111th"}
	for n, want := range tests {
		assert.Equal(t, want, ordinal(n))
	}
}

func TestTitleCase(t *testing.T) {
	assert.Equal(t, "Downtown Barber", titleCase("downtown barber"))
}
