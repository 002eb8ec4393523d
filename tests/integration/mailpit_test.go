//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mailInbox reads what the SMTP sender delivered to Mailpit.
type mailInbox struct {
	baseURL string
	client  *http.Client
}

func newMailInbox(host string, port int) *mailInbox {
	return &mailInbox{
		baseURL: fmt.Sprintf("http://%s:%d/api/v1", host, port),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type mailAddress struct {
	Address string `json:"Address"`
	Name    string `json:"Name"`
}

// mailMessage is the subset of Mailpit's message model the tests read.
// Text and HTML are only populated by message().
type mailMessage struct {
	ID      string        `json:"ID"`
	From    mailAddress   `json:"From"`
	To      []mailAddress `json:"To"`
	Subject string        `json:"Subject"`
	Text    string        `json:"Text"`
	HTML    string        `json:"HTML"`
}

func (m *mailInbox) getJSON(path string, dst any) error {
	resp, err := m.client.Get(m.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mailpit %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (m *mailInbox) addressedTo(addr string) ([]mailMessage, error) {
	var result struct {
		Messages []mailMessage `json:"messages"`
	}
	err := m.getJSON("/search?query="+url.QueryEscape("to:"+addr), &result)
	return result.Messages, err
}

func (m *mailInbox) message(id string) (mailMessage, error) {
	var msg mailMessage
	err := m.getJSON("/message/"+id, &msg)
	return msg, err
}

// awaitMail waits for count messages to addr and returns them.
func (m *mailInbox) awaitMail(t *testing.T, addr string, count int, timeout time.Duration) []mailMessage {
	t.Helper()

	var got []mailMessage
	require.Eventually(t, func() bool {
		msgs, err := m.addressedTo(addr)
		if err != nil {
			return false
		}
		got = msgs
		return len(msgs) >= count
	}, timeout, 100*time.Millisecond, "waiting for %d messages to %s", count, addr)
	return got
}
