//go:build integration

package integration

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/queues"
	"github.com/bissquit/queueline/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type testUser struct {
	ID      string
	ShortID string
	Name    string
	Email   string
	Phone   string
	Role    domain.Role
}

type userOption func(*testUser)

func withEmail(email string) userOption {
	return func(u *testUser) { u.Email = email }
}

func withPhone(phone string) userOption {
	return func(u *testUser) { u.Phone = phone }
}

func withName(name string) userOption {
	return func(u *testUser) { u.Name = name }
}

// createUser inserts a user row directly; accounts are managed outside the API.
func createUser(t *testing.T, role domain.Role, opts ...userOption) testUser {
	t.Helper()

	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	u := testUser{
		ShortID: short,
		Name:    "User " + short[:4],
		Role:    role,
	}
	for _, opt := range opts {
		opt(&u)
	}

	err := testDB.QueryRow(context.Background(), `
		INSERT INTO users (short_id, name, email, phone, role)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
		RETURNING id
	`, u.ShortID, u.Name, u.Email, u.Phone, string(u.Role)).Scan(&u.ID)
	require.NoError(t, err)

	return u
}

func clientFor(t *testing.T, u testUser) *testutil.Client {
	t.Helper()
	return newTestClient(t).As(t, testTokens, u.ID, u.Role)
}

type queueOption func(map[string]interface{})

func withCapacity(n int) queueOption {
	return func(m map[string]interface{}) { m["capacity"] = n }
}

func withServiceMinutes(n int) queueOption {
	return func(m map[string]interface{}) { m["service_minutes"] = n }
}

// createQueue creates a queue through the API and returns it.
func createQueue(t *testing.T, staff *testutil.Client, name string, opts ...queueOption) domain.Queue {
	t.Helper()

	payload := map[string]interface{}{
		"name":            name,
		"capacity":        10,
		"service_minutes": 10,
		"time_zone":       "UTC",
	}
	for _, opt := range opts {
		opt(payload)
	}

	resp, err := staff.POST("/api/v1/queues", payload)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		Data domain.Queue `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

// joinQueue joins as the client's user and returns the placement.
func joinQueue(t *testing.T, client *testutil.Client, queueID string) queues.Placement {
	t.Helper()

	resp, err := client.POST("/api/v1/queues/"+queueID+"/join", nil)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("join failed: status=%d body=%s", resp.StatusCode, testutil.ReadBody(t, resp))
	}

	var result struct {
		Data queues.Placement `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

func getSnapshot(t *testing.T, client *testutil.Client, queueID string) queues.Snapshot {
	t.Helper()

	resp, err := client.GET("/api/v1/queues/" + queueID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data queues.Snapshot `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func requireErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)

	var body errorBody
	testutil.DecodeJSON(t, resp, &body)
	require.Equal(t, code, body.Error.Code)
}
