package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cbsctf/notify/internal/domain"
	"github.com/cbsctf/notify/internal/session"
)

func authedRequest(r *http.Request, username string) *http.Request {
	ctx := context.WithValue(r.Context(), sessionContextKey{}, &session.Session{Username: username})
	return r.WithContext(ctx)
}

type createBody struct {
	Title       string              `json:"title"`
	Content     string              `json:"content"`
	NotifyAt    time.Time           `json:"notify_at"`
	Repetitions *repetitionsRequest `json:"repetitions,omitempty"`
}

func validCreateBody() createBody {
	return createBody{
		Title:    "Reminder",
		Content:  "Do the thing",
		NotifyAt: time.Now().Add(time.Hour),
	}
}

func TestCreateNotification_Validation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*createBody)
		wantMessage string
	}{
		{"empty title", func(b *createBody) { b.Title = "" }, titleEmptyMessage},
		{"title too long", func(b *createBody) { b.Title = strings.Repeat("t", 101) }, titleLongMessage},
		{"empty content", func(b *createBody) { b.Content = "" }, contentEmptyMessage},
		{"content too long", func(b *createBody) { b.Content = strings.Repeat("c", 1001) }, contentLongMessage},
		{"notify_at in the past", func(b *createBody) { b.NotifyAt = time.Now().Add(-time.Minute) }, notifyAtPastMessage},
		{"notify_at missing", func(b *createBody) { b.NotifyAt = time.Time{} }, notifyAtPastMessage},
		{"repetition count zero", func(b *createBody) {
			b.Repetitions = &repetitionsRequest{Count: 0, Interval: 60}
		}, repCountMinMessage},
		{"repetition count too high", func(b *createBody) {
			b.Repetitions = &repetitionsRequest{Count: 11, Interval: 60}
		}, repCountMaxMessage},
		{"repetition interval zero", func(b *createBody) {
			b.Repetitions = &repetitionsRequest{Count: 1, Interval: 0}
		}, repIntervalMinMsg},
		{"repetition interval too long", func(b *createBody) {
			b.Repetitions = &repetitionsRequest{Count: 1, Interval: 3601}
		}, repIntervalMaxMsg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifications := new(MockNotificationRepository)
			h := NewNotificationHandler(notifications, testLogger())

			body := validCreateBody()
			tt.mutate(&body)

			w := httptest.NewRecorder()
			r := authedRequest(jsonRequest(t, http.MethodPost, "/notifications", body), "alice1")
			h.Create(w, r)

			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			assert.Equal(t, tt.wantMessage, errorMessage(t, w))
			notifications.AssertNotCalled(t, "Create")
		})
	}
}

func TestCreateNotification_BoundaryValuesAccepted(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*createBody)
	}{
		{"title at limit", func(b *createBody) { b.Title = strings.Repeat("t", 100) }},
		{"content at limit", func(b *createBody) { b.Content = strings.Repeat("c", 1000) }},
		{"single repetition", func(b *createBody) {
			b.Repetitions = &repetitionsRequest{Count: 1, Interval: 1}
		}},
		{"max repetitions", func(b *createBody) {
			b.Repetitions = &repetitionsRequest{Count: 10, Interval: 3600}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uuid.New()
			notifications := new(MockNotificationRepository)
			notifications.On("Create", mock.Anything, "alice1", mock.Anything).Return(id, nil)

			h := NewNotificationHandler(notifications, testLogger())

			body := validCreateBody()
			tt.mutate(&body)

			w := httptest.NewRecorder()
			r := authedRequest(jsonRequest(t, http.MethodPost, "/notifications", body), "alice1")
			h.Create(w, r)

			require.Equal(t, http.StatusOK, w.Code)

			var resp createNotificationResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, id, resp.NotificationID)
		})
	}
}

func TestCreateNotification_PassesDraftToRepository(t *testing.T) {
	notifyAt := time.Now().Add(time.Hour)
	id := uuid.New()

	notifications := new(MockNotificationRepository)
	notifications.On("Create", mock.Anything, "alice1", mock.MatchedBy(func(draft domain.NotificationDraft) bool {
		return draft.Title == "Reminder" &&
			draft.Content == "Do the thing" &&
			draft.NotifyAt.Equal(notifyAt) &&
			draft.Repetitions != nil &&
			draft.Repetitions.Count == 3 &&
			draft.Repetitions.Interval == 60
	})).Return(id, nil)

	h := NewNotificationHandler(notifications, testLogger())

	body := validCreateBody()
	body.NotifyAt = notifyAt
	body.Repetitions = &repetitionsRequest{Count: 3, Interval: 60}

	w := httptest.NewRecorder()
	h.Create(w, authedRequest(jsonRequest(t, http.MethodPost, "/notifications", body), "alice1"))

	assert.Equal(t, http.StatusOK, w.Code)
	notifications.AssertExpectations(t)
}

func TestCreateNotification_Unauthenticated(t *testing.T) {
	h := NewNotificationHandler(new(MockNotificationRepository), testLogger())

	w := httptest.NewRecorder()
	h.Create(w, jsonRequest(t, http.MethodPost, "/notifications", validCreateBody()))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func getRequest(id string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/notification/"+id, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestGetNotification(t *testing.T) {
	sentAt := time.Now().UTC().Add(-time.Minute)
	notification := &domain.Notification{
		ID:      uuid.New(),
		Title:   "Reminder",
		Content: "Do the thing",
		Plan: []domain.PlanEntry{
			{PlannedAt: sentAt.Add(-time.Hour), SentAt: &sentAt, State: domain.StateSent},
			{PlannedAt: time.Now().UTC().Add(time.Hour), State: domain.StatePlanned},
		},
	}

	notifications := new(MockNotificationRepository)
	notifications.On("GetByID", mock.Anything, notification.ID).Return(notification, nil)

	h := NewNotificationHandler(notifications, testLogger())

	w := httptest.NewRecorder()
	h.Get(w, getRequest(notification.ID.String()))

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		Plan    []struct {
			PlannedAt time.Time  `json:"planned_at"`
			SentAt    *time.Time `json:"sent_at"`
		} `json:"plan"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	assert.Equal(t, "Reminder", resp.Title)
	assert.Equal(t, "Do the thing", resp.Content)
	require.Len(t, resp.Plan, 2)
	assert.NotNil(t, resp.Plan[0].SentAt)
	assert.Nil(t, resp.Plan[1].SentAt)
}

func TestGetNotification_NotFound(t *testing.T) {
	id := uuid.New()

	notifications := new(MockNotificationRepository)
	notifications.On("GetByID", mock.Anything, id).Return(nil, domain.ErrNotFound)

	h := NewNotificationHandler(notifications, testLogger())

	w := httptest.NewRecorder()
	h.Get(w, getRequest(id.String()))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, notFoundMessage, errorMessage(t, w))
}

func TestGetNotification_MalformedID(t *testing.T) {
	notifications := new(MockNotificationRepository)
	h := NewNotificationHandler(notifications, testLogger())

	w := httptest.NewRecorder()
	h.Get(w, getRequest("not-a-uuid"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, notFoundMessage, errorMessage(t, w))
	notifications.AssertNotCalled(t, "GetByID")
}

func TestUserGet(t *testing.T) {
	notifications := new(MockNotificationRepository)
	owned := []*domain.Notification{
		{ID: uuid.New(), Title: "One", Content: "First"},
		{ID: uuid.New(), Title: "Two", Content: "Second"},
	}
	notifications.On("ListByUsername", mock.Anything, "alice1").Return(owned, nil)

	h := NewUserHandler(notifications, testLogger())

	w := httptest.NewRecorder()
	h.Get(w, authedRequest(httptest.NewRequest(http.MethodGet, "/user", nil), "alice1"))

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Username      string `json:"username"`
		Notifications []struct {
			ID    uuid.UUID `json:"id"`
			Title string    `json:"title"`
		} `json:"notifications"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	assert.Equal(t, "alice1", resp.Username)
	require.Len(t, resp.Notifications, 2)
	assert.Equal(t, owned[0].ID, resp.Notifications[0].ID)
}

func TestUserGet_Unauthenticated(t *testing.T) {
	h := NewUserHandler(new(MockNotificationRepository), testLogger())

	w := httptest.NewRecorder()
	h.Get(w, httptest.NewRequest(http.MethodGet, "/user", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
