package testutil

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	gmailapi "google.golang.org/api/gmail/v1"
)

// TestGmailServer is an in-memory stand-in for the Gmail REST API.
// Messages are listed in the order they were added.
type TestGmailServer struct {
	Server *httptest.Server

	mu             sync.Mutex
	email          string
	messages       []*gmailapi.Message
	history        []*gmailapi.History
	historyID      uint64
	historyExpired bool
	acceptedToken  string
	drafts         []*gmailapi.Draft
	watchCalls     int
	stopCalls      int
	getCalls       int
	lastQuery      string
	failGets       map[string]int
}

// NewTestGmailServer starts a fake Gmail API for the given mailbox address.
func NewTestGmailServer(t *testing.T, email string) *TestGmailServer {
	t.Helper()

	s := &TestGmailServer{email: email, historyID: 1000, failGets: make(map[string]int)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/profile", s.handleProfile)
	mux.HandleFunc("GET /gmail/v1/users/me/messages", s.handleList)
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", s.handleGet)
	mux.HandleFunc("POST /gmail/v1/users/me/messages/{id}/modify", s.handleModify)
	mux.HandleFunc("GET /gmail/v1/users/me/history", s.handleHistory)
	mux.HandleFunc("POST /gmail/v1/users/me/watch", s.handleWatch)
	mux.HandleFunc("POST /gmail/v1/users/me/stop", s.handleStop)
	mux.HandleFunc("POST /gmail/v1/users/me/drafts", s.handleDraft)

	s.Server = httptest.NewServer(s.authenticate(mux))
	t.Cleanup(s.Server.Close)
	return s
}

// Endpoint is the API root to hand to gmail.WithEndpoint.
func (s *TestGmailServer) Endpoint() string {
	return s.Server.URL + "/"
}

// AcceptOnly makes every request with a different bearer token fail with 401.
func (s *TestGmailServer) AcceptOnly(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptedToken = token
}

// AddMessage stores a message as returned by messages.get?format=full.
func (s *TestGmailServer) AddMessage(m *gmailapi.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// AddTextMessage builds and stores a multipart/alternative message.
func (s *TestGmailServer) AddTextMessage(id, threadID, subject, from string, at time.Time, unread bool) *gmailapi.Message {
	labels := []string{"INBOX"}
	if unread {
		labels = append(labels, "UNREAD")
	}
	m := &gmailapi.Message{
		Id:           id,
		ThreadId:     threadID,
		LabelIds:     labels,
		InternalDate: at.UnixMilli(),
		SizeEstimate: 512,
		Payload: &gmailapi.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "Message-ID", Value: fmt.Sprintf("<%s@mail.example>", id)},
				{Name: "Subject", Value: subject},
				{Name: "From", Value: from},
				{Name: "To", Value: s.email},
				{Name: "Date", Value: at.Format(time.RFC1123Z)},
			},
			Parts: []*gmailapi.MessagePart{
				{PartId: "0", MimeType: "text/plain", Body: &gmailapi.MessagePartBody{
					Data: base64.URLEncoding.EncodeToString([]byte("Body of " + subject)),
				}},
				{PartId: "1", MimeType: "text/html", Body: &gmailapi.MessagePartBody{
					Data: base64.URLEncoding.EncodeToString([]byte("<p>Body of " + subject + "</p>")),
				}},
			},
		},
	}
	s.AddMessage(m)
	return m
}

// AddHistory appends a history record and advances the mailbox cursor to its id.
func (s *TestGmailServer) AddHistory(h *gmailapi.History) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.Id == 0 {
		s.historyID++
		h.Id = s.historyID
	} else if h.Id > s.historyID {
		s.historyID = h.Id
	}
	s.history = append(s.history, h)
}

// SetHistoryID moves the current mailbox cursor.
func (s *TestGmailServer) SetHistoryID(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyID = id
}

// ExpireHistory makes history.list answer 404 as for a too-old cursor.
func (s *TestGmailServer) ExpireHistory(expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyExpired = expired
}

// FailGet makes the next n messages.get calls for id fail with status 500.
func (s *TestGmailServer) FailGet(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGets[id] = n
}

// Labels returns the current labels of a message.
func (s *TestGmailServer) Labels(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.find(id); m != nil {
		return append([]string(nil), m.LabelIds...)
	}
	return nil
}

// Drafts returns every created draft.
func (s *TestGmailServer) Drafts() []*gmailapi.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*gmailapi.Draft(nil), s.drafts...)
}

// WatchCalls returns how many watch registrations were received.
func (s *TestGmailServer) WatchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchCalls
}

// GetCalls returns how many messages.get requests were received.
func (s *TestGmailServer) GetCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

// LastQuery returns the q parameter of the last messages.list request.
func (s *TestGmailServer) LastQuery() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery
}

func (s *TestGmailServer) find(id string) *gmailapi.Message {
	for _, m := range s.messages {
		if m.Id == id {
			return m
		}
	}
	return nil
}

func (s *TestGmailServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		accepted := s.acceptedToken
		s.mu.Unlock()
		if accepted != "" && r.Header.Get("Authorization") != "Bearer "+accepted {
			writeGoogleError(w, http.StatusUnauthorized, "authError", "Invalid Credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeGoogleError(w http.ResponseWriter, status int, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"errors":  []map[string]string{{"reason": reason, "message": message}},
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func pageBounds(r *http.Request, total int) (start, end int, next string) {
	start, _ = strconv.Atoi(r.URL.Query().Get("pageToken"))
	size, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))
	if size <= 0 {
		size = 100
	}
	start = min(start, total)
	end = min(start+size, total)
	if end < total {
		next = strconv.Itoa(end)
	}
	return start, end, next
}

func (s *TestGmailServer) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, &gmailapi.Profile{
		EmailAddress:  s.email,
		HistoryId:     s.historyID,
		MessagesTotal: int64(len(s.messages)),
	})
}

func (s *TestGmailServer) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastQuery = r.URL.Query().Get("q")

	start, end, next := pageBounds(r, len(s.messages))
	resp := &gmailapi.ListMessagesResponse{
		NextPageToken:      next,
		ResultSizeEstimate: int64(len(s.messages)),
	}
	for _, m := range s.messages[start:end] {
		resp.Messages = append(resp.Messages, &gmailapi.Message{Id: m.Id, ThreadId: m.ThreadId})
	}
	writeJSON(w, resp)
}

func (s *TestGmailServer) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++

	id := r.PathValue("id")
	if n := s.failGets[id]; n > 0 {
		s.failGets[id] = n - 1
		writeGoogleError(w, http.StatusInternalServerError, "backendError", "Backend Error")
		return
	}
	m := s.find(id)
	if m == nil {
		writeGoogleError(w, http.StatusNotFound, "notFound", "Requested entity was not found.")
		return
	}

	if r.URL.Query().Get("format") == "metadata" {
		copied := *m
		payload := *m.Payload
		payload.Parts = nil
		payload.Body = nil
		copied.Payload = &payload
		writeJSON(w, &copied)
		return
	}
	writeJSON(w, m)
}

func (s *TestGmailServer) handleModify(w http.ResponseWriter, r *http.Request) {
	var req gmailapi.ModifyMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGoogleError(w, http.StatusBadRequest, "invalidArgument", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.find(r.PathValue("id"))
	if m == nil {
		writeGoogleError(w, http.StatusNotFound, "notFound", "Requested entity was not found.")
		return
	}

	remove := make(map[string]bool)
	for _, l := range req.RemoveLabelIds {
		remove[l] = true
	}
	var labels []string
	for _, l := range m.LabelIds {
		if !remove[l] {
			labels = append(labels, l)
		}
	}
	m.LabelIds = append(labels, req.AddLabelIds...)
	writeJSON(w, m)
}

func (s *TestGmailServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.historyExpired {
		writeGoogleError(w, http.StatusNotFound, "notFound", "Requested entity was not found.")
		return
	}

	startID, err := strconv.ParseUint(r.URL.Query().Get("startHistoryId"), 10, 64)
	if err != nil {
		writeGoogleError(w, http.StatusBadRequest, "invalidArgument", "startHistoryId is required")
		return
	}

	var matching []*gmailapi.History
	for _, h := range s.history {
		if h.Id > startID {
			matching = append(matching, h)
		}
	}
	start, end, next := pageBounds(r, len(matching))
	writeJSON(w, &gmailapi.ListHistoryResponse{
		History:       matching[start:end],
		HistoryId:     s.historyID,
		NextPageToken: next,
	})
}

func (s *TestGmailServer) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req gmailapi.WatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TopicName == "" {
		writeGoogleError(w, http.StatusBadRequest, "invalidArgument", "topicName is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchCalls++
	writeJSON(w, &gmailapi.WatchResponse{
		HistoryId:  s.historyID,
		Expiration: time.Now().Add(7 * 24 * time.Hour).UnixMilli(),
	})
}

func (s *TestGmailServer) handleStop(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	w.WriteHeader(http.StatusNoContent)
}

func (s *TestGmailServer) handleDraft(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeGoogleError(w, http.StatusBadRequest, "invalidArgument", err.Error())
		return
	}
	var draft gmailapi.Draft
	if err := json.Unmarshal(body, &draft); err != nil || draft.Message == nil || draft.Message.Raw == "" {
		writeGoogleError(w, http.StatusBadRequest, "invalidArgument", "message.raw is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	draft.Id = fmt.Sprintf("draft-%d", len(s.drafts)+1)
	s.drafts = append(s.drafts, &draft)
	writeJSON(w, &draft)
}
