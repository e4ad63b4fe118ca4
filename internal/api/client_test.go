package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"rdv-chat/internal/chat"
)

func TestGetMessagesSendsPagingParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/conversations/4/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("user_id") != "9" || q.Get("limit") != "50" || q.Get("offset") != "0" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		_, _ = io.WriteString(w, `[{"id":2,"conversation_id":4,"sender_id":9,"content":"b","message_type":"text","created_at":"2025-01-01T10:01:00","is_read":false},
			{"id":1,"conversation_id":4,"sender_id":3,"content":"a","message_type":"text","file_url":null,"created_at":"2025-01-01T10:00:00","is_read":true}]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", WithToken("secret"))
	msgs, err := c.GetMessages(context.Background(), 4, 9, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 2 || !msgs[1].IsRead {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestNon2xxBecomesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"forbidden"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).MarkAsRead(context.Background(), 1, 2)

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusForbidden {
		t.Fatalf("status: got %d", statusErr.Code)
	}
}

func TestCreateOrGetConversationPostsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("patient_id") != "1" || r.PostForm.Get("medecin_id") != "2" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		_, _ = io.WriteString(w, `{"success":true,"conversation_id":17,"message":"created"}`)
	}))
	defer srv.Close()

	id, err := NewClient(srv.URL).CreateOrGetConversation(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("CreateOrGetConversation failed: %v", err)
	}
	if id != 17 {
		t.Fatalf("conversation id: got %d want 17", id)
	}
}

func TestUploadFileSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		if r.FormValue("conversation_id") != "3" || r.FormValue("sender_id") != "8" {
			t.Errorf("unexpected fields %v", r.MultipartForm.Value)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "scan.pdf" || string(data) != "%PDF" || hdr.Header.Get("Content-Type") != "application/pdf" {
			t.Errorf("unexpected file %s %q", hdr.Filename, data)
		}
		_, _ = io.WriteString(w, `{"success":true,"message":{"id":5,"conversation_id":3,"sender_id":8,"content":"scan.pdf","message_type":"document","file_url":"/chat/download/x.pdf","created_at":"2025-01-01T10:00:00Z","is_read":false},"file_info":{"filename":"x.pdf","original_name":"scan.pdf","url":"/chat/download/x.pdf","size":4}}`)
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).UploadFile(context.Background(), 3, 8, "scan.pdf", "application/pdf", bytes.NewBufferString("%PDF"))
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if res.Message.MessageType != chat.MessageTypeDocument || res.FileInfo.Size != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestUploadFileRejectsOversizedFilesLocally(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	big := bytes.NewReader(make([]byte, MaxUploadBytes+1))
	_, err := NewClient(srv.URL).UploadFile(context.Background(), 1, 1, "big.bin", "", big)
	if !errors.Is(err, chat.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if called {
		t.Fatalf("oversized upload must not reach the server")
	}
}

func TestDownloadFileStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/download/a.png" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	rc, err := NewClient(srv.URL).DownloadFile(context.Background(), "a.png")
	if err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if len(data) != 4 {
		t.Fatalf("unexpected body %q", data)
	}
}
