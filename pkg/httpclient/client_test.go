package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testRequest はテストサーバーが受け取ったリクエスト情報を保持する構造体。
type testRequest struct {
	// Method はHTTPメソッド。
	Method string
	// Path はリクエストパス。
	Path string
	// Body はリクエストボディ。
	Body []byte
	// Headers はリクエストヘッダー。
	Headers http.Header
}

// testPayload はテスト用のリクエスト/レスポンスペイロード。
type testPayload struct {
	// Name はテスト用の名前フィールド。
	Name string `json:"name"`
	// Value はテスト用の値フィールド。
	Value int `json:"value"`
}

// newRecordingServer は受け取ったリクエストを記録し、固定のレスポンスを返すテストサーバーを起動する。
func newRecordingServer(t *testing.T, status int, respBody string) (*httptest.Server, *testRequest) {
	t.Helper()

	received := &testRequest{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Method = r.Method
		received.Path = r.URL.Path
		received.Body, _ = io.ReadAll(r.Body)
		received.Headers = r.Header.Clone()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}))
	t.Cleanup(ts.Close)
	return ts, received
}

// TestNew はNew関数でクライアントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("既定のタイムアウトが30秒であること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080")
		if client.baseURL != "http://localhost:8080" {
			t.Errorf("baseURL = %q, want %q", client.baseURL, "http://localhost:8080")
		}
		if client.httpClient.Timeout != DefaultTimeout {
			t.Errorf("Timeout = %v, want %v", client.httpClient.Timeout, DefaultTimeout)
		}
	})

	t.Run("オプションでタイムアウトを変更できること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080", WithTimeout(5*time.Second))
		if client.httpClient.Timeout != 5*time.Second {
			t.Errorf("Timeout = %v, want 5s", client.httpClient.Timeout)
		}
	})
}

// TestPostJSON はPostJSON関数を検証する。
func TestPostJSON(t *testing.T) {
	t.Parallel()

	t.Run("正常にPOSTリクエストを送信してレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		ts, received := newRecordingServer(t, http.StatusOK, `{"name":"response","value":200}`)
		client := New(ts.URL)
		var result testPayload

		if err := client.PostJSON(context.Background(), "/v1/push", testPayload{Name: "request", Value: 100}, &result); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}

		if received.Method != http.MethodPost {
			t.Errorf("Method = %q, want %q", received.Method, http.MethodPost)
		}
		if received.Path != "/v1/push" {
			t.Errorf("Path = %q, want %q", received.Path, "/v1/push")
		}
		var sentBody testPayload
		if err := json.Unmarshal(received.Body, &sentBody); err != nil {
			t.Fatalf("リクエストボディのパースに失敗: %v", err)
		}
		if sentBody.Name != "request" || sentBody.Value != 100 {
			t.Errorf("sent = %+v", sentBody)
		}
		if got := received.Headers.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want %q", got, "application/json")
		}
		if result.Name != "response" || result.Value != 200 {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("Bearerトークンが付与されること", func(t *testing.T) {
		t.Parallel()

		ts, received := newRecordingServer(t, http.StatusOK, `{}`)
		client := New(ts.URL, WithBearerToken("gateway-token"))

		if err := client.PostJSON(context.Background(), "/", testPayload{}, nil); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
		if got := received.Headers.Get("Authorization"); got != "Bearer gateway-token" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer gateway-token")
		}
	})

	t.Run("2xx以外はStatusErrorを返すこと", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			status        int
			wantTemporary bool
		}{
			{status: http.StatusBadRequest, wantTemporary: false},
			{status: http.StatusTooManyRequests, wantTemporary: true},
			{status: http.StatusBadGateway, wantTemporary: true},
		}
		for _, tt := range tests {
			ts, _ := newRecordingServer(t, tt.status, `{"error":"x"}`)
			err := New(ts.URL).PostJSON(context.Background(), "/", testPayload{}, nil)

			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("status %d: error = %v, want *StatusError", tt.status, err)
			}
			if se.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", se.StatusCode, tt.status)
			}
			if se.Body != `{"error":"x"}` {
				t.Errorf("Body = %q", se.Body)
			}
			if se.Temporary() != tt.wantTemporary {
				t.Errorf("status %d: Temporary() = %v, want %v", tt.status, se.Temporary(), tt.wantTemporary)
			}
		}
	})

	t.Run("キャンセルされたコンテキストでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts, _ := newRecordingServer(t, http.StatusOK, `{}`)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := New(ts.URL).PostJSON(ctx, "/", testPayload{}, nil); err == nil {
			t.Fatal("キャンセル済みコンテキストでエラーが返らない")
		}
	})

	t.Run("シリアライズできないボディでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if err := New("http://localhost:1").PostJSON(context.Background(), "/", make(chan int), nil); err == nil {
			t.Fatal("シリアライズできないボディでエラーが返らない")
		}
	})
}

// TestGetJSON はGetJSON関数を検証する。
func TestGetJSON(t *testing.T) {
	t.Parallel()

	t.Run("正常にGETリクエストを送信してレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		ts, received := newRecordingServer(t, http.StatusOK, `{"name":"got","value":1}`)
		var result testPayload
		if err := New(ts.URL).GetJSON(context.Background(), "/health", &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if received.Method != http.MethodGet {
			t.Errorf("Method = %q, want %q", received.Method, http.MethodGet)
		}
		if len(received.Body) != 0 {
			t.Errorf("GETにボディが含まれる: %q", received.Body)
		}
		if result.Name != "got" {
			t.Errorf("result.Name = %q, want %q", result.Name, "got")
		}
	})

	t.Run("不正なJSONレスポンスでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts, _ := newRecordingServer(t, http.StatusOK, `not json`)
		var result testPayload
		if err := New(ts.URL).GetJSON(context.Background(), "/", &result); err == nil {
			t.Fatal("不正なJSONでエラーが返らない")
		}
	})

	t.Run("接続できないサーバーに対してエラーが返ること", func(t *testing.T) {
		t.Parallel()

		client := New("http://127.0.0.1:1", WithTimeout(time.Second))
		if err := client.GetJSON(context.Background(), "/", nil); err == nil {
			t.Fatal("接続できないサーバーでエラーが返らない")
		}
	})
}

// TestWithCorrelationID は相関IDの伝播を検証する。
func TestWithCorrelationID(t *testing.T) {
	t.Parallel()

	t.Run("コンテキストの相関IDがヘッダーとして送信されること", func(t *testing.T) {
		t.Parallel()

		ts, received := newRecordingServer(t, http.StatusOK, `{}`)
		ctx := WithCorrelationID(context.Background(), "3f2b6c1e-0000-4000-8000-000000000001")

		if err := New(ts.URL).PostJSON(ctx, "/", testPayload{}, nil); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
		if got := received.Headers.Get(HeaderCorrelationID); got != "3f2b6c1e-0000-4000-8000-000000000001" {
			t.Errorf("%s = %q", HeaderCorrelationID, got)
		}
	})

	t.Run("相関IDが未設定または空の場合はヘッダーを送らないこと", func(t *testing.T) {
		t.Parallel()

		for _, ctx := range []context.Context{
			context.Background(),
			WithCorrelationID(context.Background(), ""),
		} {
			ts, received := newRecordingServer(t, http.StatusOK, `{}`)
			if err := New(ts.URL).GetJSON(ctx, "/", nil); err != nil {
				t.Fatalf("GetJSON()でエラーが発生: %v", err)
			}
			if got := received.Headers.Get(HeaderCorrelationID); got != "" {
				t.Errorf("%s = %q, want empty", HeaderCorrelationID, got)
			}
		}
	})
}
