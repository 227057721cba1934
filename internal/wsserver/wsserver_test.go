package wsserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestUpgrade_RawReadWriteRoundTrip(t *testing.T) {
	upgraded := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		upgraded <- c
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := websocket.Dialer{HandshakeTimeout: time.Second}
	client, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server *Conn
	select {
	case server = <-upgraded:
	case <-time.After(time.Second):
		t.Fatalf("server never completed upgrade")
	}
	defer server.Close()

	want := []byte{0xca, 0xfe, 0xba, 0xbe}
	if err := client.WriteMessage(websocket.BinaryMessage, want); err != nil {
		t.Fatalf("client WriteMessage: %v", err)
	}

	buf := make([]byte, len(want))
	n, err := server.RawRead(buf)
	if err != nil {
		t.Fatalf("RawRead: %v", err)
	}
	if n != len(want) || string(buf) != string(want) {
		t.Fatalf("RawRead = %v, want %v", buf[:n], want)
	}

	reply := []byte{0x01, 0x02, 0x03}
	if _, err := server.RawWrite(reply); err != nil {
		t.Fatalf("RawWrite: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(time.Second))
	mt, got, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client ReadMessage: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want BinaryMessage", mt)
	}
	if string(got) != string(reply) {
		t.Fatalf("client read %v, want %v", got, reply)
	}
}

func TestUpgrade_RawReadSplitsAcrossSmallBuffers(t *testing.T) {
	upgraded := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		upgraded <- c
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := websocket.Dialer{HandshakeTimeout: time.Second}
	client, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	server := <-upgraded
	defer server.Close()

	want := []byte{1, 2, 3, 4, 5, 6}
	if err := client.WriteMessage(websocket.BinaryMessage, want); err != nil {
		t.Fatalf("client WriteMessage: %v", err)
	}

	got := make([]byte, 0, len(want))
	small := make([]byte, 2)
	for len(got) < len(want) {
		n, err := server.RawRead(small)
		if err != nil {
			t.Fatalf("RawRead: %v", err)
		}
		got = append(got, small[:n]...)
	}
	if string(got) != string(want) {
		t.Fatalf("reassembled read = %v, want %v", got, want)
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	upgraded := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		upgraded <- c
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := websocket.Dialer{HandshakeTimeout: time.Second}
	client, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	server := <-upgraded
	if err := server.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
