package monitor_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blukai/netpong/internal/gameserver"
	"github.com/blukai/netpong/internal/monitor"
	"github.com/matryer/is"
)

type staticSource gameserver.Status

func (s staticSource) Snapshot() gameserver.Status {
	return gameserver.Status(s)
}

var status = staticSource{
	Addr:       "127.0.0.1:3000",
	MaxClients: 4,
	Ticks:      120,
	Clients: []gameserver.ClientStatus{
		{ID: 1, Addr: "127.0.0.1:5001", Name: "alice", PingsServed: 3},
		{ID: 2, Addr: "127.0.0.1:5002", Name: "bob"},
	},
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	is := is.New(t)

	h := monitor.NewServer(status, nil).Handler()
	rec := get(t, h, "/api/status")
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(rec.Header().Get("Access-Control-Allow-Origin"), "*")

	var got gameserver.Status
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &got))
	is.Equal(got.Addr, "127.0.0.1:3000")
	is.Equal(got.MaxClients, 4)
	is.Equal(len(got.Clients), 2)
	is.Equal(got.Clients[0].Name, "alice")
}

func TestClients(t *testing.T) {
	is := is.New(t)

	h := monitor.NewServer(status, nil).Handler()

	rec := get(t, h, "/api/clients")
	is.Equal(rec.Code, http.StatusOK)
	var list struct {
		Clients []gameserver.ClientStatus `json:"clients"`
		Total   int                       `json:"total"`
	}
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &list))
	is.Equal(list.Total, 2)

	rec = get(t, h, "/api/clients/1")
	is.Equal(rec.Code, http.StatusOK)
	var client gameserver.ClientStatus
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &client))
	is.Equal(client.PingsServed, uint64(3))

	is.Equal(get(t, h, "/api/clients/9").Code, http.StatusNotFound)
	is.Equal(get(t, h, "/api/clients/nope").Code, http.StatusBadRequest)
}

func TestEmptyClients(t *testing.T) {
	is := is.New(t)

	h := monitor.NewServer(staticSource{}, nil).Handler()
	rec := get(t, h, "/api/clients")
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(rec.Body.String(), `{"clients":[],"total":0}`)
}

func TestServeShutsDown(t *testing.T) {
	is := is.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- monitor.NewServer(status, nil).Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/ping")
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)

	cancel()
	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not shut down")
	}
}

func TestFetchAndRender(t *testing.T) {
	is := is.New(t)

	ts := httptest.NewServer(monitor.NewServer(status, nil).Handler())
	defer ts.Close()

	got, err := monitor.FetchStatus(context.Background(), ts.Client(), ts.URL+"/")
	is.NoErr(err)
	is.Equal(len(got.Clients), 2)

	buf := new(bytes.Buffer)
	monitor.RenderStatus(buf, got, time.Now())
	out := buf.String()
	is.True(strings.HasPrefix(out, "server 127.0.0.1:3000: 2/4 clients, 120 ticks\n"))
	is.True(strings.Contains(out, "alice"))
	is.True(strings.Contains(out, "127.0.0.1:5002"))
	is.True(strings.Contains(out, "RETRANSMISSIONS"))
}

func TestFetchNotFound(t *testing.T) {
	is := is.New(t)

	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := monitor.FetchStatus(context.Background(), ts.Client(), ts.URL)
	is.True(err != nil)
}
