package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBool(t *testing.T) {
	if Bool(true) != 1 || Bool(false) != 0 {
		t.Error("Bool() mapping wrong")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	DoorOpen.WithLabelValues("5").Set(1)
	DoorCommands.WithLabelValues("close", "ok").Inc()
	Online.Set(Bool(true))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`net2_doors_open{door="5"} 1`,
		`net2_doors_commands_total{command="close",result="ok"}`,
		`net2_session_online 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
