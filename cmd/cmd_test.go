package cmd

import (
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/jake-scott/net2-doors/internal/pkg/bridge"
)

func TestRedactSettings(t *testing.T) {
	v := viper.New()
	v.Set("net2.password", "hunter2")
	v.Set("net2.username", "admin")
	v.Set("mqtt.broker", "tcp://localhost:1883")

	got := redactSettings(v.AllSettings())

	net2 := got["net2"].(map[string]interface{})
	if net2["password"] != redacted || net2["username"] != "admin" {
		t.Errorf("net2 = %v", net2)
	}

	mqtt := got["mqtt"].(map[string]interface{})
	if _, ok := mqtt["password"]; ok {
		t.Errorf("mqtt = %v", mqtt)
	}
}

func TestConfiguredDoors(t *testing.T) {
	defer viper.Reset()

	tests := []struct {
		name  string
		doors interface{}
		want  []bridge.DoorConfig
		fails bool
	}{
		{
			name: "ok",
			doors: []map[string]interface{}{
				{"id": 5, "name": "Front"},
				{"id": 7},
			},
			want: []bridge.DoorConfig{{ID: 5, Name: "Front"}, {ID: 7}},
		},
		{
			name:  "duplicate",
			doors: []map[string]interface{}{{"id": 5}, {"id": 5}},
			fails: true,
		},
		{
			name:  "missing id",
			doors: []map[string]interface{}{{"name": "Front"}},
			fails: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			viper.Reset()
			viper.Set("doors", tc.doors)

			got, err := configuredDoors()
			if tc.fails {
				if err == nil {
					t.Fatalf("configuredDoors() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("configuredDoors() = %v", got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("door %d = %+v, want %+v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestCheckRequiredFlags(t *testing.T) {
	defer viper.Reset()
	viper.Reset()

	viper.Set("net2.host", "net2.local")
	viper.Set("net2.username", "")

	err := checkRequiredFlags(net2RequiredFlags...)
	if err == nil {
		t.Fatal("checkRequiredFlags() passed with missing credentials")
	}
	want := "required config items `net2.username`, `net2.password`, `net2.client-id` not set"
	if err.Error() != want {
		t.Errorf("error = %q", err)
	}
}

func TestAPITimeoutDefault(t *testing.T) {
	defer viper.Reset()
	viper.Reset()

	if d := apiTimeout(); d != defaultAPITimeout {
		t.Errorf("apiTimeout() = %v", d)
	}

	viper.Set("net2.api-timeout", "3s")
	if d := apiTimeout(); d != 3*time.Second {
		t.Errorf("apiTimeout() = %v", d)
	}
}
